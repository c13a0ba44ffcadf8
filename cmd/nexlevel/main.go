package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Missing .env is fine outside local development
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
