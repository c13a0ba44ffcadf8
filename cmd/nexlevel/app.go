package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/nexlevel/internal/auth"
	"github.com/hyperengineering/nexlevel/internal/challenge"
	"github.com/hyperengineering/nexlevel/internal/coach"
	"github.com/hyperengineering/nexlevel/internal/config"
	"github.com/hyperengineering/nexlevel/internal/metrics"
	"github.com/hyperengineering/nexlevel/internal/notify"
	"github.com/hyperengineering/nexlevel/internal/proof"
	"github.com/hyperengineering/nexlevel/internal/store"
)

// app holds the wired services shared by the server and the admin commands.
type app struct {
	cfg        *config.Config
	store      *store.SQLStore
	metrics    *metrics.Metrics
	hub        *notify.Hub
	auth       *auth.Service
	challenges *challenge.Service
	inbox      *notify.Inbox
	coach      *coach.Coach
	proofs     proof.Store
}

// openStore connects to the configured database. Migrations run on open.
func openStore(cfg *config.Config) (*store.SQLStore, error) {
	st, err := store.Open(store.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// newApp wires every service over st. m may be nil.
func newApp(cfg *config.Config, st *store.SQLStore, m *metrics.Metrics, logger *slog.Logger) (*app, error) {
	proofs, err := proof.New(cfg.Proof)
	if err != nil {
		return nil, err
	}

	hub := notify.NewHub(notify.DefaultBuffer, logger)
	emitter := notify.NewEmitter(st, hub, m, logger)

	challenges := challenge.NewService(st, st, emitter, challenge.Config{
		Milestones:      cfg.Engine.Milestones,
		DefaultTimezone: cfg.Engine.DefaultTimezone,
		Proofs:          proofs,
		Metrics:         m,
		Logger:          logger,
	})

	var completer coach.Completer
	if cfg.Coach.APIKey != "" {
		completer = coach.NewOpenAI(cfg.Coach.APIKey, cfg.Coach.Model, cfg.Coach.MaxTokens)
	}
	coachSvc := coach.New(completer, st, challenges, coach.Limits{
		Interval:         time.Duration(cfg.Coach.Interval),
		Burst:            cfg.Coach.Burst,
		UserDailyLimit:   cfg.Coach.UserDailyLimit,
		GlobalDailyLimit: cfg.Coach.GlobalDailyLimit,
	}, m, logger)

	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Duration(cfg.Auth.TokenTTL))

	return &app{
		cfg:        cfg,
		store:      st,
		metrics:    m,
		hub:        hub,
		auth:       auth.NewService(st, tokens, cfg.Auth.BcryptCost, logger),
		challenges: challenges,
		inbox:      notify.NewInbox(st),
		coach:      coachSvc,
		proofs:     proofs,
	}, nil
}

// pushProvider returns the FCM provider when credentials are configured.
func pushProvider(ctx context.Context, cfg config.PushConfig) (notify.PushProvider, error) {
	if !cfg.Enabled() {
		return notify.NoopProvider{}, nil
	}
	var raw []byte
	if cfg.CredentialsJSON != "" {
		raw = []byte(cfg.CredentialsJSON)
	}
	p, err := notify.NewFCMProvider(ctx, cfg.CredentialsFile, raw)
	if err != nil {
		return nil, fmt.Errorf("init push provider: %w", err)
	}
	return p, nil
}

// withApp loads configuration, opens the store and runs fn with the wired
// services. Used by the admin commands.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	a, err := newApp(cfg, st, nil, slog.Default())
	if err != nil {
		return err
	}
	return fn(context.Background(), a)
}
