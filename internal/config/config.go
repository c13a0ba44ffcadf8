package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig       `yaml:"server"`
	Database DatabaseConfig     `yaml:"database"`
	Auth     AuthConfig         `yaml:"auth"`
	Engine   EngineConfig       `yaml:"engine"`
	Coach    CoachConfig        `yaml:"coach"`
	Proof    ProofStorageConfig `yaml:"proof_storage"`
	Push     PushConfig         `yaml:"push"`
	Worker   WorkerConfig       `yaml:"worker"`
	Metrics  MetricsConfig      `yaml:"metrics"`
	Log      LogConfig          `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string `yaml:"cors_origins"`
	RateLimitRPS    float64  `yaml:"rate_limit_rps"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	IdempotencyTTL  Duration `yaml:"idempotency_ttl"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	Path         string `yaml:"path"`
	URL          string `yaml:"-"` // env-only, carries credentials
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// DSN returns the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		return d.URL
	}
	return d.Path
}

// AuthConfig contains token settings.
type AuthConfig struct {
	JWTSecret  string   `yaml:"-"` // env-only, never in YAML
	Issuer     string   `yaml:"issuer"`
	TokenTTL   Duration `yaml:"token_ttl"`
	BcryptCost int      `yaml:"bcrypt_cost"`
}

// EngineConfig tunes check-in accounting.
type EngineConfig struct {
	DefaultTimezone string `yaml:"default_timezone"`
	Milestones      []int  `yaml:"milestones"`
}

// CoachConfig contains AI coach settings.
type CoachConfig struct {
	APIKey           string   `yaml:"-"` // env-only, never in YAML
	Model            string   `yaml:"model"`
	MaxTokens        int      `yaml:"max_tokens"`
	Timeout          Duration `yaml:"timeout"`
	Interval         Duration `yaml:"interval"`
	Burst            int      `yaml:"burst"`
	UserDailyLimit   int      `yaml:"user_daily_limit"`
	GlobalDailyLimit int      `yaml:"global_daily_limit"`
}

// ProofStorageConfig contains S3-compatible settings for photo proofs.
// An empty bucket disables uploads.
type ProofStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	URLExpiry Duration `yaml:"url_expiry"`
}

// PushConfig contains Firebase Cloud Messaging settings. Without
// credentials push delivery is disabled.
type PushConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	CredentialsJSON string `yaml:"-"` // env-only
}

// Enabled reports whether push credentials are configured.
func (p PushConfig) Enabled() bool {
	return p.CredentialsFile != "" || p.CredentialsJSON != ""
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	EvaluationInterval    Duration `yaml:"evaluation_interval"`
	PushInterval          Duration `yaml:"push_interval"`
	PushBatchSize         int      `yaml:"push_batch_size"`
	PushMaxAttempts       int      `yaml:"push_max_attempts"`
	MaintenanceInterval   Duration `yaml:"maintenance_interval"`
	NotificationRetention Duration `yaml:"notification_retention"`
}

// MetricsConfig guards the Prometheus endpoint. Empty credentials leave
// it open.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"-"` // env-only
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("NEXLEVEL_CONFIG_PATH", "config/nexlevel.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and an explicit config path.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			RateLimitRPS:    20,
			RateLimitBurst:  40,
			IdempotencyTTL:  Duration(24 * time.Hour),
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/nexlevel.db",
		},
		Auth: AuthConfig{
			Issuer:     "nexlevel",
			TokenTTL:   Duration(7 * 24 * time.Hour),
			BcryptCost: 12,
		},
		Engine: EngineConfig{
			DefaultTimezone: "UTC",
			Milestones:      []int{7, 30, 100},
		},
		Coach: CoachConfig{
			Model:            "gpt-4o-mini",
			MaxTokens:        400,
			Timeout:          Duration(30 * time.Second),
			Interval:         Duration(10 * time.Second),
			Burst:            3,
			UserDailyLimit:   50,
			GlobalDailyLimit: 1500,
		},
		Proof: ProofStorageConfig{
			Region:    "us-east-1",
			URLExpiry: Duration(15 * time.Minute),
		},
		Worker: WorkerConfig{
			EvaluationInterval:    Duration(1 * time.Hour),
			PushInterval:          Duration(15 * time.Second),
			PushBatchSize:         50,
			PushMaxAttempts:       5,
			MaintenanceInterval:   Duration(6 * time.Hour),
			NotificationRetention: Duration(30 * 24 * time.Hour),
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty, parseable env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("NEXLEVEL_PORT", &cfg.Server.Port)
	envDuration("NEXLEVEL_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("NEXLEVEL_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("NEXLEVEL_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	if v := os.Getenv("NEXLEVEL_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("NEXLEVEL_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimitRPS = f
		}
	}
	envInt("NEXLEVEL_RATE_LIMIT_BURST", &cfg.Server.RateLimitBurst)
	envDuration("NEXLEVEL_IDEMPOTENCY_TTL", &cfg.Server.IdempotencyTTL)

	// Database
	envString("NEXLEVEL_DB_DRIVER", &cfg.Database.Driver)
	envString("NEXLEVEL_DB_PATH", &cfg.Database.Path)
	envString("NEXLEVEL_DATABASE_URL", &cfg.Database.URL)
	envInt("NEXLEVEL_DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)

	// Auth
	envString("NEXLEVEL_JWT_SECRET", &cfg.Auth.JWTSecret)
	envDuration("NEXLEVEL_TOKEN_TTL", &cfg.Auth.TokenTTL)

	// Engine
	envString("NEXLEVEL_DEFAULT_TIMEZONE", &cfg.Engine.DefaultTimezone)

	// Coach (OPENAI_API_KEY is industry convention)
	envString("OPENAI_API_KEY", &cfg.Coach.APIKey)
	envString("NEXLEVEL_COACH_MODEL", &cfg.Coach.Model)
	envInt("NEXLEVEL_COACH_USER_DAILY_LIMIT", &cfg.Coach.UserDailyLimit)
	envInt("NEXLEVEL_COACH_GLOBAL_DAILY_LIMIT", &cfg.Coach.GlobalDailyLimit)

	// Proof storage
	envString("NEXLEVEL_PROOF_BUCKET", &cfg.Proof.Bucket)
	envString("NEXLEVEL_S3_ENDPOINT", &cfg.Proof.Endpoint)
	envString("NEXLEVEL_S3_REGION", &cfg.Proof.Region)
	envString("NEXLEVEL_S3_ACCESS_KEY", &cfg.Proof.AccessKey)
	envString("NEXLEVEL_S3_SECRET_KEY", &cfg.Proof.SecretKey)
	if v := os.Getenv("NEXLEVEL_S3_USE_SSL"); v != "" {
		b := v == "true" || v == "1"
		cfg.Proof.UseSSL = &b
	}
	envDuration("NEXLEVEL_S3_URL_EXPIRY", &cfg.Proof.URLExpiry)

	// Push
	envString("NEXLEVEL_FCM_CREDENTIALS_FILE", &cfg.Push.CredentialsFile)
	envString("NEXLEVEL_FCM_CREDENTIALS_JSON", &cfg.Push.CredentialsJSON)

	// Worker
	envDuration("NEXLEVEL_EVALUATION_INTERVAL", &cfg.Worker.EvaluationInterval)
	envDuration("NEXLEVEL_PUSH_INTERVAL", &cfg.Worker.PushInterval)
	envInt("NEXLEVEL_PUSH_BATCH_SIZE", &cfg.Worker.PushBatchSize)
	envInt("NEXLEVEL_PUSH_MAX_ATTEMPTS", &cfg.Worker.PushMaxAttempts)
	envDuration("NEXLEVEL_MAINTENANCE_INTERVAL", &cfg.Worker.MaintenanceInterval)
	envDuration("NEXLEVEL_NOTIFICATION_RETENTION", &cfg.Worker.NotificationRetention)

	// Metrics
	if v := os.Getenv("NEXLEVEL_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	envString("NEXLEVEL_METRICS_USERNAME", &cfg.Metrics.Username)
	envString("NEXLEVEL_METRICS_PASSWORD", &cfg.Metrics.Password)

	// Log
	envString("NEXLEVEL_LOG_LEVEL", &cfg.Log.Level)
	envString("NEXLEVEL_LOG_FORMAT", &cfg.Log.Format)
}

// validate checks that required configuration values are set.
// In dev mode (NEXLEVEL_DEV_MODE=true), secret validation is skipped.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if _, err := time.LoadLocation(c.Engine.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid default timezone %q: %w", c.Engine.DefaultTimezone, err)
	}

	if os.Getenv("NEXLEVEL_DEV_MODE") == "true" {
		return nil
	}

	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("NEXLEVEL_JWT_SECRET is required (at least 32 bytes)")
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return errors.New("NEXLEVEL_DATABASE_URL is required for the postgres driver")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
