// Package config loads process configuration from the environment. A .env
// file in the working directory is read first when present; real
// environment variables win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Lifecycle configures cmd/lifecycle.
type Lifecycle struct {
	Env         string `env:"KFA_ENV" envDefault:"development"`
	ServiceName string `env:"KFA_SERVICE_NAME" envDefault:"kfa-lifecycle"`
	HTTPAddr    string `env:"KFA_HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"KFA_METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"KFA_LOG_LEVEL" envDefault:"info"`

	// DatabaseURL selects Postgres; empty runs on the in-memory store.
	DatabaseURL    string        `env:"KFA_DATABASE_URL"`
	DBMaxOpenConns int           `env:"KFA_DB_MAX_OPEN_CONNS" envDefault:"20"`
	TxTimeout      time.Duration `env:"KFA_TX_TIMEOUT" envDefault:"5s"`

	// RedisURL enables the Redis stream notification sink.
	RedisURL        string        `env:"KFA_REDIS_URL"`
	NotifyStream    string        `env:"KFA_NOTIFY_STREAM" envDefault:"kfa:lifecycle:notifications"`
	NotifyStreamLen int64         `env:"KFA_NOTIFY_STREAM_MAXLEN" envDefault:"100000"`
	NotifyWorkers   int           `env:"KFA_NOTIFY_WORKERS" envDefault:"4"`
	NotifyQueue     int           `env:"KFA_NOTIFY_QUEUE" envDefault:"256"`
	NotifyTimeout   time.Duration `env:"KFA_NOTIFY_TIMEOUT" envDefault:"5s"`

	IdentityURL     string `env:"KFA_IDENTITY_URL"`
	DocumentsURL    string `env:"KFA_DOCUMENTS_URL"`
	CollaboratorKey string `env:"KFA_COLLABORATOR_API_KEY"`
	ArtifactWorkers int    `env:"KFA_ARTIFACT_WORKERS" envDefault:"2"`

	JWTSecret   string `env:"KFA_JWT_SECRET"`
	JWTIssuer   string `env:"KFA_JWT_ISSUER" envDefault:"kfa-identity"`
	ServiceKeys string `env:"KFA_SERVICE_KEYS"`

	// Submission limits per caller and submission kind: one every
	// SubmitEvery, bursting to SubmitBurst. Anonymous callers are told apart
	// by client address. A burst of 0 disables limiting.
	SubmitEvery time.Duration `env:"KFA_SUBMIT_EVERY" envDefault:"6s"`
	SubmitBurst int           `env:"KFA_SUBMIT_BURST" envDefault:"10"`

	OTLPEndpoint string `env:"KFA_OTEL_ENDPOINT"`

	ShutdownTimeout time.Duration `env:"KFA_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Validate checks combinations env tags cannot express.
func (c *Lifecycle) Validate() error {
	var errs []error
	if c.JWTSecret == "" && strings.TrimSpace(c.ServiceKeys) == "" {
		errs = append(errs, errors.New("KFA_JWT_SECRET or KFA_SERVICE_KEYS must be set"))
	}
	if c.Env == "production" {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("KFA_DATABASE_URL is required in production"))
		}
		if len(c.JWTSecret) > 0 && len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("KFA_JWT_SECRET must be at least 32 bytes in production"))
		}
	}
	if c.DBMaxOpenConns < 1 {
		errs = append(errs, fmt.Errorf("KFA_DB_MAX_OPEN_CONNS must be positive, got %d", c.DBMaxOpenConns))
	}
	return errors.Join(errs...)
}

// Sweeper configures cmd/sweeper.
type Sweeper struct {
	LifecycleURL string        `env:"KFA_LIFECYCLE_URL" envDefault:"http://localhost:8080"`
	APIKey       string        `env:"KFA_SWEEPER_API_KEY,required"`
	Interval     time.Duration `env:"KFA_SWEEP_INTERVAL" envDefault:"0s"`
	Timeout      time.Duration `env:"KFA_SWEEP_TIMEOUT" envDefault:"2m"`
	LogLevel     string        `env:"KFA_LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file and parses target.
func Load(target any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return ParseEnv(target)
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// NewLogger builds the process JSON logger.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
