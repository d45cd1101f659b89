/*
config.go - Service configuration

PURPOSE:
  Builds the Config used by cmd/server. Sources, later ones win:
    1. Defaults
    2. .env file in the working directory (optional)
    3. Environment variables
    4. Command-line flags (-port, -db, -store)

  Collaborators are disabled by leaving their address empty: no Redis
  means in-process locking, no RabbitMQ means notifications stay on the
  in-process bus, no ERP URL means ERP calls are skipped.

ENVIRONMENT:
  APP_ENV, APP_PORT, APP_SHUTDOWN_TIMEOUT
  STORE_DRIVER (sqlite|postgres|memory), SQLITE_PATH, POSTGRES_DSN
  LOG_LEVEL, LOG_FILE, LOG_MAX_SIZE_MB, LOG_MAX_BACKUPS, LOG_MAX_AGE_DAYS
  REDIS_ADDR, REDIS_PASSWORD, REDIS_DB, REDIS_LOCK_TTL
  RABBITMQ_URL, RABBITMQ_QUEUE
  ERP_BASE_URL, ERP_API_KEY, ERP_TIMEOUT, ERP_REQUESTS_PER_SECOND, ERP_BURST
  EXTENSION_AUTO_APPROVE, CATALOG_FILE
  CONSISTENCY_SWEEP_INTERVAL, CONSISTENCY_AUTO_REPAIR, CONSISTENCY_RETRY_ERP
  HTTP_RATE_LIMIT_PER_MINUTE, HTTP_CORS_ORIGINS, HTTP_IDEMPOTENCY_TTL
  NOTIFY_BUFFER
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	App         App
	Store       Store
	Logger      Logger
	Redis       Redis
	RabbitMQ    RabbitMQ
	ERP         ERP
	Extension   Extension
	Consistency Consistency
	HTTP        HTTP
	Notify      Notify
}

type App struct {
	Env             string
	Port            int
	ShutdownTimeout time.Duration
}

// IsProduction reports whether production logging should be used.
func (a App) IsProduction() bool {
	return a.Env == "production"
}

type Store struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

type Logger struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Redis struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

func (r Redis) Enabled() bool { return r.Addr != "" }

type RabbitMQ struct {
	URL   string
	Queue string
}

func (r RabbitMQ) Enabled() bool { return r.URL != "" }

type ERP struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

func (e ERP) Enabled() bool { return e.BaseURL != "" }

type Extension struct {
	// AutoApprove completes an extension at payment confirmation when a
	// payment method is given.
	AutoApprove bool
	CatalogFile string
}

type Consistency struct {
	SweepInterval time.Duration
	AutoRepair    bool
	RetryERP      bool
}

type HTTP struct {
	RateLimitPerMinute int
	CORSOrigins        []string
	IdempotencyTTL     time.Duration
}

type Notify struct {
	Buffer int
}

// Load reads .env, the environment and then args (usually os.Args[1:]).
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv, args)
}

// FromEnv builds a Config from lookup and args without touching .env.
func FromEnv(lookup func(string) (string, bool), args []string) (*Config, error) {
	e := &env{lookup: lookup}

	cfg := &Config{
		App: App{
			Env:             e.String("APP_ENV", "development"),
			Port:            e.Int("APP_PORT", 8080),
			ShutdownTimeout: e.Duration("APP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Store: Store{
			Driver:      e.String("STORE_DRIVER", DriverSQLite),
			SQLitePath:  e.String("SQLITE_PATH", "ledger.db"),
			PostgresDSN: e.String("POSTGRES_DSN", ""),
		},
		Logger: Logger{
			Level:      e.String("LOG_LEVEL", "info"),
			File:       e.String("LOG_FILE", ""),
			MaxSizeMB:  e.Int("LOG_MAX_SIZE_MB", 10),
			MaxBackups: e.Int("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: e.Int("LOG_MAX_AGE_DAYS", 30),
		},
		Redis: Redis{
			Addr:     e.String("REDIS_ADDR", ""),
			Password: e.String("REDIS_PASSWORD", ""),
			DB:       e.Int("REDIS_DB", 0),
			LockTTL:  e.Duration("REDIS_LOCK_TTL", 10*time.Second),
		},
		RabbitMQ: RabbitMQ{
			URL:   e.String("RABBITMQ_URL", ""),
			Queue: e.String("RABBITMQ_QUEUE", "session-ledger.notifications"),
		},
		ERP: ERP{
			BaseURL:           e.String("ERP_BASE_URL", ""),
			APIKey:            e.String("ERP_API_KEY", ""),
			Timeout:           e.Duration("ERP_TIMEOUT", 10*time.Second),
			RequestsPerSecond: e.Float("ERP_REQUESTS_PER_SECOND", 5),
			Burst:             e.Int("ERP_BURST", 5),
		},
		Extension: Extension{
			AutoApprove: e.Bool("EXTENSION_AUTO_APPROVE", true),
			CatalogFile: e.String("CATALOG_FILE", ""),
		},
		Consistency: Consistency{
			SweepInterval: e.Duration("CONSISTENCY_SWEEP_INTERVAL", 5*time.Minute),
			AutoRepair:    e.Bool("CONSISTENCY_AUTO_REPAIR", true),
			RetryERP:      e.Bool("CONSISTENCY_RETRY_ERP", true),
		},
		HTTP: HTTP{
			RateLimitPerMinute: e.Int("HTTP_RATE_LIMIT_PER_MINUTE", 120),
			CORSOrigins:        e.List("HTTP_CORS_ORIGINS", []string{"*"}),
			IdempotencyTTL:     e.Duration("HTTP_IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Notify: Notify{
			Buffer: e.Int("NOTIFY_BUFFER", 256),
		},
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.App.Port, "port", cfg.App.Port, "HTTP server port")
	fs.StringVar(&cfg.Store.SQLitePath, "db", cfg.Store.SQLitePath, `SQLite database path (":memory:" for in-memory)`)
	fs.StringVar(&cfg.Store.Driver, "store", cfg.Store.Driver, "store driver: sqlite, postgres or memory")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.App.Port))
	}
	if c.Consistency.SweepInterval < 0 {
		errs = append(errs, errors.New("CONSISTENCY_SWEEP_INTERVAL must not be negative"))
	}
	if c.Notify.Buffer <= 0 {
		errs = append(errs, errors.New("NOTIFY_BUFFER must be positive"))
	}
	return errors.Join(errs...)
}

// =============================================================================
// ENV GETTERS
// =============================================================================

// env reads typed values and collects parse errors instead of falling
// back silently.
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *env) String(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) Int(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) Float(key string, def float64) float64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e *env) Bool(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) Duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// List splits a comma-separated value.
func (e *env) List(key string, def []string) []string {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
