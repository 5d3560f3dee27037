// Package config loads the relay's runtime settings from the environment,
// applying defaults and sanitising out-of-range values.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Backplane and store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// RateLimitConfig defines the parameters for per-connection command rate limiting.
type RateLimitConfig struct {
	Burst int `env:"RATE_LIMIT_BURST,default=5"`
	// RefillSeconds is the time, in whole seconds, to refill Burst tokens.
	RefillSeconds int `env:"RATE_LIMIT_REFILL_INTERVAL,default=1"`
}

// RefillInterval returns RefillSeconds as a duration.
func (r RateLimitConfig) RefillInterval() time.Duration {
	return time.Duration(r.RefillSeconds) * time.Second
}

// ServerConfig holds the HTTP and WebSocket settings, including security controls.
type ServerConfig struct {
	Port string `env:"SERVER_PORT,default=:8080"`
	// AllowedOrigins is a comma separated list; "*" allows any origin.
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize int64  `env:"MAX_MESSAGE_SIZE,default=32768"`
	RateLimit      RateLimitConfig
}

// Origins returns AllowedOrigins split and trimmed.
func (s ServerConfig) Origins() []string {
	return ParseOrigins(s.AllowedOrigins)
}

// AuthConfig configures access token validation.
type AuthConfig struct {
	Secret string `env:"AUTH_SECRET"`
	Issuer string `env:"AUTH_ISSUER,default=chatrelay"`
}

// BackplaneConfig selects and configures the cross-instance relay.
type BackplaneConfig struct {
	Driver     string `env:"BACKPLANE_DRIVER,default=memory"`
	RedisAddr  string `env:"REDIS_ADDR,default=localhost:6379"`
	KeyPrefix  string `env:"BACKPLANE_KEY_PREFIX,default=chatrelay:"`
	Partitions int    `env:"BACKPLANE_PARTITIONS,default=16"`
}

// StoreConfig selects the membership oracle and message store.
type StoreConfig struct {
	Driver      string `env:"STORE_DRIVER,default=memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	// Seed defines chats for the memory store, e.g. "general=alice,bob;random=carol".
	Seed string `env:"STORE_SEED"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=text"`
	// File, when set, receives logs through a rotating writer.
	File string `env:"LOG_FILE"`
}

// Config is the complete process configuration.
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Backplane BackplaneConfig
	Store     StoreConfig
	Log       LogConfig

	// InstanceID names this process on the backplane. Generated when empty.
	InstanceID      string        `env:"INSTANCE_ID"`
	CallTimeout     time.Duration `env:"CALL_TIMEOUT,default=5s"`
	IdempotencyTTL  time.Duration `env:"IDEMPOTENCY_TTL,default=10m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           ":8080",
			AllowedOrigins: "http://localhost:8080",
			MaxMessageSize: 32768,
			RateLimit: RateLimitConfig{
				Burst:         5,
				RefillSeconds: 1,
			},
		},
		Auth:      AuthConfig{Issuer: "chatrelay"},
		Backplane: BackplaneConfig{Driver: DriverMemory, RedisAddr: "localhost:6379", KeyPrefix: "chatrelay:", Partitions: 16},
		Store:     StoreConfig{Driver: DriverMemory},
		Log:       LogConfig{Level: "info", Format: "text"},

		CallTimeout:     5 * time.Second,
		IdempotencyTTL:  10 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads an optional .env file from the working directory and then
// decodes the environment. Variables already set win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded environment from .env")
	}
	return FromEnv()
}

// FromEnv decodes the environment into a sanitised Config.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg.Sanitize()
	return cfg, cfg.Validate()
}

// Sanitize replaces zero or negative values with their defaults.
func (c *Config) Sanitize() {
	def := Default()

	if c.Server.Port == "" {
		c.Server.Port = def.Server.Port
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = def.Server.RateLimit.Burst
	}
	if c.Server.RateLimit.RefillSeconds <= 0 {
		c.Server.RateLimit.RefillSeconds = def.Server.RateLimit.RefillSeconds
	}
	if c.Backplane.Partitions <= 0 {
		c.Backplane.Partitions = def.Backplane.Partitions
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = def.IdempotencyTTL
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}

	c.Backplane.Driver = strings.ToLower(strings.TrimSpace(c.Backplane.Driver))
	if c.Backplane.Driver == "" {
		c.Backplane.Driver = DriverMemory
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("AUTH_SECRET is required"))
	}
	switch c.Backplane.Driver {
	case DriverMemory, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown BACKPLANE_DRIVER %q", c.Backplane.Driver))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}

// ParseOrigins splits a comma separated origin list.
func ParseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
