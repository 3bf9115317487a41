package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Queue backends.
const (
	QueuePostgres = "postgres"
	QueueRedis    = "redis"
)

type Config struct {
	Port          string        `mapstructure:"PORT"`
	Env           string        `mapstructure:"ENV"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string        `mapstructure:"MIGRATIONS_DIR"`
	QueueBackend  string        `mapstructure:"QUEUE_BACKEND"`
	RedisURL      string        `mapstructure:"REDIS_URL"`
	RedisQueueKey string        `mapstructure:"REDIS_QUEUE_KEY"`
	DrainInterval time.Duration `mapstructure:"DRAIN_INTERVAL"`
	MLLPAddr      string        `mapstructure:"MLLP_ADDR"`
	BodyLimit     string        `mapstructure:"BODY_LIMIT"`
	// RateLimitRPS of zero disables intake rate limiting.
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`

	// AllowedSenders and IgnoredOrderConcepts are parsed from comma
	// separated values after Unmarshal.
	AllowedSenders        []string `mapstructure:"-"`
	LocalConceptSource    string   `mapstructure:"LOCAL_CONCEPT_SOURCE"`
	IgnoredOrderConcepts  []int    `mapstructure:"-"`
	HealthCenterAttribute string   `mapstructure:"HEALTH_CENTER_ATTRIBUTE"`
	TrueConceptID         int      `mapstructure:"TRUE_CONCEPT_ID"`
	FalseConceptID        int      `mapstructure:"FALSE_CONCEPT_ID"`
	Timezone              string   `mapstructure:"TIMEZONE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"QUEUE_BACKEND", "REDIS_URL", "REDIS_QUEUE_KEY", "DRAIN_INTERVAL", "MLLP_ADDR", "BODY_LIMIT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER",
	"ALLOWED_SENDERS", "LOCAL_CONCEPT_SOURCE", "IGNORED_ORDER_CONCEPTS", "HEALTH_CENTER_ATTRIBUTE",
	"TRUE_CONCEPT_ID", "FALSE_CONCEPT_ID", "TIMEZONE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("QUEUE_BACKEND", QueuePostgres)
	v.SetDefault("REDIS_QUEUE_KEY", "labinterface:queue")
	v.SetDefault("DRAIN_INTERVAL", "1m")
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("ALLOWED_SENDERS", "refpacs,pcslabplus,eid")
	v.SetDefault("LOCAL_CONCEPT_SOURCE", "99DCT")
	v.SetDefault("IGNORED_ORDER_CONCEPTS", "1238")
	v.SetDefault("HEALTH_CENTER_ATTRIBUTE", "Health Center")
	v.SetDefault("TRUE_CONCEPT_ID", 1065)
	v.SetDefault("FALSE_CONCEPT_ID", 1066)
	v.SetDefault("TIMEZONE", "UTC")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.AllowedSenders = splitList(v.GetString("ALLOWED_SENDERS"))
	ignored, err := parseInts(v.GetString("IGNORED_ORDER_CONCEPTS"))
	if err != nil {
		return nil, fmt.Errorf("IGNORED_ORDER_CONCEPTS: %w", err)
	}
	cfg.IgnoredOrderConcepts = ignored

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range splitList(s) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not a concept id", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location returns the zone timestamps without an offset are read in.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate checks that the configuration is safe to run. Outside
// development the intake API requires a signing key.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q; refusing to start the intake API without authentication", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
	}

	switch c.QueueBackend {
	case QueuePostgres:
	case QueueRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUEUE_BACKEND is %q", QueueRedis)
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueuePostgres, QueueRedis, c.QueueBackend)
	}

	if c.DrainInterval <= 0 {
		return fmt.Errorf("DRAIN_INTERVAL must be positive, got %s", c.DrainInterval)
	}
	if c.RateLimitRPS < 0 || (c.RateLimitRPS > 0 && c.RateLimitBurst < 1) {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when RATE_LIMIT_RPS is %v", c.RateLimitRPS)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if len(c.AllowedSenders) == 0 {
		return fmt.Errorf("ALLOWED_SENDERS must name at least one sending application")
	}
	if c.LocalConceptSource == "" {
		return fmt.Errorf("LOCAL_CONCEPT_SOURCE is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	return nil
}
