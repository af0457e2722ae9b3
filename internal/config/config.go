package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	Port        string
	Environment string
	LogLevel    string

	StoreDriver string // "mongo" or "memory"
	MongoURI    string
	RedisURL    string
	InstanceID  string

	JWTSecret  string
	JWTIssuer  string
	AdminRoles []string

	MaxConnections  int
	AutosaveDelay   time.Duration
	SessionTimeout  time.Duration
	SweepInterval   time.Duration
	MetricsInterval time.Duration
	MaxContentBytes int
	MaxTitleLength  int
	MaxDeltaOps     int
	SendBuffer      int

	ConnectRate  float64
	ConnectBurst int

	RateLimits map[string]RateRule
}

// RateRule is a per-action ceiling within a fixed window.
type RateRule struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// fileConfig is the optional YAML overlay named by CONFIG_FILE.
type fileConfig struct {
	MaxConnections  *int                `yaml:"max_connections"`
	AutosaveDelay   *time.Duration      `yaml:"autosave_delay"`
	SessionTimeout  *time.Duration      `yaml:"session_timeout"`
	MaxContentBytes *int                `yaml:"max_content_bytes"`
	MaxTitleLength  *int                `yaml:"max_title_length"`
	MaxDeltaOps     *int                `yaml:"max_delta_ops"`
	AdminRoles      []string            `yaml:"admin_roles"`
	RateLimits      map[string]RateRule `yaml:"rate_limits"`
}

// DefaultRateLimits returns the per-action defaults. Request/response
// actions get tight ceilings; cosmetic high-frequency events get loose ones.
func DefaultRateLimits() map[string]RateRule {
	return map[string]RateRule{
		"get-document":        {Max: 30, Window: time.Minute},
		"join-document":       {Max: 20, Window: time.Minute},
		"save-document":       {Max: 10, Window: time.Minute},
		"get-connected-users": {Max: 30, Window: time.Minute},
		"document-changed":    {Max: 60, Window: 10 * time.Second},
		"send-changes":        {Max: 100, Window: 10 * time.Second},
		"cursor-update":       {Max: 300, Window: 10 * time.Second},
		"content-change":      {Max: 300, Window: 10 * time.Second},
		"user-status":         {Max: 30, Window: 10 * time.Second},
	}
}

// Load reads .env, the environment and the optional YAML overlay.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		StoreDriver: getEnv("STORE_DRIVER", "mongo"),
		MongoURI:    getEnv("MONGODB_URI", "mongodb://localhost:27017/docsync"),
		RedisURL:    getEnv("REDIS_URL", ""),
		InstanceID:  getEnv("INSTANCE_ID", uuid.New().String()),

		JWTSecret:  getEnv("JWT_SECRET", ""),
		JWTIssuer:  getEnv("JWT_ISSUER", ""),
		AdminRoles: splitList(getEnv("ADMIN_ROLES", "admin,superadmin")),

		MaxConnections:  getEnvInt("MAX_CONNECTIONS", 1000),
		AutosaveDelay:   getEnvDuration("AUTOSAVE_DELAY", 3*time.Second),
		SessionTimeout:  getEnvDuration("SESSION_TIMEOUT", 30*time.Minute),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		MetricsInterval: getEnvDuration("METRICS_INTERVAL", 30*time.Second),
		MaxContentBytes: getEnvInt("MAX_CONTENT_BYTES", 10*1024*1024),
		MaxTitleLength:  getEnvInt("MAX_TITLE_LENGTH", 255),
		MaxDeltaOps:     getEnvInt("MAX_DELTA_OPS", 1000),
		SendBuffer:      getEnvInt("SEND_BUFFER", 256),

		ConnectRate:  getEnvFloat("CONNECT_RATE", 5),
		ConnectBurst: getEnvInt("CONNECT_BURST", 20),

		RateLimits: DefaultRateLimits(),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	// Environment overrides win over the file, e.g. RATE_LIMIT_SEND_CHANGES=200.
	for action, rule := range cfg.RateLimits {
		key := "RATE_LIMIT_" + strings.ToUpper(strings.ReplaceAll(action, "-", "_"))
		if n := getEnvInt(key, 0); n > 0 {
			rule.Max = n
			cfg.RateLimits[action] = rule
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.MaxConnections != nil {
		c.MaxConnections = *fc.MaxConnections
	}
	if fc.AutosaveDelay != nil {
		c.AutosaveDelay = *fc.AutosaveDelay
	}
	if fc.SessionTimeout != nil {
		c.SessionTimeout = *fc.SessionTimeout
	}
	if fc.MaxContentBytes != nil {
		c.MaxContentBytes = *fc.MaxContentBytes
	}
	if fc.MaxTitleLength != nil {
		c.MaxTitleLength = *fc.MaxTitleLength
	}
	if fc.MaxDeltaOps != nil {
		c.MaxDeltaOps = *fc.MaxDeltaOps
	}
	if len(fc.AdminRoles) > 0 {
		c.AdminRoles = fc.AdminRoles
	}
	for action, rule := range fc.RateLimits {
		c.RateLimits[action] = rule
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.StoreDriver != "mongo" && c.StoreDriver != "memory" {
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive")
	}
	if c.AutosaveDelay <= 0 {
		return fmt.Errorf("AUTOSAVE_DELAY must be positive")
	}
	for action, rule := range c.RateLimits {
		if rule.Max <= 0 || rule.Window <= 0 {
			return fmt.Errorf("rate limit %q needs a positive max and window", action)
		}
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
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
