// Package config loads runtime settings for the presence hub from YAML files,
// an optional .env file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// IdentityConfig controls how an identity key is read from the handshake.
type IdentityConfig struct {
	QueryKey string `yaml:"query_key"`
	Header   string `yaml:"header"`
	// Sentinel is used when the handshake carries no identity.
	Sentinel string `yaml:"sentinel"`
	// IsolateAnonymous gives every sentinel connection its own record
	// instead of merging them all into one.
	IsolateAnonymous bool `yaml:"isolate_anonymous"`
}

// HubConfig tunes the broadcast hub.
type HubConfig struct {
	SendBuffer      int           `yaml:"send_buffer"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Retention prunes identities offline for longer than this. Zero keeps
	// them forever.
	Retention time.Duration `yaml:"retention"`
}

// StoreConfig selects the message store backend.
type StoreConfig struct {
	Driver       string `yaml:"driver"` // memory | postgres | mysql
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig enables the presence route mirror.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	Database int           `yaml:"database"`
	RouteTTL time.Duration `yaml:"route_ttl"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Identity       IdentityConfig  `yaml:"identity"`
	Hub            HubConfig       `yaml:"hub"`
	Store          StoreConfig     `yaml:"store"`
	Redis          RedisConfig     `yaml:"redis"`

	// NodeAddr is the value written to the presence route mirror.
	NodeAddr string `yaml:"node_addr"`
}

const (
	defaultAddr           = ":8080"
	defaultMaxMessageSize = 4096
	defaultBurst          = 5
	defaultSentinel       = "unknown@example.com"
	defaultSendBuffer     = 256
)

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	cfg := &Config{}
	cfg.Sanitize()
	return cfg
}

// Sanitize fills every unset or invalid field with its default.
func (c *Config) Sanitize() {
	if c.Env == "" {
		c.Env = "prod"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = defaultAddr
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:8080"}
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}
	if c.Identity.QueryKey == "" {
		c.Identity.QueryKey = "email"
	}
	if c.Identity.Header == "" {
		c.Identity.Header = "X-Identity"
	}
	if c.Identity.Sentinel == "" {
		c.Identity.Sentinel = defaultSentinel
	}
	if c.Hub.SendBuffer <= 0 {
		c.Hub.SendBuffer = defaultSendBuffer
	}
	if c.Hub.ShutdownTimeout <= 0 {
		c.Hub.ShutdownTimeout = 10 * time.Second
	}
	if c.Hub.Retention < 0 {
		c.Hub.Retention = 0
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.RouteTTL <= 0 {
		c.Redis.RouteTTL = 60 * time.Second
	}
	if c.NodeAddr == "" {
		c.NodeAddr = "127.0.0.1" + c.HTTP.Addr
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver %q requires a dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// Load reads comma-separated YAML files ("-c common.yml,hub.yml"), then
// applies .env and environment overrides. An empty path list loads no file.
func Load(pathList string) (*Config, error) {
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
	}

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(&c)

	c.Sanitize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyEnv(c *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		// A bare port number listens on all interfaces.
		if _, err := strconv.Atoi(port); err == nil {
			port = ":" + port
		}
		c.HTTP.Addr = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseMaxMessageSize(maxSize, c.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseRefillInterval(interval, c.RateLimit.RefillInterval)
	}
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		c.Store.Driver = driver
	}
	if dsn := os.Getenv("STORE_DSN"); dsn != "" {
		c.Store.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if env := os.Getenv("LOG_ENV"); env != "" {
		c.Env = env
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts whole seconds ("2") or a Go duration ("500ms").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
