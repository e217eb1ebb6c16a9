package config

import (
	"os"
	"regexp"
	"time"

	"github.com/rollkeeper/relay/pkg/helper"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// RelayConfig is the top-level configuration for the relay binary.
	RelayConfig struct {
		Server   ServerConfig   `yaml:"server"`
		Logger   LoggerConfig   `yaml:"logger"`
		Session  SessionConfig  `yaml:"session"`
		Registry RegistryConfig `yaml:"registry"`
		Gateway  GatewayConfig  `yaml:"gateway"`
	}

	// ServerConfig holds the HTTP listener settings.
	ServerConfig struct {
		Addr        string `yaml:"addr"`         // listen address, e.g. ":8080"
		MetricsPath string `yaml:"metrics_path"` // prometheus scrape path
	}

	// SessionConfig selects and configures the session store backend.
	SessionConfig struct {
		Type            string        `yaml:"type"`             // "memory" or "redis"
		DefaultLifetime time.Duration `yaml:"default_lifetime"` // expiry for sessions created without one
		Redis           RedisConfig   `yaml:"redis"`
	}

	// RegistryConfig selects and configures the connection registry backend.
	RegistryConfig struct {
		Type  string        `yaml:"type"`  // "memory" or "redis"
		TTL   time.Duration `yaml:"ttl"`   // connection record lifetime
		Redis RedisConfig   `yaml:"redis"`
	}

	// RedisConfig is shared by the session store and connection registry.
	// Prefix is the key namespace, the moral equivalent of a table name.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	}

	// GatewayConfig holds websocket transport settings.
	GatewayConfig struct {
		Path         string        `yaml:"path"`          // websocket endpoint path
		WriteTimeout time.Duration `yaml:"write_timeout"` // per-frame write deadline
		PingInterval time.Duration `yaml:"ping_interval"` // server-side transport keepalive
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
	}
)

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig(filename string) (*RelayConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}
	cfg.setDefaults()

	return &cfg, cfgPath, nil
}

// setDefaults fills in values a deployment may omit.
func (c *RelayConfig) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = "/metrics"
	}
	if c.Session.Type == "" {
		c.Session.Type = "memory"
	}
	if c.Session.DefaultLifetime <= 0 {
		c.Session.DefaultLifetime = 8 * time.Hour
	}
	if c.Registry.Type == "" {
		c.Registry.Type = c.Session.Type
	}
	if c.Registry.TTL <= 0 {
		c.Registry.TTL = 10 * time.Minute
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = "/ws"
	}
	if c.Gateway.WriteTimeout <= 0 {
		c.Gateway.WriteTimeout = 10 * time.Second
	}
	if c.Gateway.PingInterval <= 0 {
		c.Gateway.PingInterval = 30 * time.Second
	}
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
