package config

import (
	"time"

	"github.com/vietddude/nodegate/internal/check"
	redisclient "github.com/vietddude/nodegate/internal/infra/redis"
	"github.com/vietddude/nodegate/internal/infra/relay"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server  ServerConfig       `yaml:"server"`
	Redis   redisclient.Config `yaml:"redis"`
	Logging LoggingConfig      `yaml:"logging"`
	Relay   relay.Config       `yaml:"relay"`
	Checks  ChecksConfig       `yaml:"checks"`
	Session SessionConfig      `yaml:"session"`
}

// ServerConfig holds HTTP server settings for the metrics endpoint.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ChecksConfig holds per-check-kind settings.
type ChecksConfig struct {
	Chain check.ChainConfig `yaml:"chain"`
	Sync  check.SyncConfig  `yaml:"sync"`
}

// SessionConfig holds session allowance settings.
type SessionConfig struct {
	// AllowanceFallbackTTL applies when flagging a node on a session key
	// that does not exist yet; existing keys keep their external TTL.
	AllowanceFallbackTTL time.Duration `yaml:"allowance_fallback_ttl"`
}
