package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/nodegate/internal/check"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Relay.Timeout == 0 {
		cfg.Relay.Timeout = 10 * time.Second
	}
	if cfg.Session.AllowanceFallbackTTL == 0 {
		cfg.Session.AllowanceFallbackTTL = time.Hour
	}

	chainDefaults := check.DefaultChainConfig()
	if cfg.Checks.Chain.ResultTTL == 0 {
		cfg.Checks.Chain.ResultTTL = chainDefaults.ResultTTL
	}
	if cfg.Checks.Chain.EmptyResultTTL == 0 {
		cfg.Checks.Chain.EmptyResultTTL = chainDefaults.EmptyResultTTL
	}
	if cfg.Checks.Chain.LockTTL == 0 {
		cfg.Checks.Chain.LockTTL = chainDefaults.LockTTL
	}
	if cfg.Checks.Chain.ChallengeTimeout == 0 {
		cfg.Checks.Chain.ChallengeTimeout = chainDefaults.ChallengeTimeout
	}

	syncDefaults := check.DefaultSyncConfig()
	if cfg.Checks.Sync.ResultTTL == 0 {
		cfg.Checks.Sync.ResultTTL = syncDefaults.ResultTTL
	}
	if cfg.Checks.Sync.LockTTL == 0 {
		cfg.Checks.Sync.LockTTL = syncDefaults.LockTTL
	}
	if cfg.Checks.Sync.AllowanceBlocks == 0 {
		cfg.Checks.Sync.AllowanceBlocks = syncDefaults.AllowanceBlocks
	}
}
