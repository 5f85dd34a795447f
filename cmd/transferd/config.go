// config.go - Configuration for the transfer daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ledgerproof/internal/program"
	"ledgerproof/internal/transfer"
)

// Config is the daemon configuration, stored as JSON.
type Config struct {
	// Ledger
	Balances   []uint64 `json:"balances"`
	LedgerPath string   `json:"ledger_path"`
	MaxDepth   int      `json:"max_depth"`

	// Proving backend
	KeyDir    string `json:"key_dir"`
	CacheSize int    `json:"cache_size"`

	// Logging
	LogLevel     string `json:"log_level"`
	LogFile      string `json:"log_file"`
	AuditLogPath string `json:"audit_log_path"`
	Console      bool   `json:"console"`

	// Performance
	MaxConcurrency int `json:"max_concurrency"`
	MaxRetries     int `json:"max_retries"`
	TimeoutSeconds int `json:"timeout_seconds"`

	// Service; batch mode when ListenAddr is empty
	ListenAddr string  `json:"listen_addr"`
	RateLimit  float64 `json:"rate_limit"`
	RateBurst  int     `json:"rate_burst"`

	// Batch mode
	Transfers []transfer.Request `json:"transfers"`
	BundleDir string             `json:"bundle_dir"`

	// Verification of bundles produced by other processes
	VerifyingKeys []VerifyingKeyFile `json:"verifying_keys"`
	VerifyBundles []string           `json:"verify_bundles"`
}

// VerifyingKeyFile names an exported verifying key and the program it belongs to.
type VerifyingKeyFile struct {
	Program string `json:"program"`
	Depth   int    `json:"depth"`
	Path    string `json:"path"`
}

// DefaultConfig returns a four-account ledger and the single demo transfer 2 -> 3 of 5.
func DefaultConfig() *Config {
	return &Config{
		Balances:       []uint64{20, 20, 20, 20},
		LedgerPath:     "ledger.json",
		MaxDepth:       20,
		KeyDir:         "keys",
		CacheSize:      8,
		LogLevel:       "info",
		LogFile:        "transferd.log",
		AuditLogPath:   "audit.log",
		Console:        true,
		MaxConcurrency: 4,
		MaxRetries:     3,
		TimeoutSeconds: 120,
		RateLimit:      1,
		RateBurst:      5,
		Transfers:      []transfer.Request{{SenderIndex: 2, ReceiverIndex: 3, Amount: 5}},
		BundleDir:      "bundles",
	}
}

// LoadConfig loads configuration from configPath, writing the default there first if the
// file does not exist.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		config := DefaultConfig()
		config.Transfers = nil
		dec := json.NewDecoder(file)
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return config, nil
	}

	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig writes config to configPath as indented JSON.
func SaveConfig(config *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if len(c.Balances) == 0 && c.LedgerPath == "" {
		return fmt.Errorf("either balances or ledger_path must be set")
	}
	if n := len(c.Balances); n > 0 && n&(n-1) != 0 {
		return fmt.Errorf("balances: %d accounts is not a power of two", n)
	}
	if c.MaxDepth <= 0 || c.MaxDepth > 32 {
		return fmt.Errorf("max_depth must be in [1, 32]")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	for i, k := range c.VerifyingKeys {
		if _, err := program.ParseID(k.Program); err != nil {
			return fmt.Errorf("verifying_keys[%d]: %w", i, err)
		}
		if k.Depth <= 0 || k.Depth > c.MaxDepth {
			return fmt.Errorf("verifying_keys[%d]: depth must be in [1, max_depth]", i)
		}
		if k.Path == "" {
			return fmt.Errorf("verifying_keys[%d]: path must be set", i)
		}
	}
	return nil
}

// Timeout is the per-transfer backend deadline.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
