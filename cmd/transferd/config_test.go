package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"ledgerproof/internal/ledger"
	"ledgerproof/internal/transfer"
)

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "transferd.json")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
	_, err = os.Stat(path)
	require.NoError(t, err)

	again, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transferd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"balances": [1, 2],
		"listen_addr": ":8080",
		"transfers": [{"sender_index": 0, "receiver_index": 1, "amount": 1}]
	}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, cfg.Balances)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, []transfer.Request{{SenderIndex: 0, ReceiverIndex: 1, Amount: 1}}, cfg.Transfers)
	require.Equal(t, DefaultConfig().MaxDepth, cfg.MaxDepth, "unset fields keep defaults")

	require.NoError(t, os.WriteFile(path, []byte(`{"balance": [1]}`), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err, "unknown fields are rejected")
}

var validProgram = strings.Repeat("ab", 32)

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no ledger", func(c *Config) { c.Balances = nil; c.LedgerPath = "" }},
		{"three accounts", func(c *Config) { c.Balances = []uint64{1, 2, 3} }},
		{"zero depth", func(c *Config) { c.MaxDepth = 0 }},
		{"zero cache", func(c *Config) { c.CacheSize = 0 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero timeout", func(c *Config) { c.TimeoutSeconds = 0 }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
		{"bad verifying key program", func(c *Config) {
			c.VerifyingKeys = []VerifyingKeyFile{{Program: "abc", Depth: 1, Path: "k.vk"}}
		}},
		{"verifying key depth zero", func(c *Config) {
			c.VerifyingKeys = []VerifyingKeyFile{{Program: validProgram, Depth: 0, Path: "k.vk"}}
		}},
		{"verifying key without path", func(c *Config) {
			c.VerifyingKeys = []VerifyingKeyFile{{Program: validProgram, Depth: 1}}
		}},
	}
	cfg := DefaultConfig()
	cfg.VerifyingKeys = []VerifyingKeyFile{{Program: validProgram, Depth: 2, Path: "k.vk"}}
	require.NoError(t, cfg.Validate())

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestOpenLedgerPrefersSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.LedgerPath = filepath.Join(dir, "ledger.json")

	fresh, err := openLedger(cfg)
	require.NoError(t, err)
	require.Equal(t, 4, fresh.Len())

	saved, err := ledger.BuildFromBalances([]uint64{7, 8}, cfg.MaxDepth)
	require.NoError(t, err)
	require.NoError(t, saved.SaveToFile(cfg.LedgerPath))

	loaded, err := openLedger(cfg)
	require.NoError(t, err)
	require.Equal(t, saved.Root(), loaded.Root())
}
