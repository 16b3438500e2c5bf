package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klingon-exchange/swapd/internal/chain"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dataDir := t.TempDir()

	cfg, err := Load(dataDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Network != chain.Mainnet {
		t.Errorf("default network = %s, want mainnet", cfg.Network)
	}
	if cfg.Storage.DataDir != dataDir {
		t.Errorf("data dir = %s, want %s", cfg.Storage.DataDir, dataDir)
	}
	if _, err := os.Stat(Path(dataDir)); err != nil {
		t.Errorf("default config file not written: %v", err)
	}

	// The generated file must round-trip.
	reloaded, err := Load(dataDir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Swaps.SubmarineTimeoutDelta != cfg.Swaps.SubmarineTimeoutDelta {
		t.Error("reloaded config differs from generated config")
	}
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	dataDir := t.TempDir()

	partial := `
network: regtest
chains:
  BTC:
    url: http://localhost:18443
    rpc_user: user
    rpc_pass: pass
`
	if err := os.WriteFile(filepath.Join(dataDir, FileName), []byte(partial), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(dataDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Network != chain.Regtest {
		t.Errorf("network = %s, want regtest", cfg.Network)
	}
	if cfg.Chains["BTC"].URL != "http://localhost:18443" {
		t.Errorf("chain URL = %s", cfg.Chains["BTC"].URL)
	}
	if cfg.Chains["BTC"].RPCUser != "user" {
		t.Errorf("rpc user = %s", cfg.Chains["BTC"].RPCUser)
	}

	// Untouched sections keep their defaults.
	if cfg.Swaps.SubmarineTimeoutDelta != 144 {
		t.Errorf("submarine delta = %d, want default 144", cfg.Swaps.SubmarineTimeoutDelta)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %s, want info", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown network",
			mutate:  func(c *Config) { c.Network = "signet" },
			wantErr: true,
		},
		{
			name:    "no chains",
			mutate:  func(c *Config) { c.Chains = nil },
			wantErr: true,
		},
		{
			name: "chain without URL",
			mutate: func(c *Config) {
				c.Chains["BTC"].URL = ""
			},
			wantErr: true,
		},
		{
			name: "unsupported currency",
			mutate: func(c *Config) {
				c.Chains["DOGE"] = c.Chains["BTC"]
			},
			wantErr: true,
		},
		{
			name:    "missing lightning URL",
			mutate:  func(c *Config) { c.Lightning.URL = "" },
			wantErr: true,
		},
		{
			name: "timeout below safety delta",
			mutate: func(c *Config) {
				c.Swaps.SubmarineTimeoutDelta = c.Swaps.MinSafetyDelta
			},
			wantErr: true,
		},
		{
			name: "malformed pair",
			mutate: func(c *Config) {
				c.Pairs["BTCBTC"] = PairConfig{Rate: 1.0}
			},
			wantErr: true,
		},
		{
			name: "zero rate",
			mutate: func(c *Config) {
				entry := c.Pairs["BTC/BTC"]
				entry.Rate = 0
				c.Pairs["BTC/BTC"] = entry
			},
			wantErr: true,
		},
		{
			name: "min above max",
			mutate: func(c *Config) {
				entry := c.Pairs["BTC/BTC"]
				entry.MinAmount = entry.MaxAmount + 1
				c.Pairs["BTC/BTC"] = entry
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestPairSettings(t *testing.T) {
	cfg := DefaultConfig()
	settings := cfg.PairSettings()

	entry, ok := settings["BTC/BTC"]
	if !ok {
		t.Fatal("BTC/BTC missing from pair settings")
	}
	if entry.Rate != 1.0 || entry.BaseFee != 500 {
		t.Errorf("unexpected settings %+v", entry)
	}
	if entry.ZeroConfLimit != 1_000_000 {
		t.Errorf("zero-conf limit = %d", entry.ZeroConfLimit)
	}
}

func TestMnemonicPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/data"

	if got := cfg.MnemonicPath(); got != "/data/mnemonic.txt" {
		t.Errorf("relative mnemonic path = %s", got)
	}

	cfg.Wallet.MnemonicFile = "/secrets/seed"
	if got := cfg.MnemonicPath(); got != "/secrets/seed" {
		t.Errorf("absolute mnemonic path = %s", got)
	}
}
