// Package config loads the daemon configuration from a YAML file. All
// tunables (node endpoints, swap timeouts, pair pricing) live here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/lightning"
	"github.com/klingon-exchange/swapd/internal/rates"
	"github.com/klingon-exchange/swapd/internal/swap"
)

// Config holds all configuration for the swap daemon.
type Config struct {
	// Network selects the chain parameters (mainnet, testnet, regtest).
	Network chain.Network `yaml:"network"`

	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Wallet  WalletConfig  `yaml:"wallet"`

	// Chains holds the node connection per currency symbol.
	Chains map[string]*backend.Config `yaml:"chains"`

	Lightning lightning.Config `yaml:"lightning"`

	Swaps SwapsConfig `yaml:"swaps"`

	// Pairs holds the pricing table, keyed "BASE/QUOTE".
	Pairs map[swap.Pair]PairConfig `yaml:"pairs"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the database, wallet seed and logs.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// WalletConfig holds wallet settings.
type WalletConfig struct {
	// MnemonicFile is the seed file path, relative to the data directory
	// unless absolute. Created with a fresh mnemonic on first run.
	MnemonicFile string `yaml:"mnemonic_file"`
}

// SwapsConfig holds the swap timing and risk parameters.
type SwapsConfig struct {
	// MinSafetyDelta is the minimum number of blocks that must remain
	// before a timeout for a swap to be created.
	MinSafetyDelta uint32 `yaml:"min_safety_delta"`

	// SubmarineTimeoutDelta is the submarine refund timeout in blocks.
	SubmarineTimeoutDelta uint32 `yaml:"submarine_timeout_delta"`

	// ReverseTimeoutDelta is the reverse lockup timeout in blocks.
	ReverseTimeoutDelta uint32 `yaml:"reverse_timeout_delta"`

	// InvoiceExpiryMinutes is the hold invoice lifetime for reverse swaps.
	InvoiceExpiryMinutes int `yaml:"invoice_expiry_minutes"`
}

// InvoiceExpiry returns the hold invoice lifetime as a duration.
func (s SwapsConfig) InvoiceExpiry() time.Duration {
	return time.Duration(s.InvoiceExpiryMinutes) * time.Minute
}

// PairConfig is the pricing entry for one pair.
type PairConfig struct {
	Rate       float64 `yaml:"rate"`
	BaseFee    uint64  `yaml:"base_fee"`
	FeePercent float64 `yaml:"fee_percent"`

	MinAmount uint64 `yaml:"min_amount"`
	MaxAmount uint64 `yaml:"max_amount"`

	// ZeroConfLimit caps zero-conf acceptance in satoshis; zero disables.
	ZeroConfLimit uint64 `yaml:"zero_conf_limit"`
}

// PairSettings converts the pricing table into the oracle's form.
func (c *Config) PairSettings() map[swap.Pair]rates.PairSettings {
	settings := make(map[swap.Pair]rates.PairSettings, len(c.Pairs))
	for pair, entry := range c.Pairs {
		settings[pair] = rates.PairSettings{
			Rate:          entry.Rate,
			BaseFee:       entry.BaseFee,
			FeePercent:    entry.FeePercent,
			MinAmount:     entry.MinAmount,
			MaxAmount:     entry.MaxAmount,
			ZeroConfLimit: entry.ZeroConfLimit,
		}
	}
	return settings
}

// MnemonicPath resolves the seed file against the data directory.
func (c *Config) MnemonicPath() string {
	path := c.Wallet.MnemonicFile
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(expandPath(c.Storage.DataDir), path)
}

// DefaultConfig returns a Config with sensible defaults for a local node
// setup.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Storage: StorageConfig{
			DataDir: "~/.swapd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Wallet: WalletConfig{
			MnemonicFile: "mnemonic.txt",
		},
		Chains: map[string]*backend.Config{
			"BTC": {
				URL: "http://127.0.0.1:8332",
			},
		},
		Lightning: lightning.Config{
			URL:       "http://127.0.0.1:9737",
			StreamURL: "ws://127.0.0.1:9737/ws",
		},
		Swaps: SwapsConfig{
			MinSafetyDelta:        10,
			SubmarineTimeoutDelta: 144,
			ReverseTimeoutDelta:   144,
			InvoiceExpiryMinutes:  60,
		},
		Pairs: map[swap.Pair]PairConfig{
			"BTC/BTC": {
				Rate:          1.0,
				BaseFee:       500,
				FeePercent:    0.004,
				MinAmount:     10_000,
				MaxAmount:     10_000_000,
				ZeroConfLimit: 1_000_000,
			},
		},
	}
}

// FileName is the default config file name inside the data directory.
const FileName = "config.yaml"

// Load reads the configuration from dataDir, creating a default file on
// first run, and validates the result.
func Load(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, FileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for inconsistencies that would bite at
// runtime.
func (c *Config) Validate() error {
	switch c.Network {
	case chain.Mainnet, chain.Testnet, chain.Regtest:
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}
	for symbol, entry := range c.Chains {
		if _, ok := chain.Get(symbol, c.Network); !ok {
			return fmt.Errorf("unsupported currency %s on %s", symbol, c.Network)
		}
		if entry == nil || entry.URL == "" {
			return fmt.Errorf("chain %s: missing node URL", symbol)
		}
	}

	if c.Lightning.URL == "" {
		return fmt.Errorf("lightning: missing node URL")
	}

	if c.Swaps.SubmarineTimeoutDelta <= c.Swaps.MinSafetyDelta {
		return fmt.Errorf("submarine_timeout_delta %d must exceed min_safety_delta %d",
			c.Swaps.SubmarineTimeoutDelta, c.Swaps.MinSafetyDelta)
	}
	if c.Swaps.ReverseTimeoutDelta <= c.Swaps.MinSafetyDelta {
		return fmt.Errorf("reverse_timeout_delta %d must exceed min_safety_delta %d",
			c.Swaps.ReverseTimeoutDelta, c.Swaps.MinSafetyDelta)
	}
	if c.Swaps.InvoiceExpiryMinutes <= 0 {
		return fmt.Errorf("invoice_expiry_minutes must be positive")
	}

	for pair, entry := range c.Pairs {
		if _, _, err := pair.Currencies(); err != nil {
			return fmt.Errorf("pair %s: %w", pair, err)
		}
		if entry.Rate <= 0 {
			return fmt.Errorf("pair %s: rate must be positive", pair)
		}
		if entry.MaxAmount > 0 && entry.MinAmount > entry.MaxAmount {
			return fmt.Errorf("pair %s: min_amount above max_amount", pair)
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# swapd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Path returns the full path to the config file for a data directory.
func Path(dataDir string) string {
	return filepath.Join(expandPath(dataDir), FileName)
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
