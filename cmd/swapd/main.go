// Package main provides the swapd daemon: a submarine swap service bridging
// an on-chain UTXO currency and Lightning.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/bus"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/lightning"
	"github.com/klingon-exchange/swapd/internal/nursery"
	"github.com/klingon-exchange/swapd/internal/observer"
	"github.com/klingon-exchange/swapd/internal/rates"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/wallet"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

const (
	statusInterval      = 60 * time.Second
	healthInterval      = 30 * time.Second
	healthTimeout       = 15 * time.Second
	healthBackoff       = 10 * time.Second
	healthAttempts    = 3
	channelBackupFile = "channel.backup"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.swapd", "Data directory")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate data subdirectory)")
		regtest     = flag.Bool("regtest", false, "Run on regtest (separate data subdirectory)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		fmt.Printf("swapd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	switch {
	case *regtest:
		effectiveDataDir = filepath.Join(*dataDir, "regtest")
	case *testnet:
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	cfg, err := config.Load(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	cfg.Storage.DataDir = effectiveDataDir

	// CLI flags take precedence over the config file.
	if *regtest {
		cfg.Network = chain.Regtest
	} else if *testnet {
		cfg.Network = chain.Testnet
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	if cfg.Logging.File != "" {
		file, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			log.Fatal("Failed to open log file", "path", cfg.Logging.File, "error", err)
		}
		defer file.Close()
		log = logging.New(&logging.Config{
			Level:      cfg.Logging.Level,
			TimeFormat: time.TimeOnly,
			Output:     file,
		})
	}
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.Path(effectiveDataDir), "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", cfg.Storage.DataDir)

	keys, err := loadKeychain(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize wallet keychain", "error", err)
	}

	// Chain backends: one node client plus one observer per currency. The
	// rescan height is bound late because the nursery computes it from
	// pending swaps.
	var nurse *nursery.Nursery

	var backends []*nursery.Backend
	var observers []*observer.Observer
	var clients []backend.ChainClient

	for symbol, chainCfg := range cfg.Chains {
		currency := chain.MustGet(symbol, cfg.Network)

		client := backend.NewJSONRPCClient(chainCfg, currency.MinFeeRate)
		if err := client.Connect(ctx); err != nil {
			log.Fatal("Failed to connect to chain node", "currency", symbol, "error", err)
		}
		clients = append(clients, client)
		log.Info("Chain node connected", "currency", symbol, "url", chainCfg.URL)

		symbol := symbol
		obs := observer.New(&observer.Config{
			Currency:  symbol,
			Client:    client,
			StreamURL: chainCfg.StreamURL,
			RescanHeight: func() uint32 {
				if nurse == nil {
					return 0
				}
				return nurse.RescanHeightFunc(symbol)()
			},
			Log: log,
		})
		observers = append(observers, obs)

		backends = append(backends, &nursery.Backend{
			Currency: currency,
			Client:   client,
			Watcher:  obs,
			Wallet:   wallet.New(currency, client, store, keys, log),
		})
	}

	lnClient := lightning.NewJSONRPCClient(&cfg.Lightning, log)
	if err := lnClient.Connect(ctx); err != nil {
		log.Fatal("Failed to connect to lightning node", "error", err)
	}
	defer lnClient.Close()
	log.Info("Lightning node connected", "url", cfg.Lightning.URL)

	eventBus := bus.New()
	go consumeBus(ctx, eventBus, cfg.Storage.DataDir, log)

	nurse = nursery.New(&nursery.Config{
		Store:     store,
		Bus:       eventBus,
		Oracle:    rates.NewStatic(cfg.PairSettings()),
		Lightning: lnClient,
		Backends:  backends,
		Settings: nursery.Settings{
			MinSafetyDelta:        cfg.Swaps.MinSafetyDelta,
			SubmarineTimeoutDelta: cfg.Swaps.SubmarineTimeoutDelta,
			ReverseTimeoutDelta:   cfg.Swaps.ReverseTimeoutDelta,
			InvoiceExpiry:         cfg.Swaps.InvoiceExpiry(),
		},
		Log: log,
	})

	// Observers first so their streams are live when the nursery recovers
	// pending swaps and requests rescans.
	for _, obs := range observers {
		if err := obs.Start(ctx); err != nil {
			log.Fatal("Failed to start chain observer",
				"currency", obs.Currency(), "error", err)
		}
	}

	if err := nurse.Start(ctx); err != nil {
		log.Fatal("Failed to start swap nursery", "error", err)
	}

	shutdown := make(chan struct{}, 1)
	monitor := newHealthMonitor(backends, lnClient, log, shutdown)
	if err := monitor.Start(); err != nil {
		log.Fatal("Failed to start health monitor", "error", err)
	}

	printBanner(log, cfg, backends)

	go statusTicker(ctx, nurse, backends, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", "signal", sig)
	case <-shutdown:
		log.Error("Shutting down after failed health check")
	}

	cancel()

	if err := monitor.Stop(); err != nil {
		log.Error("Error stopping health monitor", "error", err)
	}

	nurse.Stop()

	for _, obs := range observers {
		obs.Stop()
	}
	for _, client := range clients {
		if err := client.Close(); err != nil {
			log.Error("Error closing chain client", "error", err)
		}
	}

	log.Info("Goodbye!")
}

// loadKeychain reads the wallet mnemonic, generating and persisting a fresh
// one on first run.
func loadKeychain(cfg *config.Config, log *logging.Logger) (*wallet.Keychain, error) {
	path := cfg.MnemonicPath()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(mnemonic+"\n"), 0600); err != nil {
			return nil, err
		}
		log.Warn("Generated new wallet mnemonic, back it up", "path", path)
		return wallet.NewKeychainFromMnemonic(mnemonic, "", cfg.Network)
	}
	if err != nil {
		return nil, err
	}

	mnemonic := strings.TrimSpace(string(data))
	if !wallet.ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic in %s", path)
	}
	return wallet.NewKeychainFromMnemonic(mnemonic, "", cfg.Network)
}

// consumeBus logs swap lifecycle events and persists channel backups.
func consumeBus(ctx context.Context, eventBus *bus.Bus, dataDir string, log *logging.Logger) {
	updates := make(chan bus.Update, 64)
	updateSub := eventBus.SubscribeUpdates(updates)
	defer updateSub.Unsubscribe()

	results := make(chan bus.Result, 16)
	resultSub := eventBus.SubscribeResults(results)
	defer resultSub.Unsubscribe()

	backups := make(chan []byte, 4)
	backupSub := eventBus.SubscribeBackups(backups)
	defer backupSub.Unsubscribe()

	backupPath := filepath.Join(dataDir, channelBackupFile)

	for {
		select {
		case <-ctx.Done():
			return

		case update := <-updates:
			log.Debug("Swap update",
				"id", update.ID, "reverse", update.IsReverse, "status", update.Status)

		case result := <-results:
			if result.Success {
				log.Info("Swap completed",
					"id", result.ID, "reverse", result.IsReverse, "status", result.Status)
			} else {
				log.Warn("Swap failed",
					"id", result.ID, "reverse", result.IsReverse,
					"status", result.Status, "reason", result.FailureReason)
			}

		case backup := <-backups:
			if err := os.WriteFile(backupPath, backup, 0600); err != nil {
				log.Error("Failed to persist channel backup", "error", err)
			} else {
				log.Info("Channel backup persisted", "path", backupPath, "bytes", len(backup))
			}
		}
	}
}

// newHealthMonitor builds liveness checks for every chain node and the
// lightning node. A check that stays red through its retries shuts the
// daemon down.
func newHealthMonitor(backends []*nursery.Backend, lnClient *lightning.JSONRPCClient,
	log *logging.Logger, shutdown chan struct{}) *healthcheck.Monitor {

	var checks []*healthcheck.Observation

	for _, b := range backends {
		client := b.Client
		name := "chain-" + b.Currency.Symbol
		checks = append(checks, healthcheck.NewObservation(
			name,
			func() error {
				ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
				defer cancel()
				_, err := client.BlockchainInfo(ctx)
				return err
			},
			healthInterval, healthTimeout, healthBackoff, healthAttempts,
		))
	}

	checks = append(checks, healthcheck.NewObservation(
		"lightning",
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
			defer cancel()
			return lnClient.Ping(ctx)
		},
		healthInterval, healthTimeout, healthBackoff, healthAttempts,
	))

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks: checks,
		Shutdown: func(format string, params ...interface{}) {
			log.Errorf("Health check failed: "+format, params...)
			select {
			case shutdown <- struct{}{}:
			default:
			}
		},
	})
}

// statusTicker periodically logs a one-line service summary.
func statusTicker(ctx context.Context, nurse *nursery.Nursery, backends []*nursery.Backend, log *logging.Logger) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, settled, err := nurse.Stats()
			if err != nil {
				log.Error("Failed to read swap stats", "error", err)
				continue
			}

			keyvals := []interface{}{"pending", pending, "settled", settled}
			for _, b := range backends {
				keyvals = append(keyvals,
					"height_"+b.Currency.Symbol, nurse.Height(b.Currency.Symbol))
			}
			log.Info("Status", keyvals...)
		}
	}
}

func printBanner(log *logging.Logger, cfg *config.Config, backends []*nursery.Backend) {
	var currencies []string
	for _, b := range backends {
		currencies = append(currencies, b.Currency.Symbol)
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  swapd (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Chains:    %s", strings.Join(currencies, ", "))
	log.Infof("  Lightning: %s", cfg.Lightning.URL)
	log.Infof("  Data dir:  %s", cfg.Storage.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
