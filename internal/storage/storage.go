// Package storage persists swaps to SQLite, keyed by swap id, with the
// strict status transitions the nursery relies on for recovery.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the swap daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens the database, creating the data directory and schema when
// missing.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "swapd.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables. The lockup transaction is stored
// as a nested JSON blob; the txid index reaches into it with json_extract.
func (s *Storage) initSchema() error {
	schema := `
	-- Submarine swaps: user funds on-chain, the service pays the invoice.
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		pair TEXT NOT NULL,
		order_side TEXT NOT NULL,
		status TEXT NOT NULL,

		invoice TEXT NOT NULL,
		preimage_hash TEXT NOT NULL UNIQUE,
		preimage TEXT,

		redeem_script TEXT NOT NULL,
		lockup_address TEXT NOT NULL,
		output_type TEXT NOT NULL DEFAULT 'compatibility',
		key_index INTEGER NOT NULL,

		expected_amount INTEGER NOT NULL,
		invoice_amount INTEGER NOT NULL,
		accept_zero_conf INTEGER NOT NULL DEFAULT 0,
		timeout_block_height INTEGER NOT NULL,
		created_height INTEGER NOT NULL DEFAULT 0,

		-- TransactionInfo JSON blob, null until the lockup is seen
		lockup_transaction TEXT,

		miner_fee INTEGER,
		percentage_fee INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);
	CREATE INDEX IF NOT EXISTS idx_swaps_invoice ON swaps(invoice);
	CREATE INDEX IF NOT EXISTS idx_swaps_lockup_address ON swaps(lockup_address);
	CREATE INDEX IF NOT EXISTS idx_swaps_lockup_txid
		ON swaps(json_extract(lockup_transaction, '$.id'));
	CREATE INDEX IF NOT EXISTS idx_swaps_timeout ON swaps(timeout_block_height);

	-- Reverse swaps: the service locks on-chain, the user pays a hold
	-- invoice and claims with the preimage.
	CREATE TABLE IF NOT EXISTS reverse_swaps (
		id TEXT PRIMARY KEY,
		pair TEXT NOT NULL,
		order_side TEXT NOT NULL,
		status TEXT NOT NULL,

		invoice TEXT NOT NULL,
		preimage_hash TEXT NOT NULL UNIQUE,
		preimage TEXT,

		claim_public_key TEXT NOT NULL,
		redeem_script TEXT NOT NULL,
		lockup_address TEXT NOT NULL,
		output_type TEXT NOT NULL DEFAULT 'compatibility',
		key_index INTEGER NOT NULL,

		invoice_amount INTEGER NOT NULL,
		onchain_amount INTEGER NOT NULL,
		timeout_block_height INTEGER NOT NULL,
		created_height INTEGER NOT NULL DEFAULT 0,

		lockup_transaction TEXT,

		miner_fee INTEGER,
		percentage_fee INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reverse_swaps_status ON reverse_swaps(status);
	CREATE INDEX IF NOT EXISTS idx_reverse_swaps_invoice ON reverse_swaps(invoice);
	CREATE INDEX IF NOT EXISTS idx_reverse_swaps_lockup_address ON reverse_swaps(lockup_address);
	CREATE INDEX IF NOT EXISTS idx_reverse_swaps_lockup_txid
		ON reverse_swaps(json_extract(lockup_transaction, '$.id'));
	CREATE INDEX IF NOT EXISTS idx_reverse_swaps_timeout ON reverse_swaps(timeout_block_height);

	-- Per-currency counter for wallet key derivation indexes.
	CREATE TABLE IF NOT EXISTS key_indexes (
		currency TEXT PRIMARY KEY,
		next_index INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
