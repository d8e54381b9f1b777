// Package store provides the wallet's persistent, transactional state:
// the seed, the peer address book, account descriptors, the confirmed coin
// set, the processed-block marker and unconfirmed transactions (spec.md
// §4.1). Backed by SQLite through database/sql, one writer at a time.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/spvwallet/internal/walleterr"
)

// Store is the wallet's relational store.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config configures where the store lives on disk.
type Config struct {
	DataDir string
}

// New opens (creating if necessary) the store at <DataDir>/wallet.db.
func New(cfg *Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, walleterr.Wrap(walleterr.IO, "store.New", err)
	}

	dbPath := filepath.Join(dataDir, "wallet.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, walleterr.Wrap(walleterr.DB, "store.New", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, walleterr.Wrap(walleterr.DB, "store.New", err)
	}

	// SQLite only supports one writer at a time; keep a single connection so
	// every command runs in a single serialized write transaction (§7).
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, walleterr.Wrap(walleterr.DB, "store.New", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB, for the rare caller that needs raw
// access (tests constructing fixtures).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS seed (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		k0 INTEGER NOT NULL,
		k1 INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS address (
		network TEXT NOT NULL,
		slot INTEGER NOT NULL,
		ip TEXT NOT NULL,
		last_connected INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER NOT NULL DEFAULT 0,
		banned_until INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (network, slot)
	);
	CREATE INDEX IF NOT EXISTS idx_address_last_seen ON address(network, last_seen);

	CREATE TABLE IF NOT EXISTS account (
		account_number INTEGER NOT NULL,
		sub_number INTEGER NOT NULL,
		address_type TEXT NOT NULL,
		network TEXT NOT NULL,
		next_index INTEGER NOT NULL DEFAULT 0,
		look_ahead INTEGER NOT NULL DEFAULT 10,
		xpub TEXT NOT NULL,
		instantiated_keys BLOB,
		PRIMARY KEY (account_number, sub_number)
	);

	CREATE TABLE IF NOT EXISTS coins (
		txid TEXT NOT NULL,
		vout INTEGER NOT NULL,
		value INTEGER NOT NULL,
		script_pubkey BLOB NOT NULL,
		account_number INTEGER NOT NULL,
		sub_number INTEGER NOT NULL,
		key_index INTEGER NOT NULL,
		tweak BLOB,
		csv INTEGER NOT NULL DEFAULT 0,
		raw_tx BLOB NOT NULL,
		block_hash TEXT NOT NULL,
		merkle_path BLOB NOT NULL,
		PRIMARY KEY (txid, vout)
	);

	CREATE TABLE IF NOT EXISTS processed (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		block_hash TEXT
	);

	CREATE TABLE IF NOT EXISTS txout (
		txid TEXT PRIMARY KEY,
		raw_tx BLOB NOT NULL,
		confirmed_block_hash TEXT,
		funding_account INTEGER,
		funding_sub INTEGER,
		funding_index INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// Tx is a write-serial session with commit/rollback, matching §4.1's
// "transaction() yielding a write-serial session".
type Tx struct {
	tx *sql.Tx
}

// Transaction begins a single write transaction. Every store mutation in
// this package must go through one (§7: "single transaction per logical
// command").
func (s *Store) Transaction(fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.Begin()
	if err != nil {
		return walleterr.Wrap(walleterr.DB, "store.Transaction", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return walleterr.Wrap(walleterr.DB, "store.Transaction", fmt.Errorf("%w (rollback: %v)", err, rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return walleterr.Wrap(walleterr.DB, "store.Transaction", err)
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
