// Package store provides the durable record store the rest of the
// backend is built on: one SQLite file, WAL journal mode, a single
// writer connection, and busy_timeout for the rare contended write.
// Every stable record is addressed by an integer id; there are no
// foreign-key graph cycles.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the single SQLite connection every domain package
// (tokens, pools, transfers, claims, journal, markets, settings) reads
// and writes through. Domain packages take *sql.DB directly rather
// than wrapping Store.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (creating if absent) the backend's SQLite database and
// applies the full schema.
func New(cfg *Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "kongswap.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying connection for domain packages to query.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := `
	-- Generic key/value table. The settings singleton and its
	-- counters live in the YAML file loaded by internal/settings, not
	-- here; no package reads or writes this table.
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- Token registry.
	CREATE TABLE IF NOT EXISTS tokens (
		id INTEGER PRIMARY KEY,
		kind TEXT NOT NULL,
		symbol TEXT NOT NULL,
		decimals INTEGER NOT NULL,
		fee TEXT NOT NULL,
		removed INTEGER NOT NULL DEFAULT 0,
		ledger_id TEXT,
		caps_icrc1 INTEGER NOT NULL DEFAULT 0,
		caps_icrc2 INTEGER NOT NULL DEFAULT 0,
		caps_icrc3 INTEGER NOT NULL DEFAULT 0,
		pool_id INTEGER,
		chain_tag TEXT,
		address TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_ledger ON tokens(ledger_id) WHERE ledger_id IS NOT NULL AND removed = 0;
	CREATE INDEX IF NOT EXISTS idx_tokens_symbol ON tokens(symbol);

	-- Pools.
	CREATE TABLE IF NOT EXISTS pools (
		id INTEGER PRIMARY KEY,
		token_0_id INTEGER NOT NULL,
		token_1_id INTEGER NOT NULL,
		reserve_0 TEXT NOT NULL DEFAULT '0',
		reserve_1 TEXT NOT NULL DEFAULT '0',
		lp_fee_accum_0 TEXT NOT NULL DEFAULT '0',
		lp_fee_accum_1 TEXT NOT NULL DEFAULT '0',
		platform_fee_accum_0 TEXT NOT NULL DEFAULT '0',
		platform_fee_accum_1 TEXT NOT NULL DEFAULT '0',
		lp_fee_bps INTEGER NOT NULL,
		platform_fee_bps INTEGER NOT NULL,
		lp_token_id INTEGER NOT NULL,
		listed INTEGER NOT NULL DEFAULT 1,
		removed INTEGER NOT NULL DEFAULT 0,
		rolling_24h_volume TEXT NOT NULL DEFAULT '0',
		rolling_24h_lp_fee TEXT NOT NULL DEFAULT '0',
		rolling_24h_num_swaps INTEGER NOT NULL DEFAULT 0,
		apy REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_pools_pair ON pools(token_0_id, token_1_id) WHERE removed = 0;

	-- LP ledger: (lp_token_id, user_id) -> amount.
	CREATE TABLE IF NOT EXISTS lp_ledger (
		lp_token_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		amount TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (lp_token_id, user_id)
	);

	-- Users.
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		principal TEXT NOT NULL UNIQUE,
		fee_level INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	-- Request/reply journal.
	CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		body_kind TEXT NOT NULL,
		body_json TEXT NOT NULL,
		statuses_json TEXT NOT NULL DEFAULT '[]',
		reply_json TEXT,
		ts INTEGER NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_requests_user ON requests(user_id);
	CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);
	CREATE INDEX IF NOT EXISTS idx_requests_archived ON requests(archived);

	-- Transfer records.
	CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY,
		request_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		token_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		tx_ref_block INTEGER,
		tx_ref_hash TEXT,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transfers_dedup ON transfers(token_id, tx_ref_block, tx_ref_hash, ts);

	-- Claims.
	CREATE TABLE IF NOT EXISTS claims (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		token_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		linked_request_id INTEGER,
		to_address TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts_json TEXT NOT NULL DEFAULT '[]',
		transfers_json TEXT NOT NULL DEFAULT '[]',
		ts INTEGER NOT NULL,
		last_attempt_ts INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_claims_user ON claims(user_id);
	CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status);

	-- Prediction markets.
	CREATE TABLE IF NOT EXISTS markets (
		id INTEGER PRIMARY KEY,
		creator INTEGER NOT NULL,
		question TEXT NOT NULL,
		category TEXT NOT NULL,
		rules TEXT NOT NULL,
		outcomes_json TEXT NOT NULL,
		resolution_method_json TEXT NOT NULL,
		status TEXT NOT NULL,
		winners_json TEXT,
		created_at INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		token_id INTEGER NOT NULL,
		per_outcome_pool_json TEXT NOT NULL,
		uses_time_weighting INTEGER NOT NULL DEFAULT 0,
		time_weight_alpha REAL
	);
	CREATE INDEX IF NOT EXISTS idx_markets_status ON markets(status);

	CREATE TABLE IF NOT EXISTS bets (
		id INTEGER PRIMARY KEY,
		market_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		outcome_index INTEGER NOT NULL,
		amount TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bets_market ON bets(market_id);

	CREATE TABLE IF NOT EXISTS resolution_proposals (
		market_id INTEGER PRIMARY KEY,
		proposed_winners_json TEXT NOT NULL,
		creator_approved INTEGER NOT NULL DEFAULT 0,
		admin_approved INTEGER NOT NULL DEFAULT 0,
		proposed_at INTEGER NOT NULL
	);

	-- Admin ETL feed: append-only typed update log external
	-- collaborators tail and acknowledge.
	CREATE TABLE IF NOT EXISTS db_updates (
		update_id INTEGER PRIMARY KEY,
		variant TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		ts INTEGER NOT NULL
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
