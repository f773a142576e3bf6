// Package sqlite is the durable store of the ATM core.
// It implements domain.Store on top of an embedded SQLite database:
// accounts, users, the append-only transaction log, named sequences and the
// audit event table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/atmcore/atm/internal/domain"
)

// FileName is the database file created inside the data directory.
const FileName = "atm.db"

// DB wraps the SQLite handle.
type DB struct {
	db   *sql.DB
	path string
}

var _ domain.Store = (*DB)(nil)

// Open opens (creating if needed) the database in dir and applies migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer at a time; the ledger serializes per account above this.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close closes the database.
func (db *DB) Close() error { return db.db.Close() }

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements, one statement per string.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			email           TEXT NOT NULL DEFAULT '',
			phone           TEXT NOT NULL DEFAULT '',
			pin_hash        TEXT NOT NULL,
			password_hash   TEXT NOT NULL,
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			locked_until    INTEGER,
			created_at      INTEGER NOT NULL,
			last_login      INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS accounts (
			id              TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL REFERENCES users(id),
			type            TEXT NOT NULL,
			balance         TEXT NOT NULL,
			daily_withdrawn TEXT NOT NULL DEFAULT '0',
			daily_reset_on  TEXT NOT NULL DEFAULT '',
			credit_limit    TEXT NOT NULL DEFAULT '0',
			version         INTEGER NOT NULL DEFAULT 1,
			created_at      INTEGER NOT NULL,
			closed_at       INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner_id, id)`,

		// Append-only; rows are never updated or deleted.
		`CREATE TABLE IF NOT EXISTS transactions (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL UNIQUE,
			account_id     TEXT NOT NULL REFERENCES accounts(id),
			kind           TEXT NOT NULL,
			amount         TEXT NOT NULL,
			ts             INTEGER NOT NULL,
			balance_after  TEXT NOT NULL,
			counterparty   TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			reversal_of    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_history ON transactions(account_id, ts, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_correlation ON transactions(correlation_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reversal ON transactions(reversal_of) WHERE reversal_of IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS sequences (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS audit_events (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			transaction_id    TEXT NOT NULL,
			account_id        TEXT NOT NULL,
			kind              TEXT NOT NULL,
			amount            TEXT NOT NULL,
			ts                INTEGER NOT NULL,
			resulting_balance TEXT NOT NULL,
			correlation_id    TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_account ON audit_events(account_id, ts)`,
	}
}

func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Sequences ──────────────────────────────────────────────────────────────

// NextSequence increments and returns the named counter, starting at 1.
func (db *DB) NextSequence(ctx context.Context, name string) (int64, error) {
	var v int64
	err := db.db.QueryRowContext(ctx, `
		INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", name, err)
	}
	return v, nil
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats counts users, accounts and transactions.
func (db *DB) Stats(ctx context.Context) (domain.StoreStats, error) {
	var s domain.StoreStats
	err := db.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM accounts),
			(SELECT COUNT(*) FROM transactions)
	`).Scan(&s.Users, &s.Accounts, &s.Transactions)
	if err != nil {
		return s, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
