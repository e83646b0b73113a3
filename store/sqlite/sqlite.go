/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the three versioned aggregates (sub-orders, wallets, payments)
  on SQLite. The same statements run on PostgreSQL with only placeholder
  and error-code differences, see store/postgres.

INTERFACES IMPLEMENTED:
  kitchen.Store:  Store.SubOrders()
  wallet.Store:   Store.Wallets()
  payment.Store:  Store.Payments()

OPTIMISTIC CONCURRENCY:
  Every mutable row carries a version column. Commit is a single
  compare-and-swap statement:

    UPDATE <table> SET ..., version = version + 1
    WHERE id = ? AND version = ?

  Zero rows affected means either the row is gone (ErrNotFound) or another
  writer got there first (ErrVersionConflict). There is no process-level
  mutex; the database decides.

APPEND-ONLY LEDGER:
  ledger_transactions is never updated or deleted. A wallet commit updates
  the wallet row and inserts its new ledger rows in one SQL transaction, so
  a balance and the transaction that produced it are visible together or not
  at all.

KEY TABLES:
  sub_orders:          Kitchen-routed portions of an order
  wallets:             Consumption fund per client (one per client)
  ledger_transactions: Immutable CREDIT/DEBIT history
  payments:            Payment attempts keyed by external reference

INDEXES:
  - idx_unique_order_debit: At most one DEBIT per (wallet, order)
  - ledger_transactions.idempotency_key UNIQUE: Exactly-once credits
  - payments.external_reference UNIQUE: One payment per gateway reference
  - wallets.client_id UNIQUE: One wallet per client

WAL MODE:
  SQLite is opened with WAL and _txlock=immediate: readers never block,
  writers queue on the busy timeout instead of failing on lock upgrade.

USAGE:
  store, err := sqlite.New("./data/restaurant.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := wallet.NewLedger(store.Wallets(), wallet.Options{})

MIGRATION:
  Schema is auto-migrated on New(). Migrate is idempotent and is also run
  by the `migrate` command.

SEE ALSO:
  - generic/store.go: VersionStore contract
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/restaurant-engine/generic"
)

const timeLayout = time.RFC3339Nano

// Store owns the database handle. The per-aggregate stores share it.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SubOrders() *SubOrders { return &SubOrders{db: s.db} }
func (s *Store) Wallets() *Wallets     { return &Wallets{db: s.db} }
func (s *Store) Payments() *Payments   { return &Payments{db: s.db} }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	-- Sub-orders (versioned)
	CREATE TABLE IF NOT EXISTS sub_orders (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		station TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sub_orders_order
		ON sub_orders(order_id, created_at);

	-- Wallets (versioned)
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL UNIQUE,
		balance TEXT NOT NULL,
		currency TEXT NOT NULL,
		active INTEGER NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ledger transactions (append-only)
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		order_id TEXT,
		source TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		balance_after TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_wallet
		ON ledger_transactions(wallet_id, seq);

	-- One settlement per order: a second DEBIT for the same order is
	-- rejected by the database even if two writers both missed it on read.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_order_debit
		ON ledger_transactions(wallet_id, order_id)
		WHERE kind = 'DEBIT' AND order_id IS NOT NULL;

	-- Payments (versioned)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		external_reference TEXT NOT NULL UNIQUE,
		gateway_charge_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		purpose TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		wallet_id TEXT NOT NULL DEFAULT '',
		refund_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// casResult turns the outcome of an UPDATE ... WHERE version = ? into the
// VersionStore contract.
func casResult(ctx context.Context, db execer, res sql.Result, table, entityType, id string, expected int64) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return expected + 1, nil
	}

	var exists int
	err = db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, generic.NotFound(entityType, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check %s existence: %w", entityType, err)
	}
	return 0, generic.ErrVersionConflict
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseAmount(value, currency string) (generic.Amount, error) {
	a, err := generic.ParseAmount(value, generic.Currency(currency))
	if err != nil {
		return generic.Amount{}, fmt.Errorf("corrupt amount: %w", err)
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
