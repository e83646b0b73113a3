/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces, on a pgx connection pool.

PURPOSE:
  Production counterpart of store/sqlite. Same tables, same
  compare-and-swap statements, same sentinel errors:

    UPDATE <table> SET ..., version = version + 1
    WHERE id = $n AND version = $m

  Under READ COMMITTED a concurrent writer blocks on the row lock, then
  re-evaluates the WHERE clause against the committed row and matches zero
  rows. That zero is the conflict signal.

ERRORS:
  23505 unique_violation  -> generic.ErrDuplicateKey
  pgx.ErrNoRows           -> generic.ErrNotFound (Load) / not found (Find*)

AMOUNTS:
  NUMERIC(18,2) columns read and written as decimal.Decimal.

SEE ALSO:
  - store/sqlite/sqlite.go: Same schema in SQLite dialect
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/restaurant-engine/generic"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and applies the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) SubOrders() *SubOrders { return &SubOrders{db: s.pool} }
func (s *Store) Wallets() *Wallets     { return &Wallets{db: s.pool} }
func (s *Store) Payments() *Payments   { return &Payments{db: s.pool} }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sub_orders (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		station TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sub_orders_order ON sub_orders(order_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL UNIQUE,
		balance NUMERIC(18,2) NOT NULL CHECK (balance >= 0),
		currency TEXT NOT NULL,
		active BOOLEAN NOT NULL,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		kind TEXT NOT NULL,
		amount NUMERIC(18,2) NOT NULL CHECK (amount > 0),
		currency TEXT NOT NULL,
		order_id TEXT,
		source TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		balance_after NUMERIC(18,2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_wallet ON ledger_transactions(wallet_id, seq)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_order_debit
		ON ledger_transactions(wallet_id, order_id)
		WHERE kind = 'DEBIT' AND order_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		external_reference TEXT NOT NULL UNIQUE,
		gateway_charge_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		purpose TEXT NOT NULL,
		amount NUMERIC(18,2) NOT NULL,
		currency TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		wallet_id TEXT NOT NULL DEFAULT '',
		refund_reason TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func casResult(ctx context.Context, db querier, tag pgconn.CommandTag, table, entityType, id string, expected int64) (int64, error) {
	if tag.RowsAffected() == 1 {
		return expected + 1, nil
	}
	var exists int
	err := db.QueryRow(ctx, "SELECT 1 FROM "+table+" WHERE id = $1", id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, generic.NotFound(entityType, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check %s existence: %w", entityType, err)
	}
	return 0, generic.ErrVersionConflict
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
