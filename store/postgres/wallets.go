package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/wallet"
)

type Wallets struct {
	db *pgxpool.Pool
}

var _ wallet.Store = (*Wallets)(nil)

const (
	walletColumns      = `id, client_id, balance, currency, active, version, created_at, updated_at`
	transactionColumns = `id, wallet_id, kind, amount, currency, order_id, source, idempotency_key, balance_after, created_at`
)

func (s *Wallets) CreateWallet(ctx context.Context, w wallet.Wallet) (generic.Record[wallet.Account], error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
	`, w.ID, w.ClientID, w.Balance.Value, string(w.Balance.Currency), w.Active, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return generic.Record[wallet.Account]{}, fmt.Errorf("wallet for client %s: %w", w.ClientID, generic.ErrDuplicateKey)
		}
		return generic.Record[wallet.Account]{}, fmt.Errorf("failed to insert wallet: %w", err)
	}
	return generic.Record[wallet.Account]{ID: w.ID, Value: wallet.Account{Wallet: w}, Version: 1}, nil
}

func (s *Wallets) Load(ctx context.Context, id string) (generic.Record[wallet.Account], error) {
	rec, err := scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Record[wallet.Account]{}, generic.NotFound(wallet.EntityType, id)
	}
	return rec, err
}

// Commit swaps the wallet row and appends next.Pending in one transaction.
func (s *Wallets) Commit(ctx context.Context, id string, expected int64, next wallet.Account) (int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE wallets
		SET balance = $1, currency = $2, active = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`, next.Balance.Value, string(next.Balance.Currency), next.Active, next.UpdatedAt, id, expected)
	if err != nil {
		return 0, fmt.Errorf("failed to update wallet: %w", err)
	}
	version, err := casResult(ctx, tx, tag, "wallets", wallet.EntityType, id, expected)
	if err != nil {
		return 0, err
	}

	for _, t := range next.Pending {
		_, err := tx.Exec(ctx, `
			INSERT INTO ledger_transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, t.ID, id, string(t.Kind), t.Amount.Value, string(t.Amount.Currency), nullString(t.OrderID),
			t.Source, nullString(t.IdempotencyKey), t.BalanceAfter.Value, t.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("ledger transaction %s: %w", t.ID, generic.ErrDuplicateKey)
			}
			return 0, fmt.Errorf("failed to append transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit wallet: %w", err)
	}
	return version, nil
}

func (s *Wallets) FindDebit(ctx context.Context, walletID, orderID string) (wallet.Transaction, bool, error) {
	return s.findOne(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE wallet_id = $1 AND order_id = $2 AND kind = 'DEBIT'
	`, walletID, orderID)
}

func (s *Wallets) FindByIdempotencyKey(ctx context.Context, key string) (wallet.Transaction, bool, error) {
	return s.findOne(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE idempotency_key = $1
	`, key)
}

func (s *Wallets) findOne(ctx context.Context, query string, args ...any) (wallet.Transaction, bool, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.Transaction{}, false, nil
	}
	if err != nil {
		return wallet.Transaction{}, false, err
	}
	return t, true, nil
}

func (s *Wallets) ListTransactions(ctx context.Context, walletID string) ([]wallet.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE wallet_id = $1
		ORDER BY seq ASC
	`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []wallet.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanWallet(row pgx.Row) (generic.Record[wallet.Account], error) {
	var (
		w        wallet.Wallet
		balance  decimal.Decimal
		currency string
		version  int64
	)
	if err := row.Scan(&w.ID, &w.ClientID, &balance, &currency, &w.Active, &version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return generic.Record[wallet.Account]{}, err
	}
	w.Balance = generic.NewAmount(balance, generic.Currency(currency))
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return generic.Record[wallet.Account]{ID: w.ID, Value: wallet.Account{Wallet: w}, Version: version}, nil
}

func scanTransaction(row pgx.Row) (wallet.Transaction, error) {
	var (
		t                       wallet.Transaction
		kind, currency          string
		amount, after           decimal.Decimal
		orderID, idempotencyKey *string
	)
	if err := row.Scan(&t.ID, &t.WalletID, &kind, &amount, &currency, &orderID, &t.Source,
		&idempotencyKey, &after, &t.CreatedAt); err != nil {
		return wallet.Transaction{}, err
	}
	t.Kind = wallet.Kind(kind)
	t.Amount = generic.NewAmount(amount, generic.Currency(currency))
	t.BalanceAfter = generic.NewAmount(after, generic.Currency(currency))
	if orderID != nil {
		t.OrderID = *orderID
	}
	if idempotencyKey != nil {
		t.IdempotencyKey = *idempotencyKey
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}
