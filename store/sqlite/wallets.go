package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/wallet"
)

// =============================================================================
// WALLET STORE (wallet.Store interface)
// =============================================================================

type Wallets struct {
	db *sql.DB
}

var _ wallet.Store = (*Wallets)(nil)

const (
	walletColumns      = `id, client_id, balance, currency, active, version, created_at, updated_at`
	transactionColumns = `id, wallet_id, kind, amount, currency, order_id, source, idempotency_key, balance_after, created_at`
)

func (s *Wallets) CreateWallet(ctx context.Context, w wallet.Wallet) (generic.Record[wallet.Account], error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`, w.ID, w.ClientID, w.Balance.String(), string(w.Balance.Currency), w.Active,
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.Record[wallet.Account]{}, fmt.Errorf("wallet for client %s: %w", w.ClientID, generic.ErrDuplicateKey)
		}
		return generic.Record[wallet.Account]{}, fmt.Errorf("failed to insert wallet: %w", err)
	}
	return generic.Record[wallet.Account]{ID: w.ID, Value: wallet.Account{Wallet: w}, Version: 1}, nil
}

func (s *Wallets) Load(ctx context.Context, id string) (generic.Record[wallet.Account], error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	rec, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Record[wallet.Account]{}, generic.NotFound(wallet.EntityType, id)
	}
	return rec, err
}

// Commit swaps the wallet row and appends next.Pending in one transaction.
// A unique violation on the ledger (idempotency key, order debit) rolls the
// balance change back and is reported as ErrDuplicateKey.
func (s *Wallets) Commit(ctx context.Context, id string, expected int64, next wallet.Account) (int64, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = ?, currency = ?, active = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, next.Balance.String(), string(next.Balance.Currency), next.Active, formatTime(next.UpdatedAt), id, expected)
	if err != nil {
		return 0, fmt.Errorf("failed to update wallet: %w", err)
	}
	version, err := casResult(ctx, sqlTx, res, "wallets", wallet.EntityType, id, expected)
	if err != nil {
		return 0, err
	}

	for _, tx := range next.Pending {
		if err := insertTransaction(ctx, sqlTx, id, tx); err != nil {
			return 0, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit wallet: %w", err)
	}
	return version, nil
}

func insertTransaction(ctx context.Context, db execer, walletID string, tx wallet.Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		walletID,
		string(tx.Kind),
		tx.Amount.String(),
		string(tx.Amount.Currency),
		nullString(tx.OrderID),
		tx.Source,
		nullString(tx.IdempotencyKey),
		tx.BalanceAfter.String(),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("ledger transaction %s: %w", tx.ID, generic.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Wallets) FindDebit(ctx context.Context, walletID, orderID string) (wallet.Transaction, bool, error) {
	return s.findOne(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE wallet_id = ? AND order_id = ? AND kind = 'DEBIT'
	`, walletID, orderID)
}

func (s *Wallets) FindByIdempotencyKey(ctx context.Context, key string) (wallet.Transaction, bool, error) {
	return s.findOne(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE idempotency_key = ?
	`, key)
}

func (s *Wallets) findOne(ctx context.Context, query string, args ...any) (wallet.Transaction, bool, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Transaction{}, false, nil
	}
	if err != nil {
		return wallet.Transaction{}, false, err
	}
	return tx, true, nil
}

func (s *Wallets) ListTransactions(ctx context.Context, walletID string) ([]wallet.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE wallet_id = ?
		ORDER BY seq ASC
	`, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []wallet.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanWallet(row rowScanner) (generic.Record[wallet.Account], error) {
	var (
		w                    wallet.Wallet
		balance, currency    string
		version              int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&w.ID, &w.ClientID, &balance, &currency, &w.Active, &version, &createdAt, &updatedAt); err != nil {
		return generic.Record[wallet.Account]{}, err
	}

	var err error
	if w.Balance, err = parseAmount(balance, currency); err != nil {
		return generic.Record[wallet.Account]{}, err
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return generic.Record[wallet.Account]{}, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return generic.Record[wallet.Account]{}, err
	}
	return generic.Record[wallet.Account]{ID: w.ID, Value: wallet.Account{Wallet: w}, Version: version}, nil
}

func scanTransaction(row rowScanner) (wallet.Transaction, error) {
	var (
		tx                                wallet.Transaction
		kind, amount, currency, after, at string
		orderID, idempotencyKey           sql.NullString
	)
	if err := row.Scan(&tx.ID, &tx.WalletID, &kind, &amount, &currency, &orderID, &tx.Source,
		&idempotencyKey, &after, &at); err != nil {
		return wallet.Transaction{}, err
	}
	tx.Kind = wallet.Kind(kind)
	tx.OrderID = orderID.String
	tx.IdempotencyKey = idempotencyKey.String

	var err error
	if tx.Amount, err = parseAmount(amount, currency); err != nil {
		return wallet.Transaction{}, err
	}
	if tx.BalanceAfter, err = parseAmount(after, currency); err != nil {
		return wallet.Transaction{}, err
	}
	if tx.CreatedAt, err = parseTime(at); err != nil {
		return wallet.Transaction{}, err
	}
	return tx, nil
}
