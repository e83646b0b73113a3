// Package wallet implements the consumption-fund ledger: a prepaid balance
// per client, debited to settle orders and credited by top-ups, with an
// append-only transaction history.
package wallet

import (
	"context"
	"time"

	"github.com/warp/restaurant-engine/generic"
)

// EntityType labels wallets in audit records, metrics and errors.
const EntityType = "wallet"

// =============================================================================
// WALLET
// =============================================================================

// Wallet is the mutable half of the aggregate. Balance always equals the
// sum of committed credits minus committed debits and is never negative.
type Wallet struct {
	ID        string
	ClientID  string
	Balance   generic.Amount
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// LEDGER TRANSACTION
// =============================================================================

type Kind string

const (
	KindCredit Kind = "CREDIT"
	KindDebit  Kind = "DEBIT"
)

// Transaction is an immutable ledger row. Amount is always positive; Kind
// carries the sign.
type Transaction struct {
	ID             string
	WalletID       string
	Kind           Kind
	Amount         generic.Amount
	OrderID        string // set for order settlements; at most one DEBIT per (wallet, order)
	Source         string
	IdempotencyKey string // globally unique when set
	BalanceAfter   generic.Amount
	CreatedAt      time.Time
}

// =============================================================================
// ACCOUNT - The versioned aggregate
// =============================================================================

// Account is what the Version Guard loads and commits: the wallet row plus
// the transactions produced by the mutation. Commit persists Pending in the
// same atomic operation as the wallet row; Load always returns it empty.
type Account struct {
	Wallet
	Pending []Transaction
}

func cloneAccount(a Account) Account {
	a.Pending = append([]Transaction(nil), a.Pending...)
	return a
}

// Store persists wallets and their ledger.
type Store interface {
	generic.VersionStore[Account]

	// CreateWallet inserts a wallet at version 1.
	// Returns generic.ErrDuplicateKey if the id or the client already has one.
	CreateWallet(ctx context.Context, w Wallet) (generic.Record[Account], error)

	// FindDebit returns the DEBIT settling orderID from walletID, if any.
	FindDebit(ctx context.Context, walletID, orderID string) (Transaction, bool, error)

	// FindByIdempotencyKey returns the transaction carrying key, if any.
	FindByIdempotencyKey(ctx context.Context, key string) (Transaction, bool, error)

	// ListTransactions returns the ledger of walletID in commit order.
	ListTransactions(ctx context.Context, walletID string) ([]Transaction, error)
}

func view(rec generic.Record[Account]) generic.Record[Wallet] {
	return generic.Record[Wallet]{ID: rec.ID, Value: rec.Value.Wallet, Version: rec.Version}
}
