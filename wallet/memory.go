package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/generic/store"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type debitKey struct{ walletID, orderID string }

// MemoryStore keeps the ledger next to the versioned wallet rows. Pending
// transactions are appended from the commit hook, so they become visible in
// the same critical section as the new balance.
type MemoryStore struct {
	accounts *store.Versioned[Account]

	clientsMu sync.Mutex
	clients   map[string]string

	mu     sync.RWMutex
	ledger map[string][]Transaction
	byKey  map[string]Transaction
	debits map[debitKey]Transaction
}

func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		clients: make(map[string]string),
		ledger:  make(map[string][]Transaction),
		byKey:   make(map[string]Transaction),
		debits:  make(map[debitKey]Transaction),
	}
	m.accounts = store.NewVersioned[Account](EntityType,
		store.WithClone(cloneAccount),
		store.WithCommitHook(m.appendPending),
	)
	return m
}

func (m *MemoryStore) CreateWallet(ctx context.Context, w Wallet) (generic.Record[Account], error) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	if owner, ok := m.clients[w.ClientID]; ok {
		return generic.Record[Account]{}, fmt.Errorf("client %s already owns wallet %s: %w", w.ClientID, owner, generic.ErrDuplicateKey)
	}
	rec, err := m.accounts.Create(ctx, w.ID, Account{Wallet: w})
	if err != nil {
		return generic.Record[Account]{}, err
	}
	m.clients[w.ClientID] = w.ID
	return rec, nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (generic.Record[Account], error) {
	return m.accounts.Load(ctx, id)
}

func (m *MemoryStore) Commit(ctx context.Context, id string, expected int64, next Account) (int64, error) {
	return m.accounts.Commit(ctx, id, expected, next)
}

// appendPending runs under the versioned store's lock.
func (m *MemoryStore) appendPending(id string, _ Account, next Account) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seenKeys := map[string]bool{}
	seenOrders := map[string]bool{}
	for _, tx := range next.Pending {
		if tx.IdempotencyKey != "" {
			if _, dup := m.byKey[tx.IdempotencyKey]; dup || seenKeys[tx.IdempotencyKey] {
				return Account{}, fmt.Errorf("idempotency key %s: %w", tx.IdempotencyKey, generic.ErrDuplicateKey)
			}
			seenKeys[tx.IdempotencyKey] = true
		}
		if tx.Kind == KindDebit && tx.OrderID != "" {
			if _, dup := m.debits[debitKey{id, tx.OrderID}]; dup || seenOrders[tx.OrderID] {
				return Account{}, fmt.Errorf("debit for order %s: %w", tx.OrderID, generic.ErrDuplicateKey)
			}
			seenOrders[tx.OrderID] = true
		}
	}

	for _, tx := range next.Pending {
		m.ledger[id] = append(m.ledger[id], tx)
		if tx.IdempotencyKey != "" {
			m.byKey[tx.IdempotencyKey] = tx
		}
		if tx.Kind == KindDebit && tx.OrderID != "" {
			m.debits[debitKey{id, tx.OrderID}] = tx
		}
	}
	next.Pending = nil
	return next, nil
}

func (m *MemoryStore) FindDebit(_ context.Context, walletID, orderID string) (Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.debits[debitKey{walletID, orderID}]
	return tx, ok, nil
}

func (m *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byKey[key]
	return tx, ok, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, walletID string) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transaction(nil), m.ledger[walletID]...), nil
}
