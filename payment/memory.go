package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/generic/store"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	*store.Versioned[Payment]

	refsMu sync.RWMutex
	refs   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Versioned: store.NewVersioned[Payment](EntityType),
		refs:      make(map[string]string),
	}
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p Payment) (generic.Record[Payment], error) {
	m.refsMu.Lock()
	defer m.refsMu.Unlock()

	if _, ok := m.refs[p.ExternalReference]; ok {
		return generic.Record[Payment]{}, fmt.Errorf("external reference %s: %w", p.ExternalReference, generic.ErrDuplicateKey)
	}
	rec, err := m.Create(ctx, p.ID, p)
	if err != nil {
		return generic.Record[Payment]{}, err
	}
	m.refs[p.ExternalReference] = p.ID
	return rec, nil
}

func (m *MemoryStore) FindByExternalReference(ctx context.Context, ref string) (generic.Record[Payment], bool, error) {
	m.refsMu.RLock()
	defer m.refsMu.RUnlock()

	id, ok := m.refs[ref]
	if !ok {
		return generic.Record[Payment]{}, false, nil
	}
	rec, err := m.Load(ctx, id)
	if err != nil {
		return generic.Record[Payment]{}, false, err
	}
	return rec, true, nil
}
