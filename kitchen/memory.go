package kitchen

import (
	"context"
	"sort"

	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/generic/store"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	*store.Versioned[SubOrder]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Versioned: store.NewVersioned[SubOrder](EntityType)}
}

func (m *MemoryStore) CreateSubOrder(ctx context.Context, so SubOrder) (generic.Record[SubOrder], error) {
	return m.Create(ctx, so.ID, so)
}

func (m *MemoryStore) ListSubOrders(ctx context.Context, orderID string) ([]generic.Record[SubOrder], error) {
	var out []generic.Record[SubOrder]
	for _, rec := range m.List(ctx) {
		if rec.Value.OrderID == orderID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value.CreatedAt.Before(out[j].Value.CreatedAt) })
	return out, nil
}
