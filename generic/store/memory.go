// Package store provides in-memory implementations of the generic store
// contracts.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/restaurant-engine/generic"
)

// =============================================================================
// VERSIONED MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// CommitHook runs inside the compare-and-swap critical section, after the
// version check and before the new value becomes visible. It returns the
// value to store. A non-nil error aborts the commit with no side effects,
// which lets aggregates persist append-only children atomically with the
// row they belong to.
type CommitHook[T any] func(id string, prev, next T) (T, error)

type Versioned[T any] struct {
	mu         sync.RWMutex
	rows       map[string]versionedRow[T]
	entityType string
	clone      func(T) T
	hook       CommitHook[T]
}

type versionedRow[T any] struct {
	value   T
	version int64
}

type Option[T any] func(*Versioned[T])

// WithClone sets a deep-copy function for values holding maps or slices.
func WithClone[T any](clone func(T) T) Option[T] {
	return func(v *Versioned[T]) { v.clone = clone }
}

func WithCommitHook[T any](hook CommitHook[T]) Option[T] {
	return func(v *Versioned[T]) { v.hook = hook }
}

func NewVersioned[T any](entityType string, opts ...Option[T]) *Versioned[T] {
	v := &Versioned[T]{
		rows:       make(map[string]versionedRow[T]),
		entityType: entityType,
		clone:      func(t T) T { return t },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Create inserts a new row at version 1.
func (v *Versioned[T]) Create(_ context.Context, id string, value T) (generic.Record[T], error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.rows[id]; exists {
		return generic.Record[T]{}, generic.ErrDuplicateKey
	}
	v.rows[id] = versionedRow[T]{value: v.clone(value), version: 1}
	return generic.Record[T]{ID: id, Value: v.clone(value), Version: 1}, nil
}

func (v *Versioned[T]) Load(_ context.Context, id string) (generic.Record[T], error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	row, ok := v.rows[id]
	if !ok {
		return generic.Record[T]{}, generic.NotFound(v.entityType, id)
	}
	return generic.Record[T]{ID: id, Value: v.clone(row.value), Version: row.version}, nil
}

func (v *Versioned[T]) Commit(_ context.Context, id string, expected int64, next T) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	row, ok := v.rows[id]
	if !ok {
		return 0, generic.NotFound(v.entityType, id)
	}
	if row.version != expected {
		return 0, generic.ErrVersionConflict
	}

	stored := next
	if v.hook != nil {
		var err error
		if stored, err = v.hook(id, row.value, next); err != nil {
			return 0, err
		}
	}

	v.rows[id] = versionedRow[T]{value: v.clone(stored), version: expected + 1}
	return expected + 1, nil
}

// Find returns the first record matching pred, in id order.
func (v *Versioned[T]) Find(ctx context.Context, pred func(T) bool) (generic.Record[T], bool) {
	for _, rec := range v.List(ctx) {
		if pred(rec.Value) {
			return rec, true
		}
	}
	return generic.Record[T]{}, false
}

// List returns every record ordered by id.
func (v *Versioned[T]) List(_ context.Context) []generic.Record[T] {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]generic.Record[T], 0, len(v.rows))
	for id, row := range v.rows {
		out = append(out, generic.Record[T]{ID: id, Value: v.clone(row.value), Version: row.version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// AUDIT MEMORY SINK
// =============================================================================

// AuditLog collects audit records in memory.
type AuditLog struct {
	mu      sync.Mutex
	records []generic.AuditRecord
	Err     error // returned from every Record call when set
}

func NewAuditLog() *AuditLog { return &AuditLog{} }

func (a *AuditLog) Record(_ context.Context, rec generic.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *AuditLog) Records() []generic.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]generic.AuditRecord(nil), a.records...)
}
