/*
guard.go - Version Guard (optimistic concurrency)

PURPOSE:
  Reads an entity with its version stamp, applies a caller-supplied
  mutation to the in-memory snapshot, and persists the result only if the
  stored version still equals the version that was read.

CONTRACT:
  Attempt(id, mutation) -> Committed(newVersion) | Conflict | Skipped

  - Committed: the write won; After carries the new version (Before+1).
  - Conflict:  somebody else wrote first; nothing was persisted.
  - Skipped:   the mutation declined to write (returned ErrSkip).

NO RETRY LOOP:
  The guard never retries. Some races are deliberately not retried: the
  loser must re-read and observe the winner's result. Retry policy belongs
  to the caller, see RetryPolicy.

EXAMPLE:
  guard := generic.NewGuard[kitchen.SubOrder](store, "sub_order", nil)
  att, err := guard.Attempt(ctx, id, func(cur kitchen.SubOrder) (kitchen.SubOrder, error) {
      cur.Status = kitchen.StatusReady
      return cur, nil
  })
  if att.Status == generic.AttemptConflict { ... re-read, re-validate ... }
*/
package generic

import (
	"context"
	"errors"
	"fmt"
)

// ErrSkip is returned by a Mutation to abort the attempt without writing.
var ErrSkip = errors.New("mutation skipped")

// DefaultMaxAttempts caps conflict retries for every caller of the guard.
const DefaultMaxAttempts = 3

// Mutation computes the next value from the current snapshot. It must not
// perform I/O: it may run against a snapshot that is already stale.
type Mutation[T any] func(current T) (T, error)

type AttemptStatus string

const (
	AttemptCommitted AttemptStatus = "committed"
	AttemptConflict  AttemptStatus = "conflict"
	AttemptSkipped   AttemptStatus = "skipped"
)

// Attempt is the outcome of one guarded write.
type Attempt[T any] struct {
	Status AttemptStatus
	Before Record[T]
	After  Record[T]
}

func (a Attempt[T]) Committed() bool { return a.Status == AttemptCommitted }

// =============================================================================
// GUARD
// =============================================================================

type Guard[T any] struct {
	store      VersionStore[T]
	entityType string
	observer   Observer
}

func NewGuard[T any](store VersionStore[T], entityType string, observer Observer) *Guard[T] {
	return &Guard[T]{store: store, entityType: entityType, observer: ObserverOrNop(observer)}
}

// Load reads the current record.
func (g *Guard[T]) Load(ctx context.Context, id string) (Record[T], error) {
	rec, err := g.store.Load(ctx, id)
	if err != nil {
		return Record[T]{}, fmt.Errorf("load %s %s: %w", g.entityType, id, err)
	}
	return rec, nil
}

// Commit persists next iff before.Version is still current.
func (g *Guard[T]) Commit(ctx context.Context, before Record[T], next T) (Attempt[T], error) {
	version, err := g.store.Commit(ctx, before.ID, before.Version, next)
	if errors.Is(err, ErrVersionConflict) {
		g.observer.Conflict(g.entityType)
		return Attempt[T]{Status: AttemptConflict, Before: before}, nil
	}
	if err != nil {
		return Attempt[T]{Before: before}, fmt.Errorf("commit %s %s: %w", g.entityType, before.ID, err)
	}
	return Attempt[T]{
		Status: AttemptCommitted,
		Before: before,
		After:  Record[T]{ID: before.ID, Value: next, Version: version},
	}, nil
}

// Attempt loads id, runs mutate and commits the result.
func (g *Guard[T]) Attempt(ctx context.Context, id string, mutate Mutation[T]) (Attempt[T], error) {
	before, err := g.Load(ctx, id)
	if err != nil {
		return Attempt[T]{}, err
	}
	next, err := mutate(before.Value)
	if errors.Is(err, ErrSkip) {
		return Attempt[T]{Status: AttemptSkipped, Before: before}, nil
	}
	if err != nil {
		return Attempt[T]{Before: before}, err
	}
	return g.Commit(ctx, before, next)
}

// =============================================================================
// RETRY POLICY
// =============================================================================

// RetryPolicy bounds how many guarded attempts a caller makes before it
// reports Conflict. Every attempt must re-validate business preconditions.
type RetryPolicy struct {
	MaxAttempts int
}

// Attempts returns the effective cap, never less than one.
func (p RetryPolicy) Attempts() int {
	switch {
	case p.MaxAttempts <= 0:
		return DefaultMaxAttempts
	case p.MaxAttempts > 10:
		return 10
	default:
		return p.MaxAttempts
	}
}
