/*
store.go - Persistence and audit contracts

PURPOSE:
  Defines the only two things the core needs from a data store:
  "load the current version" and "write iff the version is unchanged".
  Everything else (SQL dialect, connection pooling, transactions) stays
  behind the implementation.

KEY INTERFACES:
  VersionStore[T]:  Versioned load + compare-and-swap commit
  AuditSink:        Fire-and-forget receiver of committed transitions

CONFLICT SIGNAL:
  Commit must return ErrVersionConflict, and nothing else, when the stored
  version differs from the expected one. Generic I/O failures must never be
  reported as a conflict, or a retry loop would hide real outages.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go:  SQLite, UPDATE ... WHERE version = ?
  - store/postgres/:         PostgreSQL via pgx

SEE ALSO:
  - guard.go: The only caller of Commit
*/
package generic

import (
	"context"
	"log/slog"
	"time"
)

// =============================================================================
// VERSION STORE
// =============================================================================

// VersionStore persists one aggregate type under optimistic concurrency.
type VersionStore[T any] interface {
	// Load returns the entity and its current version.
	// Returns an error wrapping ErrNotFound if the entity does not exist.
	Load(ctx context.Context, id string) (Record[T], error)

	// Commit writes next iff the stored version equals expected, as a single
	// atomic operation, and returns the new version (expected+1).
	// Returns ErrVersionConflict on mismatch, with no side effects.
	Commit(ctx context.Context, id string, expected int64, next T) (int64, error)
}

// =============================================================================
// AUDIT - Triggering events only, persistence lives elsewhere
// =============================================================================

// AuditRecord describes one committed state change, or one anomaly that a
// human must look at.
type AuditRecord struct {
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	FromState      string    `json:"from_state"`
	ToState        string    `json:"to_state"`
	Actor          string    `json:"actor"`
	Timestamp      time.Time `json:"timestamp"`
	Reason         string    `json:"reason,omitempty"`
	ReviewRequired bool      `json:"review_required,omitempty"`
}

// AuditSink receives audit records. Implementations may block on network
// I/O but their failure never rolls back the change they describe.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// NotifyAudit hands rec to sink and logs, rather than returns, any failure.
func NotifyAudit(ctx context.Context, sink AuditSink, logger *slog.Logger, rec AuditRecord) {
	if sink == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := sink.Record(ctx, rec); err != nil {
		LoggerOrDefault(logger).ErrorContext(ctx, "audit record dropped",
			"component", "audit",
			"entity_type", rec.EntityType,
			"entity_id", rec.EntityID,
			"to_state", rec.ToState,
			"err", err,
		)
	}
}

// LoggerOrDefault returns l, or slog.Default() when l is nil.
func LoggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
