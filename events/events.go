/*
events.go - Audit event sinks

PURPOSE:
  Implementations of generic.AuditSink. The core calls them fire-and-forget
  after a committed change, so a failing broker never undoes a transition.

SINKS:
  LogSink     structured slog line per record (default, always available)
  RabbitSink  topic exchange, routing key audit.<entity_type>.<to_state>
  KafkaSink   one topic, message key = entity id (per-entity ordering)
  Fanout      delivers to every sink, joins their errors

SEE ALSO:
  - generic/store.go: AuditRecord and NotifyAudit
*/
package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/warp/restaurant-engine/generic"
)

// =============================================================================
// LOG SINK
// =============================================================================

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: generic.LoggerOrDefault(logger).With("component", "audit")}
}

func (s *LogSink) Record(ctx context.Context, rec generic.AuditRecord) error {
	level := slog.LevelInfo
	if rec.ReviewRequired {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "state change",
		"entity_type", rec.EntityType,
		"entity_id", rec.EntityID,
		"from", rec.FromState,
		"to", rec.ToState,
		"actor", rec.Actor,
		"at", rec.Timestamp,
		"reason", rec.Reason,
		"review_required", rec.ReviewRequired,
	)
	return nil
}

// =============================================================================
// FANOUT
// =============================================================================

type Fanout []generic.AuditSink

func (f Fanout) Record(ctx context.Context, rec generic.AuditRecord) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RoutingKey is the topic used for rec, lower-cased.
// Records flagged for review go to audit.review.<entity_type>.
func RoutingKey(rec generic.AuditRecord) string {
	if rec.ReviewRequired {
		return strings.ToLower("audit.review." + rec.EntityType)
	}
	to := rec.ToState
	if to == "" {
		to = "unknown"
	}
	return strings.ToLower("audit." + rec.EntityType + "." + to)
}
