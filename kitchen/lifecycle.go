/*
lifecycle.go - Sub-order lifecycle service

PURPOSE:
  Applies one transition to one sub-order, combining the Validator with the
  Version Guard. This is where the "two attendants deliver the same
  sub-order" and "two cooks claim the same sub-order" races are resolved.

ALGORITHM:
  1. Load status + version.
  2. Validate. Rejections never touch storage.
  3. current == target: Applied with no write (no version burned).
  4. Guarded commit of the new status.
  5. On conflict: reload. If the winner already reached the target (or a
     later happy-path status), the caller is told Applied(observed). If the
     new state rejects the request, the caller is told Rejected. Otherwise
     try again, up to RetryPolicy.Attempts(), then report Conflict.

OUTCOMES:
  Applied   (Resolution: own_write | no_op | observed_winner)
  Rejected  (Rejection.Kind: invalid_transition | forbidden)
  Conflict  (retries exhausted; retryable at the boundary)
*/
package kitchen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/restaurant-engine/generic"
)

const opTransition = "suborder.transition"

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
	OutcomeConflict Outcome = "conflict"
)

type Resolution string

const (
	ResolvedOwnWrite Resolution = "own_write"
	ResolvedNoOp     Resolution = "no_op"
	ResolvedObserved Resolution = "observed_winner"
)

type TransitionRequest struct {
	SubOrderID string
	Target     Status
	Actor      generic.Actor
	Reason     string
}

// Result is the tagged outcome of ApplyTransition. SubOrder is the last
// state observed, whatever the outcome.
type Result struct {
	Outcome    Outcome
	Resolution Resolution
	SubOrder   generic.Record[SubOrder]
	Rejection  *generic.Rejection
	Attempts   int
}

func (r Result) Kind() generic.Kind {
	switch r.Outcome {
	case OutcomeConflict:
		return generic.KindConflict
	case OutcomeRejected:
		if r.Rejection != nil {
			return r.Rejection.Kind
		}
		return generic.KindInvalidTransition
	default:
		return generic.KindNone
	}
}

// Options configures a Service. Zero values are usable.
type Options struct {
	Validator Validator
	Retry     generic.RetryPolicy
	Audit     generic.AuditSink
	Observer  generic.Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

type Service struct {
	store     Store
	guard     *generic.Guard[SubOrder]
	validator Validator
	retry     generic.RetryPolicy
	audit     generic.AuditSink
	observer  generic.Observer
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store Store, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	observer := generic.ObserverOrNop(opts.Observer)
	return &Service{
		store:     store,
		guard:     generic.NewGuard[SubOrder](store, EntityType, observer),
		validator: opts.Validator,
		retry:     opts.Retry,
		audit:     opts.Audit,
		observer:  observer,
		logger:    generic.LoggerOrDefault(opts.Logger).With("component", "kitchen"),
		now:       now,
	}
}

// =============================================================================
// QUERIES AND CREATION
// =============================================================================

// Create registers a new sub-order in PENDING. An empty ID gets a uuid.
func (s *Service) Create(ctx context.Context, so SubOrder, actor generic.Actor) (generic.Record[SubOrder], error) {
	if strings.TrimSpace(so.OrderID) == "" {
		return generic.Record[SubOrder]{}, fmt.Errorf("%w: order id is required", generic.ErrInvalidInput)
	}
	if so.ID == "" {
		so.ID = uuid.NewString()
	}
	now := s.now()
	so.Status = StatusPending
	so.CancellationReason = ""
	so.CreatedAt = now
	so.UpdatedAt = now

	rec, err := s.store.CreateSubOrder(ctx, so)
	if err != nil {
		return generic.Record[SubOrder]{}, fmt.Errorf("create sub-order: %w", err)
	}
	generic.NotifyAudit(ctx, s.audit, s.logger, generic.AuditRecord{
		EntityType: EntityType,
		EntityID:   so.ID,
		ToState:    string(StatusPending),
		Actor:      actor.ID,
		Timestamp:  now,
	})
	return rec, nil
}

func (s *Service) Get(ctx context.Context, id string) (generic.Record[SubOrder], error) {
	return s.guard.Load(ctx, id)
}

func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]generic.Record[SubOrder], error) {
	return s.store.ListSubOrders(ctx, orderID)
}

// =============================================================================
// APPLY TRANSITION
// =============================================================================

func (s *Service) ApplyTransition(ctx context.Context, req TransitionRequest) (Result, error) {
	res, err := s.applyTransition(ctx, req)
	if err != nil {
		return res, err
	}
	s.observer.Outcome(opTransition, string(res.Outcome))
	return res, nil
}

func (s *Service) applyTransition(ctx context.Context, req TransitionRequest) (Result, error) {
	log := s.logger.With("sub_order_id", req.SubOrderID, "target", req.Target, "actor", req.Actor.ID)
	maxAttempts := s.retry.Attempts()

	var last generic.Record[SubOrder]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			s.observer.Retry(opTransition)
		}

		rec, err := s.guard.Load(ctx, req.SubOrderID)
		if err != nil {
			return Result{Attempts: attempt}, err
		}
		last = rec
		current := rec.Value.Status

		// A previous attempt lost a race: the winner's state is authoritative.
		if attempt > 1 && current.Satisfies(req.Target) {
			log.DebugContext(ctx, "race resolved by observed state", "observed", current, "attempt", attempt)
			return Result{Outcome: OutcomeApplied, Resolution: ResolvedObserved, SubOrder: rec, Attempts: attempt}, nil
		}

		decision := s.validator.Decide(current, req.Target, req.Actor.Roles, req.Reason)
		if !decision.Allowed {
			log.InfoContext(ctx, "transition rejected", "current", current, "kind", decision.Kind())
			return Result{Outcome: OutcomeRejected, SubOrder: rec, Rejection: decision.Rejection, Attempts: attempt}, nil
		}
		if current == req.Target {
			return Result{Outcome: OutcomeApplied, Resolution: ResolvedNoOp, SubOrder: rec, Attempts: attempt}, nil
		}

		next := rec.Value
		next.Status = req.Target
		next.UpdatedAt = s.now()
		if req.Target == StatusCancelled {
			next.CancellationReason = strings.TrimSpace(req.Reason)
		}

		att, err := s.guard.Commit(ctx, rec, next)
		if err != nil {
			return Result{SubOrder: rec, Attempts: attempt}, err
		}
		if att.Committed() {
			generic.NotifyAudit(ctx, s.audit, s.logger, generic.AuditRecord{
				EntityType: EntityType,
				EntityID:   rec.ID,
				FromState:  string(current),
				ToState:    string(req.Target),
				Actor:      req.Actor.ID,
				Timestamp:  next.UpdatedAt,
				Reason:     req.Reason,
			})
			log.InfoContext(ctx, "transition applied", "from", current, "version", att.After.Version)
			return Result{Outcome: OutcomeApplied, Resolution: ResolvedOwnWrite, SubOrder: att.After, Attempts: attempt}, nil
		}
		log.DebugContext(ctx, "version conflict", "attempt", attempt, "read_version", rec.Version)
	}

	log.WarnContext(ctx, "transition conflict retries exhausted", "attempts", maxAttempts)
	return Result{
		Outcome:   OutcomeConflict,
		SubOrder:  last,
		Rejection: generic.Reject(generic.KindConflict, "sub-order %s changed concurrently %d times", req.SubOrderID, maxAttempts),
		Attempts:  maxAttempts,
	}, nil
}
