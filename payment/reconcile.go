/*
reconcile.go - Payment callback reconciler

PURPOSE:
  Applies gateway callbacks exactly once per logical event. Callbacks may be
  duplicated, reordered, or refer to payments this system never created.

DECISION TABLE (after lookup by ExternalReference):
  no such payment                      Ignored(unknown_reference), never created
  status is non-final (pending, ...)   Ignored(non_final)
  status not understood / "refunded"   Ignored(unsupported_status)
  terminal, same status                Ignored(duplicate), ledger effect re-ensured
  terminal, different status           Ignored(conflicting_terminal), review flag
  PENDING, confirm, amount unparsable  Ignored(malformed_amount), review flag
  PENDING, confirm, amount differs     Ignored(amount_mismatch), review flag
  PENDING                              guarded commit -> Processed
  confirmed, wallet credit contended   Conflict (redelivery retries the credit)

BOUNDARY CONTRACT:
  Processed and Ignored are both "understood": the webhook answers 200.
  A returned error means the callback was not understood (store outage,
  ledger outage after confirmation) and the gateway should redeliver.
*/
package payment

import (
	"context"
	"strconv"
	"strings"

	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/wallet"
)

type ReconcileOutcome string

const (
	Processed         ReconcileOutcome = "processed"
	Ignored           ReconcileOutcome = "ignored"
	ReconcileConflict ReconcileOutcome = "conflict"
)

type IgnoreReason string

const (
	ReasonUnknownReference    IgnoreReason = "unknown_reference"
	ReasonDuplicate           IgnoreReason = "duplicate"
	ReasonConflictingTerminal IgnoreReason = "conflicting_terminal"
	ReasonNonFinal            IgnoreReason = "non_final"
	ReasonUnsupportedStatus   IgnoreReason = "unsupported_status"
	ReasonAmountMismatch      IgnoreReason = "amount_mismatch"
	ReasonMalformedAmount     IgnoreReason = "malformed_amount"
)

// ReconcileRequest is one gateway notification. Signature verification
// happens upstream. Amount is nil when the gateway did not report one.
// MalformedAmount holds the raw value when the gateway sent an amount that
// does not parse.
type ReconcileRequest struct {
	ExternalReference string
	Status            string
	Amount            *generic.Amount
	MalformedAmount   string
	GatewayChargeID   string
}

type ReconcileResult struct {
	Outcome ReconcileOutcome
	Reason  IgnoreReason
	Payment generic.Record[Payment]
	// Credit is set when a confirmation touched the ledger.
	Credit   *wallet.CreditResult
	Attempts int
}

func (r ReconcileResult) Kind() generic.Kind {
	switch {
	case r.Outcome == ReconcileConflict:
		return generic.KindConflict
	case r.Reason == ReasonDuplicate:
		return generic.KindDuplicate
	case r.Reason == ReasonUnknownReference:
		return generic.KindUnknownReference
	case r.Reason == ReasonConflictingTerminal:
		return generic.KindConflictingTerminalState
	default:
		return generic.KindNone
	}
}

// Understood reports whether the gateway must be told the callback was
// handled.
func (r ReconcileResult) Understood() bool { return r.Outcome != ReconcileConflict }

func ignored(reason IgnoreReason, rec generic.Record[Payment], attempts int) ReconcileResult {
	return ReconcileResult{Outcome: Ignored, Reason: reason, Payment: rec, Attempts: attempts}
}

// =============================================================================
// RECONCILE
// =============================================================================

func (s *Service) Reconcile(ctx context.Context, req ReconcileRequest) (ReconcileResult, error) {
	res, err := s.reconcile(ctx, req)
	if err != nil {
		s.observer.Outcome(opReconcile, "error")
		return res, err
	}
	label := string(res.Outcome)
	if res.Reason != "" {
		label = string(res.Reason)
	}
	s.observer.Outcome(opReconcile, label)
	return res, nil
}

func (s *Service) reconcile(ctx context.Context, req ReconcileRequest) (ReconcileResult, error) {
	ref := strings.TrimSpace(req.ExternalReference)
	log := s.logger.With("external_reference", ref, "reported_status", req.Status)

	rec, found, err := s.store.FindByExternalReference(ctx, ref)
	if err != nil {
		return ReconcileResult{}, err
	}
	if !found {
		log.WarnContext(ctx, "callback for unknown payment ignored")
		return ignored(ReasonUnknownReference, generic.Record[Payment]{}, 1), nil
	}

	target, class := normalizeStatus(req.Status)
	switch class {
	case classNonFinal:
		log.DebugContext(ctx, "non-final callback ignored", "payment_id", rec.ID)
		return ignored(ReasonNonFinal, rec, 1), nil
	case classUnsupported:
		log.WarnContext(ctx, "unsupported callback status ignored", "payment_id", rec.ID)
		return ignored(ReasonUnsupportedStatus, rec, 1), nil
	}

	maxAttempts := s.retry.Attempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			s.observer.Retry(opReconcile)
			if rec, err = s.guard.Load(ctx, rec.ID); err != nil {
				return ReconcileResult{Attempts: attempt}, err
			}
		}
		p := rec.Value

		if p.Status.IsTerminal() {
			if p.Status == target {
				res := ignored(ReasonDuplicate, rec, attempt)
				if target == StatusConfirmed {
					credit, err := s.ensureCredit(ctx, p)
					if err != nil {
						return res, err
					}
					res.Credit = credit
					if creditContended(credit) {
						return creditConflict(rec, credit, attempt), nil
					}
				}
				log.InfoContext(ctx, "duplicate callback", "payment_id", p.ID, "status", p.Status)
				return res, nil
			}
			log.WarnContext(ctx, "callback conflicts with terminal payment", "payment_id", p.ID, "status", p.Status, "target", target)
			s.flagReview(ctx, p, target, "gateway reported "+string(target)+" for a "+string(p.Status)+" payment")
			return ignored(ReasonConflictingTerminal, rec, attempt), nil
		}

		if target == StatusConfirmed && req.MalformedAmount != "" {
			log.WarnContext(ctx, "confirmation with malformed amount ignored", "payment_id", p.ID, "amount", req.MalformedAmount)
			s.flagReview(ctx, p, target, "gateway confirmed unparsable amount "+strconv.Quote(req.MalformedAmount))
			return ignored(ReasonMalformedAmount, rec, attempt), nil
		}
		if target == StatusConfirmed && req.Amount != nil && !req.Amount.Equal(p.Amount) {
			log.WarnContext(ctx, "confirmation amount mismatch", "payment_id", p.ID,
				"expected", p.Amount.String(), "reported", req.Amount.String())
			s.flagReview(ctx, p, target, "gateway confirmed "+req.Amount.String()+" for a payment of "+p.Amount.String())
			return ignored(ReasonAmountMismatch, rec, attempt), nil
		}

		next := p
		next.Status = target
		next.UpdatedAt = s.now()
		if req.GatewayChargeID != "" {
			next.GatewayChargeID = req.GatewayChargeID
		}
		att, err := s.guard.Commit(ctx, rec, next)
		if err != nil {
			return ReconcileResult{Payment: rec, Attempts: attempt}, err
		}
		if !att.Committed() {
			log.DebugContext(ctx, "version conflict", "attempt", attempt, "read_version", rec.Version)
			continue
		}

		generic.NotifyAudit(ctx, s.audit, s.logger, generic.AuditRecord{
			EntityType: EntityType,
			EntityID:   p.ID,
			FromState:  string(p.Status),
			ToState:    string(target),
			Actor:      generic.SystemActor.ID,
			Timestamp:  next.UpdatedAt,
		})
		log.InfoContext(ctx, "callback applied", "payment_id", p.ID, "status", target, "version", att.After.Version)

		res := ReconcileResult{Outcome: Processed, Payment: att.After, Attempts: attempt}
		if target == StatusConfirmed {
			credit, err := s.ensureCredit(ctx, next)
			if err != nil {
				return res, err
			}
			res.Credit = credit
			if creditContended(credit) {
				return creditConflict(att.After, credit, attempt), nil
			}
		}
		return res, nil
	}

	log.WarnContext(ctx, "callback conflict retries exhausted", "attempts", maxAttempts)
	return ReconcileResult{Outcome: ReconcileConflict, Payment: rec, Attempts: maxAttempts}, nil
}

// ensureCredit applies the top-up credit of a confirmed payment. The
// ExternalReference idempotency key makes repeated calls harmless. Business
// refusals (inactive wallet) cannot be fixed by redelivery and are flagged
// for review instead of returned. A credit that lost every wallet race is
// returned as is; the caller reports a conflict so the gateway redelivers
// and the duplicate path retries the credit.
func (s *Service) ensureCredit(ctx context.Context, p Payment) (*wallet.CreditResult, error) {
	if !p.FundsWallet() || s.ledger == nil {
		return nil, nil
	}
	res, err := s.ledger.Credit(ctx, wallet.CreditRequest{
		WalletID:       p.WalletID,
		Amount:         p.Amount,
		Source:         "payment:" + p.ID,
		IdempotencyKey: p.ExternalReference,
		Actor:          generic.SystemActor,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "top-up credit failed after confirmation",
			"payment_id", p.ID, "wallet_id", p.WalletID, "err", err)
		return nil, err
	}
	switch res.Outcome {
	case wallet.Credited, wallet.AlreadyApplied:
	case wallet.CreditConflict:
		s.logger.WarnContext(ctx, "top-up credit contended after confirmation",
			"payment_id", p.ID, "wallet_id", p.WalletID, "attempts", res.Attempts)
	default:
		s.logger.ErrorContext(ctx, "top-up credit refused after confirmation",
			"payment_id", p.ID, "wallet_id", p.WalletID, "outcome", res.Outcome)
		s.flagReview(ctx, p, p.Status, "wallet credit "+string(res.Outcome)+" after confirmation")
	}
	return &res, nil
}

func creditContended(credit *wallet.CreditResult) bool {
	return credit != nil && credit.Outcome == wallet.CreditConflict
}

// creditConflict reports a confirmed payment whose credit is still owed.
func creditConflict(rec generic.Record[Payment], credit *wallet.CreditResult, attempts int) ReconcileResult {
	return ReconcileResult{Outcome: ReconcileConflict, Payment: rec, Credit: credit, Attempts: attempts}
}

func (s *Service) flagReview(ctx context.Context, p Payment, reported Status, reason string) {
	generic.NotifyAudit(ctx, s.audit, s.logger, generic.AuditRecord{
		EntityType:     EntityType,
		EntityID:       p.ID,
		FromState:      string(p.Status),
		ToState:        string(reported),
		Actor:          generic.SystemActor.ID,
		Timestamp:      s.now(),
		Reason:         reason,
		ReviewRequired: true,
	})
}
