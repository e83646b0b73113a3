package payment

import (
	"context"
	"strings"

	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/wallet"
)

// =============================================================================
// MANUAL REFUND
// =============================================================================

type RefundOutcome string

const (
	Refunded        RefundOutcome = "refunded"
	AlreadyRefunded RefundOutcome = "already_refunded"
	RefundRejected  RefundOutcome = "rejected"
	RefundConflict  RefundOutcome = "conflict"
)

type RefundRequest struct {
	PaymentID string
	Actor     generic.Actor
	Reason    string
}

type RefundResult struct {
	Outcome   RefundOutcome
	Payment   generic.Record[Payment]
	Reversal  *wallet.DebitResult
	Rejection *generic.Rejection
	Attempts  int
}

func (r RefundResult) Kind() generic.Kind {
	switch r.Outcome {
	case AlreadyRefunded:
		return generic.KindDuplicate
	case RefundConflict:
		return generic.KindConflict
	case RefundRejected:
		if r.Rejection != nil {
			return r.Rejection.Kind
		}
		return generic.KindInvalidTransition
	default:
		return generic.KindNone
	}
}

// Refund moves a CONFIRMED payment to REFUNDED. For top-ups the
// compensating debit commits first: if the wallet can no longer cover it,
// the refund is rejected and the payment stays CONFIRMED.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	res, err := s.refund(ctx, req)
	if err != nil {
		return res, err
	}
	s.observer.Outcome(opRefund, string(res.Outcome))
	return res, nil
}

func (s *Service) refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	log := s.logger.With("payment_id", req.PaymentID, "actor", req.Actor.ID)
	reason := strings.TrimSpace(req.Reason)

	rejected := func(rec generic.Record[Payment], attempt int, r *generic.Rejection) RefundResult {
		log.InfoContext(ctx, "refund rejected", "kind", r.Kind)
		return RefundResult{Outcome: RefundRejected, Payment: rec, Rejection: r, Attempts: attempt}
	}

	maxAttempts := s.retry.Attempts()
	var last generic.Record[Payment]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			s.observer.Retry(opRefund)
		}
		rec, err := s.guard.Load(ctx, req.PaymentID)
		if err != nil {
			return RefundResult{Attempts: attempt}, err
		}
		last = rec
		p := rec.Value

		if p.Status == StatusRefunded {
			return RefundResult{Outcome: AlreadyRefunded, Payment: rec, Attempts: attempt}, nil
		}
		if !CanTransition(p.Status, StatusRefunded) {
			return rejected(rec, attempt, generic.Reject(generic.KindInvalidTransition, "payment is %s, only CONFIRMED payments can be refunded", p.Status)), nil
		}
		if reason == "" {
			return rejected(rec, attempt, generic.Reject(generic.KindInvalidTransition, "refund requires a reason")), nil
		}
		if !req.Actor.Roles.HasAny(generic.RoleManager, generic.RoleAdmin) {
			return rejected(rec, attempt, generic.Reject(generic.KindForbidden, "refunds require MANAGER or ADMIN")), nil
		}

		var reversal *wallet.DebitResult
		if p.FundsWallet() && s.ledger != nil {
			debit, err := s.ledger.Reverse(ctx, wallet.ReverseRequest{
				WalletID:       p.WalletID,
				Amount:         p.Amount,
				IdempotencyKey: "refund:" + p.ExternalReference,
				Source:         "refund:" + p.ID,
				Actor:          req.Actor,
			})
			if err != nil {
				return RefundResult{Payment: rec, Attempts: attempt}, err
			}
			reversal = &debit
			switch debit.Outcome {
			case wallet.Debited, wallet.AlreadyDebited:
			case wallet.DebitConflict:
				return RefundResult{Outcome: RefundConflict, Payment: rec, Reversal: reversal, Rejection: debit.Rejection, Attempts: attempt}, nil
			default:
				res := rejected(rec, attempt, debit.Rejection)
				res.Reversal = reversal
				return res, nil
			}
		}

		next := p
		next.Status = StatusRefunded
		next.RefundReason = reason
		next.UpdatedAt = s.now()
		att, err := s.guard.Commit(ctx, rec, next)
		if err != nil {
			return RefundResult{Payment: rec, Reversal: reversal, Attempts: attempt}, err
		}
		if !att.Committed() {
			continue
		}
		generic.NotifyAudit(ctx, s.audit, s.logger, generic.AuditRecord{
			EntityType: EntityType,
			EntityID:   p.ID,
			FromState:  string(p.Status),
			ToState:    string(StatusRefunded),
			Actor:      req.Actor.ID,
			Timestamp:  next.UpdatedAt,
			Reason:     reason,
		})
		log.InfoContext(ctx, "payment refunded", "version", att.After.Version)
		return RefundResult{Outcome: Refunded, Payment: att.After, Reversal: reversal, Attempts: attempt}, nil
	}

	return RefundResult{
		Outcome:   RefundConflict,
		Payment:   last,
		Rejection: generic.Reject(generic.KindConflict, "payment %s changed concurrently %d times", req.PaymentID, maxAttempts),
		Attempts:  maxAttempts,
	}, nil
}
