/*
service.go - Payment service

PURPOSE:
  Creates payments and drives their state machine. Three entry points:

  Initiate   merchant side: one ExternalReference per logical attempt,
             repeated references resolve to the existing row
  Reconcile  gateway side: idempotent application of callbacks
  Refund     manual side: CONFIRMED -> REFUNDED with a compensating debit

STATE TABLE:
  PENDING ──▶ CONFIRMED ──▶ REFUNDED   (refund is manual only)
     │
     └──────▶ FAILED

LEDGER EFFECTS:
  PENDING -> CONFIRMED   credit  (key: ExternalReference)          top-ups only
  CONFIRMED -> REFUNDED  debit   (key: "refund:"+ExternalReference) top-ups only

  Both keys are unique in the ledger, so re-running an effect after a crash
  or a duplicate callback is a no-op rather than a second movement of money.
*/
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/wallet"
)

const (
	opInitiate  = "payment.initiate"
	opReconcile = "payment.reconcile"
	opRefund    = "payment.refund"
)

// Ledger is the part of wallet.Ledger the payment flows need.
type Ledger interface {
	Get(ctx context.Context, walletID string) (generic.Record[wallet.Wallet], error)
	Credit(ctx context.Context, req wallet.CreditRequest) (wallet.CreditResult, error)
	Reverse(ctx context.Context, req wallet.ReverseRequest) (wallet.DebitResult, error)
}

type Options struct {
	Gateway  Gateway
	Ledger   Ledger
	Retry    generic.RetryPolicy
	Audit    generic.AuditSink
	Observer generic.Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	store    Store
	guard    *generic.Guard[Payment]
	gateway  Gateway
	ledger   Ledger
	retry    generic.RetryPolicy
	audit    generic.AuditSink
	observer generic.Observer
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	observer := generic.ObserverOrNop(opts.Observer)
	return &Service{
		store:    store,
		guard:    generic.NewGuard[Payment](store, EntityType, observer),
		gateway:  opts.Gateway,
		ledger:   opts.Ledger,
		retry:    opts.Retry,
		audit:    opts.Audit,
		observer: observer,
		logger:   generic.LoggerOrDefault(opts.Logger).With("component", "payment"),
		now:      now,
	}
}

func (s *Service) Get(ctx context.Context, id string) (generic.Record[Payment], error) {
	return s.guard.Load(ctx, id)
}

// =============================================================================
// INITIATE
// =============================================================================

type InitiateRequest struct {
	// ExternalReference is optional. Callers retrying the same business
	// intent pass the reference they got the first time.
	ExternalReference string
	Purpose           Purpose
	Amount            generic.Amount
	OrderID           string
	WalletID          string
	Description       string
	Actor             generic.Actor
}

type InitiateResult struct {
	Payment generic.Record[Payment]
	// Existing is true when the reference resolved to a payment created
	// by an earlier call.
	Existing bool
	// GatewayError is set when the charge could not be created. The payment
	// stays PENDING.
	GatewayError string
}

func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if err := s.validateInitiate(ctx, req); err != nil {
		return InitiateResult{}, err
	}
	ref := strings.TrimSpace(req.ExternalReference)
	if ref == "" {
		ref = uuid.NewString()
	}
	log := s.logger.With("external_reference", ref)

	if rec, found, err := s.store.FindByExternalReference(ctx, ref); err != nil {
		return InitiateResult{}, fmt.Errorf("lookup payment %s: %w", ref, err)
	} else if found {
		return s.existing(ctx, rec, req)
	}

	now := s.now()
	p := Payment{
		ID:                uuid.NewString(),
		ExternalReference: ref,
		Status:            StatusPending,
		Purpose:           req.Purpose,
		Amount:            req.Amount,
		OrderID:           req.OrderID,
		WalletID:          req.WalletID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	rec, err := s.store.CreatePayment(ctx, p)
	if errors.Is(err, generic.ErrDuplicateKey) {
		// A concurrent Initiate with the same reference won the insert.
		rec, found, ferr := s.store.FindByExternalReference(ctx, ref)
		if ferr != nil {
			return InitiateResult{}, fmt.Errorf("lookup payment %s: %w", ref, ferr)
		}
		if found {
			return s.existing(ctx, rec, req)
		}
		return InitiateResult{}, fmt.Errorf("create payment: %w", err)
	}
	if err != nil {
		return InitiateResult{}, fmt.Errorf("create payment: %w", err)
	}
	generic.NotifyAudit(ctx, s.audit, s.logger, generic.AuditRecord{
		EntityType: EntityType,
		EntityID:   p.ID,
		ToState:    string(StatusPending),
		Actor:      req.Actor.ID,
		Timestamp:  now,
	})
	log.InfoContext(ctx, "payment created", "payment_id", p.ID, "purpose", p.Purpose, "amount", p.Amount.String())

	res := InitiateResult{Payment: rec}
	if s.gateway == nil {
		s.observer.Outcome(opInitiate, "created")
		return res, nil
	}

	charge, err := s.gateway.CreateCharge(ctx, ChargeRequest{ExternalReference: ref, Amount: p.Amount, Description: req.Description})
	if err != nil {
		log.WarnContext(ctx, "gateway charge failed, payment left pending", "err", err)
		res.GatewayError = err.Error()
		s.observer.Outcome(opInitiate, "gateway_error")
		return res, nil
	}
	if rec, err = s.recordCharge(ctx, rec, charge); err != nil {
		return res, err
	}
	res.Payment = rec
	s.observer.Outcome(opInitiate, "created")
	return res, nil
}

func (s *Service) validateInitiate(ctx context.Context, req InitiateRequest) error {
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: payment amount must be positive", generic.ErrInvalidAmount)
	}
	if !req.Amount.HasMinorPrecision() {
		return fmt.Errorf("%w: payment amount %s has more than %d fraction digits", generic.ErrInvalidAmount, req.Amount.Value, generic.MinorUnits)
	}
	switch req.Purpose {
	case PurposeOrder:
		if strings.TrimSpace(req.OrderID) == "" {
			return fmt.Errorf("%w: order payments need an order id", generic.ErrInvalidInput)
		}
	case PurposeWalletTopUp:
		if strings.TrimSpace(req.WalletID) == "" {
			return fmt.Errorf("%w: top-ups need a wallet id", generic.ErrInvalidInput)
		}
		if s.ledger != nil {
			w, err := s.ledger.Get(ctx, req.WalletID)
			if err != nil {
				return err
			}
			if w.Value.Balance.Currency != req.Amount.Currency {
				return fmt.Errorf("%w: top-up currency %s does not match wallet currency %s",
					generic.ErrInvalidAmount, req.Amount.Currency, w.Value.Balance.Currency)
			}
		}
	default:
		return fmt.Errorf("%w: unknown payment purpose %q", generic.ErrInvalidInput, req.Purpose)
	}
	return nil
}

// existing resolves a repeated reference. The same reference with a
// different amount or target is a reused key, not a retry. A pending payment
// whose charge was never created gets the charge on the retry; the gateway
// deduplicates by reference.
func (s *Service) existing(ctx context.Context, rec generic.Record[Payment], req InitiateRequest) (InitiateResult, error) {
	p := rec.Value
	if !p.Amount.Equal(req.Amount) || p.Purpose != req.Purpose || p.OrderID != req.OrderID || p.WalletID != req.WalletID {
		return InitiateResult{}, fmt.Errorf("%w: external reference %s already used for a different payment",
			generic.ErrDuplicateKey, p.ExternalReference)
	}
	res := InitiateResult{Payment: rec, Existing: true}
	if p.Status != StatusPending || p.GatewayChargeID != "" || s.gateway == nil {
		s.observer.Outcome(opInitiate, "existing")
		return res, nil
	}

	log := s.logger.With("external_reference", p.ExternalReference, "payment_id", p.ID)
	charge, err := s.gateway.CreateCharge(ctx, ChargeRequest{ExternalReference: p.ExternalReference, Amount: p.Amount, Description: req.Description})
	if err != nil {
		log.WarnContext(ctx, "gateway charge retry failed, payment left pending", "err", err)
		res.GatewayError = err.Error()
		s.observer.Outcome(opInitiate, "gateway_error")
		return res, nil
	}
	if rec, err = s.recordCharge(ctx, rec, charge); err != nil {
		return res, err
	}
	log.InfoContext(ctx, "gateway charge created on retry", "gateway_charge_id", charge.GatewayChargeID)
	res.Payment = rec
	s.observer.Outcome(opInitiate, "existing")
	return res, nil
}

// recordCharge stores the gateway charge id and applies a synchronously
// final status through the callback path.
func (s *Service) recordCharge(ctx context.Context, rec generic.Record[Payment], charge ChargeResponse) (generic.Record[Payment], error) {
	if charge.GatewayChargeID != "" {
		att, err := s.guard.Attempt(ctx, rec.ID, func(cur Payment) (Payment, error) {
			if cur.GatewayChargeID != "" {
				return cur, generic.ErrSkip
			}
			cur.GatewayChargeID = charge.GatewayChargeID
			cur.UpdatedAt = s.now()
			return cur, nil
		})
		if err != nil {
			return rec, err
		}
		if att.Committed() {
			rec = att.After
		}
	}

	if _, class := normalizeStatus(charge.Status); class != classFinal {
		return rec, nil
	}
	amount := rec.Value.Amount
	res, err := s.Reconcile(ctx, ReconcileRequest{
		ExternalReference: rec.Value.ExternalReference,
		Status:            charge.Status,
		Amount:            &amount,
		GatewayChargeID:   charge.GatewayChargeID,
	})
	if err != nil {
		return rec, err
	}
	if res.Payment.ID != "" {
		rec = res.Payment
	}
	return rec, nil
}
