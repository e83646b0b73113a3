/*
ledger.go - Consumption-fund ledger

PURPOSE:
  Debits settle orders against a client's prepaid balance, credits top it up.
  Both go through the Version Guard over the wallet aggregate, and both
  append an immutable Transaction atomically with the balance write.

DEBIT ALGORITHM (per attempt):
  1. Load the wallet and its version.
  2. A DEBIT for (wallet, order) already exists?  -> AlreadyDebited
  3. Wallet inactive?                              -> Inactive
  4. balance < amount?                             -> InsufficientFunds (no write)
  5. Guarded commit: balance -= amount, append DEBIT.
  6. Conflict or unique-key violation: go to 1. Step 2 runs again first,
     so a concurrent winner is observed instead of charged twice.

  Loading before the existence check matters: a peer's debit commits the
  transaction and bumps the version together, so either step 2 sees it or
  step 5 conflicts.

CREDIT:
  Symmetric, no upper bound. An idempotency key, when supplied, makes the
  credit exactly-once: a second credit with the same key is AlreadyApplied.

NUMERIC SEMANTICS:
  Amounts are decimal with two fraction digits. Sufficiency is balance >=
  amount. Nothing here rounds; generic.ParseAmount does at the boundary.
*/
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/restaurant-engine/generic"
)

const (
	opDebit     = "wallet.debit"
	opCredit    = "wallet.credit"
	opSetActive = "wallet.set_active"
)

// =============================================================================
// RESULTS
// =============================================================================

type DebitOutcome string

const (
	Debited           DebitOutcome = "debited"
	AlreadyDebited    DebitOutcome = "already_debited"
	InsufficientFunds DebitOutcome = "insufficient_funds"
	DebitInactive     DebitOutcome = "inactive"
	DebitConflict     DebitOutcome = "conflict"
)

// DebitResult carries the committed (or previously committed) transaction
// for Debited and AlreadyDebited.
type DebitResult struct {
	Outcome     DebitOutcome
	Transaction Transaction
	Wallet      generic.Record[Wallet]
	Rejection   *generic.Rejection
	Attempts    int
}

func (r DebitResult) Kind() generic.Kind {
	switch r.Outcome {
	case AlreadyDebited:
		return generic.KindDuplicate
	case InsufficientFunds:
		return generic.KindInsufficientFunds
	case DebitInactive:
		return generic.KindInactive
	case DebitConflict:
		return generic.KindConflict
	default:
		return generic.KindNone
	}
}

type CreditOutcome string

const (
	Credited       CreditOutcome = "credited"
	AlreadyApplied CreditOutcome = "already_applied"
	CreditInactive CreditOutcome = "inactive"
	CreditConflict CreditOutcome = "conflict"
)

type CreditResult struct {
	Outcome     CreditOutcome
	Transaction Transaction
	Wallet      generic.Record[Wallet]
	Rejection   *generic.Rejection
	Attempts    int
}

func (r CreditResult) Kind() generic.Kind {
	switch r.Outcome {
	case AlreadyApplied:
		return generic.KindDuplicate
	case CreditInactive:
		return generic.KindInactive
	case CreditConflict:
		return generic.KindConflict
	default:
		return generic.KindNone
	}
}

// StatusResult is returned by SetActive.
type StatusResult struct {
	Wallet    generic.Record[Wallet]
	Rejection *generic.Rejection
}

// =============================================================================
// REQUESTS
// =============================================================================

type DebitRequest struct {
	WalletID string
	OrderID  string
	Amount   generic.Amount
	Actor    generic.Actor
}

// ReverseRequest debits a wallet to compensate an earlier credit. The
// idempotency key replaces the order as the uniqueness anchor.
type ReverseRequest struct {
	WalletID       string
	Amount         generic.Amount
	IdempotencyKey string
	Source         string
	Actor          generic.Actor
}

type CreditRequest struct {
	WalletID       string
	Amount         generic.Amount
	Source         string
	IdempotencyKey string
	Actor          generic.Actor
}

// =============================================================================
// LEDGER
// =============================================================================

type Options struct {
	Retry    generic.RetryPolicy
	Audit    generic.AuditSink
	Observer generic.Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

type Ledger struct {
	store    Store
	guard    *generic.Guard[Account]
	retry    generic.RetryPolicy
	audit    generic.AuditSink
	observer generic.Observer
	logger   *slog.Logger
	now      func() time.Time
}

func NewLedger(store Store, opts Options) *Ledger {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	observer := generic.ObserverOrNop(opts.Observer)
	return &Ledger{
		store:    store,
		guard:    generic.NewGuard[Account](store, EntityType, observer),
		retry:    opts.Retry,
		audit:    opts.Audit,
		observer: observer,
		logger:   generic.LoggerOrDefault(opts.Logger).With("component", "wallet"),
		now:      now,
	}
}

// Open creates an active, empty wallet for a client.
func (l *Ledger) Open(ctx context.Context, clientID string, currency generic.Currency) (generic.Record[Wallet], error) {
	if strings.TrimSpace(clientID) == "" {
		return generic.Record[Wallet]{}, fmt.Errorf("%w: client id is required", generic.ErrInvalidInput)
	}
	now := l.now()
	w := Wallet{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Balance:   generic.ZeroAmount(currency),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec, err := l.store.CreateWallet(ctx, w)
	if err != nil {
		return generic.Record[Wallet]{}, fmt.Errorf("open wallet: %w", err)
	}
	l.logger.InfoContext(ctx, "wallet opened", "wallet_id", w.ID, "client_id", clientID)
	return view(rec), nil
}

func (l *Ledger) Get(ctx context.Context, walletID string) (generic.Record[Wallet], error) {
	rec, err := l.guard.Load(ctx, walletID)
	if err != nil {
		return generic.Record[Wallet]{}, err
	}
	return view(rec), nil
}

// History returns every transaction of a wallet, oldest first.
func (l *Ledger) History(ctx context.Context, walletID string) ([]Transaction, error) {
	if _, err := l.guard.Load(ctx, walletID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, walletID)
}

// =============================================================================
// DEBIT
// =============================================================================

// Debit settles an order. At most one DEBIT per (wallet, order) is ever
// committed.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return DebitResult{}, fmt.Errorf("%w: order id is required", generic.ErrInvalidInput)
	}
	find := func(ctx context.Context) (Transaction, bool, error) {
		return l.store.FindDebit(ctx, req.WalletID, req.OrderID)
	}
	tx := Transaction{OrderID: req.OrderID, Source: "order:" + req.OrderID}
	return l.debit(ctx, req.WalletID, req.Amount, req.Actor, tx, find)
}

// Reverse is the compensating debit for a refunded credit.
func (l *Ledger) Reverse(ctx context.Context, req ReverseRequest) (DebitResult, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return DebitResult{}, fmt.Errorf("%w: idempotency key is required", generic.ErrInvalidInput)
	}
	find := func(ctx context.Context) (Transaction, bool, error) {
		return l.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	}
	tx := Transaction{IdempotencyKey: req.IdempotencyKey, Source: req.Source}
	return l.debit(ctx, req.WalletID, req.Amount, req.Actor, tx, find)
}

func (l *Ledger) debit(ctx context.Context, walletID string, amount generic.Amount, actor generic.Actor,
	template Transaction, existing func(context.Context) (Transaction, bool, error)) (DebitResult, error) {
	res, err := l.debitLoop(ctx, walletID, amount, actor, template, existing)
	if err != nil {
		return res, err
	}
	l.observer.Outcome(opDebit, string(res.Outcome))
	return res, nil
}

func (l *Ledger) debitLoop(ctx context.Context, walletID string, amount generic.Amount, actor generic.Actor,
	template Transaction, existing func(context.Context) (Transaction, bool, error)) (DebitResult, error) {
	log := l.logger.With("wallet_id", walletID, "order_id", template.OrderID, "amount", amount.String())
	maxAttempts := l.retry.Attempts()

	var last generic.Record[Account]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			l.observer.Retry(opDebit)
		}

		rec, err := l.guard.Load(ctx, walletID)
		if err != nil {
			return DebitResult{Attempts: attempt}, err
		}
		last = rec
		if err := checkAmount(amount, rec.Value.Balance.Currency); err != nil {
			return DebitResult{Wallet: view(rec), Attempts: attempt}, err
		}

		prior, found, err := existing(ctx)
		if err != nil {
			return DebitResult{Wallet: view(rec), Attempts: attempt}, fmt.Errorf("check prior debit: %w", err)
		}
		if found {
			if prior.WalletID != walletID || prior.Kind != KindDebit {
				return DebitResult{Wallet: view(rec), Attempts: attempt},
					fmt.Errorf("%w: idempotency key %s belongs to another transaction", generic.ErrDuplicateKey, prior.IdempotencyKey)
			}
			log.InfoContext(ctx, "debit already recorded", "transaction_id", prior.ID, "attempt", attempt)
			return DebitResult{Outcome: AlreadyDebited, Transaction: prior, Wallet: view(rec), Attempts: attempt}, nil
		}

		if !rec.Value.Active {
			return DebitResult{
				Outcome:   DebitInactive,
				Wallet:    view(rec),
				Rejection: generic.Reject(generic.KindInactive, "wallet %s is inactive", walletID),
				Attempts:  attempt,
			}, nil
		}
		if rec.Value.Balance.LessThan(amount) {
			log.InfoContext(ctx, "insufficient funds", "balance", rec.Value.Balance.String())
			return DebitResult{
				Outcome:   InsufficientFunds,
				Wallet:    view(rec),
				Rejection: generic.Reject(generic.KindInsufficientFunds, "balance %s is below %s", rec.Value.Balance, amount),
				Attempts:  attempt,
			}, nil
		}

		now := l.now()
		next := rec.Value
		next.Balance = next.Balance.Sub(amount)
		next.UpdatedAt = now
		tx := template
		tx.ID = uuid.NewString()
		tx.WalletID = walletID
		tx.Kind = KindDebit
		tx.Amount = amount
		tx.BalanceAfter = next.Balance
		tx.CreatedAt = now
		next.Pending = []Transaction{tx}

		att, err := l.guard.Commit(ctx, rec, next)
		if errors.Is(err, generic.ErrDuplicateKey) {
			log.DebugContext(ctx, "debit unique key taken by a peer", "attempt", attempt)
			continue
		}
		if err != nil {
			return DebitResult{Wallet: view(rec), Attempts: attempt}, err
		}
		if att.Committed() {
			l.notify(ctx, rec, att.After, actor, tx)
			log.InfoContext(ctx, "debit committed", "transaction_id", tx.ID, "version", att.After.Version)
			return DebitResult{Outcome: Debited, Transaction: tx, Wallet: view(att.After), Attempts: attempt}, nil
		}
		log.DebugContext(ctx, "version conflict", "attempt", attempt, "read_version", rec.Version)
	}

	log.WarnContext(ctx, "debit conflict retries exhausted", "attempts", maxAttempts)
	return DebitResult{
		Outcome:   DebitConflict,
		Wallet:    view(last),
		Rejection: generic.Reject(generic.KindConflict, "wallet %s changed concurrently %d times", walletID, maxAttempts),
		Attempts:  maxAttempts,
	}, nil
}

// =============================================================================
// CREDIT
// =============================================================================

func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (CreditResult, error) {
	res, err := l.credit(ctx, req)
	if err != nil {
		return res, err
	}
	l.observer.Outcome(opCredit, string(res.Outcome))
	return res, nil
}

func (l *Ledger) credit(ctx context.Context, req CreditRequest) (CreditResult, error) {
	log := l.logger.With("wallet_id", req.WalletID, "source", req.Source, "amount", req.Amount.String())
	maxAttempts := l.retry.Attempts()

	var last generic.Record[Account]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			l.observer.Retry(opCredit)
		}

		rec, err := l.guard.Load(ctx, req.WalletID)
		if err != nil {
			return CreditResult{Attempts: attempt}, err
		}
		last = rec
		if err := checkAmount(req.Amount, rec.Value.Balance.Currency); err != nil {
			return CreditResult{Wallet: view(rec), Attempts: attempt}, err
		}

		if req.IdempotencyKey != "" {
			prior, found, err := l.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return CreditResult{Wallet: view(rec), Attempts: attempt}, fmt.Errorf("check prior credit: %w", err)
			}
			if found {
				if prior.WalletID != req.WalletID || prior.Kind != KindCredit {
					return CreditResult{Wallet: view(rec), Attempts: attempt},
						fmt.Errorf("%w: idempotency key %s belongs to another transaction", generic.ErrDuplicateKey, req.IdempotencyKey)
				}
				return CreditResult{Outcome: AlreadyApplied, Transaction: prior, Wallet: view(rec), Attempts: attempt}, nil
			}
		}

		if !rec.Value.Active {
			return CreditResult{
				Outcome:   CreditInactive,
				Wallet:    view(rec),
				Rejection: generic.Reject(generic.KindInactive, "wallet %s is inactive", req.WalletID),
				Attempts:  attempt,
			}, nil
		}

		now := l.now()
		next := rec.Value
		next.Balance = next.Balance.Add(req.Amount)
		next.UpdatedAt = now
		tx := Transaction{
			ID:             uuid.NewString(),
			WalletID:       req.WalletID,
			Kind:           KindCredit,
			Amount:         req.Amount,
			Source:         req.Source,
			IdempotencyKey: req.IdempotencyKey,
			BalanceAfter:   next.Balance,
			CreatedAt:      now,
		}
		next.Pending = []Transaction{tx}

		att, err := l.guard.Commit(ctx, rec, next)
		if errors.Is(err, generic.ErrDuplicateKey) {
			continue
		}
		if err != nil {
			return CreditResult{Wallet: view(rec), Attempts: attempt}, err
		}
		if att.Committed() {
			l.notify(ctx, rec, att.After, req.Actor, tx)
			log.InfoContext(ctx, "credit committed", "transaction_id", tx.ID, "version", att.After.Version)
			return CreditResult{Outcome: Credited, Transaction: tx, Wallet: view(att.After), Attempts: attempt}, nil
		}
	}

	log.WarnContext(ctx, "credit conflict retries exhausted", "attempts", maxAttempts)
	return CreditResult{
		Outcome:   CreditConflict,
		Wallet:    view(last),
		Rejection: generic.Reject(generic.KindConflict, "wallet %s changed concurrently %d times", req.WalletID, maxAttempts),
		Attempts:  maxAttempts,
	}, nil
}

// =============================================================================
// ACTIVATION
// =============================================================================

// SetActive enables or disables a wallet. Only MANAGER and ADMIN may do so.
func (l *Ledger) SetActive(ctx context.Context, walletID string, active bool, actor generic.Actor) (StatusResult, error) {
	if !actor.Roles.HasAny(generic.RoleManager, generic.RoleAdmin) {
		rec, err := l.Get(ctx, walletID)
		if err != nil {
			return StatusResult{}, err
		}
		return StatusResult{Wallet: rec, Rejection: generic.Reject(generic.KindForbidden, "changing wallet status requires MANAGER or ADMIN")}, nil
	}

	maxAttempts := l.retry.Attempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		att, err := l.guard.Attempt(ctx, walletID, func(cur Account) (Account, error) {
			if cur.Active == active {
				return cur, generic.ErrSkip
			}
			cur.Active = active
			cur.UpdatedAt = l.now()
			return cur, nil
		})
		if err != nil {
			return StatusResult{}, err
		}
		switch att.Status {
		case generic.AttemptSkipped:
			l.observer.Outcome(opSetActive, "no_op")
			return StatusResult{Wallet: view(att.Before)}, nil
		case generic.AttemptCommitted:
			generic.NotifyAudit(ctx, l.audit, l.logger, generic.AuditRecord{
				EntityType: EntityType,
				EntityID:   walletID,
				FromState:  activeLabel(!active),
				ToState:    activeLabel(active),
				Actor:      actor.ID,
			})
			l.observer.Outcome(opSetActive, "applied")
			return StatusResult{Wallet: view(att.After)}, nil
		}
		l.observer.Retry(opSetActive)
	}

	rec, err := l.Get(ctx, walletID)
	if err != nil {
		return StatusResult{}, err
	}
	l.observer.Outcome(opSetActive, "conflict")
	return StatusResult{Wallet: rec, Rejection: generic.Reject(generic.KindConflict, "wallet %s changed concurrently", walletID)}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func checkAmount(amount generic.Amount, currency generic.Currency) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", generic.ErrInvalidAmount, amount)
	}
	if !amount.HasMinorPrecision() {
		return fmt.Errorf("%w: amount %s has more than %d fraction digits", generic.ErrInvalidAmount, amount.Value, generic.MinorUnits)
	}
	if amount.Currency != currency {
		return fmt.Errorf("%w: currency %s does not match wallet currency %s", generic.ErrInvalidAmount, amount.Currency, currency)
	}
	return nil
}

func activeLabel(active bool) string {
	if active {
		return "ACTIVE"
	}
	return "INACTIVE"
}

func (l *Ledger) notify(ctx context.Context, before, after generic.Record[Account], actor generic.Actor, tx Transaction) {
	reason := string(tx.Kind) + " " + tx.Amount.String()
	if tx.Source != "" {
		reason += " (" + tx.Source + ")"
	}
	generic.NotifyAudit(ctx, l.audit, l.logger, generic.AuditRecord{
		EntityType: EntityType,
		EntityID:   after.ID,
		FromState:  before.Value.Balance.String(),
		ToState:    after.Value.Balance.String(),
		Actor:      actor.ID,
		Timestamp:  tx.CreatedAt,
		Reason:     reason,
	})
}
