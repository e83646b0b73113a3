// Package payment owns the Payment aggregate: initiation against the
// gateway, idempotent reconciliation of gateway callbacks, and manual
// refunds.
package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warp/restaurant-engine/generic"
)

// EntityType labels payments in audit records, metrics and errors.
const EntityType = "payment"

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// transitions is the payment state table. CONFIRMED -> REFUNDED is the
// single post-terminal edge and is reachable only through Service.Refund.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusFailed},
	StatusConfirmed: {StatusRefunded},
	StatusFailed:    {},
	StatusRefunded:  {},
}

func (s Status) IsTerminal() bool { return s != StatusPending }

func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// =============================================================================
// PURPOSE
// =============================================================================

type Purpose string

const (
	PurposeOrder       Purpose = "ORDER"
	PurposeWalletTopUp Purpose = "WALLET_TOPUP"
)

func ParsePurpose(s string) (Purpose, error) {
	switch p := Purpose(strings.ToUpper(strings.TrimSpace(s))); p {
	case PurposeOrder, PurposeWalletTopUp:
		return p, nil
	case "":
		return PurposeOrder, nil
	default:
		return "", fmt.Errorf("%w: unknown payment purpose %q", generic.ErrInvalidInput, s)
	}
}

// =============================================================================
// PAYMENT
// =============================================================================

// Payment is one logical payment attempt. ExternalReference is unique and
// is the idempotency anchor for creation and for every callback.
type Payment struct {
	ID                string
	ExternalReference string
	GatewayChargeID   string
	Status            Status
	Purpose           Purpose
	Amount            generic.Amount
	OrderID           string
	WalletID          string
	RefundReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FundsWallet reports whether confirming p credits a wallet.
func (p Payment) FundsWallet() bool {
	return p.Purpose == PurposeWalletTopUp && p.WalletID != ""
}

// Store persists payments.
type Store interface {
	generic.VersionStore[Payment]

	// CreatePayment inserts a payment at version 1.
	// Returns generic.ErrDuplicateKey if the id or external reference exists.
	CreatePayment(ctx context.Context, p Payment) (generic.Record[Payment], error)

	// FindByExternalReference looks a payment up by its idempotency anchor.
	FindByExternalReference(ctx context.Context, ref string) (generic.Record[Payment], bool, error)
}
