/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Result wrappers (outcome + entity)

AMOUNTS:
  Amounts cross the boundary as decimal strings ("2500.00"). They are
  parsed, and rounded half-up to two fraction digits, in the handlers and
  nowhere else.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/kitchen"
	"github.com/warp/restaurant-engine/payment"
	"github.com/warp/restaurant-engine/wallet"
)

// ErrorResponse is the body of every hard failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// OutcomeDTO describes the tagged result of an engine operation. Kind is
// empty on plain success.
type OutcomeDTO struct {
	Outcome   string `json:"outcome"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

func newOutcome(outcome string, kind generic.Kind, rejection *generic.Rejection, attempts int) OutcomeDTO {
	dto := OutcomeDTO{
		Outcome:   outcome,
		Kind:      string(kind),
		Retryable: kind.Retryable(),
		Attempts:  attempts,
	}
	if rejection != nil {
		dto.Message = rejection.Message
	}
	return dto
}

// =============================================================================
// SUB-ORDERS
// =============================================================================

type SubOrderDTO struct {
	ID                 string `json:"id"`
	OrderID            string `json:"order_id"`
	Station            string `json:"station,omitempty"`
	Status             string `json:"status"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
	Version            int64  `json:"version"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

type CreateSubOrderRequest struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Station string `json:"station"`
}

type TransitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type TransitionResponse struct {
	OutcomeDTO
	Resolution string      `json:"resolution,omitempty"`
	SubOrder   SubOrderDTO `json:"sub_order"`
}

func toSubOrderDTO(rec generic.Record[kitchen.SubOrder]) SubOrderDTO {
	so := rec.Value
	return SubOrderDTO{
		ID:                 rec.ID,
		OrderID:            so.OrderID,
		Station:            so.Station,
		Status:             string(so.Status),
		CancellationReason: so.CancellationReason,
		Version:            rec.Version,
		CreatedAt:          formatTime(so.CreatedAt),
		UpdatedAt:          formatTime(so.UpdatedAt),
	}
}

// =============================================================================
// WALLETS
// =============================================================================

type WalletDTO struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
	Active    bool   `json:"active"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type OpenWalletRequest struct {
	ClientID string `json:"client_id"`
	Currency string `json:"currency"`
}

type TransactionDTO struct {
	ID             string `json:"id"`
	WalletID       string `json:"wallet_id"`
	Kind           string `json:"kind"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	OrderID        string `json:"order_id,omitempty"`
	Source         string `json:"source,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	BalanceAfter   string `json:"balance_after"`
	CreatedAt      string `json:"created_at"`
}

type DebitRequest struct {
	OrderID  string `json:"order_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type CreditRequest struct {
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Source         string `json:"source"`
	IdempotencyKey string `json:"idempotency_key"`
}

type WalletStatusRequest struct {
	Active bool `json:"active"`
}

// LedgerResponse answers debits, credits and status changes.
type LedgerResponse struct {
	OutcomeDTO
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Wallet      *WalletDTO      `json:"wallet,omitempty"`
}

func toWalletDTO(rec generic.Record[wallet.Wallet]) WalletDTO {
	w := rec.Value
	return WalletDTO{
		ID:        rec.ID,
		ClientID:  w.ClientID,
		Balance:   w.Balance.String(),
		Currency:  string(w.Balance.Currency),
		Active:    w.Active,
		Version:   rec.Version,
		CreatedAt: formatTime(w.CreatedAt),
		UpdatedAt: formatTime(w.UpdatedAt),
	}
}

func toTransactionDTO(tx wallet.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             tx.ID,
		WalletID:       tx.WalletID,
		Kind:           string(tx.Kind),
		Amount:         tx.Amount.String(),
		Currency:       string(tx.Amount.Currency),
		OrderID:        tx.OrderID,
		Source:         tx.Source,
		IdempotencyKey: tx.IdempotencyKey,
		BalanceAfter:   tx.BalanceAfter.String(),
		CreatedAt:      formatTime(tx.CreatedAt),
	}
}

// ledgerResponse omits the wallet and transaction when nothing was loaded.
func ledgerResponse(outcome OutcomeDTO, tx wallet.Transaction, rec generic.Record[wallet.Wallet]) LedgerResponse {
	resp := LedgerResponse{OutcomeDTO: outcome}
	if tx.ID != "" {
		dto := toTransactionDTO(tx)
		resp.Transaction = &dto
	}
	if rec.ID != "" {
		dto := toWalletDTO(rec)
		resp.Wallet = &dto
	}
	return resp
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentDTO struct {
	ID                string `json:"id"`
	ExternalReference string `json:"external_reference"`
	GatewayChargeID   string `json:"gateway_charge_id,omitempty"`
	Status            string `json:"status"`
	Purpose           string `json:"purpose"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	OrderID           string `json:"order_id,omitempty"`
	WalletID          string `json:"wallet_id,omitempty"`
	RefundReason      string `json:"refund_reason,omitempty"`
	Version           int64  `json:"version"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type InitiatePaymentRequest struct {
	Purpose     string `json:"purpose"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	WalletID    string `json:"wallet_id"`
	Description string `json:"description"`
}

type InitiatePaymentResponse struct {
	Payment      PaymentDTO `json:"payment"`
	Existing     bool       `json:"existing"`
	GatewayError string     `json:"gateway_error,omitempty"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

type RefundResponse struct {
	OutcomeDTO
	Payment  PaymentDTO      `json:"payment"`
	Reversal *TransactionDTO `json:"reversal,omitempty"`
}

// WebhookRequest is the gateway's status notification. The signature is
// verified by the ingress before the request reaches this service.
type WebhookRequest struct {
	ExternalReference string  `json:"external_reference"`
	Status            string  `json:"status"`
	Amount            *string `json:"amount"`
	Currency          string  `json:"currency"`
	GatewayChargeID   string  `json:"gateway_charge_id"`
	Signature         string  `json:"signature"`
}

type WebhookResponse struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

func toPaymentDTO(rec generic.Record[payment.Payment]) PaymentDTO {
	p := rec.Value
	return PaymentDTO{
		ID:                rec.ID,
		ExternalReference: p.ExternalReference,
		GatewayChargeID:   p.GatewayChargeID,
		Status:            string(p.Status),
		Purpose:           string(p.Purpose),
		Amount:            p.Amount.String(),
		Currency:          string(p.Amount.Currency),
		OrderID:           p.OrderID,
		WalletID:          p.WalletID,
		RefundReason:      p.RefundReason,
		Version:           rec.Version,
		CreatedAt:         formatTime(p.CreatedAt),
		UpdatedAt:         formatTime(p.UpdatedAt),
	}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
