/*
handlers.go - HTTP API handlers for the restaurant operations core

PURPOSE:
  Exposes the kitchen, wallet and payment services via REST. Handlers parse
  the request, build the actor, call exactly one engine operation and map
  its tagged result to a status code. No business rule lives here.

ENDPOINTS:
  Sub-orders:
    POST   /api/suborders                    Create (PENDING)
    GET    /api/suborders/{id}               Get
    POST   /api/suborders/{id}/transitions   Apply a status transition
    GET    /api/orders/{id}/suborders        List sub-orders of an order

  Wallets:
    POST   /api/wallets                      Open a wallet for a client
    GET    /api/wallets/{id}                 Get balance
    GET    /api/wallets/{id}/transactions    Ledger history
    POST   /api/wallets/{id}/debits          Settle an order
    POST   /api/wallets/{id}/credits         Manual credit (MANAGER, ADMIN)
    POST   /api/wallets/{id}/status          Activate / deactivate

  Payments:
    POST   /api/payments                     Initiate (Idempotency-Key header)
    GET    /api/payments/{id}                Get
    POST   /api/payments/{id}/refund         Manual refund

  Gateway:
    POST   /api/webhooks/gateway             Status callback

ACTOR:
  Identity is authenticated upstream and arrives in X-Actor-ID and
  X-Actor-Roles (comma separated). A missing header means no roles.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Kind and error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/kitchen"
	"github.com/warp/restaurant-engine/payment"
	"github.com/warp/restaurant-engine/wallet"
)

const (
	headerActorID        = "X-Actor-ID"
	headerActorRoles     = "X-Actor-Roles"
	headerIdempotencyKey = "Idempotency-Key"

	maxBodyBytes = 1 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the services a Handler delegates to.
type Deps struct {
	Kitchen  *kitchen.Service
	Wallets  *wallet.Ledger
	Payments *payment.Service
	// Currency is applied to amounts that arrive without one.
	Currency generic.Currency
	// Ping reports store health for GET /health. Optional.
	Ping   func(context.Context) error
	Logger *slog.Logger
}

type Handler struct {
	kitchen  *kitchen.Service
	wallets  *wallet.Ledger
	payments *payment.Service
	currency generic.Currency
	ping     func(context.Context) error
	logger   *slog.Logger
}

func NewHandler(d Deps) *Handler {
	currency := d.Currency
	if currency == "" {
		currency = generic.CurrencyAOA
	}
	return &Handler{
		kitchen:  d.Kitchen,
		wallets:  d.Wallets,
		payments: d.Payments,
		currency: currency,
		ping:     d.Ping,
		logger:   generic.LoggerOrDefault(d.Logger).With("component", "api"),
	}
}

// =============================================================================
// SUB-ORDER ENDPOINTS
// =============================================================================

func (h *Handler) CreateSubOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateSubOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := h.kitchen.Create(r.Context(), kitchen.SubOrder{
		ID:      strings.TrimSpace(req.ID),
		OrderID: req.OrderID,
		Station: req.Station,
	}, actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubOrderDTO(rec))
}

func (h *Handler) GetSubOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := h.kitchen.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubOrderDTO(rec))
}

func (h *Handler) ListOrderSubOrders(w http.ResponseWriter, r *http.Request) {
	recs, err := h.kitchen.ListByOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	out := make([]SubOrderDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toSubOrderDTO(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// TransitionSubOrder reports InvalidTransition and Forbidden distinctly so
// a UI can tell "already cancelled" from "not allowed".
func (h *Handler) TransitionSubOrder(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, err := kitchen.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status", err)
		return
	}

	res, err := h.kitchen.ApplyTransition(r.Context(), kitchen.TransitionRequest{
		SubOrderID: chi.URLParam(r, "id"),
		Target:     target,
		Actor:      actorFrom(r),
		Reason:     req.Reason,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	kind := res.Kind()
	writeJSON(w, statusForKind(kind), TransitionResponse{
		OutcomeDTO: newOutcome(string(res.Outcome), kind, res.Rejection, res.Attempts),
		Resolution: string(res.Resolution),
		SubOrder:   toSubOrderDTO(res.SubOrder),
	})
}

// =============================================================================
// WALLET ENDPOINTS
// =============================================================================

func (h *Handler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	var req OpenWalletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := h.wallets.Open(r.Context(), req.ClientID, h.currencyOr(req.Currency))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(rec))
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.wallets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(rec))
}

func (h *Handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.wallets.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) DebitWallet(w http.ResponseWriter, r *http.Request) {
	var req DebitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := generic.ParseAmount(req.Amount, h.currencyOr(req.Currency))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	res, err := h.wallets.Debit(r.Context(), wallet.DebitRequest{
		WalletID: chi.URLParam(r, "id"),
		OrderID:  req.OrderID,
		Amount:   amount,
		Actor:    actorFrom(r),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	kind := res.Kind()
	writeJSON(w, statusForKind(kind), ledgerResponse(
		newOutcome(string(res.Outcome), kind, res.Rejection, res.Attempts), res.Transaction, res.Wallet))
}

// CreditWallet is the manual credit path. Top-ups normally arrive through
// a confirmed payment instead.
func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor := actorFrom(r)
	if !actor.Roles.HasAny(generic.RoleManager, generic.RoleAdmin) {
		rej := generic.Reject(generic.KindForbidden, "manual credits require MANAGER or ADMIN")
		writeJSON(w, http.StatusForbidden, LedgerResponse{OutcomeDTO: newOutcome("rejected", rej.Kind, rej, 0)})
		return
	}
	amount, err := generic.ParseAmount(req.Amount, h.currencyOr(req.Currency))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "manual:" + actor.ID
	}

	res, err := h.wallets.Credit(r.Context(), wallet.CreditRequest{
		WalletID:       chi.URLParam(r, "id"),
		Amount:         amount,
		Source:         source,
		IdempotencyKey: firstNonEmpty(req.IdempotencyKey, r.Header.Get(headerIdempotencyKey)),
		Actor:          actor,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	kind := res.Kind()
	writeJSON(w, statusForKind(kind), ledgerResponse(
		newOutcome(string(res.Outcome), kind, res.Rejection, res.Attempts), res.Transaction, res.Wallet))
}

func (h *Handler) SetWalletStatus(w http.ResponseWriter, r *http.Request) {
	var req WalletStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.wallets.SetActive(r.Context(), chi.URLParam(r, "id"), req.Active, actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	kind, outcome := generic.KindNone, "applied"
	if res.Rejection != nil {
		kind, outcome = res.Rejection.Kind, "rejected"
	}
	writeJSON(w, statusForKind(kind), ledgerResponse(newOutcome(outcome, kind, res.Rejection, 0), wallet.Transaction{}, res.Wallet))
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

// InitiatePayment creates a payment and its gateway charge. Clients retrying
// the same intent resend the Idempotency-Key they used the first time.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	purpose, err := payment.ParsePurpose(req.Purpose)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid purpose", err)
		return
	}
	amount, err := generic.ParseAmount(req.Amount, h.currencyOr(req.Currency))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	res, err := h.payments.Initiate(r.Context(), payment.InitiateRequest{
		ExternalReference: r.Header.Get(headerIdempotencyKey),
		Purpose:           purpose,
		Amount:            amount,
		OrderID:           req.OrderID,
		WalletID:          req.WalletID,
		Description:       req.Description,
		Actor:             actorFrom(r),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, InitiatePaymentResponse{
		Payment:      toPaymentDTO(res.Payment),
		Existing:     res.Existing,
		GatewayError: res.GatewayError,
	})
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	rec, err := h.payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(rec))
}

func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.payments.Refund(r.Context(), payment.RefundRequest{
		PaymentID: chi.URLParam(r, "id"),
		Actor:     actorFrom(r),
		Reason:    req.Reason,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	kind := res.Kind()
	resp := RefundResponse{
		OutcomeDTO: newOutcome(string(res.Outcome), kind, res.Rejection, res.Attempts),
		Payment:    toPaymentDTO(res.Payment),
	}
	if res.Reversal != nil && res.Reversal.Transaction.ID != "" {
		dto := toTransactionDTO(res.Reversal.Transaction)
		resp.Reversal = &dto
	}
	writeJSON(w, statusForKind(kind), resp)
}

// =============================================================================
// GATEWAY WEBHOOK
// =============================================================================

// GatewayWebhook answers 200 for every callback the reconciler understood,
// Processed or Ignored, so the gateway never redelivers a handled event.
// A conflict that survived every retry answers 503 and a hard failure 500:
// both ask the gateway to deliver again.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ExternalReference) == "" {
		writeError(w, http.StatusBadRequest, "external_reference is required", nil)
		return
	}

	rr := payment.ReconcileRequest{
		ExternalReference: req.ExternalReference,
		Status:            req.Status,
		GatewayChargeID:   req.GatewayChargeID,
	}
	log := h.logger.With("external_reference", req.ExternalReference, "status", req.Status)
	if req.Amount != nil {
		if amount, err := generic.ParseAmount(*req.Amount, h.currencyOr(req.Currency)); err != nil {
			// The reconciler ignores it and flags the payment for review.
			log.WarnContext(r.Context(), "webhook amount does not parse", "amount", *req.Amount)
			rr.MalformedAmount = *req.Amount
		} else {
			rr.Amount = &amount
		}
	}

	res, err := h.payments.Reconcile(r.Context(), rr)
	if err != nil {
		log.ErrorContext(r.Context(), "webhook not applied", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}

	body := WebhookResponse{Outcome: string(res.Outcome), Reason: string(res.Reason)}
	if !res.Understood() {
		log.WarnContext(r.Context(), "webhook conflict, asking gateway to redeliver", "attempts", res.Attempts)
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func actorFrom(r *http.Request) generic.Actor {
	return generic.Actor{
		ID:    strings.TrimSpace(r.Header.Get(headerActorID)),
		Roles: generic.ParseRoles(r.Header.Get(headerActorRoles)),
	}
}

func (h *Handler) currencyOr(s string) generic.Currency {
	if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
		return generic.Currency(s)
	}
	return h.currency
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", fmt.Errorf("%w: %v", generic.ErrInvalidInput, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
