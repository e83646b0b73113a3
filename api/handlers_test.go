/*
handlers_test.go - HTTP boundary tests

Tests for:
- Kind to status mapping (InvalidTransition vs Forbidden are distinct)
- Wallet debit/credit idempotency through the API
- Webhook contract: every understood callback answers 200
- Refund authorization
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/restaurant-engine/generic"
	"github.com/warp/restaurant-engine/kitchen"
	"github.com/warp/restaurant-engine/metrics"
	"github.com/warp/restaurant-engine/payment"
	"github.com/warp/restaurant-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type stubGateway struct{}

func (stubGateway) CreateCharge(_ context.Context, req payment.ChargeRequest) (payment.ChargeResponse, error) {
	return payment.ChargeResponse{GatewayChargeID: "ch_" + req.ExternalReference, Status: "pending"}, nil
}

// brokenPayments fails every reference lookup, as an unreachable database would.
type brokenPayments struct {
	*payment.MemoryStore
}

func (brokenPayments) FindByExternalReference(context.Context, string) (generic.Record[payment.Payment], bool, error) {
	return generic.Record[payment.Payment]{}, false, errors.New("connection refused")
}

type testServer struct {
	router  http.Handler
	ledger  *wallet.Ledger
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, payments payment.Store) *testServer {
	t.Helper()
	if payments == nil {
		payments = payment.NewMemoryStore()
	}
	ledger := wallet.NewLedger(wallet.NewMemoryStore(), wallet.Options{})
	h := NewHandler(Deps{
		Kitchen:  kitchen.NewService(kitchen.NewMemoryStore(), kitchen.Options{Validator: kitchen.NewValidator(false)}),
		Wallets:  ledger,
		Payments: payment.NewService(payments, payment.Options{Gateway: stubGateway{}, Ledger: ledger}),
		Currency: generic.CurrencyAOA,
		Ping:     func(context.Context) error { return nil },
	})
	m := metrics.New()
	return &testServer{
		router:  NewRouter(h, RouterOptions{Metrics: m}),
		ledger:  ledger,
		metrics: m,
	}
}

func (s *testServer) do(t *testing.T, method, path, roles string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerActorID, "actor-1")
	if roles != "" {
		req.Header.Set(headerActorRoles, roles)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) openFundedWallet(t *testing.T, balance string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/wallets", "", OpenWalletRequest{ClientID: "client-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	w := decode[WalletDTO](t, rec)
	if balance != "" {
		rec = s.do(t, http.MethodPost, "/api/wallets/"+w.ID+"/credits", "MANAGER", CreditRequest{Amount: balance, Source: "seed"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	return w.ID
}

// =============================================================================
// STATUS MAPPING
// =============================================================================

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind generic.Kind
		want int
	}{
		{generic.KindNone, http.StatusOK},
		{generic.KindDuplicate, http.StatusOK},
		{generic.KindInvalidTransition, http.StatusConflict},
		{generic.KindForbidden, http.StatusForbidden},
		{generic.KindConflict, http.StatusConflict},
		{generic.KindInsufficientFunds, http.StatusUnprocessableEntity},
		{generic.Kind("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusForKind(tt.kind))
		})
	}
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusForError(generic.NotFound("wallet", "w")))
	assert.Equal(t, http.StatusConflict, statusForError(generic.ErrDuplicateKey))
	assert.Equal(t, http.StatusBadRequest, statusForError(generic.ErrInvalidAmount))
	assert.Equal(t, http.StatusInternalServerError, statusForError(errors.New("disk full")))
}

// =============================================================================
// SUB-ORDERS
// =============================================================================

func TestSubOrderLifecycle_ReportsRejectionsDistinctly(t *testing.T) {
	s := newTestServer(t, nil)

	// GIVEN: a new sub-order
	rec := s.do(t, http.MethodPost, "/api/suborders", "ATTENDANT", CreateSubOrderRequest{OrderID: "order-1", Station: "grill"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	so := decode[SubOrderDTO](t, rec)
	assert.Equal(t, "PENDING", so.Status)
	assert.Equal(t, int64(1), so.Version)
	path := "/api/suborders/" + so.ID + "/transitions"

	// WHEN: the kitchen starts it
	rec = s.do(t, http.MethodPost, path, "KITCHEN", TransitionRequest{Status: "in_preparation"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[TransitionResponse](t, rec)
	assert.Equal(t, "applied", resp.Outcome)
	assert.Equal(t, "own_write", resp.Resolution)
	assert.Equal(t, "IN_PREPARATION", resp.SubOrder.Status)

	// THEN: skipping READY is an invalid transition
	rec = s.do(t, http.MethodPost, path, "ATTENDANT", TransitionRequest{Status: "DELIVERED"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[TransitionResponse](t, rec).Kind)

	// AND: an attendant may not mark it READY
	rec = s.do(t, http.MethodPost, path, "ATTENDANT", TransitionRequest{Status: "READY"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decode[TransitionResponse](t, rec).Kind)

	// AND: cancelling needs a reason, whoever asks
	rec = s.do(t, http.MethodPost, path, "MANAGER", TransitionRequest{Status: "CANCELLED"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, path, "MANAGER", TransitionRequest{Status: "CANCELLED", Reason: "client left"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "client left", decode[TransitionResponse](t, rec).SubOrder.CancellationReason)

	rec = s.do(t, http.MethodGet, "/api/orders/order-1/suborders", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]SubOrderDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "CANCELLED", list[0].Status)
}

func TestSubOrder_BadInput(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/suborders/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/suborders", "", CreateSubOrderRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/suborders/missing/transitions", "KITCHEN", TransitionRequest{Status: "BURNT"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/suborders", strings.NewReader("{not json"))
	out := httptest.NewRecorder()
	s.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

// =============================================================================
// WALLETS
// =============================================================================

func TestWallet_DebitIsIdempotentPerOrder(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.openFundedWallet(t, "50000.00")
	path := "/api/wallets/" + id + "/debits"

	rec := s.do(t, http.MethodPost, path, "ATTENDANT", DebitRequest{OrderID: "order-X", Amount: "25000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[LedgerResponse](t, rec)
	assert.Equal(t, "debited", first.Outcome)
	require.NotNil(t, first.Wallet)
	assert.Equal(t, "25000.00", first.Wallet.Balance)

	rec = s.do(t, http.MethodPost, path, "ATTENDANT", DebitRequest{OrderID: "order-X", Amount: "25000"})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[LedgerResponse](t, rec)
	assert.Equal(t, "already_debited", second.Outcome)
	require.NotNil(t, second.Transaction)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	rec = s.do(t, http.MethodPost, path, "ATTENDANT", DebitRequest{OrderID: "order-Y", Amount: "25000.01"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "insufficient_funds", decode[LedgerResponse](t, rec).Kind)

	rec = s.do(t, http.MethodPost, path, "ATTENDANT", DebitRequest{OrderID: "order-Z", Amount: "ten"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/wallets/"+id+"/transactions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]TransactionDTO](t, rec), 2)
}

func TestWallet_ManualCreditRequiresManager(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.openFundedWallet(t, "")
	path := "/api/wallets/" + id + "/credits"

	rec := s.do(t, http.MethodPost, path, "CLIENT", CreditRequest{Amount: "100"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, path, "MANAGER", CreditRequest{Amount: "100"}, headerIdempotencyKey, "bonus-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "credited", decode[LedgerResponse](t, rec).Outcome)

	rec = s.do(t, http.MethodPost, path, "MANAGER", CreditRequest{Amount: "100"}, headerIdempotencyKey, "bonus-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_applied", decode[LedgerResponse](t, rec).Outcome)

	rec = s.do(t, http.MethodGet, "/api/wallets/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100.00", decode[WalletDTO](t, rec).Balance)
}

func TestWallet_StatusChange(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.openFundedWallet(t, "")

	rec := s.do(t, http.MethodPost, "/api/wallets/"+id+"/status", "CLIENT", WalletStatusRequest{Active: false})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/wallets/"+id+"/status", "ADMIN", WalletStatusRequest{Active: false})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[LedgerResponse](t, rec)
	require.NotNil(t, resp.Wallet)
	assert.False(t, resp.Wallet.Active)
}

// =============================================================================
// PAYMENTS AND WEBHOOK
// =============================================================================

func TestPayment_TopUpThroughWebhook(t *testing.T) {
	s := newTestServer(t, nil)
	walletID := s.openFundedWallet(t, "")
	body := InitiatePaymentRequest{Purpose: "WALLET_TOPUP", Amount: "300", WalletID: walletID}

	// GIVEN: an initiated top-up
	rec := s.do(t, http.MethodPost, "/api/payments", "CLIENT", body, headerIdempotencyKey, "ref-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[InitiatePaymentResponse](t, rec)
	assert.Equal(t, "PENDING", created.Payment.Status)
	assert.Equal(t, "ch_ref-1", created.Payment.GatewayChargeID)

	// AND: a client retry with the same key resolves to it
	rec = s.do(t, http.MethodPost, "/api/payments", "CLIENT", body, headerIdempotencyKey, "ref-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[InitiatePaymentResponse](t, rec).Existing)

	// WHEN: the gateway confirms twice
	amount := "300.00"
	hook := WebhookRequest{ExternalReference: "ref-1", Status: "paid", Amount: &amount, Signature: "sig"}
	rec = s.do(t, http.MethodPost, "/api/webhooks/gateway", "", hook)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, WebhookResponse{Outcome: "processed"}, decode[WebhookResponse](t, rec))

	rec = s.do(t, http.MethodPost, "/api/webhooks/gateway", "", hook)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, WebhookResponse{Outcome: "ignored", Reason: "duplicate"}, decode[WebhookResponse](t, rec))

	// THEN: the wallet was credited once
	rec = s.do(t, http.MethodGet, "/api/wallets/"+walletID, "", nil)
	assert.Equal(t, "300.00", decode[WalletDTO](t, rec).Balance)

	rec = s.do(t, http.MethodGet, "/api/payments/"+created.Payment.ID, "", nil)
	assert.Equal(t, "CONFIRMED", decode[PaymentDTO](t, rec).Status)
}

func TestWebhook_UnknownReferenceIsStillSuccess(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/webhooks/gateway", "", WebhookRequest{ExternalReference: "never-seen", Status: "paid"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, WebhookResponse{Outcome: "ignored", Reason: "unknown_reference"}, decode[WebhookResponse](t, rec))
}

func TestWebhook_UnparsableAmountIsAcknowledged(t *testing.T) {
	s := newTestServer(t, nil)
	walletID := s.openFundedWallet(t, "")
	rec := s.do(t, http.MethodPost, "/api/payments", "CLIENT",
		InitiatePaymentRequest{Purpose: "WALLET_TOPUP", Amount: "300", WalletID: walletID}, headerIdempotencyKey, "ref-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	paymentID := decode[InitiatePaymentResponse](t, rec).Payment.ID

	garbage := "three hundred"
	rec = s.do(t, http.MethodPost, "/api/webhooks/gateway", "", WebhookRequest{ExternalReference: "ref-1", Status: "paid", Amount: &garbage})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, WebhookResponse{Outcome: "ignored", Reason: "malformed_amount"}, decode[WebhookResponse](t, rec))
	rec = s.do(t, http.MethodGet, "/api/payments/"+paymentID, "", nil)
	assert.Equal(t, "PENDING", decode[PaymentDTO](t, rec).Status)
	rec = s.do(t, http.MethodGet, "/api/wallets/"+walletID, "", nil)
	assert.Equal(t, "0.00", decode[WalletDTO](t, rec).Balance)
}

func TestWebhook_StoreFailureAsksForRedelivery(t *testing.T) {
	s := newTestServer(t, brokenPayments{payment.NewMemoryStore()})

	rec := s.do(t, http.MethodPost, "/api/webhooks/gateway", "", WebhookRequest{ExternalReference: "ref-1", Status: "paid"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestPayment_Refund(t *testing.T) {
	s := newTestServer(t, nil)
	walletID := s.openFundedWallet(t, "")
	rec := s.do(t, http.MethodPost, "/api/payments", "CLIENT",
		InitiatePaymentRequest{Purpose: "WALLET_TOPUP", Amount: "300", WalletID: walletID}, headerIdempotencyKey, "ref-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	paymentID := decode[InitiatePaymentResponse](t, rec).Payment.ID
	rec = s.do(t, http.MethodPost, "/api/webhooks/gateway", "", WebhookRequest{ExternalReference: "ref-1", Status: "paid"})
	require.Equal(t, http.StatusOK, rec.Code)
	path := "/api/payments/" + paymentID + "/refund"

	rec = s.do(t, http.MethodPost, path, "CLIENT", RefundRequest{Reason: "changed my mind"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, path, "MANAGER", RefundRequest{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, path, "MANAGER", RefundRequest{Reason: "double charge"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RefundResponse](t, rec)
	assert.Equal(t, "refunded", resp.Outcome)
	assert.Equal(t, "REFUNDED", resp.Payment.Status)
	require.NotNil(t, resp.Reversal)
	assert.Equal(t, "DEBIT", resp.Reversal.Kind)

	rec = s.do(t, http.MethodGet, "/api/wallets/"+walletID, "", nil)
	assert.Equal(t, "0.00", decode[WalletDTO](t, rec).Balance)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `restaurant_http_requests_total{route="/health",status="200"} 1`)
}
