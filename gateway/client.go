// Package gateway is the HTTP client for the payment provider. It
// implements payment.Gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/warp/restaurant-engine/payment"
)

// Client creates charges at POST {baseURL}/charges. The external reference
// doubles as the Idempotency-Key header, so a retried request for the same
// payment never opens a second charge at the provider.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type chargeRequest struct {
	ExternalReference string `json:"external_reference"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Description       string `json:"description,omitempty"`
}

type chargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type gatewayError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreateCharge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResponse, error) {
	if c.baseURL == "" {
		return payment.ChargeResponse{}, fmt.Errorf("gateway base URL not set")
	}

	body, err := json.Marshal(chargeRequest{
		ExternalReference: req.ExternalReference,
		Amount:            req.Amount.String(),
		Currency:          string(req.Amount.Currency),
		Description:       req.Description,
	})
	if err != nil {
		return payment.ChargeResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return payment.ChargeResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ExternalReference)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return payment.ChargeResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return payment.ChargeResponse{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var gwErr gatewayError
		if json.Unmarshal(respBody, &gwErr) == nil && gwErr.Error.Message != "" {
			return payment.ChargeResponse{}, fmt.Errorf("gateway error (%d): %s", resp.StatusCode, gwErr.Error.Message)
		}
		return payment.ChargeResponse{}, fmt.Errorf("gateway error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out chargeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return payment.ChargeResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return payment.ChargeResponse{GatewayChargeID: out.ID, Status: out.Status}, nil
}
