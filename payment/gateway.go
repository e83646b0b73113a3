package payment

import (
	"context"
	"strings"

	"github.com/warp/restaurant-engine/generic"
)

// Gateway is the outbound payment provider. The gateway package holds the
// HTTP implementation.
type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (ChargeResponse, error)
}

type ChargeRequest struct {
	ExternalReference string
	Amount            generic.Amount
	Description       string
}

// ChargeResponse is what the provider answers synchronously. Status is the
// provider's raw vocabulary and may already be final.
type ChargeResponse struct {
	GatewayChargeID string
	Status          string
}

// =============================================================================
// STATUS NORMALIZATION
// =============================================================================

// statusClass says what a raw gateway status means for the state machine.
type statusClass int

const (
	classFinal statusClass = iota
	classNonFinal
	classUnsupported
)

var (
	confirmedWords = []string{"paid", "success", "successful", "confirmed", "approved", "completed"}
	failedWords    = []string{"failed", "failure", "declined", "rejected", "cancelled", "canceled", "expired"}
	nonFinalWords  = []string{"pending", "processing", "initiated"}
)

// normalizeStatus maps the provider's vocabulary onto Payment statuses.
// "refunded" is unsupported: refunds are manual only.
func normalizeStatus(raw string) (Status, statusClass) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case contains(confirmedWords, s):
		return StatusConfirmed, classFinal
	case contains(failedWords, s):
		return StatusFailed, classFinal
	case contains(nonFinalWords, s):
		return StatusPending, classNonFinal
	default:
		return "", classUnsupported
	}
}

func contains(words []string, s string) bool {
	for _, w := range words {
		if w == s {
			return true
		}
	}
	return false
}
