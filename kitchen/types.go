// Package kitchen implements the sub-order lifecycle: a pure transition
// validator and a service that applies transitions under optimistic
// concurrency.
package kitchen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warp/restaurant-engine/generic"
)

// EntityType labels sub-orders in audit records, metrics and errors.
const EntityType = "sub_order"

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusInPreparation Status = "IN_PREPARATION"
	StatusReady         Status = "READY"
	StatusDelivered     Status = "DELIVERED"
	StatusCancelled     Status = "CANCELLED"
)

// ParseStatus accepts any casing and surrounding whitespace.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: unknown sub-order status %q", generic.ErrInvalidInput, s)
	}
	return st, nil
}

// IsTerminal reports whether no outgoing transition exists from s.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// progress orders the happy path. CANCELLED is off the path.
var progress = map[Status]int{
	StatusPending:       0,
	StatusInPreparation: 1,
	StatusReady:         2,
	StatusDelivered:     3,
}

// Satisfies reports whether an entity observed in s already fulfils a
// request for target: same state, or further along the happy path.
func (s Status) Satisfies(target Status) bool {
	if s == target {
		return true
	}
	if s == StatusCancelled || target == StatusCancelled {
		return false
	}
	observed, ok1 := progress[s]
	wanted, ok2 := progress[target]
	return ok1 && ok2 && observed > wanted
}

// =============================================================================
// SUB-ORDER
// =============================================================================

// SubOrder is the kitchen-routed portion of an order. Rows are never
// deleted; Status only moves through Service.ApplyTransition.
type SubOrder struct {
	ID                 string
	OrderID            string
	Station            string
	Status             Status
	CancellationReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Store persists sub-orders. Load and Commit come from VersionStore.
type Store interface {
	generic.VersionStore[SubOrder]

	// CreateSubOrder inserts a new row at version 1.
	// Returns generic.ErrDuplicateKey if the id exists.
	CreateSubOrder(ctx context.Context, so SubOrder) (generic.Record[SubOrder], error)

	// ListSubOrders returns the sub-orders of an order, oldest first.
	ListSubOrders(ctx context.Context, orderID string) ([]generic.Record[SubOrder], error)
}
