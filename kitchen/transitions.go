/*
transitions.go - Sub-order transition validator

PURPOSE:
  Decides whether a caller may move a sub-order from its current status to
  a target status. Pure function: no I/O, no clock, no environment.

TRANSITION GRAPH:
  PENDING ──▶ IN_PREPARATION ──▶ READY ──▶ DELIVERED
     │              │              │
     └──────────────┴──────────────┴──▶ CANCELLED

RULES (evaluated in order):
  1. current == target                 Allow (idempotent, no role check)
  2. current is terminal               Reject(Invalid)
  3. edge not in the graph             Reject(Invalid)
  4. CANCELLED without a reason        Reject(Invalid), for any role set
  5. caller lacks the target's role    Reject(Forbidden)

ROLES PER TARGET:
  PENDING          none
  IN_PREPARATION   KITCHEN, MANAGER, ADMIN
  READY            KITCHEN, MANAGER, ADMIN
  DELIVERED        ATTENDANT, MANAGER, ADMIN
  CANCELLED        MANAGER, ADMIN

TEST MODE:
  NewValidator(true) skips rule 5 only. The flag is fixed at construction,
  never read from the environment at call time.
*/
package kitchen

import (
	"strings"

	"github.com/warp/restaurant-engine/generic"
)

// transitions is the adjacency table: status -> allowed targets.
var transitions = map[Status][]Status{
	StatusPending:       {StatusInPreparation, StatusCancelled},
	StatusInPreparation: {StatusReady, StatusCancelled},
	StatusReady:         {StatusDelivered, StatusCancelled},
	StatusDelivered:     {},
	StatusCancelled:     {},
}

var kitchenRoles = []generic.Role{generic.RoleKitchen, generic.RoleManager, generic.RoleAdmin}

// requiredRoles lists, per target, the roles of which the caller needs one.
var requiredRoles = map[Status][]generic.Role{
	StatusPending:       nil,
	StatusInPreparation: kitchenRoles,
	StatusReady:         kitchenRoles,
	StatusDelivered:     {generic.RoleAttendant, generic.RoleManager, generic.RoleAdmin},
	StatusCancelled:     {generic.RoleManager, generic.RoleAdmin},
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// DECISION
// =============================================================================

type Decision struct {
	Allowed   bool
	Rejection *generic.Rejection
}

func allow() Decision { return Decision{Allowed: true} }

func reject(kind generic.Kind, format string, args ...any) Decision {
	return Decision{Rejection: generic.Reject(kind, format, args...)}
}

// Kind returns KindNone for an allowed decision.
func (d Decision) Kind() generic.Kind {
	if d.Rejection == nil {
		return generic.KindNone
	}
	return d.Rejection.Kind
}

// =============================================================================
// VALIDATOR
// =============================================================================

type Validator struct {
	testModeBypass bool
}

func NewValidator(testModeBypass bool) Validator {
	return Validator{testModeBypass: testModeBypass}
}

func (v Validator) Decide(current, target Status, roles generic.RoleSet, reason string) Decision {
	if current == target {
		return allow()
	}
	if current.IsTerminal() {
		return reject(generic.KindInvalidTransition, "sub-order is %s and accepts no further transition", current)
	}
	if !CanTransition(current, target) {
		return reject(generic.KindInvalidTransition, "cannot move sub-order from %s to %s", current, target)
	}
	if target == StatusCancelled && strings.TrimSpace(reason) == "" {
		return reject(generic.KindInvalidTransition, "cancellation requires a reason")
	}
	if v.testModeBypass {
		return allow()
	}
	if need := requiredRoles[target]; len(need) > 0 && !roles.HasAny(need...) {
		return reject(generic.KindForbidden, "moving a sub-order to %s requires one of %v", target, need)
	}
	return allow()
}
