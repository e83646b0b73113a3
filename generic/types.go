/*
Package generic provides the domain-agnostic core shared by the kitchen,
wallet and payment packages.

PURPOSE:
  Restaurant operations race on a handful of mutable rows: a sub-order's
  status, a wallet's balance, a payment's status. Every one of them is
  written through the same mechanism: read the row with its version stamp,
  compute the next value, write it back only if the version is unchanged.
  This package holds that mechanism and the vocabulary around it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: fixed-point money with a currency (two fraction digits)
  - Actor / Role / RoleSet: who is asking, with which permissions
  - Record: an entity together with the version it was read at

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal, never float64, for every amount
  2. Rounding only at the boundary: ParseAmount rounds, arithmetic never does
  3. Versions are monotonic: every committed write increments by exactly one

SEE ALSO:
  - guard.go: Version Guard (optimistic compare-and-swap)
  - errors.go: Result taxonomy and sentinel errors
  - store.go: Persistence and audit contracts
*/
package generic

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Fixed-point money
// =============================================================================

// MinorUnits is the number of fraction digits carried by every Amount.
const MinorUnits = 2

type Currency string

const CurrencyAOA Currency = "AOA"

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewAmount(value decimal.Decimal, currency Currency) Amount {
	return Amount{Value: value, Currency: currency}
}

// MustAmount parses s or panics. Use in tests and fixtures.
func MustAmount(s string, currency Currency) Amount {
	a, err := ParseAmount(s, currency)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAmount parses an external decimal string and rounds it half-up to
// MinorUnits. This is the only place an amount is ever rounded.
func ParseAmount(s string, currency Currency) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{Value: d.Round(MinorUnits), Currency: currency}, nil
}

func ZeroAmount(currency Currency) Amount { return Amount{Value: decimal.Zero, Currency: currency} }

func (a Amount) Add(b Amount) Amount           { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount           { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Neg() Amount                   { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) IsNegative() bool              { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                  { return a.Value.IsZero() }
func (a Amount) IsPositive() bool              { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool     { return a.Value.GreaterThan(b.Value) }
func (a Amount) GreaterOrEqual(b Amount) bool  { return a.Value.GreaterThanOrEqual(b.Value) }
func (a Amount) LessThan(b Amount) bool        { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool           { return a.Value.Equal(b.Value) && a.Currency == b.Currency }

// String renders the amount with exactly MinorUnits fraction digits.
func (a Amount) String() string { return a.Value.StringFixed(MinorUnits) }

// HasMinorPrecision reports whether a carries no more than MinorUnits
// fraction digits, so every store can hold it without rounding.
func (a Amount) HasMinorPrecision() bool {
	return a.Value.Equal(a.Value.Round(MinorUnits))
}

// =============================================================================
// ACTORS AND ROLES
// =============================================================================

type Role string

const (
	RoleKitchen   Role = "KITCHEN"
	RoleAttendant Role = "ATTENDANT"
	RoleManager   Role = "MANAGER"
	RoleAdmin     Role = "ADMIN"
	RoleClient    Role = "CLIENT"
	RoleSystem    Role = "SYSTEM"
)

// RoleSet is an unordered set of roles.
type RoleSet map[Role]struct{}

func NewRoleSet(roles ...Role) RoleSet {
	rs := make(RoleSet, len(roles))
	for _, r := range roles {
		rs[r] = struct{}{}
	}
	return rs
}

// ParseRoles reads a comma separated role list. Unknown names are kept
// as-is so they simply never match a requirement.
func ParseRoles(csv string) RoleSet {
	rs := RoleSet{}
	for _, part := range strings.Split(csv, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			rs[Role(part)] = struct{}{}
		}
	}
	return rs
}

func (rs RoleSet) Has(r Role) bool {
	_, ok := rs[r]
	return ok
}

// HasAny reports whether the set contains at least one of roles.
func (rs RoleSet) HasAny(roles ...Role) bool {
	for _, r := range roles {
		if rs.Has(r) {
			return true
		}
	}
	return false
}

func (rs RoleSet) Slice() []Role {
	out := make([]Role, 0, len(rs))
	for r := range rs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    string
	Roles RoleSet
}

// SystemActor is used for transitions driven by the payment gateway.
var SystemActor = Actor{ID: "gateway", Roles: NewRoleSet(RoleSystem)}

// =============================================================================
// RECORD - Entity plus the version it was read at
// =============================================================================

type Record[T any] struct {
	ID      string
	Value   T
	Version int64
}
