package generic_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/restaurant-engine/generic"
)

func TestParseAmount_RoundsHalfUpToTwoDigits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"25000", "25000.00"},
		{"0.005", "0.01"},
		{"10.004", "10.00"},
		{" 12.5 ", "12.50"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := generic.ParseAmount(tt.in, generic.CurrencyAOA)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.String())
			assert.Equal(t, generic.CurrencyAOA, a.Currency)
		})
	}
}

func TestParseAmount_RejectsGarbage(t *testing.T) {
	_, err := generic.ParseAmount("12,50 kz", generic.CurrencyAOA)
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
	assert.True(t, generic.IsClientError(err))
}

func TestAmount_HasMinorPrecision(t *testing.T) {
	assert.True(t, generic.MustAmount("10.25", generic.CurrencyAOA).HasMinorPrecision())
	assert.True(t, generic.NewAmount(decimal.New(25, 0), generic.CurrencyAOA).HasMinorPrecision())
	assert.True(t, generic.NewAmount(decimal.RequireFromString("1.500"), generic.CurrencyAOA).HasMinorPrecision())
	assert.False(t, generic.NewAmount(decimal.RequireFromString("0.004"), generic.CurrencyAOA).HasMinorPrecision())
	assert.False(t, generic.NewAmount(decimal.RequireFromString("9.999"), generic.CurrencyAOA).HasMinorPrecision())
}

func TestAmount_ArithmeticIsExact(t *testing.T) {
	// GIVEN: Amounts that float64 cannot represent exactly
	a := generic.MustAmount("0.10", generic.CurrencyAOA)
	b := generic.MustAmount("0.20", generic.CurrencyAOA)

	// THEN: Sum is exactly 0.30
	assert.True(t, a.Add(b).Equal(generic.MustAmount("0.30", generic.CurrencyAOA)))
	assert.True(t, a.Sub(b).IsNegative())
	assert.True(t, a.Sub(a).IsZero())
	assert.True(t, b.GreaterThan(a))
	assert.True(t, b.GreaterOrEqual(b))
}

func TestParseRoles(t *testing.T) {
	rs := generic.ParseRoles(" kitchen, Manager,,ADMIN ")

	assert.True(t, rs.Has(generic.RoleKitchen))
	assert.True(t, rs.Has(generic.RoleManager))
	assert.True(t, rs.HasAny(generic.RoleAttendant, generic.RoleAdmin))
	assert.False(t, rs.Has(generic.RoleAttendant))
	assert.Equal(t, []generic.Role{generic.RoleAdmin, generic.RoleKitchen, generic.RoleManager}, rs.Slice())
	assert.Empty(t, generic.ParseRoles(""))
}

func TestKind_Taxonomy(t *testing.T) {
	assert.True(t, generic.KindNone.IsSuccess())
	assert.True(t, generic.KindDuplicate.IsSuccess())
	assert.False(t, generic.KindInsufficientFunds.IsSuccess())
	assert.True(t, generic.KindConflict.Retryable())
	assert.False(t, generic.KindForbidden.Retryable())
	assert.Equal(t, "forbidden: nope", generic.Reject(generic.KindForbidden, "nope").String())
}
