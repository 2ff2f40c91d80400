package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSub(t *testing.T) {
	a := USD(1000)
	b := USD(250)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, USD(1250), sum)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, USD(750), diff)
}

func TestCurrencyMismatch(t *testing.T) {
	a := USD(1000)
	b := New(1000, "eur")

	_, err := a.Add(b)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = a.Sub(b)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestNewNormalizesCurrency(t *testing.T) {
	m := New(500, "USD")
	assert.Equal(t, "usd", m.Currency)
}

func TestSigns(t *testing.T) {
	assert.True(t, USD(1).IsPositive())
	assert.True(t, USD(-1).IsNegative())
	assert.True(t, USD(0).IsZero())
	assert.Equal(t, USD(-5), USD(5).Neg())
}

func TestCeilDiv(t *testing.T) {
	tests := []struct {
		n, d, want int64
	}{
		{0, 10000, 0},
		{1, 10000, 1},
		{10000, 10000, 1},
		{10001, 10000, 2},
		// 2.9% of 1000 = 29 exactly, no rounding needed
		{1000 * 290, 10000, 29},
		// 2.9% of 999 = 28.971 -> 29
		{999 * 290, 10000, 29},
		// negative numerators round toward zero's ceiling
		{-1, 10000, 0},
		{-10001, 10000, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CeilDiv(tt.n, tt.d), "CeilDiv(%d, %d)", tt.n, tt.d)
	}
}

func TestCeilDivPanicsOnZero(t *testing.T) {
	assert.Panics(t, func() { CeilDiv(1, 0) })
}
