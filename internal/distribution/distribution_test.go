package distribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybroker/paybroker/internal/money"
)

// The standard card-network schedule: 2.9% + 30¢, fee rounded up.
var cardSchedule = Schedule{Numerator: 290, Denominator: 10000, Fixed: 30}

func TestComputeNoRefund(t *testing.T) {
	res, err := Compute(money.USD(1000), money.USD(0), cardSchedule)
	require.NoError(t, err)

	// ceil(1000 * 0.029) = 29, + 30 fixed = 59
	assert.Equal(t, money.USD(59), res.ProcessorFee)
	assert.Equal(t, money.USD(941), res.Distribute)
	assert.Equal(t, money.USD(0), res.BrokerFee)
}

func TestComputePartialRefund(t *testing.T) {
	res, err := Compute(money.USD(1000), money.USD(200), cardSchedule)
	require.NoError(t, err)

	// available 800: ceil(800 * 0.029) = ceil(23.2) = 24, + 30 = 54
	assert.Equal(t, money.USD(54), res.ProcessorFee)
	assert.Equal(t, money.USD(746), res.Distribute)
	conservation(t, money.USD(1000), money.USD(200), res)
}

func TestSplitDependsOnlyOnAvailable(t *testing.T) {
	// A 1000 charge refunded 200 and a fresh 800 charge must split
	// identically: the engine derives everything from the net amount, so
	// repeated partial refunds can never accumulate rounding drift.
	afterRefund, err := Compute(money.USD(1000), money.USD(200), cardSchedule)
	require.NoError(t, err)
	fresh, err := Compute(money.USD(800), money.USD(0), cardSchedule)
	require.NoError(t, err)
	assert.Equal(t, fresh, afterRefund)
}

func TestFullRefund(t *testing.T) {
	res, err := Compute(money.USD(1000), money.USD(1000), cardSchedule)
	require.NoError(t, err)
	assert.True(t, res.Distribute.IsZero())
	assert.True(t, res.ProcessorFee.IsZero())
	assert.True(t, res.BrokerFee.IsZero())
}

func TestBrokerFee(t *testing.T) {
	sched := cardSchedule
	sched.BrokerBps = 500 // 5%

	res, err := Compute(money.USD(10000), money.USD(0), sched)
	require.NoError(t, err)

	// processor: ceil(10000*0.029) = 290, + 30 = 320; broker: 500
	assert.Equal(t, money.USD(320), res.ProcessorFee)
	assert.Equal(t, money.USD(500), res.BrokerFee)
	assert.Equal(t, money.USD(9180), res.Distribute)
	conservation(t, money.USD(10000), money.USD(0), res)
}

func TestFeeCap(t *testing.T) {
	sched := Schedule{Numerator: 140, Denominator: 10000, FeeCap: 2000}

	res, err := Compute(money.New(10_000_000, "ngn"), money.Zero("ngn"), sched)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), res.ProcessorFee.Amount)
	conservation(t, money.New(10_000_000, "ngn"), money.Zero("ngn"), res)
}

func TestTinyAmountFeeClamped(t *testing.T) {
	// Fixed fee exceeds the charge; fee clamps to available, nothing distributes.
	res, err := Compute(money.USD(10), money.USD(0), cardSchedule)
	require.NoError(t, err)
	assert.Equal(t, money.USD(10), res.ProcessorFee)
	assert.True(t, res.Distribute.IsZero())
	conservation(t, money.USD(10), money.USD(0), res)
}

func TestConservationAcrossRange(t *testing.T) {
	sched := cardSchedule
	sched.BrokerBps = 250

	for amount := int64(0); amount <= 5000; amount += 37 {
		for refunded := int64(0); refunded <= amount; refunded += 211 {
			res, err := Compute(money.USD(amount), money.USD(refunded), sched)
			require.NoError(t, err)
			conservation(t, money.USD(amount), money.USD(refunded), res)
			assert.False(t, res.Distribute.IsNegative())
			assert.False(t, res.ProcessorFee.IsNegative())
			assert.False(t, res.BrokerFee.IsNegative())
		}
	}
}

func TestFeeMonotonicity(t *testing.T) {
	prev := int64(-1)
	for amount := int64(0); amount <= 10000; amount += 13 {
		res, err := Compute(money.USD(amount), money.USD(0), cardSchedule)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.ProcessorFee.Amount, prev,
			"fee decreased at amount %d", amount)
		prev = res.ProcessorFee.Amount
	}
}

func TestInvalidInputs(t *testing.T) {
	_, err := Compute(money.USD(100), money.New(10, "eur"), cardSchedule)
	assert.ErrorIs(t, err, money.ErrCurrencyMismatch)

	_, err = Compute(money.USD(100), money.USD(-1), cardSchedule)
	assert.ErrorIs(t, err, ErrNegativeRefund)

	_, err = Compute(money.USD(100), money.USD(101), cardSchedule)
	assert.ErrorIs(t, err, ErrRefundExceeds)

	_, err = Compute(money.USD(100), money.USD(0), Schedule{})
	assert.Error(t, err)
}

func conservation(t *testing.T, amount, refunded money.Money, res *Result) {
	t.Helper()
	got := res.Distribute.Amount + res.ProcessorFee.Amount + res.BrokerFee.Amount
	assert.Equal(t, amount.Amount-refunded.Amount, got, "conservation violated")
}
