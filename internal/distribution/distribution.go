// Package distribution computes how a charge's gross amount splits into
// processor fee, broker fee, and the net amount distributable to the
// provider.
//
// The computation is pure: given the same amount, refunded-so-far amount,
// and fee schedule it always yields the same split. Repeated partial
// refunds recompute from the net-after-refund amount, so the split is
// always re-derivable and never accumulates rounding drift.
package distribution

import (
	"errors"
	"fmt"

	"github.com/paybroker/paybroker/internal/money"
)

var (
	ErrNegativeRefund = errors.New("refunded amount is negative")
	ErrRefundExceeds  = errors.New("refunded amount exceeds charge amount")
)

// Schedule describes a processor's fee formula plus the broker's own cut.
//
// The processor fee for an available amount A is
//
//	CeilDiv(A*Numerator, Denominator) + Fixed
//
// e.g. Stripe's 2.9% + 30¢ is {Numerator: 29, Denominator: 1000, Fixed: 30}.
// Processors round their fees up, hence the ceiling division.
type Schedule struct {
	Numerator   int64 `json:"numerator"`
	Denominator int64 `json:"denominator"`
	Fixed       int64 `json:"fixed"`     // minor units
	BrokerBps   int64 `json:"brokerBps"` // platform cut in basis points, 0 = none
	FeeCap      int64 `json:"feeCap"`    // max processor fee in minor units, 0 = uncapped
}

// Result is the derived split for one charge. It is computed fresh each
// time and never persisted as mutable state.
type Result struct {
	Distribute   money.Money `json:"distribute"`
	ProcessorFee money.Money `json:"processorFee"`
	BrokerFee    money.Money `json:"brokerFee"`
}

// Compute splits amount-refunded across processor fee, broker fee, and the
// distributable remainder. Conservation invariant:
//
//	Distribute + ProcessorFee + BrokerFee == amount - refunded
func Compute(amount, refunded money.Money, sched Schedule) (*Result, error) {
	if !amount.SameCurrency(refunded) {
		return nil, fmt.Errorf("%w: charge %s, refunded %s",
			money.ErrCurrencyMismatch, amount.Currency, refunded.Currency)
	}
	if refunded.IsNegative() {
		return nil, ErrNegativeRefund
	}
	if refunded.Amount > amount.Amount {
		return nil, ErrRefundExceeds
	}
	if sched.Denominator == 0 {
		return nil, errors.New("fee schedule has zero denominator")
	}

	unit := amount.Currency
	available := amount.Amount - refunded.Amount
	if available <= 0 {
		return &Result{
			Distribute:   money.Zero(unit),
			ProcessorFee: money.Zero(unit),
			BrokerFee:    money.Zero(unit),
		}, nil
	}

	processorFee := money.CeilDiv(available*sched.Numerator, sched.Denominator) + sched.Fixed
	if sched.FeeCap > 0 && processorFee > sched.FeeCap {
		processorFee = sched.FeeCap
	}
	if processorFee > available {
		processorFee = available
	}

	// Broker cut floors: the leftover cent stays with the provider.
	brokerFee := available * sched.BrokerBps / 10000
	if processorFee+brokerFee > available {
		brokerFee = available - processorFee
	}

	return &Result{
		Distribute:   money.New(available-processorFee-brokerFee, unit),
		ProcessorFee: money.New(processorFee, unit),
		BrokerFee:    money.New(brokerFee, unit),
	}, nil
}
