// Package processor defines the contract every payment processor backend
// must satisfy.
//
// Flow:
//  1. Caller submits a payment through a Backend
//  2. Backend talks to the processor, returns a processor-assigned key
//  3. The charge state machine tracks the charge until settlement
//  4. Reconciliation lists processor payouts and backfills the local ledger
//
// Backends speak in domain objects (money.Money, charge.Charge, provider
// and subscriber identifiers), never processor-native types, so the state
// machine and distribution engine stay backend-agnostic.
package processor

import (
	"context"
	"time"

	"github.com/paybroker/paybroker/internal/charge"
	"github.com/paybroker/paybroker/internal/distribution"
	"github.com/paybroker/paybroker/internal/money"
)

// Kind selects a concrete backend implementation.
type Kind string

const (
	KindStripe      Kind = "stripe"
	KindRazorpay    Kind = "razorpay"
	KindFlutterwave Kind = "flutterwave"
	KindFake        Kind = "fake"
)

// Mode governs where customer and charge objects live relative to where
// funds settle. It changes only the account-scoping parameters attached to
// outbound calls, never the charge lifecycle or distribution contract.
type Mode string

const (
	// ModeLocal creates all objects under the platform's own processor
	// account; transfers go to the platform's bank account.
	ModeLocal Mode = "LOCAL"
	// ModeForward creates objects under the platform account with each
	// charge tied to an automatic transfer to a connected provider
	// sub-account (a destination charge).
	ModeForward Mode = "FORWARD"
	// ModeRemote creates objects directly under the provider's connected
	// sub-account.
	ModeRemote Mode = "REMOTE"
)

// PaymentRequest describes one attempt to collect funds from a subscriber.
type PaymentRequest struct {
	Provider            string      `json:"provider"`
	Subscriber          string      `json:"subscriber"`
	Amount              money.Money `json:"amount"`
	Token               string      `json:"token"` // tokenized card/funding source
	Description         string      `json:"description,omitempty"`
	StatementDescriptor string      `json:"statementDescriptor,omitempty"`
	// IdempotencyKey is passed to processors that support it so an
	// unknown-outcome timeout can be retried without double-charging.
	IdempotencyKey string `json:"-"`
}

// Receipt carries optional card metadata for receipts.
type Receipt struct {
	Last4    string `json:"last4,omitempty"`
	ExpMonth int    `json:"expMonth,omitempty"`
	ExpYear  int    `json:"expYear,omitempty"`
}

// PaymentResult is returned when the processor accepts a payment attempt.
type PaymentResult struct {
	ProcessorKey string    `json:"processorKey"`
	CreatedAt    time.Time `json:"createdAt"`
	Receipt      Receipt   `json:"receipt"`
}

// TransferResult is returned when the processor accepts a platform→provider
// transfer.
type TransferResult struct {
	ProcessorKey string    `json:"processorKey"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CardUpdate reports the stored card reference after CreateOrUpdateCard.
// Recreated is true when the processor-side customer record was missing and
// a new one was created in its place; callers should surface that as a
// warning since it can mask a credential mismatch (test vs live keys).
type CardUpdate struct {
	CustomerKey string  `json:"customerKey"`
	Receipt     Receipt `json:"receipt"`
	Recreated   bool    `json:"recreated"`
}

// TransferRecord is one processor-side payout record, as listed for
// reconciliation.
type TransferRecord struct {
	ProcessorKey string      `json:"processorKey"`
	Amount       money.Money `json:"amount"`
	Description  string      `json:"description,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Backend is the uniform contract all processor integrations satisfy.
//
// Every method that reaches the processor takes a context and is a blocking
// network call; callers bound it with a deadline. A timed-out CreatePayment
// or CreateTransfer is an unknown outcome: retry with the same
// IdempotencyKey, never by blind resubmission.
type Backend interface {
	// CreatePayment submits a charge. Returns *CardError when the token is
	// declined or invalid, *ProcessorError on transport/auth failure.
	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)

	// CreateTransfer moves funds platform→provider. Never retries
	// internally; the caller owns retry policy.
	CreateTransfer(ctx context.Context, provider string, amount money.Money, descr string) (*TransferResult, error)

	// CreateOrUpdateCard stores or replaces a subscriber's card reference.
	CreateOrUpdateCard(ctx context.Context, subscriber, customerKey, token string) (*CardUpdate, error)

	// RefundCharge refunds part or all of a charge. brokerAmount is the
	// portion of the broker fee to return alongside, usually zero.
	RefundCharge(ctx context.Context, ch *charge.Charge, amount money.Money, brokerAmount int64) error

	// RetrieveCharge polls the processor for the charge's current status
	// and drives the state machine to DONE if the processor now reports
	// success. Idempotent and safe to race with webhook delivery.
	RetrieveCharge(ctx context.Context, ch *charge.Charge) (*charge.Charge, error)

	// ListTransfers pages processor-side payout records created after
	// since. Returns ErrNotImplemented for processors without payout
	// listing so operators can detect missing reconciliation coverage.
	ListTransfers(ctx context.Context, provider string, since time.Time, cursor string) (records []TransferRecord, next string, err error)

	// ChargeDistribution computes the fee split for a charge given the
	// amount already refunded. Pure for backends that know their fee
	// schedule; backends whose processor owns the fee may perform a
	// read-only remote call but must not mutate remote state.
	ChargeDistribution(ctx context.Context, ch *charge.Charge, refunded money.Money) (*distribution.Result, error)

	// DisputeFee returns the processor's chargeback/dispute fee.
	DisputeFee(amount money.Money) money.Money

	// ProrateTransfer applies the processor's transfer fee formula.
	ProrateTransfer(amount money.Money) money.Money

	Kind() Kind
	Mode() Mode
}
