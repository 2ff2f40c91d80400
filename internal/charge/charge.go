// Package charge tracks the lifecycle of a single payment collection
// attempt.
//
// Lifecycle:
//
//	CREATED -> IN_PROGRESS -> {CAPTURED, DONE, FAILED}
//	CAPTURED -> DONE
//
// Disputes and refunds layer on top of DONE as auxiliary facts: the
// primary state stays DONE while the dispute stage advances and refunds
// accumulate. FAILED is terminal. Charges are never deleted; failed and
// refunded charges remain as an immutable audit record.
package charge

import (
	"context"
	"errors"
	"time"

	"github.com/paybroker/paybroker/internal/money"
)

var (
	// ErrUnknownCharge means an event or lookup referenced a processor key
	// with no matching local charge. This is a data-integrity fatal:
	// retrying cannot fix a referential mismatch, and the core never
	// creates a charge from an event.
	ErrUnknownCharge = errors.New("unknown processor key")

	// ErrInvalidTransition means the requested transition conflicts with
	// the charge's current state, e.g. failing a settled charge.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDuplicateKey means a charge with the same processor key already
	// exists.
	ErrDuplicateKey = errors.New("duplicate processor key")

	// ErrRefundExceedsCharge means a refund would push the refunded total
	// past the charge amount.
	ErrRefundExceedsCharge = errors.New("refund exceeds remaining charge amount")
)

// State is the primary charge state.
type State string

const (
	StateCreated    State = "created"
	StateInProgress State = "in_progress"
	StateCaptured   State = "captured"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// DisputeState tracks the dispute stage layered on a settled charge.
type DisputeState string

const (
	DisputeNone    DisputeState = ""
	DisputeCreated DisputeState = "created"
	DisputeUpdated DisputeState = "updated"
	DisputeClosed  DisputeState = "closed"
)

// Charge is one attempt to collect funds from a subscriber on behalf of a
// provider. Mutated only through Machine transitions.
type Charge struct {
	ID           string       `json:"id"`
	ProcessorKey string       `json:"processorKey"`
	Broker       string       `json:"broker"`
	Provider     string       `json:"provider"`
	Subscriber   string       `json:"subscriber"`
	Amount       money.Money  `json:"amount"`
	Refunded     money.Money  `json:"refunded"`
	State        State        `json:"state"`
	Dispute      DisputeState `json:"dispute,omitempty"`
	Last4        string       `json:"last4,omitempty"`
	ExpMonth     int          `json:"expMonth,omitempty"`
	ExpYear      int          `json:"expYear,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Remaining returns the amount still collectable after refunds.
func (c *Charge) Remaining() money.Money {
	return money.New(c.Amount.Amount-c.Refunded.Amount, c.Amount.Currency)
}

// Store persists charges. Implementations must make state changes atomic
// read-modify-writes: two concurrent writers must never move the same
// charge from IN_PROGRESS to different terminal states.
type Store interface {
	Create(ctx context.Context, c *Charge) error
	Get(ctx context.Context, id string) (*Charge, error)
	GetByProcessorKey(ctx context.Context, processorKey string) (*Charge, error)

	// CompareAndSetState atomically moves the charge to state to if its
	// current state is one of from. Returns true when applied, false when
	// the charge was not in any from state. ErrUnknownCharge if no charge
	// has the processor key.
	CompareAndSetState(ctx context.Context, processorKey string, from []State, to State) (bool, error)

	// SetDispute advances the dispute stage. Returns true when applied.
	SetDispute(ctx context.Context, processorKey string, to DisputeState) (bool, error)

	// AddRefund records a refund against a settled charge, keyed by the
	// processor's refund reference for at-most-once accumulation. Returns
	// true when the refund was newly recorded, false when refundKey was
	// already seen.
	AddRefund(ctx context.Context, processorKey, refundKey string, amount int64) (bool, error)

	// SetReceipt attaches card receipt metadata.
	SetReceipt(ctx context.Context, processorKey, last4 string, expMonth, expYear int) error
}
