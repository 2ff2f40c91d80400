package charge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/paybroker/paybroker/internal/idgen"
	"github.com/paybroker/paybroker/internal/money"
)

// Event is a lifecycle trigger, delivered by a webhook or a synchronous
// poll.
type Event string

const (
	EventSucceeded      Event = "charge.succeeded"
	EventFailed         Event = "charge.failed"
	EventCaptured       Event = "charge.captured"
	EventRefunded       Event = "charge.refunded"
	EventDisputeCreated Event = "charge.dispute.created"
	EventDisputeUpdated Event = "charge.dispute.updated"
	EventDisputeClosed  Event = "charge.dispute.closed"
)

// Machine applies lifecycle transitions to charges.
//
// Every transition is a single compare-and-swap in the store, so webhook
// delivery racing a synchronous poll resolves to exactly one application.
// Applying a confirming event to a charge already in the target state is a
// no-op, not an error: webhook delivery is at-least-once.
type Machine struct {
	store  Store
	logger *slog.Logger
}

// NewMachine creates a state machine over the given store.
func NewMachine(store Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, logger: logger}
}

// Store returns the underlying charge store.
func (m *Machine) Store() Store { return m.store }

// Begin records a new charge after the processor accepted the payment
// attempt and assigned a processor key. The charge enters CREATED and then
// IN_PROGRESS immediately; the split exists so a crash between the two
// still leaves a findable record.
func (m *Machine) Begin(ctx context.Context, c *Charge) (*Charge, error) {
	if c.ProcessorKey == "" {
		return nil, fmt.Errorf("charge has no processor key")
	}
	if c.ID == "" {
		c.ID = idgen.WithPrefix("ch_")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.State = StateCreated
	c.Refunded = money.Zero(c.Amount.Currency)

	if err := m.store.Create(ctx, c); err != nil {
		return nil, err
	}
	if _, err := m.store.CompareAndSetState(ctx, c.ProcessorKey, []State{StateCreated}, StateInProgress); err != nil {
		return nil, err
	}
	c.State = StateInProgress
	return c, nil
}

// PaymentSuccessful moves the charge to DONE. Returns true the first time
// the confirmation lands; duplicate confirmations return false with no
// error so side effects fire exactly once.
func (m *Machine) PaymentSuccessful(ctx context.Context, processorKey string) (bool, error) {
	return m.confirm(ctx, processorKey,
		[]State{StateCreated, StateInProgress, StateCaptured}, StateDone)
}

// PaymentFailed moves the charge to FAILED. A charge already settled
// cannot fail: that is a conflicting terminal transition.
func (m *Machine) PaymentFailed(ctx context.Context, processorKey string) (bool, error) {
	return m.confirm(ctx, processorKey,
		[]State{StateCreated, StateInProgress, StateCaptured}, StateFailed)
}

// MarkCaptured records that the processor authorized the charge and a
// separate capture step completed, but settlement confirmation is still
// pending. Used by backends with a two-step authorize/capture flow.
func (m *Machine) MarkCaptured(ctx context.Context, processorKey string) (bool, error) {
	return m.confirm(ctx, processorKey,
		[]State{StateCreated, StateInProgress}, StateCaptured)
}

// RecordRefund accumulates a refund on a settled charge. refundKey is the
// processor's refund reference; re-delivery of the same refund is a no-op.
func (m *Machine) RecordRefund(ctx context.Context, processorKey, refundKey string, amount money.Money) (bool, error) {
	c, err := m.store.GetByProcessorKey(ctx, processorKey)
	if err != nil {
		return false, err
	}
	if c.State != StateDone {
		return false, fmt.Errorf("%w: refund on %s charge %s", ErrInvalidTransition, c.State, processorKey)
	}
	if !amount.SameCurrency(c.Amount) {
		return false, fmt.Errorf("%w: refund %s on %s charge",
			money.ErrCurrencyMismatch, amount.Currency, c.Amount.Currency)
	}
	if amount.Amount <= 0 {
		return false, fmt.Errorf("refund amount must be positive, got %d", amount.Amount)
	}
	if c.Refunded.Amount+amount.Amount > c.Amount.Amount {
		return false, ErrRefundExceedsCharge
	}

	applied, err := m.store.AddRefund(ctx, processorKey, refundKey, amount.Amount)
	if err != nil {
		return false, err
	}
	if !applied {
		m.logger.Debug("duplicate refund ignored",
			"processor_key", processorKey, "refund_key", refundKey)
	}
	return applied, nil
}

// Apply routes a lifecycle event to the matching transition. refundKey and
// amount are only consulted for EventRefunded.
func (m *Machine) Apply(ctx context.Context, processorKey string, ev Event, refundKey string, amount money.Money) (bool, error) {
	switch ev {
	case EventSucceeded, EventCaptured:
		// Capture completion confirms the charge the same as success.
		return m.PaymentSuccessful(ctx, processorKey)
	case EventFailed:
		return m.PaymentFailed(ctx, processorKey)
	case EventRefunded:
		return m.RecordRefund(ctx, processorKey, refundKey, amount)
	case EventDisputeCreated:
		return m.advanceDispute(ctx, processorKey, DisputeCreated)
	case EventDisputeUpdated:
		return m.advanceDispute(ctx, processorKey, DisputeUpdated)
	case EventDisputeClosed:
		return m.advanceDispute(ctx, processorKey, DisputeClosed)
	default:
		return false, fmt.Errorf("unrecognized event %q", ev)
	}
}

func (m *Machine) confirm(ctx context.Context, processorKey string, from []State, to State) (bool, error) {
	applied, err := m.store.CompareAndSetState(ctx, processorKey, from, to)
	if err != nil {
		return false, err
	}
	if applied {
		return true, nil
	}

	// Not applied: either an idempotent re-delivery (already in target
	// state) or a genuinely conflicting terminal transition.
	c, err := m.store.GetByProcessorKey(ctx, processorKey)
	if err != nil {
		return false, err
	}
	if c.State == to {
		m.logger.Debug("transition already applied",
			"processor_key", processorKey, "state", to)
		return false, nil
	}
	return false, fmt.Errorf("%w: %s -> %s for charge %s",
		ErrInvalidTransition, c.State, to, processorKey)
}

func (m *Machine) advanceDispute(ctx context.Context, processorKey string, to DisputeState) (bool, error) {
	c, err := m.store.GetByProcessorKey(ctx, processorKey)
	if err != nil {
		return false, err
	}
	if c.State != StateDone {
		return false, fmt.Errorf("%w: dispute on %s charge %s", ErrInvalidTransition, c.State, processorKey)
	}
	return m.store.SetDispute(ctx, processorKey, to)
}
