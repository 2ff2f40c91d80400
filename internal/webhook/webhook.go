// Package webhook receives processor event deliveries and routes them
// into the charge lifecycle.
//
// Flow:
//  1. Processor POSTs a signed event to /webhook/:broker
//  2. The signature is verified against the broker's webhook secret
//  3. The event routes to a state machine transition
//  4. On first application of a settlement, the fee split is computed and
//     broker notifications go out
//
// Delivery is at-least-once and unordered: re-delivered events are
// no-ops, and a settlement conflicting with an already-failed charge is
// rejected rather than applied.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/paybroker/paybroker/internal/charge"
	"github.com/paybroker/paybroker/internal/metrics"
	"github.com/paybroker/paybroker/internal/money"
	"github.com/paybroker/paybroker/internal/notify"
	"github.com/paybroker/paybroker/internal/processor"
)

// Event is the inbound processor event envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			// ID is the charge's processor key. Amount and Currency, when
			// the processor includes them, are cross-checked against the
			// local charge record.
			ID       string `json:"id"`
			Amount   int64  `json:"amount,omitempty"`
			Currency string `json:"currency,omitempty"`
			Refund   *struct {
				ID       string `json:"id"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
			} `json:"refund,omitempty"`
		} `json:"object"`
	} `json:"data"`
}

// Verify checks a hex HMAC-SHA256 signature over the raw payload.
func Verify(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// Sign computes the hex HMAC-SHA256 signature of a payload. Used by tests
// and the fake processor to produce deliveries the router accepts.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Parse decodes an event envelope, requiring the fields routing depends on.
func Parse(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	if ev.Type == "" {
		return nil, errors.New("event has no type")
	}
	return &ev, nil
}

// Outcome describes how the router handled one delivery.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"  // transition newly applied
	OutcomeNoop     Outcome = "noop"     // idempotent re-delivery
	OutcomeIgnored  Outcome = "ignored"  // event type not routed
	OutcomeUnknown  Outcome = "unknown"  // no charge for the processor key
	OutcomeConflict Outcome = "conflict" // conflicting terminal transition
)

// Router routes processor events for one broker into the state machine.
type Router struct {
	broker  string
	backend processor.Backend
	machine *charge.Machine
	emitter *notify.Emitter
	logger  *slog.Logger
}

// NewRouter creates a router for one broker's events.
func NewRouter(broker string, backend processor.Backend, machine *charge.Machine, emitter *notify.Emitter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{broker: broker, backend: backend, machine: machine, emitter: emitter, logger: logger}
}

// eventFor maps envelope types onto lifecycle events. Unlisted types are
// ignored, not errors: processors send far more event types than the
// lifecycle consumes.
func eventFor(t string) (charge.Event, bool) {
	switch charge.Event(t) {
	case charge.EventSucceeded, charge.EventFailed, charge.EventCaptured,
		charge.EventRefunded, charge.EventDisputeCreated,
		charge.EventDisputeUpdated, charge.EventDisputeClosed:
		return charge.Event(t), true
	}
	return "", false
}

// Route applies one event delivery. The returned Outcome maps directly to
// an HTTP status in the handler; err carries detail for logging.
func (r *Router) Route(ctx context.Context, ev *Event) (Outcome, error) {
	lifecycle, ok := eventFor(ev.Type)
	if !ok {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "ignored").Inc()
		return OutcomeIgnored, nil
	}

	key := ev.Data.Object.ID
	var (
		refundKey string
		amount    money.Money
	)
	if lifecycle == charge.EventRefunded {
		if ev.Data.Object.Refund == nil {
			metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "error").Inc()
			return OutcomeIgnored, errors.New("refund event without refund object")
		}
		refundKey = ev.Data.Object.Refund.ID
		amount = money.New(ev.Data.Object.Refund.Amount, ev.Data.Object.Refund.Currency)
	}

	applied, err := r.machine.Apply(ctx, key, lifecycle, refundKey, amount)
	switch {
	case errors.Is(err, charge.ErrUnknownCharge):
		// Referential mismatch between processor and local records. No
		// retry can fix this; it needs an operator.
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "unknown").Inc()
		r.logger.Error("event references unknown charge",
			"broker", r.broker, "event", ev.ID, "type", ev.Type, "processor_key", key)
		return OutcomeUnknown, err
	case errors.Is(err, charge.ErrInvalidTransition):
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "conflict").Inc()
		r.logger.Warn("conflicting transition rejected",
			"broker", r.broker, "event", ev.ID, "type", ev.Type, "processor_key", key)
		return OutcomeConflict, err
	case err != nil:
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "error").Inc()
		return OutcomeConflict, err
	}

	if !applied {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "noop").Inc()
		return OutcomeNoop, nil
	}

	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "applied").Inc()
	r.afterApplied(ctx, lifecycle, ev, refundKey, amount)
	return OutcomeApplied, nil
}

// afterApplied fires the side effects that must happen exactly once per
// transition. applied was true, so this is the single application.
func (r *Router) afterApplied(ctx context.Context, lifecycle charge.Event, ev *Event, refundKey string, amount money.Money) {
	key := ev.Data.Object.ID
	c, err := r.machine.Store().GetByProcessorKey(ctx, key)
	if err != nil {
		r.logger.Error("loading charge after transition", "processor_key", key, "error", err)
		return
	}

	// Events that carry the settled figures must agree with our record.
	// A mismatch means the processor settled something we did not charge;
	// the transition stands but an operator needs to look.
	if obj := ev.Data.Object; obj.Amount != 0 &&
		(obj.Amount != c.Amount.Amount ||
			(obj.Currency != "" && !strings.EqualFold(obj.Currency, c.Amount.Currency))) {
		r.logger.Warn("event amount disagrees with local charge",
			"broker", r.broker, "event", ev.ID, "processor_key", key,
			"event_amount", obj.Amount, "event_currency", obj.Currency,
			"charge_amount", c.Amount.Amount, "charge_currency", c.Amount.Currency)
	}

	switch lifecycle {
	case charge.EventSucceeded, charge.EventCaptured:
		metrics.ChargesTotal.WithLabelValues(string(charge.StateDone)).Inc()
		dist, err := r.backend.ChargeDistribution(ctx, c, c.Refunded)
		if err != nil {
			r.logger.Error("computing distribution", "processor_key", key, "error", err)
		}
		r.emitter.EmitChargeSettled(r.broker, c.ID, key, c.Amount, dist)
	case charge.EventFailed:
		metrics.ChargesTotal.WithLabelValues(string(charge.StateFailed)).Inc()
		r.emitter.EmitChargeFailed(r.broker, c.ID, key)
	case charge.EventRefunded:
		r.emitter.EmitRefundRecorded(r.broker, key, refundKey, amount)
	case charge.EventDisputeCreated:
		r.emitter.EmitDisputeOpened(r.broker, key, r.backend.DisputeFee(c.Amount))
	}
}
