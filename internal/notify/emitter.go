package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/paybroker/paybroker/internal/distribution"
	"github.com/paybroker/paybroker/internal/idgen"
	"github.com/paybroker/paybroker/internal/money"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paybroker",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paybroker",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(broker string, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToBroker(ctx, broker, event); err != nil {
		notifyEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("notification emit failed", "event", eventType, "broker", broker, "error", err)
	}
}

// EmitChargeSettled emits a charge.settled event with the fee split.
func (e *Emitter) EmitChargeSettled(broker, chargeID, processorKey string, amount money.Money, dist *distribution.Result) {
	data := map[string]any{
		"chargeId":     chargeID,
		"processorKey": processorKey,
		"amount":       amount.Amount,
		"currency":     amount.Currency,
	}
	if dist != nil {
		data["distribute"] = dist.Distribute.Amount
		data["processorFee"] = dist.ProcessorFee.Amount
		data["brokerFee"] = dist.BrokerFee.Amount
	}
	e.emit(broker, EventChargeSettled, data)
}

// EmitChargeFailed emits a charge.failed event.
func (e *Emitter) EmitChargeFailed(broker, chargeID, processorKey string) {
	e.emit(broker, EventChargeFailed, map[string]any{
		"chargeId":     chargeID,
		"processorKey": processorKey,
	})
}

// EmitRefundRecorded emits a refund.recorded event.
func (e *Emitter) EmitRefundRecorded(broker, processorKey, refundKey string, amount money.Money) {
	e.emit(broker, EventRefundRecorded, map[string]any{
		"processorKey": processorKey,
		"refundKey":    refundKey,
		"amount":       amount.Amount,
		"currency":     amount.Currency,
	})
}

// EmitCardUpdated emits a card.updated event. recreated flags that the
// processor-side customer was missing and had to be rebuilt.
func (e *Emitter) EmitCardUpdated(broker, subscriber, customerKey string, recreated bool) {
	e.emit(broker, EventCardUpdated, map[string]any{
		"subscriber":  subscriber,
		"customerKey": customerKey,
		"recreated":   recreated,
	})
}

// EmitDisputeOpened emits a dispute.opened event with the dispute fee.
func (e *Emitter) EmitDisputeOpened(broker, processorKey string, fee money.Money) {
	e.emit(broker, EventDisputeOpened, map[string]any{
		"processorKey": processorKey,
		"disputeFee":   fee.Amount,
		"currency":     fee.Currency,
	})
}

// EmitReconciliationReport emits a reconciliation.report event.
func (e *Emitter) EmitReconciliationReport(broker, provider string, listed, created, skipped int, dryRun bool) {
	e.emit(broker, EventReconciliationReport, map[string]any{
		"provider": provider,
		"listed":   listed,
		"created":  created,
		"skipped":  skipped,
		"dryRun":   dryRun,
	})
}
