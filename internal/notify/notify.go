// Package notify delivers outbound event notifications to brokers.
//
// Brokers register notification URLs to hear about:
// - Charge settlement and failure
// - Recorded refunds
// - Card updates
// - Reconciliation reports
//
// Deliveries are signed with HMAC-SHA256 over the payload so brokers can
// verify origin. Delivery is at-least-once and fire-and-forget: a broker
// outage never blocks the charge lifecycle.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/paybroker/paybroker/internal/circuitbreaker"
	"github.com/paybroker/paybroker/internal/metrics"
)

// ErrSubscriptionNotFound is returned when a subscription ID does not exist.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// EventType represents the type of outbound notification.
type EventType string

const (
	EventChargeSettled        EventType = "charge.settled"
	EventChargeFailed         EventType = "charge.failed"
	EventRefundRecorded       EventType = "refund.recorded"
	EventCardUpdated          EventType = "card.updated"
	EventDisputeOpened        EventType = "dispute.opened"
	EventReconciliationReport EventType = "reconciliation.report"
)

// Event is one outbound notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a broker's registered notification endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	Broker              string      `json:"broker"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists notification subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByBroker(ctx context.Context, broker string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// maxConsecutiveFailures is the point at which a subscription is switched
// off rather than hammered forever.
const maxConsecutiveFailures = 10

// Dispatcher sends notification events. A per-subscription circuit
// breaker sheds deliveries to endpoints that are consistently failing,
// so a dead broker costs a map lookup instead of a 10s timeout per event.
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	urlValidator func(string) error
	mu           sync.RWMutex
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker:      circuitbreaker.New(5, 30*time.Second),
		urlValidator: validateURL,
	}
}

// AllowPrivateDestinations disables the private-address guard on
// delivery URLs. For tests and local development only.
func (d *Dispatcher) AllowPrivateDestinations() {
	d.urlValidator = func(string) error { return nil }
}

// validateURL rejects destinations that could reach internal services.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "localhost" {
		return fmt.Errorf("loopback destination not allowed")
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
		return fmt.Errorf("private destination not allowed")
	}
	return nil
}

// Dispatch sends an event to every active subscriber of its type.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		// Send async to avoid blocking the charge lifecycle.
		go d.send(ctx, sub, event)
	}
	return nil
}

// DispatchToBroker sends an event to one broker's subscriptions.
func (d *Dispatcher) DispatchToBroker(ctx context.Context, broker string, event *Event) error {
	subs, err := d.store.GetByBroker(ctx, broker)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(ctx, sub, event)
				break
			}
		}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	// Deliveries run async: the dispatching request's context is usually
	// gone by the time the POST goes out, so each delivery detaches and
	// owns its deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if !d.breaker.Allow(sub.ID) {
		metrics.NotifyDeliveriesTotal.WithLabelValues("skipped").Inc()
		return
	}

	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("rejected url: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Paybroker-Event", string(event.Type))
	req.Header.Set("X-Paybroker-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Paybroker-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 signature of a payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	d.breaker.RecordSuccess(sub.ID)
	metrics.NotifyDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	d.breaker.RecordFailure(sub.ID)
	metrics.NotifyDeliveriesTotal.WithLabelValues("failure").Inc()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for tests and local runs.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetByBroker(ctx context.Context, broker string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Broker == broker {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
