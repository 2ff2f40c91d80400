package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paybroker/paybroker/internal/circuitbreaker"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store)
	d.urlValidator = noopValidator
	return d
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "sub_test1",
		Broker:    "broker_1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventChargeSettled},
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "sub_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	sub.Active = false
	store.Update(ctx, sub)
	got, _ = store.Get(ctx, "sub_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	store.Delete(ctx, "sub_test1")
	if _, err = store.Get(ctx, "sub_test1"); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByBroker(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "s1", Broker: "b_a", Events: []EventType{EventChargeSettled}})
	store.Create(ctx, &Subscription{ID: "s2", Broker: "b_b", Events: []EventType{EventChargeSettled}})
	store.Create(ctx, &Subscription{ID: "s3", Broker: "b_a", Events: []EventType{EventChargeFailed}})

	subs, _ := store.GetByBroker(ctx, "b_a")
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for b_a, got %d", len(subs))
	}
}

func TestMemoryStore_GetByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "s1", Events: []EventType{EventChargeSettled, EventRefundRecorded}})
	store.Create(ctx, &Subscription{ID: "s2", Events: []EventType{EventChargeFailed}})
	store.Create(ctx, &Subscription{ID: "s3", Events: []EventType{EventChargeSettled}})

	subs, _ := store.GetByEvent(ctx, EventChargeSettled)
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for charge.settled, got %d", len(subs))
	}
}

func TestDispatchSignsPayload(t *testing.T) {
	var gotSig atomic.Value
	var gotBody atomic.Value
	received := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get("X-Paybroker-Signature"))
		received <- struct{}{}
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "s1",
		Broker: "b_1",
		URL:    srv.URL,
		Secret: "hook_secret",
		Events: []EventType{EventChargeSettled},
		Active: true,
	})

	d := newTestDispatcher(store)
	err := d.Dispatch(ctx, &Event{
		ID:        "evt_1",
		Type:      EventChargeSettled,
		Timestamp: time.Now(),
		Data:      map[string]any{"chargeId": "ch_1"},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}

	body := gotBody.Load().([]byte)
	h := hmac.New(sha256.New, []byte("hook_secret"))
	h.Write(body)
	want := hex.EncodeToString(h.Sum(nil))
	if gotSig.Load().(string) != want {
		t.Errorf("signature mismatch: got %s want %s", gotSig.Load(), want)
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if ev.Type != EventChargeSettled {
		t.Errorf("expected charge.settled, got %s", ev.Type)
	}
}

func TestDispatchSkipsInactive(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID: "s1", URL: srv.URL, Events: []EventType{EventChargeSettled}, Active: false,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{ID: "evt_1", Type: EventChargeSettled, Timestamp: time.Now()})

	time.Sleep(100 * time.Millisecond)
	if hits.Load() != 0 {
		t.Errorf("inactive subscription received %d deliveries", hits.Load())
	}
}

func TestRepeatedFailuresDeactivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	sub := &Subscription{
		ID: "s1", Broker: "b_1", URL: srv.URL,
		Events: []EventType{EventChargeSettled}, Active: true,
	}
	store.Create(ctx, sub)

	d := newTestDispatcher(store)
	// Widen the breaker so every attempt reaches the endpoint; the
	// shedding behavior has its own test below.
	d.breaker = circuitbreaker.New(maxConsecutiveFailures+1, time.Minute)
	for i := 0; i < maxConsecutiveFailures; i++ {
		d.send(ctx, sub, &Event{ID: "evt", Type: EventChargeSettled, Timestamp: time.Now()})
	}

	got, _ := store.Get(ctx, "s1")
	if got.Active {
		t.Error("subscription should be deactivated after repeated failures")
	}
	if got.ConsecutiveFailures < maxConsecutiveFailures {
		t.Errorf("expected %d consecutive failures, got %d", maxConsecutiveFailures, got.ConsecutiveFailures)
	}
}

func TestEmitterDeliveryOutlivesEmitCall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID: "s1", Broker: "b_1", URL: srv.URL,
		Events: []EventType{EventChargeFailed}, Active: true,
	})

	d := newTestDispatcher(store)
	e := NewEmitter(d, nil)

	// Emit returns before the async POST happens; the delivery must not
	// inherit the emit call's cancellation.
	e.EmitChargeFailed("b_1", "ch_1", "pk_1")

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hits.Load() == 0 {
		t.Fatal("notification was never delivered")
	}

	got, _ := store.Get(ctx, "s1")
	if got.LastError != "" {
		t.Errorf("delivery recorded error: %s", got.LastError)
	}
}

func TestBreakerShedsFailingEndpoint(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	sub := &Subscription{
		ID: "s1", Broker: "b_1", URL: srv.URL,
		Events: []EventType{EventChargeSettled}, Active: true,
	}
	store.Create(ctx, sub)

	d := newTestDispatcher(store)
	d.breaker = circuitbreaker.New(3, time.Minute)
	for i := 0; i < 8; i++ {
		d.send(ctx, sub, &Event{ID: "evt", Type: EventChargeSettled, Timestamp: time.Now()})
	}

	if n := hits.Load(); n != 3 {
		t.Errorf("expected delivery attempts to stop after 3 failures, endpoint saw %d", n)
	}
}

func TestValidateURLRejectsInternal(t *testing.T) {
	cases := []struct {
		url string
		ok  bool
	}{
		{"https://example.com/hook", true},
		{"http://example.com/hook", true},
		{"ftp://example.com", false},
		{"http://localhost/hook", false},
		{"http://127.0.0.1/hook", false},
		{"http://10.0.0.5/hook", false},
		{"http://192.168.1.1/hook", false},
	}
	for _, tc := range cases {
		err := validateURL(tc.url)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.url, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected rejection", tc.url)
		}
	}
}

func TestEmitterNilSafe(t *testing.T) {
	var e *Emitter
	// Must not panic.
	e.EmitChargeFailed("b_1", "ch_1", "py_1")
}
