package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	return l
}

func TestBurstThenThrottle(t *testing.T) {
	l := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})

	for i := 0; i < 5; i++ {
		if !l.Allow("203.0.113.7") {
			t.Fatalf("request %d is within the burst allowance", i)
		}
	}
	if l.Allow("203.0.113.7") {
		t.Fatal("burst spent, request must be throttled")
	}

	// One token refills per second at 60/min.
	time.Sleep(1100 * time.Millisecond)
	if !l.Allow("203.0.113.7") {
		t.Fatal("budget refilled, request must pass")
	}
}

func TestCallersHaveSeparateBudgets(t *testing.T) {
	l := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})

	for i := 0; i < 3; i++ {
		l.Allow("auth:sk_broker_a")
	}
	if l.Allow("auth:sk_broker_a") {
		t.Fatal("broker A spent its budget")
	}
	if !l.Allow("auth:sk_broker_b") {
		t.Fatal("broker B's budget is untouched by broker A")
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	router := gin.New()
	router.Use(l.Middleware())
	router.POST("/v1/charges", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })

	do := func() int {
		req := httptest.NewRequest("POST", "/v1/charges", nil)
		req.Header.Set("Authorization", "Bearer sk_broker_a")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", code)
	}
}

func TestMiddlewareKeysAuthenticatedCallersApart(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	router := gin.New()
	router.Use(l.Middleware())
	router.POST("/v1/charges", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })

	do := func(auth string) int {
		req := httptest.NewRequest("POST", "/v1/charges", nil)
		req.Header.Set("Authorization", auth)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	// Two brokers behind the same source IP must not share a budget.
	if code := do("Bearer sk_broker_a"); code != http.StatusOK {
		t.Fatalf("broker A status = %d, want 200", code)
	}
	if code := do("Bearer sk_broker_b"); code != http.StatusOK {
		t.Fatalf("broker B status = %d, want 200", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
