package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestFirstAttemptSucceeds(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	// A processor call that 502s twice and then goes through.
	attempts := 0
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("bad gateway")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestExhaustionReturnsLastError(t *testing.T) {
	attempts := 0
	gatewayDown := errors.New("connection refused")
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		attempts++
		return gatewayDown
	})
	if !errors.Is(err, gatewayDown) {
		t.Fatalf("err = %v, want the last failure", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestCardDeclineIsNotRetried(t *testing.T) {
	// Retrying a decline just declines again, so callers mark it
	// permanent and Do must stop at one attempt.
	attempts := 0
	declined := errors.New("card_declined")
	err := Do(context.Background(), 5, 10*time.Millisecond, func() error {
		attempts++
		return Permanent(declined)
	})
	if !errors.Is(err, declined) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestPermanentUnwrapsForCallers(t *testing.T) {
	// Call sites type-assert on the processor error, so Do must hand
	// back the wrapped error itself, not the Permanent envelope.
	inner := errors.New("card_declined")
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		return Permanent(inner)
	})
	if err != inner {
		t.Fatalf("err = %v, want the inner error unwrapped", err)
	}
}

func TestCancellationStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var attempts atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		attempts.Add(1)
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := attempts.Load(); n > 3 {
		t.Fatalf("attempts = %d, cancellation must cut the loop short", n)
	}
}

func TestZeroAttemptsRoundsUpToOne(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 0, time.Millisecond, func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestBackoffSpacesAttempts(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 4, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 4 {
			return errors.New("timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if len(stamps) != 4 {
		t.Fatalf("attempts = %d, want 4", len(stamps))
	}
	// Jitter makes exact delays unassertable; the floor is base minus
	// the 25% jitter band.
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 5*time.Millisecond {
			t.Errorf("gap %d = %v, too short for backoff", i, gap)
		}
	}
}
