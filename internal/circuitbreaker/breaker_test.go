package circuitbreaker

import (
	"testing"
	"time"
)

// frozen pins the breaker's clock so cooldown expiry is driven by the
// test instead of sleeps.
func frozen(b *Breaker) *time.Time {
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }
	return &now
}

func TestFreshDestinationAllows(t *testing.T) {
	b := New(3, time.Minute)
	if !b.Allow("sub_1") {
		t.Fatal("destination with no history must be allowed")
	}
	if b.State("sub_1") != StateClosed {
		t.Fatalf("state = %v, want closed", b.State("sub_1"))
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, time.Minute)
	frozen(b)

	b.RecordFailure("sub_1")
	b.RecordFailure("sub_1")
	if !b.Allow("sub_1") {
		t.Fatal("two failures must not trip a threshold of three")
	}

	b.RecordFailure("sub_1")
	if b.Allow("sub_1") {
		t.Fatal("third failure must trip the circuit")
	}
	if b.State("sub_1") != StateOpen {
		t.Fatalf("state = %v, want open", b.State("sub_1"))
	}
}

func TestCooldownAdmitsOneProbe(t *testing.T) {
	b := New(2, time.Minute)
	now := frozen(b)

	b.RecordFailure("sub_1")
	b.RecordFailure("sub_1")
	if b.Allow("sub_1") {
		t.Fatal("circuit must be open")
	}

	*now = now.Add(time.Minute)

	if !b.Allow("sub_1") {
		t.Fatal("cooldown elapsed, the probe must be admitted")
	}
	if b.State("sub_1") != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State("sub_1"))
	}
	if b.Allow("sub_1") {
		t.Fatal("only one probe may be in flight")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(2, time.Minute)
	now := frozen(b)

	b.RecordFailure("sub_1")
	b.RecordFailure("sub_1")
	*now = now.Add(time.Minute)
	b.Allow("sub_1")

	b.RecordSuccess("sub_1")
	if b.State("sub_1") != StateClosed {
		t.Fatalf("state after good probe = %v, want closed", b.State("sub_1"))
	}
	if !b.Allow("sub_1") {
		t.Fatal("recovered destination must be allowed")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(2, time.Minute)
	now := frozen(b)

	b.RecordFailure("sub_1")
	b.RecordFailure("sub_1")
	*now = now.Add(time.Minute)
	b.Allow("sub_1")

	b.RecordFailure("sub_1")
	if b.State("sub_1") != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", b.State("sub_1"))
	}
	if b.Allow("sub_1") {
		t.Fatal("failed probe must start another cooldown")
	}
}

func TestSuccessClearsStreak(t *testing.T) {
	b := New(3, time.Minute)
	frozen(b)

	b.RecordFailure("sub_1")
	b.RecordFailure("sub_1")
	b.RecordSuccess("sub_1")

	b.RecordFailure("sub_1")
	if !b.Allow("sub_1") {
		t.Fatal("streak was cleared, one failure must not trip")
	}
}

func TestDestinationsAreIndependent(t *testing.T) {
	b := New(2, time.Minute)
	frozen(b)

	b.RecordFailure("sub_1")
	b.RecordFailure("sub_1")

	if b.Allow("sub_1") {
		t.Fatal("sub_1 must be shedding")
	}
	if !b.Allow("sub_2") {
		t.Fatal("sub_2 shares no state with sub_1")
	}
}

func TestStateString(t *testing.T) {
	for _, tt := range []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
	} {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
