package charge_test

import (
	"context"
	"errors"
	"testing"

	"github.com/paybroker/paybroker/internal/charge"
	"github.com/paybroker/paybroker/internal/money"
	"github.com/paybroker/paybroker/internal/testutil"
)

// Integration tests against a real postgres. Skipped unless POSTGRES_URL
// is set; the in-memory store covers the same contract in machine_test.go.

func TestPostgresStoreLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := charge.NewPostgresStore(db)
	ctx := context.Background()

	ch := &charge.Charge{
		ID:           "ch_pg_1",
		ProcessorKey: "pk_pg_1",
		Broker:       "acme",
		Provider:     "agency-1",
		Subscriber:   "sub-1",
		Amount:       money.New(5000, "USD"),
		State:        charge.StateInProgress,
	}
	if err := store.Create(ctx, ch); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, ch); !errors.Is(err, charge.ErrDuplicateKey) {
		t.Fatalf("duplicate Create: want ErrDuplicateKey, got %v", err)
	}

	got, err := store.GetByProcessorKey(ctx, "pk_pg_1")
	if err != nil {
		t.Fatalf("GetByProcessorKey: %v", err)
	}
	if got.State != charge.StateInProgress || got.Amount.Amount != 5000 {
		t.Fatalf("unexpected charge: %+v", got)
	}

	applied, err := store.CompareAndSetState(ctx, "pk_pg_1",
		[]charge.State{charge.StateInProgress, charge.StateCaptured}, charge.StateDone)
	if err != nil || !applied {
		t.Fatalf("CompareAndSetState: applied=%v err=%v", applied, err)
	}

	// Already DONE: the same transition is a no-op, not an error.
	applied, err = store.CompareAndSetState(ctx, "pk_pg_1",
		[]charge.State{charge.StateInProgress}, charge.StateDone)
	if err != nil {
		t.Fatalf("CompareAndSetState repeat: %v", err)
	}
	if applied {
		t.Fatal("transition from IN_PROGRESS should not apply to a DONE charge")
	}

	if _, err := store.CompareAndSetState(ctx, "pk_missing",
		[]charge.State{charge.StateInProgress}, charge.StateDone); !errors.Is(err, charge.ErrUnknownCharge) {
		t.Fatalf("unknown key: want ErrUnknownCharge, got %v", err)
	}
}

func TestPostgresStoreRefundDedup(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := charge.NewPostgresStore(db)
	ctx := context.Background()

	ch := &charge.Charge{
		ID:           "ch_pg_2",
		ProcessorKey: "pk_pg_2",
		Broker:       "acme",
		Amount:       money.New(10000, "USD"),
		State:        charge.StateDone,
	}
	if err := store.Create(ctx, ch); err != nil {
		t.Fatalf("Create: %v", err)
	}

	recorded, err := store.AddRefund(ctx, "pk_pg_2", "re_1", 4000)
	if err != nil || !recorded {
		t.Fatalf("AddRefund: recorded=%v err=%v", recorded, err)
	}

	// Redelivered refund key must not accumulate twice.
	recorded, err = store.AddRefund(ctx, "pk_pg_2", "re_1", 4000)
	if err != nil {
		t.Fatalf("AddRefund repeat: %v", err)
	}
	if recorded {
		t.Fatal("duplicate refund key should not be recorded")
	}

	got, err := store.GetByProcessorKey(ctx, "pk_pg_2")
	if err != nil {
		t.Fatalf("GetByProcessorKey: %v", err)
	}
	if got.Refunded.Amount != 4000 {
		t.Fatalf("refunded = %d, want 4000", got.Refunded.Amount)
	}
}

func TestPostgresStoreDisputeStage(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := charge.NewPostgresStore(db)
	ctx := context.Background()

	ch := &charge.Charge{
		ID:           "ch_pg_3",
		ProcessorKey: "pk_pg_3",
		Broker:       "acme",
		Amount:       money.New(2500, "USD"),
		State:        charge.StateDone,
	}
	if err := store.Create(ctx, ch); err != nil {
		t.Fatalf("Create: %v", err)
	}

	applied, err := store.SetDispute(ctx, "pk_pg_3", charge.DisputeCreated)
	if err != nil || !applied {
		t.Fatalf("SetDispute: applied=%v err=%v", applied, err)
	}
	applied, err = store.SetDispute(ctx, "pk_pg_3", charge.DisputeClosed)
	if err != nil || !applied {
		t.Fatalf("SetDispute close: applied=%v err=%v", applied, err)
	}

	got, err := store.GetByProcessorKey(ctx, "pk_pg_3")
	if err != nil {
		t.Fatalf("GetByProcessorKey: %v", err)
	}
	if got.Dispute != charge.DisputeClosed {
		t.Fatalf("dispute = %q, want closed", got.Dispute)
	}
}
