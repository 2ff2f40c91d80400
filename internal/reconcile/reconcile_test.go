package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybroker/paybroker/internal/charge"
	"github.com/paybroker/paybroker/internal/distribution"
	"github.com/paybroker/paybroker/internal/money"
	"github.com/paybroker/paybroker/internal/payout"
	"github.com/paybroker/paybroker/internal/processor"
	"github.com/paybroker/paybroker/internal/processor/fake"
)

func newFakeBackend() *fake.Backend {
	cfg := processor.Config{
		Kind: processor.KindFake,
		Mode: processor.ModeLocal,
		Fees: distribution.Schedule{Numerator: 290, Denominator: 10000, Fixed: 30},
	}
	return fake.New(cfg, charge.NewMachine(charge.NewMemoryStore(), nil))
}

func seedRecord(key string, amount int64, at time.Time) processor.TransferRecord {
	return processor.TransferRecord{
		ProcessorKey: key,
		Amount:       money.USD(amount),
		Description:  "payout",
		CreatedAt:    at,
	}
}

func TestReconcileCreatesMissingTransfers(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	payouts := payout.NewMemoryStore()
	checkpoints := NewMemoryCheckpoints()
	engine := NewEngine(backend, payouts, checkpoints, nil)

	base := time.Now().UTC().Add(-time.Hour)

	// One transfer the ledger already knows about, two it missed.
	known, err := backend.CreateTransfer(ctx, "prov_1", money.USD(5000), "payout")
	require.NoError(t, err)
	require.NoError(t, payouts.Create(ctx, &payout.Transfer{
		ID:           "tr_local_1",
		ProcessorKey: known.ProcessorKey,
		Provider:     "prov_1",
		Amount:       money.USD(5000),
		CreatedAt:    known.CreatedAt,
	}))
	backend.SeedTransfer("prov_1", seedRecord("tr_missed_1", 3000, base.Add(time.Minute)))
	backend.SeedTransfer("prov_1", seedRecord("tr_missed_2", 4000, base.Add(2*time.Minute)))

	// Dry run: reports the gap, writes nothing.
	rep, err := engine.ReconcileProvider(ctx, "prov_1", Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Listed)
	assert.Equal(t, 0, rep.Created)
	assert.Equal(t, 1, rep.Skipped)
	require.Len(t, rep.WouldCreate, 2)
	assert.Equal(t, "tr_missed_1", rep.WouldCreate[0].ProcessorKey)

	exists, err := payouts.Exists(ctx, "tr_missed_1")
	require.NoError(t, err)
	assert.False(t, exists, "dry run must not write")
	cp, err := checkpoints.Get(ctx, "prov_1")
	require.NoError(t, err)
	assert.True(t, cp.IsZero(), "dry run must not advance the checkpoint")

	// Real run books both missing transfers.
	rep, err = engine.ReconcileProvider(ctx, "prov_1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Created)
	assert.Equal(t, 1, rep.Skipped)

	got, err := payouts.GetByProcessorKey(ctx, "tr_missed_2")
	require.NoError(t, err)
	assert.EqualValues(t, 4000, got.Amount.Amount)
	assert.Equal(t, "prov_1", got.Provider)

	// Re-running the same window books nothing new.
	rep, err = engine.ReconcileProvider(ctx, "prov_1", Options{After: base})
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Created)
	assert.Equal(t, 3, rep.Skipped)
}

func TestReconcileAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	checkpoints := NewMemoryCheckpoints()
	engine := NewEngine(backend, payout.NewMemoryStore(), checkpoints, nil)

	newest := time.Now().UTC().Add(-time.Minute)
	backend.SeedTransfer("prov_1", seedRecord("tr_1", 1000, newest.Add(-time.Minute)))
	backend.SeedTransfer("prov_1", seedRecord("tr_2", 2000, newest))

	_, err := engine.ReconcileProvider(ctx, "prov_1", Options{})
	require.NoError(t, err)

	cp, err := checkpoints.Get(ctx, "prov_1")
	require.NoError(t, err)
	assert.True(t, cp.Equal(newest), "checkpoint must land on the newest record")

	// Next run resumes past the processed records.
	rep, err := engine.ReconcileProvider(ctx, "prov_1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Listed)
}

func TestReconcilePartialFailureKeepsProgress(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	payouts := payout.NewMemoryStore()
	checkpoints := NewMemoryCheckpoints()
	engine := NewEngine(backend, payouts, checkpoints, nil)

	base := time.Now().UTC().Add(-time.Hour)
	for i, key := range []string{"tr_1", "tr_2", "tr_3", "tr_4"} {
		backend.SeedTransfer("prov_1", seedRecord(key, 1000, base.Add(time.Duration(i)*time.Minute)))
	}
	backend.FailListAfter = 2 // first page succeeds, second fails

	rep, err := engine.ReconcileProvider(ctx, "prov_1", Options{})
	require.Error(t, err)
	assert.Equal(t, 2, rep.Created, "entries before the failure stand")
	assert.NotEmpty(t, rep.Error)

	cp, err := checkpoints.Get(ctx, "prov_1")
	require.NoError(t, err)
	assert.True(t, cp.IsZero(), "failed run must not advance the checkpoint")

	// Recovery run re-lists everything and books only the gap.
	backend.FailListAfter = 0
	rep, err = engine.ReconcileProvider(ctx, "prov_1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Created)
	assert.Equal(t, 2, rep.Skipped)
}

type noListBackend struct {
	*fake.Backend
}

func (noListBackend) ListTransfers(context.Context, string, time.Time, string) ([]processor.TransferRecord, string, error) {
	return nil, "", processor.ErrNotImplemented
}

func TestReconcileReportsMissingCoverage(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(noListBackend{newFakeBackend()}, payout.NewMemoryStore(), NewMemoryCheckpoints(), nil)

	rep, err := engine.ReconcileProvider(ctx, "prov_1", Options{})
	require.NoError(t, err)
	assert.True(t, rep.MissingCoverage)
	assert.Equal(t, 0, rep.Listed)
}

func TestRunAllIsolatesProviderFailures(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	payouts := payout.NewMemoryStore()
	engine := NewEngine(backend, payouts, NewMemoryCheckpoints(), nil)

	base := time.Now().UTC().Add(-time.Hour)
	backend.SeedTransfer("prov_ok", seedRecord("tr_ok", 1000, base))
	// prov_fail has enough records to trip the scripted listing failure on
	// its second page; prov_ok's single record stays under the threshold.
	for i, key := range []string{"tr_f1", "tr_f2", "tr_f3"} {
		backend.SeedTransfer("prov_fail", seedRecord(key, 1000, base.Add(time.Duration(i)*time.Minute)))
	}
	backend.FailListAfter = 2

	runner := NewRunner(engine, []string{"prov_fail", "prov_ok"}, nil)
	reports, err := runner.RunAll(ctx, Options{})
	require.Error(t, err)
	require.Len(t, reports, 2)

	assert.NotEmpty(t, reports[0].Error)
	assert.Empty(t, reports[1].Error)
	assert.Equal(t, 1, reports[1].Created, "healthy provider reconciled despite the failure")
}

func TestMemoryCheckpointsForwardOnly(t *testing.T) {
	ctx := context.Background()
	cps := NewMemoryCheckpoints()
	now := time.Now().UTC()

	require.NoError(t, cps.Advance(ctx, "prov_1", now))
	err := cps.Advance(ctx, "prov_1", now.Add(-time.Hour))
	assert.Error(t, err, "checkpoints never move backwards")

	got, err := cps.Get(ctx, "prov_1")
	require.NoError(t, err)
	assert.True(t, got.Equal(now))
}
