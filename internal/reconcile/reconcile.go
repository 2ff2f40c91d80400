// Package reconcile backfills the local transfer ledger from
// processor-side payout records.
//
// Flow:
//  1. List processor transfers for a provider, newest run resuming from a
//     checkpoint
//  2. Skip records already present in the local ledger
//  3. Create ledger entries for the rest (or report them, in dry-run)
//  4. Advance the checkpoint past the records that were fully processed
//
// Idempotence does not come from the checkpoint: the ledger's unique
// processor key makes re-processing the same records a skip, never a
// double-booking. The checkpoint only bounds how much history each run
// re-lists. A failed run leaves the checkpoint where it was, so the next
// run re-covers the window.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paybroker/paybroker/internal/idgen"
	"github.com/paybroker/paybroker/internal/payout"
	"github.com/paybroker/paybroker/internal/processor"
)

// CheckpointStore tracks the high-water mark per provider. Advance is
// forward-only: moving a checkpoint backwards only widens the re-listed
// window, so implementations reject it rather than lose that guarantee
// silently.
type CheckpointStore interface {
	Get(ctx context.Context, provider string) (time.Time, error)
	Advance(ctx context.Context, provider string, to time.Time) error
}

// Options control one reconciliation pass.
type Options struct {
	// After overrides the checkpoint as the listing lower bound. Zero
	// means resume from the stored checkpoint.
	After time.Time

	// DryRun lists and diffs but writes nothing: no ledger entries, no
	// checkpoint movement.
	DryRun bool
}

// Report is the outcome of reconciling one provider.
type Report struct {
	Provider string    `json:"provider"`
	Backend  string    `json:"backend"`
	Since    time.Time `json:"since"`
	DryRun   bool      `json:"dryRun"`

	Listed  int `json:"listed"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`

	// WouldCreate holds the transfers a dry-run would have booked.
	WouldCreate []*payout.Transfer `json:"wouldCreate,omitempty"`

	// MissingCoverage is set when the backend cannot list payouts at all.
	MissingCoverage bool `json:"missingCoverage,omitempty"`

	// Error records a mid-run failure. Entries created before the failure
	// stand; the checkpoint was not advanced.
	Error string `json:"error,omitempty"`
}

// Engine reconciles one backend's payouts against the local ledger.
type Engine struct {
	backend     processor.Backend
	payouts     payout.Store
	checkpoints CheckpointStore
	logger      *slog.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(backend processor.Backend, payouts payout.Store, checkpoints CheckpointStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{backend: backend, payouts: payouts, checkpoints: checkpoints, logger: logger}
}

// ReconcileProvider runs one reconciliation pass for a provider. The
// returned report is non-nil even on error, describing the partial
// progress made.
func (e *Engine) ReconcileProvider(ctx context.Context, provider string, opts Options) (*Report, error) {
	timer := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(timer).Seconds()) }()

	report := &Report{
		Provider: provider,
		Backend:  string(e.backend.Kind()),
		DryRun:   opts.DryRun,
	}

	since := opts.After
	if since.IsZero() {
		cp, err := e.checkpoints.Get(ctx, provider)
		if err != nil {
			reconcileErrors.Inc()
			report.Error = err.Error()
			return report, fmt.Errorf("loading checkpoint for %s: %w", provider, err)
		}
		since = cp
	}
	report.Since = since

	var (
		cursor  string
		highest time.Time
	)
	for {
		records, next, err := e.backend.ListTransfers(ctx, provider, since, cursor)
		if errors.Is(err, processor.ErrNotImplemented) {
			report.MissingCoverage = true
			reconcileMissingCoverage.Inc()
			e.logger.Warn("backend cannot list payouts, provider unreconciled",
				"backend", report.Backend, "provider", provider)
			return report, nil
		}
		if err != nil {
			reconcileErrors.Inc()
			report.Error = err.Error()
			return report, fmt.Errorf("listing transfers for %s: %w", provider, err)
		}

		for _, rec := range records {
			report.Listed++
			if rec.CreatedAt.After(highest) {
				highest = rec.CreatedAt
			}

			exists, err := e.payouts.Exists(ctx, rec.ProcessorKey)
			if err != nil {
				reconcileErrors.Inc()
				report.Error = err.Error()
				return report, fmt.Errorf("checking transfer %s: %w", rec.ProcessorKey, err)
			}
			if exists {
				report.Skipped++
				reconcileSkipped.Inc()
				continue
			}

			t := &payout.Transfer{
				ID:           idgen.WithPrefix("tr_"),
				ProcessorKey: rec.ProcessorKey,
				Provider:     provider,
				Amount:       rec.Amount,
				Description:  rec.Description,
				CreatedAt:    rec.CreatedAt,
			}
			if opts.DryRun {
				report.WouldCreate = append(report.WouldCreate, t)
				continue
			}

			switch err := e.payouts.Create(ctx, t); {
			case err == nil:
				report.Created++
				reconcileCreated.Inc()
				e.logger.Info("reconciled missing transfer",
					"provider", provider, "processor_key", rec.ProcessorKey,
					"amount", rec.Amount.Amount, "currency", rec.Amount.Currency)
			case errors.Is(err, payout.ErrDuplicateTransfer):
				// Raced another writer; the ledger entry exists either way.
				report.Skipped++
				reconcileSkipped.Inc()
			default:
				reconcileErrors.Inc()
				report.Error = err.Error()
				return report, fmt.Errorf("recording transfer %s: %w", rec.ProcessorKey, err)
			}
		}

		if next == "" {
			break
		}
		cursor = next
	}

	if !opts.DryRun && highest.After(since) {
		if err := e.checkpoints.Advance(ctx, provider, highest); err != nil {
			reconcileErrors.Inc()
			report.Error = err.Error()
			return report, fmt.Errorf("advancing checkpoint for %s: %w", provider, err)
		}
	}
	return report, nil
}

// Runner reconciles a fixed set of providers, isolating failures: one
// provider's error never stops the others.
type Runner struct {
	engine    *Engine
	providers []string
	logger    *slog.Logger
}

// NewRunner creates a runner over the given providers.
func NewRunner(engine *Engine, providers []string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{engine: engine, providers: providers, logger: logger}
}

// RunAll reconciles every provider and returns one report each. Failed
// providers carry their error in the report; err is non-nil only when at
// least one provider failed.
func (r *Runner) RunAll(ctx context.Context, opts Options) ([]*Report, error) {
	reports := make([]*Report, 0, len(r.providers))
	failed := 0
	for _, p := range r.providers {
		rep, err := r.engine.ReconcileProvider(ctx, p, opts)
		if err != nil {
			failed++
			r.logger.Error("provider reconciliation failed", "provider", p, "error", err)
		}
		reports = append(reports, rep)
	}
	if failed > 0 {
		return reports, fmt.Errorf("%d of %d providers failed", failed, len(r.providers))
	}
	return reports, nil
}
