// Command reconcile diffs processor-side payouts against the local ledger
// and books any transfers the ledger missed.
//
// Usage:
//
//	reconcile -provider agency-1 -provider agency-2
//	reconcile -dry-run                         # report only, write nothing
//	reconcile -after 2026-01-01T00:00:00Z      # override the stored checkpoint
//
// Without -provider flags the PROVIDERS environment variable is used.
// Exits non-zero when any provider's run failed.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/paybroker/paybroker/internal/charge"
	"github.com/paybroker/paybroker/internal/config"
	"github.com/paybroker/paybroker/internal/logging"
	"github.com/paybroker/paybroker/internal/payout"
	"github.com/paybroker/paybroker/internal/processor/factory"
	"github.com/paybroker/paybroker/internal/reconcile"
)

type providerList []string

func (p *providerList) String() string { return fmt.Sprint(*p) }

func (p *providerList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	var providers providerList
	dryRun := flag.Bool("dry-run", false, "report without writing ledger entries or moving checkpoints")
	after := flag.String("after", "", "list transfers created after this RFC3339 time instead of the checkpoint")
	atTime := flag.String("at-time", "", "accepted for scheduler compatibility, currently unused")
	flag.Var(&providers, "provider", "provider to reconcile (repeatable)")
	flag.Parse()

	_ = atTime

	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if len(providers) == 0 {
		providers = cfg.Providers
	}
	if len(providers) == 0 {
		fmt.Fprintln(os.Stderr, "no providers: pass -provider or set PROVIDERS")
		os.Exit(1)
	}

	opts := reconcile.Options{DryRun: *dryRun}
	if *after != "" {
		t, err := time.Parse(time.RFC3339, *after)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -after value %q: must be RFC3339\n", *after)
			os.Exit(1)
		}
		opts.After = t
	}

	ctx := context.Background()

	var chargeStore charge.Store
	var payouts payout.Store
	var checkpoints reconcile.CheckpointStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		if err := db.Ping(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
			os.Exit(1)
		}

		chargeStore = charge.NewPostgresStore(db)
		payouts = payout.NewPostgresStore(db)
		checkpoints = reconcile.NewPostgresCheckpoints(db)
	} else {
		// Without a database there is no ledger to reconcile against; a
		// run still works but only as a listing exercise.
		logger.Warn("DATABASE_URL not set, using empty in-memory ledger")
		chargeStore = charge.NewMemoryStore()
		payouts = payout.NewMemoryStore()
		checkpoints = reconcile.NewMemoryCheckpoints()
	}

	machine := charge.NewMachine(chargeStore, logger)
	backend, err := factory.New(cfg.ProcessorConfig(), machine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create processor backend: %v\n", err)
		os.Exit(1)
	}

	engine := reconcile.NewEngine(backend, payouts, checkpoints, logger)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	failed := 0
	for _, provider := range providers {
		report, err := engine.ReconcileProvider(ctx, provider, opts)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "reconcile %s failed: %v\n", provider, err)
		}
		if report != nil {
			if err := enc.Encode(report); err != nil {
				fmt.Fprintf(os.Stderr, "encode report for %s: %v\n", provider, err)
			}
		}
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d providers failed\n", failed, len(providers))
		os.Exit(1)
	}
}
