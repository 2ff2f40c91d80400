// Package fake is a deterministic in-memory processor backend for tests
// and local development.
//
// Behavior is scripted through well-known tokens:
//   - "tok_declined" fails with a card decline
//   - "tok_expired" fails with an expired-card decline
//   - "tok_error" fails with a transport error
//
// Everything else succeeds. Transfer listings are seeded with SeedTransfer.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paybroker/paybroker/internal/charge"
	"github.com/paybroker/paybroker/internal/distribution"
	"github.com/paybroker/paybroker/internal/money"
	"github.com/paybroker/paybroker/internal/processor"
)

const pageSize = 2 // tiny pages so tests exercise pagination

// Backend implements processor.Backend in memory.
type Backend struct {
	cfg     processor.Config
	machine *charge.Machine

	mu        sync.Mutex
	seq       int
	statuses  map[string]string // processor key -> "pending" | "succeeded" | "failed"
	customers map[string]bool   // customer keys known to the "processor"
	transfers map[string][]processor.TransferRecord
	refunds   map[string]int64 // processor key -> refunded so far

	// FailListAfter, when > 0, makes ListTransfers fail once that many
	// records have been returned. Used to test partial reconciliation.
	FailListAfter int
}

// New creates a fake backend.
func New(cfg processor.Config, machine *charge.Machine) *Backend {
	return &Backend{
		cfg:       cfg,
		machine:   machine,
		statuses:  make(map[string]string),
		customers: make(map[string]bool),
		transfers: make(map[string][]processor.TransferRecord),
		refunds:   make(map[string]int64),
	}
}

func (b *Backend) Kind() processor.Kind { return processor.KindFake }
func (b *Backend) Mode() processor.Mode { return b.cfg.Mode }

func (b *Backend) CreatePayment(_ context.Context, req processor.PaymentRequest) (*processor.PaymentResult, error) {
	switch req.Token {
	case "tok_declined":
		return nil, &processor.CardError{Code: "card_declined", Message: "Your card was declined."}
	case "tok_expired":
		return nil, &processor.CardError{Code: "expired_card", Message: "Your card has expired."}
	case "tok_error":
		return nil, &processor.ProcessorError{Op: "create_payment", Err: errors.New("connection reset")}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	key := fmt.Sprintf("py_fake_%d", b.seq)
	b.statuses[key] = "pending"

	return &processor.PaymentResult{
		ProcessorKey: key,
		CreatedAt:    time.Now().UTC(),
		Receipt:      processor.Receipt{Last4: "4242", ExpMonth: 12, ExpYear: 2030},
	}, nil
}

// SettlePayment marks a pending fake payment as succeeded on the
// processor side, so a later RetrieveCharge observes the success.
func (b *Backend) SettlePayment(processorKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[processorKey] = "succeeded"
}

// FailPayment marks a pending fake payment as failed on the processor side.
func (b *Backend) FailPayment(processorKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[processorKey] = "failed"
}

func (b *Backend) CreateTransfer(_ context.Context, provider string, amount money.Money, descr string) (*processor.TransferResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	key := fmt.Sprintf("tr_fake_%d", b.seq)
	now := time.Now().UTC()
	b.transfers[provider] = append(b.transfers[provider], processor.TransferRecord{
		ProcessorKey: key,
		Amount:       amount,
		Description:  descr,
		CreatedAt:    now,
	})
	return &processor.TransferResult{ProcessorKey: key, CreatedAt: now}, nil
}

// SeedTransfer adds a processor-side transfer record without going through
// CreateTransfer, simulating a payout the local ledger missed.
func (b *Backend) SeedTransfer(provider string, rec processor.TransferRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfers[provider] = append(b.transfers[provider], rec)
}

func (b *Backend) CreateOrUpdateCard(_ context.Context, subscriber, customerKey, token string) (*processor.CardUpdate, error) {
	if token == "tok_error" {
		return nil, &processor.ProcessorError{Op: "create_or_update_card", Err: errors.New("connection reset")}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	recreated := false
	if customerKey == "" || !b.customers[customerKey] {
		// Customer missing on the processor: create a fresh record rather
		// than failing the card update.
		recreated = customerKey != ""
		b.seq++
		customerKey = fmt.Sprintf("cus_fake_%d", b.seq)
	}
	b.customers[customerKey] = true

	return &processor.CardUpdate{
		CustomerKey: customerKey,
		Receipt:     processor.Receipt{Last4: "4242", ExpMonth: 12, ExpYear: 2030},
		Recreated:   recreated,
	}, nil
}

func (b *Backend) RefundCharge(ctx context.Context, ch *charge.Charge, amount money.Money, brokerAmount int64) error {
	if !amount.SameCurrency(ch.Amount) {
		return &processor.ProcessorError{Op: "refund_charge", Err: money.ErrCurrencyMismatch}
	}

	b.mu.Lock()
	if b.refunds[ch.ProcessorKey]+amount.Amount > ch.Amount.Amount {
		b.mu.Unlock()
		return &processor.ProcessorError{Op: "refund_charge", Err: errors.New("insufficient balance")}
	}
	b.refunds[ch.ProcessorKey] += amount.Amount
	b.seq++
	refundKey := fmt.Sprintf("re_fake_%d", b.seq)
	b.mu.Unlock()

	_, err := b.machine.RecordRefund(ctx, ch.ProcessorKey, refundKey, amount)
	return err
}

func (b *Backend) RetrieveCharge(ctx context.Context, ch *charge.Charge) (*charge.Charge, error) {
	b.mu.Lock()
	status := b.statuses[ch.ProcessorKey]
	b.mu.Unlock()

	if status == "succeeded" {
		if _, err := b.machine.PaymentSuccessful(ctx, ch.ProcessorKey); err != nil {
			return nil, err
		}
	}
	return b.machine.Store().GetByProcessorKey(ctx, ch.ProcessorKey)
}

func (b *Backend) ListTransfers(_ context.Context, provider string, since time.Time, cursor string) ([]processor.TransferRecord, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []processor.TransferRecord
	for _, rec := range b.transfers[provider] {
		if rec.CreatedAt.After(since) {
			matched = append(matched, rec)
		}
	}

	start := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &start); err != nil {
			return nil, "", &processor.ProcessorError{Op: "list_transfers", Err: fmt.Errorf("bad cursor %q", cursor)}
		}
	}
	if start >= len(matched) {
		return nil, "", nil
	}

	if b.FailListAfter > 0 && start >= b.FailListAfter {
		return nil, "", &processor.ProcessorError{Op: "list_transfers", Err: errors.New("upstream unavailable")}
	}

	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	page := matched[start:end]
	next := ""
	if end < len(matched) {
		next = fmt.Sprintf("%d", end)
	}
	return page, next, nil
}

func (b *Backend) ChargeDistribution(_ context.Context, ch *charge.Charge, refunded money.Money) (*distribution.Result, error) {
	return distribution.Compute(ch.Amount, refunded, b.cfg.Fees)
}

func (b *Backend) DisputeFee(amount money.Money) money.Money {
	return money.New(1500, amount.Currency)
}

func (b *Backend) ProrateTransfer(amount money.Money) money.Money {
	// Flat 0.25% transfer fee, rounded up.
	fee := money.CeilDiv(amount.Amount*25, 10000)
	return money.New(amount.Amount-fee, amount.Currency)
}
