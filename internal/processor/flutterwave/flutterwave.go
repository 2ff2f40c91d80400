// Package flutterwave implements the processor contract against a
// Flutterwave-style REST API.
//
// Flutterwave charges synchronously: the charge call blocks until the
// payment is approved or declined, so the first poll after a successful
// CreatePayment confirms the charge with no capture or webhook step. The
// processor exposes no payout listing, so ListTransfers reports
// ErrNotImplemented and reconciliation flags the coverage gap.
package flutterwave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/paybroker/paybroker/internal/charge"
	"github.com/paybroker/paybroker/internal/distribution"
	"github.com/paybroker/paybroker/internal/logging"
	"github.com/paybroker/paybroker/internal/metrics"
	"github.com/paybroker/paybroker/internal/money"
	"github.com/paybroker/paybroker/internal/processor"
	"github.com/paybroker/paybroker/internal/retry"
	"github.com/paybroker/paybroker/internal/traces"
)

const defaultBaseURL = "https://api.flutterwave.com"

// Backend talks to a Flutterwave-style processor.
type Backend struct {
	cfg     processor.Config
	machine *charge.Machine
	client  *http.Client
	baseURL string
}

// New creates a Flutterwave backend for one broker's credentials.
func New(cfg processor.Config, machine *charge.Machine) *Backend {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Backend{
		cfg:     cfg,
		machine: machine,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: base,
	}
}

func (b *Backend) Kind() processor.Kind { return processor.KindFlutterwave }
func (b *Backend) Mode() processor.Mode { return b.cfg.Mode }

// envelope is the common response shape: status is "success" or "error",
// with the payload under data.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type chargeData struct {
	ID        int64  `json:"id"`
	Reference string `json:"flw_ref"`
	Status    string `json:"status"` // successful, failed, pending
	CreatedAt string `json:"created_at"`
	Card      struct {
		Last4  string `json:"last_4digits"`
		Expiry string `json:"expiry"` // "MM/YY"
	} `json:"card"`
}

func (b *Backend) CreatePayment(ctx context.Context, req processor.PaymentRequest) (*processor.PaymentResult, error) {
	ctx, span := traces.StartSpan(ctx, "flutterwave.create_payment",
		traces.Backend("flutterwave"),
		traces.Provider(req.Provider),
		traces.Amount(req.Amount.Amount, req.Amount.Currency),
	)
	defer span.End()

	body := map[string]any{
		"amount":    req.Amount.Amount,
		"currency":  req.Amount.Currency,
		"token":     req.Token,
		"tx_ref":    req.IdempotencyKey,
		"narration": req.Description,
	}
	if b.cfg.Mode == processor.ModeForward {
		body["subaccounts"] = []map[string]any{{"id": req.Provider}}
	}

	var data chargeData
	if err := b.do(ctx, "create_payment", http.MethodPost, "/v3/charges?type=card", body, &data); err != nil {
		return nil, err
	}
	if data.Status == "failed" {
		metrics.CardErrorsTotal.WithLabelValues("flutterwave", "charge_failed").Inc()
		return nil, &processor.CardError{
			Code:         "charge_failed",
			Message:      "charge declined",
			ProcessorKey: data.Reference,
		}
	}

	// The charge call already settled the payment; the caller's first poll
	// via RetrieveCharge confirms the charge DONE without waiting on a
	// webhook that will never come.
	return &processor.PaymentResult{
		ProcessorKey: data.Reference,
		CreatedAt:    parseTime(data.CreatedAt),
		Receipt:      cardReceipt(data.Card.Last4, data.Card.Expiry),
	}, nil
}

func (b *Backend) CreateTransfer(ctx context.Context, provider string, amount money.Money, descr string) (*processor.TransferResult, error) {
	ctx, span := traces.StartSpan(ctx, "flutterwave.create_transfer",
		traces.Backend("flutterwave"),
		traces.Provider(provider),
		traces.Amount(amount.Amount, amount.Currency),
	)
	defer span.End()

	body := map[string]any{
		"account_reference": provider,
		"amount":            amount.Amount,
		"currency":          amount.Currency,
		"narration":         descr,
	}
	var data struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
		CreatedAt string `json:"created_at"`
	}
	if err := b.do(ctx, "create_transfer", http.MethodPost, "/v3/transfers", body, &data); err != nil {
		return nil, err
	}
	return &processor.TransferResult{
		ProcessorKey: data.Reference,
		CreatedAt:    parseTime(data.CreatedAt),
	}, nil
}

func (b *Backend) CreateOrUpdateCard(ctx context.Context, subscriber, customerKey, token string) (*processor.CardUpdate, error) {
	ctx, span := traces.StartSpan(ctx, "flutterwave.create_or_update_card", traces.Backend("flutterwave"))
	defer span.End()

	type customerData struct {
		ID   string `json:"id"`
		Card struct {
			Last4  string `json:"last_4digits"`
			Expiry string `json:"expiry"`
		} `json:"card"`
	}
	body := map[string]any{"token": token, "meta": map[string]string{"subscriber": subscriber}}

	if customerKey != "" {
		var data customerData
		err := b.do(ctx, "create_or_update_card", http.MethodPut, "/v3/customers/"+customerKey, body, &data)
		if err == nil {
			return &processor.CardUpdate{
				CustomerKey: data.ID,
				Receipt:     cardReceipt(data.Card.Last4, data.Card.Expiry),
			}, nil
		}
		pe, ok := err.(*processor.ProcessorError)
		if !ok || pe.StatusCode != http.StatusNotFound {
			return nil, err
		}
		logging.L(ctx).Warn("flutterwave customer missing, recreating",
			"subscriber", subscriber, "old_customer", customerKey)
		metrics.CustomerRecreatedTotal.WithLabelValues("flutterwave").Inc()
	}

	var data customerData
	if err := b.do(ctx, "create_or_update_card", http.MethodPost, "/v3/customers", body, &data); err != nil {
		return nil, err
	}
	return &processor.CardUpdate{
		CustomerKey: data.ID,
		Receipt:     cardReceipt(data.Card.Last4, data.Card.Expiry),
		Recreated:   customerKey != "",
	}, nil
}

func (b *Backend) RefundCharge(ctx context.Context, ch *charge.Charge, amount money.Money, brokerAmount int64) error {
	ctx, span := traces.StartSpan(ctx, "flutterwave.refund_charge",
		traces.Backend("flutterwave"),
		traces.ProcessorKey(ch.ProcessorKey),
		traces.Amount(amount.Amount, amount.Currency),
	)
	defer span.End()

	if amount.Amount > ch.Amount.Amount-ch.Refunded.Amount {
		return charge.ErrRefundExceedsCharge
	}

	var data struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
	}
	body := map[string]any{"amount": amount.Amount}
	if err := b.do(ctx, "refund_charge",
		http.MethodPost, "/v3/charges/"+ch.ProcessorKey+"/refund", body, &data); err != nil {
		return err
	}

	_, err := b.machine.RecordRefund(ctx, ch.ProcessorKey, data.Reference, amount)
	return err
}

func (b *Backend) RetrieveCharge(ctx context.Context, ch *charge.Charge) (*charge.Charge, error) {
	ctx, span := traces.StartSpan(ctx, "flutterwave.retrieve_charge",
		traces.Backend("flutterwave"),
		traces.ProcessorKey(ch.ProcessorKey),
	)
	defer span.End()

	var data chargeData
	if err := b.do(ctx, "retrieve_charge",
		http.MethodGet, "/v3/charges/"+ch.ProcessorKey, nil, &data); err != nil {
		return nil, err
	}
	if data.Status == "successful" {
		if _, err := b.machine.PaymentSuccessful(ctx, ch.ProcessorKey); err != nil {
			return nil, err
		}
	}
	return b.machine.Store().GetByProcessorKey(ctx, ch.ProcessorKey)
}

// ListTransfers is not supported: the processor exposes no payout listing
// API. Reconciliation reports the provider as missing coverage.
func (b *Backend) ListTransfers(ctx context.Context, provider string, since time.Time, cursor string) ([]processor.TransferRecord, string, error) {
	return nil, "", processor.ErrNotImplemented
}

func (b *Backend) ChargeDistribution(_ context.Context, ch *charge.Charge, refunded money.Money) (*distribution.Result, error) {
	return distribution.Compute(ch.Amount, refunded, b.cfg.Fees)
}

// DisputeFee is a flat $25 equivalent in the charge currency's minor units.
func (b *Backend) DisputeFee(amount money.Money) money.Money {
	return money.New(2500, amount.Currency)
}

// ProrateTransfer: payouts carry a flat 45-unit fee.
func (b *Backend) ProrateTransfer(amount money.Money) money.Money {
	out := amount.Amount - 45
	if out < 0 {
		out = 0
	}
	return money.New(out, amount.Currency)
}

// do performs one authenticated API call. Reads are retried on transport
// failures and 5xx responses; writes are not, since the charge call
// settles synchronously and a blind replay could double-charge.
func (b *Backend) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return &processor.ProcessorError{Op: op, Err: err}
		}
	}

	if method != http.MethodGet {
		return b.doOnce(ctx, op, method, path, payload, out)
	}

	return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		err := b.doOnce(ctx, op, method, path, payload, out)
		if err == nil {
			return nil
		}
		var ce *processor.CardError
		if errors.As(err, &ce) {
			return retry.Permanent(err)
		}
		var pe *processor.ProcessorError
		if errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	})
}

func (b *Backend) doOnce(ctx context.Context, op, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return &processor.ProcessorError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		metrics.ProcessorErrorsTotal.WithLabelValues("flutterwave", op).Inc()
		return &processor.ProcessorError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.ProcessorErrorsTotal.WithLabelValues("flutterwave", op).Inc()
		return &processor.ProcessorError{Op: op, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.ProcessorErrorsTotal.WithLabelValues("flutterwave", op).Inc()
		return &processor.ProcessorError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}

	if resp.StatusCode >= 400 || env.Status == "error" {
		if isCardCode(env.Code) {
			metrics.CardErrorsTotal.WithLabelValues("flutterwave", env.Code).Inc()
			return &processor.CardError{Code: env.Code, Message: env.Message}
		}
		metrics.ProcessorErrorsTotal.WithLabelValues("flutterwave", op).Inc()
		return &processor.ProcessorError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", env.Code, env.Message),
		}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			metrics.ProcessorErrorsTotal.WithLabelValues("flutterwave", op).Inc()
			return &processor.ProcessorError{Op: op, Err: fmt.Errorf("decoding data: %w", err)}
		}
	}
	return nil
}

func isCardCode(code string) bool {
	switch code {
	case "card_declined", "insufficient_funds", "expired_card", "invalid_token":
		return true
	}
	return false
}

func cardReceipt(last4, expiry string) processor.Receipt {
	r := processor.Receipt{Last4: last4}
	var mm, yy int
	if _, err := fmt.Sscanf(expiry, "%d/%d", &mm, &yy); err == nil {
		r.ExpMonth = mm
		r.ExpYear = 2000 + yy
	}
	return r
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
