// Package razorpay implements the processor contract against a
// Razorpay-style REST API.
//
// Razorpay charges in two steps: a payment is first authorized, then
// captured. A captured payment is only settled once the processor's
// settlement run completes, so charges pass through the CAPTURED state
// before a webhook or poll confirms them DONE. Amounts are minor units of
// INR (paise); the fee formula is a flat percentage with no fixed part.
package razorpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
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

const (
	defaultBaseURL = "https://api.razorpay.com"
	listPageSize   = 100
)

// Backend talks to a Razorpay-style processor.
type Backend struct {
	cfg     processor.Config
	machine *charge.Machine
	client  *http.Client
	baseURL string
}

// New creates a Razorpay backend for one broker's credentials.
func New(cfg processor.Config, machine *charge.Machine) *Backend {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Backend{
		cfg:     cfg,
		machine: machine,
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: base,
	}
}

func (b *Backend) Kind() processor.Kind { return processor.KindRazorpay }
func (b *Backend) Mode() processor.Mode { return b.cfg.Mode }

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Source      string `json:"source"`
		Reason      string `json:"reason"`
	} `json:"error"`
}

type paymentResp struct {
	ID        string `json:"id"`
	Status    string `json:"status"` // created, authorized, captured, failed
	CreatedAt int64  `json:"created_at"`
	Card      struct {
		Last4    string `json:"last4"`
		ExpMonth int    `json:"exp_month"`
		ExpYear  int    `json:"exp_year"`
	} `json:"card"`
}

func (b *Backend) CreatePayment(ctx context.Context, req processor.PaymentRequest) (*processor.PaymentResult, error) {
	ctx, span := traces.StartSpan(ctx, "razorpay.create_payment",
		traces.Backend("razorpay"),
		traces.Provider(req.Provider),
		traces.Amount(req.Amount.Amount, req.Amount.Currency),
	)
	defer span.End()

	// Razorpay wants ISO codes uppercase on the wire.
	currency := strings.ToUpper(req.Amount.Currency)

	body := map[string]any{
		"amount":      req.Amount.Amount,
		"currency":    currency,
		"token":       req.Token,
		"description": req.Description,
	}
	if b.cfg.Mode == processor.ModeForward {
		// Route the captured amount onward to the provider's linked account.
		body["transfers"] = []map[string]any{{
			"account":  req.Provider,
			"amount":   req.Amount.Amount,
			"currency": currency,
		}}
	}

	var pay paymentResp
	if err := b.do(ctx, "create_payment", http.MethodPost, "/v1/payments", req.IdempotencyKey, body, &pay); err != nil {
		return nil, err
	}

	// Authorized only: capture immediately. The processor key already
	// exists, so a capture failure is surfaced with the key attached.
	if pay.Status == "authorized" {
		capture := map[string]any{
			"amount":   req.Amount.Amount,
			"currency": currency,
		}
		if err := b.do(ctx, "create_payment",
			http.MethodPost, "/v1/payments/"+pay.ID+"/capture", req.IdempotencyKey, capture, &pay); err != nil {
			if ce, ok := err.(*processor.CardError); ok {
				ce.ProcessorKey = pay.ID
			}
			return nil, err
		}
	}

	return &processor.PaymentResult{
		ProcessorKey: pay.ID,
		CreatedAt:    time.Unix(pay.CreatedAt, 0).UTC(),
		Receipt: processor.Receipt{
			Last4:    pay.Card.Last4,
			ExpMonth: pay.Card.ExpMonth,
			ExpYear:  pay.Card.ExpYear,
		},
	}, nil
}

func (b *Backend) CreateTransfer(ctx context.Context, provider string, amount money.Money, descr string) (*processor.TransferResult, error) {
	ctx, span := traces.StartSpan(ctx, "razorpay.create_transfer",
		traces.Backend("razorpay"),
		traces.Provider(provider),
		traces.Amount(amount.Amount, amount.Currency),
	)
	defer span.End()

	body := map[string]any{
		"account":  provider,
		"amount":   amount.Amount,
		"currency": strings.ToUpper(amount.Currency),
		"notes":    map[string]string{"description": descr},
	}

	var resp struct {
		ID        string `json:"id"`
		CreatedAt int64  `json:"created_at"`
	}
	if err := b.do(ctx, "create_transfer", http.MethodPost, "/v1/transfers", "", body, &resp); err != nil {
		return nil, err
	}
	return &processor.TransferResult{
		ProcessorKey: resp.ID,
		CreatedAt:    time.Unix(resp.CreatedAt, 0).UTC(),
	}, nil
}

func (b *Backend) CreateOrUpdateCard(ctx context.Context, subscriber, customerKey, token string) (*processor.CardUpdate, error) {
	ctx, span := traces.StartSpan(ctx, "razorpay.create_or_update_card", traces.Backend("razorpay"))
	defer span.End()

	type customerResp struct {
		ID   string `json:"id"`
		Card struct {
			Last4    string `json:"last4"`
			ExpMonth int    `json:"exp_month"`
			ExpYear  int    `json:"exp_year"`
		} `json:"card"`
	}
	body := map[string]any{"token": token, "reference": subscriber}

	if customerKey != "" {
		var cus customerResp
		err := b.do(ctx, "create_or_update_card", http.MethodPut, "/v1/customers/"+customerKey, "", body, &cus)
		if err == nil {
			return &processor.CardUpdate{
				CustomerKey: cus.ID,
				Receipt:     processor.Receipt{Last4: cus.Card.Last4, ExpMonth: cus.Card.ExpMonth, ExpYear: cus.Card.ExpYear},
			}, nil
		}
		pe, ok := err.(*processor.ProcessorError)
		if !ok || pe.StatusCode != http.StatusNotFound {
			return nil, err
		}
		// Stored customer is gone on the processor side. Recreate below,
		// but loudly: this usually means a test/live key mix-up.
		logging.L(ctx).Warn("razorpay customer missing, recreating",
			"subscriber", subscriber, "old_customer", customerKey)
		metrics.CustomerRecreatedTotal.WithLabelValues("razorpay").Inc()
	}

	var cus customerResp
	if err := b.do(ctx, "create_or_update_card", http.MethodPost, "/v1/customers", "", body, &cus); err != nil {
		return nil, err
	}
	return &processor.CardUpdate{
		CustomerKey: cus.ID,
		Receipt:     processor.Receipt{Last4: cus.Card.Last4, ExpMonth: cus.Card.ExpMonth, ExpYear: cus.Card.ExpYear},
		Recreated:   customerKey != "",
	}, nil
}

func (b *Backend) RefundCharge(ctx context.Context, ch *charge.Charge, amount money.Money, brokerAmount int64) error {
	ctx, span := traces.StartSpan(ctx, "razorpay.refund_charge",
		traces.Backend("razorpay"),
		traces.ProcessorKey(ch.ProcessorKey),
		traces.Amount(amount.Amount, amount.Currency),
	)
	defer span.End()

	if amount.Amount > ch.Amount.Amount-ch.Refunded.Amount {
		return charge.ErrRefundExceedsCharge
	}

	body := map[string]any{"amount": amount.Amount}
	if b.cfg.Mode == processor.ModeForward {
		body["reverse_all"] = true
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := b.do(ctx, "refund_charge",
		http.MethodPost, "/v1/payments/"+ch.ProcessorKey+"/refund", "", body, &resp); err != nil {
		return err
	}

	_, err := b.machine.RecordRefund(ctx, ch.ProcessorKey, resp.ID, amount)
	return err
}

func (b *Backend) RetrieveCharge(ctx context.Context, ch *charge.Charge) (*charge.Charge, error) {
	ctx, span := traces.StartSpan(ctx, "razorpay.retrieve_charge",
		traces.Backend("razorpay"),
		traces.ProcessorKey(ch.ProcessorKey),
	)
	defer span.End()

	var pay paymentResp
	if err := b.do(ctx, "retrieve_charge",
		http.MethodGet, "/v1/payments/"+ch.ProcessorKey, "", nil, &pay); err != nil {
		return nil, err
	}

	switch pay.Status {
	case "captured":
		if _, err := b.machine.MarkCaptured(ctx, ch.ProcessorKey); err != nil {
			return nil, err
		}
	case "settled":
		if _, err := b.machine.PaymentSuccessful(ctx, ch.ProcessorKey); err != nil {
			return nil, err
		}
	}
	return b.machine.Store().GetByProcessorKey(ctx, ch.ProcessorKey)
}

func (b *Backend) ListTransfers(ctx context.Context, provider string, since time.Time, cursor string) ([]processor.TransferRecord, string, error) {
	ctx, span := traces.StartSpan(ctx, "razorpay.list_transfers",
		traces.Backend("razorpay"),
		traces.Provider(provider),
	)
	defer span.End()

	skip := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", &processor.ProcessorError{Op: "list_transfers", Err: fmt.Errorf("bad cursor %q: %v", cursor, err)}
		}
		skip = n
	}

	q := url.Values{}
	q.Set("recipient", provider)
	q.Set("from", strconv.FormatInt(since.Unix(), 10))
	q.Set("count", strconv.Itoa(listPageSize))
	q.Set("skip", strconv.Itoa(skip))

	var resp struct {
		Items []struct {
			ID        string            `json:"id"`
			Amount    int64             `json:"amount"`
			Currency  string            `json:"currency"`
			Notes     map[string]string `json:"notes"`
			CreatedAt int64             `json:"created_at"`
		} `json:"items"`
		Count int `json:"count"`
	}
	if err := b.do(ctx, "list_transfers",
		http.MethodGet, "/v1/transfers?"+q.Encode(), "", nil, &resp); err != nil {
		return nil, "", err
	}

	records := make([]processor.TransferRecord, 0, len(resp.Items))
	for _, it := range resp.Items {
		records = append(records, processor.TransferRecord{
			ProcessorKey: it.ID,
			Amount:       money.New(it.Amount, it.Currency),
			Description:  it.Notes["description"],
			CreatedAt:    time.Unix(it.CreatedAt, 0).UTC(),
		})
	}

	next := ""
	if len(records) == listPageSize {
		next = strconv.Itoa(skip + listPageSize)
	}
	return records, next, nil
}

func (b *Backend) ChargeDistribution(_ context.Context, ch *charge.Charge, refunded money.Money) (*distribution.Result, error) {
	return distribution.Compute(ch.Amount, refunded, b.cfg.Fees)
}

// DisputeFee is a flat ₹600 (60000 paise).
func (b *Backend) DisputeFee(amount money.Money) money.Money {
	return money.New(60000, amount.Currency)
}

// ProrateTransfer: transfers to linked accounts carry no extra fee.
func (b *Backend) ProrateTransfer(amount money.Money) money.Money {
	return amount
}

// do performs one authenticated API call and decodes the response into
// out. Card-level rejections become *CardError, everything else
// *ProcessorError.
//
// Transport failures and 5xx responses are retried, but only for GETs
// and for writes carrying an idempotency key: retrying an unkeyed write
// risks a double charge.
func (b *Backend) do(ctx context.Context, op, method, path, idemKey string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return &processor.ProcessorError{Op: op, Err: err}
		}
	}

	attempts := 1
	if method == http.MethodGet || idemKey != "" {
		attempts = 3
	}

	return retry.Do(ctx, attempts, 200*time.Millisecond, func() error {
		err := b.doOnce(ctx, op, method, path, idemKey, payload, out)
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

func (b *Backend) doOnce(ctx context.Context, op, method, path, idemKey string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return &processor.ProcessorError{Op: op, Err: err}
	}
	req.SetBasicAuth(b.cfg.PublicKey, b.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("X-Payment-Idempotency-Key", idemKey)
	}
	if b.cfg.Mode == processor.ModeRemote {
		req.Header.Set("X-Razorpay-Account", b.cfg.ClientID)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		metrics.ProcessorErrorsTotal.WithLabelValues("razorpay", op).Inc()
		return &processor.ProcessorError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.ProcessorErrorsTotal.WithLabelValues("razorpay", op).Inc()
		return &processor.ProcessorError{Op: op, Err: err}
	}

	if resp.StatusCode >= 400 {
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		if ae.Error.Source == "card" || ae.Error.Source == "customer" {
			metrics.CardErrorsTotal.WithLabelValues("razorpay", ae.Error.Code).Inc()
			return &processor.CardError{Code: ae.Error.Code, Message: ae.Error.Description}
		}
		metrics.ProcessorErrorsTotal.WithLabelValues("razorpay", op).Inc()
		return &processor.ProcessorError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", ae.Error.Code, ae.Error.Description),
		}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			metrics.ProcessorErrorsTotal.WithLabelValues("razorpay", op).Inc()
			return &processor.ProcessorError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return nil
}
