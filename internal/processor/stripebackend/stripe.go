// Package stripebackend implements the processor contract against the
// Stripe API.
//
// Mode mapping:
//   - LOCAL: charges and customers live on the platform account
//   - FORWARD: destination charges — platform account objects with an
//     automatic transfer to the provider's connected account
//   - REMOTE: objects created directly on the connected account via the
//     Stripe-Account header
package stripebackend

import (
	"context"
	"errors"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/paybroker/paybroker/internal/charge"
	"github.com/paybroker/paybroker/internal/distribution"
	"github.com/paybroker/paybroker/internal/logging"
	"github.com/paybroker/paybroker/internal/metrics"
	"github.com/paybroker/paybroker/internal/money"
	"github.com/paybroker/paybroker/internal/processor"
	"github.com/paybroker/paybroker/internal/traces"
)

const listPageSize = 100

// Backend talks to Stripe.
type Backend struct {
	cfg     processor.Config
	machine *charge.Machine
	api     *client.API
}

// New creates a Stripe backend for one broker's credentials.
func New(cfg processor.Config, machine *charge.Machine) *Backend {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &Backend{cfg: cfg, machine: machine, api: api}
}

func (b *Backend) Kind() processor.Kind { return processor.KindStripe }
func (b *Backend) Mode() processor.Mode { return b.cfg.Mode }

// scope attaches the account-scoping required by the operating mode.
// Mode only ever changes scoping, never lifecycle or distribution.
func (b *Backend) scope(p *stripe.Params) {
	if b.cfg.Mode == processor.ModeRemote {
		p.SetStripeAccount(b.cfg.ClientID)
	}
}

func (b *Backend) CreatePayment(ctx context.Context, req processor.PaymentRequest) (*processor.PaymentResult, error) {
	ctx, span := traces.StartSpan(ctx, "stripe.create_payment",
		traces.Backend("stripe"),
		traces.Provider(req.Provider),
		traces.Amount(req.Amount.Amount, req.Amount.Currency),
	)
	defer span.End()

	params := &stripe.ChargeParams{
		Amount:      stripe.Int64(req.Amount.Amount),
		Currency:    stripe.String(req.Amount.Currency),
		Description: stripe.String(req.Description),
	}
	params.Context = ctx
	if req.StatementDescriptor != "" {
		params.StatementDescriptor = stripe.String(req.StatementDescriptor)
	}
	if req.Token != "" {
		if err := params.SetSource(req.Token); err != nil {
			return nil, &processor.ProcessorError{Op: "create_payment", Err: err}
		}
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	if b.cfg.Mode == processor.ModeForward {
		params.TransferData = &stripe.ChargeTransferDataParams{
			Destination: stripe.String(req.Provider),
		}
	}
	b.scope(&params.Params)

	ch, err := b.api.Charges.New(params)
	if err != nil {
		return nil, b.normalize("create_payment", err)
	}

	res := &processor.PaymentResult{
		ProcessorKey: ch.ID,
		CreatedAt:    time.Unix(ch.Created, 0).UTC(),
	}
	if ch.PaymentMethodDetails != nil && ch.PaymentMethodDetails.Card != nil {
		res.Receipt = processor.Receipt{
			Last4:    ch.PaymentMethodDetails.Card.Last4,
			ExpMonth: int(ch.PaymentMethodDetails.Card.ExpMonth),
			ExpYear:  int(ch.PaymentMethodDetails.Card.ExpYear),
		}
	}
	return res, nil
}

func (b *Backend) CreateTransfer(ctx context.Context, provider string, amount money.Money, descr string) (*processor.TransferResult, error) {
	ctx, span := traces.StartSpan(ctx, "stripe.create_transfer",
		traces.Backend("stripe"),
		traces.Provider(provider),
		traces.Amount(amount.Amount, amount.Currency),
	)
	defer span.End()

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount.Amount),
		Currency:    stripe.String(amount.Currency),
		Destination: stripe.String(provider),
		Description: stripe.String(descr),
	}
	params.Context = ctx
	b.scope(&params.Params)

	tr, err := b.api.Transfers.New(params)
	if err != nil {
		return nil, b.normalize("create_transfer", err)
	}
	return &processor.TransferResult{
		ProcessorKey: tr.ID,
		CreatedAt:    time.Unix(tr.Created, 0).UTC(),
	}, nil
}

func (b *Backend) CreateOrUpdateCard(ctx context.Context, subscriber, customerKey, token string) (*processor.CardUpdate, error) {
	ctx, span := traces.StartSpan(ctx, "stripe.create_or_update_card", traces.Backend("stripe"))
	defer span.End()

	if customerKey == "" {
		cus, err := b.newCustomer(ctx, subscriber, token)
		if err != nil {
			return nil, err
		}
		return &processor.CardUpdate{CustomerKey: cus.ID, Receipt: defaultSourceReceipt(cus)}, nil
	}

	params := &stripe.CustomerParams{
		Source: stripe.String(token),
	}
	params.Context = ctx
	b.scope(&params.Params)

	cus, err := b.api.Customers.Update(customerKey, params)
	if err == nil {
		return &processor.CardUpdate{CustomerKey: cus.ID, Receipt: defaultSourceReceipt(cus)}, nil
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
		// The stored customer no longer exists on this Stripe account.
		// Recreate rather than fail, but surface it: the usual cause is a
		// key swap between test and live environments.
		logging.L(ctx).Warn("stripe customer missing, recreating",
			"subscriber", subscriber, "old_customer", customerKey)
		metrics.CustomerRecreatedTotal.WithLabelValues("stripe").Inc()

		cus, err := b.newCustomer(ctx, subscriber, token)
		if err != nil {
			return nil, err
		}
		return &processor.CardUpdate{CustomerKey: cus.ID, Receipt: defaultSourceReceipt(cus), Recreated: true}, nil
	}
	return nil, b.normalize("create_or_update_card", err)
}

func (b *Backend) newCustomer(ctx context.Context, subscriber, token string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{
		Description: stripe.String("subscriber " + subscriber),
		Source:      stripe.String(token),
	}
	params.Context = ctx
	b.scope(&params.Params)

	cus, err := b.api.Customers.New(params)
	if err != nil {
		return nil, b.normalize("create_or_update_card", err)
	}
	return cus, nil
}

func (b *Backend) RefundCharge(ctx context.Context, ch *charge.Charge, amount money.Money, brokerAmount int64) error {
	ctx, span := traces.StartSpan(ctx, "stripe.refund_charge",
		traces.Backend("stripe"),
		traces.ProcessorKey(ch.ProcessorKey),
		traces.Amount(amount.Amount, amount.Currency),
	)
	defer span.End()

	if amount.Amount > ch.Amount.Amount-ch.Refunded.Amount {
		return charge.ErrRefundExceedsCharge
	}

	params := &stripe.RefundParams{
		Charge: stripe.String(ch.ProcessorKey),
		Amount: stripe.Int64(amount.Amount),
	}
	params.Context = ctx
	if b.cfg.Mode == processor.ModeForward {
		// Destination charges: pull the refunded portion back from the
		// provider's connected account.
		params.ReverseTransfer = stripe.Bool(true)
	}
	b.scope(&params.Params)

	ref, err := b.api.Refunds.New(params)
	if err != nil {
		return b.normalize("refund_charge", err)
	}

	_, err = b.machine.RecordRefund(ctx, ch.ProcessorKey, ref.ID, amount)
	return err
}

func (b *Backend) RetrieveCharge(ctx context.Context, ch *charge.Charge) (*charge.Charge, error) {
	ctx, span := traces.StartSpan(ctx, "stripe.retrieve_charge",
		traces.Backend("stripe"),
		traces.ProcessorKey(ch.ProcessorKey),
	)
	defer span.End()

	params := &stripe.ChargeParams{}
	params.Context = ctx
	b.scope(&params.Params)

	remote, err := b.api.Charges.Get(ch.ProcessorKey, params)
	if err != nil {
		return nil, b.normalize("retrieve_charge", err)
	}

	// The poll only confirms success; failure and dispute signals arrive
	// via webhooks. Racing a concurrent webhook is safe: the transition is
	// a no-op if the confirmation already landed.
	if remote.Status == stripe.ChargeStatusSucceeded {
		if _, err := b.machine.PaymentSuccessful(ctx, ch.ProcessorKey); err != nil {
			return nil, err
		}
	}
	return b.machine.Store().GetByProcessorKey(ctx, ch.ProcessorKey)
}

func (b *Backend) ListTransfers(ctx context.Context, provider string, since time.Time, cursor string) ([]processor.TransferRecord, string, error) {
	ctx, span := traces.StartSpan(ctx, "stripe.list_transfers",
		traces.Backend("stripe"),
		traces.Provider(provider),
	)
	defer span.End()

	params := &stripe.TransferListParams{
		Destination: stripe.String(provider),
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThan: since.Unix(),
		},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(listPageSize)
	params.Single = true // one page per call; the reconciler owns the cursor
	if cursor != "" {
		params.StartingAfter = stripe.String(cursor)
	}
	if b.cfg.Mode == processor.ModeRemote {
		params.SetStripeAccount(b.cfg.ClientID)
	}

	var records []processor.TransferRecord
	iter := b.api.Transfers.List(params)
	for iter.Next() {
		tr := iter.Transfer()
		records = append(records, processor.TransferRecord{
			ProcessorKey: tr.ID,
			Amount:       money.New(tr.Amount, string(tr.Currency)),
			Description:  tr.Description,
			CreatedAt:    time.Unix(tr.Created, 0).UTC(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, "", b.normalize("list_transfers", err)
	}

	next := ""
	if len(records) == listPageSize {
		next = records[len(records)-1].ProcessorKey
	}
	return records, next, nil
}

func (b *Backend) ChargeDistribution(_ context.Context, ch *charge.Charge, refunded money.Money) (*distribution.Result, error) {
	return distribution.Compute(ch.Amount, refunded, b.cfg.Fees)
}

// DisputeFee is Stripe's flat dispute fee, $15.
func (b *Backend) DisputeFee(amount money.Money) money.Money {
	return money.New(1500, amount.Currency)
}

// ProrateTransfer deducts the payout fee (0.25%, rounded up).
func (b *Backend) ProrateTransfer(amount money.Money) money.Money {
	fee := money.CeilDiv(amount.Amount*25, 10000)
	return money.New(amount.Amount-fee, amount.Currency)
}

// normalize maps stripe-go errors onto the processor error taxonomy.
func (b *Backend) normalize(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeCard {
			metrics.CardErrorsTotal.WithLabelValues("stripe", string(stripeErr.Code)).Inc()
			ce := &processor.CardError{
				Code:    string(stripeErr.Code),
				Message: stripeErr.Msg,
			}
			if stripeErr.ChargeID != "" {
				ce.ProcessorKey = stripeErr.ChargeID
			}
			return ce
		}
		metrics.ProcessorErrorsTotal.WithLabelValues("stripe", op).Inc()
		return &processor.ProcessorError{Op: op, StatusCode: stripeErr.HTTPStatusCode, Err: err}
	}
	metrics.ProcessorErrorsTotal.WithLabelValues("stripe", op).Inc()
	return &processor.ProcessorError{Op: op, Err: err}
}

func defaultSourceReceipt(cus *stripe.Customer) processor.Receipt {
	if cus.DefaultSource == nil || cus.DefaultSource.Card == nil {
		return processor.Receipt{}
	}
	card := cus.DefaultSource.Card
	return processor.Receipt{
		Last4:    card.Last4,
		ExpMonth: int(card.ExpMonth),
		ExpYear:  int(card.ExpYear),
	}
}
