package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paybroker/paybroker/internal/charge"
	"github.com/paybroker/paybroker/internal/idgen"
	"github.com/paybroker/paybroker/internal/logging"
	"github.com/paybroker/paybroker/internal/money"
	"github.com/paybroker/paybroker/internal/pagination"
	"github.com/paybroker/paybroker/internal/payout"
	"github.com/paybroker/paybroker/internal/processor"
	"github.com/paybroker/paybroker/internal/reconcile"
	"github.com/paybroker/paybroker/internal/validation"
)

// -----------------------------------------------------------------------------
// Payments
// -----------------------------------------------------------------------------

type createPaymentRequest struct {
	Provider            string `json:"provider" binding:"required"`
	Subscriber          string `json:"subscriber" binding:"required"`
	Amount              int64  `json:"amount" binding:"required"`
	Currency            string `json:"currency" binding:"required"`
	Token               string `json:"token" binding:"required"`
	Description         string `json:"description"`
	StatementDescriptor string `json:"statementDescriptor"`
}

// createPayment handles POST /v1/payments
//
// The processor call and the local charge record are two steps: the
// processor allocates the charge reference, then the state machine
// records it as IN_PROGRESS. Settlement arrives later via webhook or
// polling.
func (s *Server) createPayment(c *gin.Context) {
	ctx := c.Request.Context()

	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Currency = validation.SanitizeCurrency(req.Currency)
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	if verrs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("statementDescriptor", req.StatementDescriptor, 22),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": verrs,
		})
		return
	}

	// Client-supplied idempotency key lets a timed-out request be retried
	// without double-charging; generate one otherwise.
	idemKey := c.GetHeader("X-Idempotency-Key")
	if idemKey == "" {
		idemKey = idgen.IdempotencyKey()
	}

	res, err := s.backend.CreatePayment(ctx, processor.PaymentRequest{
		Provider:            req.Provider,
		Subscriber:          req.Subscriber,
		Amount:              money.New(req.Amount, req.Currency),
		Token:               req.Token,
		Description:         req.Description,
		StatementDescriptor: req.StatementDescriptor,
		IdempotencyKey:      idemKey,
	})
	if err != nil {
		s.processorErrorResponse(c, err)
		return
	}

	ch, err := s.machine.Begin(ctx, &charge.Charge{
		ProcessorKey: res.ProcessorKey,
		Broker:       s.cfg.BrokerName,
		Provider:     req.Provider,
		Subscriber:   req.Subscriber,
		Amount:       money.New(req.Amount, req.Currency),
		Last4:        res.Receipt.Last4,
		ExpMonth:     res.Receipt.ExpMonth,
		ExpYear:      res.Receipt.ExpYear,
	})
	if err != nil {
		// The processor accepted the payment but the local record failed.
		// Reconciliation will pick the charge up from the processor side.
		logging.L(ctx).Error("failed to record charge",
			"processorKey", res.ProcessorKey,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":        "record_failed",
			"message":      "Payment accepted but not recorded locally",
			"processorKey": res.ProcessorKey,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"charge": ch})
}

// getCharge handles GET /v1/charges/:chargeId
func (s *Server) getCharge(c *gin.Context) {
	ch, ok := s.loadCharge(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"charge": ch})
}

// pollCharge handles POST /v1/charges/:chargeId/poll
//
// Asks the processor for the charge's current status and drives any
// settlement through the state machine. Safe to race with webhook
// delivery: whichever confirms first wins, the other is a no-op.
func (s *Server) pollCharge(c *gin.Context) {
	ctx := c.Request.Context()

	ch, ok := s.loadCharge(c)
	if !ok {
		return
	}

	updated, err := s.backend.RetrieveCharge(ctx, ch)
	if err != nil {
		s.processorErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"charge": updated})
}

type refundRequest struct {
	Amount   int64  `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

// refundCharge handles POST /v1/charges/:chargeId/refunds
func (s *Server) refundCharge(c *gin.Context) {
	ctx := c.Request.Context()

	ch, ok := s.loadCharge(c)
	if !ok {
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Currency = validation.SanitizeCurrency(req.Currency)
	if verrs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
		validation.PositiveAmount("amount", req.Amount),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": verrs,
		})
		return
	}

	amount := money.New(req.Amount, req.Currency)
	if err := s.backend.RefundCharge(ctx, ch, amount, 0); err != nil {
		if errors.Is(err, charge.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
			return
		}
		s.processorErrorResponse(c, err)
		return
	}

	updated, err := s.machine.Store().Get(ctx, ch.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Refund recorded but charge reload failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"charge": updated})
}

// getDistribution handles GET /v1/charges/:chargeId/distribution
func (s *Server) getDistribution(c *gin.Context) {
	ctx := c.Request.Context()

	ch, ok := s.loadCharge(c)
	if !ok {
		return
	}

	dist, err := s.backend.ChargeDistribution(ctx, ch, ch.Refunded)
	if err != nil {
		s.processorErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"chargeId":     ch.ID,
		"distribution": dist,
	})
}

// -----------------------------------------------------------------------------
// Cards
// -----------------------------------------------------------------------------

type updateCardRequest struct {
	CustomerKey string `json:"customerKey"`
	Token       string `json:"token" binding:"required"`
}

// updateCard handles PUT /v1/subscribers/:subscriber/card
func (s *Server) updateCard(c *gin.Context) {
	ctx := c.Request.Context()
	subscriber := c.Param("subscriber")

	var req updateCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	res, err := s.backend.CreateOrUpdateCard(ctx, subscriber, req.CustomerKey, req.Token)
	if err != nil {
		s.processorErrorResponse(c, err)
		return
	}

	s.emitter.EmitCardUpdated(s.cfg.BrokerName, subscriber, res.CustomerKey, res.Recreated)

	resp := gin.H{"card": res}
	if res.Recreated {
		resp["warning"] = "Processor-side customer was missing and has been recreated. Verify credentials match the environment."
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Transfers
// -----------------------------------------------------------------------------

type createTransferRequest struct {
	Provider    string `json:"provider" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Description string `json:"description"`
}

// createTransfer handles POST /v1/transfers
//
// The transfer fee is taken out before the processor call, so the provider
// receives the prorated net and the ledger records what actually moved.
func (s *Server) createTransfer(c *gin.Context) {
	ctx := c.Request.Context()

	var req createTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Currency = validation.SanitizeCurrency(req.Currency)
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	if verrs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
		validation.PositiveAmount("amount", req.Amount),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": verrs,
		})
		return
	}

	gross := money.New(req.Amount, req.Currency)
	net := s.backend.ProrateTransfer(gross)

	res, err := s.backend.CreateTransfer(ctx, req.Provider, net, req.Description)
	if err != nil {
		s.processorErrorResponse(c, err)
		return
	}

	t := &payout.Transfer{
		ID:           idgen.WithPrefix("tr_"),
		ProcessorKey: res.ProcessorKey,
		Provider:     req.Provider,
		Amount:       net,
		Description:  req.Description,
		CreatedAt:    res.CreatedAt,
	}
	if err := s.payouts.Create(ctx, t); err != nil && !errors.Is(err, payout.ErrDuplicateTransfer) {
		logging.L(ctx).Error("failed to record transfer",
			"processorKey", res.ProcessorKey,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":        "record_failed",
			"message":      "Transfer sent but not recorded locally",
			"processorKey": res.ProcessorKey,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transfer": t,
		"gross":    gross,
		"net":      net,
	})
}

// listTransfers handles GET /v1/providers/:provider/transfers
func (s *Server) listTransfers(c *gin.Context) {
	ctx := c.Request.Context()
	provider := c.Param("provider")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is not valid",
		})
		return
	}

	// Fetch one extra row to know whether a further page exists.
	transfers, err := s.payouts.ListByProvider(ctx, provider, limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transfers",
		})
		return
	}

	transfers, next, hasMore := pagination.ComputePage(transfers, limit, func(t *payout.Transfer) (time.Time, string) {
		return t.CreatedAt, t.ID
	})

	resp := gin.H{
		"provider":  provider,
		"transfers": transfers,
		"hasMore":   hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Reconciliation
// -----------------------------------------------------------------------------

// runReconciliation handles POST /v1/reconcile
//
// Query params: dryRun=true reports without writing, after=RFC3339
// overrides the stored checkpoint.
func (s *Server) runReconciliation(c *gin.Context) {
	ctx := c.Request.Context()

	opts := reconcile.Options{
		DryRun: c.Query("dryRun") == "true",
	}
	if raw := c.Query("after"); raw != "" {
		after, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "after must be RFC3339",
			})
			return
		}
		opts.After = after
	}

	reports, err := s.reconcileRun.RunAll(ctx, opts)

	for _, rep := range reports {
		if rep.Error == "" {
			s.emitter.EmitReconciliationReport(s.cfg.BrokerName, rep.Provider, rep.Listed, rep.Created, rep.Skipped, rep.DryRun)
		}
	}

	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": err.Error(),
			"reports": reports,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// -----------------------------------------------------------------------------
// Shared helpers
// -----------------------------------------------------------------------------

// loadCharge reads the :chargeId param and loads the charge, writing the
// error response itself when the charge is unknown.
func (s *Server) loadCharge(c *gin.Context) (*charge.Charge, bool) {
	id := c.Param("chargeId")

	ch, err := s.machine.Store().Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, charge.ErrUnknownCharge) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No such charge",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load charge",
		})
		return nil, false
	}
	return ch, true
}

// processorErrorResponse maps backend errors to HTTP responses. Card
// declines are the subscriber's problem (402), processor faults are ours
// to retry (502).
func (s *Server) processorErrorResponse(c *gin.Context, err error) {
	var cardErr *processor.CardError
	if errors.As(err, &cardErr) {
		resp := gin.H{
			"error":   "card_error",
			"code":    cardErr.Code,
			"message": cardErr.Message,
		}
		if cardErr.ProcessorKey != "" {
			resp["processorKey"] = cardErr.ProcessorKey
		}
		c.JSON(http.StatusPaymentRequired, resp)
		return
	}

	if errors.Is(err, processor.ErrNotImplemented) {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_supported",
			"message": "Operation not supported by this processor",
		})
		return
	}

	var procErr *processor.ProcessorError
	if errors.As(err, &procErr) {
		logging.L(c.Request.Context()).Error("processor call failed",
			"op", procErr.Op,
			"status", procErr.StatusCode,
			"error", procErr.Err,
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "processor_error",
			"message": "The payment processor could not complete the request",
		})
		return
	}

	logging.L(c.Request.Context()).Error("unexpected backend error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}
