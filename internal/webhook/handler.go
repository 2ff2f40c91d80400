package webhook

import (
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/paybroker/paybroker/internal/logging"
)

const signatureHeader = "X-Webhook-Signature"

// endpoint is one broker's inbound webhook configuration.
type endpoint struct {
	secret string
	router *Router
}

// Handler terminates inbound processor webhooks for all registered
// brokers.
type Handler struct {
	mu        sync.RWMutex
	endpoints map[string]endpoint
}

// NewHandler creates an empty webhook handler.
func NewHandler() *Handler {
	return &Handler{endpoints: make(map[string]endpoint)}
}

// Register binds a broker name to its webhook secret and event router.
func (h *Handler) Register(broker, secret string, router *Router) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints[broker] = endpoint{secret: secret, router: router}
}

// RegisterRoutes sets up the inbound webhook route.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhook/:broker", h.Receive)
}

// Receive handles POST /webhook/:broker.
//
// Status mapping: 200 for applied, no-op, and ignored deliveries (the
// processor must not retry any of those); 400 for bad signatures and
// malformed payloads; 404 when the event references a charge that does
// not exist locally; 409 for conflicting terminal transitions.
func (h *Handler) Receive(c *gin.Context) {
	broker := c.Param("broker")

	h.mu.RLock()
	ep, ok := h.endpoints[broker]
	h.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_broker"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	if !Verify(payload, c.GetHeader(signatureHeader), ep.secret) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_signature"})
		return
	}

	ev, err := Parse(payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload", "message": err.Error()})
		return
	}

	ctx := logging.WithEventID(c.Request.Context(), ev.ID)
	outcome, err := ep.router.Route(ctx, ev)
	switch outcome {
	case OutcomeApplied, OutcomeNoop, OutcomeIgnored:
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": string(outcome)})
	case OutcomeUnknown:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_charge"})
	case OutcomeConflict:
		resp := gin.H{"error": "conflicting_transition"}
		if err != nil {
			resp["message"] = err.Error()
		}
		c.JSON(http.StatusConflict, resp)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "routing_failed"})
	}
}
