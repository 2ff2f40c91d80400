package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paybroker/paybroker/internal/security"
)

// Handler provides HTTP endpoints for subscription management.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
	urlCheck   func(string) error
}

// NewHandler creates a new subscription handler.
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		urlCheck:   security.ValidateEndpointURL,
	}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/brokers/:broker/notifications", h.CreateSubscription)
	r.GET("/brokers/:broker/notifications", h.ListSubscriptions)
	r.DELETE("/brokers/:broker/notifications/:subscriptionId", h.DeleteSubscription)
}

// CreateSubscriptionRequest for registering a notification endpoint.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /brokers/:broker/notifications
func (h *Handler) CreateSubscription(c *gin.Context) {
	broker := c.Param("broker")

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.urlCheck(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, len(req.Events))
	for i, e := range req.Events {
		events[i] = EventType(e)
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        generateID("sub_"),
		Broker:    broker,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": gin.H{
			"id":        sub.ID,
			"url":       sub.URL,
			"events":    sub.Events,
			"active":    sub.Active,
			"createdAt": sub.CreatedAt,
		},
		"secret": secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Paybroker-Signature",
		},
	})
}

// ListSubscriptions handles GET /brokers/:broker/notifications
func (h *Handler) ListSubscriptions(c *gin.Context) {
	broker := c.Param("broker")

	subs, err := h.store.GetByBroker(c.Request.Context(), broker)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list subscriptions",
		})
		return
	}

	// Don't expose secrets
	out := make([]gin.H, len(subs))
	for i, sub := range subs {
		out[i] = gin.H{
			"id":          sub.ID,
			"url":         sub.URL,
			"events":      sub.Events,
			"active":      sub.Active,
			"createdAt":   sub.CreatedAt,
			"lastSuccess": sub.LastSuccess,
			"lastError":   sub.LastError,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptions": out,
	})
}

// DeleteSubscription handles DELETE /brokers/:broker/notifications/:subscriptionId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("subscriptionId")

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No such subscription",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Subscription deleted",
	})
}

func generateID(prefix string) string {
	b := make([]byte, 12)
	rand.Read(b)
	return prefix + hex.EncodeToString(b)
}

func generateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
