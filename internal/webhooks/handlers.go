package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vaultix/vaultix/internal/idgen"
	"github.com/vaultix/vaultix/internal/security"
)

// Handler provides HTTP endpoints for managing webhook subscriptions.
type Handler struct {
	store Store
}

// NewHandler creates a new webhooks handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription management under an authenticated
// group. Subscriptions are scoped to their owner.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateSubscription)
	r.GET("/webhooks", h.ListSubscriptions)
	r.DELETE("/webhooks/:id", h.DeleteSubscription)
}

// CreateSubscription handles POST /v1/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		OwnerID:   c.GetString("authUserID"),
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	// The secret is only returned once, at creation.
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret,
	})
}

// ListSubscriptions handles GET /v1/webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.ListByOwner(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// DeleteSubscription handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if sub.OwnerID != c.GetString("authUserID") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "subscription belongs to another user",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "subscription deleted"})
}
