package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vaultix/vaultix/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations. Authentication
// happens upstream; handlers read the caller identity from the context.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the escrow API under an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.PATCH("/escrows/:id", h.UpdateEscrow)
	r.POST("/escrows/:id/activate", h.ActivateEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.GET("/escrows/:id/events", h.ListEscrowEvents)
	r.POST("/escrows/:id/conditions/:conditionId/fulfill", h.FulfillCondition)
	r.POST("/escrows/:id/conditions/:conditionId/confirm", h.ConfirmCondition)
	r.POST("/escrows/:id/disputes", h.FileDispute)
	r.GET("/escrows/:id/disputes", h.GetDispute)
	r.POST("/escrows/:id/disputes/resolve", h.ResolveDispute)
}

// RegisterAdminRoutes sets up support tooling routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/process", h.ProcessEscrow)
}

// callerID returns the authenticated user id set by the auth middleware.
func callerID(c *gin.Context) string {
	return c.GetString("authUserID")
}

// requestContext carries the client IP for audit events.
func requestContext(c *gin.Context) context.Context {
	return WithIPAddress(c.Request.Context(), c.ClientIP())
}

// respondError maps domain errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, ErrConditionNotFound), errors.Is(err, ErrDisputeNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrDisputeExists):
		status, code = http.StatusConflict, "dispute_exists"
	case errors.Is(err, ErrDisputeResolved):
		status, code = http.StatusConflict, "dispute_resolved"
	case errors.Is(err, ErrNotExpired):
		// Before ErrInvalidState: ErrNotExpired wraps it.
		status, code = http.StatusConflict, "not_expired"
	case errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrInvalidSplit):
		status, code = http.StatusUnprocessableEntity, "invalid_split"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	default:
		var lerr *LedgerError
		if errors.As(err, &lerr) {
			status, code = http.StatusBadGateway, "ledger_error"
		}
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var in CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	in.CreatorID = callerID(c)

	e, err := h.service.Create(requestContext(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	status := Status(c.Query("status"))

	escrows, err := h.service.ListByUser(c.Request.Context(), callerID(c), status, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// UpdateEscrow handles PATCH /v1/escrows/:id
func (h *Handler) UpdateEscrow(c *gin.Context) {
	var in UpdateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	e, err := h.service.Update(requestContext(c), c.Param("id"), callerID(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ActivateEscrow handles POST /v1/escrows/:id/activate
func (h *Handler) ActivateEscrow(c *gin.Context) {
	e, err := h.service.Activate(requestContext(c), c.Param("id"), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	e, err := h.service.Cancel(requestContext(c), c.Param("id"), callerID(c), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	e, err := h.service.Release(requestContext(c), c.Param("id"), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrowEvents handles GET /v1/escrows/:id/events
func (h *Handler) ListEscrowEvents(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events, err := h.service.ListEvents(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// FulfillCondition handles POST /v1/escrows/:id/conditions/:conditionId/fulfill
func (h *Handler) FulfillCondition(c *gin.Context) {
	var in FulfillInput
	_ = c.ShouldBindJSON(&in)

	cond, err := h.service.FulfillCondition(requestContext(c), c.Param("id"), c.Param("conditionId"), callerID(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"condition": cond})
}

// ConfirmCondition handles POST /v1/escrows/:id/conditions/:conditionId/confirm
func (h *Handler) ConfirmCondition(c *gin.Context) {
	cond, err := h.service.ConfirmCondition(requestContext(c), c.Param("id"), c.Param("conditionId"), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"condition": cond})
}

// FileDispute handles POST /v1/escrows/:id/disputes
func (h *Handler) FileDispute(c *gin.Context) {
	var in FileDisputeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	d, err := h.service.FileDispute(requestContext(c), c.Param("id"), callerID(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/escrows/:id/disputes
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/escrows/:id/disputes/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var in ResolveInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	d, err := h.service.ResolveDispute(requestContext(c), c.Param("id"), callerID(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ProcessEscrow handles POST /v1/admin/escrows/:id/process
func (h *Handler) ProcessEscrow(c *gin.Context) {
	e, err := h.service.ProcessEscrow(requestContext(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}
