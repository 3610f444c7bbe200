package services

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/minhctran/vieclance/internal/api"
	"github.com/minhctran/vieclance/internal/auth"
	"github.com/minhctran/vieclance/internal/ledger"
	"github.com/minhctran/vieclance/internal/validation"
)

// Handler provides HTTP endpoints for the service lifecycle.
type Handler struct {
	lifecycle *Lifecycle
	logger    *slog.Logger
}

// NewHandler creates a new service lifecycle handler.
func NewHandler(lifecycle *Lifecycle, logger *slog.Logger) *Handler {
	return &Handler{lifecycle: lifecycle, logger: logger}
}

// RegisterRoutes sets up the member-facing lifecycle routes. The group
// must already require an authenticated principal.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/services", h.Create)
	r.GET("/services", h.List)
	r.GET("/services/:id", h.Get)
	r.POST("/services/:id/accept", auth.RequireRole(auth.RoleMember), h.Accept)
	r.POST("/services/:id/complete", auth.RequireRole(auth.RoleMember), h.Complete)
	r.POST("/services/:id/confirm", h.Confirm)
	r.POST("/services/:id/decline", h.Decline)
}

// RegisterAdminRoutes sets up admin approval and payout routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/services/:id/approve", h.Approve)
	r.POST("/services/:id/reject", h.Reject)
	r.POST("/services/:id/payout", h.Payout)
}

type createRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Price       int64  `json:"price" binding:"required"`
}

// Create handles POST /v1/services
func (h *Handler) Create(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.Fail(c, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	svc, err := h.lifecycle.Create(c.Request.Context(), ident.ID, req.Title, req.Description, req.Price)
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusCreated, "Service submitted for approval", gin.H{"service": svc})
}

// List handles GET /v1/services
func (h *Handler) List(c *gin.Context) {
	q := ListQuery{
		RequesterID: c.Query("requester"),
		ProviderID:  c.Query("provider"),
	}
	if status := Status(c.Query("status")); status != "" {
		if !ValidStatus(status) {
			api.Fail(c, http.StatusBadRequest, "validation_error", "Unknown status filter")
			return
		}
		q.Status = status
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			q.Limit = n
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			q.Offset = n
		}
	}

	list, err := h.lifecycle.List(c.Request.Context(), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "", gin.H{"services": list})
}

// Get handles GET /v1/services/:id
func (h *Handler) Get(c *gin.Context) {
	svc, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "", gin.H{"service": svc})
}

// Accept handles POST /v1/services/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	svc, err := h.lifecycle.Accept(c.Request.Context(), c.Param("id"), ident.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "Service accepted, funds held in escrow", gin.H{"service": svc})
}

type completeRequest struct {
	Rating int    `json:"rating"`
	Notes  string `json:"notes"`
}

// Complete handles POST /v1/services/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	// Body is optional; rating and notes may be omitted.
	var req completeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			api.Fail(c, http.StatusBadRequest, "validation_error", "Invalid request body")
			return
		}
	}

	svc, err := h.lifecycle.MarkDone(c.Request.Context(), c.Param("id"), ident.ID, req.Rating, req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "Completion recorded, awaiting requester confirmation", gin.H{"service": svc})
}

// Confirm handles POST /v1/services/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	svc, err := h.lifecycle.ConfirmCompletion(c.Request.Context(), c.Param("id"), ident.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "Completion confirmed, awaiting payout approval", gin.H{"service": svc})
}

type declineRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Decline handles POST /v1/services/:id/decline
func (h *Handler) Decline(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	var req declineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.Fail(c, http.StatusBadRequest, "validation_error", "A decline reason is required")
		return
	}

	svc, err := h.lifecycle.Decline(c.Request.Context(), c.Param("id"), ident.ID, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "Completion declined, service back in progress", gin.H{"service": svc})
}

// Approve handles POST /v1/admin/services/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	svc, err := h.lifecycle.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "Service approved", gin.H{"service": svc})
}

// Reject handles POST /v1/admin/services/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	svc, err := h.lifecycle.Reject(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "Service rejected", gin.H{"service": svc})
}

// Payout handles POST /v1/admin/services/:id/payout
func (h *Handler) Payout(c *gin.Context) {
	svc, err := h.lifecycle.ApprovePayout(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "Payout released", gin.H{"service": svc})
}

// writeError maps lifecycle and escrow errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		api.Fail(c, http.StatusBadRequest, "validation_error", verrs.Error())
	case errors.Is(err, ErrNotFound):
		api.Fail(c, http.StatusNotFound, "not_found", "Service not found")
	case errors.Is(err, ErrForbidden):
		api.Fail(c, http.StatusForbidden, "forbidden", "You may not perform this action on this service")
	case errors.Is(err, ErrConflict):
		api.Fail(c, http.StatusConflict, "conflict", "Service changed concurrently, reload and retry")
	case errors.Is(err, ErrInvalidTransition):
		api.Fail(c, http.StatusConflict, "invalid_transition", "Operation not allowed in the service's current status")
	case errors.Is(err, ErrAlreadySettled):
		api.Fail(c, http.StatusConflict, "already_settled", "Escrow for this service is already settled")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		api.Fail(c, http.StatusUnprocessableEntity, "insufficient_funds", "Requester balance cannot cover the service price")
	case errors.Is(err, ErrIntegrityViolation):
		api.Fail(c, http.StatusInternalServerError, "integrity_violation", "Service settlement data is inconsistent; contact support")
	default:
		h.logger.Error("service operation failed", "error", err, "path", c.FullPath())
		api.Internal(c)
	}
}
