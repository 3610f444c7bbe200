package reconciliation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/minhctran/vieclance/internal/api"
	"github.com/minhctran/vieclance/internal/ledger"
)

// Handler exposes reconciliation over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a reconciliation handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes wires the public stats endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stats", h.stats)
}

// RegisterAdminRoutes wires the operator endpoints.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation/:kind/:id", h.check)
	r.POST("/reconciliation/sync", h.syncAll)
}

func (h *Handler) stats(c *gin.Context) {
	overview, err := h.svc.Overview(c.Request.Context())
	if err != nil {
		h.logger.Error("stats overview failed", "error", err)
		api.Internal(c)
		return
	}
	api.OK(c, http.StatusOK, "platform stats", overview)
}

func (h *Handler) check(c *gin.Context) {
	owner, ok := ownerParam(c)
	if !ok {
		return
	}

	report, err := h.svc.Check(c.Request.Context(), owner)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			api.Fail(c, http.StatusNotFound, "not_found", "wallet not found")
			return
		}
		h.logger.Error("reconciliation check failed", "owner", owner.Key(), "error", err)
		api.Internal(c)
		return
	}
	api.OK(c, http.StatusOK, "reconciliation report", report)
}

func (h *Handler) syncAll(c *gin.Context) {
	summary, err := h.svc.SyncAll(c.Request.Context())
	if err != nil {
		h.logger.Error("reconciliation sweep failed", "error", err)
		api.Internal(c)
		return
	}
	api.OK(c, http.StatusOK, "reconciliation sweep finished", summary)
}

func ownerParam(c *gin.Context) (ledger.Principal, bool) {
	kind := ledger.PrincipalKind(c.Param("kind"))
	switch kind {
	case ledger.KindUser, ledger.KindMember, ledger.KindSystem:
	default:
		api.Fail(c, http.StatusBadRequest, "validation_error", "unknown principal kind")
		return ledger.Principal{}, false
	}
	id := c.Param("id")
	if id == "" {
		api.Fail(c, http.StatusBadRequest, "validation_error", "principal id is required")
		return ledger.Principal{}, false
	}
	return ledger.Principal{Kind: kind, ID: id}, true
}
