package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/minhctran/vieclance/internal/api"
	"github.com/minhctran/vieclance/internal/auth"
	"github.com/minhctran/vieclance/internal/validation"
)

// Handler provides HTTP endpoints for wallet and transaction operations.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up wallet routes. The group must already require
// an authenticated principal.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.ListTransactions)
	r.POST("/wallet/deposits", h.CreateDeposit)
	r.POST("/wallet/withdrawals", h.CreateWithdrawal)
}

// RegisterAdminRoutes sets up admin-only transaction settlement routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/confirm", h.AdminConfirm)
	r.POST("/transactions/:id/cancel", h.AdminCancel)
}

// PrincipalFor maps a resolved identity to its wallet principal.
func PrincipalFor(ident auth.Identity) Principal {
	kind := KindUser
	if ident.Kind == string(KindMember) {
		kind = KindMember
	}
	return Principal{Kind: kind, ID: ident.ID}
}

type moneyRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Note   string `json:"note"`
}

// CreateDeposit handles POST /v1/wallet/deposits
func (h *Handler) CreateDeposit(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	var req moneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.Fail(c, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("note", req.Note, validation.MaxTextLength),
	); len(errs) > 0 {
		api.Fail(c, http.StatusBadRequest, "validation_error", errs.Error())
		return
	}

	txn, err := h.ledger.RequestDeposit(c.Request.Context(), PrincipalFor(ident), req.Amount,
		validation.SanitizeString(req.Note, validation.MaxTextLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusCreated, "Deposit recorded, awaiting bank transfer confirmation", gin.H{"transaction": txn})
}

// CreateWithdrawal handles POST /v1/wallet/withdrawals
func (h *Handler) CreateWithdrawal(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	var req moneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.Fail(c, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("note", req.Note, validation.MaxTextLength),
	); len(errs) > 0 {
		api.Fail(c, http.StatusBadRequest, "validation_error", errs.Error())
		return
	}

	txn, err := h.ledger.RequestWithdraw(c.Request.Context(), PrincipalFor(ident), req.Amount,
		validation.SanitizeString(req.Note, validation.MaxTextLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusCreated, "Withdrawal requested, funds reserved", gin.H{"transaction": txn})
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	wallet, err := h.ledger.Balance(c.Request.Context(), PrincipalFor(ident))
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "", gin.H{"wallet": wallet})
}

// ListTransactions handles GET /v1/wallet/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	txns, err := h.ledger.History(c.Request.Context(), PrincipalFor(ident), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "", gin.H{"transactions": txns})
}

// AdminConfirm handles POST /v1/admin/transactions/:id/confirm
func (h *Handler) AdminConfirm(c *gin.Context) {
	txn, err := h.ledger.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "Transaction confirmed", gin.H{"transaction": txn})
}

// AdminCancel handles POST /v1/admin/transactions/:id/cancel
func (h *Handler) AdminCancel(c *gin.Context) {
	txn, err := h.ledger.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	api.OK(c, http.StatusOK, "Transaction cancelled", gin.H{"transaction": txn})
}

// writeError maps service errors to HTTP responses without leaking
// storage internals.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		api.Fail(c, http.StatusBadRequest, "validation_error", "Amount must be a positive VND value")
	case errors.Is(err, ErrInsufficientFunds):
		api.Fail(c, http.StatusUnprocessableEntity, "insufficient_funds", "Wallet balance is too low for this operation")
	case errors.Is(err, ErrTransactionNotFound):
		api.Fail(c, http.StatusNotFound, "not_found", "Transaction not found")
	case errors.Is(err, ErrWalletNotFound):
		api.Fail(c, http.StatusNotFound, "not_found", "Wallet not found")
	case errors.Is(err, ErrNotConfirmable):
		api.Fail(c, http.StatusConflict, "not_confirmable", "Only deposits and withdrawals are settled manually")
	case errors.Is(err, ErrInvalidTransition):
		api.Fail(c, http.StatusConflict, "already_settled", "Transaction is already settled")
	default:
		h.logger.Error("wallet operation failed", "error", err, "path", c.FullPath())
		api.Internal(c)
	}
}
