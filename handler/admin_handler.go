package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/money"
	"github.com/crypto_settlement/service"
)

type Operator interface {
	Adjust(ctx context.Context, req service.AdjustRequest) (*model.BalanceAdjustment, error)
	Adjustments(ctx context.Context, userID string) ([]model.BalanceAdjustment, error)
	CancelWithdrawal(ctx context.Context, operatorID, txID, reason string) (*model.Transaction, error)
	RefundWithdrawal(ctx context.Context, operatorID, txID string) error
	PendingFreezes(ctx context.Context, userID string) ([]model.FreezeEntry, error)
}

// AdminHandler exposes operator actions. Every route sits behind RequireRole(RoleAdmin)
// and the caller's id is recorded as the operator.
type AdminHandler struct {
	operator  Operator
	referrals Referrals
	packages  Packages
	wallets   *WalletHandler
}

func NewAdminHandler(operator Operator, referrals Referrals, packages Packages, wallets *WalletHandler) *AdminHandler {
	return &AdminHandler{operator: operator, referrals: referrals, packages: packages, wallets: wallets}
}

// POST /api/v1/admin/users/:id/adjustments
func (h *AdminHandler) Adjust(c *gin.Context) {
	var req struct {
		Bucket string `json:"bucket" binding:"required"`
		Delta  string `json:"delta" binding:"required"` // signed wei-USD
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	bucket, err := service.ParseBucket(req.Bucket)
	if err != nil {
		writeError(c, err)
		return
	}
	delta, err := money.ParseSigned(req.Delta)
	if err != nil {
		badRequest(c, "delta must be a signed integer in wei-USD")
		return
	}
	a, err := h.operator.Adjust(c.Request.Context(), service.AdjustRequest{
		OperatorID: userID(c),
		UserID:     c.Param("id"),
		Bucket:     bucket,
		Delta:      delta,
		Reason:     req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// GET /api/v1/admin/users/:id/adjustments
func (h *AdminHandler) Adjustments(c *gin.Context) {
	list, err := h.operator.Adjustments(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": list})
}

// GET /api/v1/admin/users/:id/freezes
func (h *AdminHandler) PendingFreezes(c *gin.Context) {
	list, err := h.operator.PendingFreezes(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": list})
}

// PUT /api/v1/admin/users/:id/referral
func (h *AdminHandler) SetReferralEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	n, err := h.referrals.SetEnabled(c.Request.Context(), userID(c), c.Param("id"), *req.Enabled)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// POST /api/v1/admin/withdrawals/:id/cancel
func (h *AdminHandler) CancelWithdrawal(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	tx, err := h.operator.CancelWithdrawal(c.Request.Context(), userID(c), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// POST /api/v1/admin/withdrawals/:id/refund
func (h *AdminHandler) RefundWithdrawal(c *gin.Context) {
	if err := h.operator.RefundWithdrawal(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/v1/admin/packages
func (h *AdminHandler) CreatePackage(c *gin.Context) {
	var req struct {
		Name           string `json:"name" binding:"required"`
		AmountUSD      string `json:"amountUsd" binding:"required"`
		DurationInDays int    `json:"durationInDays" binding:"required"`
		Description    string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := h.packages.CreatePackage(c.Request.Context(), service.PackageRequest{
		Name:           req.Name,
		AmountUSD:      req.AmountUSD,
		DurationInDays: req.DurationInDays,
		Description:    req.Description,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// GET /api/v1/admin/transactions?userId=
func (h *AdminHandler) ListTransactions(c *gin.Context) {
	f := txFilter(c)
	f.UserID = c.Query("userId")
	h.wallets.list(c, f)
}
