package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/service"
)

type Packages interface {
	ListPackages(ctx context.Context) ([]model.Package, error)
	CreatePackage(ctx context.Context, req service.PackageRequest) (*model.Package, error)
	Purchase(ctx context.Context, userID, packageID string) (*service.PurchaseResult, error)
	Investments(ctx context.Context, userID string) ([]model.Investment, error)
}

type Referrals interface {
	Stats(ctx context.Context, userID string) (*service.ReferralStats, error)
	SetEnabled(ctx context.Context, operatorID, userID string, enabled bool) (int64, error)
}

// InvestmentHandler serves packages, purchases and the caller's referral tree.
type InvestmentHandler struct {
	packages  Packages
	referrals Referrals
}

func NewInvestmentHandler(packages Packages, referrals Referrals) *InvestmentHandler {
	return &InvestmentHandler{packages: packages, referrals: referrals}
}

// GET /api/v1/packages
func (h *InvestmentHandler) ListPackages(c *gin.Context) {
	list, err := h.packages.ListPackages(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": list})
}

// POST /api/v1/packages/:id/purchase
func (h *InvestmentHandler) Purchase(c *gin.Context) {
	res, err := h.packages.Purchase(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GET /api/v1/investments
func (h *InvestmentHandler) Investments(c *gin.Context) {
	list, err := h.packages.Investments(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": list})
}

// GET /api/v1/referral
func (h *InvestmentHandler) ReferralStats(c *gin.Context) {
	st, err := h.referrals.Stats(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
