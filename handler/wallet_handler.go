package handler

import (
	"context"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/repository"
	"github.com/crypto_settlement/service"
)

type Accounts interface {
	Register(ctx context.Context, userID, referralCode string) (*service.Account, error)
}

type Transactions interface {
	RequestDeposit(ctx context.Context, userID, assetID string) (*model.Transaction, error)
	ConfirmDeposit(ctx context.Context, userID, txID string) (*model.Transaction, error)
	RequestWithdrawal(ctx context.Context, req service.WithdrawalRequest) (*model.Transaction, error)
	Get(ctx context.Context, userID, txID string) (*model.Transaction, error)
	List(ctx context.Context, f repository.TxFilter, p repository.Page) (*service.TxPage, error)
	Balance(ctx context.Context, userID string) (*model.Wallet, error)
	Assets(ctx context.Context) ([]model.Asset, error)
}

type WalletHandler struct {
	accounts Accounts
	txs      Transactions
}

func NewWalletHandler(accounts Accounts, txs Transactions) *WalletHandler {
	return &WalletHandler{accounts: accounts, txs: txs}
}

// POST /api/v1/account/register
func (h *WalletHandler) Register(c *gin.Context) {
	var req struct {
		ReferralCode string `json:"referralCode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err.Error())
		return
	}
	acct, err := h.accounts.Register(c.Request.Context(), userID(c), req.ReferralCode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":      acct.Wallet.Address,
		"referralCode": acct.Referral.ReferralCode,
		"referrerBy":   acct.Referral.ReferrerBy,
	})
}

// GET /api/v1/assets
func (h *WalletHandler) Assets(c *gin.Context) {
	list, err := h.txs.Assets(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": list})
}

// GET /api/v1/balance
func (h *WalletHandler) Balance(c *gin.Context) {
	w, err := h.txs.Balance(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// POST /api/v1/deposits
func (h *WalletHandler) RequestDeposit(c *gin.Context) {
	var req struct {
		AssetID string `json:"assetId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	tx, err := h.txs.RequestDeposit(c.Request.Context(), userID(c), req.AssetID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

// POST /api/v1/deposits/:id/confirm
func (h *WalletHandler) ConfirmDeposit(c *gin.Context) {
	tx, err := h.txs.ConfirmDeposit(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// POST /api/v1/withdrawals
func (h *WalletHandler) RequestWithdrawal(c *gin.Context) {
	var req struct {
		AssetID  string `json:"assetId" binding:"required"`
		Receiver string `json:"receiver" binding:"required"`
		Amount   string `json:"amount" binding:"required"` // raw token units
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		badRequest(c, "amount must be an integer in token units")
		return
	}
	tx, err := h.txs.RequestWithdrawal(c.Request.Context(), service.WithdrawalRequest{
		UserID:   userID(c),
		AssetID:  req.AssetID,
		Receiver: req.Receiver,
		Amount:   amount,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

// GET /api/v1/transactions
func (h *WalletHandler) ListTransactions(c *gin.Context) {
	f := txFilter(c)
	f.UserID = userID(c)
	h.list(c, f)
}

// GET /api/v1/transactions/:id
func (h *WalletHandler) GetTransaction(c *gin.Context) {
	tx, err := h.txs.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *WalletHandler) list(c *gin.Context, f repository.TxFilter) {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	res, err := h.txs.List(c.Request.Context(), f, repository.Page{Page: page, Limit: limit})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func txFilter(c *gin.Context) repository.TxFilter {
	return repository.TxFilter{
		TxType:           model.TxType(c.Query("type")),
		TxStatus:         model.TxStatus(c.Query("status")),
		SettlementStatus: model.SettlementStatus(c.Query("settlement")),
	}
}
