package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crypto_settlement/handler"
)

type Handlers struct {
	Wallet     *handler.WalletHandler
	Investment *handler.InvestmentHandler
	Admin      *handler.AdminHandler
}

func SetupRouter(h Handlers, jwtSecret []byte, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger.Named("http")))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1", handler.Auth(jwtSecret))
	{
		api.POST("/account/register", h.Wallet.Register)
		api.GET("/assets", h.Wallet.Assets)
		api.GET("/balance", h.Wallet.Balance)
		api.POST("/deposits", h.Wallet.RequestDeposit)
		api.POST("/deposits/:id/confirm", h.Wallet.ConfirmDeposit)
		api.POST("/withdrawals", h.Wallet.RequestWithdrawal)
		api.GET("/transactions", h.Wallet.ListTransactions)
		api.GET("/transactions/:id", h.Wallet.GetTransaction)

		api.GET("/packages", h.Investment.ListPackages)
		api.POST("/packages/:id/purchase", h.Investment.Purchase)
		api.GET("/investments", h.Investment.Investments)
		api.GET("/referral", h.Investment.ReferralStats)
	}

	admin := api.Group("/admin", handler.RequireRole(handler.RoleAdmin))
	{
		admin.GET("/transactions", h.Admin.ListTransactions)
		admin.POST("/users/:id/adjustments", h.Admin.Adjust)
		admin.GET("/users/:id/adjustments", h.Admin.Adjustments)
		admin.GET("/users/:id/freezes", h.Admin.PendingFreezes)
		admin.PUT("/users/:id/referral", h.Admin.SetReferralEnabled)
		admin.POST("/withdrawals/:id/cancel", h.Admin.CancelWithdrawal)
		admin.POST("/withdrawals/:id/refund", h.Admin.RefundWithdrawal)
		admin.POST("/packages", h.Admin.CreatePackage)
	}

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			log.Error("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		log.Debug("request", fields...)
	}
}
