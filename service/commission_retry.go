package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crypto_settlement/metrics"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/repository"
)

// commissionGrace keeps the retrier away from purchases still distributing inline.
const commissionGrace = time.Minute

// CommissionRetrier re-runs the distribution of purchases whose commissions did not all
// land, e.g. after a ledger conflict or a crash between levels.
type CommissionRetrier struct {
	investments *repository.InvestmentRepository
	engine      *CommissionEngine
	batch       int
	metrics     *metrics.Recorder
	logger      *zap.Logger
	now         func() time.Time
}

func NewCommissionRetrier(investments *repository.InvestmentRepository, engine *CommissionEngine, m *metrics.Recorder, logger *zap.Logger) *CommissionRetrier {
	return &CommissionRetrier{
		investments: investments,
		engine:      engine,
		batch:       defaultBatch,
		metrics:     m,
		logger:      logger.Named("commission_retry"),
		now:         time.Now,
	}
}

func (r *CommissionRetrier) Name() string { return "commission" }

func (r *CommissionRetrier) Tick(ctx context.Context) error {
	cutoff := r.now().Add(-commissionGrace)
	list := func(after string, limit int) ([]model.Investment, error) {
		return r.investments.ListUnsettled(ctx, cutoff, after, limit)
	}
	id := func(inv *model.Investment) string { return inv.ID }
	return eachPage(ctx, r.batch, list, id, func(inv *model.Investment) {
		if _, err := r.engine.Distribute(ctx, inv); err != nil {
			itemFailed(r.logger, r.metrics, r.Name(), inv.ID, err)
			return
		}
		if err := r.investments.MarkCommissionsSettled(ctx, inv.ID); err != nil {
			itemFailed(r.logger, r.metrics, r.Name(), inv.ID, err)
			return
		}
		r.logger.Info("commissions settled on retry", zap.String("investment_id", inv.ID))
	})
}
