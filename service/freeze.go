package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crypto_settlement/metrics"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/money"
	"github.com/crypto_settlement/repository"
)

// DefaultFreezeWindow is how long a frozen commission waits for a qualifying purchase.
const DefaultFreezeWindow = 48 * time.Hour

// FreezeReconciler resolves frozen commissions: released to flexible once the owner holds
// a qualifying package, forfeited after the window.
type FreezeReconciler struct {
	freezes     *repository.FreezeRepository
	investments *repository.InvestmentRepository
	ledger      *Ledger
	window      time.Duration
	batch       int
	metrics     *metrics.Recorder
	logger      *zap.Logger
	now         func() time.Time
}

func NewFreezeReconciler(freezes *repository.FreezeRepository, investments *repository.InvestmentRepository, ledger *Ledger, window time.Duration, m *metrics.Recorder, logger *zap.Logger) *FreezeReconciler {
	if window <= 0 {
		window = DefaultFreezeWindow
	}
	return &FreezeReconciler{
		freezes:     freezes,
		investments: investments,
		ledger:      ledger,
		window:      window,
		batch:       defaultBatch,
		metrics:     m,
		logger:      logger.Named("freeze"),
		now:         time.Now,
	}
}

func (r *FreezeReconciler) Name() string { return "freeze" }

func (r *FreezeReconciler) Tick(ctx context.Context) error {
	if err := r.applyLocks(ctx); err != nil {
		return err
	}
	if err := r.resolve(ctx); err != nil {
		return err
	}
	return r.recover(ctx)
}

func freezeID(f *model.FreezeEntry) string { return f.ID }

func (r *FreezeReconciler) each(ctx context.Context, list func(context.Context, string, int) ([]model.FreezeEntry, error), fn func(*model.FreezeEntry) error) error {
	page := func(after string, limit int) ([]model.FreezeEntry, error) { return list(ctx, after, limit) }
	return eachPage(ctx, r.batch, page, freezeID, func(f *model.FreezeEntry) {
		if err := fn(f); err != nil {
			itemFailed(r.logger, r.metrics, r.Name(), f.ID, err)
		}
	})
}

func (r *FreezeReconciler) applyLocks(ctx context.Context) error {
	return r.each(ctx, r.freezes.ListUnlocked, func(f *model.FreezeEntry) error {
		return r.lock(ctx, f)
	})
}

func (r *FreezeReconciler) lock(ctx context.Context, f *model.FreezeEntry) error {
	amount, err := money.Parse(f.AmountInWeiUsd)
	if err != nil {
		return err
	}
	if err := r.ledger.Lock(ctx, f.UserID, amount, lockRef(f.ID)); err != nil {
		return err
	}
	return r.freezes.MarkLockApplied(ctx, f.ID)
}

func (r *FreezeReconciler) resolve(ctx context.Context) error {
	now := r.now()
	return r.each(ctx, r.freezes.ListLocked, func(f *model.FreezeEntry) error {
		return r.resolveOne(ctx, f, now)
	})
}

func (r *FreezeReconciler) resolveOne(ctx context.Context, f *model.FreezeEntry, now time.Time) error {
	status := model.FreezeStatus("")
	if now.Sub(f.CreatedAt) > r.window {
		status = model.FreezeExpired
	} else {
		ref, err := money.Parse(f.ReferenceAmountInWeiUsd)
		if err != nil {
			return err
		}
		ok, err := qualifies(ctx, r.investments, f.UserID, ref, now)
		if err != nil {
			return err
		}
		if ok {
			status = model.FreezeCompleted
		}
	}
	if status == "" {
		return nil
	}

	won, err := r.freezes.Resolve(ctx, f.ID, status, now)
	if err != nil || !won {
		return err
	}
	f.Status = status
	r.logger.Info("freeze resolved", zap.String("freeze_id", f.ID), zap.String("user_id", f.UserID), zap.String("status", string(status)))
	return r.settle(ctx, f)
}

// settle applies the ledger step of a resolved entry.
func (r *FreezeReconciler) settle(ctx context.Context, f *model.FreezeEntry) error {
	amount, err := money.Parse(f.AmountInWeiUsd)
	if err != nil {
		return err
	}
	switch f.Status {
	case model.FreezeCompleted:
		err = r.ledger.Release(ctx, f.UserID, amount, releaseRef(f.ID))
	case model.FreezeExpired:
		err = r.ledger.Forfeit(ctx, f.UserID, amount, releaseRef(f.ID))
	default:
		return nil
	}
	if err != nil {
		return err
	}
	return r.freezes.MarkReleaseApplied(ctx, f.ID)
}

func (r *FreezeReconciler) recover(ctx context.Context) error {
	return r.each(ctx, r.freezes.ListUnreleased, func(f *model.FreezeEntry) error {
		if !f.LockApplied {
			if err := r.lock(ctx, f); err != nil {
				return err
			}
		}
		return r.settle(ctx, f)
	})
}
