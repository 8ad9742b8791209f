package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/metrics"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/money"
	"github.com/crypto_settlement/repository"
)

// DefaultCommissionRates are the level 1..3 rates in basis points (12%, 3%, 2%).
var DefaultCommissionRates = [model.ReferralDepth]int64{1200, 300, 200}

const (
	CommissionCredited = string(model.CommissionCredited)
	CommissionFrozen   = string(model.CommissionFrozen)
)

// earningsWindow bounds the commission refs remembered on a referral record.
const earningsWindow = 512

type CommissionOutcome struct {
	Level    int      `json:"level"`
	UserID   string   `json:"userId"`
	Amount   *big.Int `json:"amount"`
	Status   string   `json:"status"`
	FreezeID string   `json:"freezeId,omitempty"`
}

// CommissionEngine pays the upstream referrers of a package purchase. Every step is keyed
// by (investment, level), so Distribute can be re-run after a partial failure.
type CommissionEngine struct {
	referrals   *repository.ReferralRepository
	investments *repository.InvestmentRepository
	freezes     *repository.FreezeRepository
	commissions *repository.CommissionRepository
	ledger      *Ledger
	rates       [model.ReferralDepth]int64
	metrics     *metrics.Recorder
	logger      *zap.Logger
	now         func() time.Time
}

func NewCommissionEngine(referrals *repository.ReferralRepository, investments *repository.InvestmentRepository, freezes *repository.FreezeRepository, commissions *repository.CommissionRepository, ledger *Ledger, rates [model.ReferralDepth]int64, m *metrics.Recorder, logger *zap.Logger) *CommissionEngine {
	return &CommissionEngine{
		referrals:   referrals,
		investments: investments,
		freezes:     freezes,
		commissions: commissions,
		ledger:      ledger,
		rates:       rates,
		metrics:     m,
		logger:      logger.Named("commission"),
		now:         time.Now,
	}
}

// Distribute walks at most three referrers above the buyer. A referrer that holds an
// unexpired ACTIVE investment at least as large as the purchase is paid to flexible
// balance; anyone else gets a frozen entry that the reconciler releases or expires.
func (e *CommissionEngine) Distribute(ctx context.Context, inv *model.Investment) ([]CommissionOutcome, error) {
	amount, err := money.Parse(inv.AmountInWeiUsd)
	if err != nil {
		return nil, err
	}
	buyer, err := e.referrals.GetByUser(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}
	if !buyer.EnableReferral {
		e.logger.Debug("buyer referral disabled", zap.String("user_id", buyer.UserID))
		return nil, nil
	}

	var out []CommissionOutcome
	cur := buyer
	for level := 1; level <= model.ReferralDepth; level++ {
		if cur.ReferrerBy == nil {
			break
		}
		ref, err := e.referrals.GetByUser(ctx, *cur.ReferrerBy)
		if errors.Is(err, errs.ErrNotFound) {
			e.logger.Warn("referrer missing, remaining levels forfeited",
				zap.String("investment_id", inv.ID), zap.Int("level", level), zap.String("referrer", *cur.ReferrerBy))
			break
		}
		if err != nil {
			return out, err
		}
		if !ref.EnableReferral {
			break
		}
		cur = ref

		commission := money.ApplyBasisPoints(amount, e.rates[level-1])
		if commission.Sign() == 0 {
			continue
		}
		o, err := e.pay(ctx, inv, ref.UserID, level, amount, commission)
		if err != nil {
			e.metrics.Commission(strconv.Itoa(level), "error")
			return out, err
		}
		if err := e.recordEarnings(ctx, o.UserID, level, o.Amount, earningsRef(inv.ID, level)); err != nil {
			return out, err
		}
		e.metrics.Commission(strconv.Itoa(level), o.Status)
		out = append(out, o)
	}
	return out, nil
}

// decide returns the stored decision for the level, taking it now if there is none.
func (e *CommissionEngine) decide(ctx context.Context, inv *model.Investment, userID string, level int, reference, commission *big.Int) (*model.Commission, error) {
	c, err := e.commissions.Get(ctx, inv.ID, level)
	if err == nil || !errors.Is(err, errs.ErrNotFound) {
		return c, err
	}
	ok, err := e.qualifies(ctx, userID, reference)
	if err != nil {
		return nil, err
	}
	c = &model.Commission{
		InvestmentID:   inv.ID,
		Level:          level,
		UserID:         userID,
		AmountInWeiUsd: commission.String(),
		Status:         model.CommissionFrozen,
	}
	if ok {
		c.Status = model.CommissionCredited
	}
	if err := e.commissions.Create(ctx, c); err != nil {
		if repository.IsDuplicate(err) {
			return e.commissions.Get(ctx, inv.ID, level)
		}
		return nil, err
	}
	return c, nil
}

func (e *CommissionEngine) pay(ctx context.Context, inv *model.Investment, userID string, level int, reference, commission *big.Int) (CommissionOutcome, error) {
	c, err := e.decide(ctx, inv, userID, level, reference, commission)
	if err != nil {
		return CommissionOutcome{Level: level, UserID: userID, Amount: commission}, err
	}
	amount, err := money.Parse(c.AmountInWeiUsd)
	if err != nil {
		return CommissionOutcome{}, err
	}
	o := CommissionOutcome{Level: level, UserID: c.UserID, Amount: amount, Status: string(c.Status)}
	if c.Status == model.CommissionCredited {
		ref := fmt.Sprintf("commission:%s:%d", inv.ID, level)
		return o, e.ledger.CreditFlexible(ctx, c.UserID, amount, ref)
	}

	f := &model.FreezeEntry{
		UserID:                  c.UserID,
		PackageID:               inv.PackageID,
		InvestmentID:            inv.ID,
		SourceUserID:            inv.UserID,
		Level:                   level,
		AmountInWeiUsd:          c.AmountInWeiUsd,
		ReferenceAmountInWeiUsd: reference.String(),
		Status:                  model.FreezePending,
	}
	if err := e.freezes.Create(ctx, f); err != nil {
		if !repository.IsDuplicate(err) {
			return o, err
		}
		if f, err = e.freezes.GetByInvestmentLevel(ctx, inv.ID, level); err != nil {
			return o, err
		}
	}
	o.FreezeID = f.ID
	if f.LockApplied || f.Status != model.FreezePending {
		return o, nil
	}
	// The reconciler retries a lock that fails here.
	if err := e.ledger.Lock(ctx, c.UserID, amount, lockRef(f.ID)); err != nil {
		e.logger.Warn("freeze lock deferred", zap.String("freeze_id", f.ID), zap.Error(err))
		return o, nil
	}
	if err := e.freezes.MarkLockApplied(ctx, f.ID); err != nil {
		e.logger.Warn("mark lock applied", zap.String("freeze_id", f.ID), zap.Error(err))
	}
	return o, nil
}

// qualifies reports whether userID holds an ACTIVE investment of at least amount that
// has not expired at now.
func qualifies(ctx context.Context, investments *repository.InvestmentRepository, userID string, amount *big.Int, now time.Time) (bool, error) {
	active, err := investments.ListQualifying(ctx, userID, now)
	if err != nil {
		return false, err
	}
	for _, inv := range active {
		v, err := money.Parse(inv.AmountInWeiUsd)
		if err != nil {
			return false, err
		}
		if v.Cmp(amount) >= 0 {
			return true, nil
		}
	}
	return false, nil
}

func (e *CommissionEngine) qualifies(ctx context.Context, userID string, amount *big.Int) (bool, error) {
	return qualifies(ctx, e.investments, userID, amount, e.now())
}

// recordEarnings adds commission to the referrer's statistics once per ref.
func (e *CommissionEngine) recordEarnings(ctx context.Context, userID string, level int, commission *big.Int, ref string) error {
	for attempt := 0; attempt < ledgerRetries; attempt++ {
		rec, err := e.referrals.GetByUser(ctx, userID)
		if err != nil {
			return err
		}
		if slices.Contains(rec.AppliedRefs, ref) {
			return nil
		}
		expected := rec.Version
		lvl := &rec.Levels[level-1]
		if err := add(&lvl.Earnings, commission, "level earnings"); err != nil {
			return err
		}
		if err := add(&rec.TotalEarnings, commission, "total earnings"); err != nil {
			return err
		}
		rec.AppliedRefs = append(rec.AppliedRefs, ref)
		if n := len(rec.AppliedRefs); n > earningsWindow {
			rec.AppliedRefs = rec.AppliedRefs[n-earningsWindow:]
		}
		rec.Version = expected + 1
		ok, err := e.referrals.CompareAndSwap(ctx, rec, expected)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("earnings of %s: %w", userID, errs.ErrConflict)
}

func earningsRef(investmentID string, level int) string {
	return fmt.Sprintf("earnings:%s:%d", investmentID, level)
}

func lockRef(freezeID string) string    { return "freeze:lock:" + freezeID }
func releaseRef(freezeID string) string { return "freeze:release:" + freezeID }
