package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/crypto_settlement/model"
)

type FreezeRepository struct {
	db *gorm.DB
}

func NewFreezeRepository(db *gorm.DB) *FreezeRepository {
	return &FreezeRepository{db: db}
}

func (r *FreezeRepository) Create(ctx context.Context, f *model.FreezeEntry) error {
	return translate(r.db.WithContext(ctx).Create(f).Error, "create freeze entry")
}

func (r *FreezeRepository) Get(ctx context.Context, id string) (*model.FreezeEntry, error) {
	var f model.FreezeEntry
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&f).Error; err != nil {
		return nil, translate(err, "freeze entry "+id)
	}
	return &f, nil
}

// GetByInvestmentLevel returns the entry created for one level of an investment.
func (r *FreezeRepository) GetByInvestmentLevel(ctx context.Context, investmentID string, level int) (*model.FreezeEntry, error) {
	var f model.FreezeEntry
	err := r.db.WithContext(ctx).Where("investment_id = ? AND level = ?", investmentID, level).First(&f).Error
	if err != nil {
		return nil, translate(err, "freeze entry for "+investmentID)
	}
	return &f, nil
}

func (r *FreezeRepository) list(ctx context.Context, after string, limit int, query string, args ...any) ([]model.FreezeEntry, error) {
	var list []model.FreezeEntry
	err := keyset(r.db.WithContext(ctx), after).Where(query, args...).
		Limit(limit).
		Find(&list).Error
	return list, translate(err, "list freeze entries")
}

// ListUnlocked returns pending entries whose lock has not reached the wallet yet.
func (r *FreezeRepository) ListUnlocked(ctx context.Context, after string, limit int) ([]model.FreezeEntry, error) {
	return r.list(ctx, after, limit, "status = ? AND lock_applied = ?", model.FreezePending, false)
}

func (r *FreezeRepository) ListLocked(ctx context.Context, after string, limit int) ([]model.FreezeEntry, error) {
	return r.list(ctx, after, limit, "status = ? AND lock_applied = ?", model.FreezePending, true)
}

// ListUnreleased returns resolved entries whose ledger step has not been applied.
func (r *FreezeRepository) ListUnreleased(ctx context.Context, after string, limit int) ([]model.FreezeEntry, error) {
	return r.list(ctx, after, limit, "status IN ? AND release_applied = ?",
		[]model.FreezeStatus{model.FreezeCompleted, model.FreezeExpired}, false)
}

func (r *FreezeRepository) ListPendingByUser(ctx context.Context, userID string) ([]model.FreezeEntry, error) {
	var list []model.FreezeEntry
	err := r.db.WithContext(ctx).Where("user_id = ? AND status = ?", userID, model.FreezePending).
		Order("created_at asc, id asc").
		Find(&list).Error
	return list, translate(err, "list pending freeze entries")
}

func (r *FreezeRepository) MarkLockApplied(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&model.FreezeEntry{}).Where("id = ?", id).
		Update("lock_applied", true).Error
	return translate(err, "mark lock applied")
}

// Resolve moves a PENDING entry to status. It reports false if the entry was already
// resolved by someone else.
func (r *FreezeRepository) Resolve(ctx context.Context, id string, status model.FreezeStatus, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.FreezeEntry{}).
		Where("id = ? AND status = ?", id, model.FreezePending).
		Updates(map[string]any{"status": status, "resolved_at": at})
	if res.Error != nil {
		return false, translate(res.Error, "resolve freeze entry")
	}
	return res.RowsAffected == 1, nil
}

func (r *FreezeRepository) MarkReleaseApplied(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&model.FreezeEntry{}).Where("id = ?", id).
		Update("release_applied", true).Error
	return translate(err, "mark release applied")
}

type CommissionRepository struct {
	db *gorm.DB
}

func NewCommissionRepository(db *gorm.DB) *CommissionRepository {
	return &CommissionRepository{db: db}
}

func (r *CommissionRepository) Create(ctx context.Context, c *model.Commission) error {
	return translate(r.db.WithContext(ctx).Create(c).Error, "create commission")
}

func (r *CommissionRepository) Get(ctx context.Context, investmentID string, level int) (*model.Commission, error) {
	var c model.Commission
	err := r.db.WithContext(ctx).Where("investment_id = ? AND level = ?", investmentID, level).First(&c).Error
	if err != nil {
		return nil, translate(err, "commission for "+investmentID)
	}
	return &c, nil
}

func (r *CommissionRepository) ListByInvestment(ctx context.Context, investmentID string) ([]model.Commission, error) {
	var list []model.Commission
	err := r.db.WithContext(ctx).Where("investment_id = ?", investmentID).Order("level asc").Find(&list).Error
	return list, translate(err, "list commissions")
}
