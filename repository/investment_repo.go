package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/crypto_settlement/model"
)

type InvestmentRepository struct {
	db *gorm.DB
}

func NewInvestmentRepository(db *gorm.DB) *InvestmentRepository {
	return &InvestmentRepository{db: db}
}

func (r *InvestmentRepository) CreatePackage(ctx context.Context, p *model.Package) error {
	return translate(r.db.WithContext(ctx).Create(p).Error, "create package")
}

func (r *InvestmentRepository) GetPackage(ctx context.Context, id string) (*model.Package, error) {
	var p model.Package
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, translate(err, "package "+id)
	}
	return &p, nil
}

func (r *InvestmentRepository) ListPackages(ctx context.Context, status model.PackageStatus) ([]model.Package, error) {
	var list []model.Package
	q := r.db.WithContext(ctx)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("name asc").Find(&list).Error
	return list, translate(err, "list packages")
}

func (r *InvestmentRepository) Create(ctx context.Context, inv *model.Investment) error {
	return translate(r.db.WithContext(ctx).Create(inv).Error, "create investment")
}

func (r *InvestmentRepository) HasActive(ctx context.Context, userID, packageID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Investment{}).
		Where("user_id = ? AND package_id = ? AND status = ?", userID, packageID, model.InvestmentActive).
		Count(&n).Error
	return n > 0, translate(err, "active investment lookup")
}

// ListQualifying returns the user's ACTIVE investments that have not expired at now.
// Amounts are compared by the caller because they are stored as decimal strings.
func (r *InvestmentRepository) ListQualifying(ctx context.Context, userID string, now time.Time) ([]model.Investment, error) {
	var list []model.Investment
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND expires_at > ?", userID, model.InvestmentActive, now).
		Order("investment_date asc").
		Find(&list).Error
	return list, translate(err, "list qualifying investments")
}

// ListUnsettled returns investments whose commissions were not fully booked, created
// before cutoff.
func (r *InvestmentRepository) ListUnsettled(ctx context.Context, cutoff time.Time, after string, limit int) ([]model.Investment, error) {
	var list []model.Investment
	err := keyset(r.db.WithContext(ctx), after).
		Where("commissions_settled = ? AND created_at < ?", false, cutoff).
		Limit(limit).
		Find(&list).Error
	return list, translate(err, "list unsettled investments")
}

func (r *InvestmentRepository) MarkCommissionsSettled(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&model.Investment{}).Where("id = ?", id).
		Update("commissions_settled", true).Error
	return translate(err, "mark commissions settled")
}

func (r *InvestmentRepository) ListByUser(ctx context.Context, userID string) ([]model.Investment, error) {
	var list []model.Investment
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("investment_date desc").Find(&list).Error
	return list, translate(err, "list investments")
}
