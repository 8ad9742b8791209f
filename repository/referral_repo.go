package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/crypto_settlement/model"
)

type ReferralRepository struct {
	db *gorm.DB
}

func NewReferralRepository(db *gorm.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

func (r *ReferralRepository) Create(ctx context.Context, e *model.ReferralEarnings) error {
	return translate(r.db.WithContext(ctx).Create(e).Error, "create referral record")
}

func (r *ReferralRepository) GetByUser(ctx context.Context, userID string) (*model.ReferralEarnings, error) {
	var e model.ReferralEarnings
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&e).Error; err != nil {
		return nil, translate(err, "referral record of "+userID)
	}
	return &e, nil
}

func (r *ReferralRepository) GetByCode(ctx context.Context, code string) (*model.ReferralEarnings, error) {
	var e model.ReferralEarnings
	if err := r.db.WithContext(ctx).Where("referral_code = ?", code).First(&e).Error; err != nil {
		return nil, translate(err, "referral code "+code)
	}
	return &e, nil
}

// CompareAndSwap writes the level and earnings columns if version still equals expected.
func (r *ReferralRepository) CompareAndSwap(ctx context.Context, e *model.ReferralEarnings, expected int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(e).
		Where("version = ?", expected).
		Select(model.ReferralColumns).
		Updates(e)
	if res.Error != nil {
		return false, translate(res.Error, "update referral record")
	}
	return res.RowsAffected == 1, nil
}

// ChildrenOf returns the users directly referred by any of parents.
func (r *ReferralRepository) ChildrenOf(ctx context.Context, parents []string) ([]string, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.ReferralEarnings{}).
		Where("referrer_by IN ?", parents).
		Order("user_id asc").
		Pluck("user_id", &ids).Error
	return ids, translate(err, "referral children")
}

func (r *ReferralRepository) SetEnabled(ctx context.Context, userIDs []string, enabled bool) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&model.ReferralEarnings{}).
		Where("user_id IN ?", userIDs).
		Update("enable_referral", enabled)
	return res.RowsAffected, translate(res.Error, "set enable_referral")
}
