package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crypto_settlement/model"
)

type AdjustmentRepository struct {
	db *gorm.DB
}

func NewAdjustmentRepository(db *gorm.DB) *AdjustmentRepository {
	return &AdjustmentRepository{db: db}
}

func (r *AdjustmentRepository) Create(ctx context.Context, a *model.BalanceAdjustment) error {
	return translate(r.db.WithContext(ctx).Create(a).Error, "create balance adjustment")
}

func (r *AdjustmentRepository) ListByUser(ctx context.Context, userID string) ([]model.BalanceAdjustment, error) {
	var list []model.BalanceAdjustment
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(&list).Error
	return list, translate(err, "list balance adjustments")
}

type ObservedTransferRepository struct {
	db *gorm.DB
}

func NewObservedTransferRepository(db *gorm.DB) *ObservedTransferRepository {
	return &ObservedTransferRepository{db: db}
}

// Record inserts the audit row; a row already present for (chain, tx_hash, log_index) is kept.
func (r *ObservedTransferRepository) Record(ctx context.Context, o *model.ObservedTransfer) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(o).Error
	return translate(err, "record observed transfer")
}

func (r *ObservedTransferRepository) ListByTransaction(ctx context.Context, txID string) ([]model.ObservedTransfer, error) {
	var list []model.ObservedTransfer
	err := r.db.WithContext(ctx).Where("transaction_id = ?", txID).Order("id asc").Find(&list).Error
	return list, translate(err, "list observed transfers")
}
