package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/crypto_settlement/model"
)

type AssetRepository struct {
	db *gorm.DB
}

func NewAssetRepository(db *gorm.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

func (r *AssetRepository) Create(ctx context.Context, a *model.Asset) error {
	return translate(r.db.WithContext(ctx).Create(a).Error, "create asset")
}

func (r *AssetRepository) Get(ctx context.Context, id string) (*model.Asset, error) {
	var a model.Asset
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, translate(err, "asset "+id)
	}
	return &a, nil
}

func (r *AssetRepository) ListByChain(ctx context.Context, chain string) ([]model.Asset, error) {
	var list []model.Asset
	err := r.db.WithContext(ctx).Where("chain = ?", chain).Order("symbol asc").Find(&list).Error
	return list, translate(err, "list assets")
}

func (r *AssetRepository) List(ctx context.Context) ([]model.Asset, error) {
	var list []model.Asset
	err := r.db.WithContext(ctx).Order("chain asc, symbol asc").Find(&list).Error
	return list, translate(err, "list assets")
}
