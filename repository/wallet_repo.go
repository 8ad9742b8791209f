package repository

import (
	"context"
	"database/sql"

	"gorm.io/gorm"

	"github.com/crypto_settlement/keystore"
	"github.com/crypto_settlement/model"
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) Create(ctx context.Context, w *model.Wallet) error {
	return translate(r.db.WithContext(ctx).Create(w).Error, "create wallet")
}

func (r *WalletRepository) GetByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, translate(err, "wallet of "+userID)
	}
	return &w, nil
}

func (r *WalletRepository) ListByUsers(ctx context.Context, userIDs []string) ([]model.Wallet, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var list []model.Wallet
	err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&list).Error
	return list, translate(err, "list wallets")
}

// CompareAndSwap writes the ledger columns of w if the stored version still equals
// expected. It reports false when another writer got there first.
func (r *WalletRepository) CompareAndSwap(ctx context.Context, w *model.Wallet, expected int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(w).
		Where("version = ?", expected).
		Select(model.LedgerColumns).
		Updates(w)
	if res.Error != nil {
		return false, translate(res.Error, "update wallet")
	}
	return res.RowsAffected == 1, nil
}

// NextDerivationIndex returns one past the highest index in use.
func (r *WalletRepository) NextDerivationIndex(ctx context.Context) (uint32, error) {
	var highest sql.NullInt64
	err := r.db.WithContext(ctx).Model(&model.Wallet{}).Select("MAX(derivation_index)").Scan(&highest).Error
	if err != nil {
		return 0, translate(err, "max derivation index")
	}
	if !highest.Valid {
		return 0, nil
	}
	return uint32(highest.Int64 + 1), nil
}

// SealedKey implements keystore.SealedSource.
func (r *WalletRepository) SealedKey(ctx context.Context, ownerID string) (keystore.Sealed, error) {
	w, err := r.GetByUser(ctx, ownerID)
	if err != nil {
		return keystore.Sealed{}, err
	}
	return keystore.Sealed{
		EncryptedPrivateKey:   w.EncryptedPrivateKey,
		EncryptedSymmetricKey: w.EncryptedSymmetricKey,
		Salt:                  w.Salt,
	}, nil
}
