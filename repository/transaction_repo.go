package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/model"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, t *model.Transaction) error {
	return translate(r.db.WithContext(ctx).Create(t).Error, "create transaction")
}

func (r *TransactionRepository) Get(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, translate(err, "transaction "+id)
	}
	return &t, nil
}

// GetForUser hides other users' transactions behind ErrNotFound.
func (r *TransactionRepository) GetForUser(ctx context.Context, userID, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&t).Error; err != nil {
		return nil, translate(err, "transaction "+id)
	}
	return &t, nil
}

type TxFilter struct {
	UserID           string
	TxType           model.TxType
	TxStatus         model.TxStatus
	SettlementStatus model.SettlementStatus
}

func (f TxFilter) apply(q *gorm.DB) *gorm.DB {
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.TxType != "" {
		q = q.Where("tx_type = ?", f.TxType)
	}
	if f.TxStatus != "" {
		q = q.Where("tx_status = ?", f.TxStatus)
	}
	if f.SettlementStatus != "" {
		q = q.Where("settlement_status = ?", f.SettlementStatus)
	}
	return q
}

// List returns one page of matching transactions, newest first, and the total count.
func (r *TransactionRepository) List(ctx context.Context, f TxFilter, p Page) ([]model.Transaction, int64, error) {
	p = p.Normalize()
	var total int64
	q := f.apply(r.db.WithContext(ctx).Model(&model.Transaction{}))
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count transactions")
	}
	var list []model.Transaction
	err := f.apply(r.db.WithContext(ctx)).
		Order("created_at desc, id desc").
		Offset(p.offset()).Limit(p.Limit).
		Find(&list).Error
	if err != nil {
		return nil, 0, translate(err, "list transactions")
	}
	return list, total, nil
}

// ListByState returns up to limit transactions of one chain in the given state, ordered
// by id and starting after the id after. Callers page by passing the last id they saw.
func (r *TransactionRepository) ListByState(ctx context.Context, chain string, txType model.TxType, status model.TxStatus, settlement model.SettlementStatus, after string, limit int) ([]model.Transaction, error) {
	var list []model.Transaction
	err := keyset(r.db.WithContext(ctx), after).
		Where("chain = ? AND tx_type = ? AND tx_status = ? AND settlement_status = ?", chain, txType, status, settlement).
		Limit(limit).
		Find(&list).Error
	return list, translate(err, "list transactions by state")
}

func (r *TransactionRepository) HashUsed(ctx context.Context, hash string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("tx_hash = ?", hash).Count(&n).Error
	return n > 0, translate(err, "lookup tx hash")
}

type UserAsset struct {
	UserID  string
	AssetID string
}

// SettledDepositPairs lists each (user, asset) with at least one fully settled deposit.
func (r *TransactionRepository) SettledDepositPairs(ctx context.Context, chain string) ([]UserAsset, error) {
	var pairs []UserAsset
	err := r.db.WithContext(ctx).Model(&model.Transaction{}).
		Distinct("user_id", "asset_id").
		Where("chain = ? AND tx_type = ? AND tx_status = ? AND settlement_status = ?",
			chain, model.TxTypeDeposit, model.TxCompleted, model.SettlementCompleted).
		Order("user_id asc, asset_id asc").
		Scan(&pairs).Error
	return pairs, translate(err, "settled deposit pairs")
}

// TxGuard is the expected prior state of a transition.
type TxGuard struct {
	TxType     model.TxType
	TxStatus   model.TxStatus
	Settlement model.SettlementStatus
	UserID     string // optional owner check
	HashUnset  bool   // require tx_hash IS NULL
	Hash       string // optional stored hash check

	RefundUnclaimed bool // require refunded_at IS NULL
	RefundUnapplied bool // require a claimed refund not yet applied
}

// Advance applies changes in a single conditional UPDATE. A guard mismatch is
// ErrInvalidState; a missing row is ErrNotFound; a hash already used elsewhere is
// ErrInvalidState.
func (r *TransactionRepository) Advance(ctx context.Context, id string, g TxGuard, changes map[string]any) error {
	q := r.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND tx_type = ? AND tx_status = ? AND settlement_status = ?", id, g.TxType, g.TxStatus, g.Settlement)
	if g.UserID != "" {
		q = q.Where("user_id = ?", g.UserID)
	}
	if g.HashUnset {
		q = q.Where("tx_hash IS NULL")
	}
	if g.Hash != "" {
		q = q.Where("tx_hash = ?", g.Hash)
	}
	if g.RefundUnclaimed {
		q = q.Where("refunded_at IS NULL")
	}
	if g.RefundUnapplied {
		q = q.Where("refunded_at IS NOT NULL AND refund_applied = ?", false)
	}
	changes["updated_at"] = time.Now()

	res := q.Updates(changes)
	if res.Error != nil {
		return translate(res.Error, "advance transaction "+id)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var n int64
	exists := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("id = ?", id)
	if g.UserID != "" {
		exists = exists.Where("user_id = ?", g.UserID)
	}
	if err := exists.Count(&n).Error; err != nil {
		return translate(err, "transaction "+id)
	}
	if n == 0 {
		return fmt.Errorf("transaction %s: %w", id, errs.ErrNotFound)
	}
	return fmt.Errorf("transaction %s not in %s/%s: %w", id, g.TxStatus, g.Settlement, errs.ErrInvalidState)
}

// IsDuplicate reports a unique-key violation surfaced by translate.
func IsDuplicate(err error) bool {
	return errors.Is(err, errs.ErrInvalidState) && errors.Is(err, gorm.ErrDuplicatedKey)
}
