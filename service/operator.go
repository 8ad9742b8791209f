package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/events"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/money"
	"github.com/crypto_settlement/repository"
)

// OperatorService carries the manual admin actions. Each one is logged with the operator.
type OperatorService struct {
	txs         *repository.TransactionRepository
	adjustments *repository.AdjustmentRepository
	freezes     *repository.FreezeRepository
	journal     *Journal
	ledger      *Ledger
	publisher   events.Publisher
	logger      *zap.Logger
}

func NewOperatorService(txs *repository.TransactionRepository, adjustments *repository.AdjustmentRepository, freezes *repository.FreezeRepository, journal *Journal, ledger *Ledger, publisher events.Publisher, logger *zap.Logger) *OperatorService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &OperatorService{
		txs:         txs,
		adjustments: adjustments,
		freezes:     freezes,
		journal:     journal,
		ledger:      ledger,
		publisher:   publisher,
		logger:      logger.Named("operator"),
	}
}

type AdjustRequest struct {
	OperatorID string
	UserID     string
	Bucket     Bucket
	Delta      *big.Int // signed wei-USD
	Reason     string
}

// Adjust applies a signed correction outside the journal and keeps an audit row.
func (s *OperatorService) Adjust(ctx context.Context, req AdjustRequest) (*model.BalanceAdjustment, error) {
	if req.OperatorID == "" {
		return nil, errs.Invalid("operator id required")
	}
	if req.Reason == "" {
		return nil, errs.Invalid("adjustment reason required")
	}
	if _, err := ParseBucket(string(req.Bucket)); err != nil {
		return nil, err
	}
	if req.Bucket == BucketLocked {
		return nil, errs.Invalid("locked balance only moves through freeze entries")
	}
	a := &model.BalanceAdjustment{
		Base:          model.Base{ID: uuid.NewString()},
		UserID:        req.UserID,
		OperatorID:    req.OperatorID,
		Bucket:        string(req.Bucket),
		DeltaInWeiUsd: money.String(req.Delta),
		Reason:        req.Reason,
	}
	if err := s.ledger.Adjust(ctx, req.UserID, req.Bucket, req.Delta, "adjust:"+a.ID); err != nil {
		return nil, err
	}
	if err := s.adjustments.Create(ctx, a); err != nil {
		s.logger.Error("adjustment applied but not recorded", zap.String("adjustment_id", a.ID), zap.Error(err))
		return nil, err
	}
	s.logger.Info("balance adjusted",
		zap.String("operator_id", req.OperatorID),
		zap.String("user_id", req.UserID),
		zap.String("bucket", a.Bucket),
		zap.String("delta", a.DeltaInWeiUsd),
		zap.String("reason", req.Reason),
	)
	s.publish(ctx, events.Event{Type: "balance_adjusted", UserID: req.UserID, Amount: a.DeltaInWeiUsd})
	return a, nil
}

func (s *OperatorService) Adjustments(ctx context.Context, userID string) ([]model.BalanceAdjustment, error) {
	return s.adjustments.ListByUser(ctx, userID)
}

// CancelWithdrawal stops a withdrawal that has not been signed yet and refunds it. Calling
// it again for a canceled withdrawal whose refund did not finish completes the refund.
func (s *OperatorService) CancelWithdrawal(ctx context.Context, operatorID, txID, reason string) (*model.Transaction, error) {
	tx, err := s.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.TxType != model.TxTypeWithdrawal {
		return nil, errs.Invalid("transaction %s is not a withdrawal", txID)
	}
	if reason == "" {
		reason = "canceled by operator"
	}
	err = s.journal.Apply(ctx, WithdrawalCanceled{TxID: txID, Reason: reason})
	if err != nil && !errors.Is(err, errs.ErrInvalidState) {
		return nil, err
	}
	canceled := err == nil
	if tx, err = s.txs.Get(ctx, txID); err != nil {
		return nil, err
	}
	if tx.TxStatus != model.TxCanceled {
		return nil, fmt.Errorf("withdrawal %s is %s/%s: %w", txID, tx.TxStatus, tx.SettlementStatus, errs.ErrInvalidState)
	}
	if err := s.refund(ctx, tx); err != nil {
		s.logger.Error("canceled withdrawal not refunded", zap.String("tx_id", txID), zap.Error(err))
		return nil, err
	}
	if canceled {
		s.logger.Info("withdrawal canceled",
			zap.String("operator_id", operatorID), zap.String("tx_id", txID), zap.String("user_id", tx.UserID))
	} else {
		s.logger.Info("canceled withdrawal refund completed",
			zap.String("operator_id", operatorID), zap.String("tx_id", txID), zap.String("user_id", tx.UserID))
	}
	return s.txs.Get(ctx, txID)
}

// RefundWithdrawal returns the USD of a failed withdrawal to the user. Reverted
// withdrawals are not refunded automatically.
func (s *OperatorService) RefundWithdrawal(ctx context.Context, operatorID, txID string) error {
	tx, err := s.txs.Get(ctx, txID)
	if err != nil {
		return err
	}
	if tx.TxType != model.TxTypeWithdrawal || tx.TxStatus != model.TxFailed {
		return errs.Invalid("transaction %s is not a failed withdrawal", txID)
	}
	if err := s.refund(ctx, tx); err != nil {
		return err
	}
	s.logger.Info("failed withdrawal refunded",
		zap.String("operator_id", operatorID), zap.String("tx_id", txID), zap.String("user_id", tx.UserID))
	return nil
}

// refund credits a failed or canceled withdrawal back at most once. The claim is recorded
// on the transaction before the ledger step and the completion after it, so a refund that
// already reached the ledger is rejected no matter how many wallet operations followed.
func (s *OperatorService) refund(ctx context.Context, tx *model.Transaction) error {
	if tx.RefundApplied {
		return fmt.Errorf("withdrawal %s already refunded: %w", tx.ID, errs.ErrInvalidState)
	}
	if tx.RefundedAt == nil {
		err := s.journal.Apply(ctx, WithdrawalRefundClaimed{TxID: tx.ID, From: tx.TxStatus})
		if errors.Is(err, errs.ErrInvalidState) {
			// Claimed concurrently; continue only while it is unfinished.
			cur, gerr := s.txs.Get(ctx, tx.ID)
			if gerr != nil {
				return gerr
			}
			if cur.RefundApplied || cur.RefundedAt == nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	usd, err := money.Parse(tx.AmountInWeiUsd)
	if err != nil {
		return err
	}
	if usd.Sign() > 0 {
		if err := s.ledger.Refund(ctx, tx.UserID, usd, refundRef(tx.ID)); err != nil {
			return err
		}
	}
	err = s.journal.Apply(ctx, WithdrawalRefundApplied{TxID: tx.ID, From: tx.TxStatus})
	if err != nil && !errors.Is(err, errs.ErrInvalidState) {
		return err
	}
	return nil
}

func (s *OperatorService) PendingFreezes(ctx context.Context, userID string) ([]model.FreezeEntry, error) {
	return s.freezes.ListPendingByUser(ctx, userID)
}

func (s *OperatorService) publish(ctx context.Context, e events.Event) {
	e.OccurredAt = time.Now().UTC()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("publish operator event", zap.Error(err))
	}
}
