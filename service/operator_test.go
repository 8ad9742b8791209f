package service

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/model"
)

func newOperator(e *env) *OperatorService {
	return NewOperatorService(e.txs, e.adjustments, e.freezes, e.journal, e.ledger, e.publisher, zapNop())
}

func TestOperatorAdjustKeepsAuditRow(t *testing.T) {
	e := newEnv(t)
	e.register(t, "u1", "")
	op := newOperator(e)

	a, err := op.Adjust(e.ctx, AdjustRequest{OperatorID: "ops-1", UserID: "u1", Bucket: BucketPrincipal, Delta: usd(40), Reason: "manual deposit"})
	require.NoError(t, err)
	assert.Equal(t, usd(40).String(), a.DeltaInWeiUsd)

	_, err = op.Adjust(e.ctx, AdjustRequest{OperatorID: "ops-1", UserID: "u1", Bucket: BucketPrincipal, Delta: usd(-15), Reason: "correction"})
	require.NoError(t, err)
	assert.Equal(t, usd(25).String(), e.wallet(t, "u1").TotalBalanceInWeiUsd)

	list, err := op.Adjustments(e.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ops-1", list[0].OperatorID)
	assert.Contains(t, e.publisher.types(), "balance_adjusted")

	_, err = op.Adjust(e.ctx, AdjustRequest{OperatorID: "ops-1", UserID: "u1", Bucket: BucketPrincipal, Delta: usd(-26), Reason: "too much"})
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)
	_, err = op.Adjust(e.ctx, AdjustRequest{OperatorID: "ops-1", UserID: "u1", Bucket: BucketPrincipal, Delta: usd(1)})
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
	_, err = op.Adjust(e.ctx, AdjustRequest{UserID: "u1", Bucket: BucketPrincipal, Delta: usd(1), Reason: "x"})
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)

	list, err = op.Adjustments(e.ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestOperatorCannotAdjustLockedBalance(t *testing.T) {
	e := newEnv(t)
	e.register(t, "u1", "")
	f := frozenEntry(t, e, "u1", 5, 100)
	require.NoError(t, newReconciler(e).Tick(e.ctx))
	op := newOperator(e)

	_, err := op.Adjust(e.ctx, AdjustRequest{OperatorID: "ops-1", UserID: "u1", Bucket: BucketLocked, Delta: usd(-5), Reason: "cleanup"})
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
	list, err := op.Adjustments(e.ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)

	// The pending entry can still be released in full.
	require.NoError(t, e.investments.Create(e.ctx, &model.Investment{
		UserID: "u1", PackageID: "p", AmountInWeiUsd: usd(100).String(),
		Status: model.InvestmentActive, InvestmentDate: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, newReconciler(e).Tick(e.ctx))
	assert.True(t, e.freeze(t, f.ID).ReleaseApplied)
	w := e.wallet(t, "u1")
	assert.Equal(t, "0", w.TotalLockInWeiUsd)
	assert.Equal(t, usd(5).String(), w.TotalFlexibleBalanceInWeiUsd)
}

func TestOperatorCancelWithdrawalRefunds(t *testing.T) {
	e := newEnv(t)
	e.register(t, "u1", "")
	asset := e.tokenAsset(t)
	e.fund(t, "u1", BucketFlexible, usd(20))
	tx, err := newTxService(e).RequestWithdrawal(e.ctx, WithdrawalRequest{UserID: "u1", AssetID: asset.ID, Receiver: receiver, Amount: big.NewInt(5_000_000)})
	require.NoError(t, err)
	op := newOperator(e)

	got, err := op.CancelWithdrawal(e.ctx, "ops-1", tx.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.TxCanceled, got.TxStatus)
	assert.Equal(t, model.SettlementCanceled, got.SettlementStatus)
	w := e.wallet(t, "u1")
	assert.Equal(t, usd(20).String(), w.TotalFlexibleBalanceInWeiUsd)
	assert.Equal(t, "0", w.TotalWithdrawInWeiUsd)

	_, err = op.CancelWithdrawal(e.ctx, "ops-1", tx.ID, "")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Equal(t, usd(20).String(), e.wallet(t, "u1").TotalFlexibleBalanceInWeiUsd)
}

func TestOperatorCancelRetryFinishesRefund(t *testing.T) {
	e := newEnv(t)
	e.register(t, "u1", "")
	asset := e.tokenAsset(t)
	e.fund(t, "u1", BucketFlexible, usd(20))
	tx, err := newTxService(e).RequestWithdrawal(e.ctx, WithdrawalRequest{UserID: "u1", AssetID: asset.ID, Receiver: receiver, Amount: big.NewInt(5_000_000)})
	require.NoError(t, err)
	// A cancel that stopped after the transition, before the refund.
	require.NoError(t, e.journal.Apply(e.ctx, WithdrawalCanceled{TxID: tx.ID, Reason: "canceled by operator"}))
	assert.Equal(t, usd(15).String(), e.wallet(t, "u1").TotalFlexibleBalanceInWeiUsd)
	op := newOperator(e)

	got, err := op.CancelWithdrawal(e.ctx, "ops-1", tx.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.TxCanceled, got.TxStatus)
	assert.True(t, got.RefundApplied)
	assert.Equal(t, usd(20).String(), e.wallet(t, "u1").TotalFlexibleBalanceInWeiUsd)

	_, err = op.CancelWithdrawal(e.ctx, "ops-1", tx.ID, "")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Equal(t, usd(20).String(), e.wallet(t, "u1").TotalFlexibleBalanceInWeiUsd)
}

func TestOperatorCannotCancelSignedWithdrawal(t *testing.T) {
	e := newEnv(t)
	e.register(t, adminID, "")
	e.register(t, "u1", "")
	asset := e.tokenAsset(t)
	e.fund(t, "u1", BucketFlexible, usd(20))
	tx, err := newTxService(e).RequestWithdrawal(e.ctx, WithdrawalRequest{UserID: "u1", AssetID: asset.ID, Receiver: receiver, Amount: big.NewInt(5_000_000)})
	require.NoError(t, err)
	require.NoError(t, e.journal.Apply(e.ctx, WithdrawalSigned{TxID: tx.ID, TxHash: "0x01", Raw: []byte{1}}))

	_, err = newOperator(e).CancelWithdrawal(e.ctx, "ops-1", tx.ID, "late")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Equal(t, usd(15).String(), e.wallet(t, "u1").TotalFlexibleBalanceInWeiUsd)

	dep, err := newTxService(e).RequestDeposit(e.ctx, "u1", asset.ID)
	require.NoError(t, err)
	_, err = newOperator(e).CancelWithdrawal(e.ctx, "ops-1", dep.ID, "")
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestOperatorRefundsFailedWithdrawal(t *testing.T) {
	e := newEnv(t)
	e.register(t, "u1", "")
	e.fund(t, "u1", BucketFlexible, usd(20))
	require.NoError(t, e.ledger.Debit(e.ctx, DebitRequest{UserID: "u1", Bucket: BucketFlexible, Amount: usd(5), Ref: "w-1"}))
	tx := &model.Transaction{
		Base: model.Base{ID: "w-1"}, UserID: "u1", AssetID: "a", Chain: "polygon", TxType: model.TxTypeWithdrawal,
		AmountInWei: "5", AmountInWeiUsd: usd(5).String(), TxStatus: model.TxFailed, SettlementStatus: model.SettlementFailed,
	}
	require.NoError(t, e.txs.Create(e.ctx, tx))
	op := newOperator(e)

	require.NoError(t, op.RefundWithdrawal(e.ctx, "ops-1", tx.ID))
	err := op.RefundWithdrawal(e.ctx, "ops-1", tx.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Equal(t, usd(20).String(), e.wallet(t, "u1").TotalFlexibleBalanceInWeiUsd)
}

// failedWithdrawal books a debited withdrawal that failed on chain.
func failedWithdrawal(t *testing.T, e *env, id string, amount int64) *model.Transaction {
	t.Helper()
	require.NoError(t, e.ledger.Debit(e.ctx, DebitRequest{UserID: "u1", Bucket: BucketFlexible, Amount: usd(amount), Ref: id}))
	tx := &model.Transaction{
		Base: model.Base{ID: id}, UserID: "u1", AssetID: "a", Chain: "polygon", TxType: model.TxTypeWithdrawal,
		AmountInWei: "5", AmountInWeiUsd: usd(amount).String(), TxStatus: model.TxFailed, SettlementStatus: model.SettlementFailed,
	}
	require.NoError(t, e.txs.Create(e.ctx, tx))
	return tx
}

func TestOperatorRefundOutlivesLedgerRefWindow(t *testing.T) {
	e := newEnv(t)
	e.register(t, "u1", "")
	e.fund(t, "u1", BucketFlexible, usd(20))
	tx := failedWithdrawal(t, e, "w-2", 5)
	op := newOperator(e)

	require.NoError(t, op.RefundWithdrawal(e.ctx, "ops-1", tx.ID))
	got := e.tx(t, tx.ID)
	assert.NotNil(t, got.RefundedAt)
	assert.True(t, got.RefundApplied)

	// Push the refund ref out of the wallet's applied-ref window.
	for i := 0; i < appliedRefWindow; i++ {
		require.NoError(t, e.ledger.CreditFlexible(e.ctx, "u1", big.NewInt(1), fmt.Sprintf("pad:%d", i)))
	}
	assert.NotContains(t, e.wallet(t, "u1").AppliedRefs, refundRef(tx.ID))

	err := op.RefundWithdrawal(e.ctx, "ops-1", tx.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	want := new(big.Int).Add(usd(20), big.NewInt(appliedRefWindow))
	assert.Equal(t, want.String(), e.wallet(t, "u1").TotalFlexibleBalanceInWeiUsd)
}

func TestOperatorRefundResumesUnfinishedClaim(t *testing.T) {
	e := newEnv(t)
	e.register(t, "u1", "")
	e.fund(t, "u1", BucketFlexible, usd(20))
	tx := failedWithdrawal(t, e, "w-3", 5)
	// Claimed by a run that stopped before the ledger step.
	require.NoError(t, e.journal.Apply(e.ctx, WithdrawalRefundClaimed{TxID: tx.ID, From: model.TxFailed}))

	require.NoError(t, newOperator(e).RefundWithdrawal(e.ctx, "ops-1", tx.ID))
	assert.True(t, e.tx(t, tx.ID).RefundApplied)
	assert.Equal(t, usd(20).String(), e.wallet(t, "u1").TotalFlexibleBalanceInWeiUsd)
}

func TestOperatorPendingFreezes(t *testing.T) {
	e := newEnv(t)
	frozenEntry(t, e, "u1", 1, 10)
	frozenEntry(t, e, "u1", 2, 10)
	frozenEntry(t, e, "u2", 3, 10)

	list, err := newOperator(e).PendingFreezes(e.ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
