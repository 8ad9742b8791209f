package service

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/crypto_settlement/model"
)

type senderFixture struct {
	*env
	admin  *Account
	asset  *model.Asset
	sender *WithdrawalSender
}

func newSenderFixture(t *testing.T) *senderFixture {
	e := newEnv(t)
	f := &senderFixture{env: e}
	f.admin = e.register(t, adminID, "")
	e.register(t, "u1", "")
	f.asset = e.tokenAsset(t)
	e.fund(t, "u1", BucketFlexible, usd(100))
	f.sender = NewWithdrawalSender(e.deps(), e.chain, e.cfg)
	return f
}

func (f *senderFixture) withdraw(t *testing.T, amount int64) *model.Transaction {
	t.Helper()
	tx, err := newTxService(f.env).RequestWithdrawal(f.ctx, WithdrawalRequest{
		UserID: "u1", AssetID: f.asset.ID, Receiver: receiver, Amount: big.NewInt(amount),
	})
	require.NoError(t, err)
	return tx
}

func TestSenderSignsBroadcastsAndSettles(t *testing.T) {
	f := newSenderFixture(t)
	tx := f.withdraw(t, 10_000_000)

	require.NoError(t, f.sender.Tick(f.ctx))
	calls := f.chain.signedCalls()
	require.Len(t, calls, 1)
	c := calls[0]
	assert.Equal(t, common.HexToAddress(f.admin.Wallet.Address), c.Signer)
	assert.Equal(t, common.HexToAddress(f.admin.Wallet.Address), c.Call.From)
	assert.Equal(t, common.HexToAddress(receiver), c.Call.To)
	assert.Equal(t, common.HexToAddress(usdtContract), *c.Call.Token)
	assert.Equal(t, big.NewInt(9_000_000), c.Call.Amount, "fee stays in custody")
	assert.Equal(t, uint64(60000), c.Gas)
	assert.Equal(t, 1, f.chain.broadcastCount())

	got := f.tx(t, tx.ID)
	assert.Equal(t, model.TxCompleted, got.TxStatus)
	assert.Equal(t, model.SettlementProcessing, got.SettlementStatus)
	assert.Equal(t, c.Hash.Hex(), got.Hash())
	assert.NotEmpty(t, got.SignedTx)

	f.chain.setReceipt(c.Hash, true, 99)
	require.NoError(t, f.sender.Tick(f.ctx))
	assert.Equal(t, model.SettlementProcessing, f.tx(t, tx.ID).SettlementStatus)

	f.chain.setHead(101)
	require.NoError(t, f.sender.Tick(f.ctx))
	got = f.tx(t, tx.ID)
	assert.Equal(t, model.SettlementCompleted, got.SettlementStatus)
	assert.NotNil(t, got.AmountSentAt)
	assert.Len(t, f.chain.signedCalls(), 1)
}

func TestSenderResignsAfterNonceConflict(t *testing.T) {
	f := newSenderFixture(t)
	tx := f.withdraw(t, 5_000_000)

	// Nonce 0 is final and the chain does not know our hash: someone else used it.
	f.chain.setConfirmedNonce(1)
	f.chain.setBroadcastErr(errors.New("nonce too low"))
	require.NoError(t, f.sender.Tick(f.ctx))
	got := f.tx(t, tx.ID)
	assert.Equal(t, model.TxPending, got.TxStatus)
	assert.Nil(t, got.TxHash)
	assert.Empty(t, got.SignedTx)
	assert.Nil(t, got.Nonce)

	f.chain.setBroadcastErr(nil)
	require.NoError(t, f.sender.Tick(f.ctx))
	calls := f.chain.signedCalls()
	require.Len(t, calls, 2)
	got = f.tx(t, tx.ID)
	assert.Equal(t, model.TxCompleted, got.TxStatus)
	assert.Equal(t, calls[1].Hash.Hex(), got.Hash())
}

func TestSenderRebroadcastsStoredSignature(t *testing.T) {
	f := newSenderFixture(t)
	tx := f.withdraw(t, 5_000_000)

	f.chain.setBroadcastErr(errors.New("connection reset"))
	require.NoError(t, f.sender.Tick(f.ctx))
	got := f.tx(t, tx.ID)
	assert.Equal(t, model.TxPending, got.TxStatus)
	assert.NotEmpty(t, got.SignedTx)

	f.chain.setBroadcastErr(errors.New("already known"))
	require.NoError(t, f.sender.Tick(f.ctx))
	assert.Len(t, f.chain.signedCalls(), 1, "no second signature")
	assert.Equal(t, 2, f.chain.broadcastCount())
	assert.Equal(t, model.TxCompleted, f.tx(t, tx.ID).TxStatus)
}

func TestSenderMarksMinedSignatureBroadcast(t *testing.T) {
	f := newSenderFixture(t)
	tx := f.withdraw(t, 5_000_000)

	f.chain.setBroadcastErr(errors.New("timeout"))
	require.NoError(t, f.sender.Tick(f.ctx))
	calls := f.chain.signedCalls()
	require.Len(t, calls, 1)

	f.chain.setReceipt(calls[0].Hash, true, 100)
	require.NoError(t, f.sender.Tick(f.ctx))
	assert.Equal(t, 1, f.chain.broadcastCount())
	assert.Equal(t, model.TxCompleted, f.tx(t, tx.ID).TxStatus)
}

func TestSenderFailsRevertedWithdrawalWithoutRefund(t *testing.T) {
	f := newSenderFixture(t)
	tx := f.withdraw(t, 10_000_000)
	require.NoError(t, f.sender.Tick(f.ctx))

	f.chain.setReceipt(f.chain.signedCalls()[0].Hash, false, 100)
	require.NoError(t, f.sender.Tick(f.ctx))
	got := f.tx(t, tx.ID)
	assert.Equal(t, model.TxFailed, got.TxStatus)
	assert.Equal(t, model.SettlementFailed, got.SettlementStatus)
	assert.Equal(t, usd(90).String(), f.wallet(t, "u1").TotalFlexibleBalanceInWeiUsd)
}

func TestSenderIsolatesItemFailures(t *testing.T) {
	f := newSenderFixture(t)
	good := f.withdraw(t, 5_000_000)
	bad := &model.Transaction{
		UserID: "u1", AssetID: "missing-asset", Chain: "polygon", TxType: model.TxTypeWithdrawal,
		AmountInWei: "5", TxStatus: model.TxPending, SettlementStatus: model.SettlementPending,
		ReceiverAddress: receiver,
	}
	require.NoError(t, f.txs.Create(f.ctx, bad))

	require.NoError(t, f.sender.Tick(f.ctx))
	assert.Equal(t, model.TxCompleted, f.tx(t, good.ID).TxStatus)
	assert.Equal(t, model.TxPending, f.tx(t, bad.ID).TxStatus)
}

func TestSenderKeepsSignatureWhoseNonceItTook(t *testing.T) {
	f := newSenderFixture(t)
	tx := f.withdraw(t, 5_000_000)

	// The broadcast times out but the node accepted it.
	f.chain.setBroadcastErr(errors.New("context deadline exceeded"))
	require.NoError(t, f.sender.Tick(f.ctx))
	calls := f.chain.signedCalls()
	require.Len(t, calls, 1)
	f.chain.setKnown(calls[0].Hash)
	f.chain.setConfirmedNonce(1)

	f.chain.setBroadcastErr(errors.New("nonce too low"))
	require.NoError(t, f.sender.Tick(f.ctx))
	require.NoError(t, f.sender.Tick(f.ctx))

	assert.Len(t, f.chain.signedCalls(), 1, "no second signature")
	got := f.tx(t, tx.ID)
	assert.Equal(t, model.TxCompleted, got.TxStatus)
	assert.Equal(t, model.SettlementProcessing, got.SettlementStatus)
	assert.Equal(t, calls[0].Hash.Hex(), got.Hash())
}

func TestSenderHoldsSignatureUntilConflictIsFinal(t *testing.T) {
	f := newSenderFixture(t)
	tx := f.withdraw(t, 5_000_000)

	f.chain.setBroadcastErr(errors.New("nonce too low"))
	require.NoError(t, f.sender.Tick(f.ctx))
	require.NoError(t, f.sender.Tick(f.ctx))
	calls := f.chain.signedCalls()
	require.Len(t, calls, 1)
	got := f.tx(t, tx.ID)
	assert.Equal(t, calls[0].Hash.Hex(), got.Hash())
	require.NotNil(t, got.Nonce)
	assert.Equal(t, uint64(0), *got.Nonce)

	f.chain.setConfirmedNonce(1)
	require.NoError(t, f.sender.Tick(f.ctx))
	assert.Nil(t, f.tx(t, tx.ID).TxHash)
}

func TestSenderPagesPastOneBatch(t *testing.T) {
	f := newSenderFixture(t)
	f.sender.batch = 2
	ids := []string{f.withdraw(t, 2_000_000).ID, f.withdraw(t, 2_000_000).ID, f.withdraw(t, 2_000_000).ID}

	require.NoError(t, f.sender.Tick(f.ctx))
	for _, id := range ids {
		assert.Equal(t, model.TxCompleted, f.tx(t, id).TxStatus)
	}

	for _, c := range f.chain.signedCalls() {
		f.chain.setReceipt(c.Hash, true, 90)
	}
	require.NoError(t, f.sender.Tick(f.ctx))
	for _, id := range ids {
		assert.Equal(t, model.SettlementCompleted, f.tx(t, id).SettlementStatus)
	}
}

func TestSenderConcurrentTicksBroadcastOneSignature(t *testing.T) {
	f := newSenderFixture(t)
	tx := f.withdraw(t, 5_000_000)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error { return f.sender.Tick(f.ctx) })
	}
	require.NoError(t, g.Wait())

	got := f.tx(t, tx.ID)
	assert.Equal(t, model.TxCompleted, got.TxStatus)
	raws := f.chain.broadcastRaws()
	require.NotEmpty(t, raws)
	for _, raw := range raws {
		assert.Equal(t, got.Hash(), crypto.Keccak256Hash(raw).Hex(), "only the persisted signature reaches the chain")
	}
	assert.Equal(t, usd(95).String(), f.wallet(t, "u1").TotalFlexibleBalanceInWeiUsd)
}
