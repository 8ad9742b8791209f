package service

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crypto_settlement/chain"
	"github.com/crypto_settlement/model"
)

func settledDeposit(t *testing.T, e *env, userID, assetID string) {
	t.Helper()
	require.NoError(t, e.txs.Create(e.ctx, &model.Transaction{
		UserID: userID, AssetID: assetID, Chain: "polygon", TxType: model.TxTypeDeposit,
		AmountInWei: "1", TxStatus: model.TxCompleted, SettlementStatus: model.SettlementCompleted,
	}))
}

func TestSweeperTopsUpGasThenSweepsToken(t *testing.T) {
	e := newEnv(t)
	admin := e.register(t, adminID, "")
	user := e.register(t, "u1", "")
	asset := e.tokenAsset(t)
	settledDeposit(t, e, "u1", asset.ID)
	settledDeposit(t, e, "u1", asset.ID)
	s := NewBalanceSweeper(e.deps(), e.chain, e.cfg)

	adminAddr := common.HexToAddress(admin.Wallet.Address)
	userAddr := common.HexToAddress(user.Wallet.Address)
	e.chain.tokens[userAddr] = big.NewInt(5_000_000)
	e.chain.natives[userAddr] = big.NewInt(100_000)

	require.NoError(t, s.Tick(e.ctx))
	calls := e.chain.signedCalls()
	require.Len(t, calls, 1, "one top-up per pair")
	topUp := calls[0]
	assert.Equal(t, adminAddr, topUp.Signer)
	assert.Equal(t, userAddr, topUp.Call.To)
	assert.Nil(t, topUp.Call.Token)
	assert.Equal(t, big.NewInt(500_000), topUp.Call.Amount, "60000 gas at 10 wei minus 100000 held")
	assert.Equal(t, chain.NativeGasLimit, topUp.Gas)

	e.chain.natives[userAddr] = big.NewInt(600_000)
	require.NoError(t, s.Tick(e.ctx))
	calls = e.chain.signedCalls()
	require.Len(t, calls, 2)
	sweep := calls[1]
	assert.Equal(t, userAddr, sweep.Signer)
	assert.Equal(t, adminAddr, sweep.Call.To)
	assert.Equal(t, common.HexToAddress(usdtContract), *sweep.Call.Token)
	assert.Equal(t, big.NewInt(5_000_000), sweep.Call.Amount)

	// The ledger is not touched by sweeping.
	assert.Equal(t, "0", e.wallet(t, "u1").TotalBalanceInWeiUsd)
}

func TestSweeperNativeLeavesGas(t *testing.T) {
	e := newEnv(t)
	admin := e.register(t, adminID, "")
	user := e.register(t, "u1", "")
	asset := e.nativeAsset(t)
	settledDeposit(t, e, "u1", asset.ID)
	s := NewBalanceSweeper(e.deps(), e.chain, e.cfg)

	userAddr := common.HexToAddress(user.Wallet.Address)
	e.chain.natives[userAddr] = big.NewInt(1_000_000)
	require.NoError(t, s.Tick(e.ctx))

	calls := e.chain.signedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, userAddr, calls[0].Signer)
	assert.Equal(t, common.HexToAddress(admin.Wallet.Address), calls[0].Call.To)
	assert.Equal(t, big.NewInt(1_000_000-21000*10), calls[0].Call.Amount)

	// Dust below the gas cost stays put.
	e.chain.natives[userAddr] = big.NewInt(21000 * 10)
	require.NoError(t, s.Tick(e.ctx))
	assert.Len(t, e.chain.signedCalls(), 1)
}

func TestSweeperSkipsAdminAndEmptyBalances(t *testing.T) {
	e := newEnv(t)
	admin := e.register(t, adminID, "")
	e.register(t, "u1", "")
	asset := e.tokenAsset(t)
	settledDeposit(t, e, adminID, asset.ID)
	settledDeposit(t, e, "u1", asset.ID)
	e.chain.tokens[common.HexToAddress(admin.Wallet.Address)] = big.NewInt(9_000_000)
	s := NewBalanceSweeper(e.deps(), e.chain, e.cfg)

	require.NoError(t, s.Tick(e.ctx))
	assert.Empty(t, e.chain.signedCalls())
}
