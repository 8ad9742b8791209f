package service

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crypto_settlement/chain"
	"github.com/crypto_settlement/config"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/repository"
)

// BalanceSweeper consolidates custodial deposit balances of one chain into the admin
// wallet. It moves coins on chain only and never touches the USD ledger.
type BalanceSweeper struct {
	Deps
	client chain.Client
	cfg    config.ChainConfig
	logger *zap.Logger
}

func NewBalanceSweeper(deps Deps, client chain.Client, cfg config.ChainConfig) *BalanceSweeper {
	return &BalanceSweeper{
		Deps:   deps,
		client: client,
		cfg:    cfg,
		logger: deps.Logger.Named("sweeper").With(zap.String("chain", cfg.Name)),
	}
}

func (s *BalanceSweeper) Name() string { return "sweeper:" + s.cfg.Name }

func (s *BalanceSweeper) Tick(ctx context.Context) error {
	pairs, err := s.Transactions.SettledDepositPairs(ctx, s.cfg.Name)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return nil
	}
	admin, err := s.Wallets.GetByUser(ctx, s.AdminID)
	if err != nil {
		return err
	}
	target := common.HexToAddress(admin.Address)
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.UserID == s.AdminID {
			continue
		}
		if err := s.sweep(ctx, p, target); err != nil {
			itemFailed(s.logger, s.Metrics, s.Name(), p.UserID+"/"+p.AssetID, err)
		}
	}
	return nil
}

func (s *BalanceSweeper) sweep(ctx context.Context, p repository.UserAsset, target common.Address) error {
	asset, err := s.Assets.Get(ctx, p.AssetID)
	if err != nil {
		return err
	}
	wallet, err := s.Wallets.GetByUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	owner := common.HexToAddress(wallet.Address)
	if asset.IsNative() {
		return s.sweepNative(ctx, p.UserID, owner, target)
	}
	return s.sweepToken(ctx, asset, p.UserID, owner, target)
}

func (s *BalanceSweeper) sweepToken(ctx context.Context, asset *model.Asset, userID string, owner, target common.Address) error {
	token := asset.TokenAddress()
	balance, err := s.client.TokenBalance(ctx, *token, owner)
	if err != nil {
		return err
	}
	if balance.Sign() <= 0 {
		return nil
	}
	call := chain.TransferCall{From: owner, Token: token, To: target, Amount: balance}
	gas, err := s.client.EstimateGas(ctx, call)
	if err != nil {
		return err
	}
	gasPrice, err := s.client.GasPrice(ctx)
	if err != nil {
		return err
	}
	need := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
	native, err := s.client.NativeBalance(ctx, owner)
	if err != nil {
		return err
	}
	if native.Cmp(need) < 0 {
		shortfall := new(big.Int).Sub(need, native)
		topUp := chain.TransferCall{From: target, To: owner, Amount: shortfall}
		if err := s.transfer(ctx, s.AdminID, topUp, chain.NativeGasLimit, gasPrice); err != nil {
			return err
		}
		s.logger.Info("gas top-up sent", zap.String("user_id", userID), zap.String("asset", asset.Symbol), zap.String("amount", shortfall.String()))
		return nil
	}
	if err := s.transfer(ctx, userID, call, gas, gasPrice); err != nil {
		return err
	}
	s.logger.Info("token swept", zap.String("user_id", userID), zap.String("asset", asset.Symbol), zap.String("amount", balance.String()))
	return nil
}

func (s *BalanceSweeper) sweepNative(ctx context.Context, userID string, owner, target common.Address) error {
	balance, err := s.client.NativeBalance(ctx, owner)
	if err != nil {
		return err
	}
	gasPrice, err := s.client.GasPrice(ctx)
	if err != nil {
		return err
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(chain.NativeGasLimit), gasPrice)
	if balance.Cmp(cost) <= 0 {
		return nil
	}
	amount := new(big.Int).Sub(balance, cost)
	call := chain.TransferCall{From: owner, To: target, Amount: amount}
	if err := s.transfer(ctx, userID, call, chain.NativeGasLimit, gasPrice); err != nil {
		return err
	}
	s.logger.Info("native swept", zap.String("user_id", userID), zap.String("amount", amount.String()))
	return nil
}

// transfer signs call with the key of signerID and broadcasts it.
func (s *BalanceSweeper) transfer(ctx context.Context, signerID string, call chain.TransferCall, gas uint64, gasPrice *big.Int) error {
	return s.Keys.WithKey(ctx, signerID, func(key *ecdsa.PrivateKey) error {
		signed, err := s.client.SignTransfer(ctx, key, call, gas, gasPrice)
		if err != nil {
			return err
		}
		if err := s.client.Broadcast(ctx, signed.Raw); err != nil && !chain.IsAlreadyKnown(err) {
			return err
		}
		s.logger.Debug("sweep transfer broadcast", zap.String("tx_hash", signed.Hash.Hex()))
		return nil
	})
}
