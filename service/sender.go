package service

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crypto_settlement/chain"
	"github.com/crypto_settlement/config"
	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/money"
)

// WithdrawalSender signs and broadcasts the pending withdrawals of one chain from the
// admin wallet and settles them once confirmed.
type WithdrawalSender struct {
	Deps
	client chain.Client
	cfg    config.ChainConfig
	batch  int
	logger *zap.Logger
}

func NewWithdrawalSender(deps Deps, client chain.Client, cfg config.ChainConfig) *WithdrawalSender {
	return &WithdrawalSender{
		Deps:   deps,
		client: client,
		cfg:    cfg,
		batch:  defaultBatch,
		logger: deps.Logger.Named("sender").With(zap.String("chain", cfg.Name)),
	}
}

func (s *WithdrawalSender) Name() string { return "sender:" + s.cfg.Name }

func (s *WithdrawalSender) Tick(ctx context.Context) error {
	pending := func(after string, limit int) ([]model.Transaction, error) {
		return s.Transactions.ListByState(ctx, s.cfg.Name, model.TxTypeWithdrawal, model.TxPending, model.SettlementPending, after, limit)
	}
	err := eachPage(ctx, s.batch, pending, txID, func(tx *model.Transaction) {
		if err := s.send(ctx, tx); err != nil {
			itemFailed(s.logger, s.Metrics, s.Name(), tx.ID, err)
		}
	})
	if err != nil {
		return err
	}

	// The head is only needed once something is awaiting confirmations.
	var head *uint64
	sent := func(after string, limit int) ([]model.Transaction, error) {
		return s.Transactions.ListByState(ctx, s.cfg.Name, model.TxTypeWithdrawal, model.TxCompleted, model.SettlementProcessing, after, limit)
	}
	var headErr error
	err = eachPage(ctx, s.batch, sent, txID, func(tx *model.Transaction) {
		if headErr != nil {
			return
		}
		if head == nil {
			h, err := s.client.BlockNumber(ctx)
			if err != nil {
				headErr = err
				return
			}
			head = &h
		}
		if err := s.settle(ctx, tx, *head); err != nil {
			itemFailed(s.logger, s.Metrics, s.Name(), tx.ID, err)
		}
	})
	if err != nil {
		return err
	}
	return headErr
}

func (s *WithdrawalSender) send(ctx context.Context, tx *model.Transaction) error {
	if tx.Hash() != "" && tx.SignedTx != "" {
		return s.resume(ctx, tx)
	}

	asset, err := s.Assets.Get(ctx, tx.AssetID)
	if err != nil {
		return err
	}
	net, err := netAmount(tx)
	if err != nil {
		return err
	}
	admin, err := s.Wallets.GetByUser(ctx, s.AdminID)
	if err != nil {
		return err
	}
	call := chain.TransferCall{
		From:   common.HexToAddress(admin.Address),
		Token:  asset.TokenAddress(),
		To:     common.HexToAddress(tx.ReceiverAddress),
		Amount: net,
	}

	var signed *chain.SignedTx
	err = s.Keys.WithKey(ctx, s.AdminID, func(key *ecdsa.PrivateKey) error {
		gas, err := s.client.EstimateGas(ctx, call)
		if err != nil {
			return err
		}
		gasPrice, err := s.client.GasPrice(ctx)
		if err != nil {
			return err
		}
		signed, err = s.client.SignTransfer(ctx, key, call, gas, gasPrice)
		return err
	})
	if err != nil {
		return err
	}

	hash := signed.Hash.Hex()
	if err := s.Journal.Apply(ctx, WithdrawalSigned{TxID: tx.ID, TxHash: hash, Raw: signed.Raw, Nonce: signed.Nonce}); err != nil {
		return err
	}
	s.logger.Info("withdrawal signed", zap.String("tx_id", tx.ID), zap.String("tx_hash", hash), zap.Uint64("nonce", signed.Nonce))
	return s.broadcast(ctx, tx.ID, hash, signed.Raw, &signed.Nonce)
}

// resume handles a withdrawal signed on an earlier tick whose broadcast was not recorded.
func (s *WithdrawalSender) resume(ctx context.Context, tx *model.Transaction) error {
	hash := tx.Hash()
	r, err := s.client.Receipt(ctx, common.HexToHash(hash))
	if err != nil {
		return err
	}
	if r != nil {
		return s.Journal.Apply(ctx, WithdrawalBroadcast{TxID: tx.ID, TxHash: hash})
	}
	raw, err := hex.DecodeString(tx.SignedTx)
	if err != nil {
		return fmt.Errorf("withdrawal %s signed tx: %w", tx.ID, err)
	}
	return s.broadcast(ctx, tx.ID, hash, raw, tx.Nonce)
}

func (s *WithdrawalSender) broadcast(ctx context.Context, txID, hash string, raw []byte, nonce *uint64) error {
	err := s.client.Broadcast(ctx, raw)
	switch {
	case err == nil, chain.IsAlreadyKnown(err):
	case chain.IsNonceTooLow(err):
		return s.nonceConflict(ctx, txID, hash, nonce, err)
	default:
		return err
	}
	return s.recordBroadcast(ctx, txID, hash)
}

func (s *WithdrawalSender) recordBroadcast(ctx context.Context, txID, hash string) error {
	if err := s.Journal.Apply(ctx, WithdrawalBroadcast{TxID: txID, TxHash: hash}); err != nil {
		return err
	}
	s.logger.Info("withdrawal broadcast", zap.String("tx_id", txID), zap.String("tx_hash", hash))
	return nil
}

// nonceConflict handles a "nonce too low" rejection. The nonce may have been taken by
// this very signature (an earlier broadcast that timed out but reached the node), so the
// signature is only dropped once its nonce is final and the chain does not know its hash.
// The confirmed nonce is read before the hash lookup: a final nonce cannot change owner.
func (s *WithdrawalSender) nonceConflict(ctx context.Context, txID, hash string, nonce *uint64, cause error) error {
	if nonce == nil {
		return fmt.Errorf("withdrawal %s: nonce conflict on a signature without a stored nonce: %w", txID, cause)
	}
	admin, err := s.Wallets.GetByUser(ctx, s.AdminID)
	if err != nil {
		return err
	}
	final, err := s.client.ConfirmedNonce(ctx, common.HexToAddress(admin.Address))
	if err != nil {
		return err
	}

	h := common.HexToHash(hash)
	known, err := s.client.TransactionKnown(ctx, h)
	if err != nil {
		return err
	}
	if !known {
		r, err := s.client.Receipt(ctx, h)
		if err != nil {
			return err
		}
		known = r != nil
	}
	if known {
		s.logger.Info("nonce taken by our own signature", zap.String("tx_id", txID), zap.String("tx_hash", hash))
		return s.recordBroadcast(ctx, txID, hash)
	}
	if final <= *nonce {
		s.logger.Warn("nonce conflict not final yet, keeping signature",
			zap.String("tx_id", txID), zap.Uint64("nonce", *nonce), zap.Uint64("confirmed_nonce", final))
		return nil
	}
	s.logger.Warn("nonce consumed by another transaction, re-signing next tick",
		zap.String("tx_id", txID), zap.String("tx_hash", hash), zap.Uint64("nonce", *nonce))
	return s.Journal.Apply(ctx, WithdrawalResign{TxID: txID, TxHash: hash, Reason: cause.Error()})
}

func (s *WithdrawalSender) settle(ctx context.Context, tx *model.Transaction, head uint64) error {
	hash := tx.Hash()
	r, err := s.client.Receipt(ctx, common.HexToHash(hash))
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	if !r.Success {
		err := fmt.Errorf("withdrawal %s: %w", hash, errs.ErrReceiptFailed)
		s.logger.Error("withdrawal reverted", zap.String("tx_id", tx.ID), zap.String("user_id", tx.UserID), zap.Error(err))
		s.Metrics.ItemFailed(s.Name(), reason(err))
		return s.Journal.Apply(ctx, WithdrawalFailed{TxID: tx.ID, Reason: err.Error()})
	}
	if chain.Confirmations(head, r) < s.cfg.Confirmations {
		return nil
	}
	if err := s.Journal.Apply(ctx, WithdrawalSettled{TxID: tx.ID}); err != nil {
		return err
	}
	s.logger.Info("withdrawal settled", zap.String("tx_id", tx.ID), zap.String("tx_hash", hash))
	return nil
}

// netAmount is what reaches the receiver: the requested amount less the fee.
func netAmount(tx *model.Transaction) (*big.Int, error) {
	amount, err := money.Parse(tx.AmountInWei)
	if err != nil {
		return nil, err
	}
	fee, err := money.Parse(tx.FeeInWei)
	if err != nil {
		return nil, err
	}
	net := new(big.Int).Sub(amount, fee)
	if net.Sign() <= 0 {
		return nil, errs.Invalid("withdrawal %s: fee %s covers amount %s", tx.ID, fee, amount)
	}
	return net, nil
}
