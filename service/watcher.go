package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crypto_settlement/chain"
	"github.com/crypto_settlement/config"
	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/money"
	"github.com/crypto_settlement/repository"
)

// DepositWatcher moves the deposits of one chain from "user says paid" to credited:
// it matches inbound transfers, waits for confirmations and books the ledger credit.
type DepositWatcher struct {
	Deps
	client chain.Client
	cfg    config.ChainConfig
	batch  int
	logger *zap.Logger
	now    func() time.Time
}

func NewDepositWatcher(deps Deps, client chain.Client, cfg config.ChainConfig) *DepositWatcher {
	return &DepositWatcher{
		Deps:   deps,
		client: client,
		cfg:    cfg,
		batch:  defaultBatch,
		logger: deps.Logger.Named("watcher").With(zap.String("chain", cfg.Name)),
		now:    time.Now,
	}
}

func (w *DepositWatcher) Name() string { return "watcher:" + w.cfg.Name }

func (w *DepositWatcher) Tick(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	from := uint64(0)
	if head > w.cfg.LookbackBlocks {
		from = head - w.cfg.LookbackBlocks
	}

	steps := []struct {
		status     model.TxStatus
		settlement model.SettlementStatus
		run        func(context.Context, *model.Transaction) error
	}{
		{model.TxConfirmed, model.SettlementPending, func(ctx context.Context, tx *model.Transaction) error {
			return w.match(ctx, tx, from, head)
		}},
		{model.TxProcessing, model.SettlementPending, func(ctx context.Context, tx *model.Transaction) error {
			return w.confirm(ctx, tx, head)
		}},
		{model.TxCompleted, model.SettlementProcessing, w.credit},
	}
	for _, step := range steps {
		list := func(after string, limit int) ([]model.Transaction, error) {
			return w.Transactions.ListByState(ctx, w.cfg.Name, model.TxTypeDeposit, step.status, step.settlement, after, limit)
		}
		err := eachPage(ctx, w.batch, list, txID, func(tx *model.Transaction) {
			if err := step.run(ctx, tx); err != nil {
				itemFailed(w.logger, w.Metrics, w.Name(), tx.ID, err)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// match attaches the first unclaimed transfer to the deposit address.
func (w *DepositWatcher) match(ctx context.Context, tx *model.Transaction, from, head uint64) error {
	asset, err := w.Assets.Get(ctx, tx.AssetID)
	if err != nil {
		return err
	}
	wallet, err := w.Wallets.GetByUser(ctx, tx.UserID)
	if err != nil {
		return err
	}
	recipient := common.HexToAddress(wallet.Address)
	transfers, err := w.client.TransfersTo(ctx, asset.TokenAddress(), recipient, from, head)
	if err != nil {
		return err
	}
	for _, tr := range transfers {
		if tr.Amount == nil || tr.Amount.Sign() <= 0 {
			continue
		}
		hash := tr.TxHash.Hex()
		used, err := w.Transactions.HashUsed(ctx, hash)
		if err != nil {
			return err
		}
		if used {
			continue
		}
		err = w.Journal.Apply(ctx, DepositMatched{TxID: tx.ID, TxHash: hash, Amount: tr.Amount})
		if repository.IsDuplicate(err) {
			continue
		}
		if err != nil {
			return err
		}
		obs := &model.ObservedTransfer{
			Chain:         w.cfg.Name,
			TxHash:        hash,
			LogIndex:      tr.LogIndex,
			BlockNumber:   tr.BlockNumber,
			BlockHash:     tr.BlockHash.Hex(),
			Token:         tr.Token.Hex(),
			FromAddress:   tr.From.Hex(),
			ToAddress:     tr.To.Hex(),
			Amount:        tr.Amount.String(),
			TransactionID: tx.ID,
		}
		if err := w.Observed.Record(ctx, obs); err != nil {
			w.logger.Warn("record observed transfer", zap.String("tx_id", tx.ID), zap.Error(err))
		}
		w.logger.Info("deposit matched",
			zap.String("tx_id", tx.ID), zap.String("tx_hash", hash), zap.String("amount", tr.Amount.String()))
		return nil
	}
	return w.expire(ctx, tx, wallet.Address)
}

// expire fails an acknowledged deposit that saw no transfer within the deposit window, so
// abandoned requests stop costing a log scan every tick.
func (w *DepositWatcher) expire(ctx context.Context, tx *model.Transaction, address string) error {
	since := tx.CreatedAt
	if tx.ConfirmedAt != nil {
		since = *tx.ConfirmedAt
	}
	if w.cfg.DepositExpiry <= 0 || w.now().Sub(since) <= w.cfg.DepositExpiry {
		w.logger.Debug("no transfer yet", zap.String("tx_id", tx.ID), zap.String("address", address))
		return nil
	}
	err := fmt.Errorf("no transfer to %s within %s", address, w.cfg.DepositExpiry)
	if err := w.Journal.Apply(ctx, DepositExpired{TxID: tx.ID, Reason: err.Error()}); err != nil {
		return err
	}
	w.logger.Info("deposit expired", zap.String("tx_id", tx.ID), zap.String("user_id", tx.UserID), zap.Error(err))
	return nil
}

func (w *DepositWatcher) confirm(ctx context.Context, tx *model.Transaction, head uint64) error {
	hash := tx.Hash()
	if hash == "" {
		return fmt.Errorf("deposit %s processing without hash: %w", tx.ID, errs.ErrInvalidState)
	}
	r, err := w.client.Receipt(ctx, common.HexToHash(hash))
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	if !r.Success {
		err := fmt.Errorf("deposit %s: %w", hash, errs.ErrReceiptFailed)
		w.logger.Error("deposit transfer reverted", zap.String("tx_id", tx.ID), zap.String("tx_hash", hash), zap.Error(err))
		w.Metrics.ItemFailed(w.Name(), reason(err))
		return w.Journal.Apply(ctx, DepositFailed{TxID: tx.ID, Reason: err.Error()})
	}
	if n := chain.Confirmations(head, r); n < w.cfg.Confirmations {
		w.logger.Debug("awaiting confirmations", zap.String("tx_id", tx.ID), zap.Uint64("have", n), zap.Uint64("want", w.cfg.Confirmations))
		return nil
	}
	return w.Journal.Apply(ctx, DepositReceiptConfirmed{TxID: tx.ID})
}

// credit books a final deposit. The ledger ref is the transaction id, so a credit that
// landed before a crash is not repeated.
func (w *DepositWatcher) credit(ctx context.Context, tx *model.Transaction) error {
	asset, err := w.Assets.Get(ctx, tx.AssetID)
	if err != nil {
		return err
	}
	p, err := w.Oracle.USDPrice(ctx, asset.PriceID)
	if err != nil {
		return err
	}
	raw, err := money.Parse(tx.AmountInWei)
	if err != nil {
		return err
	}
	usd, err := w.Ledger.Credit(ctx, CreditRequest{
		UserID:   tx.UserID,
		AssetID:  asset.ID,
		Raw:      raw,
		Decimals: asset.Decimals,
		Price:    p,
		Ref:      tx.ID,
	})
	if err != nil {
		return err
	}
	if err := w.Journal.Apply(ctx, DepositCredited{TxID: tx.ID, AmountUSD: usd}); err != nil {
		if errors.Is(err, errs.ErrInvalidState) {
			return nil
		}
		return err
	}
	w.logger.Info("deposit credited", zap.String("tx_id", tx.ID), zap.String("user_id", tx.UserID), zap.String("usd", money.FormatUSD(usd)))
	return nil
}
