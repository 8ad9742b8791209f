package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/money"
	"github.com/crypto_settlement/price"
	"github.com/crypto_settlement/repository"
)

// TransactionService is the user side of the journal: deposit and withdrawal requests,
// lookups and balances.
type TransactionService struct {
	assets  *repository.AssetRepository
	wallets *repository.WalletRepository
	txs     *repository.TransactionRepository
	journal *Journal
	ledger  *Ledger
	oracle  price.Oracle
	logger  *zap.Logger
}

func NewTransactionService(assets *repository.AssetRepository, wallets *repository.WalletRepository, txs *repository.TransactionRepository, journal *Journal, ledger *Ledger, oracle price.Oracle, logger *zap.Logger) *TransactionService {
	return &TransactionService{
		assets:  assets,
		wallets: wallets,
		txs:     txs,
		journal: journal,
		ledger:  ledger,
		oracle:  oracle,
		logger:  logger.Named("transactions"),
	}
}

// RequestDeposit opens a pending deposit and returns it with the custodial address the
// user should pay to.
func (s *TransactionService) RequestDeposit(ctx context.Context, userID, assetID string) (*model.Transaction, error) {
	asset, err := s.assets.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if !asset.DepositEnabled {
		return nil, errs.Invalid("deposits of %s are disabled", asset.Symbol)
	}
	w, err := s.wallets.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	tx := &model.Transaction{
		UserID:           userID,
		AssetID:          asset.ID,
		Chain:            asset.Chain,
		TxType:           model.TxTypeDeposit,
		AmountInWei:      "0",
		FeeInWei:         "0",
		AmountInWeiUsd:   "0",
		DepositAddress:   w.Address,
		TxStatus:         model.TxPending,
		SettlementStatus: model.SettlementPending,
	}
	if err := s.txs.Create(ctx, tx); err != nil {
		return nil, err
	}
	s.logger.Info("deposit requested", zap.String("tx_id", tx.ID), zap.String("user_id", userID), zap.String("asset", asset.Symbol))
	return tx, nil
}

// ConfirmDeposit records that the user has sent the funds; the watcher starts looking for
// the transfer from here.
func (s *TransactionService) ConfirmDeposit(ctx context.Context, userID, txID string) (*model.Transaction, error) {
	if err := s.journal.Apply(ctx, DepositAcknowledged{TxID: txID, UserID: userID}); err != nil {
		return nil, err
	}
	return s.txs.GetForUser(ctx, userID, txID)
}

type WithdrawalRequest struct {
	UserID   string
	AssetID  string
	Receiver string
	Amount   *big.Int // raw units, fee included
}

// RequestWithdrawal debits the flexible balance by the USD value of the request and
// queues a pending withdrawal of Amount minus the asset fee.
func (s *TransactionService) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*model.Transaction, error) {
	asset, err := s.assets.Get(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}
	if err := validateWithdrawal(asset, req); err != nil {
		return nil, err
	}
	fee, err := money.Parse(asset.WithdrawalFee)
	if err != nil {
		return nil, err
	}
	p, err := s.oracle.USDPrice(ctx, asset.PriceID)
	if err != nil {
		return nil, err
	}
	usd := money.ToWeiUSD(req.Amount, asset.Decimals, p)
	if usd.Sign() <= 0 {
		return nil, errs.Invalid("withdrawal is worth nothing at the current price")
	}

	txID := uuid.NewString()
	if err := s.ledger.Debit(ctx, DebitRequest{UserID: req.UserID, Bucket: BucketFlexible, Amount: usd, Ref: txID}); err != nil {
		return nil, err
	}
	tx := &model.Transaction{
		Base:             model.Base{ID: txID},
		UserID:           req.UserID,
		AssetID:          asset.ID,
		Chain:            asset.Chain,
		TxType:           model.TxTypeWithdrawal,
		AmountInWei:      req.Amount.String(),
		FeeInWei:         fee.String(),
		AmountInWeiUsd:   usd.String(),
		ReceiverAddress:  common.HexToAddress(req.Receiver).Hex(),
		TxStatus:         model.TxPending,
		SettlementStatus: model.SettlementPending,
	}
	if err := s.txs.Create(ctx, tx); err != nil {
		if rerr := s.ledger.Refund(ctx, req.UserID, usd, refundRef(txID)); rerr != nil {
			s.logger.Error("withdrawal refund failed", zap.String("tx_id", txID), zap.Error(rerr))
		}
		return nil, err
	}
	s.logger.Info("withdrawal requested",
		zap.String("tx_id", tx.ID), zap.String("user_id", req.UserID),
		zap.String("asset", asset.Symbol), zap.String("amount", tx.AmountInWei))
	return tx, nil
}

func refundRef(txID string) string { return "refund:" + txID }

func validateWithdrawal(asset *model.Asset, req WithdrawalRequest) error {
	if !asset.WithdrawalEnabled {
		return errs.Invalid("withdrawals of %s are disabled", asset.Symbol)
	}
	if !common.IsHexAddress(req.Receiver) {
		return errs.Invalid("receiver %q is not an address", req.Receiver)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return errs.Invalid("amount must be positive")
	}
	bounds := []struct {
		raw  string
		what string
		bad  func(int) bool
	}{
		{asset.MinWithdrawal, "below minimum", func(c int) bool { return c < 0 }},
		{asset.MaxWithdrawal, "above maximum", func(c int) bool { return c > 0 }},
	}
	for _, b := range bounds {
		limit, err := money.Parse(b.raw)
		if err != nil {
			return fmt.Errorf("asset %s limit: %w", asset.Symbol, err)
		}
		if limit.Sign() > 0 && b.bad(req.Amount.Cmp(limit)) {
			return errs.Invalid("amount %s %s %s", req.Amount, b.what, limit)
		}
	}
	fee, err := money.Parse(asset.WithdrawalFee)
	if err != nil {
		return fmt.Errorf("asset %s fee: %w", asset.Symbol, err)
	}
	if req.Amount.Cmp(fee) <= 0 {
		return errs.Invalid("amount %s does not cover fee %s", req.Amount, fee)
	}
	return nil
}

func (s *TransactionService) Get(ctx context.Context, userID, txID string) (*model.Transaction, error) {
	return s.txs.GetForUser(ctx, userID, txID)
}

type TxPage struct {
	Items      []model.Transaction `json:"items"`
	Total      int64               `json:"total"`
	Page       int                 `json:"page"`
	Limit      int                 `json:"limit"`
	TotalPages int64               `json:"totalPages"`
}

func (s *TransactionService) List(ctx context.Context, f repository.TxFilter, p repository.Page) (*TxPage, error) {
	p = p.Normalize()
	items, total, err := s.txs.List(ctx, f, p)
	if err != nil {
		return nil, err
	}
	return &TxPage{Items: items, Total: total, Page: p.Page, Limit: p.Limit, TotalPages: repository.TotalPages(total, p.Limit)}, nil
}

// Balance returns the user's wallet. Key material is not serialised.
func (s *TransactionService) Balance(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.wallets.GetByUser(ctx, userID)
}

func (s *TransactionService) Assets(ctx context.Context) ([]model.Asset, error) {
	return s.assets.List(ctx)
}
