package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/metrics"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/money"
	"github.com/crypto_settlement/repository"
)

// Bucket names a USD counter of the wallet.
type Bucket string

const (
	BucketPrincipal Bucket = "principal" // totalBalanceInWeiUsd: deposits, spent on packages
	BucketFlexible  Bucket = "flexible"  // earnings, spent on withdrawals
	BucketLocked    Bucket = "locked"    // frozen commissions
)

func ParseBucket(s string) (Bucket, error) {
	switch b := Bucket(s); b {
	case BucketPrincipal, BucketFlexible, BucketLocked:
		return b, nil
	}
	return "", errs.Invalid("unknown bucket %q", s)
}

const (
	ledgerRetries    = 8
	appliedRefWindow = 512
)

// Ledger is the balance of record. Every operation is a version-guarded rewrite of one
// wallet row, and carries a ref: replaying a ref already applied is a no-op.
type Ledger struct {
	wallets *repository.WalletRepository
	metrics *metrics.Recorder
	logger  *zap.Logger
	now     func() time.Time
}

func NewLedger(wallets *repository.WalletRepository, m *metrics.Recorder, logger *zap.Logger) *Ledger {
	return &Ledger{wallets: wallets, metrics: m, logger: logger.Named("ledger"), now: time.Now}
}

func (l *Ledger) mutate(ctx context.Context, op, userID, ref string, fn func(w *model.Wallet) error) error {
	if ref == "" {
		return errs.Invalid("ledger %s without ref", op)
	}
	for attempt := 0; attempt < ledgerRetries; attempt++ {
		w, err := l.wallets.GetByUser(ctx, userID)
		if err != nil {
			return err
		}
		if slices.Contains(w.AppliedRefs, ref) {
			l.metrics.LedgerOp(op, "duplicate")
			return nil
		}
		expected := w.Version
		if err := fn(w); err != nil {
			if errors.Is(err, errs.ErrInsufficientBalance) {
				l.metrics.LedgerOp(op, "insufficient")
			}
			return err
		}
		w.AppliedRefs = append(w.AppliedRefs, ref)
		if n := len(w.AppliedRefs); n > appliedRefWindow {
			w.AppliedRefs = w.AppliedRefs[n-appliedRefWindow:]
		}
		w.Version = expected + 1
		ok, err := l.wallets.CompareAndSwap(ctx, w, expected)
		if err != nil {
			return err
		}
		if ok {
			l.metrics.LedgerOp(op, "applied")
			return nil
		}
	}
	l.metrics.LedgerOp(op, "conflict")
	return fmt.Errorf("ledger %s for %s: %w", op, userID, errs.ErrConflict)
}

// add applies a signed delta to a stored amount, refusing to go below zero.
func add(field *string, delta *big.Int, what string) error {
	cur, err := money.Parse(*field)
	if err != nil {
		return fmt.Errorf("wallet %s: %w", what, err)
	}
	next := new(big.Int).Add(cur, delta)
	if next.Sign() < 0 {
		return fmt.Errorf("%s %s, delta %s: %w", what, cur, delta, errs.ErrInsufficientBalance)
	}
	*field = next.String()
	return nil
}

func bucketField(w *model.Wallet, b Bucket) (*string, error) {
	switch b {
	case BucketPrincipal:
		return &w.TotalBalanceInWeiUsd, nil
	case BucketFlexible:
		return &w.TotalFlexibleBalanceInWeiUsd, nil
	case BucketLocked:
		return &w.TotalLockInWeiUsd, nil
	}
	return nil, errs.Invalid("unknown bucket %q", b)
}

func requirePositive(v *big.Int, what string) error {
	if v == nil || v.Sign() <= 0 {
		return errs.Invalid("%s must be positive", what)
	}
	return nil
}

type CreditRequest struct {
	UserID   string
	AssetID  string
	Raw      *big.Int
	Decimals uint8
	Price    decimal.Decimal
	Ref      string
}

// Credit books a confirmed deposit: the raw asset balance grows by Raw and the principal
// and deposit counters by Raw × Price / 10^Decimals. It returns the wei-USD value.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (*big.Int, error) {
	if err := requirePositive(req.Raw, "credit amount"); err != nil {
		return nil, err
	}
	if !req.Price.IsPositive() {
		return nil, errs.Invalid("credit price must be positive")
	}
	usd := money.ToWeiUSD(req.Raw, req.Decimals, req.Price)
	err := l.mutate(ctx, "credit", req.UserID, req.Ref, func(w *model.Wallet) error {
		if w.Assets == nil {
			w.Assets = map[string]string{}
		}
		raw := w.Assets[req.AssetID]
		if err := add(&raw, req.Raw, "asset "+req.AssetID); err != nil {
			return err
		}
		w.Assets[req.AssetID] = raw
		if err := add(&w.TotalBalanceInWeiUsd, usd, "total balance"); err != nil {
			return err
		}
		return add(&w.TotalDepositInWeiUsd, usd, "total deposit")
	})
	if err != nil {
		return nil, err
	}
	return usd, nil
}

type DebitRequest struct {
	UserID string
	Bucket Bucket // principal or flexible
	Amount *big.Int
	Ref    string
}

// Debit spends from a bucket. A flexible debit is a withdrawal and also advances the
// withdrawn total and lastWithdrawalAt. Nothing changes if the bucket would go negative.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) error {
	if err := requirePositive(req.Amount, "debit amount"); err != nil {
		return err
	}
	if req.Bucket != BucketPrincipal && req.Bucket != BucketFlexible {
		return errs.Invalid("cannot debit bucket %q", req.Bucket)
	}
	neg := new(big.Int).Neg(req.Amount)
	return l.mutate(ctx, "debit_"+string(req.Bucket), req.UserID, req.Ref, func(w *model.Wallet) error {
		field, _ := bucketField(w, req.Bucket)
		if err := add(field, neg, string(req.Bucket)+" balance"); err != nil {
			return err
		}
		if req.Bucket == BucketFlexible {
			if err := add(&w.TotalWithdrawInWeiUsd, req.Amount, "total withdraw"); err != nil {
				return err
			}
			now := l.now()
			w.LastWithdrawalAt = &now
		}
		return nil
	})
}

// Refund reverses a flexible debit whose withdrawal did not go ahead.
func (l *Ledger) Refund(ctx context.Context, userID string, amount *big.Int, ref string) error {
	if err := requirePositive(amount, "refund amount"); err != nil {
		return err
	}
	return l.mutate(ctx, "refund", userID, ref, func(w *model.Wallet) error {
		if err := add(&w.TotalFlexibleBalanceInWeiUsd, amount, "flexible balance"); err != nil {
			return err
		}
		return add(&w.TotalWithdrawInWeiUsd, new(big.Int).Neg(amount), "total withdraw")
	})
}

// CreditFlexible pays an immediately spendable commission.
func (l *Ledger) CreditFlexible(ctx context.Context, userID string, amount *big.Int, ref string) error {
	if err := requirePositive(amount, "commission"); err != nil {
		return err
	}
	return l.mutate(ctx, "credit_flexible", userID, ref, func(w *model.Wallet) error {
		return add(&w.TotalFlexibleBalanceInWeiUsd, amount, "flexible balance")
	})
}

// Lock records a frozen commission in the locked counter.
func (l *Ledger) Lock(ctx context.Context, userID string, amount *big.Int, ref string) error {
	if err := requirePositive(amount, "lock amount"); err != nil {
		return err
	}
	return l.mutate(ctx, "lock", userID, ref, func(w *model.Wallet) error {
		return add(&w.TotalLockInWeiUsd, amount, "locked balance")
	})
}

// Release moves a frozen commission from locked to flexible.
func (l *Ledger) Release(ctx context.Context, userID string, amount *big.Int, ref string) error {
	if err := requirePositive(amount, "release amount"); err != nil {
		return err
	}
	return l.mutate(ctx, "release", userID, ref, func(w *model.Wallet) error {
		if err := add(&w.TotalLockInWeiUsd, new(big.Int).Neg(amount), "locked balance"); err != nil {
			return err
		}
		return add(&w.TotalFlexibleBalanceInWeiUsd, amount, "flexible balance")
	})
}

// Forfeit drops an expired frozen commission.
func (l *Ledger) Forfeit(ctx context.Context, userID string, amount *big.Int, ref string) error {
	if err := requirePositive(amount, "forfeit amount"); err != nil {
		return err
	}
	return l.mutate(ctx, "forfeit", userID, ref, func(w *model.Wallet) error {
		return add(&w.TotalLockInWeiUsd, new(big.Int).Neg(amount), "locked balance")
	})
}

// Adjust applies a signed correction to the principal or flexible bucket. The locked
// bucket mirrors pending freeze entries and is never adjusted directly.
func (l *Ledger) Adjust(ctx context.Context, userID string, bucket Bucket, delta *big.Int, ref string) error {
	if delta == nil || delta.Sign() == 0 {
		return errs.Invalid("adjustment delta must be non-zero")
	}
	if bucket == BucketLocked {
		return errs.Invalid("cannot adjust bucket %q", bucket)
	}
	return l.mutate(ctx, "adjust_"+string(bucket), userID, ref, func(w *model.Wallet) error {
		field, err := bucketField(w, bucket)
		if err != nil {
			return err
		}
		return add(field, delta, string(bucket)+" balance")
	})
}
