// Package service holds the settlement workers and the operations behind the HTTP surface.
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/keystore"
	"github.com/crypto_settlement/metrics"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/price"
	"github.com/crypto_settlement/repository"
)

// Deps are the collaborators shared by the per-chain workers.
type Deps struct {
	Assets       *repository.AssetRepository
	Wallets      *repository.WalletRepository
	Transactions *repository.TransactionRepository
	Observed     *repository.ObservedTransferRepository
	Journal      *Journal
	Ledger       *Ledger
	Keys         *keystore.Store
	Oracle       price.Oracle
	Metrics      *metrics.Recorder
	Logger       *zap.Logger
	// AdminID owns the wallet that signs withdrawals, funds sweep gas and receives sweeps.
	AdminID string
}

const defaultBatch = 100

// eachPage walks a listing paged by id, batch rows at a time, until a short page. Rows
// that change state under fn do not shift the cursor.
func eachPage[T any](ctx context.Context, batch int, list func(after string, limit int) ([]T, error), id func(*T) string, fn func(*T)) error {
	after := ""
	for {
		page, err := list(after, batch)
		if err != nil {
			return err
		}
		for i := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(&page[i])
		}
		if len(page) < batch {
			return nil
		}
		after = id(&page[len(page)-1])
	}
}

func txID(t *model.Transaction) string { return t.ID }

// reason labels an item failure for metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, errs.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, errs.ErrExternalUnavailable):
		return "external"
	case errors.Is(err, errs.ErrReceiptFailed):
		return "receipt_failed"
	case errors.Is(err, errs.ErrConflict):
		return "conflict"
	default:
		return "other"
	}
}

// itemFailed logs and counts the failure of one item inside a tick. Losing a guard race
// is expected under concurrency and only logged at debug.
func itemFailed(log *zap.Logger, m *metrics.Recorder, worker, id string, err error) {
	if errs.Skippable(err) {
		log.Debug("item already advanced", zap.String("id", id), zap.Error(err))
		return
	}
	log.Warn("item failed", zap.String("id", id), zap.Error(err))
	m.ItemFailed(worker, reason(err))
}
