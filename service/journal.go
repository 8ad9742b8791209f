package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crypto_settlement/events"
	"github.com/crypto_settlement/metrics"
	"github.com/crypto_settlement/repository"
)

// Journal applies SettlementUpdates as guarded single-row updates.
type Journal struct {
	txs       *repository.TransactionRepository
	publisher events.Publisher
	metrics   *metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

func NewJournal(txs *repository.TransactionRepository, publisher events.Publisher, m *metrics.Recorder, logger *zap.Logger) *Journal {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Journal{txs: txs, publisher: publisher, metrics: m, logger: logger.Named("journal"), now: time.Now}
}

// Apply advances the transaction iff it is still in the update's predecessor state.
// errs.ErrInvalidState means another run already moved it.
func (j *Journal) Apply(ctx context.Context, u SettlementUpdate) error {
	now := j.now()
	t := u.transition(now)
	if err := j.txs.Advance(ctx, u.TransactionID(), t.guard, t.changes); err != nil {
		return err
	}
	j.metrics.Transition(t.name)
	j.logger.Debug("transition applied", zap.String("tx_id", u.TransactionID()), zap.String("transition", t.name))

	e := events.Event{
		Type:          t.name,
		TransactionID: u.TransactionID(),
		OccurredAt:    now.UTC(),
	}
	if s, ok := t.changes["tx_status"]; ok {
		e.TxStatus = fmt.Sprint(s)
	}
	if s, ok := t.changes["settlement_status"]; ok {
		e.SettlementStatus = fmt.Sprint(s)
	}
	if h, ok := t.changes["tx_hash"].(string); ok {
		e.TxHash = h
	}
	if err := j.publisher.Publish(ctx, e); err != nil {
		j.logger.Warn("publish settlement event", zap.String("tx_id", u.TransactionID()), zap.Error(err))
	}
	return nil
}
