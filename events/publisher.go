// Package events publishes settlement transitions to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event is one applied settlement transition or ledger-affecting operator action.
type Event struct {
	Type             string    `json:"type"`
	TransactionID    string    `json:"transactionId,omitempty"`
	UserID           string    `json:"userId,omitempty"`
	Chain            string    `json:"chain,omitempty"`
	TxStatus         string    `json:"txStatus,omitempty"`
	SettlementStatus string    `json:"settlementStatus,omitempty"`
	TxHash           string    `json:"txHash,omitempty"`
	Amount           string    `json:"amount,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
}

func (e Event) key() string {
	if e.TransactionID != "" {
		return e.TransactionID
	}
	return e.UserID
}

// Publisher delivers events. Delivery is best effort; settlement never waits on it.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	l := logger.Named("events")
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
			BatchTimeout: 50 * time.Millisecond,
			Async:        true,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					l.Warn("event delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
				}
			},
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				l.Warn(fmt.Sprintf(msg, args...))
			}),
		},
		logger: l,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.key()),
		Value: data,
		Time:  e.OccurredAt,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards events. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
