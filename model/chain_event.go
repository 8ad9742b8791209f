package model

import (
	"time"
)

// ObservedTransfer records an inbound transfer log the deposit watcher attached to a
// transaction. (chain, tx_hash, log_index) is unique.
type ObservedTransfer struct {
	ID            uint   `gorm:"primaryKey"`
	Chain         string `gorm:"size:32;uniqueIndex:idx_observed_unique,priority:1"`
	TxHash        string `gorm:"size:80;uniqueIndex:idx_observed_unique,priority:2"`
	LogIndex      uint   `gorm:"uniqueIndex:idx_observed_unique,priority:3"`
	BlockNumber   uint64 `gorm:"index"`
	BlockHash     string `gorm:"size:80"`
	Token         string `gorm:"size:64"`
	FromAddress   string `gorm:"size:64"`
	ToAddress     string `gorm:"size:64;index"`
	Amount        string `gorm:"type:text"`
	TransactionID string `gorm:"size:36;index"`
	CreatedAt     time.Time
}
