package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base carries the string primary key and timestamps shared by every settlement table.
type Base struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// AutoMigrate creates or updates all settlement tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Asset{},
		&Wallet{},
		&Transaction{},
		&ObservedTransfer{},
		&ReferralEarnings{},
		&FreezeEntry{},
		&Commission{},
		&Package{},
		&Investment{},
		&BalanceAdjustment{},
	)
}
