package model

import (
	"time"
)

type FreezeStatus string

const (
	FreezePending   FreezeStatus = "PENDING"
	FreezeCompleted FreezeStatus = "COMPLETED"
	FreezeExpired   FreezeStatus = "EXPIRE"
)

// FreezeEntry is a commission held back until its owner buys a qualifying package. There is
// at most one entry per investment and referral level.
// LockApplied and ReleaseApplied track whether the matching wallet ledger step has run.
type FreezeEntry struct {
	Base
	UserID                  string       `gorm:"size:64;not null;index" json:"userId"`
	PackageID               string       `gorm:"size:36;not null" json:"packageId"`
	InvestmentID            string       `gorm:"size:36;not null;uniqueIndex:idx_freeze_investment_level,priority:1" json:"investmentId"`
	SourceUserID            string       `gorm:"size:64" json:"sourceUserId"`
	Level                   int          `gorm:"not null;uniqueIndex:idx_freeze_investment_level,priority:2" json:"level"`
	AmountInWeiUsd          string       `gorm:"type:text;not null" json:"amountInWeiUsd"`
	ReferenceAmountInWeiUsd string       `gorm:"type:text;not null" json:"referenceAmountInWeiUsd"`
	Status                  FreezeStatus `gorm:"size:16;not null;default:'PENDING';index" json:"status"`
	LockApplied             bool         `gorm:"not null;default:false" json:"-"`
	ReleaseApplied          bool         `gorm:"not null;default:false" json:"-"`
	ResolvedAt              *time.Time   `json:"resolvedAt,omitempty"`
}
