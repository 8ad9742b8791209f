package model

import (
	"time"
)

type PackageStatus string

const (
	PackageActive   PackageStatus = "ACTIVE"
	PackageInactive PackageStatus = "INACTIVE"
)

type Package struct {
	Base
	Name           string        `gorm:"size:64;not null;uniqueIndex" json:"name"`
	AmountInWeiUsd string        `gorm:"type:text;not null" json:"amountInWeiUsd"`
	DurationInDays int           `gorm:"not null" json:"durationInDays"`
	Description    string        `gorm:"type:text" json:"description,omitempty"`
	Status         PackageStatus `gorm:"size:16;not null;default:'ACTIVE'" json:"status"`
}

type InvestmentStatus string

const (
	InvestmentActive    InvestmentStatus = "ACTIVE"
	InvestmentCompleted InvestmentStatus = "COMPLETED"
	InvestmentCancelled InvestmentStatus = "CANCELLED"
)

// Investment is one package purchase. A user holds at most one ACTIVE investment per
// package; the partial unique index enforces it across concurrent purchases.
type Investment struct {
	Base
	UserID         string           `gorm:"size:64;not null;index;uniqueIndex:idx_investment_active,priority:1,where:status = 'ACTIVE'" json:"userId"`
	PackageID      string           `gorm:"size:36;not null;uniqueIndex:idx_investment_active,priority:2" json:"packageId"`
	AmountInWeiUsd string           `gorm:"type:text;not null" json:"amountInWeiUsd"`
	Status         InvestmentStatus `gorm:"size:16;not null;default:'ACTIVE';index" json:"status"`
	InvestmentDate time.Time        `json:"investmentDate"`
	ExpiresAt      time.Time        `gorm:"index" json:"expiresAt"`

	// CommissionsSettled is set once every upstream commission of the purchase is booked.
	CommissionsSettled bool `gorm:"not null;default:false;index" json:"-"`
}
