package model

type CommissionStatus string

const (
	CommissionCredited CommissionStatus = "credited"
	CommissionFrozen   CommissionStatus = "frozen"
)

// Commission is the payout decision for one referral level of one purchase. It is written
// before any money moves, so a re-driven distribution repeats the same decision.
type Commission struct {
	Base
	InvestmentID   string           `gorm:"size:36;not null;uniqueIndex:idx_commission_investment_level,priority:1" json:"investmentId"`
	Level          int              `gorm:"not null;uniqueIndex:idx_commission_investment_level,priority:2" json:"level"`
	UserID         string           `gorm:"size:64;not null;index" json:"userId"`
	AmountInWeiUsd string           `gorm:"type:text;not null" json:"amountInWeiUsd"`
	Status         CommissionStatus `gorm:"size:16;not null" json:"status"`
}
