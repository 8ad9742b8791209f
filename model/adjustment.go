package model

// BalanceAdjustment is the audit row of a manual operator correction.
type BalanceAdjustment struct {
	Base
	UserID        string `gorm:"size:64;not null;index" json:"userId"`
	OperatorID    string `gorm:"size:64;not null" json:"operatorId"`
	Bucket        string `gorm:"size:16;not null" json:"bucket"`
	DeltaInWeiUsd string `gorm:"type:text;not null" json:"deltaInWeiUsd"` // signed
	Reason        string `gorm:"type:text;not null" json:"reason"`
}
