package model

// ReferralDepth is the number of upstream levels that earn commission.
const ReferralDepth = 3

type LevelStats struct {
	Count     int64    `json:"count"`
	Earnings  string   `json:"earnings"` // wei-USD
	Referrals []string `json:"referrals"`
}

type ReferralEarnings struct {
	Base
	UserID         string                    `gorm:"size:64;not null;uniqueIndex" json:"userId"`
	ReferrerBy     *string                   `gorm:"size:64;index" json:"referrerBy,omitempty"`
	ReferralCode   string                    `gorm:"size:16;not null;uniqueIndex" json:"referralCode"`
	Levels         [ReferralDepth]LevelStats `gorm:"type:text;serializer:json" json:"levels"`
	TotalEarnings  string                    `gorm:"type:text;not null;default:'0'" json:"totalEarnings"`
	EnableReferral bool                      `gorm:"not null;default:true" json:"enableReferral"`
	Version        int64                     `gorm:"not null;default:0" json:"-"`

	// AppliedRefs is a bounded window of commission refs already recorded here.
	AppliedRefs []string `gorm:"type:text;serializer:json" json:"-"`
}

// ReferralColumns are the columns rewritten by a referral compare-and-swap.
var ReferralColumns = []string{"levels", "total_earnings", "applied_refs", "version", "updated_at"}
