package model

import (
	"time"
)

// Wallet is the balance of record for one user. Big integers are stored as decimal
// strings: raw token units in Assets, 18-decimal USD ("wei-USD") in the totals.
type Wallet struct {
	Base
	UserID                string `gorm:"size:64;not null;uniqueIndex" json:"userId"`
	Address               string `gorm:"size:64;not null;uniqueIndex" json:"address"`
	DerivationIndex       uint32 `gorm:"not null;uniqueIndex" json:"-"`
	EncryptedPrivateKey   string `gorm:"type:text;not null" json:"-"`
	EncryptedSymmetricKey string `gorm:"type:text;not null" json:"-"`
	Salt                  string `gorm:"size:64;not null" json:"-"`

	Assets                       map[string]string `gorm:"type:text;serializer:json" json:"assets"`
	TotalBalanceInWeiUsd         string            `gorm:"type:text;not null;default:'0'" json:"totalBalanceInWeiUsd"`
	TotalDepositInWeiUsd         string            `gorm:"type:text;not null;default:'0'" json:"totalDepositInWeiUsd"`
	TotalWithdrawInWeiUsd        string            `gorm:"type:text;not null;default:'0'" json:"totalWithdrawInWeiUsd"`
	TotalFlexibleBalanceInWeiUsd string            `gorm:"type:text;not null;default:'0'" json:"totalFlexibleBalanceInWeiUsd"`
	TotalLockInWeiUsd            string            `gorm:"type:text;not null;default:'0'" json:"totalLockInWeiUsd"`
	LastWithdrawalAt             *time.Time        `json:"lastWithdrawalAt,omitempty"`

	// AppliedRefs is a bounded window of ledger operation refs already applied to this row.
	AppliedRefs []string `gorm:"type:text;serializer:json" json:"-"`
	Version     int64    `gorm:"not null;default:0" json:"-"`
}

// LedgerColumns are the columns rewritten by a ledger compare-and-swap.
var LedgerColumns = []string{
	"assets",
	"total_balance_in_wei_usd",
	"total_deposit_in_wei_usd",
	"total_withdraw_in_wei_usd",
	"total_flexible_balance_in_wei_usd",
	"total_lock_in_wei_usd",
	"last_withdrawal_at",
	"applied_refs",
	"version",
	"updated_at",
}
