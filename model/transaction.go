package model

import (
	"time"
)

type TxType string

const (
	TxTypeDeposit    TxType = "deposit"
	TxTypeWithdrawal TxType = "withdrawal"
)

type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxConfirmed  TxStatus = "confirmed"
	TxProcessing TxStatus = "processing"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
	TxCanceled   TxStatus = "canceled"
)

type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementCompleted  SettlementStatus = "completed"
	SettlementFailed     SettlementStatus = "failed"
	SettlementCanceled   SettlementStatus = "canceled"
)

// Transaction journals one deposit or withdrawal attempt. It is only ever mutated through
// guarded status transitions.
type Transaction struct {
	Base
	UserID           string           `gorm:"size:64;not null;index" json:"userId"`
	AssetID          string           `gorm:"size:36;not null;index" json:"assetId"`
	Chain            string           `gorm:"size:32;not null;index" json:"chain"`
	TxType           TxType           `gorm:"size:16;not null;index" json:"txType"`
	AmountInWei      string           `gorm:"type:text;not null;default:'0'" json:"amountInWei"`
	FeeInWei         string           `gorm:"type:text;not null;default:'0'" json:"feeInWei"`
	AmountInWeiUsd   string           `gorm:"type:text;not null;default:'0'" json:"amountInWeiUsd"`
	ReceiverAddress  string           `gorm:"size:64" json:"receiverAddress,omitempty"`
	DepositAddress   string           `gorm:"size:64" json:"depositAddress,omitempty"`
	TxHash           *string          `gorm:"size:80;uniqueIndex" json:"txHash,omitempty"`
	SignedTx         string           `gorm:"type:text" json:"-"` // hex RLP of a signed, not yet confirmed withdrawal
	TxStatus         TxStatus         `gorm:"size:16;not null;default:'pending';index" json:"txStatus"`
	SettlementStatus SettlementStatus `gorm:"size:16;not null;default:'pending';index" json:"settlementStatus"`
	Remarks          string           `gorm:"type:text" json:"remarks,omitempty"`
	AmountReceivedAt *time.Time       `json:"amountReceivedAt,omitempty"`
	AmountSentAt     *time.Time       `json:"amountSentAt,omitempty"`
	ConfirmedAt      *time.Time       `json:"confirmedAt,omitempty"` // deposit acknowledged by the user
	Nonce            *uint64          `json:"-"`                     // account nonce of SignedTx
	RefundedAt       *time.Time       `json:"refundedAt,omitempty"`  // refund claimed
	RefundApplied    bool             `gorm:"not null;default:false" json:"-"`
}

// Terminal reports whether no further transition can apply.
func (t *Transaction) Terminal() bool {
	if t.TxStatus == TxFailed || t.TxStatus == TxCanceled {
		return true
	}
	if t.SettlementStatus == SettlementFailed || t.SettlementStatus == SettlementCanceled {
		return true
	}
	return t.TxStatus == TxCompleted && t.SettlementStatus == SettlementCompleted
}

func (t *Transaction) Hash() string {
	if t.TxHash == nil {
		return ""
	}
	return *t.TxHash
}
