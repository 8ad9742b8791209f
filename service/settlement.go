package service

import (
	"encoding/hex"
	"math/big"
	"time"

	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/repository"
)

// SettlementUpdate is one legal transaction transition. The set is closed: each variant
// carries exactly the data its transition records.
type SettlementUpdate interface {
	TransactionID() string
	transition(now time.Time) transition
}

type transition struct {
	name    string
	guard   repository.TxGuard
	changes map[string]any
}

func deposit(s model.TxStatus, st model.SettlementStatus) repository.TxGuard {
	return repository.TxGuard{TxType: model.TxTypeDeposit, TxStatus: s, Settlement: st}
}

func withdrawal(s model.TxStatus, st model.SettlementStatus) repository.TxGuard {
	return repository.TxGuard{TxType: model.TxTypeWithdrawal, TxStatus: s, Settlement: st}
}

// DepositAcknowledged: the owner reports having sent funds. pending -> confirmed.
type DepositAcknowledged struct {
	TxID   string
	UserID string
}

func (u DepositAcknowledged) TransactionID() string { return u.TxID }

func (u DepositAcknowledged) transition(now time.Time) transition {
	g := deposit(model.TxPending, model.SettlementPending)
	g.UserID = u.UserID
	return transition{"deposit_acknowledged", g, map[string]any{
		"tx_status":    model.TxConfirmed,
		"confirmed_at": now,
	}}
}

// DepositExpired: no transfer arrived within the deposit window. confirmed -> failed/failed.
type DepositExpired struct {
	TxID   string
	Reason string
}

func (u DepositExpired) TransactionID() string { return u.TxID }

func (u DepositExpired) transition(time.Time) transition {
	g := deposit(model.TxConfirmed, model.SettlementPending)
	g.HashUnset = true
	return transition{"deposit_expired", g, map[string]any{
		"tx_status":         model.TxFailed,
		"settlement_status": model.SettlementFailed,
		"remarks":           u.Reason,
	}}
}

// DepositMatched attaches an observed on-chain transfer. confirmed -> processing.
type DepositMatched struct {
	TxID   string
	TxHash string
	Amount *big.Int
}

func (u DepositMatched) TransactionID() string { return u.TxID }

func (u DepositMatched) transition(now time.Time) transition {
	g := deposit(model.TxConfirmed, model.SettlementPending)
	g.HashUnset = true
	return transition{"deposit_matched", g, map[string]any{
		"tx_status":          model.TxProcessing,
		"tx_hash":            u.TxHash,
		"amount_in_wei":      u.Amount.String(),
		"amount_received_at": now,
	}}
}

// DepositReceiptConfirmed: the transfer is final. processing/pending -> completed/processing.
type DepositReceiptConfirmed struct {
	TxID string
}

func (u DepositReceiptConfirmed) TransactionID() string { return u.TxID }

func (u DepositReceiptConfirmed) transition(time.Time) transition {
	return transition{"deposit_receipt_confirmed", deposit(model.TxProcessing, model.SettlementPending), map[string]any{
		"tx_status":         model.TxCompleted,
		"settlement_status": model.SettlementProcessing,
	}}
}

// DepositCredited: the ledger holds the funds. completed/processing -> completed/completed.
type DepositCredited struct {
	TxID      string
	AmountUSD *big.Int
}

func (u DepositCredited) TransactionID() string { return u.TxID }

func (u DepositCredited) transition(time.Time) transition {
	return transition{"deposit_credited", deposit(model.TxCompleted, model.SettlementProcessing), map[string]any{
		"settlement_status": model.SettlementCompleted,
		"amount_in_wei_usd": u.AmountUSD.String(),
	}}
}

// DepositFailed: the matched transfer reverted. processing/pending -> failed/failed.
type DepositFailed struct {
	TxID   string
	Reason string
}

func (u DepositFailed) TransactionID() string { return u.TxID }

func (u DepositFailed) transition(time.Time) transition {
	return transition{"deposit_failed", deposit(model.TxProcessing, model.SettlementPending), map[string]any{
		"tx_status":         model.TxFailed,
		"settlement_status": model.SettlementFailed,
		"remarks":           u.Reason,
	}}
}

// WithdrawalSigned persists the signed transfer and its nonce before it is broadcast.
type WithdrawalSigned struct {
	TxID   string
	TxHash string
	Raw    []byte
	Nonce  uint64
}

func (u WithdrawalSigned) TransactionID() string { return u.TxID }

func (u WithdrawalSigned) transition(time.Time) transition {
	g := withdrawal(model.TxPending, model.SettlementPending)
	g.HashUnset = true
	return transition{"withdrawal_signed", g, map[string]any{
		"tx_hash":   u.TxHash,
		"signed_tx": hex.EncodeToString(u.Raw),
		"nonce":     u.Nonce,
	}}
}

// WithdrawalResign drops a signature whose nonce was consumed elsewhere.
type WithdrawalResign struct {
	TxID   string
	TxHash string
	Reason string
}

func (u WithdrawalResign) TransactionID() string { return u.TxID }

func (u WithdrawalResign) transition(time.Time) transition {
	g := withdrawal(model.TxPending, model.SettlementPending)
	g.Hash = u.TxHash
	return transition{"withdrawal_resign", g, map[string]any{
		"tx_hash":   nil,
		"signed_tx": "",
		"nonce":     nil,
		"remarks":   u.Reason,
	}}
}

// WithdrawalBroadcast: the node accepted the transfer. pending/pending -> completed/processing.
type WithdrawalBroadcast struct {
	TxID   string
	TxHash string
}

func (u WithdrawalBroadcast) TransactionID() string { return u.TxID }

func (u WithdrawalBroadcast) transition(time.Time) transition {
	g := withdrawal(model.TxPending, model.SettlementPending)
	g.Hash = u.TxHash
	return transition{"withdrawal_broadcast", g, map[string]any{
		"tx_status":         model.TxCompleted,
		"settlement_status": model.SettlementProcessing,
	}}
}

// WithdrawalSettled: enough confirmations. completed/processing -> completed/completed.
type WithdrawalSettled struct {
	TxID string
}

func (u WithdrawalSettled) TransactionID() string { return u.TxID }

func (u WithdrawalSettled) transition(now time.Time) transition {
	return transition{"withdrawal_settled", withdrawal(model.TxCompleted, model.SettlementProcessing), map[string]any{
		"settlement_status": model.SettlementCompleted,
		"amount_sent_at":    now,
	}}
}

// WithdrawalFailed: the broadcast transfer reverted. completed/processing -> failed/failed.
type WithdrawalFailed struct {
	TxID   string
	Reason string
}

func (u WithdrawalFailed) TransactionID() string { return u.TxID }

func (u WithdrawalFailed) transition(time.Time) transition {
	return transition{"withdrawal_failed", withdrawal(model.TxCompleted, model.SettlementProcessing), map[string]any{
		"tx_status":         model.TxFailed,
		"settlement_status": model.SettlementFailed,
		"remarks":           u.Reason,
	}}
}

// WithdrawalCanceled: an operator withdrew an unsigned request. pending/pending -> canceled.
type WithdrawalCanceled struct {
	TxID   string
	Reason string
}

func (u WithdrawalCanceled) TransactionID() string { return u.TxID }

func (u WithdrawalCanceled) transition(time.Time) transition {
	g := withdrawal(model.TxPending, model.SettlementPending)
	g.HashUnset = true
	return transition{"withdrawal_canceled", g, map[string]any{
		"tx_status":         model.TxCanceled,
		"settlement_status": model.SettlementCanceled,
		"remarks":           u.Reason,
	}}
}

func refundable(from model.TxStatus) repository.TxGuard {
	if from == model.TxCanceled {
		return withdrawal(model.TxCanceled, model.SettlementCanceled)
	}
	return withdrawal(model.TxFailed, model.SettlementFailed)
}

// WithdrawalRefundClaimed reserves the refund of a failed or canceled withdrawal. It
// applies at most once per transaction.
type WithdrawalRefundClaimed struct {
	TxID string
	From model.TxStatus // TxFailed or TxCanceled
}

func (u WithdrawalRefundClaimed) TransactionID() string { return u.TxID }

func (u WithdrawalRefundClaimed) transition(now time.Time) transition {
	g := refundable(u.From)
	g.RefundUnclaimed = true
	return transition{"withdrawal_refund_claimed", g, map[string]any{"refunded_at": now}}
}

// WithdrawalRefundApplied records that the claimed refund reached the ledger.
type WithdrawalRefundApplied struct {
	TxID string
	From model.TxStatus
}

func (u WithdrawalRefundApplied) TransactionID() string { return u.TxID }

func (u WithdrawalRefundApplied) transition(time.Time) transition {
	g := refundable(u.From)
	g.RefundUnapplied = true
	return transition{"withdrawal_refund_applied", g, map[string]any{"refund_applied": true}}
}
