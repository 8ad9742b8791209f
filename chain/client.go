// Package chain is the settlement view of an EVM chain: transfer discovery, receipts,
// balances and signed transfers. Workers depend on Client; EVMClient implements it over
// go-ethereum's ethclient.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeGasLimit is the fixed cost of a plain value transfer.
const NativeGasLimit uint64 = 21000

// Transfer is one inbound transfer log.
type Transfer struct {
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	BlockHash   common.Hash
	Token       common.Address
	From        common.Address
	To          common.Address
	Amount      *big.Int
}

type Receipt struct {
	Success     bool
	BlockNumber uint64
	BlockHash   common.Hash
	GasUsed     uint64
}

// TransferCall describes a value movement. A nil Token moves the native coin.
type TransferCall struct {
	From   common.Address
	Token  *common.Address
	To     common.Address
	Amount *big.Int
}

type SignedTx struct {
	Hash  common.Hash
	Raw   []byte
	Nonce uint64
}

type Client interface {
	Name() string
	BlockNumber(ctx context.Context) (uint64, error)
	// TransfersTo lists transfers of token (native coin when nil) to recipient in [from, to].
	TransfersTo(ctx context.Context, token *common.Address, recipient common.Address, from, to uint64) ([]Transfer, error)
	// Receipt returns nil, nil while the transaction is not mined.
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	TransactionKnown(ctx context.Context, hash common.Hash) (bool, error)
	ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call TransferCall) (uint64, error)
	SignTransfer(ctx context.Context, key *ecdsa.PrivateKey, call TransferCall, gas uint64, gasPrice *big.Int) (*SignedTx, error)
	Broadcast(ctx context.Context, raw []byte) error
}

// IsAlreadyKnown reports a broadcast rejected because the node already has the transaction.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "already imported")
}

// IsNonceTooLow reports that the signed nonce was consumed by another transaction.
func IsNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// Confirmations counts blocks on top of the receipt's block, inclusive.
func Confirmations(head uint64, r *Receipt) uint64 {
	if r == nil || head < r.BlockNumber {
		return 0
	}
	return head - r.BlockNumber + 1
}
