package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"github.com/crypto_settlement/config"
	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/model"
)

const tokenABIJSON = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}],
	 "name":"Transfer","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"token","type":"address"},
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"},
		{"indexed":false,"name":"input1","type":"uint256"},
		{"indexed":false,"name":"input2","type":"uint256"},
		{"indexed":false,"name":"output1","type":"uint256"},
		{"indexed":false,"name":"output2","type":"uint256"}],
	 "name":"LogTransfer","type":"event"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],
	 "name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],
	 "name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var (
	tokenABI = mustABI(tokenABIJSON)

	transferTopic    = tokenABI.Events["Transfer"].ID
	logTransferTopic = tokenABI.Events["LogTransfer"].ID
	nativeSentinel   = common.HexToAddress(model.NativeSentinel)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Backend is the subset of ethclient.Client the settlement workers use.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingBalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type EVMClient struct {
	name        string
	chainID     *big.Int
	timeout     time.Duration
	maxGasPrice *big.Int
	backend     Backend
	logger      *zap.Logger
}

func NewEVMClient(cfg config.ChainConfig, backend Backend, logger *zap.Logger) *EVMClient {
	return &EVMClient{
		name:        cfg.Name,
		chainID:     big.NewInt(cfg.ChainID),
		timeout:     cfg.RPCTimeout,
		maxGasPrice: new(big.Int).Mul(big.NewInt(cfg.MaxGasPriceGwei), big.NewInt(params.GWei)),
		backend:     backend,
		logger:      logger.Named("chain").With(zap.String("chain", cfg.Name)),
	}
}

// Dial connects to the chain RPC and checks that the node serves the configured chain id.
func Dial(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (*EVMClient, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errs.External("dial "+cfg.Name, err)
	}
	c := NewEVMClient(cfg, rpc, logger)

	cctx, cancel := c.withTimeout(ctx)
	defer cancel()
	id, err := rpc.ChainID(cctx)
	if err != nil {
		rpc.Close()
		return nil, errs.External("chain id", err)
	}
	if id.Cmp(c.chainID) != 0 {
		rpc.Close()
		return nil, fmt.Errorf("chain %s: rpc serves chain id %s, configured %s", cfg.Name, id, c.chainID)
	}
	c.logger.Info("chain connected", zap.String("chain_id", id.String()))
	return c, nil
}

func (c *EVMClient) Name() string { return c.name }

func (c *EVMClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, errs.External("block number", err)
	}
	return n, nil
}

func (c *EVMClient) TransfersTo(ctx context.Context, token *common.Address, recipient common.Address, from, to uint64) ([]Transfer, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	}
	recipientTopic := common.BytesToHash(recipient.Bytes())
	if token == nil {
		q.Addresses = []common.Address{nativeSentinel}
		q.Topics = [][]common.Hash{{logTransferTopic}, nil, nil, {recipientTopic}}
	} else {
		q.Addresses = []common.Address{*token}
		q.Topics = [][]common.Hash{{transferTopic}, nil, {recipientTopic}}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, errs.External("filter logs", err)
	}

	out := make([]Transfer, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		t, err := decodeTransfer(l)
		if err != nil {
			c.logger.Warn("skip undecodable log",
				zap.String("tx_hash", l.TxHash.Hex()), zap.Uint("log_index", l.Index), zap.Error(err))
			continue
		}
		if t.To != recipient {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// decodeTransfer reads an ERC-20 Transfer or a native LogTransfer.
func decodeTransfer(l types.Log) (Transfer, error) {
	if len(l.Topics) == 0 {
		return Transfer{}, errors.New("no topics")
	}
	t := Transfer{
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash,
		Token:       l.Address,
	}
	switch l.Topics[0] {
	case transferTopic:
		if len(l.Topics) < 3 {
			return Transfer{}, fmt.Errorf("transfer: %d topics", len(l.Topics))
		}
		vals, err := tokenABI.Unpack("Transfer", l.Data)
		if err != nil {
			return Transfer{}, fmt.Errorf("transfer: %w", err)
		}
		t.From = common.BytesToAddress(l.Topics[1].Bytes())
		t.To = common.BytesToAddress(l.Topics[2].Bytes())
		t.Amount = vals[0].(*big.Int)
	case logTransferTopic:
		if len(l.Topics) < 4 {
			return Transfer{}, fmt.Errorf("log transfer: %d topics", len(l.Topics))
		}
		vals, err := tokenABI.Unpack("LogTransfer", l.Data)
		if err != nil {
			return Transfer{}, fmt.Errorf("log transfer: %w", err)
		}
		t.From = common.BytesToAddress(l.Topics[2].Bytes())
		t.To = common.BytesToAddress(l.Topics[3].Bytes())
		t.Amount = vals[0].(*big.Int)
	default:
		return Transfer{}, fmt.Errorf("unknown event %s", l.Topics[0].Hex())
	}
	return t, nil
}

func (c *EVMClient) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	r, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.External("receipt", err)
	}
	out := &Receipt{
		Success:   r.Status == types.ReceiptStatusSuccessful,
		BlockHash: r.BlockHash,
		GasUsed:   r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

// TransactionKnown reports whether the node has the transaction, mined or in its pool.
func (c *EVMClient) TransactionKnown(ctx context.Context, hash common.Hash) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, _, err := c.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, errs.External("transaction by hash", err)
	}
	return true, nil
}

// ConfirmedNonce is the nonce of the next transaction from account at the latest block.
// Every nonce below it is final.
func (c *EVMClient) ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.backend.NonceAt(ctx, account, nil)
	if err != nil {
		return 0, errs.External("nonce", err)
	}
	return n, nil
}

func (c *EVMClient) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := tokenABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, errs.External("balanceOf", err)
	}
	if len(res) == 0 {
		return new(big.Int), nil
	}
	vals, err := tokenABI.Unpack("balanceOf", res)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return vals[0].(*big.Int), nil
}

// NativeBalance reads the pending-state balance so an in-flight gas top-up counts.
func (c *EVMClient) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	bal, err := c.backend.PendingBalanceAt(ctx, owner)
	if err != nil {
		return nil, errs.External("balance", err)
	}
	return bal, nil
}

// GasPrice returns the node's suggestion capped at the configured maximum.
func (c *EVMClient) GasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errs.External("gas price", err)
	}
	if c.maxGasPrice.Sign() > 0 && price.Cmp(c.maxGasPrice) > 0 {
		c.logger.Warn("gas price capped",
			zap.String("suggested", price.String()), zap.String("cap", c.maxGasPrice.String()))
		price = new(big.Int).Set(c.maxGasPrice)
	}
	return price, nil
}

func callMsg(call TransferCall) (ethereum.CallMsg, error) {
	if call.Token == nil {
		to := call.To
		return ethereum.CallMsg{From: call.From, To: &to, Value: call.Amount}, nil
	}
	data, err := tokenABI.Pack("transfer", call.To, call.Amount)
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("pack transfer: %w", err)
	}
	token := *call.Token
	return ethereum.CallMsg{From: call.From, To: &token, Data: data}, nil
}

func (c *EVMClient) EstimateGas(ctx context.Context, call TransferCall) (uint64, error) {
	if call.Token == nil {
		return NativeGasLimit, nil
	}
	msg, err := callMsg(call)
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, errs.External("estimate gas", err)
	}
	return gas, nil
}

// SignTransfer builds and signs a legacy EIP-155 transaction at the pending nonce of the
// key's address. Nothing is sent.
func (c *EVMClient) SignTransfer(ctx context.Context, key *ecdsa.PrivateKey, call TransferCall, gas uint64, gasPrice *big.Int) (*SignedTx, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	call.From = from
	msg, err := callMsg(call)
	if err != nil {
		return nil, err
	}

	cctx, cancel := c.withTimeout(ctx)
	defer cancel()
	nonce, err := c.backend.PendingNonceAt(cctx, from)
	if err != nil {
		return nil, errs.External("pending nonce", err)
	}

	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       msg.To,
		Value:    value,
		Data:     msg.Data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return &SignedTx{Hash: signed.Hash(), Raw: raw, Nonce: nonce}, nil
}

func (c *EVMClient) Broadcast(ctx context.Context, raw []byte) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("decode signed transaction: %w", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return errs.External("send transaction", err)
	}
	c.logger.Info("transaction broadcast", zap.String("tx_hash", tx.Hash().Hex()), zap.Uint64("nonce", tx.Nonce()))
	return nil
}
