package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/crypto_settlement/chain"
	"github.com/crypto_settlement/config"
	"github.com/crypto_settlement/db/dbtest"
	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/events"
	"github.com/crypto_settlement/keystore"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/repository"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	adminID      = "admin"
	usdtContract = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
)

var (
	rsaOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	return rsaKey
}

// usd returns n whole dollars in wei-USD.
func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

type env struct {
	ctx         context.Context
	db          *gorm.DB
	assets      *repository.AssetRepository
	wallets     *repository.WalletRepository
	txs         *repository.TransactionRepository
	observed    *repository.ObservedTransferRepository
	referrals   *repository.ReferralRepository
	freezes     *repository.FreezeRepository
	commissions *repository.CommissionRepository
	investments *repository.InvestmentRepository
	adjustments *repository.AdjustmentRepository
	ledger      *Ledger
	journal     *Journal
	keys        *keystore.Store
	accounts    *AccountService
	publisher   *recordingPublisher
	oracle      *fakeOracle
	chain       *fakeChain
	cfg         config.ChainConfig
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb := dbtest.Open(t)
	logger := zap.NewNop()
	e := &env{
		ctx:         context.Background(),
		db:          gdb,
		assets:      repository.NewAssetRepository(gdb),
		wallets:     repository.NewWalletRepository(gdb),
		txs:         repository.NewTransactionRepository(gdb),
		observed:    repository.NewObservedTransferRepository(gdb),
		referrals:   repository.NewReferralRepository(gdb),
		freezes:     repository.NewFreezeRepository(gdb),
		commissions: repository.NewCommissionRepository(gdb),
		investments: repository.NewInvestmentRepository(gdb),
		adjustments: repository.NewAdjustmentRepository(gdb),
		publisher:   &recordingPublisher{},
		oracle:      &fakeOracle{prices: map[string]decimal.Decimal{}},
		chain:       newFakeChain("polygon"),
		cfg: config.ChainConfig{
			Name:           "polygon",
			ChainID:        137,
			Confirmations:  3,
			LookbackBlocks: 2000,
			DepositExpiry:  24 * time.Hour,
		},
	}
	e.ledger = NewLedger(e.wallets, nil, logger)
	e.journal = NewJournal(e.txs, e.publisher, nil, logger)
	e.keys = keystore.NewStore(keystore.NewHybridCipher(nil, testRSAKey(t)), e.wallets)
	deriver, err := keystore.NewDeriver(testMnemonic, "")
	require.NoError(t, err)
	e.accounts = NewAccountService(e.wallets, e.referrals, deriver, e.keys, logger)
	return e
}

func (e *env) deps() Deps {
	return Deps{
		Assets:       e.assets,
		Wallets:      e.wallets,
		Transactions: e.txs,
		Observed:     e.observed,
		Journal:      e.journal,
		Ledger:       e.ledger,
		Keys:         e.keys,
		Oracle:       e.oracle,
		Logger:       zap.NewNop(),
		AdminID:      adminID,
	}
}

func (e *env) register(t *testing.T, userID, code string) *Account {
	t.Helper()
	acct, err := e.accounts.Register(e.ctx, userID, code)
	require.NoError(t, err)
	return acct
}

func (e *env) wallet(t *testing.T, userID string) *model.Wallet {
	t.Helper()
	w, err := e.wallets.GetByUser(e.ctx, userID)
	require.NoError(t, err)
	return w
}

func (e *env) tokenAsset(t *testing.T) *model.Asset {
	t.Helper()
	a := &model.Asset{
		Chain:             "polygon",
		ChainID:           137,
		ContractAddress:   usdtContract,
		PriceID:           "tether",
		Symbol:            "USDT",
		Decimals:          6,
		DepositEnabled:    true,
		WithdrawalEnabled: true,
		WithdrawalFee:     "1000000",
		MinWithdrawal:     "2000000",
		MaxWithdrawal:     "1000000000",
	}
	require.NoError(t, e.assets.Create(e.ctx, a))
	e.oracle.set("tether", "1")
	return a
}

func (e *env) nativeAsset(t *testing.T) *model.Asset {
	t.Helper()
	a := &model.Asset{
		Chain:             "polygon",
		ChainID:           137,
		ContractAddress:   model.NativeSentinel,
		PriceID:           "matic-network",
		Symbol:            "MATIC",
		Decimals:          18,
		DepositEnabled:    true,
		WithdrawalEnabled: true,
		WithdrawalFee:     "0",
		MinWithdrawal:     "0",
		MaxWithdrawal:     "0",
	}
	require.NoError(t, e.assets.Create(e.ctx, a))
	e.oracle.set("matic-network", "0.5")
	return a
}

func (e *env) fund(t *testing.T, userID string, b Bucket, amount *big.Int) {
	t.Helper()
	require.NoError(t, e.ledger.Adjust(e.ctx, userID, b, amount, fmt.Sprintf("fund:%s:%s:%s", userID, b, amount)))
}

func (e *env) tx(t *testing.T, id string) *model.Transaction {
	t.Helper()
	tx, err := e.txs.Get(e.ctx, id)
	require.NoError(t, err)
	return tx
}

type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (o *fakeOracle) set(id, price string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[id] = decimal.RequireFromString(price)
}

func (o *fakeOracle) unset(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, id)
}

func (o *fakeOracle) USDPrice(_ context.Context, id string) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.prices[id]
	if !ok {
		return decimal.Zero, errs.External("price "+id, errors.New("no quote"))
	}
	return p, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type signedCall struct {
	Signer common.Address
	Call   chain.TransferCall
	Gas    uint64
	Hash   common.Hash
}

// fakeChain is an in-memory chain.Client.
type fakeChain struct {
	mu           sync.Mutex
	name         string
	head         uint64
	headErr      error
	transfers    map[common.Address][]chain.Transfer
	receipts     map[common.Hash]*chain.Receipt
	tokens       map[common.Address]*big.Int
	natives      map[common.Address]*big.Int
	gas          uint64
	gasPrice     *big.Int
	broadcastErr error
	nonce        uint64
	final        uint64 // confirmed nonce
	known        map[common.Hash]bool
	signed       []signedCall
	broadcasts   [][]byte
}

var _ chain.Client = (*fakeChain)(nil)

func newFakeChain(name string) *fakeChain {
	return &fakeChain{
		name:      name,
		head:      100,
		transfers: map[common.Address][]chain.Transfer{},
		receipts:  map[common.Hash]*chain.Receipt{},
		tokens:    map[common.Address]*big.Int{},
		natives:   map[common.Address]*big.Int{},
		gas:       60000,
		gasPrice:  big.NewInt(10),
		known:     map[common.Hash]bool{},
	}
}

func (c *fakeChain) Name() string { return c.name }

func (c *fakeChain) setHead(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = h
}

func (c *fakeChain) addTransfer(to common.Address, hash common.Hash, amount int64, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers[to] = append(c.transfers[to], chain.Transfer{
		TxHash:      hash,
		LogIndex:    uint(len(c.transfers[to])),
		BlockNumber: block,
		Token:       common.HexToAddress(usdtContract),
		From:        common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		To:          to,
		Amount:      big.NewInt(amount),
	})
}

func (c *fakeChain) setReceipt(hash common.Hash, success bool, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[hash] = &chain.Receipt{Success: success, BlockNumber: block}
}

func (c *fakeChain) setBroadcastErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastErr = err
}

// setKnown makes the node hold a transaction, e.g. one whose broadcast timed out.
func (c *fakeChain) setKnown(hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[hash] = true
}

func (c *fakeChain) setConfirmedNonce(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.final = n
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, c.headErr
}

func (c *fakeChain) TransfersTo(_ context.Context, _ *common.Address, recipient common.Address, from, to uint64) ([]chain.Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chain.Transfer
	for _, tr := range c.transfers[recipient] {
		if tr.BlockNumber >= from && tr.BlockNumber <= to {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (c *fakeChain) Receipt(_ context.Context, hash common.Hash) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[hash], nil
}

func (c *fakeChain) TransactionKnown(_ context.Context, hash common.Hash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known[hash], nil
}

func (c *fakeChain) ConfirmedNonce(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final, nil
}

func (c *fakeChain) TokenBalance(_ context.Context, _ common.Address, owner common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.tokens[owner]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) NativeBalance(_ context.Context, owner common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.natives[owner]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) GasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *fakeChain) EstimateGas(_ context.Context, call chain.TransferCall) (uint64, error) {
	if call.Token == nil {
		return chain.NativeGasLimit, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gas, nil
}

func (c *fakeChain) SignTransfer(_ context.Context, key *ecdsa.PrivateKey, call chain.TransferCall, gas uint64, _ *big.Int) (*chain.SignedTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw := []byte(fmt.Sprintf("signed-%d", c.nonce))
	s := &chain.SignedTx{Hash: crypto.Keccak256Hash(raw), Raw: raw, Nonce: c.nonce}
	c.nonce++
	c.signed = append(c.signed, signedCall{
		Signer: crypto.PubkeyToAddress(key.PublicKey),
		Call:   call,
		Gas:    gas,
		Hash:   s.Hash,
	})
	return s, nil
}

func (c *fakeChain) Broadcast(_ context.Context, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, raw)
	if c.broadcastErr == nil {
		c.known[crypto.Keccak256Hash(raw)] = true
	}
	return c.broadcastErr
}

func (c *fakeChain) signedCalls() []signedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signedCall(nil), c.signed...)
}

func (c *fakeChain) broadcastRaws() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.broadcasts...)
}

func (c *fakeChain) broadcastCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.broadcasts)
}

func zapNop() *zap.Logger { return zap.NewNop() }

func (e *env) commissionEngine() *CommissionEngine {
	return NewCommissionEngine(e.referrals, e.investments, e.freezes, e.commissions, e.ledger, DefaultCommissionRates, nil, zapNop())
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad integer " + s)
	}
	return v
}

func (e *env) mustPrice(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	p, err := e.oracle.USDPrice(e.ctx, id)
	require.NoError(t, err)
	return p
}
