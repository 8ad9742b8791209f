package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"slices"

	"go.uber.org/zap"

	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/keystore"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/repository"
)

const (
	referralCodeLength   = 8
	referralCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	createAttempts       = 5
)

type Account struct {
	Wallet   *model.Wallet
	Referral *model.ReferralEarnings
}

// AccountService opens custodial wallets and places users in the referral tree.
type AccountService struct {
	wallets   *repository.WalletRepository
	referrals *repository.ReferralRepository
	deriver   *keystore.Deriver
	keys      *keystore.Store
	logger    *zap.Logger
	newCode   func() (string, error)
}

func NewAccountService(wallets *repository.WalletRepository, referrals *repository.ReferralRepository, deriver *keystore.Deriver, keys *keystore.Store, logger *zap.Logger) *AccountService {
	return &AccountService{
		wallets:   wallets,
		referrals: referrals,
		deriver:   deriver,
		keys:      keys,
		logger:    logger.Named("accounts"),
		newCode:   randomCode,
	}
}

func randomCode() (string, error) {
	b := make([]byte, referralCodeLength)
	n := big.NewInt(int64(len(referralCodeAlphabet)))
	for i := range b {
		k, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		b[i] = referralCodeAlphabet[k.Int64()]
	}
	return string(b), nil
}

// Register creates the user's wallet and referral record. Calling it again for a
// registered user returns the existing account and repairs missing ancestor links.
func (s *AccountService) Register(ctx context.Context, userID, referralCode string) (*Account, error) {
	if userID == "" {
		return nil, errs.Invalid("user id required")
	}
	rec, err := s.referrals.GetByUser(ctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrNotFound):
		rec, err = s.createReferral(ctx, userID, referralCode)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	w, err := s.ensureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.ReferrerBy != nil {
		if err := s.linkAncestors(ctx, userID, *rec.ReferrerBy); err != nil {
			return nil, err
		}
	}
	return &Account{Wallet: w, Referral: rec}, nil
}

// EnsureAdmin registers the custody owner that signs and receives on-chain transfers.
func (s *AccountService) EnsureAdmin(ctx context.Context, adminID string) (*model.Wallet, error) {
	acct, err := s.Register(ctx, adminID, "")
	if err != nil {
		return nil, fmt.Errorf("admin wallet: %w", err)
	}
	return acct.Wallet, nil
}

func (s *AccountService) ensureWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		w, err := s.wallets.GetByUser(ctx, userID)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}

		idx, err := s.wallets.NextDerivationIndex(ctx)
		if err != nil {
			return nil, err
		}
		key, addr, err := s.deriver.Derive(idx)
		if err != nil {
			return nil, err
		}
		sealed, err := s.keys.SealKey(userID, key)
		key.D.SetInt64(0)
		if err != nil {
			return nil, err
		}
		w = &model.Wallet{
			UserID:                       userID,
			Address:                      addr.Hex(),
			DerivationIndex:              idx,
			EncryptedPrivateKey:          sealed.EncryptedPrivateKey,
			EncryptedSymmetricKey:        sealed.EncryptedSymmetricKey,
			Salt:                         sealed.Salt,
			Assets:                       map[string]string{},
			TotalBalanceInWeiUsd:         "0",
			TotalDepositInWeiUsd:         "0",
			TotalWithdrawInWeiUsd:        "0",
			TotalFlexibleBalanceInWeiUsd: "0",
			TotalLockInWeiUsd:            "0",
		}
		err = s.wallets.Create(ctx, w)
		if err == nil {
			s.logger.Info("wallet created", zap.String("user_id", userID), zap.String("address", w.Address), zap.Uint32("index", idx))
			return w, nil
		}
		if !repository.IsDuplicate(err) {
			return nil, err
		}
		// Lost a race on the derivation index or on the user; look again.
	}
	return nil, fmt.Errorf("create wallet for %s: %w", userID, errs.ErrConflict)
}

func (s *AccountService) createReferral(ctx context.Context, userID, code string) (*model.ReferralEarnings, error) {
	var referrer *string
	if code != "" {
		parent, err := s.referrals.GetByCode(ctx, code)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.Invalid("unknown referral code %q", code)
		}
		if err != nil {
			return nil, err
		}
		if err := s.checkCycle(ctx, userID, parent); err != nil {
			return nil, err
		}
		referrer = &parent.UserID
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		own, err := s.newCode()
		if err != nil {
			return nil, err
		}
		rec := &model.ReferralEarnings{
			UserID:         userID,
			ReferrerBy:     referrer,
			ReferralCode:   own,
			Levels:         emptyLevels(),
			TotalEarnings:  "0",
			EnableReferral: true,
		}
		err = s.referrals.Create(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !repository.IsDuplicate(err) {
			return nil, err
		}
		if existing, err := s.referrals.GetByUser(ctx, userID); err == nil {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("referral code for %s: %w", userID, errs.ErrConflict)
}

func emptyLevels() [model.ReferralDepth]model.LevelStats {
	var levels [model.ReferralDepth]model.LevelStats
	for i := range levels {
		levels[i] = model.LevelStats{Earnings: "0", Referrals: []string{}}
	}
	return levels
}

// checkCycle walks up from parent and fails if userID is already one of its ancestors.
func (s *AccountService) checkCycle(ctx context.Context, userID string, parent *model.ReferralEarnings) error {
	visited := map[string]bool{}
	for cur := parent; cur != nil; {
		if cur.UserID == userID || visited[cur.UserID] {
			return fmt.Errorf("%s under %s: %w", userID, parent.UserID, errs.ErrReferralCycle)
		}
		visited[cur.UserID] = true
		if cur.ReferrerBy == nil {
			return nil
		}
		if *cur.ReferrerBy == userID {
			return fmt.Errorf("%s under %s: %w", userID, parent.UserID, errs.ErrReferralCycle)
		}
		next, err := s.referrals.GetByUser(ctx, *cur.ReferrerBy)
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// linkAncestors adds userID to the level sets of its first three ancestors.
func (s *AccountService) linkAncestors(ctx context.Context, userID, referrerID string) error {
	visited := map[string]bool{userID: true}
	next := referrerID
	for level := 0; level < model.ReferralDepth && next != ""; level++ {
		if visited[next] {
			return fmt.Errorf("ancestor %s of %s: %w", next, userID, errs.ErrReferralCycle)
		}
		visited[next] = true
		anc, err := s.addToLevel(ctx, next, level, userID)
		if errors.Is(err, errs.ErrNotFound) {
			s.logger.Warn("referral ancestor missing", zap.String("user_id", userID), zap.String("ancestor", next))
			return nil
		}
		if err != nil {
			return err
		}
		next = ""
		if anc.ReferrerBy != nil {
			next = *anc.ReferrerBy
		}
	}
	return nil
}

func (s *AccountService) addToLevel(ctx context.Context, ancestorID string, level int, userID string) (*model.ReferralEarnings, error) {
	for attempt := 0; attempt < ledgerRetries; attempt++ {
		anc, err := s.referrals.GetByUser(ctx, ancestorID)
		if err != nil {
			return nil, err
		}
		if slices.Contains(anc.Levels[level].Referrals, userID) {
			return anc, nil
		}
		expected := anc.Version
		anc.Levels[level].Referrals = append(anc.Levels[level].Referrals, userID)
		anc.Levels[level].Count++
		anc.Version = expected + 1
		ok, err := s.referrals.CompareAndSwap(ctx, anc, expected)
		if err != nil {
			return nil, err
		}
		if ok {
			return anc, nil
		}
	}
	return nil, fmt.Errorf("link %s to %s: %w", userID, ancestorID, errs.ErrConflict)
}
