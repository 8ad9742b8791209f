package service

import (
	"context"
	"math/big"

	"go.uber.org/zap"

	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/money"
	"github.com/crypto_settlement/repository"
)

type ReferralService struct {
	referrals *repository.ReferralRepository
	wallets   *repository.WalletRepository
	logger    *zap.Logger
}

func NewReferralService(referrals *repository.ReferralRepository, wallets *repository.WalletRepository, logger *zap.Logger) *ReferralService {
	return &ReferralService{referrals: referrals, wallets: wallets, logger: logger.Named("referral")}
}

// SetEnabled switches referral earning for userID and every user below it. It returns the
// number of records touched.
func (s *ReferralService) SetEnabled(ctx context.Context, operatorID, userID string, enabled bool) (int64, error) {
	if _, err := s.referrals.GetByUser(ctx, userID); err != nil {
		return 0, err
	}
	visited := map[string]bool{userID: true}
	frontier := []string{userID}
	var total int64
	depth := 0
	for len(frontier) > 0 {
		n, err := s.referrals.SetEnabled(ctx, frontier, enabled)
		if err != nil {
			return total, err
		}
		total += n
		children, err := s.referrals.ChildrenOf(ctx, frontier)
		if err != nil {
			return total, err
		}
		frontier = frontier[:0]
		for _, c := range children {
			if visited[c] {
				s.logger.Warn("referral cycle skipped", zap.String("user_id", c))
				continue
			}
			visited[c] = true
			frontier = append(frontier, c)
		}
		depth++
	}
	s.logger.Info("referral subtree updated",
		zap.String("operator_id", operatorID),
		zap.String("user_id", userID),
		zap.Bool("enabled", enabled),
		zap.Int64("records", total),
		zap.Int("depth", depth),
	)
	return total, nil
}

type LevelSummary struct {
	Level     int    `json:"level"`
	Count     int64  `json:"count"`
	Earnings  string `json:"earnings"`
	TeamTopUp string `json:"teamTopUp"`
}

type ReferralStats struct {
	UserID         string         `json:"userId"`
	ReferralCode   string         `json:"referralCode"`
	ReferrerBy     *string        `json:"referrerBy,omitempty"`
	EnableReferral bool           `json:"enableReferral"`
	TotalEarnings  string         `json:"totalEarnings"`
	TotalTeamTopUp string         `json:"totalTeamTopUp"`
	Levels         []LevelSummary `json:"levels"`
}

// Stats summarises the user's downline: per level, the member count, commission earned
// and the sum of the members' deposits.
func (s *ReferralService) Stats(ctx context.Context, userID string) (*ReferralStats, error) {
	rec, err := s.referrals.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := &ReferralStats{
		UserID:         rec.UserID,
		ReferralCode:   rec.ReferralCode,
		ReferrerBy:     rec.ReferrerBy,
		EnableReferral: rec.EnableReferral,
		TotalEarnings:  rec.TotalEarnings,
	}
	all := new(big.Int)
	for i, lvl := range rec.Levels {
		team, err := s.teamTopUp(ctx, lvl.Referrals)
		if err != nil {
			return nil, err
		}
		all.Add(all, team)
		earnings := lvl.Earnings
		if earnings == "" {
			earnings = "0"
		}
		st.Levels = append(st.Levels, LevelSummary{
			Level:     i + 1,
			Count:     lvl.Count,
			Earnings:  earnings,
			TeamTopUp: team.String(),
		})
	}
	st.TotalTeamTopUp = all.String()
	return st, nil
}

func (s *ReferralService) teamTopUp(ctx context.Context, userIDs []string) (*big.Int, error) {
	sum := new(big.Int)
	wallets, err := s.wallets.ListByUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	for _, w := range wallets {
		v, err := money.Parse(w.TotalDepositInWeiUsd)
		if err != nil {
			return nil, err
		}
		sum.Add(sum, v)
	}
	return sum, nil
}

// Record returns the raw referral record.
func (s *ReferralService) Record(ctx context.Context, userID string) (*model.ReferralEarnings, error) {
	return s.referrals.GetByUser(ctx, userID)
}
