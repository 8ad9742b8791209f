package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crypto_settlement/errs"
	"github.com/crypto_settlement/model"
	"github.com/crypto_settlement/money"
	"github.com/crypto_settlement/repository"
)

type PurchaseResult struct {
	Investment  *model.Investment   `json:"investment"`
	Commissions []CommissionOutcome `json:"commissions"`
}

// PackageService sells investment packages out of the principal balance.
type PackageService struct {
	investments *repository.InvestmentRepository
	ledger      *Ledger
	commissions *CommissionEngine
	logger      *zap.Logger
	now         func() time.Time
}

func NewPackageService(investments *repository.InvestmentRepository, ledger *Ledger, commissions *CommissionEngine, logger *zap.Logger) *PackageService {
	return &PackageService{
		investments: investments,
		ledger:      ledger,
		commissions: commissions,
		logger:      logger.Named("packages"),
		now:         time.Now,
	}
}

type PackageRequest struct {
	Name           string
	AmountUSD      string // decimal USD, e.g. "100.5"
	DurationInDays int
	Description    string
}

func (s *PackageService) CreatePackage(ctx context.Context, req PackageRequest) (*model.Package, error) {
	if req.Name == "" {
		return nil, errs.Invalid("package name required")
	}
	if req.DurationInDays <= 0 {
		return nil, errs.Invalid("package duration must be positive")
	}
	amount, err := money.FromUSD(req.AmountUSD)
	if err != nil {
		return nil, errs.Invalid("package amount: %v", err)
	}
	if amount.Sign() <= 0 {
		return nil, errs.Invalid("package amount must be positive")
	}
	p := &model.Package{
		Name:           req.Name,
		AmountInWeiUsd: amount.String(),
		DurationInDays: req.DurationInDays,
		Description:    req.Description,
		Status:         model.PackageActive,
	}
	if err := s.investments.CreatePackage(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PackageService) ListPackages(ctx context.Context) ([]model.Package, error) {
	return s.investments.ListPackages(ctx, model.PackageActive)
}

func (s *PackageService) Investments(ctx context.Context, userID string) ([]model.Investment, error) {
	return s.investments.ListByUser(ctx, userID)
}

// Purchase debits the package price from principal, records the investment and pays
// referral commissions. A commission failure is logged; the purchase stands and the
// CommissionRetrier finishes the distribution.
func (s *PackageService) Purchase(ctx context.Context, userID, packageID string) (*PurchaseResult, error) {
	pkg, err := s.investments.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if pkg.Status != model.PackageActive {
		return nil, errs.Invalid("package %s is not active", pkg.Name)
	}
	held, err := s.investments.HasActive(ctx, userID, packageID)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, errs.Invalid("package %s already active", pkg.Name)
	}
	amount, err := money.Parse(pkg.AmountInWeiUsd)
	if err != nil {
		return nil, err
	}

	now := s.now()
	inv := &model.Investment{
		Base:           model.Base{ID: uuid.NewString()},
		UserID:         userID,
		PackageID:      pkg.ID,
		AmountInWeiUsd: amount.String(),
		Status:         model.InvestmentActive,
		InvestmentDate: now,
		ExpiresAt:      now.AddDate(0, 0, pkg.DurationInDays),
	}
	if err := s.ledger.Debit(ctx, DebitRequest{UserID: userID, Bucket: BucketPrincipal, Amount: amount, Ref: "purchase:" + inv.ID}); err != nil {
		return nil, err
	}
	if err := s.investments.Create(ctx, inv); err != nil {
		if rerr := s.ledger.Adjust(ctx, userID, BucketPrincipal, amount, "purchase-revert:"+inv.ID); rerr != nil {
			s.logger.Error("purchase revert failed", zap.String("investment_id", inv.ID), zap.Error(rerr))
		}
		if repository.IsDuplicate(err) {
			// A concurrent purchase of the same package won.
			return nil, errs.Invalid("package %s already active", pkg.Name)
		}
		return nil, err
	}
	s.logger.Info("package purchased",
		zap.String("user_id", userID), zap.String("package", pkg.Name), zap.String("investment_id", inv.ID))

	outcomes, err := s.commissions.Distribute(ctx, inv)
	if err != nil {
		s.logger.Error("commission distribution incomplete", zap.String("investment_id", inv.ID), zap.Error(err))
		return &PurchaseResult{Investment: inv, Commissions: outcomes}, nil
	}
	if err := s.investments.MarkCommissionsSettled(ctx, inv.ID); err != nil {
		s.logger.Warn("mark commissions settled", zap.String("investment_id", inv.ID), zap.Error(err))
	} else {
		inv.CommissionsSettled = true
	}
	return &PurchaseResult{Investment: inv, Commissions: outcomes}, nil
}
