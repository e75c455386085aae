package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/azizikri/coupon-redemption/internal/repository"
)

const maxCodeAttempts = 3

// ClaimPolicy limits repeat claims. The zero value allows a user to hold any
// number of claims on the same coupon.
type ClaimPolicy struct {
	OnePerUser    bool
	OnePerDevice  bool
	StoreCooldown time.Duration
}

type ClaimRequest struct {
	UserID   string
	CouponID int64
	DeviceID string
}

type ClaimService struct {
	store   repository.Store
	catalog *CouponCatalog
	codes   CodeGenerator
	policy  ClaimPolicy
	clock   clock
}

func NewClaimService(store repository.Store, catalog *CouponCatalog, codes CodeGenerator, policy ClaimPolicy) *ClaimService {
	return &ClaimService{
		store:   store,
		catalog: catalog,
		codes:   codes,
		policy:  policy,
	}
}

// Claim allocates one unit of a coupon to a user. The inventory decrement and
// the claim insert commit together; if anything after the decrement fails the
// transaction rolls back and the unit is returned to the pool.
func (s *ClaimService) Claim(ctx context.Context, req ClaimRequest) (*domain.UserCoupon, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.UserID == "" || req.CouponID <= 0 {
		return nil, fmt.Errorf("%w: user_id and coupon_id are required", domain.ErrInvalidRequest)
	}

	coupon, err := s.catalog.GetCoupon(ctx, req.CouponID)
	if err != nil {
		return nil, err
	}
	now := s.clock.now()
	if err := coupon.Availability(now); err != nil {
		return nil, err
	}

	if s.policy.StoreCooldown > 0 {
		recent, err := s.store.HasStoreUsageSince(ctx, req.UserID, coupon.StoreID, now.Add(-s.policy.StoreCooldown))
		if err != nil {
			return nil, fmt.Errorf("check store cooldown: %w", err)
		}
		if recent {
			return nil, domain.ErrStoreCooldown
		}
	}

	for attempt := 1; ; attempt++ {
		claim, err := s.claimOnce(ctx, coupon, req, now)
		if errors.Is(err, repository.ErrDuplicateCode) && attempt < maxCodeAttempts {
			logger.Warnw("claim_code_collision", "coupon_id", coupon.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.Infow("coupon_claimed",
			"coupon_id", coupon.ID,
			"user_coupon_id", claim.ID,
			"user_id", claim.UserID,
		)
		return claim, nil
	}
}

func (s *ClaimService) claimOnce(ctx context.Context, coupon *domain.Coupon, req ClaimRequest, now time.Time) (*domain.UserCoupon, error) {
	code, pin, err := s.codes.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate claim code: %w", err)
	}

	var claim domain.UserCoupon
	err = s.store.ExecTx(ctx, func(q repository.Querier) error {
		if err := s.insertGuards(ctx, q, coupon.ID, req); err != nil {
			return err
		}

		ok, err := s.catalog.TryAllocate(ctx, q, coupon.ID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrSoldOut
		}

		claim, err = q.InsertUserCoupon(ctx, repository.InsertUserCouponParams{
			CouponID:     coupon.ID,
			UserID:       req.UserID,
			Code:         code,
			PinCode:      pin,
			DeviceID:     req.DeviceID,
			DownloadedAt: now,
			ExpiresAt:    coupon.EndDate,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

func (s *ClaimService) insertGuards(ctx context.Context, q repository.Querier, couponID int64, req ClaimRequest) error {
	var subjects []string
	if s.policy.OnePerUser {
		subjects = append(subjects, "user:"+req.UserID)
	}
	if s.policy.OnePerDevice && req.DeviceID != "" {
		subjects = append(subjects, "device:"+req.DeviceID)
	}
	for _, subject := range subjects {
		n, err := q.InsertClaimGuard(ctx, couponID, subject)
		if err != nil {
			return fmt.Errorf("insert claim guard: %w", err)
		}
		if n == 0 {
			return domain.ErrAlreadyClaimed
		}
	}
	return nil
}

// ListByUser returns a user's claims with their effective status.
func (s *ClaimService) ListByUser(ctx context.Context, userID string) ([]domain.ClaimDetail, error) {
	claims, err := s.store.ListClaimsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.clock.now()
	for i := range claims {
		claims[i].Status = domain.EffectiveStatus(claims[i].UserCoupon, now)
	}
	return claims, nil
}
