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
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// VerifyRequest identifies a claim by UserCouponID, Code or PinCode, checked
// in that order. A PIN is only unique within a store, so PIN lookups are
// scoped to StoreID.
type VerifyRequest struct {
	UserCouponID int64
	Code         string
	PinCode      string
	StoreID      int64
	VerifiedBy   string
	// AttemptedAt is when the terminal first scanned the coupon. Replays set
	// it so a PIN lookup ignores claims handed out after the attempt.
	AttemptedAt time.Time
}

type VerifyResult struct {
	Success       bool                `json:"success"`
	UserCouponID  int64               `json:"user_coupon_id"`
	CouponTitle   string              `json:"coupon_title"`
	DiscountType  domain.DiscountType `json:"discount_type"`
	DiscountValue decimal.Decimal     `json:"discount_value"`
	UsedAt        *time.Time          `json:"used_at,omitempty"`
}

type RedemptionEngine struct {
	store repository.Store
	clock clock
}

func NewRedemptionEngine(store repository.Store) *RedemptionEngine {
	return &RedemptionEngine{store: store}
}

// Verify redeems a claim exactly once. The status transition, the usage row
// and the outbox event commit in one transaction; a second Verify of the same
// claim returns ErrAlreadyUsed and writes nothing.
func (e *RedemptionEngine) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	claim, now, err := e.precheck(ctx, req)
	if err != nil {
		return nil, err
	}

	err = e.store.ExecTx(ctx, func(q repository.Querier) error {
		n, err := q.RedeemClaim(ctx, claim.ID, now)
		if err != nil {
			return fmt.Errorf("redeem claim: %w", err)
		}
		if n == 0 {
			return classifyLostRedeem(ctx, q, claim.ID, now)
		}

		if err := q.InsertUsage(ctx, domain.Usage{
			UserCouponID: claim.ID,
			CouponID:     claim.CouponID,
			StoreID:      claim.StoreID,
			UserID:       claim.UserID,
			VerifiedBy:   req.VerifiedBy,
			UsedAt:       now,
		}); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}

		if err := q.InsertOutboxEvent(ctx, domain.RedeemedEvent{
			EventID:      uuid.NewString(),
			UserCouponID: claim.ID,
			UserID:       claim.UserID,
			CouponID:     claim.CouponID,
			StoreID:      claim.StoreID,
			UsedAt:       now,
		}); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Infow("coupon_redeemed",
		"user_coupon_id", claim.ID,
		"store_id", claim.StoreID,
		"verified_by", req.VerifiedBy,
	)
	usedAt := now
	return &VerifyResult{
		Success:       true,
		UserCouponID:  claim.ID,
		CouponTitle:   claim.CouponTitle,
		DiscountType:  claim.DiscountType,
		DiscountValue: claim.DiscountValue,
		UsedAt:        &usedAt,
	}, nil
}

// Preview runs the Verify preconditions without changing anything.
func (e *RedemptionEngine) Preview(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	claim, _, err := e.precheck(ctx, req)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{
		Success:       true,
		UserCouponID:  claim.ID,
		CouponTitle:   claim.CouponTitle,
		DiscountType:  claim.DiscountType,
		DiscountValue: claim.DiscountValue,
	}, nil
}

func (e *RedemptionEngine) ListStoreRedemptions(ctx context.Context, storeID int64) ([]domain.Usage, error) {
	if storeID <= 0 {
		return nil, fmt.Errorf("%w: store_id is required", domain.ErrInvalidRequest)
	}
	return e.store.ListUsageByStore(ctx, storeID)
}

func (e *RedemptionEngine) precheck(ctx context.Context, req VerifyRequest) (*domain.ClaimDetail, time.Time, error) {
	req.Code = strings.TrimSpace(req.Code)
	req.PinCode = strings.TrimSpace(req.PinCode)
	if req.StoreID <= 0 {
		return nil, time.Time{}, fmt.Errorf("%w: store_id is required", domain.ErrInvalidRequest)
	}

	now := e.clock.now()
	claim, err := e.lookup(ctx, req, now)
	if err != nil {
		return nil, time.Time{}, err
	}

	if claim.StoreID != req.StoreID {
		return nil, time.Time{}, domain.ErrWrongStore
	}
	switch domain.EffectiveStatus(claim.UserCoupon, now) {
	case domain.StatusUsed:
		return nil, time.Time{}, domain.ErrAlreadyUsed
	case domain.StatusExpired:
		if claim.Status == domain.StatusActive {
			e.expireLazily(ctx, claim.ID, now)
		}
		return nil, time.Time{}, domain.ErrCouponExpired
	}
	return claim, now, nil
}

func (e *RedemptionEngine) lookup(ctx context.Context, req VerifyRequest, now time.Time) (*domain.ClaimDetail, error) {
	switch {
	case req.UserCouponID > 0:
		claim, err := e.store.GetClaim(ctx, repository.ClaimLookup{ID: req.UserCouponID})
		if err != nil {
			return nil, err
		}
		return &claim, nil
	case req.Code != "":
		claim, err := e.store.GetClaim(ctx, repository.ClaimLookup{Code: req.Code})
		if err != nil {
			return nil, err
		}
		return &claim, nil
	case req.PinCode != "":
		return e.lookupByPin(ctx, req.PinCode, req.StoreID, req.AttemptedAt, now)
	}
	return nil, fmt.Errorf("%w: one of user_coupon_id, code or pin_code is required", domain.ErrInvalidRequest)
}

// lookupByPin prefers the single redeemable match. When none is redeemable it
// returns the most recent match so the caller reports why. Claims downloaded
// after attemptedAt cannot be the coupon the cashier scanned.
func (e *RedemptionEngine) lookupByPin(ctx context.Context, pin string, storeID int64, attemptedAt, now time.Time) (*domain.ClaimDetail, error) {
	found, err := e.store.FindClaimsByPin(ctx, pin, storeID)
	if err != nil {
		return nil, err
	}
	matches := found[:0]
	for _, m := range found {
		if attemptedAt.IsZero() || !m.DownloadedAt.After(attemptedAt) {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return nil, domain.ErrNotFound
	}

	var active []domain.ClaimDetail
	for _, m := range matches {
		if domain.EffectiveStatus(m.UserCoupon, now) == domain.StatusActive {
			active = append(active, m)
		}
	}
	switch len(active) {
	case 0:
		return &matches[0], nil
	case 1:
		return &active[0], nil
	}
	return nil, domain.ErrAmbiguousPin
}

func (e *RedemptionEngine) expireLazily(ctx context.Context, id int64, now time.Time) {
	if _, err := e.store.ExpireClaim(ctx, id, now); err != nil {
		logger.Warnw("claim_lazy_expire_failed", "user_coupon_id", id, "error", err)
	}
}

// classifyLostRedeem explains why the conditional update matched no row:
// another verifier got there first, or the claim expired between the
// precheck and the update.
func classifyLostRedeem(ctx context.Context, q repository.Querier, id int64, now time.Time) error {
	status, expiresAt, err := q.GetClaimStatus(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("get claim status: %w", err)
	}
	switch {
	case status == domain.StatusUsed:
		return domain.ErrAlreadyUsed
	case status == domain.StatusExpired, domain.IsExpired(expiresAt, now):
		return domain.ErrCouponExpired
	}
	return fmt.Errorf("redeem claim %d: no row updated in status %s", id, status)
}
