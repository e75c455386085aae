package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/azizikri/coupon-redemption/internal/repository"
	"github.com/shopspring/decimal"
)

type CreateCouponInput struct {
	StoreID       int64
	Title         string
	DiscountType  domain.DiscountType
	DiscountValue decimal.Decimal
	MinPurchase   decimal.Decimal
	MaxDiscount   decimal.Decimal
	TotalQuantity int
	StartDate     time.Time
	EndDate       time.Time
	IsActive      bool
}

func (in CreateCouponInput) validate() error {
	switch {
	case in.StoreID <= 0:
		return fmt.Errorf("%w: store_id is required", domain.ErrInvalidRequest)
	case strings.TrimSpace(in.Title) == "":
		return fmt.Errorf("%w: title is required", domain.ErrInvalidRequest)
	case !in.DiscountType.Valid():
		return fmt.Errorf("%w: unknown discount_type %q", domain.ErrInvalidRequest, in.DiscountType)
	case in.DiscountValue.IsNegative() || in.MinPurchase.IsNegative() || in.MaxDiscount.IsNegative():
		return fmt.Errorf("%w: amounts must not be negative", domain.ErrInvalidRequest)
	case in.DiscountType == domain.DiscountPercentage && in.DiscountValue.GreaterThan(decimal.NewFromInt(100)):
		return fmt.Errorf("%w: percentage discount above 100", domain.ErrInvalidRequest)
	case in.TotalQuantity < 1:
		return fmt.Errorf("%w: total_quantity must be at least 1", domain.ErrInvalidRequest)
	case in.StartDate.IsZero() || in.EndDate.IsZero() || in.EndDate.Before(in.StartDate):
		return fmt.Errorf("%w: invalid validity window", domain.ErrInvalidRequest)
	}
	return nil
}

// CouponCatalog owns coupon definitions and the inventory counter.
type CouponCatalog struct {
	store repository.Store
}

func NewCouponCatalog(store repository.Store) *CouponCatalog {
	return &CouponCatalog{store: store}
}

func (c *CouponCatalog) CreateCoupon(ctx context.Context, in CreateCouponInput) (*domain.Coupon, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	coupon, err := c.store.CreateCoupon(ctx, repository.CreateCouponParams{
		StoreID:       in.StoreID,
		Title:         strings.TrimSpace(in.Title),
		DiscountType:  in.DiscountType,
		DiscountValue: in.DiscountValue,
		MinPurchase:   in.MinPurchase,
		MaxDiscount:   in.MaxDiscount,
		TotalQuantity: in.TotalQuantity,
		StartDate:     in.StartDate,
		EndDate:       in.EndDate,
		IsActive:      in.IsActive,
	})
	if err != nil {
		return nil, fmt.Errorf("create coupon: %w", err)
	}
	return &coupon, nil
}

func (c *CouponCatalog) GetCoupon(ctx context.Context, id int64) (*domain.Coupon, error) {
	coupon, err := c.store.GetCoupon(ctx, id)
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

// TryAllocate takes one unit of the coupon's inventory inside the caller's
// transaction. It reports false, with no side effect, when nothing is left.
func (c *CouponCatalog) TryAllocate(ctx context.Context, q repository.Querier, couponID int64) (bool, error) {
	n, err := q.DecrementRemaining(ctx, couponID)
	if err != nil {
		return false, fmt.Errorf("decrement remaining: %w", err)
	}
	return n == 1, nil
}
