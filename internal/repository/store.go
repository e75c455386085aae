package repository

import (
	"context"
	"errors"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrDuplicateCode is returned by InsertUserCoupon when the generated claim
// code already exists.
var ErrDuplicateCode = errors.New("claim code already exists")

// Store is the transactional data store behind the catalog, claim and
// redemption services. Every mutation of shared state (remaining quantity,
// claim status) is a conditional update whose affected-row count tells the
// caller whether it won the race.
type Store interface {
	ExecTx(ctx context.Context, fn func(Querier) error) error

	CreateCoupon(ctx context.Context, arg CreateCouponParams) (domain.Coupon, error)
	GetCoupon(ctx context.Context, id int64) (domain.Coupon, error)

	GetClaim(ctx context.Context, lookup ClaimLookup) (domain.ClaimDetail, error)
	FindClaimsByPin(ctx context.Context, pin string, storeID int64) ([]domain.ClaimDetail, error)
	ListClaimsByUser(ctx context.Context, userID string) ([]domain.ClaimDetail, error)
	ListUsageByStore(ctx context.Context, storeID int64) ([]domain.Usage, error)
	HasStoreUsageSince(ctx context.Context, userID string, storeID int64, since time.Time) (bool, error)

	ExpireClaim(ctx context.Context, id int64, now time.Time) (bool, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)

	// PublishOutbox hands up to limit unpublished redeemed events to fn and
	// marks them published only if fn succeeds.
	PublishOutbox(ctx context.Context, limit int, fn func([]domain.RedeemedEvent) error) (int, error)
}

// Querier is the set of operations that run inside ExecTx.
type Querier interface {
	// DecrementRemaining takes one unit of inventory if any is left and
	// returns the number of rows affected (0 or 1).
	DecrementRemaining(ctx context.Context, couponID int64) (int64, error)
	InsertClaimGuard(ctx context.Context, couponID int64, subject string) (int64, error)
	InsertUserCoupon(ctx context.Context, arg InsertUserCouponParams) (domain.UserCoupon, error)
	// RedeemClaim moves an active, unexpired claim to used and returns the
	// number of rows affected (0 or 1).
	RedeemClaim(ctx context.Context, id int64, now time.Time) (int64, error)
	GetClaimStatus(ctx context.Context, id int64) (domain.ClaimStatus, time.Time, error)
	InsertUsage(ctx context.Context, usage domain.Usage) error
	InsertOutboxEvent(ctx context.Context, event domain.RedeemedEvent) error
}

type CreateCouponParams struct {
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

type InsertUserCouponParams struct {
	CouponID     int64
	UserID       string
	Code         string
	PinCode      string
	DeviceID     string
	DownloadedAt time.Time
	ExpiresAt    time.Time
}

// ClaimLookup selects a claim by id or by code; ID wins when both are set.
type ClaimLookup struct {
	ID   int64
	Code string
}
