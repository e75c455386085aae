package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrSoldOut        = errors.New("coupon is sold out")
	ErrCouponInactive = errors.New("coupon is inactive")
	ErrNotYetStarted  = errors.New("coupon has not started yet")
	ErrCouponExpired  = errors.New("coupon has expired")
	ErrNotFound       = errors.New("coupon not found")
	ErrWrongStore     = errors.New("coupon belongs to another store")
	ErrAlreadyUsed    = errors.New("coupon has already been used")
	ErrAlreadyClaimed = errors.New("user has already claimed this coupon")
	ErrStoreCooldown  = errors.New("a coupon of this store was used recently")
	ErrAmbiguousPin   = errors.New("pin code matches more than one coupon")
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnavailable marks a transient connectivity failure between a device
	// and the redemption server. It is the only non-terminal redemption outcome.
	ErrUnavailable = errors.New("redemption server unavailable")
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
	DiscountFreebie    DiscountType = "freebie"
)

func (t DiscountType) Valid() bool {
	switch t {
	case DiscountPercentage, DiscountFixed, DiscountFreebie:
		return true
	}
	return false
}

type ClaimStatus string

const (
	StatusActive  ClaimStatus = "active"
	StatusUsed    ClaimStatus = "used"
	StatusExpired ClaimStatus = "expired"
)

type Coupon struct {
	ID                int64           `json:"id"`
	StoreID           int64           `json:"store_id"`
	Title             string          `json:"title"`
	DiscountType      DiscountType    `json:"discount_type"`
	DiscountValue     decimal.Decimal `json:"discount_value"`
	MinPurchase       decimal.Decimal `json:"min_purchase"`
	MaxDiscount       decimal.Decimal `json:"max_discount"`
	TotalQuantity     int             `json:"total_quantity"`
	RemainingQuantity int             `json:"remaining_quantity"`
	StartDate         time.Time       `json:"start_date"`
	EndDate           time.Time       `json:"end_date"`
	IsActive          bool            `json:"is_active"`
	CreatedAt         time.Time       `json:"created_at"`
}

// UserCoupon is one allocated unit of a coupon bound to a user.
type UserCoupon struct {
	ID           int64       `json:"id"`
	CouponID     int64       `json:"coupon_id"`
	UserID       string      `json:"user_id"`
	Code         string      `json:"code"`
	PinCode      string      `json:"pin_code"`
	DeviceID     string      `json:"device_id,omitempty"`
	Status       ClaimStatus `json:"status"`
	DownloadedAt time.Time   `json:"downloaded_at"`
	UsedAt       *time.Time  `json:"used_at,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at"`
}

// ClaimDetail is a UserCoupon joined with the coupon fields redemption needs.
type ClaimDetail struct {
	UserCoupon
	StoreID       int64           `json:"store_id"`
	CouponTitle   string          `json:"coupon_title"`
	DiscountType  DiscountType    `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
}

type Usage struct {
	ID           int64     `json:"id"`
	UserCouponID int64     `json:"user_coupon_id"`
	CouponID     int64     `json:"coupon_id"`
	StoreID      int64     `json:"store_id"`
	UserID       string    `json:"user_id"`
	VerifiedBy   string    `json:"verified_by"`
	UsedAt       time.Time `json:"used_at"`
}

// RedeemedEvent is emitted exactly once per successful first-time redemption.
type RedeemedEvent struct {
	EventID      string    `json:"event_id"`
	UserCouponID int64     `json:"user_coupon_id"`
	UserID       string    `json:"user_id"`
	CouponID     int64     `json:"coupon_id"`
	StoreID      int64     `json:"store_id"`
	UsedAt       time.Time `json:"used_at"`
}

type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncResolved SyncStatus = "resolved"
)

// RedemptionAttempt is a device-local record of a redemption that could not
// reach the server.
type RedemptionAttempt struct {
	LocalID      string
	UserCouponID int64
	Code         string
	PinCode      string
	StoreID      int64
	AttemptedAt  time.Time
	SyncStatus   SyncStatus
	// Failures counts replays that ended in neither an answer nor a lost
	// connection.
	Failures int
}

// IsTerminal reports whether a redemption outcome is final. Terminal outcomes
// remove a queued attempt; anything else leaves it queued for the next drain.
func IsTerminal(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, ErrAlreadyUsed),
		errors.Is(err, ErrCouponExpired),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrWrongStore),
		errors.Is(err, ErrAmbiguousPin),
		errors.Is(err, ErrInvalidRequest):
		return true
	}
	return false
}
