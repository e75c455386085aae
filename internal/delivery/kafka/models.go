package kafka

import (
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
)

const SchemaVersion = 1

// RedeemedPayload is the JSON body of a coupon.redeemed record. Consumers
// dedupe on EventID.
type RedeemedPayload struct {
	SchemaVersion int       `json:"schema_version"`
	EventID       string    `json:"event_id"`
	UserCouponID  int64     `json:"user_coupon_id"`
	UserID        string    `json:"user_id"`
	CouponID      int64     `json:"coupon_id"`
	StoreID       int64     `json:"store_id"`
	UsedAt        time.Time `json:"used_at"`
}

func newRedeemedPayload(e domain.RedeemedEvent) RedeemedPayload {
	return RedeemedPayload{
		SchemaVersion: SchemaVersion,
		EventID:       e.EventID,
		UserCouponID:  e.UserCouponID,
		UserID:        e.UserID,
		CouponID:      e.CouponID,
		StoreID:       e.StoreID,
		UsedAt:        e.UsedAt.UTC(),
	}
}
