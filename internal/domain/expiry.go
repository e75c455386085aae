package domain

import "time"

// IsExpired reports whether a claim expiring at expiresAt is past due at now.
// A claim is still valid at exactly expiresAt.
func IsExpired(expiresAt, now time.Time) bool {
	return now.After(expiresAt)
}

// EffectiveStatus is the status a claim has for the current operation,
// independent of whether the background sweep has persisted the expiry yet.
func EffectiveStatus(uc UserCoupon, now time.Time) ClaimStatus {
	if uc.Status == StatusActive && IsExpired(uc.ExpiresAt, now) {
		return StatusExpired
	}
	return uc.Status
}

// Availability classifies a coupon definition for claiming at now.
func (c Coupon) Availability(now time.Time) error {
	switch {
	case !c.IsActive:
		return ErrCouponInactive
	case now.Before(c.StartDate):
		return ErrNotYetStarted
	case now.After(c.EndDate):
		return ErrCouponExpired
	}
	return nil
}
