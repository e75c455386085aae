package domain

import "errors"

const (
	CodeSoldOut        = "SOLD_OUT"
	CodeCouponInactive = "COUPON_INACTIVE"
	CodeNotYetStarted  = "NOT_YET_STARTED"
	CodeCouponExpired  = "COUPON_EXPIRED"
	CodeNotFound       = "NOT_FOUND"
	CodeWrongStore     = "WRONG_STORE"
	CodeAlreadyUsed    = "ALREADY_USED"
	CodeAlreadyClaimed = "ALREADY_CLAIMED"
	CodeStoreCooldown  = "STORE_COOLDOWN"
	CodeAmbiguousPin   = "AMBIGUOUS_PIN"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternalError  = "INTERNAL_ERROR"
)

// codeErrors is checked in order, so an error wrapping several sentinels
// always maps to the first listed.
var codeErrors = []struct {
	code string
	err  error
}{
	{CodeAlreadyUsed, ErrAlreadyUsed},
	{CodeCouponExpired, ErrCouponExpired},
	{CodeWrongStore, ErrWrongStore},
	{CodeAmbiguousPin, ErrAmbiguousPin},
	{CodeNotFound, ErrNotFound},
	{CodeSoldOut, ErrSoldOut},
	{CodeCouponInactive, ErrCouponInactive},
	{CodeNotYetStarted, ErrNotYetStarted},
	{CodeAlreadyClaimed, ErrAlreadyClaimed},
	{CodeStoreCooldown, ErrStoreCooldown},
	{CodeInvalidRequest, ErrInvalidRequest},
}

// ErrorCode maps an error to its wire code. Unknown errors are internal.
func ErrorCode(err error) string {
	for _, c := range codeErrors {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternalError
}

// ErrorFromCode is the inverse of ErrorCode. It returns nil for codes that
// have no sentinel (RATE_LIMITED, INTERNAL_ERROR, unknown).
func ErrorFromCode(code string) error {
	for _, c := range codeErrors {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
