// Package terminal is the merchant-side redemption call site. It hides
// connectivity loss from the cashier by queueing the attempt for later replay.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/azizikri/coupon-redemption/internal/usecase"
)

type Outcome string

const (
	OutcomeRedeemed Outcome = "redeemed"
	// OutcomeOfflineQueued is a deferred success: the attempt is stored and
	// will be replayed when the server is reachable.
	OutcomeOfflineQueued Outcome = "offline_queued"
	// OutcomeDuplicate means the coupon was already used, typically by an
	// earlier tap or replay of this same redemption.
	OutcomeDuplicate Outcome = "duplicate"
)

type Verifier interface {
	Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error)
}

type Queue interface {
	Enqueue(ctx context.Context, a domain.RedemptionAttempt) (domain.RedemptionAttempt, error)
	RecordStatus(ctx context.Context, a domain.RedemptionAttempt, status domain.ClaimStatus, outcome string) error
}

type Request struct {
	UserCouponID int64
	Code         string
	PinCode      string
}

type Receipt struct {
	Outcome Outcome
	Result  *usecase.VerifyResult
	LocalID string
}

type Terminal struct {
	verifier Verifier
	queue    Queue
	storeID  int64
	actorID  string
	now      func() time.Time
}

func New(verifier Verifier, queue Queue, storeID int64, actorID string) *Terminal {
	return &Terminal{
		verifier: verifier,
		queue:    queue,
		storeID:  storeID,
		actorID:  actorID,
		now:      time.Now,
	}
}

// Redeem verifies a coupon for this terminal's store. Business rejections
// (wrong store, expired, not found) are returned as errors; an already-used
// coupon is a Duplicate receipt, and an unreachable server an OfflineQueued one.
func (t *Terminal) Redeem(ctx context.Context, req Request) (Receipt, error) {
	attempt := domain.RedemptionAttempt{
		UserCouponID: req.UserCouponID,
		Code:         req.Code,
		PinCode:      req.PinCode,
		StoreID:      t.storeID,
		AttemptedAt:  t.now(),
	}

	res, err := t.verifier.Verify(ctx, usecase.VerifyRequest{
		UserCouponID: req.UserCouponID,
		Code:         req.Code,
		PinCode:      req.PinCode,
		StoreID:      t.storeID,
		VerifiedBy:   t.actorID,
	})
	switch {
	case err == nil:
		if res.UserCouponID > 0 && attempt.UserCouponID == 0 && attempt.Code == "" {
			// A PIN is only a stable reference within the store; key the
			// local status by id once the server has resolved it.
			attempt.UserCouponID = res.UserCouponID
		}
		t.record(ctx, attempt, domain.StatusUsed, string(OutcomeRedeemed))
		return Receipt{Outcome: OutcomeRedeemed, Result: res}, nil

	case errors.Is(err, domain.ErrAlreadyUsed):
		t.record(ctx, attempt, domain.StatusUsed, string(OutcomeDuplicate))
		return Receipt{Outcome: OutcomeDuplicate}, nil

	case errors.Is(err, domain.ErrUnavailable):
		queued, qerr := t.queue.Enqueue(ctx, attempt)
		if qerr != nil {
			return Receipt{}, fmt.Errorf("queue offline attempt: %w", qerr)
		}
		logger.Infow("redemption_queued_offline", "local_id", queued.LocalID, "store_id", t.storeID)
		return Receipt{Outcome: OutcomeOfflineQueued, LocalID: queued.LocalID}, nil

	case errors.Is(err, domain.ErrCouponExpired):
		t.record(ctx, attempt, domain.StatusExpired, "expired")
	}
	return Receipt{}, err
}

func (t *Terminal) record(ctx context.Context, a domain.RedemptionAttempt, status domain.ClaimStatus, outcome string) {
	if err := t.queue.RecordStatus(ctx, a, status, outcome); err != nil {
		logger.Warnw("local_status_record_failed", "error", err)
	}
}
