// Package syncer replays a device's queued redemption attempts against the
// redemption API once connectivity returns.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/azizikri/coupon-redemption/internal/usecase"
	"golang.org/x/sync/singleflight"
)

const (
	OutcomeRedeemed  = "redeemed"
	OutcomeDuplicate = "duplicate"
	OutcomeExpired   = "expired"
	OutcomeRejected  = "rejected"
)

// maxDeferrals bounds how many passes an attempt may stall on an unexpected
// error before it is given up as rejected.
const maxDeferrals = 5

type Verifier interface {
	Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error)
}

// Queue is the durable attempt store the reconciler drains.
type Queue interface {
	Drain(ctx context.Context) ([]domain.RedemptionAttempt, error)
	Resolve(ctx context.Context, a domain.RedemptionAttempt, status domain.ClaimStatus, outcome string) error
	Defer(ctx context.Context, localID string) (int, error)
}

// Report summarises one drain pass.
type Report struct {
	Redeemed   int
	Duplicates int
	Expired    int
	Rejected   int
	// Remaining counts attempts left queued because the pass stopped early.
	Remaining int
	Resolved  []domain.RedemptionAttempt
}

type Reconciler struct {
	queue    Queue
	verifier Verifier
	actorID  string

	group singleflight.Group
	wake  chan struct{}
}

func NewReconciler(queue Queue, verifier Verifier, actorID string) *Reconciler {
	return &Reconciler{
		queue:    queue,
		verifier: verifier,
		actorID:  actorID,
		wake:     make(chan struct{}, 1),
	}
}

// Wake asks Run for a drain pass. It never blocks; wakes that arrive while
// one is already pending collapse into it.
func (r *Reconciler) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Drain replays queued attempts in the order they were made. Concurrent
// callers share a single pass.
func (r *Reconciler) Drain(ctx context.Context) (Report, error) {
	v, err, _ := r.group.Do("drain", func() (any, error) {
		return r.drain(ctx)
	})
	if v == nil {
		return Report{}, err
	}
	return v.(Report), err
}

func (r *Reconciler) drain(ctx context.Context) (Report, error) {
	var report Report
	attempts, err := r.queue.Drain(ctx)
	if err != nil {
		return report, err
	}

	for i, a := range attempts {
		_, verr := r.verifier.Verify(ctx, usecase.VerifyRequest{
			UserCouponID: a.UserCouponID,
			Code:         a.Code,
			PinCode:      a.PinCode,
			StoreID:      a.StoreID,
			VerifiedBy:   r.actorID,
			AttemptedAt:  a.AttemptedAt,
		})

		status, outcome := classify(verr)
		if !domain.IsTerminal(verr) {
			// Later attempts stay behind this one to keep the device's order.
			if errors.Is(verr, domain.ErrUnavailable) {
				report.Remaining = len(attempts) - i
				logger.Debugw("sync_paused_offline", "local_id", a.LocalID, "remaining", report.Remaining)
				return report, nil
			}
			if ctx.Err() != nil {
				report.Remaining = len(attempts) - i
				return report, ctx.Err()
			}
			failures, err := r.queue.Defer(ctx, a.LocalID)
			if err != nil {
				report.Remaining = len(attempts) - i
				return report, err
			}
			if failures < maxDeferrals {
				report.Remaining = len(attempts) - i
				logger.Warnw("sync_attempt_deferred", "local_id", a.LocalID, "failures", failures, "error", verr)
				return report, nil
			}
			logger.Errorw("sync_attempt_abandoned", "local_id", a.LocalID, "failures", failures, "error", verr)
		}

		if err := r.queue.Resolve(ctx, a, status, outcome); err != nil {
			report.Remaining = len(attempts) - i
			return report, fmt.Errorf("resolve attempt %s: %w", a.LocalID, err)
		}
		a.SyncStatus = domain.SyncResolved
		report.Resolved = append(report.Resolved, a)
		switch outcome {
		case OutcomeRedeemed:
			report.Redeemed++
		case OutcomeDuplicate:
			report.Duplicates++
		case OutcomeExpired:
			report.Expired++
		default:
			report.Rejected++
		}
		logger.Infow("sync_attempt_resolved",
			"local_id", a.LocalID,
			"outcome", outcome,
			"attempted_at", a.AttemptedAt,
		)
	}
	return report, nil
}

// classify maps a terminal verify outcome to the local status the device
// records for the coupon.
func classify(err error) (domain.ClaimStatus, string) {
	switch {
	case err == nil:
		return domain.StatusUsed, OutcomeRedeemed
	case errors.Is(err, domain.ErrAlreadyUsed):
		return domain.StatusUsed, OutcomeDuplicate
	case errors.Is(err, domain.ErrCouponExpired):
		return domain.StatusExpired, OutcomeExpired
	}
	return "", OutcomeRejected
}

// Run drains once at start, then on every Wake and every interval, until ctx
// is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
		case <-ticker.C:
		}
		r.runPass(ctx)
	}
}

func (r *Reconciler) runPass(ctx context.Context) {
	report, err := r.Drain(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Warnw("sync_pass_failed", "error", err)
		return
	}
	if len(report.Resolved) > 0 {
		logger.Infow("sync_pass_done",
			"redeemed", report.Redeemed,
			"duplicates", report.Duplicates,
			"expired", report.Expired,
			"rejected", report.Rejected,
			"remaining", report.Remaining,
		)
	}
}
