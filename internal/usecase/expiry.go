package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/azizikri/coupon-redemption/internal/repository"
)

// ExpiryService persists active→expired for overdue claims. Redemption does
// not depend on it having run.
type ExpiryService struct {
	store repository.Store
	clock clock
}

func NewExpiryService(store repository.Store) *ExpiryService {
	return &ExpiryService{store: store}
}

func (s *ExpiryService) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireOverdue(ctx, s.clock.now())
	if err != nil {
		return 0, fmt.Errorf("expire overdue claims: %w", err)
	}
	if n > 0 {
		logger.Infow("claims_expired", "count", n)
	}
	return n, nil
}

// Run sweeps every interval until ctx is done. It is the fallback used when
// the task queue is disabled.
func (s *ExpiryService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Warnw("expiry_sweep_failed", "error", err)
			}
		}
	}
}
