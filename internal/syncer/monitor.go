package syncer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/azizikri/coupon-redemption/internal/logger"
)

type HealthChecker interface {
	Health(ctx context.Context) error
}

// Monitor checks the server and calls onUp on every transition to reachable,
// including the first successful check.
type Monitor struct {
	health  HealthChecker
	timeout time.Duration
	onUp    func()
	online  atomic.Bool
	checked atomic.Bool
}

func NewMonitor(health HealthChecker, timeout time.Duration, onUp func()) *Monitor {
	return &Monitor{health: health, timeout: timeout, onUp: onUp}
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Check runs one health request and reports whether the server is reachable.
func (m *Monitor) Check(ctx context.Context) bool {
	checkCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	up := m.health.Health(checkCtx) == nil

	was := m.online.Swap(up)
	first := !m.checked.Swap(true)
	if up && !was {
		logger.Infow("connectivity_restored")
		if m.onUp != nil {
			m.onUp()
		}
	}
	if !up && (was || first) {
		logger.Warnw("connectivity_lost")
	}
	return up
}

func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
