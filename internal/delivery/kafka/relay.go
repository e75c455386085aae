package kafka

import (
	"context"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/azizikri/coupon-redemption/internal/repository"
)

const defaultBatchSize = 100

// Relay moves committed redeemed events from the outbox table to a Publisher.
// Delivery is at-least-once: a batch that fails to publish stays in the
// outbox and is retried on the next tick.
type Relay struct {
	store     repository.Store
	publisher Publisher
	batchSize int
}

func NewRelay(store repository.Store, publisher Publisher, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Relay{store: store, publisher: publisher, batchSize: batchSize}
}

// Flush publishes batches until the outbox is empty or a batch fails.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.store.PublishOutbox(ctx, r.batchSize, func(events []domain.RedeemedEvent) error {
			return r.publisher.Publish(ctx, events)
		})
		total += n
		if err != nil {
			return total, err
		}
		if n < r.batchSize {
			return total, nil
		}
	}
}

func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Warnw("outbox_publish_failed", "published", n, "error", err)
				continue
			}
			if n > 0 {
				logger.Debugw("outbox_published", "count", n)
			}
		}
	}
}
