package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Publisher delivers a batch of redeemed events. A nil error means every
// event in the batch was acknowledged.
type Publisher interface {
	Publish(ctx context.Context, events []domain.RedeemedEvent) error
}

type KafkaPublisher struct {
	client *kgo.Client
}

func NewPublisher(client *kgo.Client) *KafkaPublisher {
	return &KafkaPublisher{client: client}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events []domain.RedeemedEvent) error {
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		record, err := newRecord(e)
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()
	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", TopicRedeemed, err)
	}
	return nil
}

func newRecord(e domain.RedeemedEvent) (*kgo.Record, error) {
	payload, err := json.Marshal(newRedeemedPayload(e))
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.EventID, err)
	}
	return &kgo.Record{
		Topic: TopicRedeemed,
		Key:   []byte(strconv.FormatInt(e.UserCouponID, 10)),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventID, Value: []byte(e.EventID)},
			{Key: HeaderSchemaVersion, Value: []byte(strconv.Itoa(SchemaVersion))},
		},
	}, nil
}

// LogPublisher writes events to the structured log. It stands in for Kafka
// when event publishing is disabled so the outbox still drains.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, events []domain.RedeemedEvent) error {
	for _, e := range events {
		logger.Infow("coupon_redeemed_event",
			"event_id", e.EventID,
			"user_coupon_id", e.UserCouponID,
			"user_id", e.UserID,
			"coupon_id", e.CouponID,
			"store_id", e.StoreID,
			"used_at", e.UsedAt,
		)
	}
	return nil
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = LogPublisher{}
)
