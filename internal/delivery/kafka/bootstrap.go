package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/azizikri/coupon-redemption/internal/config"
	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

func NewClient(cfg config.KafkaConfig) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(cfg.BrokerList()...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
	)
}

func EnsureTopics(ctx context.Context, client *kgo.Client, cfg config.KafkaConfig) error {
	adm := kadm.NewClient(client)

	topics := []string{TopicRedeemed}
	for _, topic := range topics {
		resp, err := adm.CreateTopics(ctx, cfg.Partitions(), cfg.Replication(), nil, topic)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", topic, err)
		}
		for _, detail := range resp {
			if detail.Err != nil && !strings.Contains(detail.Err.Error(), "already exists") {
				return fmt.Errorf("failed to create topic %s: %w", detail.Topic, detail.Err)
			}
		}
	}

	logger.Infow("kafka_topics_ensured", "topics", topics)
	return nil
}
