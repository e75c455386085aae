// Package queue defines the asynq tasks the API schedules and how to reach
// the Redis instance behind them.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/azizikri/coupon-redemption/internal/config"
	"github.com/hibiken/asynq"
)

const (
	DefaultQueue = "coupon"

	TaskExpirySweep = "coupon:expiry_sweep"
)

type ExpirySweepPayload struct {
	// Reason is informational: "schedule" or "manual".
	Reason string `json:"reason"`
}

func NewExpirySweepTask(payload ExpirySweepPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpirySweep, body, asynq.MaxRetry(1), asynq.Timeout(time.Minute)), nil
}

// NewScheduler registers the periodic expiry sweep. The caller starts and
// shuts it down.
func NewScheduler(cfg config.QueueConfig, interval time.Duration) (*asynq.Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("expiry sweep interval must be positive, got %s", interval)
	}
	scheduler := asynq.NewScheduler(BuildRedisOpt(cfg), &asynq.SchedulerOpts{Location: time.UTC})
	task, err := NewExpirySweepTask(ExpirySweepPayload{Reason: "schedule"})
	if err != nil {
		return nil, err
	}
	// Unique keeps overlapping schedulers (one per API replica) from piling
	// up sweeps within the same interval.
	if _, err := scheduler.Register(Cronspec(interval), task, asynq.Queue(DefaultQueue), asynq.Unique(interval)); err != nil {
		return nil, fmt.Errorf("register expiry sweep: %w", err)
	}
	return scheduler, nil
}

func Cronspec(interval time.Duration) string {
	return "@every " + interval.String()
}

func BuildServerConfig(cfg config.QueueConfig) (asynq.RedisClientOpt, asynq.Config) {
	concurrency := 2
	if cfg.Concurrency > 0 {
		concurrency = cfg.Concurrency
	}
	return BuildRedisOpt(cfg), asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{DefaultQueue: 1},
	}
}

func BuildRedisOpt(cfg config.QueueConfig) asynq.RedisClientOpt {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	return asynq.RedisClientOpt{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}
