// Package worker consumes the asynq tasks defined in package queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/azizikri/coupon-redemption/internal/config"
	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/azizikri/coupon-redemption/internal/queue"
	"github.com/hibiken/asynq"
)

type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type Consumer struct {
	sweeper Sweeper
}

func NewConsumer(sweeper Sweeper) *Consumer {
	return &Consumer{sweeper: sweeper}
}

func (c *Consumer) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TaskExpirySweep, c.handleExpirySweep)
}

func (c *Consumer) handleExpirySweep(ctx context.Context, task *asynq.Task) error {
	var payload queue.ExpirySweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_expiry_sweep_unmarshal_failed", "error", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	n, err := c.sweeper.Sweep(ctx)
	if err != nil {
		logger.Warnw("worker_expiry_sweep_failed", "reason", payload.Reason, "error", err)
		return err
	}
	logger.Debugw("worker_expiry_sweep_done", "reason", payload.Reason, "expired", n)
	return nil
}

// Service runs the asynq scheduler and the worker server together.
type Service struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
}

func NewService(cfg config.QueueConfig, sweepInterval time.Duration, consumer *Consumer) (*Service, error) {
	if !cfg.Enabled {
		return nil, errors.New("queue disabled")
	}
	if consumer == nil {
		return nil, errors.New("consumer is nil")
	}
	scheduler, err := queue.NewScheduler(cfg, sweepInterval)
	if err != nil {
		return nil, err
	}
	opt, serverCfg := queue.BuildServerConfig(cfg)
	mux := asynq.NewServeMux()
	consumer.Register(mux)
	return &Service{
		server:    asynq.NewServer(opt, serverCfg),
		scheduler: scheduler,
		mux:       mux,
	}, nil
}

// Run blocks until ctx is done, then shuts both halves down.
func (s *Service) Run(ctx context.Context) error {
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := s.server.Start(s.mux); err != nil {
		s.scheduler.Shutdown()
		return fmt.Errorf("start worker: %w", err)
	}
	logger.Infow("worker_started")

	<-ctx.Done()
	s.scheduler.Shutdown()
	s.server.Shutdown()
	logger.Infow("worker_stopped")
	return nil
}
