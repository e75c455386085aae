package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/azizikri/coupon-redemption/internal/codegen"
	"github.com/azizikri/coupon-redemption/internal/config"
	httphandler "github.com/azizikri/coupon-redemption/internal/delivery/http"
	"github.com/azizikri/coupon-redemption/internal/delivery/kafka"
	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/azizikri/coupon-redemption/internal/repository"
	"github.com/azizikri/coupon-redemption/internal/usecase"
	"github.com/azizikri/coupon-redemption/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

const (
	modeAll    = "all"
	modeAPI    = "api"
	modeWorker = "worker"
)

func main() {
	var mode string
	flag.StringVar(&mode, "mode", modeAll, "run mode: all, api or worker")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.AppMode, cfg.Log.ToLoggerOptions())
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, mode); err != nil {
		logger.Errorw("service_failed", "error", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Infow("shutdown_complete")
}

func run(ctx context.Context, cfg *config.Config, mode string) error {
	switch mode {
	case modeAll, modeAPI, modeWorker:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	store, closeStore, err := openStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer closeStore()

	// Everything that can fail is built before the first goroutine starts.
	var srv *http.Server
	if mode != modeWorker {
		srv = newServer(cfg, store)
	}
	var background []func(context.Context) error
	if mode != modeAPI {
		relay, closeRelay, err := newRelay(ctx, cfg, store)
		if err != nil {
			return err
		}
		defer closeRelay()
		background = append(background, func(ctx context.Context) error {
			return relay.Run(ctx, cfg.Outbox.PollInterval)
		})

		expiry := usecase.NewExpiryService(store)
		if cfg.Queue.Enabled {
			svc, err := worker.NewService(cfg.Queue, cfg.Expiry.SweepInterval, worker.NewConsumer(expiry))
			if err != nil {
				return err
			}
			background = append(background, svc.Run)
		} else {
			background = append(background, func(ctx context.Context) error {
				return expiry.Run(ctx, cfg.Expiry.SweepInterval)
			})
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error {
			logger.Infow("http_server_started", "port", cfg.AppPort)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	for _, job := range background {
		job := job
		g.Go(func() error { return job(ctx) })
	}

	return g.Wait()
}

func newServer(cfg *config.Config, store repository.Store) *http.Server {
	catalog := usecase.NewCouponCatalog(store)
	claims := usecase.NewClaimService(store, catalog, codegen.New(), usecase.ClaimPolicy{
		OnePerUser:    cfg.Claim.OnePerUser,
		OnePerDevice:  cfg.Claim.OnePerDevice,
		StoreCooldown: cfg.Claim.StoreCooldown,
	})
	redemptions := usecase.NewRedemptionEngine(store)
	handler := httphandler.NewHandler(catalog, claims, redemptions, httphandler.NewKeyedLimiter(cfg.Claim.RatePerMinute))

	return &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           httphandler.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func openStore(ctx context.Context, cfg config.DBConfig) (repository.Store, func(), error) {
	if cfg.Driver == "memory" {
		logger.Warnw("db_memory_store", "note", "state is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if err := repository.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repository.New(pool), pool.Close, nil
}

func newRelay(ctx context.Context, cfg *config.Config, store repository.Store) (*kafka.Relay, func(), error) {
	if !cfg.Kafka.Enabled {
		logger.Infow("kafka_disabled", "publisher", "log")
		return kafka.NewRelay(store, kafka.LogPublisher{}, cfg.Outbox.BatchSize), func() {}, nil
	}

	client, err := kafka.NewClient(cfg.Kafka)
	if err != nil {
		return nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := kafka.EnsureTopics(ctx, client, cfg.Kafka); err != nil {
		logger.Warnw("kafka_topics_ensure_failed", "error", err)
	}
	return kafka.NewRelay(store, kafka.NewPublisher(client), cfg.Outbox.BatchSize), client.Close, nil
}
