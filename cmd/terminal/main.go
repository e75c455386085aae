// Command terminal is the merchant device agent. It redeems coupons against
// the server, queues them locally while offline and replays the queue once
// connectivity returns.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/azizikri/coupon-redemption/internal/client"
	"github.com/azizikri/coupon-redemption/internal/config"
	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/azizikri/coupon-redemption/internal/offline"
	"github.com/azizikri/coupon-redemption/internal/syncer"
	"github.com/azizikri/coupon-redemption/internal/terminal"
	"github.com/azizikri/coupon-redemption/internal/usecase"
	"golang.org/x/sync/errgroup"
)

const usage = `usage: terminal <command> [flags]

commands:
  redeem   redeem a coupon (queued locally when the server is unreachable)
  preview  check a coupon without redeeming it
  sync     replay queued redemptions once
  status   show the locally known status of a coupon
  run      keep syncing in the background until interrupted
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.AppMode, cfg.Log.ToLoggerOptions())
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Terminal, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		logger.Sync()
		os.Exit(1)
	}
}

type device struct {
	cfg    config.TerminalConfig
	api    *client.Client
	queue  *offline.Queue
	term   *terminal.Terminal
	syncer *syncer.Reconciler
}

func openDevice(cfg config.TerminalConfig) (*device, error) {
	if cfg.StoreID <= 0 {
		return nil, errors.New("terminal.store_id is required")
	}
	queue, err := offline.Open(cfg.QueuePath)
	if err != nil {
		return nil, err
	}
	api := client.New(cfg.ServerURL, cfg.ActorID, cfg.Timeout)
	return &device{
		cfg:    cfg,
		api:    api,
		queue:  queue,
		term:   terminal.New(api, queue, cfg.StoreID, cfg.ActorID),
		syncer: syncer.NewReconciler(queue, api, cfg.ActorID),
	}, nil
}

func run(ctx context.Context, cfg config.TerminalConfig, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	var req terminal.Request
	fs.Int64Var(&req.UserCouponID, "id", 0, "user coupon id")
	fs.StringVar(&req.Code, "code", "", "coupon code")
	fs.StringVar(&req.PinCode, "pin", "", "6-digit pin code")
	fs.Int64Var(&cfg.StoreID, "store", cfg.StoreID, "store id of this terminal")
	fs.StringVar(&cfg.ActorID, "actor", cfg.ActorID, "staff id recorded as verifier")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "redeem", "preview", "sync", "status", "run":
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command")
	}

	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer d.queue.Close()

	switch cmd {
	case "redeem":
		receipt, err := d.term.Redeem(ctx, req)
		if err != nil {
			return fmt.Errorf("%s: %w", domain.ErrorCode(err), err)
		}
		return printJSON(receipt)
	case "preview":
		res, err := d.api.Preview(ctx, usecase.VerifyRequest{
			UserCouponID: req.UserCouponID,
			Code:         req.Code,
			PinCode:      req.PinCode,
			StoreID:      cfg.StoreID,
			VerifiedBy:   cfg.ActorID,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", domain.ErrorCode(err), err)
		}
		return printJSON(res)
	case "sync":
		report, err := d.syncer.Drain(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	case "status":
		status, ok, err := d.queue.LocalStatus(ctx, offline.Ref(domain.RedemptionAttempt{
			UserCouponID: req.UserCouponID,
			Code:         req.Code,
			PinCode:      req.PinCode,
			StoreID:      cfg.StoreID,
		}))
		if err != nil {
			return err
		}
		pending, err := d.queue.Pending(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"known": ok, "status": status, "pending": pending})
	}
	return d.daemon(ctx)
}

// daemon checks the server and drains the queue on every reconnect as well as
// on the sync interval.
func (d *device) daemon(ctx context.Context) error {
	monitor := syncer.NewMonitor(d.api, d.cfg.Timeout, d.syncer.Wake)
	logger.Infow("terminal_started", "store_id", d.cfg.StoreID, "server", d.cfg.ServerURL)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(ctx, d.cfg.CheckInterval) })
	g.Go(func() error { return d.syncer.Run(ctx, d.cfg.SyncInterval) })
	return g.Wait()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
