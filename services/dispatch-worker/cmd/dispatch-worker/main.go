package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/avilov-dev/dmpilot/internal/broadcast"
	"github.com/avilov-dev/dmpilot/internal/ratelimit"
	"github.com/avilov-dev/dmpilot/internal/sender"
	"github.com/avilov-dev/dmpilot/internal/store"
	"github.com/avilov-dev/dmpilot/internal/webhook"
	"github.com/avilov-dev/dmpilot/pkg/config"
	"github.com/avilov-dev/dmpilot/pkg/db"
	"github.com/avilov-dev/dmpilot/pkg/logx"
	"github.com/avilov-dev/dmpilot/pkg/rmq"
)

func main() {
	_ = godotenv.Load()

	logx.Init("dispatch-worker")
	defer logx.Sync()

	config.MustLoadWorker()
	cfg := config.Worker

	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		logx.L().Fatalw("db_open_error", "error", err)
	}
	defer sqlDB.Close()

	st := store.New(sqlDB)

	pub, err := rmq.NewPublisher(cfg.RMQURL, cfg.EventQueue)
	if err != nil {
		logx.L().Fatalw("rmq_publisher_error", "error", err)
	}
	defer pub.Close()

	cons, err := rmq.NewConsumer(cfg.RMQURL, cfg.EventQueue, cfg.DispatchWorkers)
	if err != nil {
		logx.L().Fatalw("rmq_consumer_error", "error", err)
	}
	defer cons.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.New(cfg.RateLimitPerHour, time.Hour)
	dmClient := sender.NewClient(cfg.SenderBaseURL, cfg.SenderToken)
	executor := broadcast.NewExecutor(st, dmClient, limiter, pub)
	go executor.RunScheduler(ctx, cfg.SchedulerInterval)

	deliverer := webhook.NewDeliverer(st, cfg.WebhookTimeout, cfg.WebhookMaxAttempts)
	dispatcher := webhook.NewDispatcher(st, cons, deliverer, cfg.DispatchWorkers)

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logx.L().Fatalw("dispatcher_error", "error", err)
	}
	logx.L().Infow("worker_stopped")
}
