// Package main runs one expiration sweep and exits. It is meant for cron-style
// schedulers that prefer a process over calling the HTTP trigger.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/config"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/event"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/expiry"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/lease"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if cfg.DatabaseDSN == "" {
		logger.Error("VAULT_DB_DSN is required for a standalone sweep")
		os.Exit(1)
	}
	store, err := storage.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Error("failed to initialize postgres storage", "error", err)
		os.Exit(1)
	}
	if closer, ok := store.(interface{ Close() }); ok {
		defer closer.Close()
	}

	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	var locker lease.Locker = lease.NewMemory()
	if rdb := lease.NewRedisClient(cfg.RedisAddr, ""); rdb != nil {
		defer rdb.Close()
		locker = lease.NewRedis(rdb)
	}

	engine := expiry.NewEngine(store, pub,
		expiry.WithThresholds(expiry.Thresholds{
			SoonDays:      cfg.SoonDays,
			LookaheadDays: cfg.LookaheadDays,
			Location:      cfg.Location,
		}),
		expiry.WithLease(locker, cfg.SweepLeaseDuration),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := engine.RunSweep(ctx)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("sweep completed", "processed", res.Processed, "created", res.Created, "failed", res.Failed)
}
