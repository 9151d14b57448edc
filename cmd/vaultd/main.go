// Package main implements the entry point for the vault service.
// It wires storage, blobs, events, mail and authentication and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/config"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/directory"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/document"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/event"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/expiry"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/lease"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/mailer"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/media"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/notification"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/portal"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/server"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/share"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if _, err := telemetry.InitTracer(telemetry.ServiceName, version); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	ctx := context.Background()

	// Storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("VAULT_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory()
	}

	// Blob gateway (S3 or local signer)
	var blobs media.Gateway
	if cfg.S3Bucket != "" {
		blobs, err = media.NewS3Client(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey, cfg.PresignTTL)
		if err != nil {
			logger.Error("failed to initialize S3 gateway", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("VAULT_S3_BUCKET not set, using local URL signer")
		blobs = media.NewLocal("http://localhost:"+cfg.Port+"/blobs", cfg.PresignTTL)
	}

	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	mail := mailer.New(cfg.AMQPURL)

	var locker lease.Locker = lease.NewMemory()
	if rdb := lease.NewRedisClient(cfg.RedisAddr, ""); rdb != nil {
		defer rdb.Close()
		locker = lease.NewRedis(rdb)
	}

	var orgs directory.Resolver = directory.Static{}
	if cfg.DirectoryURL != "" {
		orgs = directory.New(cfg.DirectoryURL)
	} else {
		logger.Warn("VAULT_DIRECTORY_URL not set, organization names fall back to ids")
	}

	validator, err := schema.NewValidator()
	if err != nil {
		logger.Error("failed to compile request schemas", "error", err)
		os.Exit(1)
	}

	engine := expiry.NewEngine(store, pub,
		expiry.WithThresholds(expiry.Thresholds{
			SoonDays:      cfg.SoonDays,
			LookaheadDays: cfg.LookaheadDays,
			Location:      cfg.Location,
		}),
		expiry.WithLease(locker, cfg.SweepLeaseDuration),
		expiry.WithUrgentDelay(cfg.UrgentCheckDelay),
	)

	documents := document.NewService(store, blobs, pub,
		document.WithUploadLimits(cfg.MaxUploadSize, cfg.AllowedMimeTypes),
		document.WithDownloadTTL(cfg.PresignTTL))

	mux := server.NewMux(server.Deps{
		Store:     store,
		Documents: documents,
		Shares:    share.NewService(store, blobs, pub, share.WithDownloadTTL(cfg.PresignTTL)),
		Portals: portal.NewService(store, pub, mail, orgs,
			portal.WithBaseURL(cfg.PortalBaseURL),
			portal.WithDocuments(documents)),
		Expiry:             engine,
		Notifications:      notification.NewService(store, nil),
		Auth:               jwks.NewClient(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience),
		Validator:          validator,
		SweepSecret:        cfg.SweepSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second, // Sweeps run inside the request
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Let deferred urgent checks finish before the store goes away
	engine.Wait()

	if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
	}
	logger.Info("server exited")
}
