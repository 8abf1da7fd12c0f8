// Package main wires together the acquisition service binary.
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

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/draftforge/webintel/internal/api"
	"github.com/draftforge/webintel/internal/backend/headless"
	"github.com/draftforge/webintel/internal/backend/managed"
	"github.com/draftforge/webintel/internal/backend/static"
	"github.com/draftforge/webintel/internal/clock/system"
	"github.com/draftforge/webintel/internal/config"
	"github.com/draftforge/webintel/internal/faults"
	"github.com/draftforge/webintel/internal/hash/sha256"
	"github.com/draftforge/webintel/internal/id/uuid"
	"github.com/draftforge/webintel/internal/intel"
	"github.com/draftforge/webintel/internal/ledger"
	"github.com/draftforge/webintel/internal/logging"
	"github.com/draftforge/webintel/internal/metrics"
	"github.com/draftforge/webintel/internal/orchestrator"
	memorypublisher "github.com/draftforge/webintel/internal/publisher/memory"
	pubsubpublisher "github.com/draftforge/webintel/internal/publisher/pubsub"
	"github.com/draftforge/webintel/internal/session"
	"github.com/draftforge/webintel/internal/snapshot/gcs"
	"github.com/draftforge/webintel/internal/snapshot/local"
	memorysnapshot "github.com/draftforge/webintel/internal/snapshot/memory"
	memorystorage "github.com/draftforge/webintel/internal/storage/memory"
	"github.com/draftforge/webintel/internal/storage/postgres"
	"github.com/draftforge/webintel/internal/validate"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionStore, billingStore, runStore, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	snapshots, err := buildSnapshots(ctx, cfg)
	if err != nil {
		logger.Fatal("snapshot store init failed", zap.Error(err))
	}
	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := closePublisher(); closeErr != nil {
			logger.Warn("publisher close failed", zap.Error(closeErr))
		}
	}()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	sessions := session.New(session.Config{
		StageWindow: cfg.Session.StageWindow,
		RunHistory:  cfg.Session.RunHistory,
		SyncRetries: cfg.Session.SyncRetries,
	}, sessionStore, idGen, clock, logger.Named("session"))

	validator := validate.New(validate.Config{
		MinContentLength: cfg.Validator.MinContentLength,
		ValidScore:       cfg.Validator.ValidScore,
		EnhanceScore:     cfg.Validator.EnhanceScore,
	}, logger.Named("validate"))

	creditLedger := ledger.New(ledger.Config{
		BaseCostPerPage: map[intel.BackendID]int{
			intel.BackendStatic:   cfg.Ledger.StaticCostPerPage,
			intel.BackendHeadless: cfg.Ledger.HeadlessCostPerPage,
			intel.BackendManaged:  cfg.Ledger.ManagedCostPerPage,
		},
		PremiumMultiplier: cfg.Ledger.PremiumMultiplier,
		SchemaSurcharge:   cfg.Ledger.SchemaSurcharge,
	}, billingStore, logger.Named("ledger"))

	backends := buildBackends(cfg, logger)

	orch, err := orchestrator.New(
		orchestrator.Config{
			Concurrency:    cfg.Pipeline.Concurrency,
			MaxRetries:     cfg.Pipeline.MaxRetries,
			RetryDelay:     time.Duration(cfg.Pipeline.RetryDelayMs) * time.Millisecond,
			Fallback:       faults.FallbackStrategy(cfg.Pipeline.Fallback),
			Topic:          cfg.PubSub.TopicName,
			SnapshotPrefix: cfg.Snapshot.Prefix,
			ContentType:    cfg.Snapshot.ContentType,
		},
		backends,
		validator,
		creditLedger,
		sessions,
		runStore,
		snapshots,
		publisher,
		hasher,
		idGen,
		clock,
		logger.Named("orchestrator"),
	)
	if err != nil {
		logger.Fatal("orchestrator init failed", zap.Error(err))
	}

	apiServer := api.NewServer(ctx, orch, sessions, sessionStore, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
}

func buildStores(ctx context.Context, cfg config.Config) (intel.SessionStore, intel.BillingStore, intel.RunStore, error) {
	switch cfg.DB.Provider {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.NewSessionStore(pool), postgres.NewLedgerStore(pool), postgres.NewRunStore(pool), nil
	default:
		return memorystorage.NewSessionStore(), memorystorage.NewBillingStore(), memorystorage.NewRunStore(), nil
	}
}

func buildSnapshots(ctx context.Context, cfg config.Config) (intel.SnapshotStore, error) {
	switch cfg.Snapshot.Provider {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Snapshot.GCSBucket})
	case "local":
		return local.New(local.Config{BaseDir: cfg.Snapshot.LocalDir})
	default:
		return memorysnapshot.NewStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (intel.Publisher, func() error, error) {
	if !cfg.PubSub.Enabled {
		return memorypublisher.New(), func() error { return nil }, nil
	}
	pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub publisher: %w", err)
	}
	return pub, pub.Close, nil
}

func buildBackends(cfg config.Config, logger *zap.Logger) []intel.Backend {
	backends := []intel.Backend{
		static.New(static.Config{
			UserAgent:    cfg.Backends.UserAgent,
			Timeout:      time.Duration(cfg.Backends.Static.TimeoutSeconds) * time.Second,
			MaxDiscovery: cfg.Backends.Static.MaxDiscovery,
		}),
	}
	if cfg.Backends.Headless.Enabled {
		hb, err := headless.New(headless.Config{
			MaxParallel:       cfg.Backends.Headless.MaxParallel,
			UserAgent:         cfg.Backends.UserAgent,
			NavigationTimeout: time.Duration(cfg.Backends.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless backend init failed", zap.Error(err))
		} else {
			backends = append(backends, hb)
		}
	}
	if cfg.Backends.Managed.Enabled {
		mb, err := managed.New(managed.Config{
			BaseURL: cfg.Backends.Managed.BaseURL,
			APIKey:  cfg.Backends.Managed.APIKey,
			Timeout: time.Duration(cfg.Backends.Managed.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			logger.Warn("managed backend init failed", zap.Error(err))
		} else {
			backends = append(backends, mb)
		}
	}
	return backends
}
