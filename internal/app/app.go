// Package app wires configuration into running processes: the postgres
// pool, redis client, migrations, cluster/cloud adapters, metrics
// registry, status server, and the mode-selected worker loop(s). This
// mirrors the teacher's own top-level wiring shape (one Run entrypoint
// building concrete dependencies and handing them to long-running
// components under an errgroup).
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/wisbric/nightowl/internal/availability"
	"github.com/wisbric/nightowl/internal/clusteradapter"
	"github.com/wisbric/nightowl/internal/config"
	"github.com/wisbric/nightowl/internal/locking"
	"github.com/wisbric/nightowl/internal/platform"
	"github.com/wisbric/nightowl/internal/processor"
	"github.com/wisbric/nightowl/internal/statusserver"
	"github.com/wisbric/nightowl/internal/sweeper"
	"github.com/wisbric/nightowl/internal/telemetry"
)

// Run builds every dependency from cfg and runs the components cfg.Mode
// selects until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	compute, err := newCompute(cfg)
	if err != nil {
		return fmt.Errorf("building cluster adapter: %w", err)
	}
	storage, err := newStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building cloud storage adapter: %w", err)
	}

	registry := telemetry.NewMetricsRegistry(telemetry.All()...)
	status := statusserver.New(cfg.Mode, pool, rdb, registry)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv := &http.Server{Addr: cfg.ListenAddr(), Handler: status}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("status server listening", "addr", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})

	runProcessor := cfg.Mode == "processor" || cfg.Mode == "all"
	runTracker := cfg.Mode == "tracker" || cfg.Mode == "all"
	runSweeper := cfg.Mode == "sweeper" || cfg.Mode == "all"

	if runProcessor {
		p := processor.New(pool, compute, storage, logger.With("component", "processor"), processor.Config{
			PollInterval:         time.Duration(cfg.PollIntervalSeconds) * time.Second,
			VisibilityTimeout:    time.Duration(cfg.VisibilityTimeoutSecs) * time.Second,
			BatchSize:            cfg.BatchSize,
			MaxReservationHours:  float64(cfg.MaxReservationHours),
			DefaultDurationHours: float64(cfg.DefaultDurationHours),
			PerUserActiveCap:     cfg.PerUserActiveCap,
			MultiNodeCapNodes:    cfg.MultiNodeCapNodes,
			CPUSlotsPerNode:      cfg.CPUSlotsPerNode,
			KubeNamespace:        cfg.KubeNamespace,
			SandboxBaseImage:     cfg.SandboxBaseImage,
			GracePeriodSeconds:   cfg.GracePeriodSeconds,
		})
		g.Go(func() error { return p.Run(ctx) })
	}

	if runTracker {
		lock := locking.NewTickLock(rdb, "availability-tracker")
		t := availability.New(pool, compute, storage, lock, logger.With("component", "tracker"), availability.Config{
			TickInterval:      time.Duration(cfg.TickIntervalSeconds) * time.Second,
			TickHardTimeout:   time.Duration(cfg.TickHardTimeoutSeconds) * time.Second,
			MultiNodeCapNodes: cfg.MultiNodeCapNodes,
			CPUSlotsPerNode:   cfg.CPUSlotsPerNode,
			KubeNamespace:     cfg.KubeNamespace,
			EBSVolumeTag:      cfg.EBSVolumeTag,
		})
		g.Go(func() error { return t.Run(ctx) })
	}

	if runSweeper {
		lock := locking.NewTickLock(rdb, "expiry-sweeper")
		s := sweeper.New(pool, compute, storage, lock, logger.With("component", "sweeper"), sweeper.Config{
			TickInterval:           time.Duration(cfg.TickIntervalSeconds) * time.Second,
			TickHardTimeout:        time.Duration(cfg.TickHardTimeoutSeconds) * time.Second,
			GracePeriod:            time.Duration(cfg.GracePeriodSeconds) * time.Second,
			WarningMinutes:         cfg.WarningMinutes,
			StuckPreparing:         time.Duration(cfg.StuckPreparingMinutes) * time.Minute,
			StuckQueued:            time.Duration(cfg.StuckQueuedMinutes) * time.Minute,
			SnapshotRetentionCount: cfg.SnapshotRetentionCount,
			SoftDeleteRetention:    time.Duration(cfg.SoftDeleteRetentionDays) * 24 * time.Hour,
			KubeNamespace:          cfg.KubeNamespace,
		})
		g.Go(func() error { return s.Run(ctx) })
	}

	if !runProcessor && !runTracker && !runSweeper {
		return fmt.Errorf("unknown mode %q, want one of processor/tracker/sweeper/all", cfg.Mode)
	}

	return g.Wait()
}

func newCompute(cfg *config.Config) (clusteradapter.Compute, error) {
	var restConfig *rest.Config
	var err error
	if cfg.KubeConfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeConfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building kube rest config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("building kube clientset: %w", err)
	}
	return clusteradapter.NewClientsetCompute(clientset, restConfig), nil
}

func newStorage(ctx context.Context, cfg *config.Config) (clusteradapter.Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return clusteradapter.NewEC2Storage(ec2.NewFromConfig(awsCfg)), nil
}
