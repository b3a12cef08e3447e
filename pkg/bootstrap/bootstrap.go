// Package bootstrap wires the pipeline together: config, database,
// tracing, rate buckets, stage bodies, worker pools and maintenance.
package bootstrap

import (
	"context"
	"time"

	"github.com/arxlens/enrichd/pkg/config"
	"github.com/arxlens/enrichd/pkg/database"
	"github.com/arxlens/enrichd/pkg/database/model"
	"github.com/arxlens/enrichd/pkg/logger/log"
	"github.com/arxlens/enrichd/pkg/metrics"
	"github.com/arxlens/enrichd/pkg/pipeline"
	"github.com/arxlens/enrichd/pkg/ratelimit"
	"github.com/arxlens/enrichd/pkg/sql"
	"github.com/arxlens/enrichd/pkg/stage"
	"github.com/arxlens/enrichd/pkg/stages"
	"github.com/arxlens/enrichd/pkg/trace"
)

const serviceName = "enrichd"

// stopDeadline bounds how long workers get to finish their current job
// on shutdown; anything slower is recovered by the lease sweep.
const stopDeadline = 30 * time.Second

// App is the assembled pipeline.
type App struct {
	Config      *config.Config
	Control     *pipeline.Control
	Manager     *pipeline.Manager
	Maintenance *pipeline.Maintenance
}

// Run assembles and starts the pipeline, then blocks until ctx is
// cancelled and the shutdown sequence finishes.
func Run(ctx context.Context) error {
	app, err := Init(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	app.Shutdown()
	return nil
}

// Init brings every component up in dependency order.
func Init(ctx context.Context) (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Log != nil {
		cfg.Log.Normalize()
		if err := log.InitGlobalLogger(cfg.Log); err != nil {
			return nil, err
		}
	}

	if err := trace.InitTracer(serviceName); err != nil {
		// Degrade to no tracing rather than block startup.
		log.Errorf("Failed to init OpenTelemetry tracer: %v", err)
	}
	go func() {
		<-ctx.Done()
		if err := trace.CloseTracer(); err != nil {
			log.Errorf("Failed to close tracer: %v", err)
		}
	}()

	db, err := sql.InitDefault(cfg.Database)
	if err != nil {
		return nil, err
	}
	err = db.AutoMigrate(
		&model.EnrichmentJob{},
		&model.PaperProcessingState{},
		&model.RateLimitBucket{},
	)
	if err != nil {
		return nil, err
	}

	facade := database.GetFacade()
	limiter, err := seedRateBuckets(ctx, cfg, facade.GetRateLimit())
	if err != nil {
		return nil, err
	}

	registry := stage.NewRegistry()
	if err := stages.New(cfg.Stages).RegisterAll(registry); err != nil {
		return nil, err
	}

	deps := &pipeline.Deps{
		Jobs:     facade.GetJob(),
		States:   facade.GetProcessingState(),
		Limiter:  limiter,
		Registry: registry,
		Pipeline: cfg.Pipeline,
	}

	manager := pipeline.NewManager(deps)
	if err := manager.Start(ctx); err != nil {
		return nil, err
	}

	control := pipeline.NewControl(deps, manager)

	maintenance := pipeline.NewMaintenance(deps.Jobs, deps.States, cfg.Pipeline)
	maintenance.BackfillFunc = func(ctx context.Context) error {
		result, err := control.CreateBackfill(ctx, nil)
		if err != nil {
			return err
		}
		log.Infof("Scheduled backfill %s: %d created, %d skipped",
			result.BatchID, result.Created, result.Skipped)
		return nil
	}
	if err := maintenance.Start(ctx); err != nil {
		manager.Stop(stopDeadline)
		return nil, err
	}

	go func() {
		if err := metrics.StartServer(ctx, cfg.GetMetricsPort()); err != nil {
			log.Errorf("Metrics server exited: %v", err)
		}
	}()

	log.Infof("Pipeline up: %d stages registered, metrics on :%d",
		stage.Count(), cfg.GetMetricsPort())
	return &App{
		Config:      cfg,
		Control:     control,
		Manager:     manager,
		Maintenance: maintenance,
	}, nil
}

// Shutdown drains the pipeline: maintenance first so no new sweeps
// race the draining workers, then the pools.
func (a *App) Shutdown() {
	a.Maintenance.Stop()
	a.Manager.Stop(stopDeadline)
	log.Info("Pipeline stopped")
}

// seedRateBuckets upserts the configured provider limits and builds the
// limiter with the matching per-provider minimum delays.
func seedRateBuckets(ctx context.Context, cfg *config.Config, facade database.RateLimitFacadeInterface) (*ratelimit.Limiter, error) {
	limiter := ratelimit.NewLimiter(facade)
	for _, bucket := range stage.Buckets() {
		rl := cfg.GetRateLimit(bucket)
		err := facade.Ensure(ctx, bucket, rl.MaxRequests, rl.WindowSeconds, rl.MinDelayMS)
		if err != nil {
			return nil, err
		}
		if rl.MinDelayMS > 0 {
			limiter.SetMinDelay(bucket, rl.MinDelay())
		}
		log.Infof("Rate bucket %s: %d requests / %s", bucket, rl.MaxRequests, rl.Window())
	}
	return limiter, nil
}
