package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/arxlens/enrichd/pkg/config"
	"github.com/arxlens/enrichd/pkg/database"
	"github.com/arxlens/enrichd/pkg/logger/log"
	"github.com/arxlens/enrichd/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// Maintenance owns the queue's periodic housekeeping: the lease
// reclaim sweep, terminal-job retention cleanup, gauge refresh and the
// optional scheduled backfill.
type Maintenance struct {
	jobs     database.JobFacadeInterface
	states   database.ProcessingStateFacadeInterface
	pipeline *config.PipelineConfig

	// BackfillFunc, when set together with a backfill cron expression,
	// runs a scheduled backfill pass.
	BackfillFunc func(ctx context.Context) error

	cron *cron.Cron
}

func NewMaintenance(jobs database.JobFacadeInterface, states database.ProcessingStateFacadeInterface, pipeline *config.PipelineConfig) *Maintenance {
	return &Maintenance{
		jobs:     jobs,
		states:   states,
		pipeline: pipeline,
		cron:     cron.New(),
	}
}

// Start registers and launches the maintenance schedules.
func (m *Maintenance) Start(ctx context.Context) error {
	reclaimEvery := m.pipeline.GetReclaimInterval()
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", reclaimEvery), func() {
		m.ReclaimOnce(ctx)
	})
	if err != nil {
		return err
	}

	_, err = m.cron.AddFunc("@every 1h", func() {
		m.CleanupOnce(ctx)
	})
	if err != nil {
		return err
	}

	_, err = m.cron.AddFunc("@every 30s", func() {
		m.RefreshStats(ctx)
	})
	if err != nil {
		return err
	}

	if m.pipeline != nil && m.pipeline.BackfillCron != "" && m.BackfillFunc != nil {
		_, err = m.cron.AddFunc(m.pipeline.BackfillCron, func() {
			if err := m.BackfillFunc(ctx); err != nil {
				log.Errorf("Scheduled backfill failed: %v", err)
			}
		})
		if err != nil {
			return err
		}
		log.Infof("Scheduled backfill registered: %s", m.pipeline.BackfillCron)
	}

	m.cron.Start()
	log.Infof("Maintenance started: reclaim every %s, retention %s", reclaimEvery, m.pipeline.GetRetention())
	return nil
}

// Stop halts the schedules; a running task finishes first.
func (m *Maintenance) Stop() {
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Warn("Maintenance tasks still running at stop deadline")
	}
}

// ReclaimOnce sweeps expired leases back to pending. Crashed workers
// are recovered only here.
func (m *Maintenance) ReclaimOnce(ctx context.Context) int {
	count, err := m.jobs.ReclaimExpired(ctx, m.pipeline.GetMaxRetries(), func(stage string) {
		metrics.LeasesReclaimed.Inc(stage)
	})
	if err != nil {
		log.Errorf("Lease reclaim failed: %v", err)
		return 0
	}
	if count > 0 {
		log.Infof("Reclaimed %d expired leases", count)
	}
	return count
}

// CleanupOnce drops terminal jobs past the retention window.
func (m *Maintenance) CleanupOnce(ctx context.Context) int {
	removed, err := m.jobs.Cleanup(ctx, m.pipeline.GetRetention())
	if err != nil {
		log.Errorf("Retention cleanup failed: %v", err)
		return 0
	}
	if removed > 0 {
		log.Infof("Removed %d terminal jobs past retention", removed)
	}
	return removed
}

// RefreshStats publishes queue depth and completeness gauges.
func (m *Maintenance) RefreshStats(ctx context.Context) {
	pending, err := m.jobs.PendingCountsByStage(ctx)
	if err != nil {
		log.Errorf("Queue depth refresh failed: %v", err)
	} else {
		for stageName, count := range pending {
			metrics.QueueDepth.Set(float64(count), stageName)
		}
	}

	dist, err := m.states.CompletenessDistribution(ctx)
	if err != nil {
		log.Errorf("Completeness distribution refresh failed: %v", err)
		return
	}
	for band, count := range dist {
		metrics.CompletenessBucket.Set(float64(count), band)
	}
}
