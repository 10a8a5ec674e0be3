// Package scheduler drives the pipeline's fixed daily cadence: ingestion at
// the top of even hours from 08:00 to 22:00, period merge shortly after, global merge shortly
// after that, and a nightly category-metrics recompute. Overlapping runs of
// the same (stage, window) are skipped rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"manifold/internal/clock"
	"manifold/internal/logging"
	"manifold/internal/pipeline"
)

// StageDeadline is the soft deadline each stage run gets before it stops
// accepting new work and finalizes with whatever it has. Stage
// implementations are expected to respect ctx.Done() at cluster/item
// boundaries; the PipelineRun still gets finalized (success-with-partial or
// failed) rather than left running forever.
const StageDeadline = 15 * time.Minute

// IngestionFunc scrapes every configured platform and returns how many
// SourceItems were inserted.
type IngestionFunc func(ctx context.Context) (int, error)

// StageFunc runs one merge stage against window and reports its own result
// blob for the PipelineRun audit row.
type StageFunc func(ctx context.Context, window string) (outputCount int, result map[string]any, err error)

// MetricsFunc recomputes the category-level metrics rollup used by
// downstream consumers; it has no window of its own.
type MetricsFunc func(ctx context.Context) (outputCount int, result map[string]any, err error)

// Scheduler owns the cron schedule and the mutual-exclusion locks that keep
// two invocations of the same stage+window from running concurrently.
type Scheduler struct {
	Cron *cron.Cron

	Runs            pipeline.Store
	Ingest          IngestionFunc
	PeriodMerge     StageFunc
	GlobalMerge     StageFunc
	CategoryMetrics MetricsFunc
	Clock           clock.Clock

	// locks guards against a stage+window pair running twice concurrently,
	// e.g. a slow period merge still in flight when the next cron tick for
	// the same window fires. Keyed by "stage:window".
	locks sync.Map // map[string]*sync.Mutex
}

// New builds a Scheduler with an unstarted cron instance.
func New(runs pipeline.Store, ingest IngestionFunc, periodMerge, globalMerge StageFunc, metrics MetricsFunc) *Scheduler {
	return &Scheduler{
		Cron:            cron.New(),
		Runs:            runs,
		Ingest:          ingest,
		PeriodMerge:     periodMerge,
		GlobalMerge:     globalMerge,
		CategoryMetrics: metrics,
		Clock:           clock.Real{},
	}
}

func (s *Scheduler) now() clock.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return clock.Real{}
}

// Register wires the fixed spec.md §4.9 cadence onto the cron instance:
// ingestion at 8/10/12/14/16/18/20/22, period merge at 12:15/18:15/22:15,
// global merge at 12:30/18:30/22:30, category metrics nightly at 01:00.
func (s *Scheduler) Register() error {
	specs := []struct {
		expr string
		run  func(ctx context.Context)
	}{
		{"0 8,10,12,14,16,18,20,22 * * *", s.runIngestion},
		{"15 12,18,22 * * *", s.runPeriodMerge},
		{"30 12,18,22 * * *", s.runGlobalMerge},
		{"0 1 * * *", s.runCategoryMetrics},
	}
	for _, sp := range specs {
		run := sp.run
		if _, err := s.Cron.AddFunc(sp.expr, func() { run(context.Background()) }); err != nil {
			return fmt.Errorf("scheduler: register %q: %w", sp.expr, err)
		}
	}
	return nil
}

// Start registers the schedule (if not already) and starts the cron loop.
func (s *Scheduler) Start() error {
	if len(s.Cron.Entries()) == 0 {
		if err := s.Register(); err != nil {
			return err
		}
	}
	s.Cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
}

func (s *Scheduler) tryLock(key string) (func(), bool) {
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func (s *Scheduler) runIngestion(ctx context.Context) {
	window := clock.ID(s.now().Now())
	unlock, ok := s.tryLock("ingestion:" + window)
	if !ok {
		logging.Log.WithField("window", window).Warn("scheduler: ingestion already running for this window, skipping")
		return
	}
	defer unlock()

	_, err := pipeline.WithRun(ctx, s.Runs, "ingestion", window, func(ctx context.Context, run *pipeline.Run) (int, map[string]any, error) {
		count, err := s.Ingest(ctx)
		run.InputCount = count
		return count, map[string]any{"inserted": count}, err
	})
	if err != nil {
		logging.Log.WithError(err).WithField("window", window).Error("scheduler: ingestion failed")
	}
}

func (s *Scheduler) runPeriodMerge(ctx context.Context) {
	s.runStage(ctx, "period_merge", s.PeriodMerge)
}

func (s *Scheduler) runGlobalMerge(ctx context.Context) {
	s.runStage(ctx, "global_merge", s.GlobalMerge)
}

func (s *Scheduler) runStage(ctx context.Context, stage string, fn StageFunc) {
	if fn == nil {
		return
	}
	window := clock.ID(s.now().Now())
	unlock, ok := s.tryLock(stage + ":" + window)
	if !ok {
		logging.Log.WithFields(map[string]any{"stage": stage, "window": window}).Warn("scheduler: stage already running for this window, skipping")
		return
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, StageDeadline)
	defer cancel()

	_, err := pipeline.WithRun(ctx, s.Runs, stage, window, func(ctx context.Context, run *pipeline.Run) (int, map[string]any, error) {
		return fn(ctx, window)
	})
	if err != nil {
		logging.Log.WithError(err).WithFields(map[string]any{"stage": stage, "window": window}).Error("scheduler: stage failed")
	}
}

func (s *Scheduler) runCategoryMetrics(ctx context.Context) {
	unlock, ok := s.tryLock("category_metrics")
	if !ok {
		logging.Log.Warn("scheduler: category metrics recompute already running, skipping")
		return
	}
	defer unlock()

	_, err := pipeline.WithRun(ctx, s.Runs, "category_metrics", "", func(ctx context.Context, run *pipeline.Run) (int, map[string]any, error) {
		if s.CategoryMetrics == nil {
			return 0, nil, nil
		}
		return s.CategoryMetrics(ctx)
	})
	if err != nil {
		logging.Log.WithError(err).Error("scheduler: category metrics recompute failed")
	}
}
