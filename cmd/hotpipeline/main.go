// Command hotpipeline wires the hot-topic merge pipeline's stores, LLM
// provider, vector store, and merge stages together and runs them on the
// scheduler's fixed cadence until interrupted.
package main

import (
	"context"
	"crypto/sha1"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"manifold/internal/categorymetrics"
	"manifold/internal/classifier"
	"manifold/internal/clock"
	"manifold/internal/config"
	"manifold/internal/embedding"
	"manifold/internal/heat"
	"manifold/internal/itemstore"
	"manifold/internal/llm"
	"manifold/internal/llm/providers"
	"manifold/internal/logging"
	"manifold/internal/observability"
	"manifold/internal/persistence/databases"
	"manifold/internal/pipeline"
	"manifold/internal/scheduler"
	"manifold/internal/scraper"
	"manifold/internal/stage1"
	"manifold/internal/stage2"
	"manifold/internal/summarizer"
	"manifold/internal/topicstore"
)

func main() {
	staticConfig := flag.String("config", "config.yaml", "path to the static YAML tuning file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*staticConfig)
	if err != nil {
		logging.Log.WithError(err).Fatal("hotpipeline: config load failed")
	}
	observability.InitLogger("hotpipeline.log", cfg.LogLevel)
	llm.ConfigureLogging(cfg.LogPayloads, cfg.LogTruncateBytes)

	if cfg.Obs.OTLP != "" {
		shutdown, err := observability.InitOTel(ctx, cfg.Obs)
		if err != nil {
			logging.Log.WithError(err).Warn("hotpipeline: otel init failed, continuing without it")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
			observability.EnableOTelLogging(cfg.Obs.ServiceName)
		}
	}

	httpClient := observability.NewHTTPClient(http.DefaultClient)
	llmProvider, err := providers.Build(cfg, httpClient)
	if err != nil {
		logging.Log.WithError(err).Fatal("hotpipeline: building llm provider failed")
	}
	embedder := embedding.NewClient(cfg.Embedding)

	vectors, err := databases.NewManager(ctx, cfg.Vector)
	if err != nil {
		logging.Log.WithError(err).Fatal("hotpipeline: building vector store failed")
	}
	defer vectors.Close()

	items, topics, runs, catMetrics, err := buildStores(ctx, cfg)
	if err != nil {
		logging.Log.WithError(err).Fatal("hotpipeline: building stores failed")
	}
	metricsRecomputer := categorymetrics.New(topics, catMetrics)

	stage1Stage := stage1.New(items, vectors.Vector, embedder, llmProvider, cfg.Vector.Dimensions)
	stage1Stage.Thresholds = stage1.Thresholds{
		Tvec: cfg.Thresholds.VectorSim,
		Tjac: cfg.Thresholds.Jaccard,
		Nmin: cfg.Thresholds.MinClusterN,
	}
	stage1Stage.Topics = topics
	stage1Stage.EmbeddingProvider = "embedding"
	stage1Stage.EmbeddingModel = cfg.Embedding.Model

	cls := classifier.New(llmProvider)
	cls.Trule = cfg.Thresholds.RuleConf

	summ := summarizer.New(topics, items, llmProvider, embedder, cfg.LLMProvider, cfg.Embedding.Model)
	summ.Vectors = vectors.Vector

	stage2Stage := stage2.New(items, topics, vectors.Vector, llmProvider, cls, summ)
	stage2Stage.Ssim = cfg.Thresholds.SummarySim
	stage2Stage.Cmerge = cfg.Thresholds.MergeConf
	stage2Stage.EmbeddingProvider = "embedding"
	stage2Stage.EmbeddingModel = cfg.Embedding.Model

	// Platform collectors are out of scope; the registry starts empty and is
	// populated by whatever deployment wires real Fetchers in.
	registry := &scraper.Registry{Fetchers: map[string]scraper.Fetcher{}}

	runPeriodMerge := func(ctx context.Context, window string) (int, map[string]any, error) {
		res, err := stage1Stage.Run(ctx, window)
		if err != nil {
			return 0, nil, err
		}
		return res.PendingGlobal, map[string]any{
			"cluster_count":  res.ClusterCount,
			"pending_global": res.PendingGlobal,
			"discarded":      res.Discarded,
			"incidents":      res.Incidents,
		}, nil
	}
	runGlobalMerge := func(ctx context.Context, window string) (int, map[string]any, error) {
		res, err := stage2Stage.Run(ctx, window)
		if err != nil {
			return 0, nil, err
		}
		return res.MergeCount + res.NewCount, map[string]any{
			"merge_count": res.MergeCount,
			"new_count":   res.NewCount,
			"incidents":   res.Incidents,
		}, nil
	}

	runCategoryMetrics := func(ctx context.Context) (int, map[string]any, error) {
		res, err := metricsRecomputer.Recompute(ctx, time.Now())
		if err != nil {
			return 0, nil, err
		}
		return len(res.Items), map[string]any{
			"day":          res.Day.Format("2006-01-02"),
			"per_category": res.Items,
		}, nil
	}

	sched := scheduler.New(runs,
		func(ctx context.Context) (int, error) { return runIngestion(ctx, registry, items, cfg) },
		runPeriodMerge,
		runGlobalMerge,
		runCategoryMetrics,
	)
	if err := sched.Start(); err != nil {
		logging.Log.WithError(err).Fatal("hotpipeline: scheduler start failed")
	}
	logging.Log.Info("hotpipeline: scheduler started")

	<-ctx.Done()
	sched.Stop()
	logging.Log.Info("hotpipeline: shutdown complete")
}

func buildStores(ctx context.Context, cfg config.Config) (itemstore.Store, topicstore.Store, pipeline.Store, categorymetrics.Store, error) {
	if cfg.PostgresDSN == "" {
		return itemstore.NewMemoryStore(), topicstore.NewMemoryStore(), pipeline.NewMemoryStore(), categorymetrics.NewMemoryStore(), nil
	}
	pool, err := databases.OpenPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	items, err := itemstore.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init item store: %w", err)
	}
	topics, err := topicstore.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init topic store: %w", err)
	}
	runs, err := pipeline.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init pipeline run store: %w", err)
	}
	catMetrics, err := categorymetrics.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init category metrics store: %w", err)
	}
	return items, topics, runs, catMetrics, nil
}

// runIngestion fetches every configured platform, inserts the resulting
// records as pendingPeriod SourceItems, and normalizes their heat for the
// current window.
func runIngestion(ctx context.Context, registry *scraper.Registry, items itemstore.Store, cfg config.Config) (int, error) {
	records, fetchErrs := registry.FetchAll(ctx)
	for platform, err := range fetchErrs {
		logging.Log.WithError(err).WithField("platform", platform).Warn("hotpipeline: platform fetch failed")
	}
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now()
	window := clock.ID(now)
	runID := now.UnixNano()
	inserted := 0
	for _, rec := range records {
		it := &itemstore.SourceItem{
			DedupKey:     fmt.Sprintf("%s:%x:%d", rec.Platform, sha1.Sum([]byte(rec.URL)), runID),
			Platform:     rec.Platform,
			Title:        rec.Title,
			Summary:      rec.Summary,
			URL:          rec.URL,
			PublishedAt:  rec.PublishedAt,
			FetchedAt:    now,
			Interactions: rec.Interactions,
			RawHeat:      rec.RawHeat,
			Window:       window,
			Status:       itemstore.StatusPendingPeriod,
		}
		if err := items.Insert(ctx, it); err != nil {
			logging.Log.WithError(err).WithField("platform", rec.Platform).Warn("hotpipeline: insert source item failed")
			continue
		}
		inserted++
	}

	if _, err := heat.Normalize(ctx, items, window, cfg.Heat.PlatformWeights); err != nil {
		return inserted, fmt.Errorf("normalize heat: %w", err)
	}
	return inserted, nil
}
