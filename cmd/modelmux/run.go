package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/modelmux/modelmux/internal/app"
	"github.com/modelmux/modelmux/internal/auth"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/inspect"
	"github.com/modelmux/modelmux/internal/monitor"
	"github.com/modelmux/modelmux/internal/plugin"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/route"
	"github.com/modelmux/modelmux/internal/server"
	"github.com/modelmux/modelmux/internal/shadow"
	"github.com/modelmux/modelmux/internal/storage/sqlite"
	"github.com/modelmux/modelmux/internal/telemetry"
	"github.com/modelmux/modelmux/internal/tokencount"
	"github.com/modelmux/modelmux/internal/upstream"
	"github.com/modelmux/modelmux/internal/worker"
)

const dnsRefreshInterval = 5 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Server.Version = version

	slog.Info("starting modelmux", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Tracing (optional)
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	// Storage
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Metrics register on the default registry, served at /metrics.
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// Shared DNS cache for all upstream HTTP clients.
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(dnsRefreshInterval)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()

	// Upstream pool
	reg := upstream.NewRegistry()
	initialWeights := make(map[string]float64, len(cfg.Upstreams))
	for _, e := range cfg.Upstreams {
		if !e.IsEnabled() {
			continue
		}
		ucfg := upstream.Config{
			Name:           e.Name,
			DefaultModel:   e.DefaultModel,
			Aliases:        e.Aliases,
			Priority:       e.Priority,
			Weight:         float64(e.Weight),
			QuotaWindow:    e.QuotaWindow,
			CooldownTime:   e.CooldownTime,
			Timeouts:       upstream.Timeouts(e.Timeouts),
			SupportsStream: e.Streams(),
			Secure:         e.Secure,
			Strengths:      e.Strengths,
			MaxRetries:     e.MaxRetries,
		}
		var u upstream.Upstream
		switch e.Kind {
		case "process":
			u = upstream.NewProcess(ucfg, e.Command, e.Args)
		default:
			client := upstream.NewHTTPClient(resolver, ucfg.Timeouts, false)
			u = upstream.NewHTTP(ucfg, e.BaseURL, e.APIKey, client)
		}
		if err := reg.Register(u); err != nil {
			return err
		}
		initialWeights[e.Name] = float64(e.Weight)
	}

	// Routing
	weights := route.NewWeights(initialWeights)
	router := route.New(weights, cfg.Routing.AIRoutingRate)

	// Response cache
	var respCache cache.Cache
	if cfg.Cache.Backend == "remote" && cfg.Cache.RedisURL != "" {
		respCache, err = cache.NewRemote(cfg.Cache.RedisURL, cfg.Cache.MaxSize, cfg.Cache.TTL)
	} else {
		respCache, err = cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.TTL)
	}
	if err != nil {
		return err
	}

	// Execution pipeline
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorThresholdPct: cfg.Breaker.ErrorThresholdPct,
		VolumeThreshold:   cfg.Breaker.VolumeThreshold,
		RollingWindow:     cfg.Breaker.RollingWindow,
		ResetTimeout:      cfg.Breaker.ResetTimeout,
	})
	executor := app.NewExecutor(reg, respCache, breakers, metrics, slog.Default())

	// Admission control
	limiter := ratelimit.NewLimiter(cfg.RateLimit.Window, cfg.RateLimit.Precision, cfg.RateLimit.MaxRequests)
	budget := ratelimit.NewBudgetManager(cfg.Budget.Period, cfg.Budget.WarnThreshold)

	apiKeyAuth, err := auth.New(store, cfg.Auth.APIKey, cfg.Auth.AdminKey)
	if err != nil {
		return err
	}

	// Evaluation loop
	queue := shadow.NewQueue(cfg.Shadow.QueueSize)
	collector := shadow.NewCollector(100)
	var sampler *shadow.Sampler
	if cfg.Shadow.Enabled {
		sampler = shadow.NewSampler(shadow.SamplerConfig{
			Rate:          cfg.Shadow.Rate,
			MaxConcurrent: cfg.Shadow.MaxConcurrent,
			Exclude:       cfg.Shadow.Exclude,
		}, reg, queue, metrics, slog.Default())
	}
	var optimizer *shadow.Optimizer
	if cfg.Optimizer.Enabled {
		optimizer = shadow.NewOptimizer(shadow.OptimizerConfig{
			LearningRate:   cfg.Optimizer.LearningRate,
			MinWeight:      cfg.Optimizer.MinWeight,
			MaxWeight:      cfg.Optimizer.MaxWeight,
			MaxChange:      cfg.Optimizer.MaxChange,
			MinComparisons: cfg.Optimizer.MinComparisons,
		}, weights, collector, metrics, slog.Default())
	}

	mon := monitor.New(monitor.DefaultThresholds(), 0, slog.Default())
	inspector := inspect.New(256)
	plugins := plugin.NewRegistry(slog.Default())
	usageRec := worker.NewUsageRecorder(store, metrics)

	// Background workers
	workers := []worker.Worker{
		usageRec,
		mon,
		worker.NewSweepWorker(limiter, 0),
		worker.NewBudgetResetWorker(budget),
		worker.NewWebhookNotifier(budget.Events(), store),
	}
	if cfg.Judge.Enabled {
		if judgeUp := reg.Get(cfg.Judge.Provider); judgeUp != nil {
			judge := shadow.NewJudge(judgeUp, cfg.Judge.Model, slog.Default())
			workers = append(workers, worker.NewJudgeWorker(queue, judge, collector, 0))
		} else {
			slog.Warn("judge provider not registered, judging disabled", "provider", cfg.Judge.Provider)
		}
	}
	if optimizer != nil {
		workers = append(workers, worker.NewOptimizerWorker(optimizer, cfg.Optimizer.UpdateInterval))
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	runner := worker.NewRunner(workers...)
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(workerCtx) }()

	handler := server.New(server.Deps{
		Auth:            apiKeyAuth,
		Executor:        executor,
		Router:          router,
		Upstreams:       reg,
		Breakers:        breakers,
		Cache:           respCache,
		Limiter:         limiter,
		Budget:          budget,
		Tokens:          tokencount.NewCounter(),
		Sampler:         sampler,
		Queue:           queue,
		Collector:       collector,
		Optimizer:       optimizer,
		Weights:         weights,
		Inspector:       inspector,
		Monitor:         mon,
		Metrics:         metrics,
		Store:           store,
		Plugins:         plugins,
		Usage:           usageRec,
		AuthRequired:    cfg.Auth.Required,
		DefaultProvider: cfg.Routing.DefaultProvider,
		Version:         version,
	})

	// No TimeoutHandler here: it would strip http.Flusher and break SSE.
	// Per-request deadlines come from upstream adapter timeouts plus the
	// server read/write timeouts.
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("modelmux ready", "addr", cfg.Server.Addr, "upstreams", reg.Names())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Let in-flight shadow calls land, then drain the workers.
	if sampler != nil {
		sampler.Flush()
	}
	stopWorkers()
	select {
	case err := <-workersDone:
		if err != nil {
			slog.Error("worker error during shutdown", "error", err)
		}
	case <-shutdownCtx.Done():
		slog.Warn("workers did not drain before shutdown deadline")
	}

	slog.Info("modelmux stopped")
	return nil
}
