package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hybridexec/internal/arbiter"
	"hybridexec/internal/audit"
	"hybridexec/internal/cache"
	"hybridexec/internal/config"
	"hybridexec/internal/engine"
	"hybridexec/internal/executor"
	"hybridexec/internal/logging"
	"hybridexec/internal/metrics"
	"hybridexec/internal/plan"
	"hybridexec/internal/policy"
	"hybridexec/internal/routing"
	"hybridexec/internal/scheduler"
	"hybridexec/internal/server"
	"hybridexec/internal/signals"
	"hybridexec/internal/tracing"
	"hybridexec/internal/types"
)

// app is the fully wired process: every component built from one config.
type app struct {
	cfg *config.Config
	log *zap.Logger

	registry *prometheus.Registry
	recorder *audit.Recorder
	cache    *cache.Cache
	feed     signals.Feed
	host     *signals.HostFeed // nil unless signals come from the host
	policy   *policy.Engine
	manager  *executor.Manager

	traceShutdown func(context.Context) error
}

func newApp(cfg *config.Config, log *zap.Logger, traceOut io.Writer) (*app, error) {
	if err := logging.Configure(cfg.Logging.Options()); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	logging.Boot("Building %s (simulate=%v safe_mode=%v)", cfg.Name, cfg.Engines.Simulate, cfg.SafeMode)

	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exp, err := metrics.New(cfg.Telemetry.MetricsNamespace, a.registry, metrics.Options{})
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a.traceShutdown, err = tracing.Init(tracing.Options{
		Exporter:    cfg.Telemetry.TraceExporter,
		ServiceName: cfg.Telemetry.ServiceName,
		Writer:      traceOut,
	})
	if err != nil {
		return nil, err
	}

	sink, err := audit.OpenSink(cfg.Audit)
	if err != nil {
		_ = a.traceShutdown(context.Background())
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	a.recorder = audit.NewRecorder(sink, cfg.Audit.BufferSize)

	a.feed, a.host, err = buildFeed(cfg.Signals, cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	a.policy, err = policy.Load(cfg.Policy)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load policy: %w", err)
	}

	factory := engine.NewFactory(engine.Config{
		Simulate:      cfg.Engines.Simulate,
		OllamaBaseURL: cfg.Engines.Ollama.BaseURL,
		OllamaTimeout: cfg.GetOllamaTimeout(),
		GenAIAPIKey:   cfg.Engines.GenAI.APIKey,
		GenAITimeout:  cfg.GetGenAITimeout(),
		Simulated: engine.SimulatedConfig{
			ChunkDelay: cfg.GetSimulatedChunkDelay(),
			Chunks:     cfg.Engines.Simulated.Chunks,
		},
	})
	a.cache = cache.New(cache.Config{
		Capacity:      cfg.Cache.Capacity,
		IdleThreshold: cfg.GetIdleThreshold(),
		OSReserve:     cfg.Cache.OSReserveBytes(),
	}, factory)

	a.manager, err = executor.New(executor.Config{
		BackgroundSoftTimeout: cfg.GetBackgroundSoftTimeout(),
		JanitorInterval:       cfg.GetJanitorInterval(),
		IdleThreshold:         cfg.GetIdleThreshold(),
		Retention:             cfg.Scheduler.Retention,
		StreamWindow:          cfg.Scheduler.StreamWindow,
		MaxResults:            cfg.Scheduler.MaxResults,
		SafeMode:              cfg.SafeMode,
	}, executor.Deps{
		Scheduler: scheduler.New(scheduler.Config{
			MaxQueueDepth: cfg.Scheduler.MaxQueueDepth,
			Retention:     cfg.Scheduler.Retention,
		}),
		Cache: a.cache,
		Arbiter: arbiter.New(arbiter.Config{
			RefineOverlap:       cfg.Arbiter.RefineOverlap,
			PreemptSimilarity:   cfg.Arbiter.PreemptSimilarity,
			AmbiguousRefines:    cfg.Arbiter.AmbiguousRefines,
			ContinuationMarkers: cfg.Arbiter.ContinuationMarkers,
		}),
		Plans:      plan.NewStore(64),
		Router:     routing.New(routing.FromConfig(cfg.Routing)),
		Classifier: engine.NewHeuristicClassifier(),
		Signals:    a.feed,
		Policy:     a.policy,
		Audit:      a.recorder,
		Metrics:    exp,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func buildFeed(sc config.SignalsConfig, cfg *config.Config) (signals.Feed, *signals.HostFeed, error) {
	thermal, err := types.ParseThermalLevel(sc.Thermal)
	if err != nil {
		return nil, nil, err
	}
	switch sc.Source {
	case "static":
		f := signals.NewNominalFeed(sc.MemoryBudgetBytes())
		f.SetThermal(thermal)
		return f, nil, nil
	case "", "host":
		h := signals.NewHostFeed(signals.HostConfig{
			MemoryBudget:  sc.MemoryBudgetBytes(),
			WarningRatio:  sc.WarningRatio,
			CriticalRatio: sc.CriticalRatio,
			ProbeAddress:  sc.ProbeAddress,
			ProbeTimeout:  cfg.GetProbeTimeout(),
			PollInterval:  cfg.GetSignalPollInterval(),
			Thermal:       thermal,
		})
		return h, h, nil
	default:
		return nil, nil, fmt.Errorf("unknown signals source %q", sc.Source)
	}
}

// run drives the manager, the host signal poller, the optional HTTP server
// and the config watcher until ctx is done.
func (a *app) run(ctx context.Context, serve bool, configPath string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.manager.Run(gctx) })
	if a.host != nil {
		g.Go(func() error { return a.host.Run(gctx) })
	}
	if serve {
		srv := server.New(a.manager, server.Options{
			Addr:            a.cfg.Server.Addr,
			ShutdownTimeout: a.cfg.GetShutdownTimeout(),
			Gatherer:        a.registry,
			Policy:          a.policy,
			MaxConnections:  a.cfg.Server.MaxConnections,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			w, err := config.NewWatcher(configPath, a.reload)
			if err != nil {
				a.log.Warn("Config watcher unavailable", zap.Error(err))
			} else if err := w.Start(gctx); err != nil {
				a.log.Warn("Config watcher failed to start", zap.Error(err))
			} else {
				defer w.Stop()
			}
		}
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	// The running slot has been signalled; give it the drain window to stop.
	select {
	case err := <-done:
		return err
	case <-time.After(a.cfg.GetDrainTimeout()):
		return errors.New("timed out draining the running execution")
	}
}

// reload applies the hot-reloadable parts of a changed config file. The
// watcher has already validated next.
func (a *app) reload(next *config.Config) {
	a.manager.SetSafeMode(next.SafeMode)
	if err := a.policy.Reload(next.Policy); err != nil {
		a.log.Warn("Policy reload failed, keeping previous rules", zap.Error(err))
	}
	if a.host != nil {
		if level, err := types.ParseThermalLevel(next.Signals.Thermal); err == nil {
			a.host.SetThermal(level)
		}
	}
	a.log.Info("Config reloaded", zap.Bool("safe_mode", next.SafeMode))
}

// close releases runtimes, the audit sink and the tracer. Call after run.
func (a *app) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Warn("Closing audit sink", zap.Error(err))
		}
	}
	if a.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.traceShutdown(ctx)
	}
	logging.CloseAll()
}
