package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	apiserver "github.com/steambundleapi/bundleapi/internal/api_server"
	"github.com/steambundleapi/bundleapi/internal/api_server/middleware"
	"github.com/steambundleapi/bundleapi/internal/bundles"
	"github.com/steambundleapi/bundleapi/internal/config"
	"github.com/steambundleapi/bundleapi/internal/instrumentation/metrics"
	"github.com/steambundleapi/bundleapi/internal/instrumentation/tracing"
	"github.com/steambundleapi/bundleapi/internal/ratelimit"
	"github.com/steambundleapi/bundleapi/internal/watchdog"
	"github.com/steambundleapi/bundleapi/pkg/kvconfig"
	"github.com/steambundleapi/bundleapi/pkg/log"
	"github.com/steambundleapi/bundleapi/pkg/shutdown"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "bundleapi"

func NewServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewFromFile(*configFile)
			if err != nil {
				return fmt.Errorf("reading configuration: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.InitLogs(cfg.LogLevel(), cfg.IsProduction())
	logger.Println("Starting bundle API service")
	defer logger.Println("Bundle API service stopped")
	logger.Printf("Using config: %s", cfg)
	if cfg.Auth.APIKey.Value() == "" {
		logger.Warn("No API key configured, administrative routes are open")
	}

	manager := shutdown.NewManager(logger)

	tracerShutdown, err := tracing.InitTracer(logger, cfg, serviceName)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	// cleanups run in reverse order, so the tracer flushes last
	manager.AddCleanup("tracer", tracerShutdown)

	wd := watchdog.New(logger.WithField("pkg", "watchdog"), cfg.Watchdog.HeapCeiling, time.Duration(cfg.Watchdog.Interval))
	if cfg.Watchdog.SetMemoryLimit {
		wd.ApplyMemoryLimit()
	}

	store := bundles.NewFileStore(cfg.Service.DataDir, cfg.Validation.MaxLimit)
	manager.AddServer("bundle-watcher", shutdown.ServerFunc(func(ctx context.Context) error {
		return store.Watch(ctx, logger.WithField("pkg", "bundles"))
	}))
	deps := apiserver.Dependencies{
		Store:       store,
		HeapCeiling: cfg.Watchdog.HeapCeiling,
	}

	switch cfg.RateLimit.Store {
	case config.RateLimitStoreRedis:
		client, err := kvconfig.NewClient(cfg.KV)
		if err != nil {
			return fmt.Errorf("creating redis client: %w", err)
		}
		admin := ratelimit.NewRedisCounter(client, serviceName+":ratelimit:"+middleware.ScopeAdmin)
		deps.AdminCounter = admin
		deps.PublicCounter = ratelimit.NewRedisCounter(client, serviceName+":ratelimit:"+middleware.ScopePublic)
		deps.Checks = append(deps.Checks, apiserver.HealthCheckerFunc(admin.Ping))
		manager.AddCleanup("redis", shutdown.CloseFunc(client.Close))
		logger.Infof("Rate limit counters stored in redis at %s", client.Options().Addr)
	default:
		deps.AdminCounter = ratelimit.NewMemoryCounter()
		deps.PublicCounter = ratelimit.NewMemoryCounter()
	}
	manager.AddCleanup("rate-limit-counters", func(context.Context) error {
		if err := deps.AdminCounter.Close(); err != nil {
			return err
		}
		return deps.PublicCounter.Close()
	})

	trigger := bundles.NewTrigger(logger.WithField("pkg", "updater"), cfg.Updater)
	deps.Trigger = trigger
	manager.AddServer("updater", trigger)
	if cfg.Updater.Schedule != "" {
		scheduler, err := bundles.NewScheduler(logger.WithField("pkg", "scheduler"), cfg.Updater.Schedule, bundles.OpForceUpdate, trigger.Enqueue)
		if err != nil {
			return err
		}
		manager.AddServer("scheduler", scheduler)
	}

	var collectors []prometheus.Collector
	if cfg.Metrics.Enabled {
		admission := metrics.NewAdmissionCollector()
		deps.Recorder = admission
		deps.Observer = admission
		collectors = append(collectors, admission,
			metrics.NewSystemCollector(ctx, time.Duration(cfg.Metrics.SystemCollectorInterval), cfg.Service.DataDir))
	}

	listener, err := middleware.NewListener(cfg.Service.Address, cfg.Service.HttpMaxConnections)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}
	server := apiserver.New(logger, cfg, listener, deps)

	manager.AddServer("api", server)
	manager.AddServer("watchdog", shutdown.ServerFunc(func(ctx context.Context) error {
		wd.Run(ctx)
		return nil
	}))
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewMetricsServer(logger.WithField("pkg", "metrics"), collectors...)
		manager.AddServer("metrics", shutdown.ServerFunc(func(ctx context.Context) error {
			return metricsServer.Run(ctx,
				metrics.WithListenAddr(cfg.Metrics.Address),
				metrics.WithProfiling(cfg.Metrics.ProfilingEnabled),
				metrics.WithHandlerWrapper(func(h http.Handler) http.Handler {
					return otelhttp.NewHandler(h, "metrics")
				}),
			)
		}))
	}

	if err := manager.Run(ctx); err != nil {
		logger.WithError(err).Error("Service stopped with error")
		return err
	}
	return nil
}
