package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/pixgate/internal/codec"
	"github.com/l0p7/pixgate/internal/config"
	"github.com/l0p7/pixgate/internal/expr"
	"github.com/l0p7/pixgate/internal/logging"
	"github.com/l0p7/pixgate/internal/metrics"
	"github.com/l0p7/pixgate/internal/runtime"
	"github.com/l0p7/pixgate/internal/runtime/admission"
	"github.com/l0p7/pixgate/internal/runtime/cache"
	"github.com/l0p7/pixgate/internal/runtime/origin"
	"github.com/l0p7/pixgate/internal/runtime/planner"
	"github.com/l0p7/pixgate/internal/runtime/ratelimit"
	"github.com/l0p7/pixgate/internal/server"
	"github.com/l0p7/pixgate/internal/templates"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "PIXGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Printf("failed to configure logger: %v", err)
		return fmt.Errorf("configure logger: %w", err)
	}

	application, err := buildApp(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("unable to assemble proxy", slog.Any("error", err))
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := application.Close(shutdownCtx); err != nil {
			logger.Error("shutdown cleanup failed", slog.Any("error", err))
		}
	}()

	srv, err := newHTTPServer(cfg, logger, application.handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		return err
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// app holds the assembled handler and every component that needs releasing.
type app struct {
	handler  http.Handler
	pipeline *runtime.Pipeline
	limiter  *ratelimit.Limiter
	access   *admission.Agent
	watcher  *config.AccessWatcher
}

// Close stops background work and releases the response cache.
func (a *app) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.watcher.Stop()
	a.limiter.Stop()
	return a.pipeline.Close(ctx)
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, reg *prometheus.Registry, originOpts ...origin.Option) (*app, error) {
	recorder := metrics.NewRecorder(reg)

	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("policy environment: %w", err)
	}
	policy, err := expr.NewSourcePolicy(env, cfg.Policy.Sources)
	if err != nil {
		return nil, err
	}
	messages, err := templates.NewMessages(templates.NewRenderer(), cfg.Responses.Messages)
	if err != nil {
		return nil, err
	}

	trusted := append(admission.LoopbackNetworks(), admission.ParsePrefixes(cfg.Access.TrustedProxyIPs)...)
	access := admission.New(admission.Config{
		TrustedNetworks: trusted,
		DevelopmentMode: cfg.Access.DevelopmentMode,
		RequireKey:      cfg.Access.RequireKey,
		Access:          cfg.Access.List(),
	})

	var watcher *config.AccessWatcher
	if strings.TrimSpace(cfg.Access.AccessFile) != "" {
		watchLogger := logger.With(slog.String("agent", "access_watcher"))
		watcher, err = config.WatchAccess(ctx, cfg, func(list config.AccessList) {
			access.SetAccess(list)
			watchLogger.Info("access list loaded",
				slog.Int("api_keys", len(list.APIKeys)),
				slog.Int("admin_tokens", len(list.AdminTokens)),
				slog.Int("admin_ips", len(list.AdminIPs)))
		}, func(err error) {
			watchLogger.Error("access watcher error", slog.Any("error", err))
		})
		if err != nil {
			return nil, fmt.Errorf("watch access file: %w", err)
		}
	}

	limiter := ratelimit.New(ratelimit.Config{
		Limit:         cfg.RateLimit.Limit,
		Window:        cfg.RateLimit.Window,
		SweepInterval: cfg.RateLimit.SweepInterval,
		Logger:        logger,
	})
	limiter.Start(ctx)

	opts := append([]origin.Option{origin.WithRecorder(recorder), origin.WithLogger(logger)}, originOpts...)
	fetcher := origin.New(origin.Config{
		Timeout:               cfg.Origin.Timeout,
		MaxRetries:            cfg.Origin.MaxRetries,
		BackoffBase:           cfg.Origin.BackoffBase,
		MaxBytes:              cfg.Origin.MaxBytes,
		MaxRedirects:          cfg.Origin.MaxRedirects,
		UserAgent:             cfg.Origin.UserAgent,
		HostRequestsPerSecond: cfg.Origin.HostRequestsPerSecond,
		HostBurst:             cfg.Origin.HostBurst,
		AllowPrivateNetworks:  cfg.Origin.AllowPrivateNetworks,
	}, opts...)

	pipe := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Admission: access,
		Planner: planner.New(planner.Config{
			DefaultFormat:   planner.Format(cfg.Transform.DefaultFormat),
			TextAspectRatio: cfg.Transform.TextAspectRatio,
			SmallThreshold:  cfg.Transform.SmallThreshold,
			AlwaysSharpen:   cfg.Transform.AlwaysSharpen,
			AlwaysOptimize:  cfg.Transform.AlwaysOptimize,
			AutoMaxWidth:    cfg.Transform.AutoMaxWidth,
		}),
		Policy:            policy,
		Limiter:           limiter,
		Cache:             buildResponseCache(logger.With(slog.String("agent", "cache_factory")), cfg.Cache),
		CacheKeys:         cache.Keys{Namespace: cfg.Cache.Namespace, Epoch: cfg.Cache.Epoch},
		Fetcher:           fetcher,
		Codec:             codec.New(codec.Config{MaxPixels: cfg.Transform.MaxPixels, Logger: logger}),
		Messages:          messages,
		CORS:              cfg.Server.CORS,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Diagnostics:       cfg.Server.Diagnostics.Enabled,
		Metrics:           recorder,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", server.NewPipelineHandler(pipe))

	logger.Info("proxy assembled",
		slog.String("cache_backend", cfg.Cache.Backend),
		slog.Int("rate_limit", cfg.RateLimit.Limit),
		slog.Duration("rate_window", cfg.RateLimit.Window),
		slog.Int("policy_rules", policy.Len()),
		slog.String("default_format", cfg.Transform.DefaultFormat))

	return &app{handler: mux, pipeline: pipe, limiter: limiter, access: access, watcher: watcher}, nil
}

func buildResponseCache(logger *slog.Logger, cfg config.CacheConfig) cache.ResponseCache {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory response cache", slog.Int("max_entries", cfg.MaxEntries), slog.Duration("ttl", cfg.TTL))
		return cache.NewMemory(cfg.MaxEntries, cfg.TTL)
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			TTL: cfg.TTL,
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(cfg.MaxEntries, cfg.TTL)
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return redisCache
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(cfg.MaxEntries, cfg.TTL)
	}
}
