package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stratumlabs/stratum/internal/agent"
	"github.com/stratumlabs/stratum/internal/agent/providers"
	"github.com/stratumlabs/stratum/internal/agent/routing"
	"github.com/stratumlabs/stratum/internal/cache"
	"github.com/stratumlabs/stratum/internal/channels"
	"github.com/stratumlabs/stratum/internal/channels/discord"
	"github.com/stratumlabs/stratum/internal/channels/slack"
	"github.com/stratumlabs/stratum/internal/channels/telegram"
	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/observability"
	"github.com/stratumlabs/stratum/internal/ratelimit"
	"github.com/stratumlabs/stratum/internal/security"
	"github.com/stratumlabs/stratum/internal/sessions"
	"github.com/stratumlabs/stratum/internal/tools"
)

const drainTimeout = 15 * time.Second

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "stratum.yaml", "Path to configuration file")
	return cmd
}

func buildCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "stratum.yaml", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(nil)

	logger.Info(ctx, "starting stratum", "version", version)

	// Response cache, with the shared Redis tier when configured.
	var completionCache *cache.Cache
	var redisClient *redis.Client
	if cfg.Cache.Enabled {
		var remote cache.Remote
		if cfg.Cache.RedisAddr != "" {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Cache.RedisAddr,
				Password: cfg.Cache.RedisPassword,
				DB:       cfg.Cache.RedisDB,
			})
			defer redisClient.Close()
			remote = cache.NewRedisRemote(redisClient)
		}
		completionCache = cache.New(cache.Options{
			MaxEntries:           cfg.Cache.L1MaxEntries,
			MaxBytes:             cfg.Cache.L1MaxBytes,
			TTL:                  time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			TemperatureThreshold: cfg.Cache.TemperatureThreshold,
			Remote:               remote,
			Logger:               logger,
			Metrics:              metrics,
		})
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit, metrics)
	defer limiter.Close()

	// LLM providers in config order.
	instances := make(map[string]providers.Provider)
	for _, pc := range cfg.Router.Providers {
		p, err := buildProvider(pc)
		if err != nil {
			return err
		}
		instances[pc.Name] = p
	}
	if len(instances) == 0 {
		return fmt.Errorf("no providers configured")
	}
	router := routing.NewRouter(cfg.Router, instances, completionCache, logger, metrics)

	// Tool registry with builtins rooted at the working directory.
	registry := tools.NewRegistry()
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	if err := tools.RegisterBuiltins(registry, workDir); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	// Security pipeline: gate, pattern vetter, then the semantic vetter when
	// enabled. Order matters; cheap filters run first.
	filters := []security.ToolFilter{
		security.NewToolGate(cfg.Security.Tools),
		security.NewPatternVetter(),
	}
	if cfg.Security.SemanticVetter.Enabled {
		filters = append(filters, security.NewSemanticVetter(
			router, cfg.Security.SemanticVetter.Provider, cfg.Security.SemanticVetter.Model))
	}
	pipeline := security.NewPipeline(security.NewSanitizer(), filters, logger, metrics)

	// Session store: SQLite when a path is configured, memory otherwise.
	var store sessions.Store
	if cfg.Session.StorePath != "" {
		store, err = sessions.NewSQLiteStore(cfg.Session.StorePath)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
	} else {
		store = sessions.NewMemoryStore()
	}
	manager := sessions.NewManager(store, cfg.Session, logger, metrics)

	guard := security.NewGuard(cfg.Executor.MaxConcurrentPerUser, cfg.Executor.ToolTimeout)
	defer guard.Close()
	executor := agent.NewExecutor(registry, pipeline, guard, manager, logger, metrics)
	loop := agent.NewLoop(router, registry, executor, manager, cfg.Agent, logger)

	// Transports.
	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no channels enabled")
	}

	var pumps []*channels.Pump
	for _, a := range adapters {
		p := channels.NewPump(a, limiter, pipeline, manager, loop, cfg.Pump, logger, metrics)
		if err := p.Start(ctx); err != nil {
			return err
		}
		logger.Info(ctx, "channel started", "channel", string(a.Type()))
		pumps = append(pumps, p)
	}

	metricsServer := startMetricsServer(cfg.Server.MetricsPort, logger)

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for _, p := range pumps {
		if err := p.Stop(drainCtx); err != nil {
			logger.Warn(drainCtx, "pump stop failed", "error", err)
		}
	}
	if err := manager.Shutdown(drainCtx); err != nil {
		logger.Warn(drainCtx, "session shutdown failed", "error", err)
	}
	if err := metricsServer.Shutdown(drainCtx); err != nil {
		logger.Warn(drainCtx, "metrics server shutdown failed", "error", err)
	}

	logger.Info(context.Background(), "shutdown complete")
	return nil
}

func buildProvider(pc config.ProviderConfig) (providers.Provider, error) {
	switch pc.Name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("router.providers: unknown provider %q", pc.Name)
	}
}

func buildAdapters(cfg *config.Config, logger *observability.Logger) ([]channels.Adapter, error) {
	var adapters []channels.Adapter
	if cfg.Channels.Telegram.Enabled {
		a, err := telegram.NewAdapter(cfg.Channels.Telegram, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if cfg.Channels.Discord.Enabled {
		a, err := discord.NewAdapter(cfg.Channels.Discord, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if cfg.Channels.Slack.Enabled {
		a, err := slack.NewAdapter(cfg.Channels.Slack, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

func startMetricsServer(port int, logger *observability.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(context.Background(), "metrics server failed", "error", err)
		}
	}()
	return srv
}
