package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/area/internal/catalog"
	"github.com/p-blackswan/area/internal/config"
	"github.com/p-blackswan/area/internal/connector"
	ghconn "github.com/p-blackswan/area/internal/connector/github"
	jiraconn "github.com/p-blackswan/area/internal/connector/jira"
	k8sconn "github.com/p-blackswan/area/internal/connector/kubernetes"
	mqttconn "github.com/p-blackswan/area/internal/connector/mqtt"
	slackconn "github.com/p-blackswan/area/internal/connector/slack"
	"github.com/p-blackswan/area/internal/connector/timer"
	"github.com/p-blackswan/area/internal/connector/webhook"
	"github.com/p-blackswan/area/internal/engine"
	"github.com/p-blackswan/area/internal/health"
	"github.com/p-blackswan/area/internal/metrics"
	"github.com/p-blackswan/area/internal/mgmt"
	"github.com/p-blackswan/area/internal/observability"
	"github.com/p-blackswan/area/internal/realtime"
	"github.com/p-blackswan/area/internal/store"
	"github.com/p-blackswan/area/pkg/tokenstore"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("version", version).
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Str("db_path", cfg.DBPath).
		Str("tick", cfg.TickSpec).
		Bool("redis_enabled", cfg.RedisEnabled()).
		Msg("starting AREA engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Environment: cfg.Environment,
		Version:     version,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}

	db, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	m := metrics.New()
	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(db.Ping))

	// Catalog: embedded default unless CATALOG_PATH points at a file.
	catalogs := catalog.NewManager(cfg.CatalogPath, db, logger)
	if err := catalogs.Reload(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load catalog")
	}
	var watcher *catalog.Watcher
	if cfg.CatalogWatch && cfg.CatalogPath != "" {
		watcher = catalog.NewWatcher(cfg.CatalogPath, func() error { return catalogs.Reload(ctx) }, logger)
		if err := watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("catalog watcher not started (non-fatal)")
			watcher = nil
		}
	}

	// Linked account tokens live in Redis when configured, SQLite otherwise.
	var tokens tokenstore.Store = db.AccountTokens()
	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		tokens = tokenstore.NewRedisStore(rdb, "")
		checker.Register("redis", health.PingCheck(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis enabled for tokens and leases")
	}
	creds := connector.TokenStoreCredentials{Store: tokens}

	registry := connector.NewRegistry(cfg.ConnectorRPS, cfg.ConnectorBurst)
	registry.MustRegister(timer.New(), webhook.New(nil, logger))

	var ghOpts []ghconn.Option
	if cfg.GitHubAPIURL != "" {
		ghOpts = append(ghOpts, ghconn.WithBaseURL(cfg.GitHubAPIURL))
	}
	registry.MustRegister(ghconn.New(creds, logger, ghOpts...))

	var slackOpts []slackconn.Option
	if cfg.SlackAPIURL != "" {
		slackOpts = append(slackOpts, slackconn.WithAPIURL(cfg.SlackAPIURL))
	}
	registry.MustRegister(slackconn.New(creds, logger, slackOpts...))

	if cfg.JiraEnabled() {
		var jiraOpts []jiraconn.Option
		if cfg.JiraAPIEmail != "" && cfg.JiraAPIToken != "" {
			jiraOpts = append(jiraOpts, jiraconn.WithBasicAuth(cfg.JiraAPIEmail, cfg.JiraAPIToken))
		}
		registry.MustRegister(jiraconn.New(cfg.JiraBaseURL, creds, logger, jiraOpts...))
		logger.Info().Str("base_url", cfg.JiraBaseURL).Msg("Jira connector enabled")
	} else {
		logger.Info().Msg("Jira not configured, skipping")
	}

	if cfg.K8sEnabled {
		k8sClient, err := k8sconn.NewClient(k8sconn.Config{
			KubeconfigPath:    cfg.Kubeconfig,
			AllowedNamespaces: cfg.K8sNamespaces(),
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to init Kubernetes client (non-fatal)")
		} else {
			registry.MustRegister(k8sconn.New(k8sClient))
			logger.Info().Strs("namespaces", cfg.K8sNamespaces()).Msg("Kubernetes connector enabled")
		}
	}

	var mqttClient *mqttconn.Client
	if cfg.MQTTEnabled() {
		dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
		mqttClient, err = mqttconn.Dial(dialCtx, mqttconn.ClientConfig{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		}, logger)
		dialCancel()
		if err != nil {
			logger.Warn().Err(err).Msg("failed to connect to MQTT broker (non-fatal)")
		} else {
			registry.MustRegister(mqttconn.New(mqttClient))
			checker.Register("mqtt", func(context.Context) health.Status {
				if mqttClient.Healthy() {
					return health.StatusOK
				}
				return health.StatusDegraded
			})
		}
	}

	logger.Info().Strs("services", registry.Services()).Msg("connectors registered")

	// Realtime execution feed
	var allowOrigin func(string) bool
	if origins := cfg.CORSOrigins(); len(origins) > 0 {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		allowOrigin = func(origin string) bool { return allowed["*"] || allowed[origin] }
	}
	hub := realtime.NewHub(allowOrigin, logger)

	deps := engine.Deps{
		Store:    db,
		Catalog:  catalogs,
		Registry: registry,
		Notifier: hub,
		Metrics:  m,
	}
	if rdb != nil {
		deps.Locker = engine.NewRedisLocker(rdb, "", cfg.LeaseTTL, logger)
	}
	scheduler := engine.NewScheduler(engine.ConfigFrom(cfg), deps, logger)

	interval, err := engine.TickInterval(cfg.TickSpec, time.Now())
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid tick spec")
	}
	checker.Register("scheduler", health.HeartbeatCheck(scheduler.Heartbeat, 3*interval, 3*interval))

	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	// HTTP server for probes, metrics and the execution feed
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/ws/executions", hub)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:      cfg.MgmtAuthMode,
			APIKey:    cfg.MgmtAPIKey,
			JWTSecret: cfg.MgmtJWTSecret,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.CORSOrigins(),
	}, mgmt.Deps{
		Store:     db,
		Catalog:   catalogs,
		Runner:    scheduler.Pipeline(),
		Scheduler: scheduler,
		Tokens:    tokens,
		Checker:   checker,
	}, m, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler stop error")
	}

	cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	hub.Close()
	if watcher != nil {
		watcher.Stop()
	}
	if mqttClient != nil {
		mqttClient.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("AREA engine stopped")
}
