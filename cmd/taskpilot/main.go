package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/taskpilot/internal/app"
	"github.com/p-blackswan/taskpilot/internal/artifact"
	"github.com/p-blackswan/taskpilot/internal/backend"
	"github.com/p-blackswan/taskpilot/internal/clock"
	"github.com/p-blackswan/taskpilot/internal/config"
	"github.com/p-blackswan/taskpilot/internal/control"
	"github.com/p-blackswan/taskpilot/internal/health"
	"github.com/p-blackswan/taskpilot/internal/hostbridge"
	"github.com/p-blackswan/taskpilot/internal/metrics"
	"github.com/p-blackswan/taskpilot/internal/orchestrator"
	"github.com/p-blackswan/taskpilot/internal/store"
	"github.com/p-blackswan/taskpilot/internal/subscription"
	"github.com/p-blackswan/taskpilot/internal/trigger"
	"github.com/p-blackswan/taskpilot/pkg/tokenstore"
)

var _ orchestrator.Runtime = (*hostbridge.Local)(nil)
var _ orchestrator.Backend = (*backend.Client)(nil)

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
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("backend_url", cfg.BackendURL).
		Str("control_addr", cfg.ControlListenAddr).
		Bool("subscription_enabled", cfg.SubscriptionEnabled).
		Str("artifact_backend", cfg.ArtifactBackend).
		Msg("starting taskpilot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	m := metrics.New()
	checker := health.NewChecker(logger)

	// Dead letters for swallowed side-effect failures
	db, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	checker.Register("store", db.Health)
	recorder := store.NewRecorder(db, m, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		recorder.RunRetention(ctx, time.Hour, store.DefaultRetention)
	}()

	// Session token
	session := tokenstore.NewSession(tokenstore.NewMemoryStore())
	if cfg.Authenticated() {
		if err := session.SignIn(ctx, cfg.AuthToken); err != nil {
			logger.Fatal().Err(err).Msg("failed to store auth token")
		}
	} else {
		logger.Warn().Msg("AUTH_TOKEN not set, backend calls will be rejected")
	}

	client := backend.New(cfg.BackendURL, session, logger)

	host, err := hostbridge.Open(cfg.ToolManifestPath, cfg.AutomationPort, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load tool manifest")
	}

	var storage artifact.Storage
	if cfg.S3Artifacts() {
		storage, err = artifact.NewS3Storage(ctx, cfg.ArtifactS3Bucket, cfg.ArtifactS3Prefix, cfg.AWSRegion)
	} else {
		storage, err = artifact.NewLocalStorage(cfg.ArtifactDir)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init artifact storage")
	}
	uploader := artifact.NewUploader(storage, logger, artifact.WithReader(host))

	orch := orchestrator.New(orchestrator.Options{
		Backend:   client,
		Runtime:   host,
		Artifacts: uploader,
		Failures:  recorder,
		Metrics:   m,
		Clock:     clock.Real(),
		Logger:    logger,
		Model: orchestrator.Model{
			Language: cfg.Language,
			Platform: cfg.ModelPlatform,
			Type:     cfg.ModelType,
			APIKey:   cfg.ModelAPIKey,
			APIURL:   cfg.ModelAPIURL,
		},
		AutoConfirmAfter: cfg.AutoConfirmTimeout,
		AutoSkipAfter:    cfg.AutoSkipTimeout,
	})

	queue := trigger.NewQueue(trigger.QueueOptions{
		Busy:     orch.Busy,
		Reporter: client,
		Failures: recorder,
		Metrics:  m,
		Logger:   logger,
	})
	triggers := trigger.NewConfigCache(client, cfg.TriggerCacheSize, cfg.TriggerCacheTTL, clock.Real(), logger)
	dispatcher := app.NewDispatcher(orch, queue, logger)

	subCfg := subscription.DefaultConfig()
	subCfg.URL = cfg.SubscriptionURL
	subCfg.SessionID = cfg.SessionID
	subCfg.Enabled = cfg.SubscriptionEnabled
	subCfg.PingInterval = cfg.SubscriptionPingInterval
	subCfg.PongTimeout = cfg.SubscriptionPongTimeout
	subCfg.Debounce = cfg.SubscriptionDebounce
	subCfg.BaseDelay = cfg.SubscriptionBaseDelay
	subCfg.MaxAttempts = cfg.SubscriptionMaxAttempts

	channel := subscription.New(subCfg, subscription.Options{
		Credentials: session,
		Handler:     dispatcher,
		Reporter:    client,
		Cache:       triggers,
		Metrics:     m,
		Logger:      logger,
	})
	checker.Register("subscription", channel.Health)
	if err := channel.Start(ctx); err != nil {
		// The channel keeps retrying on its own; only auth failures stop it.
		logger.Warn().Err(err).Msg("subscription channel not connected at startup")
	}

	controlServer := control.NewServer(control.ServerConfig{
		ListenAddr: cfg.ControlListenAddr,
		AuthConfig: control.AuthConfig{
			Mode:   cfg.ControlAuthMode,
			APIKey: cfg.ControlAPIKey,
		},
		RateLimit: control.RateLimitConfig{
			RPS:   cfg.ControlRateLimitRPS,
			Burst: cfg.ControlRateLimitBurst,
		},
	}, control.Deps{
		Orchestrator: orch,
		Subscription: channel,
		DeadLetters:  db,
		Triggers:     triggers,
		TriggerQueue: queue,
		Artifacts:    uploader,
	}, checker, m, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := controlServer.Start(); err != nil {
			logger.Error().Err(err).Msg("control API server error")
		}
	}()

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := host.Reload(); err != nil {
				logger.Error().Err(err).Msg("tool manifest reload failed")
			} else {
				logger.Info().Msg("tool manifest reloaded")
			}
			continue
		}
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
		break
	}

	cancel()

	if err := controlServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("control API server shutdown error")
	}
	if err := channel.Close(); err != nil {
		logger.Error().Err(err).Msg("subscription channel close error")
	}
	dispatcher.Close()
	orch.Close()

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

	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}
	logger.Info().Msg("taskpilot stopped")
}
