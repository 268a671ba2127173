package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/antinvestor/gatekeeper/apps/pipeline/config"
	"github.com/antinvestor/gatekeeper/apps/pipeline/handlers"
	"github.com/antinvestor/gatekeeper/apps/pipeline/middleware"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/debug"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/deploy"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/flow"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/monitor"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/release"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/sandbox"
	"github.com/antinvestor/gatekeeper/internal/events"
)

func main() {
	ctx := context.Background()

	// Initialize configuration
	cfg, err := config.LoadWithOIDC[appconfig.PipelineConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "build_pipeline"
	}

	// Create service with Frame
	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	// Get managers
	evtsMan := svc.EventsManager()
	qMan := svc.QueueManager()

	queuePublisher := events.NewQueuePublisher(
		func(ctx context.Context, queueName string, payload any, headers map[string]string) error {
			return qMan.Publish(ctx, queueName, payload, headers)
		},
	)

	// ==========================================================================
	// Setup Stores
	// ==========================================================================

	var fingerprints events.FingerprintStore
	var window monitor.DeploymentWindow

	if cfg.FingerprintStoreURI != "" {
		redisOpts, redisErr := redis.ParseURL(cfg.FingerprintStoreURI)
		if redisErr != nil {
			log.WithError(redisErr).Fatal("invalid fingerprint store URI")
		}
		redisClient := redis.NewClient(redisOpts)

		fingerprints = events.NewRedisFingerprintStore(
			redisClient,
			time.Duration(cfg.FingerprintTTLHours)*time.Hour,
		)
		window = monitor.NewRedisDeploymentWindow(
			redisClient,
			"deploy:window",
			time.Duration(cfg.MonitorWindowSeconds)*time.Second,
		)
	} else {
		fingerprints = events.NewInMemoryFingerprintStore()
		window = monitor.NewInMemoryDeploymentWindow(
			time.Duration(cfg.MonitorWindowSeconds) * time.Second,
		)
	}

	// ==========================================================================
	// Setup Monitoring
	// ==========================================================================

	guard := monitor.NewTemplateIntegrityGuard(cfg.TemplatesDir)

	alertSink := func(ctx context.Context, hook, message string) {
		pubErr := qMan.Publish(ctx, cfg.QueueAlertName, events.AlertRaisedPayload{
			Hook:    hook,
			Message: message,
			At:      time.Now().UTC(),
		})
		if pubErr != nil {
			util.Log(ctx).WithError(pubErr).Warn("could not publish alert")
		}
	}

	mon := monitor.NewProductionMonitor(monitor.Thresholds{
		MaxBuildLatencySec:        cfg.MonitorLatencyThresholdSeconds,
		MaxRetryExplosion:         cfg.MonitorRetryExplosionThreshold,
		TokenAnomalyLimit:         cfg.MonitorTokenAnomalyThreshold,
		DeploymentInstabilityRate: cfg.MonitorMaxDeployFailureRate,
	}, alertSink)

	// ==========================================================================
	// Setup Build Pipeline
	// ==========================================================================

	dockerSandbox, err := sandbox.NewDockerSandbox(&cfg)
	if err != nil {
		log.WithError(err).Fatal("could not connect to docker")
	}
	defer dockerSandbox.Close()

	generator := debug.NewClaudeGenerator(
		cfg.AnthropicAPIKey,
		time.Duration(cfg.LLMTimeoutSeconds)*time.Second,
	)
	engine := debug.NewEngine(generator, debug.WithRetryPolicy(events.RetryPolicy{
		MaxRetries:        cfg.MaxDebugRetries,
		InitialDelay:      time.Duration(cfg.DebugBackoffBaseSeconds) * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}))

	deployGate := deploy.NewGatekeeper(
		cfg.Name(),
		deploy.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.ProbeTimeoutSeconds) * time.Second,
		}),
		deploy.WithVerification(
			cfg.VerifyMaxRounds,
			time.Duration(cfg.VerifyRoundDelaySeconds)*time.Second,
		),
	)

	scheduler := sandbox.NewScheduler(cfg.MaxConcurrentBuilds, cfg.MaxQueueLength)
	recorder := release.NewRecorder()

	runner := flow.NewRunner(flow.RunnerParams{
		Config:       &cfg,
		Sandbox:      dockerSandbox,
		Debugger:     engine,
		DeployGate:   deployGate,
		Guard:        guard,
		Monitor:      mon,
		Window:       window,
		Fingerprints: fingerprints,
		Recorder:     recorder,
		Emitter:      events.NewEventEmitter(evtsMan.Emit),
		HaltIntake:   scheduler.Halt,
	})

	// ==========================================================================
	// Register Publishers
	// ==========================================================================

	buildResultPublisher := frame.WithRegisterPublisher(
		cfg.QueueBuildResultName,
		cfg.QueueBuildResultURI,
	)

	alertPublisher := frame.WithRegisterPublisher(
		cfg.QueueAlertName,
		cfg.QueueAlertURI,
	)

	// ==========================================================================
	// Register Subscribers
	// ==========================================================================

	buildRequestSubscriber := frame.WithRegisterSubscriber(
		cfg.QueueBuildRequestName,
		cfg.QueueBuildRequestURI,
		flow.NewBuildRequestHandler(runner, scheduler, queuePublisher, cfg.QueueBuildResultName),
	)

	// ==========================================================================
	// Setup HTTP Surface
	// ==========================================================================

	limiter := middleware.NewSubmissionLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	buildHandler := handlers.NewBuildHandler(&cfg, queuePublisher)
	statusHandler := handlers.NewStatusHandler(scheduler, mon)
	releaseHandler := handlers.NewReleaseHandler(
		recorder,
		release.NewReliabilityCalculator(cfg.ReliabilityMaxRetries, cfg.ReliabilityMaxLLMCalls),
		release.NewAbuseStabilityCalculator(
			cfg.AbuseMaxRetriesPerFailure,
			cfg.AbuseTokenBudgetPerSession,
			cfg.AbuseReadyThreshold,
		),
		release.NewGatekeeper(),
		events.NewEventEmitter(evtsMan.Emit),
	)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"pipeline"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready","service":"pipeline"}`))
	})

	mux.Handle("/api/v1/builds", limiter.Middleware(http.HandlerFunc(buildHandler.HandleSubmitBuild)))
	mux.HandleFunc("/api/v1/pipeline/status", statusHandler.HandleStatus)
	mux.HandleFunc("/api/v1/pipeline/resume", statusHandler.HandleResume)
	mux.HandleFunc("/api/v1/alerts", statusHandler.HandleAlerts)
	mux.HandleFunc("/api/v1/release/evaluate", releaseHandler.HandleEvaluate)
	mux.HandleFunc("/api/v1/release/abuse", releaseHandler.HandleAbuseScore)

	// ==========================================================================
	// Initialize Service
	// ==========================================================================

	serviceOptions := []frame.Option{
		frame.WithHTTPHandler(mux),
		// Publishers
		buildResultPublisher,
		alertPublisher,
		// Subscribers
		buildRequestSubscriber,
	}

	svc.Init(ctx, serviceOptions...)

	// Build workers pull from the admission queue.
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// ==========================================================================
	// Start the Service
	// ==========================================================================

	log.Info("Starting build pipeline service...")
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}
