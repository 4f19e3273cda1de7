package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/api"
	"github.com/campwatch/campwatch/internal/catalog"
	"github.com/campwatch/campwatch/internal/circuitbreaker"
	"github.com/campwatch/campwatch/internal/config"
	"github.com/campwatch/campwatch/internal/db"
	"github.com/campwatch/campwatch/internal/detect"
	"github.com/campwatch/campwatch/internal/dispatch"
	"github.com/campwatch/campwatch/internal/intake"
	"github.com/campwatch/campwatch/internal/metrics"
	"github.com/campwatch/campwatch/internal/observ"
	"github.com/campwatch/campwatch/internal/redis"
	"github.com/campwatch/campwatch/internal/report"
	"github.com/campwatch/campwatch/internal/scheduler"
	"github.com/campwatch/campwatch/internal/scrape"
	"github.com/campwatch/campwatch/internal/sequence"
	"github.com/campwatch/campwatch/internal/sqs"
	"github.com/campwatch/campwatch/internal/triage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting campwatch pipeline",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Repositories
	sources := db.NewSourceRepository(database, logger)
	requests := db.NewRequestRepository(database, logger)
	jobs := db.NewJobRepository(database, logger)
	sessions := db.NewSessionRepository(database, logger)
	notifications := db.NewNotificationRepository(database, logger)
	alerts := db.NewAlertRepository(database, logger)
	sequences := db.NewSequenceRepository(database, logger)
	cityOverrides := db.NewCityOverrideRepository(database)

	// Redis for idempotency and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, 100, 1*time.Minute)
		defer redisClient.Close()
	}

	// Outbound dispatch: per-channel senders behind circuit breakers,
	// routed by a multi-sender. Dry-run swaps the whole stack for a
	// log-only sender.
	var sender dispatch.Sender
	if cfg.DispatchDryRun {
		sender = dispatch.NewLogSender(logger)
		logger.Info("dispatch running in dry-run mode, no external sends")
	} else {
		sender, err = buildSenderStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
	}

	// Change detection
	detector := detect.New(notifications, notifications, sender, detect.Config{
		LowAvailabilityThreshold: cfg.LowAvailabilityThreshold,
	}, logger)

	// Scrape engine with the external extraction service
	var extractor scrape.Extractor
	if cfg.ExtractorBaseURL != "" {
		extractor, err = scrape.NewHTTPExtractor(scrape.ExtractorConfig{
			BaseURL: cfg.ExtractorBaseURL,
			APIKey:  cfg.ExtractorAPIKey,
			Timeout: cfg.ExtractorTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create extractor: %w", err)
		}
	} else {
		logger.Warn("EXTRACTOR_BASE_URL not set, scrape jobs will fail at extraction")
		extractor = unconfiguredExtractor{}
	}

	engine := scrape.NewEngine(jobs, sources, sessions, detector, extractor, logger)

	// Intake with catalog resolution and optional SQS fan-out
	resolver := catalog.NewResolver(cityOverrides, logger)

	var announcer intake.SourceAnnouncer
	if cfg.SQSQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, source announcements disabled",
				zap.Error(err),
			)
		} else {
			announcer = producer
			defer producer.Close()
		}
	}

	intakeSvc := intake.New(requests, sources, jobs, resolver, announcer, logger)

	// Triage and reporting
	triageSvc := triage.New(alerts, logger)
	reportSvc := report.New(jobs, triageSvc)

	// Sequence runner
	var defs []sequence.Definition
	if cfg.WinbackOn {
		defs = append(defs, sequence.NewWinbackDefinition(notifications, sequences, sender, logger))
	}
	runner := sequence.NewRunner(sequences, logger, defs...)

	// Background loops
	sched := scheduler.New(requests, jobs, intakeSvc, engine, runner, triageSvc, scheduler.Config{
		RequestPollInterval:   cfg.RequestPollInterval,
		JobPollInterval:       cfg.JobPollInterval,
		SequenceTickInterval:  cfg.SequenceTickInterval,
		FailureWatchInterval:  cfg.FailureWatchInterval,
		FailureAlertThreshold: cfg.FailureAlertThreshold,
		JobBatchSize:          cfg.JobBatchSize,
	}, logger)
	if cfg.WinbackOn {
		sched.EnableWinbackSeeding(notifications, sequence.WinbackDefinitionName)
	}

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()

	go sched.Start(schedCtx)
	logger.Info("background scheduler started")

	// Router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, intakeSvc, requests, jobs, triageSvc, reportSvc, resolver, idempotencyService, cfg)

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))

		r.Post("/requests", handler.CreateRequest)
		r.Get("/requests/{id}", handler.GetRequest)

		r.Get("/jobs", handler.ListJobs)
		r.Get("/jobs/{id}", handler.GetJob)

		r.Get("/alerts", handler.ListAlerts)
		r.Post("/alerts/{id}/ack", handler.AcknowledgeAlert)

		r.Get("/reports/daily", handler.DailyReport)
		r.Get("/cities", handler.ListCities)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildSenderStack wires each configured channel sender behind its own
// circuit breaker and routes by channel.
func buildSenderStack(ctx context.Context, cfg *config.Config, logger *zap.Logger) (dispatch.Sender, error) {
	sesSender, err := dispatch.NewSESSender(ctx, dispatch.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES email sender: %w", err)
	}

	var senders []dispatch.Sender

	sesBreaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            "ses",
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}, logger)
	senders = append(senders, circuitbreaker.NewProtectedSender(sesSender, sesBreaker, logger))

	snsSender, err := dispatch.NewSNSSender(ctx, dispatch.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS notifications disabled",
			zap.Error(err),
		)
	} else {
		snsBreaker := circuitbreaker.New(circuitbreaker.Config{
			Name:            "sns",
			MaxFailures:     5,
			RecoveryTimeout: 30 * time.Second,
		}, logger)
		senders = append(senders, circuitbreaker.NewProtectedSender(snsSender, snsBreaker, logger))
	}

	webhookSender := dispatch.NewWebhookSender(logger, dispatch.WebhookConfig{
		DefaultTimeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	})
	webhookBreaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            "webhook",
		MaxFailures:     10,
		RecoveryTimeout: 15 * time.Second,
	}, logger)
	senders = append(senders, circuitbreaker.NewProtectedSender(webhookSender, webhookBreaker, logger))

	logger.Info("initialized multi-channel dispatch",
		zap.Bool("email_enabled", true),
		zap.Bool("sms_enabled", snsSender != nil),
		zap.Bool("webhook_enabled", true),
	)

	return dispatch.NewMultiSender(logger, senders...), nil
}

// unconfiguredExtractor fails every job with a clear operator message.
type unconfiguredExtractor struct{}

func (unconfiguredExtractor) Extract(ctx context.Context, source *db.ScrapeSource) ([]scrape.ExtractedSession, error) {
	return nil, fmt.Errorf("extraction service not configured (set EXTRACTOR_BASE_URL)")
}
