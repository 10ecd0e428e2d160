package main

import (
	"context"
	"errors"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/manimcat/api/internal/auth"
	"github.com/manimcat/api/internal/cancel"
	"github.com/manimcat/api/internal/client"
	"github.com/manimcat/api/internal/config"
	"github.com/manimcat/api/internal/generator"
	"github.com/manimcat/api/internal/handler"
	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/internal/middleware"
	"github.com/manimcat/api/internal/renderer"
	"github.com/manimcat/api/internal/service"
	ws "github.com/manimcat/api/internal/websocket"
	"github.com/manimcat/api/internal/worker"
	"github.com/manimcat/api/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logging.Setup(cfg.Server.LogLevel, cfg.Server.Env)
	log := logging.Component("Server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Redis not available")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run()

	llmClient := client.NewLLMClient(&cfg.LLM)
	if !llmClient.IsConfigured() {
		log.Warn("LLM not configured, only jobs that bring their own model or code can run")
	}

	storage, storageName := newStorage(ctx, cfg)
	events := newEventPublisher(cfg)
	defer events.Close()

	// Shared by the API and the worker: cancel marks a job and kills its
	// renderer when it runs in this process.
	cancels := cancel.NewCoordinator(cancel.NewStore(redisClient, cfg.Cancel.TTL))
	store := service.NewJobStore(redisClient, cfg.Store.ResultTTL)
	cache := service.NewConceptCache(redisClient, cfg.Cache.Enabled, cfg.Cache.TTL)
	jobService := service.NewJobService(store, cancels, asynqClient, inspector, service.QueueOptionsFromConfig(&cfg.Queue))

	authenticator := auth.NewAuthenticator(cfg.Auth, newTokenVerifier(ctx, cfg))

	jobHandler := handler.NewJobHandler(jobService, validate)
	healthHandler := handler.NewHealthHandler(redisClient, llmClient.IsConfigured(), storageName, cfg.Render.Binary)
	authHandler := handler.NewAuthHandler(authenticator)

	var apiAuth fiber.Handler
	switch {
	case cfg.Auth.GatewayEnabled:
		log.Info("Gateway mode enabled, using header based auth")
		apiAuth = middleware.GatewayAuth()
	case authenticator.Configured():
		apiAuth = middleware.Authenticate(authenticator)
	default:
		log.Warn("No authentication configured, API is open")
		apiAuth = middleware.Anonymous()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    20 * 1024 * 1024, // reference images arrive inline
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})
	app.Get("/health", healthHandler.Health)

	// ForwardAuth verification endpoint, called by the gateway
	app.Get("/auth/verify", authHandler.Verify)

	if storage == nil {
		app.Static("/videos", filepath.Join(cfg.Render.MediaDir, "videos"))
		app.Static("/images", filepath.Join(cfg.Render.MediaDir, "images"))
	}

	api := app.Group("/api", apiAuth)
	submitLimit := rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour)
	api.Post("/generate", submitLimit, jobHandler.Generate)
	api.Post("/modify", submitLimit, jobHandler.Modify)
	api.Get("/jobs/:jobId", jobHandler.Status)
	api.Post("/jobs/:jobId/cancel", jobHandler.Cancel)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	supervisor := renderer.NewSupervisor(renderer.Config{
		Binary:              cfg.Render.Binary,
		WorkDir:             cfg.Render.WorkDir,
		Timeout:             cfg.Render.Timeout,
		FrameRate:           cfg.Render.FrameRate,
		SampleInterval:      cfg.Render.MemorySampleInterval,
		StdoutLogInterval:   cfg.Render.StdoutLogInterval,
		ProgressLogInterval: cfg.Render.ProgressLogInterval,
	}, cancels, renderer.NewTreeSampler())

	renderWorker := worker.NewRenderWorker(worker.Deps{
		Store:     store,
		Cache:     cache,
		Cancels:   cancels,
		LLM:       worker.DefaultLLM(llmClient),
		Generator: generator.SettingsFromConfig(&cfg.LLM),
		Renderer:  supervisor,
		Storage:   storage,
		Events:    events,
		Hub:       hub,
		Settings: worker.Settings{
			MediaDir:            cfg.Render.MediaDir,
			FrameRate:           cfg.Render.FrameRate,
			RenderTimeout:       cfg.Render.Timeout,
			StillRenderingAfter: cfg.Render.StillRenderingAfter,
			MaxRetries:          cfg.Retry.MaxRetries,
		},
	})
	cleaner := worker.NewCleanupWorker(cfg.Render.MediaDir, time.Duration(cfg.Media.RetentionHours)*time.Hour)

	srv, scheduler := startWorkerServer(cfg, redisOpt, renderWorker, cleaner)
	go func() {
		if err := cleaner.ProcessTask(ctx, nil); err != nil {
			log.WithError(err).Warn("Startup media cleanup failed")
		}
	}()

	go func() {
		<-ctx.Done()
		log.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.WithField("addr", addr).Info("Server starting")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Error("Server error")
	}

	scheduler.Shutdown()
	srv.Shutdown()
}

// startWorkerServer runs render jobs one at a time on the configured queue
// and schedules the periodic media cleanup.
func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, renderWorker *worker.RenderWorker, cleaner *worker.CleanupWorker) (*asynq.Server, *asynq.Scheduler) {
	log := logging.Component("Asynq")
	asynqLogLevel := asynqLevel(cfg.Server.LogLevel)

	baseBackoff := cfg.Queue.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 2 * time.Second
	}
	concurrency := cfg.Queue.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			cfg.Queue.Name: 1,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return baseBackoff * time.Duration(1<<uint(n))
		},
		Logger:   log,
		LogLevel: asynqLogLevel,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeRender, renderWorker.ProcessTask)
	mux.HandleFunc(service.TaskTypeMediaCleanup, cleaner.ProcessTask)
	if err := srv.Start(mux); err != nil {
		log.WithError(err).Fatal("Asynq worker failed to start")
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   log,
		LogLevel: asynqLogLevel,
	})
	interval := time.Duration(cfg.Media.CleanupIntervalMinutes) * time.Minute
	if _, err := scheduler.Register(
		worker.CleanupSchedule(interval),
		asynq.NewTask(service.TaskTypeMediaCleanup, nil),
		asynq.Queue(cfg.Queue.Name),
		asynq.MaxRetry(0),
	); err != nil {
		log.WithError(err).Warn("Failed to schedule media cleanup")
	}
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Warn("Scheduler failed to start")
	}
	return srv, scheduler
}

func asynqLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	}
	return asynq.InfoLevel
}

// newStorage returns the configured artifact store, or nil when artifacts
// are served from the local media directory.
func newStorage(ctx context.Context, cfg *config.Config) (client.StorageClient, string) {
	log := logging.Component("Storage")

	switch strings.ToLower(cfg.Storage.Driver) {
	case "r2":
		r2, err := client.NewR2Client(&cfg.Storage.R2)
		if err != nil {
			log.WithError(err).Warn("R2 client not initialized, serving artifacts locally")
			return nil, "local"
		}
		return r2, r2.Name()
	case "minio":
		mc, err := client.NewMinioClient(ctx, &cfg.Storage.Minio)
		if err != nil {
			log.WithError(err).Warn("MinIO client not initialized, serving artifacts locally")
			return nil, "local"
		}
		return mc, mc.Name()
	}
	log.Info("Object storage not configured, serving artifacts locally")
	return nil, "local"
}

func newEventPublisher(cfg *config.Config) client.EventPublisher {
	if len(cfg.Events.Brokers) == 0 {
		return client.NoopPublisher{}
	}
	logging.Component("Events").WithField("topic", cfg.Events.Topic).Info("Publishing job events to Kafka")
	return client.NewKafkaPublisher(&cfg.Events)
}

func newTokenVerifier(ctx context.Context, cfg *config.Config) auth.TokenVerifier {
	if cfg.Auth.OIDCIssuer == "" {
		return nil
	}
	verifier, err := auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCAudience)
	if err != nil {
		logging.Component("Auth").WithError(err).Warn("OIDC verifier not initialized")
		return nil
	}
	return verifier
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}
	return response.Error(c, code, response.CodeServiceError, message, nil)
}
