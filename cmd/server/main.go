package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/assetforge/api/internal/auth"
	"github.com/assetforge/api/internal/client"
	"github.com/assetforge/api/internal/config"
	"github.com/assetforge/api/internal/handler"
	"github.com/assetforge/api/internal/middleware"
	"github.com/assetforge/api/internal/service"
	"github.com/assetforge/api/internal/store"
	"github.com/assetforge/api/internal/worker"
	ws "github.com/assetforge/api/internal/websocket"
	"github.com/assetforge/api/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// Initialize Asynq client and inspector
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize upstream task client
	meshyClient := client.NewMeshyClient(&cfg.Meshy, &cfg.Pipeline)
	if !meshyClient.IsConfigured() {
		log.Println("Warning: Meshy API key not set, task submission will fail")
	}

	// Select the artifact publish backend
	var storageClient client.StorageClient
	if cfg.Storage.Backend == "r2" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Fatalf("Failed to initialize R2 storage: %v", err)
		}
		storageClient = r2Client
	} else {
		storageClient = client.NewCDNClient(&cfg.Storage)
	}
	log.Printf("Using %s storage backend", storageBackendName(cfg))

	// Initialize OIDC JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Job records outlive the retention window so the sweeper, not key
	// expiry, decides when they disappear.
	jobStore := store.NewRedisStore(redisClient, 2*cfg.Pipeline.Retention)

	// Initialize services
	publisher := service.NewPublisher(meshyClient, storageClient, cfg.Storage.BaseDir)
	pipelineService := service.NewPipelineService(
		jobStore,
		meshyClient,
		publisher,
		asynqClient,
		inspector,
		hub,
		&cfg.Pipeline,
	)

	// Initialize handlers
	pipelineHandler := handler.NewPipelineHandler(pipelineService, validate)
	jobHandler := handler.NewJobHandler(pipelineService, hub)

	// Initialize middleware (with fallback support)
	var authMiddleware *middleware.AuthMiddleware
	if jwksVerifier != nil && cfg.JWT.Secret != "" {
		authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
	} else if jwksVerifier != nil {
		authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
	} else {
		authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
	}
	apiAuth := authMiddleware.Authenticate()
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB, image prompts may arrive as data URIs
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"meshy":   meshyClient.IsConfigured(),
				"storage": storageBackendName(cfg),
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"auth":    jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// Prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API routes
	api := app.Group("/api/v1", apiAuth)

	// Pipeline routes
	pipeline := api.Group("/pipeline")
	pipeline.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), pipelineHandler.Generate)
	pipeline.Post("/retexture", rateLimiter.RetextureLimit(cfg.RateLimit.RetexturePerHour), pipelineHandler.Retexture)

	// Job routes
	jobs := api.Group("/jobs")
	jobs.Get("/:jobId", jobHandler.Get)
	jobs.Delete("/:jobId", jobHandler.Cancel)
	jobs.Get("/:jobId/stream", jobHandler.Stream)

	api.Get("/users/:userId/jobs", jobHandler.ListForUser)
	api.Get("/queue/stats", jobHandler.QueueStats)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, redisOpt, pipelineService)

	// Start maintenance loops
	maintCtx, cancelMaint := context.WithCancel(ctx)
	defer cancelMaint()
	go worker.RunStallRecovery(maintCtx, pipelineService, cfg.Pipeline.StalledAfter)
	go worker.RunRetentionSweep(maintCtx, pipelineService, cfg.Pipeline.SweepInterval)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		cancelMaint()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func storageBackendName(cfg *config.Config) string {
	if cfg.Storage.Backend == "r2" {
		return "r2"
	}
	return "cdn"
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, pipelineService *service.PipelineService) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues: map[string]int{
				"high":   6,
				"normal": 3,
				"low":    1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	advanceWorker := worker.NewAdvanceWorker(pipelineService)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeAdvance, advanceWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(response.ErrorResponse{Error: message})
}
