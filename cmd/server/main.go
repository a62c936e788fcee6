package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"scrapebot/internal/config"
	"scrapebot/internal/handlers"
	"scrapebot/internal/jobs"
	"scrapebot/internal/logging"
	"scrapebot/internal/services"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Scrapebot Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Retention: %s, Output: %s)",
		cfg.Port, cfg.RetentionWindow, cfg.OutputDir)

	if cfg.BotToken == "" {
		log.Fatal("❌ BOT_TOKEN environment variable is required")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		log.Fatalf("❌ Failed to create output directory %s: %v", cfg.OutputDir, err)
	}

	// Core services
	auditService := services.NewAuditService(cfg.AuditWebhookURL)
	registry := services.NewArtifactRegistryService(cfg.RetentionWindow, auditService)
	sessionCache := services.NewSessionCacheService()

	statsService := services.NewStatsService(cfg.StatsFilePath)
	if err := statsService.Load(); err != nil {
		log.Fatalf("❌ Failed to load stats store: %v", err)
	}
	log.Printf("✅ Stats store loaded (%d tenants)", statsService.TenantCount())

	// Scrape pipeline
	fetcher := services.NewFetcher(cfg.ScrapeUserAgent, cfg.ScrapeTimeout, cfg.MaxConcurrentScrapes, cfg.MaxBodySize)
	converterService := services.NewConverterService(fetcher, cfg.OutputDir, cfg.MaxImagesPerPage)

	// Telegram transport
	telegramService := services.NewTelegramService(cfg.BotToken)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	me, err := telegramService.GetMe(ctx)
	cancel()
	if err != nil {
		log.Fatalf("❌ Failed to authenticate with Telegram: %v", err)
	}
	log.Printf("✅ Connected to Telegram as @%s", me.Username)

	orchestrator := services.NewDeliveryOrchestrator(
		converterService,
		telegramService,
		registry,
		sessionCache,
		statsService,
		auditService,
		cfg.MaxFilesPerMessage,
		cfg.BatchPaceDelay,
	)

	botService := services.NewBotService(
		telegramService,
		orchestrator,
		sessionCache,
		statsService,
		registry,
		cfg.OutputDir,
		me.Username,
	)

	// Metrics
	services.InitMetrics(registry)

	// Background jobs
	jobScheduler := jobs.NewJobScheduler()
	jobScheduler.Register("artifact-eviction", jobs.NewArtifactEvictionJob(registry, cfg.SweepInterval))
	if err := jobScheduler.Start(); err != nil {
		log.Fatalf("❌ Failed to start job scheduler: %v", err)
	}
	log.Printf("🕐 Background jobs: artifact eviction (every %s)", cfg.SweepInterval)

	// Update polling
	go telegramService.StartPolling(botService.HandleUpdate)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Scrapebot v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("scrapebot")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	app.Use(cors.New(cors.Config{
		AllowOrigins: getEnvDefault("ALLOWED_ORIGINS", "*"),
		AllowMethods: "GET,OPTIONS",
	}))

	// Routes
	healthHandler := handlers.NewHealthHandler(registry, statsService)
	leaderboardHandler := handlers.NewLeaderboardHandler(statsService)
	registryHandler := handlers.NewRegistryHandler(registry)

	app.Get("/health", healthHandler.Handle)
	app.Get("/api/leaderboard", leaderboardHandler.HandleGlobal)
	app.Get("/api/leaderboard/:tenant", leaderboardHandler.HandleTenant)
	app.Get("/api/registry/stats", registryHandler.HandleStats)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// Stop pulling updates, then drain in-flight scrape requests
		telegramService.StopPolling()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️ %v", err)
		}
		cancel()

		// Stop background jobs
		jobScheduler.Stop()

		// Delete everything still tracked, then persist stats one last time
		registry.DrainAll()
		if err := statsService.Flush(); err != nil {
			log.Printf("⚠️ Error flushing stats: %v", err)
		}

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

func getEnvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
