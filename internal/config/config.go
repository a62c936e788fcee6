package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port            string
	BotToken        string
	AuditWebhookURL string

	// Artifact retention
	OutputDir       string
	RetentionWindow time.Duration
	SweepInterval   time.Duration

	// Statistics persistence
	StatsFilePath string

	// Batched delivery
	MaxFilesPerMessage int
	BatchPaceDelay     time.Duration

	// Scraping
	ScrapeUserAgent      string
	ScrapeTimeout        time.Duration
	MaxConcurrentScrapes int
	MaxBodySize          int64
	MaxImagesPerPage     int

	// Shutdown
	ShutdownGrace time.Duration
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	retention := getDurationEnv("RETENTION_WINDOW", 15*time.Minute)

	sweep := getDurationEnv("SWEEP_INTERVAL", 30*time.Second)
	// Keep eviction timing close to exact: never sweep coarser than a
	// tenth of the retention window.
	if sweep > retention/10 {
		sweep = retention / 10
	}

	return &Config{
		Port:            getEnv("PORT", "3001"),
		BotToken:        getEnv("BOT_TOKEN", ""),
		AuditWebhookURL: getEnv("AUDIT_WEBHOOK_URL", ""),

		OutputDir:       getEnv("OUTPUT_DIR", "output"),
		RetentionWindow: retention,
		SweepInterval:   sweep,

		StatsFilePath: getEnv("STATS_FILE", "leaderboard.json"),

		MaxFilesPerMessage: getIntEnv("MAX_FILES_PER_MESSAGE", 10),
		BatchPaceDelay:     getDurationEnv("BATCH_PACE_DELAY", time.Second),

		ScrapeUserAgent:      getEnv("SCRAPE_USER_AGENT", "ScrapeBot/1.0 (+https://scrapebot.example.com/bot)"),
		ScrapeTimeout:        getDurationEnv("SCRAPE_TIMEOUT", 60*time.Second),
		MaxConcurrentScrapes: getIntEnv("MAX_CONCURRENT_SCRAPES", 10),
		MaxBodySize:          getInt64Env("MAX_BODY_SIZE", 10*1024*1024),
		MaxImagesPerPage:     getIntEnv("MAX_IMAGES_PER_PAGE", 50),

		ShutdownGrace: getDurationEnv("SHUTDOWN_GRACE", 20*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
