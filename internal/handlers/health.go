package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"scrapebot/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	registry *services.ArtifactRegistryService
	stats    *services.StatsService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(registry *services.ArtifactRegistryService, stats *services.StatsService) *HealthHandler {
	return &HealthHandler{registry: registry, stats: stats}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":            "healthy",
		"tracked_artifacts": h.registry.Count(),
		"tenants":           h.stats.TenantCount(),
		"timestamp":         time.Now().Format(time.RFC3339),
	})
}
