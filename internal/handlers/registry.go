package handlers

import (
	"github.com/gofiber/fiber/v2"

	"scrapebot/internal/services"
)

// RegistryHandler exposes artifact registry stats for operators
type RegistryHandler struct {
	registry *services.ArtifactRegistryService
}

// NewRegistryHandler creates a new registry handler
func NewRegistryHandler(registry *services.ArtifactRegistryService) *RegistryHandler {
	return &RegistryHandler{registry: registry}
}

// HandleStats reports the current registry state
func (h *RegistryHandler) HandleStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"tracked_artifacts": h.registry.Count(),
		"retention_seconds": int(h.registry.Retention().Seconds()),
	})
}
