package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"scrapebot/internal/models"
	"scrapebot/internal/services"
)

// LeaderboardHandler serves read-only leaderboard views over the stats store
type LeaderboardHandler struct {
	stats *services.StatsService
}

// NewLeaderboardHandler creates a new leaderboard handler
func NewLeaderboardHandler(stats *services.StatsService) *LeaderboardHandler {
	return &LeaderboardHandler{stats: stats}
}

type leaderboardRow struct {
	Rank           int    `json:"rank"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	PagesScraped   int64  `json:"pagesScraped"`
	LastScrapedURL string `json:"lastScrapedUrl,omitempty"`
	LastScrapedAt  string `json:"lastScrapedAt,omitempty"`
}

// HandleTenant returns the ranked scrapers for one tenant
func (h *LeaderboardHandler) HandleTenant(c *fiber.Ctx) error {
	tenant := c.Params("tenant")
	if tenant == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "tenant is required",
		})
	}

	limit := c.QueryInt("limit", 10)
	entries := h.stats.TenantLeaderboard(tenant, limit)

	return c.JSON(fiber.Map{
		"tenant":  tenant,
		"entries": toRows(entries),
	})
}

// HandleGlobal returns the merged leaderboard across every tenant
func (h *LeaderboardHandler) HandleGlobal(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 10)
	entries := h.stats.GlobalLeaderboard(limit)

	return c.JSON(fiber.Map{
		"entries": toRows(entries),
	})
}

func toRows(entries []models.LeaderboardEntry) []leaderboardRow {
	rows := make([]leaderboardRow, 0, len(entries))
	for i, entry := range entries {
		row := leaderboardRow{
			Rank:           i + 1,
			UserID:         entry.UserID,
			Username:       entry.Stat.Username,
			PagesScraped:   entry.Stat.PagesScraped,
			LastScrapedURL: entry.Stat.LastScrapedURL,
		}
		if entry.Stat.LastScrapedAt != nil {
			row.LastScrapedAt = entry.Stat.LastScrapedAt.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	return rows
}
