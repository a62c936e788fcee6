package models

import "time"

// TenantDirect is the reserved tenant id used for direct (non-group)
// interactions. It is a scope of its own, never folded into real tenants.
// The name matches the historical persisted layout.
const TenantDirect = "global"

// UserStat tracks one user's scraping activity inside a single tenant scope.
// PagesScraped only ever increases; LastScrapedAt never moves backwards.
type UserStat struct {
	Username       string     `json:"username"`
	AvatarURL      string     `json:"avatarURL,omitempty"`
	PagesScraped   int64      `json:"pagesScraped"`
	LastScrapedURL string     `json:"lastScrapedUrl,omitempty"`
	LastScrapedAt  *time.Time `json:"lastScrapedAt,omitempty"`
}

// TenantScope holds the stats for every user seen in one tenant.
// Order records user ids in first-scrape order so leaderboard ties can be
// broken by insertion order after the stable sort by count.
type TenantScope struct {
	Users map[string]*UserStat `json:"users"`
	Order []string             `json:"order,omitempty"`
}

// StatsFile is the persisted statistics layout: tenant id to tenant scope.
// Older deployments persisted a flat user-id-to-stat map with no tenant
// dimension; that layout is accepted on load and migrated into a single
// TenantDirect scope.
type StatsFile struct {
	Servers map[string]*TenantScope `json:"servers"`
}

// LeaderboardEntry pairs a user id with the stat behind a leaderboard row.
type LeaderboardEntry struct {
	UserID string    `json:"user_id"`
	Stat   *UserStat `json:"stat"`
}
