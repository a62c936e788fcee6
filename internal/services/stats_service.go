package services

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"scrapebot/internal/models"
)

// StatsService owns the persisted scraping statistics: per-tenant user
// counters plus a derived cross-tenant global view. All mutation goes
// through RecordScrape, which flushes the full structure to disk before
// returning (write-through; scrapes are low-frequency and durability wins
// over throughput). The store's mutex is the single-writer discipline for
// the persisted file.
type StatsService struct {
	mu   sync.Mutex
	path string
	data *models.StatsFile
}

// NewStatsService creates a stats store persisting to path. Call Load before
// first use.
func NewStatsService(path string) *StatsService {
	return &StatsService{
		path: path,
		data: &models.StatsFile{Servers: make(map[string]*models.TenantScope)},
	}
}

// Load reads the persisted statistics. A missing file starts an empty store.
// A legacy flat layout (user-id to stat, no tenant dimension) is migrated
// into the direct-message scope and flushed immediately so the migration
// runs at most once. A corrupt or unreadable file is logged and replaced by
// an empty store: statistics are best-effort, never a startup blocker.
func (s *StatsService) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		log.Printf("📊 [STATS] No stats file at %s, starting fresh", s.path)
		return nil
	}
	if err != nil {
		log.Printf("⚠️  [STATS] Failed to read %s, starting fresh: %v", s.path, err)
		return nil
	}

	var current models.StatsFile
	if err := json.Unmarshal(raw, &current); err == nil && current.Servers != nil {
		s.data = &current
		s.reconcileOrder()
		log.Printf("📊 [STATS] Loaded stats for %d tenant(s) from %s", len(current.Servers), s.path)
		return nil
	}

	// Legacy flat layout: a single user-id to stat mapping.
	var legacy map[string]*models.UserStat
	if err := json.Unmarshal(raw, &legacy); err != nil || len(legacy) == 0 {
		log.Printf("⚠️  [STATS] Unrecognized stats layout in %s, starting fresh", s.path)
		return nil
	}

	log.Printf("📊 [STATS] Migrating legacy flat stats layout (%d users) into tenant %q", len(legacy), models.TenantDirect)
	scope := &models.TenantScope{Users: legacy}
	for userID := range legacy {
		scope.Order = append(scope.Order, userID)
	}
	// Legacy JSON objects carry no usable ordering once decoded; pick a
	// deterministic canonical order so repeated migrations agree.
	sort.Strings(scope.Order)

	s.data = &models.StatsFile{
		Servers: map[string]*models.TenantScope{models.TenantDirect: scope},
	}
	if err := s.flushLocked(); err != nil {
		log.Printf("⚠️  [STATS] Failed to persist migrated stats: %v", err)
	}
	return nil
}

// RecordScrape creates or updates the stat for (tenant, userID): the scrape
// counter goes up by exactly one, the last-origin fields move forward, and
// the display fields are refreshed. The updated structure is flushed before
// returning.
func (s *StatsService) RecordScrape(tenant, userID, displayName, avatarURL, origin string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope, ok := s.data.Servers[tenant]
	if !ok {
		scope = &models.TenantScope{Users: make(map[string]*models.UserStat)}
		s.data.Servers[tenant] = scope
	}

	stat, ok := scope.Users[userID]
	if !ok {
		stat = &models.UserStat{}
		scope.Users[userID] = stat
		scope.Order = append(scope.Order, userID)
	}

	stat.PagesScraped++
	stat.Username = displayName
	stat.AvatarURL = avatarURL
	stat.LastScrapedURL = origin
	// lastScrapedAt is monotonic per user within a tenant.
	if stat.LastScrapedAt == nil || ts.After(*stat.LastScrapedAt) {
		t := ts
		stat.LastScrapedAt = &t
	}

	log.Printf("📊 [STATS] Recorded scrape #%d for %s (%s) in tenant %s", stat.PagesScraped, displayName, userID, tenant)

	if err := s.flushLocked(); err != nil {
		log.Printf("⚠️  [STATS] Failed to persist stats: %v", err)
		return nil // persistence failure is logged, never propagated
	}
	return nil
}

// TenantLeaderboard returns the tenant's users ordered by scrape count
// descending; equal counts keep first-scrape order. limit 0 means unbounded.
func (s *StatsService) TenantLeaderboard(tenant string, limit int) []models.LeaderboardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope, ok := s.data.Servers[tenant]
	if !ok {
		return nil
	}

	entries := entriesInOrder(scope)
	return sortAndLimit(entries, limit)
}

// GlobalLeaderboard computes the cross-tenant view: per user, scrape counts
// are summed across every tenant scope that contains the user and the most
// recent last-origin/last-activity pair wins. The view is recomputed from
// the tenant scopes on every call.
func (s *StatsService) GlobalLeaderboard(limit int) []models.LeaderboardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenants := make([]string, 0, len(s.data.Servers))
	for tenant := range s.data.Servers {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	merged := make(map[string]*models.UserStat)
	var order []string

	for _, tenant := range tenants {
		for _, entry := range entriesInOrder(s.data.Servers[tenant]) {
			existing, ok := merged[entry.UserID]
			if !ok {
				statCopy := *entry.Stat
				merged[entry.UserID] = &statCopy
				order = append(order, entry.UserID)
				continue
			}
			existing.PagesScraped += entry.Stat.PagesScraped
			if entry.Stat.LastScrapedAt != nil &&
				(existing.LastScrapedAt == nil || entry.Stat.LastScrapedAt.After(*existing.LastScrapedAt)) {
				existing.LastScrapedAt = entry.Stat.LastScrapedAt
				existing.LastScrapedURL = entry.Stat.LastScrapedURL
				existing.Username = entry.Stat.Username
				existing.AvatarURL = entry.Stat.AvatarURL
			}
		}
	}

	entries := make([]models.LeaderboardEntry, 0, len(order))
	for _, userID := range order {
		entries = append(entries, models.LeaderboardEntry{UserID: userID, Stat: merged[userID]})
	}
	return sortAndLimit(entries, limit)
}

// UserStats returns a copy of one user's stat in a tenant, if recorded.
func (s *StatsService) UserStats(tenant, userID string) (*models.UserStat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope, ok := s.data.Servers[tenant]
	if !ok {
		return nil, false
	}
	stat, ok := scope.Users[userID]
	if !ok {
		return nil, false
	}
	statCopy := *stat
	return &statCopy, true
}

// TenantCount returns the number of tenant scopes currently tracked.
func (s *StatsService) TenantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.Servers)
}

// Flush serializes the full structure to disk.
func (s *StatsService) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked writes atomically: temp file in the same directory, then
// rename over the target. Callers hold s.mu.
func (s *StatsService) flushLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".stats-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp stats file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write stats: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close stats file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace stats file: %w", err)
	}
	return nil
}

// reconcileOrder appends any user present in a scope's map but missing from
// its order list (files written by hand or by older builds).
func (s *StatsService) reconcileOrder() {
	for _, scope := range s.data.Servers {
		if scope.Users == nil {
			scope.Users = make(map[string]*models.UserStat)
		}
		seen := make(map[string]bool, len(scope.Order))
		for _, id := range scope.Order {
			seen[id] = true
		}
		var missing []string
		for id := range scope.Users {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		sort.Strings(missing)
		scope.Order = append(scope.Order, missing...)
	}
}

// entriesInOrder lists a scope's stats in first-scrape order. Entries carry
// copies so callers never hold pointers into the live map after the lock is
// released.
func entriesInOrder(scope *models.TenantScope) []models.LeaderboardEntry {
	entries := make([]models.LeaderboardEntry, 0, len(scope.Order))
	for _, userID := range scope.Order {
		if stat, ok := scope.Users[userID]; ok {
			statCopy := *stat
			entries = append(entries, models.LeaderboardEntry{UserID: userID, Stat: &statCopy})
		}
	}
	return entries
}

// sortAndLimit orders entries by scrape count descending, preserving the
// incoming order for ties, and applies the limit (0 = unbounded).
func sortAndLimit(entries []models.LeaderboardEntry, limit int) []models.LeaderboardEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Stat.PagesScraped > entries[j].Stat.PagesScraped
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
