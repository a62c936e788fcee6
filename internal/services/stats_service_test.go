package services

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scrapebot/internal/models"
)

func newTestStats(t *testing.T) *StatsService {
	t.Helper()
	svc := NewStatsService(filepath.Join(t.TempDir(), "leaderboard.json"))
	if err := svc.Load(); err != nil {
		t.Fatalf("Failed to load stats: %v", err)
	}
	return svc
}

func TestStats_RecordScrapeIncrements(t *testing.T) {
	svc := newTestStats(t)

	now := time.Now()
	svc.RecordScrape("tenant-1", "user-1", "alice", "", "https://example.com/a", now)
	svc.RecordScrape("tenant-1", "user-1", "alice", "", "https://example.com/b", now.Add(time.Minute))

	stat, ok := svc.UserStats("tenant-1", "user-1")
	if !ok {
		t.Fatal("Expected stat for user-1")
	}
	if stat.PagesScraped != 2 {
		t.Errorf("Expected 2 pages scraped, got %d", stat.PagesScraped)
	}
	if stat.LastScrapedURL != "https://example.com/b" {
		t.Errorf("Expected last URL to advance, got %s", stat.LastScrapedURL)
	}
}

func TestStats_LastScrapedAtIsMonotonic(t *testing.T) {
	svc := newTestStats(t)

	later := time.Now()
	earlier := later.Add(-time.Hour)
	svc.RecordScrape("tenant-1", "user-1", "alice", "", "https://example.com/new", later)
	svc.RecordScrape("tenant-1", "user-1", "alice", "", "https://example.com/stale", earlier)

	stat, _ := svc.UserStats("tenant-1", "user-1")
	if stat.LastScrapedAt == nil || !stat.LastScrapedAt.Equal(later) {
		t.Errorf("Expected lastScrapedAt to stay at %v, got %v", later, stat.LastScrapedAt)
	}
	if stat.PagesScraped != 2 {
		t.Errorf("Counter should still advance for out-of-order timestamps, got %d", stat.PagesScraped)
	}
}

func TestStats_PersistenceRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaderboard.json")

	first := NewStatsService(path)
	if err := first.Load(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	first.RecordScrape("tenant-1", "user-1", "alice", "https://cdn.example/alice.png", "https://example.com", now)
	first.RecordScrape("tenant-2", "user-2", "bob", "", "https://other.example", now)

	second := NewStatsService(path)
	if err := second.Load(); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	if second.TenantCount() != 2 {
		t.Errorf("Expected 2 tenants after reload, got %d", second.TenantCount())
	}
	stat, ok := second.UserStats("tenant-1", "user-1")
	if !ok {
		t.Fatal("Expected user-1 to survive reload")
	}
	if stat.Username != "alice" || stat.AvatarURL != "https://cdn.example/alice.png" {
		t.Errorf("Display fields lost in roundtrip: %+v", stat)
	}
	if stat.LastScrapedAt == nil || !stat.LastScrapedAt.Equal(now) {
		t.Errorf("Expected lastScrapedAt %v, got %v", now, stat.LastScrapedAt)
	}
}

func TestStats_LegacyFlatLayoutMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaderboard.json")

	legacy := map[string]*models.UserStat{
		"user-1": {Username: "alice", PagesScraped: 5},
		"user-2": {Username: "bob", PagesScraped: 3},
	}
	raw, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("Failed to marshal legacy layout: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("Failed to write legacy file: %v", err)
	}

	svc := NewStatsService(path)
	if err := svc.Load(); err != nil {
		t.Fatalf("Failed to load legacy file: %v", err)
	}

	stat, ok := svc.UserStats(models.TenantDirect, "user-1")
	if !ok {
		t.Fatalf("Expected legacy user in tenant %q", models.TenantDirect)
	}
	if stat.PagesScraped != 5 {
		t.Errorf("Expected migrated count 5, got %d", stat.PagesScraped)
	}

	// Migration persisted the new layout, so a second load takes the
	// current-layout path and sees the same data
	migrated, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read migrated file: %v", err)
	}
	var file models.StatsFile
	if err := json.Unmarshal(migrated, &file); err != nil {
		t.Fatalf("Migrated file is not current layout: %v", err)
	}
	if file.Servers == nil || file.Servers[models.TenantDirect] == nil {
		t.Fatal("Migrated file missing direct tenant scope")
	}

	again := NewStatsService(path)
	if err := again.Load(); err != nil {
		t.Fatalf("Failed to reload migrated file: %v", err)
	}
	stat, ok = again.UserStats(models.TenantDirect, "user-2")
	if !ok || stat.PagesScraped != 3 {
		t.Errorf("Migration should be idempotent, got %+v (ok=%v)", stat, ok)
	}
}

func TestStats_CorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leaderboard.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}

	svc := NewStatsService(path)
	if err := svc.Load(); err != nil {
		t.Errorf("Corrupt file should not fail startup: %v", err)
	}
	if svc.TenantCount() != 0 {
		t.Errorf("Expected empty store after corrupt load, got %d tenants", svc.TenantCount())
	}
}

func TestStats_TenantLeaderboardOrdering(t *testing.T) {
	svc := newTestStats(t)
	now := time.Now()

	// carol first-scrapes before dave; both end up with 2 pages
	svc.RecordScrape("tenant-1", "carol", "carol", "", "https://example.com", now)
	svc.RecordScrape("tenant-1", "dave", "dave", "", "https://example.com", now)
	svc.RecordScrape("tenant-1", "carol", "carol", "", "https://example.com", now)
	svc.RecordScrape("tenant-1", "dave", "dave", "", "https://example.com", now)
	for i := 0; i < 3; i++ {
		svc.RecordScrape("tenant-1", "erin", "erin", "", "https://example.com", now)
	}

	entries := svc.TenantLeaderboard("tenant-1", 0)
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].UserID != "erin" {
		t.Errorf("Expected erin first with 3 pages, got %s", entries[0].UserID)
	}
	// Tie between carol and dave resolves to first-scrape order
	if entries[1].UserID != "carol" || entries[2].UserID != "dave" {
		t.Errorf("Expected tie order carol,dave, got %s,%s", entries[1].UserID, entries[2].UserID)
	}
}

func TestStats_TenantLeaderboardLimit(t *testing.T) {
	svc := newTestStats(t)
	now := time.Now()
	for _, user := range []string{"a", "b", "c", "d"} {
		svc.RecordScrape("tenant-1", user, user, "", "https://example.com", now)
	}

	entries := svc.TenantLeaderboard("tenant-1", 2)
	if len(entries) != 2 {
		t.Errorf("Expected limit of 2, got %d entries", len(entries))
	}

	if got := svc.TenantLeaderboard("missing-tenant", 10); len(got) != 0 {
		t.Errorf("Expected empty leaderboard for unknown tenant, got %d", len(got))
	}
}

func TestStats_GlobalLeaderboardMergesTenants(t *testing.T) {
	svc := newTestStats(t)
	base := time.Now()

	for i := 0; i < 3; i++ {
		svc.RecordScrape("tenant-1", "alice", "alice", "", "https://one.example", base)
	}
	for i := 0; i < 4; i++ {
		svc.RecordScrape("tenant-2", "alice", "alice-renamed", "", "https://two.example", base.Add(time.Hour))
	}
	svc.RecordScrape("tenant-1", "bob", "bob", "", "https://solo.example", base)

	entries := svc.GlobalLeaderboard(0)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 merged users, got %d", len(entries))
	}
	if entries[0].UserID != "alice" {
		t.Fatalf("Expected alice first, got %s", entries[0].UserID)
	}
	if entries[0].Stat.PagesScraped != 7 {
		t.Errorf("Expected summed count 3+4=7, got %d", entries[0].Stat.PagesScraped)
	}
	// The later activity's origin and display name win the merge
	if entries[0].Stat.LastScrapedURL != "https://two.example" {
		t.Errorf("Expected latest origin to win, got %s", entries[0].Stat.LastScrapedURL)
	}
	if entries[0].Stat.Username != "alice-renamed" {
		t.Errorf("Expected latest username to win, got %s", entries[0].Stat.Username)
	}
}

func TestStats_ReadsReturnSnapshots(t *testing.T) {
	svc := newTestStats(t)
	now := time.Now()
	svc.RecordScrape("tenant-1", "alice", "alice", "", "https://example.com/a", now)

	stat, _ := svc.UserStats("tenant-1", "alice")
	entries := svc.TenantLeaderboard("tenant-1", 0)

	svc.RecordScrape("tenant-1", "alice", "alice", "", "https://example.com/b", now.Add(time.Minute))

	if stat.PagesScraped != 1 {
		t.Errorf("UserStats result changed under a later write, got %d", stat.PagesScraped)
	}
	if entries[0].Stat.PagesScraped != 1 {
		t.Errorf("Leaderboard entry changed under a later write, got %d", entries[0].Stat.PagesScraped)
	}

	// Mutating a returned stat must not leak back into the store
	stat.PagesScraped = 99
	fresh, _ := svc.UserStats("tenant-1", "alice")
	if fresh.PagesScraped != 2 {
		t.Errorf("Caller mutation leaked into the store, got %d", fresh.PagesScraped)
	}
}

func TestStats_ConcurrentRecordAndLeaderboard(t *testing.T) {
	svc := newTestStats(t)
	now := time.Now()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			svc.RecordScrape("tenant-1", "alice", "alice", "", "https://example.com", now.Add(time.Duration(i)*time.Second))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			entries := svc.TenantLeaderboard("tenant-1", 0)
			for _, entry := range entries {
				_ = entry.Stat.PagesScraped
				_ = entry.Stat.LastScrapedAt
			}
			if stat, ok := svc.UserStats("tenant-1", "alice"); ok {
				_ = stat.LastScrapedURL
			}
		}
	}()
	wg.Wait()

	stat, ok := svc.UserStats("tenant-1", "alice")
	if !ok || stat.PagesScraped != 50 {
		t.Errorf("Expected 50 recorded scrapes, got %+v (ok=%v)", stat, ok)
	}
}

func TestStats_GlobalLeaderboardDoesNotMutateTenants(t *testing.T) {
	svc := newTestStats(t)
	now := time.Now()
	svc.RecordScrape("tenant-1", "alice", "alice", "", "https://one.example", now)
	svc.RecordScrape("tenant-2", "alice", "alice", "", "https://two.example", now)

	svc.GlobalLeaderboard(0)

	stat, _ := svc.UserStats("tenant-1", "alice")
	if stat.PagesScraped != 1 {
		t.Errorf("Global merge must not write back into tenant scopes, got %d", stat.PagesScraped)
	}
}
