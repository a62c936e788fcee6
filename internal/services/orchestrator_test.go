package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"scrapebot/internal/models"
)

type fakeConverter struct {
	convertResult *ConvertResult
	imagesResult  *ImageResult
	err           error
}

func (f *fakeConverter) Convert(ctx context.Context, urlStr string) (*ConvertResult, error) {
	return f.convertResult, f.err
}

func (f *fakeConverter) ExtractImages(ctx context.Context, urlStr string) (*ImageResult, error) {
	return f.imagesResult, f.err
}

type sentBatch struct {
	text  string
	files []string
}

type fakeTransport struct {
	mu           sync.Mutex
	replies      []sentBatch
	edits        []string
	followUps    []sentBatch
	failFollowUp map[int]bool // 1-based call index
}

func (f *fakeTransport) Reply(ctx context.Context, chatID int64, text string, files []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sentBatch{text: text, files: files})
	return int64(len(f.replies)), nil
}

func (f *fakeTransport) EditReply(ctx context.Context, chatID, messageID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) FollowUp(ctx context.Context, chatID int64, text string, files []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followUps = append(f.followUps, sentBatch{text: text, files: files})
	if f.failFollowUp[len(f.followUps)] {
		return errors.New("network hiccup")
	}
	return nil
}

func testRequest() ScrapeRequest {
	return ScrapeRequest{
		Tenant:      "tenant-1",
		UserID:      "user-1",
		DisplayName: "alice",
		ChatID:      42,
		URL:         "https://example.com",
	}
}

func newTestOrchestrator(t *testing.T, conv Converter, transport Transport, batchSize int) (*DeliveryOrchestrator, *ArtifactRegistryService, *SessionCacheService, *StatsService) {
	t.Helper()
	registry := NewArtifactRegistryService(15*time.Minute, nil)
	sessions := NewSessionCacheService()
	stats := newTestStats(t)
	o := NewDeliveryOrchestrator(conv, transport, registry, sessions, stats, nil, batchSize, 0)
	return o, registry, sessions, stats
}

func fakeFiles(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	files := make([]string, n)
	for i := range files {
		files[i] = writeArtifactFile(t, dir, fmt.Sprintf("output_%d.md", i+1))
	}
	return files
}

func TestOrchestrator_DeliversOrderedBatches(t *testing.T) {
	files := fakeFiles(t, 5)
	conv := &fakeConverter{convertResult: &ConvertResult{Success: true, OutputFiles: files}}
	transport := &fakeTransport{}
	o, registry, sessions, stats := newTestOrchestrator(t, conv, transport, 2)

	report, err := o.HandleScrape(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("HandleScrape failed: %v", err)
	}

	if report.State != StateCompleted {
		t.Errorf("Expected state %s, got %s", StateCompleted, report.State)
	}
	if report.BatchesSent != 3 || report.BatchesFailed != 0 {
		t.Errorf("Expected 3 sent / 0 failed batches, got %d / %d", report.BatchesSent, report.BatchesFailed)
	}

	if len(transport.followUps) != 3 {
		t.Fatalf("Expected 3 follow-up batches, got %d", len(transport.followUps))
	}
	wantSizes := []int{2, 2, 1}
	var delivered []string
	for i, batch := range transport.followUps {
		if len(batch.files) != wantSizes[i] {
			t.Errorf("Batch %d: expected %d files, got %d", i+1, wantSizes[i], len(batch.files))
		}
		delivered = append(delivered, batch.files...)
	}
	// Batches preserve production order end to end
	for i, path := range delivered {
		if path != files[i] {
			t.Errorf("File %d delivered out of order: expected %s, got %s", i, files[i], path)
		}
	}

	if registry.Count() != 5 {
		t.Errorf("Expected all 5 files registered, got %d", registry.Count())
	}
	entry, ok := sessions.Get("user-1", models.SessionKindScrape)
	if !ok || len(entry.ArtifactPaths) != 5 {
		t.Error("Expected session entry with all artifact paths")
	}
	stat, ok := stats.UserStats("tenant-1", "user-1")
	if !ok || stat.PagesScraped != 1 {
		t.Error("Expected exactly one recorded scrape")
	}
}

func TestOrchestrator_ToleratesBatchFailure(t *testing.T) {
	files := fakeFiles(t, 5)
	conv := &fakeConverter{convertResult: &ConvertResult{Success: true, OutputFiles: files}}
	transport := &fakeTransport{failFollowUp: map[int]bool{2: true}}
	o, _, _, _ := newTestOrchestrator(t, conv, transport, 2)

	report, err := o.HandleScrape(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("HandleScrape failed: %v", err)
	}

	// Batch 2 failed but batches 1 and 3 were still attempted
	if len(transport.followUps) != 3 {
		t.Errorf("Expected all 3 batches attempted, got %d", len(transport.followUps))
	}
	if report.BatchesSent != 2 || report.BatchesFailed != 1 {
		t.Errorf("Expected 2 sent / 1 failed, got %d / %d", report.BatchesSent, report.BatchesFailed)
	}
	if report.State != StateCompleted {
		t.Errorf("Partial delivery should still complete, got %s", report.State)
	}
}

func TestOrchestrator_AllBatchesFailingStillCompletes(t *testing.T) {
	files := fakeFiles(t, 3)
	conv := &fakeConverter{convertResult: &ConvertResult{Success: true, OutputFiles: files}}
	transport := &fakeTransport{failFollowUp: map[int]bool{1: true, 2: true}}
	o, registry, _, _ := newTestOrchestrator(t, conv, transport, 2)

	report, err := o.HandleScrape(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("HandleScrape failed: %v", err)
	}

	// Delivery failures are per-batch events; once every batch has been
	// attempted the request completes
	if report.State != StateCompleted {
		t.Errorf("Expected completed after all batches attempted, got %s", report.State)
	}
	if len(transport.followUps) != 2 {
		t.Errorf("Expected both batches attempted, got %d", len(transport.followUps))
	}
	if report.BatchesSent != 0 || report.BatchesFailed != 2 {
		t.Errorf("Expected 0 sent / 2 failed, got %d / %d", report.BatchesSent, report.BatchesFailed)
	}
	// Artifacts stay registered for the retention window regardless
	if registry.Count() != 3 {
		t.Errorf("Expected artifacts still registered, got %d", registry.Count())
	}
}

func TestOrchestrator_NothingFound(t *testing.T) {
	conv := &fakeConverter{imagesResult: &ImageResult{Success: true, ImageCount: 0}}
	transport := &fakeTransport{}
	o, registry, sessions, stats := newTestOrchestrator(t, conv, transport, 10)

	report, err := o.HandleImages(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("HandleImages failed: %v", err)
	}

	if report.State != StateCompleted {
		t.Errorf("Empty result should complete, got %s", report.State)
	}
	if len(transport.followUps) != 0 {
		t.Errorf("Expected no delivery batches, got %d", len(transport.followUps))
	}
	if registry.Count() != 0 {
		t.Error("Nothing should be registered for an empty result")
	}
	if _, ok := sessions.Get("user-1", models.SessionKindImages); ok {
		t.Error("No session entry should be cached for an empty result")
	}
	if _, ok := stats.UserStats("tenant-1", "user-1"); ok {
		t.Error("Empty results should not count toward stats")
	}
	// But the user was told
	if len(transport.edits) == 0 {
		t.Error("Expected a nothing-found status message")
	}
}

func TestOrchestrator_ConversionFailure(t *testing.T) {
	conv := &fakeConverter{convertResult: &ConvertResult{Success: false, Error: "robots.txt disallows"}}
	transport := &fakeTransport{}
	o, registry, _, stats := newTestOrchestrator(t, conv, transport, 10)

	report, err := o.HandleScrape(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("HandleScrape returned transport error: %v", err)
	}
	if report.State != StateFailed {
		t.Errorf("Expected failed state, got %s", report.State)
	}
	if registry.Count() != 0 {
		t.Error("Nothing should be registered after conversion failure")
	}
	if _, ok := stats.UserStats("tenant-1", "user-1"); ok {
		t.Error("Failed conversions should not count toward stats")
	}
}

func TestOrchestrator_RejectsAfterShutdown(t *testing.T) {
	conv := &fakeConverter{convertResult: &ConvertResult{Success: true}}
	transport := &fakeTransport{}
	o, _, _, _ := newTestOrchestrator(t, conv, transport, 10)

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	_, err := o.HandleScrape(context.Background(), testRequest())
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
}

func TestOrchestrator_ArtifactsExpireAfterRetention(t *testing.T) {
	files := fakeFiles(t, 2)
	conv := &fakeConverter{convertResult: &ConvertResult{Success: true, OutputFiles: files}}
	transport := &fakeTransport{}
	o, registry, _, _ := newTestOrchestrator(t, conv, transport, 10)

	if _, err := o.HandleScrape(context.Background(), testRequest()); err != nil {
		t.Fatalf("HandleScrape failed: %v", err)
	}
	if registry.Count() != 2 {
		t.Fatalf("Expected 2 registered artifacts, got %d", registry.Count())
	}

	if n := registry.EvictDue(time.Now().Add(16 * time.Minute)); n != 2 {
		t.Errorf("Expected both artifacts evicted after retention, got %d", n)
	}
}

func TestBatchFiles(t *testing.T) {
	files := []string{"a", "b", "c", "d", "e"}

	batches := batchFiles(files, 2)
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(batches))
	}
	if len(batches[2]) != 1 || batches[2][0] != "e" {
		t.Errorf("Expected final partial batch [e], got %v", batches[2])
	}

	if got := batchFiles(files, 10); len(got) != 1 {
		t.Errorf("Expected single batch when size exceeds count, got %d", len(got))
	}
	if got := batchFiles(nil, 3); len(got) != 0 {
		t.Errorf("Expected no batches for empty input, got %d", len(got))
	}
	// Defensive size handling rather than an infinite loop
	if got := batchFiles(files, 0); len(got) != 5 {
		t.Errorf("Expected size 0 to degrade to single-file batches, got %d", len(got))
	}
}

func TestOrchestrator_PacesBatchesWithinRequest(t *testing.T) {
	files := fakeFiles(t, 3)
	conv := &fakeConverter{convertResult: &ConvertResult{Success: true, OutputFiles: files}}
	transport := &fakeTransport{}
	registry := NewArtifactRegistryService(15*time.Minute, nil)
	sessions := NewSessionCacheService()
	stats := newTestStats(t)
	o := NewDeliveryOrchestrator(conv, transport, registry, sessions, stats, nil, 1, 30*time.Millisecond)

	start := time.Now()
	report, err := o.HandleScrape(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("HandleScrape failed: %v", err)
	}
	if report.BatchesSent != 3 {
		t.Fatalf("Expected 3 batches sent, got %d", report.BatchesSent)
	}

	// Three batches means two inter-batch gaps of the pacing delay
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("Expected at least 60ms of pacing across 3 batches, got %v", elapsed)
	}
}

func TestOrchestrator_ConcurrentRequestsSameUser(t *testing.T) {
	transport := &fakeTransport{}
	registry := NewArtifactRegistryService(15*time.Minute, nil)
	sessions := NewSessionCacheService()
	stats := newTestStats(t)

	dir := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			files := []string{writeArtifactFile(t, dir, fmt.Sprintf("out_%d.md", i))}
			conv := &fakeConverter{convertResult: &ConvertResult{Success: true, OutputFiles: files}}
			o := NewDeliveryOrchestrator(conv, transport, registry, sessions, stats, nil, 10, 0)
			if _, err := o.HandleScrape(context.Background(), testRequest()); err != nil {
				t.Errorf("HandleScrape failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	stat, ok := stats.UserStats("tenant-1", "user-1")
	if !ok || stat.PagesScraped != 8 {
		t.Errorf("Expected 8 recorded scrapes, got %+v (ok=%v)", stat, ok)
	}
	if registry.Count() != 8 {
		t.Errorf("Expected 8 registered artifacts, got %d", registry.Count())
	}
	// The session holds exactly one complete request's artifacts
	entry, ok := sessions.Get("user-1", models.SessionKindScrape)
	if !ok || len(entry.ArtifactPaths) != 1 {
		t.Error("Expected the session to hold one request's artifacts")
	}
}
