package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"scrapebot/internal/logging"
	"scrapebot/internal/models"
)

// DeliveryState is the lifecycle state of one scrape request.
type DeliveryState string

const (
	StateReceived   DeliveryState = "received"
	StateConverting DeliveryState = "converting"
	StateRegistered DeliveryState = "registered"
	StateDelivering DeliveryState = "delivering"
	StateCompleted  DeliveryState = "completed"
	StateFailed     DeliveryState = "failed"
)

// ErrShuttingDown is returned for requests arriving after shutdown began.
var ErrShuttingDown = fmt.Errorf("service is shutting down")

// ScrapeRequest is one user-initiated scrape or image extraction.
type ScrapeRequest struct {
	Tenant      string
	UserID      string
	DisplayName string
	AvatarURL   string
	ChatID      int64
	URL         string
}

// DeliveryReport summarizes how a request ended.
type DeliveryReport struct {
	RequestID     string
	State         DeliveryState
	Files         int
	BatchesSent   int
	BatchesFailed int
}

// DeliveryOrchestrator drives a request through conversion, registration
// and batched delivery. Requests run concurrently across users; the
// register-and-record step is serialized per user so session and stats
// updates for one user never interleave.
type DeliveryOrchestrator struct {
	converter Converter
	transport Transport
	registry  *ArtifactRegistryService
	sessions  *SessionCacheService
	stats     *StatsService
	audit     *AuditService
	userLocks *KeyedMutex

	batchSize int
	// paceDelay spaces consecutive batches within one request; zero
	// disables pacing. Requests pace independently of each other.
	paceDelay time.Duration

	accepting atomic.Bool
	wg        sync.WaitGroup
}

// NewDeliveryOrchestrator wires the delivery pipeline.
func NewDeliveryOrchestrator(
	converter Converter,
	transport Transport,
	registry *ArtifactRegistryService,
	sessions *SessionCacheService,
	stats *StatsService,
	audit *AuditService,
	batchSize int,
	paceDelay time.Duration,
) *DeliveryOrchestrator {
	o := &DeliveryOrchestrator{
		converter: converter,
		transport: transport,
		registry:  registry,
		sessions:  sessions,
		stats:     stats,
		audit:     audit,
		userLocks: NewKeyedMutex(),
		batchSize: batchSize,
		paceDelay: paceDelay,
	}
	o.accepting.Store(true)
	return o
}

// HandleScrape runs a webpage-to-markdown request end to end.
func (o *DeliveryOrchestrator) HandleScrape(ctx context.Context, req ScrapeRequest) (*DeliveryReport, error) {
	return o.handle(ctx, req, models.SessionKindScrape)
}

// HandleImages runs an image extraction request end to end.
func (o *DeliveryOrchestrator) HandleImages(ctx context.Context, req ScrapeRequest) (*DeliveryReport, error) {
	return o.handle(ctx, req, models.SessionKindImages)
}

func (o *DeliveryOrchestrator) handle(ctx context.Context, req ScrapeRequest, kind models.SessionKind) (*DeliveryReport, error) {
	if !o.accepting.Load() {
		return nil, ErrShuttingDown
	}
	o.wg.Add(1)
	defer o.wg.Done()

	startTime := time.Now()
	report := &DeliveryReport{RequestID: uuid.NewString(), State: StateReceived}
	logger := logging.WithRequest(report.RequestID, req.UserID, req.URL)
	logger.Info("scrape request received", "kind", string(kind), "tenant", req.Tenant)

	// Acknowledge immediately so the user sees progress while we fetch
	ackID, err := o.transport.Reply(ctx, req.ChatID, fmt.Sprintf("🔎 Working on %s ...", req.URL), nil)
	if err != nil {
		report.State = StateFailed
		return report, fmt.Errorf("failed to acknowledge request: %w", err)
	}

	report.State = StateConverting
	files, imageCount, convErr := o.convert(ctx, req.URL, kind)
	if convErr != nil {
		report.State = StateFailed
		scrapeRequestsTotal(string(kind), "failure")
		logger.Error("conversion failed", "error", convErr)
		o.audit.Emit("scrape_failed", req.UserID,
			fmt.Sprintf("Conversion of %s failed", req.URL), convErr, "")
		o.editStatus(ctx, req.ChatID, ackID, fmt.Sprintf("❌ Could not scrape %s: %v", req.URL, convErr))
		return report, nil
	}

	// Nothing to deliver is a successful outcome, not an error: the page
	// simply had no extractable content of this kind
	if len(files) == 0 {
		report.State = StateCompleted
		scrapeRequestsTotal(string(kind), "empty")
		o.editStatus(ctx, req.ChatID, ackID, nothingFoundMessage(kind, req.URL))
		logger.Info("nothing found", "kind", string(kind))
		return report, nil
	}
	report.Files = len(files)

	// Registration, session overwrite and the stats increment happen under
	// the user's lock so concurrent requests from one user cannot interleave
	o.userLocks.Lock(req.UserID)
	for _, path := range files {
		if _, regErr := o.registry.Register(path, req.UserID, req.URL); regErr != nil {
			logger.Warn("artifact registration failed", "path", path, "error", regErr)
		}
	}
	o.sessions.Put(req.UserID, kind, req.URL, files, imageCount)
	o.stats.RecordScrape(req.Tenant, req.UserID, req.DisplayName, req.AvatarURL, req.URL, time.Now())
	o.userLocks.Unlock(req.UserID)
	report.State = StateRegistered

	report.State = StateDelivering
	o.editStatus(ctx, req.ChatID, ackID, deliveryStatusMessage(kind, req.URL, len(files), imageCount))

	batches := batchFiles(files, o.batchSize)
	// One limiter per request: pacing within a request must not couple
	// independent requests to each other
	var pacer *rate.Limiter
	if o.paceDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(o.paceDelay), 1)
	}
	for i, batch := range batches {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				logger.Warn("batch pacing interrupted", "error", err)
			}
		}
		if err := o.transport.FollowUp(ctx, req.ChatID, "", batch); err != nil {
			report.BatchesFailed++
			batchesTotal("failure")
			logger.Error("batch delivery failed", "batch", i+1, "files", len(batch), "error", err)
			o.audit.Emit("batch_delivery_failed", req.UserID,
				fmt.Sprintf("Batch %d/%d for %s failed", i+1, len(batches), req.URL), err, "")
			continue
		}
		report.BatchesSent++
		batchesTotal("success")
	}

	// Every batch has been attempted, so the request completes even when
	// nothing got through: delivery failures are tolerated per batch, and
	// the artifacts stay registered for the retention window either way
	report.State = StateCompleted
	if report.BatchesSent == 0 {
		scrapeRequestsTotal(string(kind), "failure")
		o.editStatus(ctx, req.ChatID, ackID, fmt.Sprintf("❌ Could not deliver the results for %s. Please try again.", req.URL))
		logger.Warn("no batch delivered", "batches_failed", report.BatchesFailed)
		return report, nil
	}

	scrapeRequestsTotal(string(kind), "success")
	scrapeLatencySeconds(time.Since(startTime).Seconds())
	o.editStatus(ctx, req.ChatID, ackID, completionMessage(kind, req.URL, report, o.registry.Retention()))
	logger.Info("scrape request completed",
		"files", report.Files, "batches_sent", report.BatchesSent,
		"batches_failed", report.BatchesFailed,
		"latency_ms", time.Since(startTime).Milliseconds())
	return report, nil
}

// convert dispatches to the right conversion path and normalizes the
// collaborator's soft-failure envelope into an error.
func (o *DeliveryOrchestrator) convert(ctx context.Context, urlStr string, kind models.SessionKind) ([]string, int, error) {
	switch kind {
	case models.SessionKindImages:
		result, err := o.converter.ExtractImages(ctx, urlStr)
		if err != nil {
			return nil, 0, err
		}
		if !result.Success {
			return nil, 0, fmt.Errorf("%s", result.Error)
		}
		return result.OutputFiles, result.ImageCount, nil
	default:
		result, err := o.converter.Convert(ctx, urlStr)
		if err != nil {
			return nil, 0, err
		}
		if !result.Success {
			return nil, 0, fmt.Errorf("%s", result.Error)
		}
		return result.OutputFiles, 0, nil
	}
}

func (o *DeliveryOrchestrator) editStatus(ctx context.Context, chatID, messageID int64, text string) {
	if messageID == 0 {
		return
	}
	if err := o.transport.EditReply(ctx, chatID, messageID, text); err != nil {
		log.Printf("⚠️  [ORCHESTRATOR] Failed to update status message: %v", err)
	}
}

// Shutdown stops intake and waits for in-flight requests up to the
// context deadline.
func (o *DeliveryOrchestrator) Shutdown(ctx context.Context) error {
	o.accepting.Store(false)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ [ORCHESTRATOR] All in-flight requests drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown grace period expired with requests in flight: %w", ctx.Err())
	}
}

// batchFiles partitions files into ordered batches of at most size,
// preserving production order.
func batchFiles(files []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var batches [][]string
	for start := 0; start < len(files); start += size {
		end := start + size
		if end > len(files) {
			end = len(files)
		}
		batches = append(batches, files[start:end])
	}
	return batches
}

func nothingFoundMessage(kind models.SessionKind, urlStr string) string {
	if kind == models.SessionKindImages {
		return fmt.Sprintf("🖼 No images found on %s.", urlStr)
	}
	return fmt.Sprintf("📄 No readable content found on %s.", urlStr)
}

func deliveryStatusMessage(kind models.SessionKind, urlStr string, fileCount, imageCount int) string {
	if kind == models.SessionKindImages {
		return fmt.Sprintf("🖼 Found %d image(s) on %s, sending...", imageCount, urlStr)
	}
	return fmt.Sprintf("📄 Converted %s into %d file(s), sending...", urlStr, fileCount)
}

func completionMessage(kind models.SessionKind, urlStr string, report *DeliveryReport, retention time.Duration) string {
	minutes := int(retention.Minutes())
	var msg string
	if kind == models.SessionKindImages {
		msg = fmt.Sprintf("✅ Images from %s delivered (%d/%d batches).", urlStr, report.BatchesSent, report.BatchesSent+report.BatchesFailed)
	} else {
		msg = fmt.Sprintf("✅ Scraped %s — %d file(s) delivered.", urlStr, report.Files)
	}
	if report.BatchesFailed > 0 {
		msg += fmt.Sprintf(" ⚠️ %d batch(es) could not be sent.", report.BatchesFailed)
	}
	msg += fmt.Sprintf(" Files are kept for %d minutes.", minutes)
	return msg
}
