package services

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"scrapebot/internal/models"
)

// ErrAlreadyRegistered is returned when a path is registered twice.
var ErrAlreadyRegistered = errors.New("artifact path already registered")

// ArtifactRegistryService tracks every generated output file and guarantees
// it is deleted exactly once after the retention window. Physical deletion
// failures are terminal for the record: the registry never retries, so a
// misbehaving filesystem cannot cause an eviction storm.
type ArtifactRegistryService struct {
	mu        sync.Mutex
	artifacts map[string]*models.Artifact // keyed by path
	retention time.Duration
	audit     *AuditService
}

// NewArtifactRegistryService creates a registry with the given retention window.
func NewArtifactRegistryService(retention time.Duration, audit *AuditService) *ArtifactRegistryService {
	return &ArtifactRegistryService{
		artifacts: make(map[string]*models.Artifact),
		retention: retention,
		audit:     audit,
	}
}

// Register starts tracking a generated file. The eviction deadline is
// now + retention. Registering a path that is already tracked is an error,
// not an overwrite: the caller produced a duplicate file name.
func (s *ArtifactRegistryService) Register(path, owner, origin string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.artifacts[path]; exists {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRegistered, path)
	}

	now := time.Now()
	artifact := &models.Artifact{
		ID:        uuid.NewString(),
		Path:      path,
		Owner:     owner,
		Origin:    origin,
		CreatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}
	s.artifacts[path] = artifact

	artifactsTracked(len(s.artifacts))
	log.Printf("📦 [REGISTRY] Tracking %s for %s (expires %s)", path, owner, artifact.ExpiresAt.Format(time.RFC3339))
	return artifact.ID, nil
}

// EvictDue deletes every artifact whose deadline has passed. The record is
// removed from tracking before the physical delete is attempted, so a
// second call with the same clock can never evict the same artifact twice.
// Returns the number of records evicted (including failed deletions, which
// are logged and audited but not retried).
func (s *ArtifactRegistryService) EvictDue(now time.Time) int {
	due := s.takeDue(now)
	for _, artifact := range due {
		s.deleteArtifact(artifact)
	}
	return len(due)
}

// DrainAll immediately evicts every tracked artifact regardless of expiry.
// Called once at orderly shutdown.
func (s *ArtifactRegistryService) DrainAll() int {
	s.mu.Lock()
	drained := make([]*models.Artifact, 0, len(s.artifacts))
	for _, artifact := range s.artifacts {
		drained = append(drained, artifact)
	}
	s.artifacts = make(map[string]*models.Artifact)
	artifactsTracked(0)
	s.mu.Unlock()

	log.Printf("🧹 [REGISTRY] Draining %d tracked artifacts", len(drained))
	for _, artifact := range drained {
		s.deleteArtifact(artifact)
	}
	return len(drained)
}

// Count returns the number of currently tracked artifacts.
func (s *ArtifactRegistryService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.artifacts)
}

// Retention returns the configured retention window.
func (s *ArtifactRegistryService) Retention() time.Duration {
	return s.retention
}

// Get returns the tracked artifact for a path, if any.
func (s *ArtifactRegistryService) Get(path string) (*models.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[path]
	return artifact, ok
}

// takeDue removes and returns every record with ExpiresAt <= now.
func (s *ArtifactRegistryService) takeDue(now time.Time) []*models.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Artifact
	for path, artifact := range s.artifacts {
		if !artifact.ExpiresAt.After(now) {
			due = append(due, artifact)
			delete(s.artifacts, path)
		}
	}
	artifactsTracked(len(s.artifacts))
	return due
}

// deleteArtifact performs the physical delete and emits exactly one audit
// event, tagged success or failure. An already-missing file counts as a
// successful eviction.
func (s *ArtifactRegistryService) deleteArtifact(artifact *models.Artifact) {
	err := os.Remove(artifact.Path)
	if err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️  [REGISTRY] Failed to delete %s: %v", artifact.Path, err)
		evictionsTotal("failure")
		s.audit.Emit("file_deletion_failed", artifact.Owner,
			fmt.Sprintf("Failed to delete artifact for %s: %s", artifact.Origin, artifact.Path), err, "")
		return
	}

	log.Printf("🗑️  [REGISTRY] Deleted %s (origin: %s)", artifact.Path, artifact.Origin)
	evictionsTotal("success")
	s.audit.Emit("file_deleted", artifact.Owner,
		fmt.Sprintf("Artifact for %s deleted after retention period: %s", artifact.Origin, artifact.Path), nil, "")
}
