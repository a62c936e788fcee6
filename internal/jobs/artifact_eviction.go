package jobs

import (
	"context"
	"log"
	"time"

	"scrapebot/internal/services"
)

// ArtifactEvictionJob sweeps the artifact registry for files whose
// retention window has passed. Eviction runs on the sweep schedule, never
// as part of request handling: a slow or failing delivery can delay a
// user's files but never their cleanup.
type ArtifactEvictionJob struct {
	registry *services.ArtifactRegistryService
	interval time.Duration
}

// NewArtifactEvictionJob creates the sweep job with the given interval.
func NewArtifactEvictionJob(registry *services.ArtifactRegistryService, interval time.Duration) *ArtifactEvictionJob {
	return &ArtifactEvictionJob{registry: registry, interval: interval}
}

// Run evicts every artifact that is due at the time of the sweep.
func (j *ArtifactEvictionJob) Run(ctx context.Context) error {
	evicted := j.registry.EvictDue(time.Now())
	if evicted > 0 {
		log.Printf("🗑️  [EVICTION] Evicted %d expired artifact(s), %d still tracked", evicted, j.registry.Count())
	}
	return nil
}

// GetNextRunTime returns the next sweep time
func (j *ArtifactEvictionJob) GetNextRunTime() time.Time {
	return time.Now().Add(j.interval)
}
