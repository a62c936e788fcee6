package models

import "time"

// Artifact is a generated output file tracked by the artifact registry.
// Every artifact is owned by the user whose request produced it and carries
// the deadline after which the registry removes it from disk.
type Artifact struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Owner     string    `json:"owner"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionKind distinguishes the two cached result types per user.
type SessionKind string

const (
	SessionKindScrape SessionKind = "scrape"
	SessionKindImages SessionKind = "images"
)

// SessionEntry is the most recent conversion result for one (user, kind)
// pair. Artifact paths referenced here may already have been evicted by the
// registry; readers must treat a missing file as "no content found".
type SessionEntry struct {
	Origin        string    `json:"origin"`
	ArtifactPaths []string  `json:"artifact_paths"`
	CreatedAt     time.Time `json:"created_at"`
	ImageCount    int       `json:"image_count,omitempty"` // only for SessionKindImages
}
