package services

import (
	"log"
	"sync"
	"time"

	"scrapebot/internal/models"
)

// SessionCacheService maps a user to their most recent conversion result so
// follow-up format actions can be served without reconverting. Each user has
// at most one live entry per result kind; a new result overwrites the old
// one. Entries are never evicted here: the artifact registry owns artifact
// lifetime, and readers of a stale entry handle missing files as a
// recoverable "no content found".
type SessionCacheService struct {
	mu      sync.RWMutex
	entries map[sessionKey]*models.SessionEntry
}

type sessionKey struct {
	owner string
	kind  models.SessionKind
}

// NewSessionCacheService creates an empty session cache.
func NewSessionCacheService() *SessionCacheService {
	return &SessionCacheService{
		entries: make(map[sessionKey]*models.SessionEntry),
	}
}

// Put replaces the entry for (owner, kind). imageCount is only meaningful
// for image sessions and ignored otherwise.
func (s *SessionCacheService) Put(owner string, kind models.SessionKind, origin string, artifactPaths []string, imageCount int) {
	paths := make([]string, len(artifactPaths))
	copy(paths, artifactPaths)

	entry := &models.SessionEntry{
		Origin:        origin,
		ArtifactPaths: paths,
		CreatedAt:     time.Now(),
	}
	if kind == models.SessionKindImages {
		entry.ImageCount = imageCount
	}

	s.mu.Lock()
	s.entries[sessionKey{owner: owner, kind: kind}] = entry
	s.mu.Unlock()

	log.Printf("💾 [SESSION] Cached %s result for %s: %d file(s) from %s", kind, owner, len(paths), origin)
}

// Get returns the live entry for (owner, kind), or false if the user has no
// cached result of that kind.
func (s *SessionCacheService) Get(owner string, kind models.SessionKind) (*models.SessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[sessionKey{owner: owner, kind: kind}]
	return entry, ok
}
