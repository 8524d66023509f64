package keystore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/org/secretapproval/pkg/models"
)

// NopCache never caches.
type NopCache struct{}

func (NopCache) Get(context.Context, uuid.UUID) (*models.BlindIndexSalt, bool) { return nil, false }
func (NopCache) Set(context.Context, *models.BlindIndexSalt)                    {}

type memEntry struct {
	salt    models.BlindIndexSalt
	expires time.Time
}

// MemoryCache is a process-local Cache with a fixed TTL.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[uuid.UUID]memEntry
	now     func() time.Time
}

// NewMemoryCache returns a cache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: map[uuid.UUID]memEntry{}, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, projectID uuid.UUID) (*models.BlindIndexSalt, bool) {
	c.mu.RLock()
	e, ok := c.entries[projectID]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	salt := e.salt
	return &salt, true
}

func (c *MemoryCache) Set(_ context.Context, s *models.BlindIndexSalt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.ProjectID] = memEntry{salt: *s, expires: c.now().Add(c.ttl)}
}
