package embedding

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Cache holds one Store per generation. It never refreshes on its own:
// Invalidate must be called after enrollment data changes.
type Cache struct {
	loader Loader
	dim    int
	log    logrus.FieldLogger

	mu         sync.Mutex
	current    *Store
	generation uint64
}

func NewCache(loader Loader, dim int, log logrus.FieldLogger) *Cache {
	return &Cache{loader: loader, dim: dim, log: log}
}

// GetOrBuild returns the cached Store, loading it first if the current
// generation has none. Concurrent callers wait for the same load. A failed
// load is not cached.
func (c *Cache) GetOrBuild(ctx context.Context) (*Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return c.current, nil
	}

	start := time.Now()
	s, err := Load(ctx, c.loader, c.dim, c.log)
	if err != nil {
		return nil, err
	}
	c.current = s
	c.generation++
	c.log.WithFields(logrus.Fields{
		"generation": c.generation,
		"identities": s.Len(),
		"took":       time.Since(start).String(),
	}).Info("embedding store built")
	return s, nil
}

// Invalidate drops the cached Store so the next GetOrBuild reloads it.
// Sessions already holding the old Store keep using it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.log.WithField("generation", c.generation).Info("embedding store invalidated")
	}
	c.current = nil
}

// Generation counts how many times the Store has been built.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Warm reports whether a Store is currently cached.
func (c *Cache) Warm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}
