// Package promptcache keeps system prompts pushed by the call-creation path so a
// session can read its prompt without a store round-trip on the hot path.
package promptcache

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// Entry is a cached prompt and the time it was last written.
type Entry struct {
	Prompt     string
	InsertedAt time.Time
}

type Option func(*Cache)

// WithClock overrides the time source used for insertion stamps and sweeps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache is a TTL-swept map from call id to prompt. At most one entry exists per
// call id; the last write wins. Entries are removed by the sweep once they are
// older than the TTL, whether or not they were ever read.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
	onSweep func(removed int)
}

func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSweepHook registers a callback invoked after every sweep run.
func (c *Cache) SetSweepHook(hook func(removed int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSweep = hook
}

func (c *Cache) Put(callID, prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[callID] = Entry{Prompt: prompt, InsertedAt: c.now()}
}

func (c *Cache) Get(callID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[callID]
	if !ok {
		return "", false
	}
	return e.Prompt, true
}

func (c *Cache) Delete(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, callID)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// StartSweeper runs Sweep on every interval tick until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Sweep deletes every entry whose age has reached the TTL and returns how many
// were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	now := c.now()
	removed := 0
	for id, e := range c.entries {
		if now.Sub(e.InsertedAt) >= c.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	hook := c.onSweep
	c.mu.Unlock()

	if hook != nil {
		hook(removed)
	}
	return removed
}
