// Package cache provides a bounded in-memory key/value cache with per-entry
// expiry, used as the shared store behind provider health data.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// DefaultSize bounds the number of entries when New is given size <= 0.
const DefaultSize = 1024

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is an LRU cache whose entries expire individually. Expired entries are
// invisible to Get and are reclaimed lazily or by the purger.
type TTL[V any] struct {
	memory *lru.Cache[string, item[V]]

	// writeMu orders writers with expiry removals, so reclaiming an expired
	// entry never drops a fresh one stored after it was read.
	writeMu sync.Mutex

	mu  sync.RWMutex
	now func() time.Time
}

// New creates a cache holding at most size entries.
func New[V any](size int) (*TTL[V], error) {
	if size <= 0 {
		size = DefaultSize
	}
	memory, err := lru.New[string, item[V]](size)
	if err != nil {
		return nil, fmt.Errorf("cache: creating LRU: %w", err)
	}
	return &TTL[V]{memory: memory, now: time.Now}, nil
}

// SetNowFunc overrides the clock. Intended for tests.
func (c *TTL[V]) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *TTL[V]) clock() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now()
}

// Get returns the value for key if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V
	it, ok := c.memory.Get(key)
	if !ok {
		return zero, false
	}
	if !c.clock().Before(it.expiresAt) {
		c.removeIfUnchanged(key, it.expiresAt)
		return zero, false
	}
	return it.value, true
}

// removeIfUnchanged removes key only if it still holds the entry that expires
// at expiresAt.
func (c *TTL[V]) removeIfUnchanged(key string, expiresAt time.Time) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	it, ok := c.memory.Peek(key)
	if !ok || !it.expiresAt.Equal(expiresAt) {
		return false
	}
	c.memory.Remove(key)
	return true
}

// Set stores value under key for ttl. A ttl <= 0 stores nothing.
func (c *TTL[V]) Set(key string, value V, ttl time.Duration) {
	expiresAt := c.clock().Add(ttl)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if ttl <= 0 {
		c.memory.Remove(key)
		return
	}
	c.memory.Add(key, item[V]{value: value, expiresAt: expiresAt})
}

// Expire removes key immediately.
func (c *TTL[V]) Expire(key string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.memory.Remove(key)
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *TTL[V]) Len() int {
	return c.memory.Len()
}

// StartPurger evicts expired entries every interval until ctx is cancelled.
// The returned channel is closed when the goroutine exits.
func (c *TTL[V]) StartPurger(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Error().Interface("panic", r).Msg("cache purger: recovered from panic")
						}
					}()
					c.Purge()
				}()
			}
		}
	}()
	return done
}

// Purge evicts every expired entry and returns how many were removed.
func (c *TTL[V]) Purge() int {
	now := c.clock()
	removed := 0
	for _, key := range c.memory.Keys() {
		if it, ok := c.memory.Peek(key); ok && !now.Before(it.expiresAt) {
			if c.removeIfUnchanged(key, it.expiresAt) {
				removed++
			}
		}
	}
	return removed
}
