// Package cache holds short-lived venue quotes used for valuation.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"trade-executor/pkg/brokers/common"
)

const numShards = 16

// QuoteCache is a sharded quote cache with a freshness bound.
type QuoteCache struct {
	ttl    time.Duration
	shards [numShards]*quoteShard
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

type quoteEntry struct {
	quote     common.Quote
	updatedAt time.Time
}

// NewQuoteCache creates a cache whose entries expire after ttl.
func NewQuoteCache(ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	c := &QuoteCache{ttl: ttl}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{items: make(map[string]quoteEntry)}
	}
	return c
}

func (c *QuoteCache) getShard(key string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores q under its symbol.
func (c *QuoteCache) Set(q common.Quote) {
	shard := c.getShard(q.Symbol)
	shard.mu.Lock()
	shard.items[q.Symbol] = quoteEntry{quote: q, updatedAt: time.Now()}
	shard.mu.Unlock()
}

// Get returns the quote only while it is fresher than the TTL.
func (c *QuoteCache) Get(symbol string) (common.Quote, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok || time.Since(entry.updatedAt) > c.ttl {
		return common.Quote{}, false
	}
	return entry.quote, true
}

// Delete removes a symbol.
func (c *QuoteCache) Delete(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns total items across all shards, stale ones included.
func (c *QuoteCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup drops entries older than the TTL and returns how many were removed.
func (c *QuoteCache) Cleanup() int {
	removed := 0
	cutoff := time.Now().Add(-c.ttl)
	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
