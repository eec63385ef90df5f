package history

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/scrypster/chathistory/internal/storage"
	"github.com/scrypster/chathistory/pkg/types"
)

type cacheEntry struct {
	conv       *types.Conversation
	accessedAt time.Time
}

// cache is an access-ordered LRU whose entries also expire ttl after their
// last access. It is not safe for concurrent use; Manager holds its lock.
type cache struct {
	lru *simplelru.LRU[storage.Key, *cacheEntry]
	ttl time.Duration
	max int

	hits      uint64
	misses    uint64
	evictions uint64
}

// newCache returns a cache holding at most max entries. max <= 0 disables
// caching: every lookup misses and nothing is stored.
func newCache(max int, ttl time.Duration) (*cache, error) {
	c := &cache{ttl: ttl, max: max}
	if max <= 0 {
		return c, nil
	}
	// One slot of headroom so put can account for capacity evictions itself.
	lru, err := simplelru.NewLRU[storage.Key, *cacheEntry](max+1, nil)
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

func (c *cache) expired(e *cacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.accessedAt) > c.ttl
}

// get returns a copy of the cached conversation and refreshes its access
// time. An expired entry is dropped and counts as a miss.
func (c *cache) get(key storage.Key, now time.Time) (*types.Conversation, bool) {
	if c.lru == nil {
		c.misses++
		return nil, false
	}
	e, ok := c.lru.Get(key)
	if ok && c.expired(e, now) {
		c.lru.Remove(key)
		c.evictions++
		ok = false
	}
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	e.accessedAt = now
	return e.conv.Clone(), true
}

// put stores a copy of conv and then evicts: expired entries first, then
// the least recently accessed until the cache is within capacity. It
// returns how many entries were evicted for each reason.
func (c *cache) put(key storage.Key, conv *types.Conversation, now time.Time) (expired, overflow int) {
	if c.lru == nil {
		return 0, 0
	}
	c.lru.Add(key, &cacheEntry{conv: conv.Clone(), accessedAt: now})

	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && c.expired(e, now) {
			c.lru.Remove(k)
			expired++
		}
	}
	for c.lru.Len() > c.max {
		c.lru.RemoveOldest()
		overflow++
	}
	c.evictions += uint64(expired + overflow)
	return expired, overflow
}

func (c *cache) remove(key storage.Key) bool {
	if c.lru == nil {
		return false
	}
	return c.lru.Remove(key)
}

// removeProject drops every entry of project except those keep selects and
// returns how many were dropped.
func (c *cache) removeProject(project string, keep func(storage.Key) bool) int {
	if c.lru == nil {
		return 0
	}
	n := 0
	for _, k := range c.lru.Keys() {
		if k.Project != project || keep(k) {
			continue
		}
		if c.lru.Remove(k) {
			n++
		}
	}
	return n
}

func (c *cache) len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

func (c *cache) reset() {
	if c.lru != nil {
		c.lru.Purge()
	}
	c.hits, c.misses, c.evictions = 0, 0, 0
}
