// Copyright 2025 SnappyData Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package relcache implements the process-wide cache of hash relations built
// from replicated tables. Concurrent tasks joining against the same
// replicated build side share one relation instead of each building a copy:
// the first fetch builds (single-flight), later fetches take a reference,
// and every fetching task releases its reference at completion.
package relcache

import (
	"container/list"
	"sync"

	"github.com/jeisc/snappydata/pkg/metrics"
	"github.com/jeisc/snappydata/pkg/util/memory"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Relation is a built, read-only join relation held by the cache.
type Relation interface {
	// EstimatedSize returns the byte-size estimate used for memory accounting.
	EstimatedSize() int64
	// Close releases the relation's memory. Called once, when the last
	// reference drains.
	Close()
}

// BuildFunc constructs a relation on a cache miss.
type BuildFunc func() (Relation, error)

// CompletionScope is the per-task completion lifecycle the host engine
// supplies. Hooks registered on it run exactly once, at task completion.
type CompletionScope interface {
	OnCompletion(func())
}

type cacheEntry struct {
	key  string
	rel  Relation
	size int64
	refs int
	// evicted means the entry was dropped from the index while still
	// referenced; the last release closes the relation.
	evicted bool
}

// Stats is a snapshot of cache activity counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Builds    int64
	Evictions int64
}

// Cache is the bounded, reference-counted relation cache. All mutation is
// internally synchronized; Get and InvalidateAll may be called from any
// number of tasks concurrently.
type Cache struct {
	capacity   int
	retryLimit int
	memTracker *memory.Tracker

	group singleflight.Group

	mu    sync.Mutex
	index map[string]*list.Element
	lru   *list.List // front is most recently used

	hits      atomic.Int64
	misses    atomic.Int64
	builds    atomic.Int64
	evictions atomic.Int64
}

// NewCache creates a cache holding at most capacity relations, retrying
// memory-pressured builds up to buildRetryLimit total attempts. memQuota
// bounds the bytes held by cached relations, <= 0 for no bound.
func NewCache(capacity, buildRetryLimit int, memQuota int64) *Cache {
	return &Cache{
		capacity:   capacity,
		retryLimit: buildRetryLimit,
		memTracker: memory.NewTracker("relation-cache", memQuota),
		index:      make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// MemTracker returns the tracker accounting the cached relations.
func (c *Cache) MemTracker() *memory.Tracker { return c.memTracker }

// Get returns the relation for fp, building it with build on a miss. The
// build is single-flight: under concurrent first fetches exactly one build
// runs and every caller receives the resulting relation. Each successful Get
// takes one reference and registers its release on scope; the relation is
// freed when the last reference drains.
func (c *Cache) Get(fp Fingerprint, build BuildFunc, scope CompletionScope) (Relation, error) {
	key := fp.Key()
	for {
		if rel, ok := c.lookup(key, scope); ok {
			return rel, nil
		}
		c.misses.Inc()
		metrics.RelationCacheCounter.WithLabelValues(metrics.LblMiss).Inc()
		if _, err, _ := c.group.Do(key, func() (interface{}, error) {
			return nil, c.buildAndInsert(key, build)
		}); err != nil {
			return nil, errors.Trace(err)
		}
		// Loop back to take a reference. If the fresh entry was already
		// evicted by capacity pressure it is rebuilt transparently.
	}
}

func (c *Cache) lookup(key string, scope CompletionScope) (Relation, bool) {
	c.mu.Lock()
	el, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	e := el.Value.(*cacheEntry)
	c.lru.MoveToFront(el)
	e.refs++
	c.mu.Unlock()
	c.hits.Inc()
	metrics.RelationCacheCounter.WithLabelValues(metrics.LblHit).Inc()
	scope.OnCompletion(func() { c.release(e) })
	return e.rel, true
}

// release drops one reference. The reference count never goes negative: a
// decrement below zero indicates a double release and is reported as a
// protocol violation instead of applied.
func (c *Cache) release(e *cacheEntry) {
	c.mu.Lock()
	if e.refs <= 0 {
		c.mu.Unlock()
		log.Error("relation cache reference count underflow, double release",
			zap.String("key", e.key), zap.Stack("stack"))
		return
	}
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return
	}
	if !e.evicted {
		if el, ok := c.index[e.key]; ok && el.Value.(*cacheEntry) == e {
			delete(c.index, e.key)
			c.lru.Remove(el)
		}
	}
	c.mu.Unlock()
	c.dropRelation(e)
}

func (c *Cache) dropRelation(e *cacheEntry) {
	e.rel.Close()
	_ = c.memTracker.Consume(-e.size)
}

func (c *Cache) buildAndInsert(key string, build BuildFunc) error {
	for attempt := 1; ; attempt++ {
		rel, err := build()
		if err == nil {
			if err = c.insert(key, rel); err == nil {
				return nil
			}
			rel.Close()
		}
		if !memory.IsOOM(err) {
			return errors.Annotate(err, "building shared hash relation")
		}
		if attempt >= c.retryLimit {
			return errors.Annotatef(err, "shared hash relation build failed after %d attempts", attempt)
		}
		log.Warn("hash relation build hit memory pressure, invalidating relation cache and retrying",
			zap.String("key", key), zap.Int("attempt", attempt))
		c.InvalidateAll()
	}
}

func (c *Cache) insert(key string, rel Relation) error {
	size := rel.EstimatedSize()
	if err := c.memTracker.Consume(size); err != nil {
		_ = c.memTracker.Consume(-size)
		return errors.Trace(err)
	}
	var dropped []*cacheEntry
	c.mu.Lock()
	if _, ok := c.index[key]; ok {
		// Someone re-inserted the key while this build ran; keep theirs.
		c.mu.Unlock()
		_ = c.memTracker.Consume(-size)
		rel.Close()
		return nil
	}
	e := &cacheEntry{key: key, rel: rel, size: size}
	c.index[key] = c.lru.PushFront(e)
	for c.lru.Len() > c.capacity {
		if victim := c.evictLocked(c.lru.Back()); victim != nil {
			dropped = append(dropped, victim)
		}
	}
	c.mu.Unlock()
	c.builds.Inc()
	for _, victim := range dropped {
		c.dropRelation(victim)
	}
	return nil
}

// evictLocked removes el from the index. It returns the entry if its
// relation can be dropped now; a still-referenced entry is only detached and
// its last release drops it.
func (c *Cache) evictLocked(el *list.Element) *cacheEntry {
	e := el.Value.(*cacheEntry)
	delete(c.index, e.key)
	c.lru.Remove(el)
	e.evicted = true
	c.evictions.Inc()
	metrics.RelationCacheCounter.WithLabelValues(metrics.LblEvict).Inc()
	if e.refs == 0 {
		return e
	}
	return nil
}

// InvalidateAll drops every cached relation. Relations still referenced by
// running tasks stay alive until their references drain. Used at session
// teardown and to reclaim memory before a build retry.
func (c *Cache) InvalidateAll() {
	var dropped []*cacheEntry
	c.mu.Lock()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*cacheEntry)
		e.evicted = true
		c.evictions.Inc()
		if e.refs == 0 {
			dropped = append(dropped, e)
		}
	}
	c.index = make(map[string]*list.Element)
	c.lru.Init()
	c.mu.Unlock()
	metrics.RelationCacheCounter.WithLabelValues(metrics.LblInvalidate).Inc()
	for _, e := range dropped {
		c.dropRelation(e)
	}
	log.Info("relation cache invalidated", zap.Int("dropped", len(dropped)))
}

// Len returns the number of live cache entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache activity counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Builds:    c.builds.Load(),
		Evictions: c.evictions.Load(),
	}
}
