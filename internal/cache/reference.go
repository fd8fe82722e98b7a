// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

// Package cache provides the bounded reference cache that keeps frequently
// reused remote reference lists (taxo groups, territorial units) in memory
// for the duration of a sync run.
package cache

import (
	"context"
	"sync"

	"github.com/naturdata/obsync/internal/metrics"
	"github.com/naturdata/obsync/internal/models"
)

// entry is a node in the recency list.
type entry struct {
	key   string
	value []models.Record
	prev  *entry
	next  *entry
}

// Reference implements a thread-safe, capacity-bounded, strictly
// least-recently-used cache keyed by (category, remote id).
//
// It uses a doubly-linked list for ordering and a hashmap for lookups,
// giving O(1) Get, insert, and eviction. Every hit refreshes recency;
// when an insert pushes the cache over capacity, exactly the single
// least-recently-used entry is evicted. There is no TTL: a cache lives
// at most one sync run, so entries never go stale within its lifetime.
type Reference struct {
	mu sync.Mutex

	// name labels the hit/miss metrics (one cache per site, or "shared").
	name string

	// capacity is the maximum number of entries.
	capacity int

	// items maps keys to linked list nodes for O(1) lookup
	items map[string]*entry

	// head and tail are sentinel nodes for the doubly-linked list.
	// head.next is the most recently used, tail.prev the least.
	head *entry
	tail *entry

	// stats
	hits   int64
	misses int64
}

// NewReference creates a reference cache holding at most capacity entries.
func NewReference(name string, capacity int) *Reference {
	if capacity <= 0 {
		capacity = 32
	}

	c := &Reference{
		name:     name,
		capacity: capacity,
		items:    make(map[string]*entry, capacity),
		head:     &entry{},
		tail:     &entry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

// FetchFunc loads a reference value from the remote site on a cache miss.
type FetchFunc func(ctx context.Context) ([]models.Record, error)

// GetOrFetch returns the cached value for (category, id), refreshing its
// recency. On a miss it invokes fetch, caches the result, and evicts the
// least-recently-used entry if the cache exceeded its capacity. A fetch
// error is returned as-is and nothing is cached.
func (c *Reference) GetOrFetch(ctx context.Context, category models.Category, id string, fetch FetchFunc) ([]models.Record, error) {
	key := string(category) + "/" + id

	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		c.moveToFront(e)
		c.hits++
		c.mu.Unlock()
		metrics.CacheHits.WithLabelValues(c.name).Inc()
		return e.value, nil
	}
	c.misses++
	c.mu.Unlock()
	metrics.CacheMisses.WithLabelValues(c.name).Inc()

	// Fetch outside the lock so a slow remote call never blocks hits on
	// other keys. Concurrent misses on the same key may fetch twice; the
	// second insert simply refreshes the value.
	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = value
		c.moveToFront(e)
		return value, nil
	}

	e := &entry{key: key, value: value}
	c.addToFront(e)
	c.items[key] = e

	for len(c.items) > c.capacity {
		c.evictOldest()
	}

	return value, nil
}

// Get returns the cached value without fetching. Recency is refreshed on hit.
func (c *Reference) Get(category models.Category, id string) ([]models.Record, bool) {
	key := string(category) + "/" + id

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.moveToFront(e)
		c.hits++
		return e.value, true
	}
	c.misses++
	return nil, false
}

// Contains checks if a key exists without updating access order.
func (c *Reference) Contains(category models.Category, id string) bool {
	key := string(category) + "/" + id

	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Len returns the current number of entries.
func (c *Reference) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit/miss counts and current size.
func (c *Reference) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items)
}

// Clear removes all entries. Used when a run wants a cold cache.
func (c *Reference) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry, c.capacity)
	c.head.next = c.tail
	c.tail.prev = c.head
}

// Internal methods (must be called with lock held)

// addToFront adds an entry to the front of the list (most recently used).
func (c *Reference) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

// moveToFront moves an existing entry to the front of the list.
func (c *Reference) moveToFront(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.addToFront(e)
}

// evictOldest removes the least recently used entry.
func (c *Reference) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return // list is empty
	}
	oldest.prev.next = oldest.next
	oldest.next.prev = oldest.prev
	delete(c.items, oldest.key)
}
