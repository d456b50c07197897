// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache implements the in-process hot cache SPEC_FULL.md §4.2
// places in front of the persistent mapping store: a bounded,
// concurrency-safe LRU of resolved items keyed by itemid, with the same
// per-entry TTL semantics as the store it shadows. It is a latency
// optimization only — the store remains the system of record, and a
// process restart starts this cache empty.
package cache

import (
	"sync"
	"time"

	"github.com/kylemallory/zabbix-bridge/internal/mapping"
)

type entry struct {
	itemid uint64
	item   *mapping.Item

	expiration            time.Time
	waitingForComputation int

	next, prev *entry
}

// ComputeItem is the closure Get calls on a miss. It must not call methods
// on the same ItemCache or it will deadlock.
type ComputeItem func() (item *mapping.Item, ttl time.Duration)

// ItemCache is a bounded-by-count, concurrency-safe LRU read-through cache
// of resolved items, adapted from the teacher's general-purpose LRU to
// this package's single value type.
type ItemCache struct {
	mutex      sync.Mutex
	cond       *sync.Cond
	maxEntries int
	entries    map[uint64]*entry
	head, tail *entry
}

// New returns an empty ItemCache holding at most maxEntries resolved
// items.
func New(maxEntries int) *ItemCache {
	c := &ItemCache{
		maxEntries: maxEntries,
		entries:    map[uint64]*entry{},
	}
	c.cond = sync.NewCond(&c.mutex)
	return c
}

// Get returns the cached item for itemid, calling compute on a miss (or an
// expired entry) and caching its result. If compute is nil and nothing
// live is cached, Get returns nil without computing anything; an expired
// entry found on the way is evicted. If another
// goroutine is already computing this itemid's value, Get waits for it.
func (c *ItemCache) Get(itemid uint64, compute ComputeItem) *mapping.Item {
	now := time.Now()

	c.mutex.Lock()
	if e, ok := c.entries[itemid]; ok {
		for e.expiration.IsZero() {
			e.waitingForComputation++
			c.cond.Wait()
			e.waitingForComputation--
		}

		if now.After(e.expiration) {
			if !c.evict(e) {
				c.mutex.Unlock()
				return e.item
			}
		} else {
			if e != c.head {
				c.unlink(e)
				c.insertFront(e)
			}
			c.mutex.Unlock()
			return e.item
		}
	}

	if compute == nil {
		c.mutex.Unlock()
		return nil
	}

	e := &entry{itemid: itemid, waitingForComputation: 1}
	c.entries[itemid] = e

	settled := false
	defer func() {
		if !settled {
			c.mutex.Lock()
			delete(c.entries, itemid)
			e.expiration = now
			e.waitingForComputation--
			c.mutex.Unlock()
		}
	}()

	c.mutex.Unlock()
	item, ttl := compute()
	c.mutex.Lock()
	settled = true

	e.item = item
	e.expiration = now.Add(ttl)
	e.waitingForComputation--
	if e.waitingForComputation > 0 {
		c.cond.Broadcast()
	}

	c.insertFront(e)
	c.evictOverflow()
	c.mutex.Unlock()

	return item
}

// Put stores item directly, bypassing the compute-on-miss path. Used when
// the resolver has already produced a value some other way (e.g. a store
// hit) and just wants the hot cache warmed.
func (c *ItemCache) Put(itemid uint64, item *mapping.Item, ttl time.Duration) {
	now := time.Now()
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if e, ok := c.entries[itemid]; ok {
		for e.expiration.IsZero() {
			e.waitingForComputation++
			c.cond.Wait()
			e.waitingForComputation--
		}
		e.item = item
		e.expiration = now.Add(ttl)
		c.unlink(e)
		c.insertFront(e)
		return
	}

	e := &entry{itemid: itemid, item: item, expiration: now.Add(ttl)}
	c.entries[itemid] = e
	c.insertFront(e)
	c.evictOverflow()
}

// Del removes itemid from the cache, if present.
func (c *ItemCache) Del(itemid uint64) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if e, ok := c.entries[itemid]; ok {
		return c.evict(e)
	}
	return false
}

// Len returns the number of entries currently held, including expired
// ones not yet evicted.
func (c *ItemCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

func (c *ItemCache) insertFront(e *entry) {
	e.next = c.head
	c.head = e
	e.prev = nil
	if e.next != nil {
		e.next.prev = e
	}
	if c.tail == nil {
		c.tail = e
	}
}

func (c *ItemCache) unlink(e *entry) {
	if e == c.head {
		c.head = e.next
	}
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if e == c.tail {
		c.tail = e.prev
	}
}

func (c *ItemCache) evict(e *entry) bool {
	if e.waitingForComputation != 0 {
		return false
	}
	c.unlink(e)
	delete(c.entries, e.itemid)
	return true
}

// evictOverflow drops least-recently-used entries past maxEntries. Called
// with the mutex already held.
func (c *ItemCache) evictOverflow() {
	if c.maxEntries <= 0 {
		return
	}
	for len(c.entries) > c.maxEntries && c.tail != nil {
		if !c.evict(c.tail) {
			break // tail entry is mid-computation, nothing more we can do
		}
	}
}
