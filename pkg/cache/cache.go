// Copyright The TrustTunnel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements the result cache (spec.md §4.8): a keyed,
// TTL-bound, LRU/byte-bound cache of ExecutionResults with
// single-flight collapsing of concurrent identical lookups. The
// teacher caches nothing (every session is fresh); this is grounded
// in golang.org/x/sync/singleflight's documented do-once pattern and
// the standard container/list-backed LRU idiom used across the Go
// ecosystem (the same shape as groupcache's lru.Cache).
package cache

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/omniexec/omniexec/internal/logutil"
	"github.com/omniexec/omniexec/pkg/eventbus"
	"github.com/omniexec/omniexec/pkg/execspec"
)

var logger = logutil.GetLogger("cache")

// Entry is a cached ExecutionResult plus the bookkeeping needed for
// eviction.
type Entry struct {
	Result    execspec.ExecutionResult
	StoredAt  time.Time
	ExpiresAt time.Time
	Size      int64
}

// Condition decides whether a freshly-computed result is eligible for
// caching (spec.md's admission predicate) — e.g. only cache exit 0.
type Condition func(execspec.ExecutionResult) bool

// AdmitSuccess is the default Condition: only OK() results are cached.
func AdmitSuccess(r execspec.ExecutionResult) bool { return r.OK() }

// Policy overrides the store's default TTL/Admit for a single
// Put/GetOrCompute call (spec.md §4.6/§8 S4's per-call TTL and custom
// admission predicate).
type Policy struct {
	// TTL overrides the store's default TTL when non-nil.
	TTL *time.Duration
	// Admit overrides the store's default Condition when non-nil.
	Admit Condition
}

// Stats summarizes cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Bytes     int64
}

type item struct {
	key   string
	entry Entry
	elem  *list.Element
}

// Cache is a single-flight, TTL+LRU-bounded store of ExecutionResults.
type Cache struct {
	mu        sync.Mutex
	items     map[string]*item
	order     *list.List // front = most recently used
	maxBytes  int64
	curBytes  int64
	ttl       time.Duration
	admit     Condition
	bus       *eventbus.Bus
	flight    singleflight.Group
	hits      int64
	misses    int64
	evictions int64
}

// Options configures a Cache.
type Options struct {
	MaxBytes int64
	TTL      time.Duration
	Admit    Condition
	// Bus, when set, receives cache:evict events for LRU/byte-bound and
	// expiry evictions (spec.md §3 Events).
	Bus *eventbus.Bus
}

// DefaultOptions mirrors spec.md §7 defaults (64 MiB, 5 minute TTL,
// only successful results admitted).
func DefaultOptions() Options {
	return Options{MaxBytes: 64 << 20, TTL: 5 * time.Minute, Admit: AdmitSuccess}
}

// New returns an empty Cache.
func New(opts Options) *Cache {
	admit := opts.Admit
	if admit == nil {
		admit = AdmitSuccess
	}

	return &Cache{
		items:    make(map[string]*item),
		order:    list.New(),
		maxBytes: opts.MaxBytes,
		ttl:      opts.TTL,
		admit:    admit,
		bus:      opts.Bus,
	}
}

func (c *Cache) emitEvict(key, reason string) {
	if c.bus == nil {
		return
	}

	c.bus.Emit(eventbus.Event{Name: eventbus.CacheEvict, Fields: map[string]any{"key": key, "reason": reason}})
}

// Get returns a cached, still-fresh result for key, if any.
func (c *Cache) Get(key string) (execspec.ExecutionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok {
		c.misses++
		return execspec.ExecutionResult{}, false
	}

	if time.Now().After(it.entry.ExpiresAt) {
		c.removeLocked(it)
		c.misses++
		c.emitEvict(key, "expired")

		return execspec.ExecutionResult{}, false
	}

	c.order.MoveToFront(it.elem)
	c.hits++

	return it.entry.Result, true
}

// GetOrCompute returns a cached result for key, computing it via fn
// exactly once even under concurrent callers for the same key
// (golang.org/x/sync/singleflight), and storing the outcome when
// admitted. An optional Policy overrides the store's default TTL/Admit
// for this call only.
func (c *Cache) GetOrCompute(key string, fn func() (execspec.ExecutionResult, error), policy ...Policy) (execspec.ExecutionResult, error, bool) {
	if r, ok := c.Get(key); ok {
		return r, nil, true
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		r, err := fn()
		if err != nil {
			return r, err
		}

		c.Put(key, r, policy...)

		return r, nil
	})

	return v.(execspec.ExecutionResult), err, false
}

// Put stores result under key if the effective Condition accepts it,
// evicting LRU entries as needed to stay within maxBytes. An optional
// Policy overrides the store's default TTL/Admit for this call only.
func (c *Cache) Put(key string, result execspec.ExecutionResult, policy ...Policy) {
	admit := c.admit
	ttl := c.ttl

	if len(policy) > 0 {
		if policy[0].Admit != nil {
			admit = policy[0].Admit
		}

		if policy[0].TTL != nil {
			ttl = *policy[0].TTL
		}
	}

	if !admit(result) {
		return
	}

	size := int64(len(result.Stdout) + len(result.Stderr) + len(result.Command))

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[key]; ok {
		c.removeLocked(existing)
	}

	entry := Entry{Result: result, StoredAt: time.Now(), ExpiresAt: time.Now().Add(ttl), Size: size}
	it := &item{key: key, entry: entry}
	it.elem = c.order.PushFront(it)
	c.items[key] = it
	c.curBytes += size

	for c.maxBytes > 0 && c.curBytes > c.maxBytes {
		back := c.order.Back()
		if back == nil {
			break
		}

		victim := back.Value.(*item)
		c.removeLocked(victim)
		c.evictions++
		c.emitEvict(victim.key, "capacity")
	}
}

func (c *Cache) removeLocked(it *item) {
	c.order.Remove(it.elem)
	delete(c.items, it.key)
	c.curBytes -= it.entry.Size
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
}

// ClearPattern removes every key for which match returns true.
func (c *Cache) ClearPattern(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int

	for key, it := range c.items {
		if match(key) {
			c.removeLocked(it)
			removed++
		}
	}

	return removed
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*item)
	c.order = list.New()
	c.curBytes = 0
}

// Stats reports cumulative counters and current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.items),
		Bytes:     c.curBytes,
	}
}
