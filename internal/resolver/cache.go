// Copyright 2026 The Pgvpd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resolver

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pgvpd/pgvpd/internal/metrics"
)

// cacheKey identifies one resolver invocation by name and concrete bound
// parameter values.
type cacheKey struct {
	resolver string
	params   string
}

func makeCacheKey(resolver string, params []string) cacheKey {
	return cacheKey{resolver: resolver, params: strings.Join(params, "\x1f")}
}

type cacheEntry struct {
	key     cacheKey
	row     map[string]string
	expires time.Time
}

// Cache is a process-wide, bounded-size, TTL-based row cache shared by
// every connection's resolver executions. Readers copy the row out so no
// caller can mutate shared state.
type Cache struct {
	mu       sync.Mutex
	maxItems int
	clock    clockwork.Clock
	entries  map[cacheKey]*list.Element
	order    *list.List // front = oldest
}

// NewCache returns a Cache bounded to maxItems entries (0 means
// unbounded). Entries are evicted oldest-first when full.
func NewCache(maxItems int) *Cache {
	return &Cache{
		maxItems: maxItems,
		clock:    clockwork.NewRealClock(),
		entries:  make(map[cacheKey]*list.Element),
		order:    list.New(),
	}
}

// WithClock overrides the cache's clock, for deterministic tests.
func (c *Cache) WithClock(clock clockwork.Clock) *Cache {
	c.clock = clock
	return c
}

// Get returns a copy of the cached row for (resolver, params) if present
// and not expired.
func (c *Cache) Get(resolver string, params []string) (map[string]string, bool) {
	key := makeCacheKey(resolver, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		metrics.ResolverCacheMissesTotal.Inc()
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.clock.Now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		metrics.ResolverCacheMissesTotal.Inc()
		return nil, false
	}
	metrics.ResolverCacheHitsTotal.Inc()
	return cloneRow(entry.row), true
}

// Put stores row under (resolver, params) with the given TTL. ttl <= 0
// means "do not cache" (a no-op), matching cache_ttl = 0 in the resolver
// definition.
func (c *Cache) Put(resolver string, params []string, row map[string]string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	key := makeCacheKey(resolver, params)
	entry := &cacheEntry{key: key, row: cloneRow(row), expires: c.clock.Now().Add(ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
	}
	el := c.order.PushBack(entry)
	c.entries[key] = el

	for c.maxItems > 0 && c.order.Len() > c.maxItems {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Size returns the current number of live (not necessarily unexpired)
// entries, for the admin status surface.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func cloneRow(row map[string]string) map[string]string {
	out := make(map[string]string, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
