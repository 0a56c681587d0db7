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

// Package pool implements the session-mode upstream connection pool:
// authenticated, reset connections keyed by (database, effective role).
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gravitational/trace"

	"github.com/pgvpd/pgvpd/internal/metrics"
	"github.com/pgvpd/pgvpd/internal/netio"
)

// Key identifies a pool bucket.
type Key struct {
	Database string
	Role     string
}

// ParamStatus is one ParameterStatus entry captured at authentication
// time and replayed to later clients that reuse the connection.
type ParamStatus struct {
	Name  string
	Value string
}

// Conn is a pooled, authenticated upstream connection plus the metadata
// needed to resynthesize a client handshake on checkout.
type Conn struct {
	Stream     netio.Stream
	LastUsed   time.Time
	BackendPID int32
	BackendKey int32
	Params     []ParamStatus
}

// Dialer opens and fully authenticates a brand-new upstream connection for
// key, capturing its startup ParameterStatus/BackendKeyData. It is
// supplied by internal/proxy, which owns the wire-level auth exchange.
type Dialer func(ctx context.Context, key Key) (*Conn, error)

// Resetter runs the checkin cleanup sequence (ROLLBACK; DISCARD ALL;)
// against conn and reports whether it completed successfully and the
// connection may be returned to the idle queue.
type Resetter func(conn *Conn) error

// Pool is a mapping from bucket key to bucket, each independently
// capacity-gated and locked.
type Pool struct {
	size            int
	checkoutTimeout time.Duration
	idleTimeout     time.Duration
	clock           clockwork.Clock
	dial            Dialer
	reset           Resetter

	mu      sync.RWMutex
	buckets map[Key]*bucket
}

// Config configures a Pool.
type Config struct {
	Size            int
	CheckoutTimeout time.Duration
	IdleTimeout     time.Duration
	Clock           clockwork.Clock
	Dial            Dialer
	Reset           Resetter
}

// New constructs a Pool. Size, Dial, and Reset are required.
func New(cfg Config) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Pool{
		size:            cfg.Size,
		checkoutTimeout: cfg.CheckoutTimeout,
		idleTimeout:     cfg.IdleTimeout,
		clock:           cfg.Clock,
		dial:            cfg.Dial,
		reset:           cfg.Reset,
		buckets:         make(map[Key]*bucket),
	}
}

func (p *Pool) bucketFor(key Key) *bucket {
	p.mu.RLock()
	b, ok := p.buckets[key]
	p.mu.RUnlock()
	if ok {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.buckets[key]; ok {
		return b
	}
	b = newBucket(p.size)
	p.buckets[key] = b
	return b
}

// Checkout pops an idle connection for key if one is available; otherwise
// opens a new one if the bucket has spare capacity; otherwise waits up to
// the configured checkout timeout.
func (p *Pool) Checkout(ctx context.Context, key Key) (*Conn, error) {
	metrics.PoolCheckoutsTotal.Inc()
	b := p.bucketFor(key)

	deadline := time.Time{}
	if p.checkoutTimeout > 0 {
		deadline = p.clock.Now().Add(p.checkoutTimeout)
	}

	for {
		b.mu.Lock()
		if len(b.idle) > 0 {
			conn := b.idle[len(b.idle)-1]
			b.idle = b.idle[:len(b.idle)-1]
			b.mu.Unlock()
			metrics.PoolReusesTotal.Inc()
			p.updateGauges(key, b)
			return conn, nil
		}
		if b.live < b.capacity {
			b.live++
			b.mu.Unlock()

			conn, err := p.dial(ctx, key)
			if err != nil {
				b.mu.Lock()
				b.live--
				b.wake()
				b.mu.Unlock()
				return nil, trace.Wrap(err)
			}
			metrics.PoolCreatesTotal.Inc()
			p.updateGauges(key, b)
			return conn, nil
		}
		notify := b.notify
		b.mu.Unlock()

		var timeoutCh <-chan time.Time
		if !deadline.IsZero() {
			remaining := deadline.Sub(p.clock.Now())
			if remaining <= 0 {
				metrics.PoolTimeoutsTotal.Inc()
				return nil, trace.LimitExceeded("pool checkout timed out for database=%v role=%v", key.Database, key.Role)
			}
			t := time.NewTimer(remaining)
			defer t.Stop()
			timeoutCh = t.C
		}

		select {
		case <-notify:
			continue
		case <-timeoutCh:
			metrics.PoolTimeoutsTotal.Inc()
			return nil, trace.LimitExceeded("pool checkout timed out for database=%v role=%v", key.Database, key.Role)
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
}

// Checkin runs the reset sequence against conn; on success it is pushed to
// the idle queue, on failure it is discarded and the bucket's live count
// decremented.
func (p *Pool) Checkin(key Key, conn *Conn) {
	b := p.bucketFor(key)

	if err := p.reset(conn); err != nil {
		conn.Stream.Close()
		b.mu.Lock()
		b.live--
		b.wake()
		b.mu.Unlock()
		metrics.PoolDiscardsTotal.Inc()
		p.updateGauges(key, b)
		return
	}

	conn.LastUsed = p.clock.Now()
	b.mu.Lock()
	b.idle = append(b.idle, conn)
	b.wake()
	b.mu.Unlock()
	metrics.PoolCheckinsTotal.Inc()
	p.updateGauges(key, b)
}

// Discard closes conn without attempting reset and decrements the
// bucket's live count, used on a cancelled checkin (§5 Cancellation).
func (p *Pool) Discard(key Key, conn *Conn) {
	conn.Stream.Close()
	b := p.bucketFor(key)
	b.mu.Lock()
	b.live--
	b.wake()
	b.mu.Unlock()
	metrics.PoolDiscardsTotal.Inc()
	p.updateGauges(key, b)
}

func (p *Pool) updateGauges(key Key, b *bucket) {
	b.mu.Lock()
	live, idle := b.live, len(b.idle)
	b.mu.Unlock()
	metrics.PoolSizeTotal.WithLabelValues(key.Database, key.Role).Set(float64(live))
	metrics.PoolIdle.WithLabelValues(key.Database, key.Role).Set(float64(idle))
}

// ReapIdle closes every idle connection in every bucket whose last use is
// older than idleTimeout, decrementing live counts accordingly. Intended
// to run on a periodic background ticker (see Pool.RunReaper).
func (p *Pool) ReapIdle() {
	if p.idleTimeout <= 0 {
		return
	}
	now := p.clock.Now()

	p.mu.RLock()
	keys := make([]Key, 0, len(p.buckets))
	buckets := make([]*bucket, 0, len(p.buckets))
	for k, b := range p.buckets {
		keys = append(keys, k)
		buckets = append(buckets, b)
	}
	p.mu.RUnlock()

	for i, b := range buckets {
		var stale []*Conn

		b.mu.Lock()
		kept := b.idle[:0:0]
		for _, c := range b.idle {
			if now.Sub(c.LastUsed) >= p.idleTimeout {
				stale = append(stale, c)
			} else {
				kept = append(kept, c)
			}
		}
		b.idle = kept
		b.live -= len(stale)
		b.wake()
		b.mu.Unlock()

		for _, c := range stale {
			c.Stream.Close()
		}
		if len(stale) > 0 {
			p.updateGauges(keys[i], b)
		}
	}
}

// RunReaper runs ReapIdle on an interval derived from idleTimeout/2
// (floored at 5s) until ctx is cancelled.
func (p *Pool) RunReaper(ctx context.Context) {
	interval := p.idleTimeout / 2
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.ReapIdle()
		}
	}
}

// CloseIdle closes every idle connection across every bucket, used during
// graceful shutdown.
func (p *Pool) CloseIdle() {
	p.mu.RLock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.RUnlock()

	for _, b := range buckets {
		b.mu.Lock()
		idle := b.idle
		b.idle = nil
		b.live -= len(idle)
		b.wake()
		b.mu.Unlock()
		for _, c := range idle {
			c.Stream.Close()
		}
	}
}

// Stats returns the live/idle counts for key, for the admin status
// surface.
func (p *Pool) Stats(key Key) (live, idle int) {
	b := p.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live, len(b.idle)
}

// Buckets returns a snapshot of every known bucket key, for the admin
// status surface.
func (p *Pool) Buckets() []Key {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]Key, 0, len(p.buckets))
	for k := range p.buckets {
		keys = append(keys, k)
	}
	return keys
}

type bucket struct {
	mu       sync.Mutex
	capacity int
	live     int
	idle     []*Conn
	notify   chan struct{}
}

func newBucket(capacity int) *bucket {
	return &bucket{capacity: capacity, notify: make(chan struct{})}
}

// wake broadcasts to any goroutine blocked waiting for capacity. Must be
// called with b.mu held.
func (b *bucket) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}
