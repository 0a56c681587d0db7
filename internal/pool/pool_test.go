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

package pool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func fakeConn() *Conn {
	server, client := net.Pipe()
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	return &Conn{Stream: client}
}

func TestCheckoutCreatesUpToCapacity(t *testing.T) {
	var created atomic.Int32
	p := New(Config{
		Size: 2,
		Dial: func(ctx context.Context, key Key) (*Conn, error) {
			created.Add(1)
			return fakeConn(), nil
		},
		Reset: func(c *Conn) error { return nil },
	})

	key := Key{Database: "db", Role: "app_user"}
	c1, err := p.Checkout(context.Background(), key)
	require.NoError(t, err)
	c2, err := p.Checkout(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, int32(2), created.Load())

	live, idle := p.Stats(key)
	require.Equal(t, 2, live)
	require.Equal(t, 0, idle)

	_ = c1
	_ = c2
}

func TestCheckoutReusesIdleConnection(t *testing.T) {
	var created atomic.Int32
	p := New(Config{
		Size: 1,
		Dial: func(ctx context.Context, key Key) (*Conn, error) {
			created.Add(1)
			return fakeConn(), nil
		},
		Reset: func(c *Conn) error { return nil },
	})

	key := Key{Database: "db", Role: "app_user"}
	conn, err := p.Checkout(context.Background(), key)
	require.NoError(t, err)
	p.Checkin(key, conn)

	live, idle := p.Stats(key)
	require.Equal(t, 1, live)
	require.Equal(t, 1, idle)

	_, err = p.Checkout(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, int32(1), created.Load(), "second checkout must reuse, not dial again")
}

func TestCheckoutTimesOutWhenExhausted(t *testing.T) {
	p := New(Config{
		Size:            1,
		CheckoutTimeout: 50 * time.Millisecond,
		Dial: func(ctx context.Context, key Key) (*Conn, error) {
			return fakeConn(), nil
		},
		Reset: func(c *Conn) error { return nil },
	})

	key := Key{Database: "db", Role: "app_user"}
	_, err := p.Checkout(context.Background(), key)
	require.NoError(t, err)

	_, err = p.Checkout(context.Background(), key)
	require.Error(t, err)
}

func TestCheckinFailureDiscardsAndFreesCapacity(t *testing.T) {
	p := New(Config{
		Size: 1,
		Dial: func(ctx context.Context, key Key) (*Conn, error) {
			return fakeConn(), nil
		},
		Reset: func(c *Conn) error { return context.DeadlineExceeded },
	})

	key := Key{Database: "db", Role: "app_user"}
	conn, err := p.Checkout(context.Background(), key)
	require.NoError(t, err)
	p.Checkin(key, conn)

	live, idle := p.Stats(key)
	require.Equal(t, 0, live)
	require.Equal(t, 0, idle)

	_, err = p.Checkout(context.Background(), key)
	require.NoError(t, err, "freed capacity must allow a new connection")
}

func TestReapIdleClosesStaleConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(Config{
		Size:        1,
		IdleTimeout: 10 * time.Second,
		Clock:       clock,
		Dial: func(ctx context.Context, key Key) (*Conn, error) {
			return fakeConn(), nil
		},
		Reset: func(c *Conn) error { return nil },
	})

	key := Key{Database: "db", Role: "app_user"}
	conn, err := p.Checkout(context.Background(), key)
	require.NoError(t, err)
	p.Checkin(key, conn)

	clock.Advance(11 * time.Second)
	p.ReapIdle()

	live, idle := p.Stats(key)
	require.Equal(t, 0, live)
	require.Equal(t, 0, idle)
}

func TestLiveEqualsIdlePlusCheckedOut(t *testing.T) {
	p := New(Config{
		Size: 4,
		Dial: func(ctx context.Context, key Key) (*Conn, error) {
			return fakeConn(), nil
		},
		Reset: func(c *Conn) error { return nil },
	})
	key := Key{Database: "db", Role: "app_user"}

	var wg sync.WaitGroup
	conns := make([]*Conn, 4)
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Checkout(context.Background(), key)
			require.NoError(t, err)
			conns[i] = c
		}()
	}
	wg.Wait()

	live, idle := p.Stats(key)
	require.Equal(t, 4, live)
	require.Equal(t, 0, idle)

	for _, c := range conns[:2] {
		p.Checkin(key, c)
	}
	live, idle = p.Stats(key)
	require.Equal(t, 4, live)
	require.Equal(t, 2, idle)
	require.Equal(t, live, idle+2)
}
