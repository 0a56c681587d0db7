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

package proxy

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pgvpd/pgvpd/internal/metrics"
	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// splice copies bytes in both directions between a and b, raw and
// unexamined, until either direction errors or reaches EOF, then closes
// both so the other direction unblocks. Used for the bypass path and for
// direct (non-pool) mode, where the upstream socket belongs to this
// connection alone and there is nothing to recognize on the wire.
func splice(a, b netio.Stream) {
	var once sync.Once
	closeBoth := func() { once.Do(func() { a.Close(); b.Close() }) }

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		io.Copy(b, a)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		io.Copy(a, b)
	}()
	wg.Wait()
}

// pipePooled splices client and upstream traffic for a pool-mode
// connection. The client->upstream direction is message-framed so a
// Terminate ('X') can be recognized and treated as a clean end of session
// (the upstream connection is still healthy and returned to the pool)
// rather than a severed connection (discarded). idleTimeout, if non-zero,
// is applied as a rolling read deadline on both directions once piping
// begins (spec.md §4.6 "tenant_query_timeout", supplemented to start only
// at PIPE entry rather than for the whole connection lifetime).
func pipePooled(client *wireConn, clientStream, upstreamStream netio.Stream, idleTimeout time.Duration, clock clockwork.Clock) (healthy bool) {
	var terminatedCleanly atomic.Bool
	var once sync.Once
	// After a clean Terminate only the client side is closed; the upstream
	// socket stays open so the caller can reset and check it back in.
	closeBoth := func() {
		once.Do(func() {
			clientStream.Close()
			if !terminatedCleanly.Load() {
				upstreamStream.Close()
			}
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer closeBoth()
		for {
			if idleTimeout > 0 {
				clientStream.SetReadDeadline(clock.Now().Add(idleTimeout))
			}
			msg, err := client.ReadMessage()
			if err != nil {
				return
			}
			if msg.Type == wire.ByteTerminate {
				terminatedCleanly.Store(true)
				// Wake the upstream reader without closing the socket.
				upstreamStream.SetReadDeadline(time.Now())
				return
			}
			if _, err := upstreamStream.Write(msg.Encode()); err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer closeBoth()
		buf := make([]byte, 32*1024)
		for {
			if idleTimeout > 0 {
				upstreamStream.SetReadDeadline(clock.Now().Add(idleTimeout))
			}
			if terminatedCleanly.Load() {
				return
			}
			n, err := upstreamStream.Read(buf)
			if n > 0 {
				if _, werr := clientStream.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if netTimeout(err) && !terminatedCleanly.Load() {
					metrics.TenantTimeoutsTotal.Inc()
				}
				return
			}
		}
	}()

	wg.Wait()
	if terminatedCleanly.Load() {
		upstreamStream.SetReadDeadline(time.Time{})
	}
	return terminatedCleanly.Load()
}

func netTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}
