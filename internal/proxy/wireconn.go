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
	"github.com/gravitational/trace"

	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// wireConn wraps a netio.Stream with an incremental wire.Framer, giving
// every phase of the handshake (auth, resolver execution, injection,
// cleanup) the same "read one complete message/startup frame" surface.
// It implements internal/auth.Conn and internal/resolver.Executor's
// transport needs.
type wireConn struct {
	stream netio.Stream
	framer wire.Framer
	scratch []byte
}

func newWireConn(stream netio.Stream) *wireConn {
	return &wireConn{stream: stream, scratch: make([]byte, 8192)}
}

// ReadStartup reads until a complete startup-phase frame (SSLRequest,
// CancelRequest, GSSENCRequest, or StartupMessage) is available and
// parses it.
func (c *wireConn) ReadStartup() (any, error) {
	for {
		frame, ok, err := c.framer.NextStartup()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if ok {
			return wire.ParseStartupFrame(frame)
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// ReadMessage reads until a complete backend/frontend message is
// available.
func (c *wireConn) ReadMessage() (wire.Message, error) {
	for {
		msg, ok, err := c.framer.NextMessage()
		if err != nil {
			return wire.Message{}, trace.Wrap(err)
		}
		if ok {
			return msg, nil
		}
		if err := c.fill(); err != nil {
			return wire.Message{}, err
		}
	}
}

func (c *wireConn) fill() error {
	n, err := c.stream.Read(c.scratch)
	if n > 0 {
		c.framer.Feed(c.scratch[:n])
	}
	if err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// WriteFrame writes frame verbatim to the underlying stream.
func (c *wireConn) WriteFrame(frame []byte) error {
	_, err := c.stream.Write(frame)
	return trace.Wrap(err)
}
