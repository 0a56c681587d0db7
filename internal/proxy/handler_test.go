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
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgvpd/pgvpd/internal/config"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// frame builds a raw backend/frontend message the same way wire.Message
// would encode it, for a fake upstream that speaks just enough of the
// protocol to exercise the handler's direct (non-pool) path.
func frame(typ byte, payload []byte) []byte {
	out := make([]byte, 1+4+len(payload))
	out[0] = typ
	binary.BigEndian.PutUint32(out[1:5], uint32(4+len(payload)))
	copy(out[5:], payload)
	return out
}

// startFakeUpstream runs a minimal PostgreSQL backend that authenticates
// every connection with AuthenticationOk (trust-style, no password), sends
// one ParameterStatus and a BackendKeyData, then answers every simple
// Query with CommandComplete+ReadyForQuery and closes on Terminate. It
// stands in for a real upstream server across this package's integration
// tests.
func startFakeUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeUpstream(conn)
		}
	}()
	return ln.Addr().String()
}

func serveFakeUpstream(conn net.Conn) {
	defer conn.Close()
	var framer wire.Framer
	buf := make([]byte, 4096)

	readStartup := func() bool {
		for {
			_, ok, err := framer.NextStartup()
			if err != nil {
				return false
			}
			if ok {
				return true
			}
			n, err := conn.Read(buf)
			if n > 0 {
				framer.Feed(buf[:n])
			}
			if err != nil {
				return false
			}
		}
	}
	readMessage := func() (wire.Message, bool) {
		for {
			msg, ok, err := framer.NextMessage()
			if err != nil {
				return wire.Message{}, false
			}
			if ok {
				return msg, true
			}
			n, err := conn.Read(buf)
			if n > 0 {
				framer.Feed(buf[:n])
			}
			if err != nil {
				return wire.Message{}, false
			}
		}
	}

	if !readStartup() {
		return
	}

	authOK := frame('R', []byte{0, 0, 0, 0})
	if _, err := conn.Write(authOK); err != nil {
		return
	}
	if _, err := conn.Write(wire.BuildParameterStatus("server_version", "16")); err != nil {
		return
	}
	if _, err := conn.Write(wire.BuildBackendKeyData(111, 222)); err != nil {
		return
	}
	if _, err := conn.Write(frame('Z', []byte{'I'})); err != nil {
		return
	}

	for {
		msg, ok := readMessage()
		if !ok {
			return
		}
		switch msg.Type {
		case wire.ByteQuery:
			conn.Write(frame('C', []byte("SELECT 0\x00")))
			conn.Write(frame('Z', []byte{'I'}))
		case wire.ByteTerminate:
			return
		}
	}
}

func testServer(t *testing.T, upstreamAddr string) *Server {
	t.Helper()
	host, port := splitHostPort(t, upstreamAddr)
	cfg := &config.Config{
		UpstreamHost:     host,
		UpstreamPort:     port,
		TenantSeparator:  '.',
		ValueSeparator:   ':',
		ContextVariables: []string{"app.current_tenant_id"},
		SuperuserBypass:  []string{"postgres"},
		PoolMode:         "none",
		HandshakeTimeout: 5 * time.Second,
	}
	srv, err := New(cfg, slog.Default())
	require.NoError(t, err)
	return srv
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// clientFramer reads framed messages off a net.Conn the way a real
// PostgreSQL client would, for asserting on what the handler sends back.
type clientFramer struct {
	conn   net.Conn
	framer wire.Framer
	buf    []byte
}

func newClientFramer(conn net.Conn) *clientFramer {
	return &clientFramer{conn: conn, buf: make([]byte, 4096)}
}

func (c *clientFramer) next(t *testing.T) wire.Message {
	t.Helper()
	for {
		msg, ok, err := c.framer.NextMessage()
		require.NoError(t, err)
		if ok {
			return msg
		}
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			c.framer.Feed(c.buf[:n])
		}
		require.NoError(t, err)
	}
}

func TestHandlerTenantDirectModeEndToEnd(t *testing.T) {
	upstreamAddr := startFakeUpstream(t)
	srv := testServer(t, upstreamAddr)

	serverSide, clientSide := net.Pipe()
	go newHandler(srv, serverSide).run(context.Background())

	params := wire.NewParams()
	params.Set("user", "app_user.acme-corp")
	params.Set("database", "testdb")
	_, err := clientSide.Write(wire.BuildStartup(wire.ProtocolVersion3, params))
	require.NoError(t, err)

	cf := newClientFramer(clientSide)

	authMsg := cf.next(t)
	require.True(t, wire.IsAuthenticationOk(authMsg))

	paramMsg := cf.next(t)
	require.True(t, wire.IsParameterStatus(paramMsg))

	keyMsg := cf.next(t)
	require.True(t, wire.IsBackendKeyData(keyMsg))

	rfq := cf.next(t)
	require.True(t, wire.IsReadyForQuery(rfq))

	_, err = clientSide.Write(wire.BuildQuery("SELECT 1;"))
	require.NoError(t, err)

	cc := cf.next(t)
	require.True(t, wire.IsCommandComplete(cc))
	rfq2 := cf.next(t)
	require.True(t, wire.IsReadyForQuery(rfq2))

	_, err = clientSide.Write(frame(wire.ByteTerminate, nil))
	require.NoError(t, err)

	buf := make([]byte, 16)
	_, err = clientSide.Read(buf)
	require.Error(t, err)
}

func TestHandlerBypassEndToEnd(t *testing.T) {
	upstreamAddr := startFakeUpstream(t)
	srv := testServer(t, upstreamAddr)

	serverSide, clientSide := net.Pipe()
	go newHandler(srv, serverSide).run(context.Background())

	params := wire.NewParams()
	params.Set("user", "postgres")
	params.Set("database", "testdb")
	_, err := clientSide.Write(wire.BuildStartup(wire.ProtocolVersion3, params))
	require.NoError(t, err)

	cf := newClientFramer(clientSide)
	authMsg := cf.next(t)
	require.True(t, wire.IsAuthenticationOk(authMsg))
}

func TestHandlerRejectsMalformedIdentity(t *testing.T) {
	upstreamAddr := startFakeUpstream(t)
	srv := testServer(t, upstreamAddr)

	serverSide, clientSide := net.Pipe()
	go newHandler(srv, serverSide).run(context.Background())

	params := wire.NewParams()
	params.Set("user", "app_user_with_no_separator")
	params.Set("database", "testdb")
	_, err := clientSide.Write(wire.BuildStartup(wire.ProtocolVersion3, params))
	require.NoError(t, err)

	cf := newClientFramer(clientSide)
	errMsg := cf.next(t)
	require.True(t, wire.IsErrorResponse(errMsg))
	fields, err := wire.ErrorFields(errMsg)
	require.NoError(t, err)
	require.Equal(t, codeMalformedIdentity, fields[wire.ErrorFieldCode])
}

func TestHandlerHandshakeTimeoutEmitsErrorResponse(t *testing.T) {
	upstreamAddr := startFakeUpstream(t)
	host, port := splitHostPort(t, upstreamAddr)
	cfg := &config.Config{
		UpstreamHost:     host,
		UpstreamPort:     port,
		TenantSeparator:  '.',
		ValueSeparator:   ':',
		ContextVariables: []string{"app.current_tenant_id"},
		SuperuserBypass:  []string{"postgres"},
		PoolMode:         "none",
		HandshakeTimeout: 30 * time.Millisecond,
	}
	srv, err := New(cfg, slog.Default())
	require.NoError(t, err)

	serverSide, clientSide := net.Pipe()
	go newHandler(srv, serverSide).run(context.Background())

	// Never send a startup message; the handshake deadline should fire.
	cf := newClientFramer(clientSide)
	errMsg := cf.next(t)
	require.True(t, wire.IsErrorResponse(errMsg))
	fields, err := wire.ErrorFields(errMsg)
	require.NoError(t, err)
	require.Equal(t, codeQueryCanceled, fields[wire.ErrorFieldCode])
}
