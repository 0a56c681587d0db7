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

// Package netio provides the stream abstraction the rest of pgvpd reads
// and writes through, regardless of whether the underlying transport is
// plain TCP or TLS.
package netio

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/gravitational/trace"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// Stream is the unified read/write surface used by the wire codec and the
// pipe. A plain *net.TCPConn and a *tls.Conn both satisfy it directly; it
// exists so higher layers never branch on transport kind.
type Stream interface {
	net.Conn
}

// Dial opens a plain TCP connection to addr.
func Dial(addr string, timeout time.Duration) (Stream, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to connect to %v", addr)
	}
	return conn, nil
}

// UpgradeClientTLS negotiates the PostgreSQL SSLRequest handshake against
// an already-open plain connection and, on server agreement, wraps it in a
// client-side TLS session. The caller must send the raw SSLRequest frame
// bytes and read the single response byte before calling this function;
// UpgradeClientTLS only performs the handshake itself.
func UpgradeClientTLS(conn Stream, cfg *tls.Config) (Stream, error) {
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, trace.Wrap(err, "upstream TLS handshake failed")
	}
	return tlsConn, nil
}

// UpgradeServerTLS wraps an accepted plain connection as a server-side TLS
// session, for the client-facing TLS listener.
func UpgradeServerTLS(conn Stream, cfg *tls.Config) (Stream, error) {
	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, trace.Wrap(err, "client TLS handshake failed")
	}
	return tlsConn, nil
}

// NegotiateUpstreamTLS sends an SSLRequest to an upstream pgvpd has just
// dialed and, if the server answers 'S', upgrades the connection to TLS.
// If the server answers 'N', the connection fails unless allowFallthrough
// permits continuing in plaintext.
func NegotiateUpstreamTLS(conn Stream, cfg *tls.Config, allowFallthrough bool) (Stream, error) {
	if _, err := conn.Write(wire.BuildSSLRequest()); err != nil {
		return nil, trace.Wrap(err, "failed to send upstream SSLRequest")
	}
	var resp [1]byte
	if _, err := readFull(conn, resp[:]); err != nil {
		return nil, trace.Wrap(err, "failed to read upstream SSLRequest response")
	}
	switch resp[0] {
	case 'S':
		return UpgradeClientTLS(conn, cfg)
	case 'N':
		if allowFallthrough {
			return conn, nil
		}
		return nil, trace.AccessDenied("upstream refused TLS and fall-through is disabled")
	default:
		return nil, trace.BadParameter("unexpected upstream SSLRequest response byte %q", resp[0])
	}
}

func readFull(conn Stream, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
