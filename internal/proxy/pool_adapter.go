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

	"github.com/gravitational/trace"

	"github.com/pgvpd/pgvpd/internal/auth"
	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/pool"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// poolDialer returns the pool.Dialer the Server's Pool uses to open a
// brand-new upstream connection for a bucket: dial, optionally negotiate
// TLS, run the full startup handshake authenticating as key.Role against
// key.Database with the configured upstream_password, and capture the
// ParameterStatus/BackendKeyData the server emits so they can be replayed
// to whichever client later checks this connection out.
func (s *Server) poolDialer() pool.Dialer {
	return func(ctx context.Context, key pool.Key) (*pool.Conn, error) {
		stream, err := netio.Dial(s.upstreamAddr, s.cfg.HandshakeTimeout)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if s.cfg.UpstreamTLS {
			stream, err = netio.NegotiateUpstreamTLS(stream, s.upstreamTLSConfig, s.cfg.UpstreamFallthroughOnTLSRefusal)
			if err != nil {
				stream.Close()
				return nil, trace.Wrap(err)
			}
		}

		conn := newWireConn(stream)
		params := wire.NewParams()
		params.Set("user", key.Role)
		params.Set("database", key.Database)
		if err := conn.WriteFrame(wire.BuildStartup(wire.ProtocolVersion3, params)); err != nil {
			stream.Close()
			return nil, trace.Wrap(err)
		}

		pooled, err := s.authenticateUpstream(conn, key.Role)
		if err != nil {
			stream.Close()
			return nil, trace.Wrap(err)
		}
		pooled.Stream = stream
		return pooled, nil
	}
}

// authenticateUpstream drives the authentication subtype the server
// requests and then reads startup follow-on frames through
// ReadyForQuery, capturing ParameterStatus and BackendKeyData.
func (s *Server) authenticateUpstream(conn *wireConn, role string) (*pool.Conn, error) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if wire.IsErrorResponse(msg) {
			fields, _ := wire.ErrorFields(msg)
			return nil, trace.AccessDenied("upstream authentication failed: %v", fields[wire.ErrorFieldMessage])
		}

		sub, ok := wire.AuthSubtype(msg)
		if !ok {
			continue
		}
		switch sub {
		case wire.AuthCleartextPassword:
			if err := auth.AuthenticateUpstreamCleartext(conn, s.cfg.UpstreamPassword); err != nil {
				return nil, trace.Wrap(err)
			}
		case wire.AuthMD5Password:
			salt, _ := wire.MD5Salt(msg)
			if err := auth.AuthenticateUpstreamMD5(conn, role, s.cfg.UpstreamPassword, salt); err != nil {
				return nil, trace.Wrap(err)
			}
		case wire.AuthSASL:
			mechs, _ := wire.SASLMechanisms(msg)
			if !containsSCRAM(mechs) {
				return nil, trace.BadParameter("upstream requested unsupported SASL mechanisms %v", mechs)
			}
			if err := auth.AuthenticateUpstreamSCRAM(conn, role, s.cfg.UpstreamPassword); err != nil {
				return nil, trace.Wrap(err)
			}
		case wire.AuthOK:
			return s.drainStartupFollowOn(conn)
		default:
			return nil, trace.BadParameter("unsupported upstream authentication subtype %d", sub)
		}
	}
}

// drainStartupFollowOn reads frames after AuthenticationOk through the
// first ReadyForQuery, capturing ParameterStatus and BackendKeyData.
func (s *Server) drainStartupFollowOn(conn *wireConn) (*pool.Conn, error) {
	pooled := &pool.Conn{}
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		switch {
		case wire.IsParameterStatus(msg):
			name, val, err := wire.ParameterStatus(msg)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			pooled.Params = append(pooled.Params, pool.ParamStatus{Name: name, Value: val})
		case wire.IsBackendKeyData(msg):
			pid, key, err := wire.BackendKeyData(msg)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			pooled.BackendPID, pooled.BackendKey = pid, key
		case wire.IsErrorResponse(msg):
			fields, _ := wire.ErrorFields(msg)
			return nil, trace.ConnectionProblem(nil, "upstream startup failed: %v", fields[wire.ErrorFieldMessage])
		case wire.IsReadyForQuery(msg):
			return pooled, nil
		}
	}
}

func containsSCRAM(mechs []string) bool {
	for _, m := range mechs {
		if m == "SCRAM-SHA-256" {
			return true
		}
	}
	return false
}

// poolResetter returns the pool.Resetter run at checkin: ROLLBACK then
// DISCARD ALL as two separate simple queries, per spec.md §4.3 CLEANUP
// (DISCARD ALL is illegal inside a transaction block, hence the split).
func (s *Server) poolResetter() pool.Resetter {
	return func(conn *pool.Conn) error {
		wc := newWireConn(conn.Stream)
		for _, sql := range []string{"ROLLBACK;", "DISCARD ALL;"} {
			if err := wc.WriteFrame(wire.BuildQuery(sql)); err != nil {
				return trace.Wrap(err)
			}
			if err := drainUntilReady(wc); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	}
}

func drainUntilReady(conn *wireConn) error {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return trace.Wrap(err)
		}
		if wire.IsErrorResponse(msg) {
			fields, _ := wire.ErrorFields(msg)
			return trace.Wrap(&errUpstream{msg: msg}, "cleanup query failed: %v", fields[wire.ErrorFieldMessage])
		}
		if wire.IsReadyForQuery(msg) {
			return nil
		}
	}
}
