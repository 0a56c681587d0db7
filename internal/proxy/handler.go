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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/pgvpd/pgvpd/internal/auth"
	"github.com/pgvpd/pgvpd/internal/metrics"
	"github.com/pgvpd/pgvpd/internal/netio"
	"github.com/pgvpd/pgvpd/internal/pool"
	"github.com/pgvpd/pgvpd/internal/resolver"
	"github.com/pgvpd/pgvpd/internal/tenant"
	"github.com/pgvpd/pgvpd/internal/wire"
)

// Handler drives one client connection through the state machine described
// in spec.md §4.3. A Handler is used for exactly one connection and
// discarded.
type Handler struct {
	srv *Server
	log *slog.Logger

	clientStream netio.Stream
	client       *wireConn

	upstreamStream netio.Stream
	upstream       *wireConn

	startupParams *wire.Params
	startupFrame  []byte
	rawUser       string
	database      string

	identity *Identity

	tenantGuard *tenant.Guard

	viaPool     bool
	poolKey     pool.Key
	pooledConn  *pool.Conn
	poolHealthy bool

	bufferedRFQ wire.Message
	secctx      *resolver.SecurityContext
}

// newHandler constructs a Handler for a freshly-accepted client stream.
func newHandler(srv *Server, clientStream netio.Stream) *Handler {
	return &Handler{
		srv:          srv,
		log:          srv.logger,
		clientStream: clientStream,
		client:       newWireConn(clientStream),
	}
}

// run drives the state machine to completion. It never returns an error:
// every failure path is translated into, at most, one ErrorResponse on the
// client connection (the single-error-gate invariant) and a closed socket.
func (h *Handler) run(ctx context.Context) {
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()
	defer h.teardown()

	h.clientStream.SetDeadline(time.Now().Add(h.srv.cfg.HandshakeTimeout))

	st := stateWaitStartup
	for st != stateTerminal {
		next, err := h.step(ctx, st)
		if err != nil {
			h.handleFault(err)
			return
		}
		st = next
	}
}

func (h *Handler) step(ctx context.Context, st state) (state, error) {
	switch st {
	case stateWaitStartup:
		return h.waitStartup()
	case stateClassifyUser:
		return h.classifyUser()
	case stateBypassConnect:
		return h.bypassConnect()
	case stateTenantConnect:
		return h.tenantConnect(ctx)
	case stateUpstreamAuth:
		return h.upstreamAuth()
	case statePostAuth:
		return h.postAuth()
	case stateResolving:
		return h.resolving()
	case stateInjecting:
		return h.injecting()
	case stateTransparent:
		return h.transparent()
	case statePipe:
		return h.pipe()
	case stateCleanup:
		return h.cleanup()
	default:
		return stateTerminal, silentFault(trace.BadParameter("unreachable proxy state %v", st))
	}
}

// handleFault is the single site allowed to write an ErrorResponse to the
// client. A nil spec means one was already sent (forwarded verbatim from
// upstream) or the failure was a plain transport error; either way the
// connection is simply closed. A handshake-deadline expiry is detected
// here rather than at each read site, and surfaced as a 57014
// ErrorResponse rather than just an unexplained close.
func (h *Handler) handleFault(err error) {
	var f *fault
	errors.As(err, &f)

	spec := faultSpec(f)
	if spec == nil && isTimeout(err) {
		spec = &wire.ErrorSpec{Severity: "FATAL", Code: codeQueryCanceled, Message: "handshake timed out"}
	}
	if spec != nil {
		h.clientStream.SetWriteDeadline(time.Now().Add(writeGracePeriod))
		h.client.WriteFrame(wire.BuildErrorResponse(*spec))
	}
	if err != nil && !errors.Is(err, contextTerminate) {
		h.log.Debug("connection terminated", "error", err)
	}
}

// writeGracePeriod is how long handleFault is allowed to spend writing a
// synthesized ErrorResponse after the handshake deadline that produced it
// has already expired.
const writeGracePeriod = 2 * time.Second

func faultSpec(f *fault) *wire.ErrorSpec {
	if f == nil {
		return nil
	}
	return f.spec
}

// isTimeout reports whether err (or anything it wraps) is a net.Error
// whose deadline expired, the signature of the client-facing handshake
// timeout set in run.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// contextTerminate marks a clean client-initiated close, not logged as a
// failure.
var contextTerminate = errors.New("client terminated")

// waitStartup reads the startup-phase frame, refusing SSL/GSSENC (TLS is
// only ever available via the dedicated tls_port listener) and closing
// silently on CancelRequest per spec.md §4.1.
func (h *Handler) waitStartup() (state, error) {
	v, err := h.client.ReadStartup()
	if err != nil {
		return stateTerminal, silentFault(trace.Wrap(err))
	}
	switch m := v.(type) {
	case wire.SSLRequest:
		if err := h.client.WriteFrame([]byte{'N'}); err != nil {
			return stateTerminal, silentFault(trace.Wrap(err))
		}
		return stateWaitStartup, nil
	case wire.GSSENCRequest:
		if err := h.client.WriteFrame([]byte{'N'}); err != nil {
			return stateTerminal, silentFault(trace.Wrap(err))
		}
		return stateWaitStartup, nil
	case wire.CancelRequest:
		return stateTerminal, silentFault(fmt.Errorf("cancel request for pid=%d: %w", m.BackendPID, contextTerminate))
	case *wire.StartupMessage:
		h.startupParams = m.Params
		h.startupFrame = wire.BuildStartup(m.ProtocolVersion, m.Params)
		h.rawUser, _ = m.Params.Get("user")
		h.database, _ = m.Params.Get("database")
		return stateClassifyUser, nil
	default:
		return stateTerminal, silentFault(trace.BadParameter("unexpected startup frame type %T", v))
	}
}

// classifyUser validates the identity grammar and routes to the bypass or
// tenant path (spec.md §3, §4.2).
func (h *Handler) classifyUser() (state, error) {
	if h.rawUser == "" {
		return stateTerminal, newFault(codeNoValidUser, "no user supplied in startup message", nil)
	}
	identity, err := ParseIdentity(h.rawUser, h.srv.identityConfig())
	if err != nil {
		return stateTerminal, newFault(codeMalformedIdentity, err.Error(), err)
	}
	h.identity = identity
	h.log = h.log.With("user", identity.RawUser, "role", identity.Role)
	if identity.Bypass {
		return stateBypassConnect, nil
	}
	return stateTenantConnect, nil
}

// bypassConnect opens a direct upstream connection and splices bytes in
// both directions unmodified, for superuser_bypass logins (spec.md §4.2
// "Bypass path"). No tenant admission, no pool, no injection.
func (h *Handler) bypassConnect() (state, error) {
	stream, err := h.srv.dialUpstream()
	if err != nil {
		return stateTerminal, newFault(codeMalformedIdentity, "failed to reach upstream database", err)
	}
	h.upstreamStream = stream
	if _, err := stream.Write(h.startupFrame); err != nil {
		return stateTerminal, silentFault(trace.Wrap(err))
	}
	splice(h.clientStream, stream)
	return stateTerminal, nil
}

// tenantConnect validates tenant admission and either checks out a pooled
// upstream connection or dials a fresh one directly, per pool_mode
// (spec.md §4.2 "Tenant path", §4.5 "Pooling").
func (h *Handler) tenantConnect(ctx context.Context) (state, error) {
	tenantID := h.tenantID()
	guard, reason, ok := h.srv.tenants.Admit(tenantID)
	if !ok {
		switch reason {
		case tenant.RejectRate:
			return stateTerminal, newFault(codeTooManyConns, fmt.Sprintf("tenant %q exceeded its connection rate limit", tenantID), nil)
		case tenant.RejectLimit:
			return stateTerminal, newFault(codeTooManyConns, fmt.Sprintf("tenant %q exceeded its maximum concurrent connections", tenantID), nil)
		default:
			return stateTerminal, newFault(codeMalformedIdentity, fmt.Sprintf("tenant %q is not permitted to connect", tenantID), nil)
		}
	}
	h.tenantGuard = guard

	h.poolKey = pool.Key{Database: h.database, Role: h.identity.Role}

	if h.srv.cfg.PoolMode != "session" {
		stream, err := h.srv.dialUpstream()
		if err != nil {
			return stateTerminal, newFault(codeMalformedIdentity, "failed to reach upstream database", err)
		}
		h.upstreamStream = stream
		h.upstream = newWireConn(stream)
		return stateUpstreamAuth, nil
	}

	conn, err := h.srv.pool.Checkout(ctx, h.poolKey)
	if err != nil {
		if trace.IsLimitExceeded(err) {
			return stateTerminal, newFault(codeTooManyConns, "pool exhausted: timed out waiting for an available connection", err)
		}
		return stateTerminal, newFault(codeMalformedIdentity, "failed to obtain a pooled upstream connection", err)
	}
	h.viaPool = true
	h.pooledConn = conn
	h.upstreamStream = conn.Stream
	h.upstream = newWireConn(conn.Stream)
	return stateUpstreamAuth, nil
}

// upstreamAuth authenticates. In pool mode the upstream side is already
// authenticated (by the pool's Dialer, possibly long before this
// connection existed); pgvpd instead authenticates the client itself
// against pool_password. In direct mode, pgvpd relays the server's
// authentication exchange byte-for-byte, never seeing the password
// (spec.md §4.5 "Pool mode client authentication", §9 "password
// opacity").
func (h *Handler) upstreamAuth() (state, error) {
	if h.viaPool {
		if err := auth.AuthenticateClientCleartext(h.client, h.srv.cfg.PoolPassword); err != nil {
			return stateTerminal, newFault(codeMalformedIdentity, "authentication failed", err)
		}
		return statePostAuth, nil
	}

	rewritten := h.startupParams.Clone()
	rewritten.Set("user", h.identity.Role)
	if err := h.upstream.WriteFrame(wire.BuildStartup(wire.ProtocolVersion3, rewritten)); err != nil {
		return stateTerminal, silentFault(trace.Wrap(err))
	}

	for {
		msg, err := h.upstream.ReadMessage()
		if err != nil {
			return stateTerminal, silentFault(trace.Wrap(err))
		}
		if err := h.client.WriteFrame(msg.Encode()); err != nil {
			return stateTerminal, silentFault(trace.Wrap(err))
		}
		if wire.IsErrorResponse(msg) {
			return stateTerminal, silentFault(&errUpstream{msg: msg})
		}
		if wire.IsAuthenticationOk(msg) {
			return statePostAuth, nil
		}
		cmsg, err := h.client.ReadMessage()
		if err != nil {
			return stateTerminal, silentFault(trace.Wrap(err))
		}
		if err := h.upstream.WriteFrame(cmsg.Encode()); err != nil {
			return stateTerminal, silentFault(trace.Wrap(err))
		}
	}
}

// postAuth delivers ParameterStatus/BackendKeyData to the client and
// buffers the ReadyForQuery that follows so it can be released only after
// INJECTING completes (spec.md §4.3 POST_AUTH). In pool mode these are
// synthesized from the pooled connection's captured startup state plus a
// freshly-assigned BackendKeyData, since the real upstream handshake for
// this client never happened.
func (h *Handler) postAuth() (state, error) {
	if h.viaPool {
		for _, p := range h.pooledConn.Params {
			if err := h.client.WriteFrame(wire.BuildParameterStatus(p.Name, p.Value)); err != nil {
				return stateTerminal, silentFault(trace.Wrap(err))
			}
		}
		pid, key := synthesizeBackendKey()
		if err := h.client.WriteFrame(wire.BuildBackendKeyData(pid, key)); err != nil {
			return stateTerminal, silentFault(trace.Wrap(err))
		}
		h.bufferedRFQ = wire.Message{Type: wire.ByteReadyForQuery, Payload: []byte{'I'}}
		return stateResolving, nil
	}

	for {
		msg, err := h.upstream.ReadMessage()
		if err != nil {
			return stateTerminal, silentFault(trace.Wrap(err))
		}
		switch {
		case wire.IsReadyForQuery(msg):
			h.bufferedRFQ = msg
			return stateResolving, nil
		case wire.IsErrorResponse(msg):
			if err := h.client.WriteFrame(msg.Encode()); err != nil {
				return stateTerminal, silentFault(trace.Wrap(err))
			}
			return stateTerminal, silentFault(&errUpstream{msg: msg})
		default:
			if err := h.client.WriteFrame(msg.Encode()); err != nil {
				return stateTerminal, silentFault(trace.Wrap(err))
			}
		}
	}
}

// resolving runs every configured resolver against the live upstream
// connection, accumulating session variables into h.secctx (spec.md §4.4).
func (h *Handler) resolving() (state, error) {
	h.secctx = resolver.NewSecurityContext()
	for i, name := range h.srv.cfg.ContextVariables {
		h.secctx.Set(name, h.identity.Values[i])
	}

	if h.srv.resolverEngine == nil {
		return stateInjecting, nil
	}

	exec := &upstreamExecutor{conn: h.upstream}
	eng := h.srv.resolverEngine.WithExecutor(exec)
	if err := eng.Run(h.secctx); err != nil {
		var fr *resolver.FailedResolver
		if errors.As(err, &fr) {
			var eu *errUpstream
			if errors.As(fr.Err, &eu) {
				if ferr := h.client.WriteFrame(eu.msg.Encode()); ferr != nil {
					return stateTerminal, silentFault(trace.Wrap(ferr))
				}
				return stateTerminal, silentFault(fr)
			}
			return stateTerminal, newFault(codeMalformedIdentity, fr.Error(), fr)
		}
		return stateTerminal, newFault(codeMalformedIdentity, err.Error(), err)
	}
	return stateInjecting, nil
}

// injecting sends the SET batch derived from h.secctx — every context and
// resolver-produced variable via set_config, then SET ROLE — and waits for
// its ReadyForQuery (spec.md §4.3 INJECTING, §6 "Injection wire format").
func (h *Handler) injecting() (state, error) {
	timer := prometheusTimer()
	defer timer()

	sql, err := h.buildInjectionSQL()
	if err != nil {
		return stateTerminal, newFault(codeMalformedIdentity, err.Error(), err)
	}
	if err := h.upstream.WriteFrame(wire.BuildQuery(sql)); err != nil {
		return stateTerminal, silentFault(trace.Wrap(err))
	}

	for {
		msg, err := h.upstream.ReadMessage()
		if err != nil {
			return stateTerminal, silentFault(trace.Wrap(err))
		}
		switch {
		case wire.IsErrorResponse(msg):
			if ferr := h.client.WriteFrame(msg.Encode()); ferr != nil {
				return stateTerminal, silentFault(trace.Wrap(ferr))
			}
			return stateTerminal, silentFault(&errUpstream{msg: msg})
		case wire.IsParameterStatus(msg), wire.IsNoticeResponse(msg):
			if ferr := h.client.WriteFrame(msg.Encode()); ferr != nil {
				return stateTerminal, silentFault(trace.Wrap(ferr))
			}
		case wire.IsReadyForQuery(msg):
			return stateTransparent, nil
		}
	}
}

// buildInjectionSQL renders h.secctx (declared context variables, then
// resolver-injected variables, in the order resolver.SecurityContext
// preserves) as set_config calls, followed by SET ROLE for the effective
// role. set_config is used uniformly, including for variable names the
// client grammar allows to contain a dot (e.g. "app.current_tenant_id"),
// which SET's bare-identifier syntax cannot express.
func (h *Handler) buildInjectionSQL() (string, error) {
	var b strings.Builder
	for _, k := range h.secctx.Keys() {
		v, _ := h.secctx.Get(k)
		nameLit, err := wire.EscapeLiteral(k)
		if err != nil {
			return "", trace.Wrap(err)
		}
		valLit, err := wire.EscapeLiteral(v)
		if err != nil {
			return "", trace.Wrap(err)
		}
		fmt.Fprintf(&b, "SELECT set_config(%s, %s, false); ", nameLit, valLit)
	}

	role := h.identity.Role
	if h.srv.cfg.SetRole != "" {
		role = h.srv.cfg.SetRole
	}
	roleIdent, err := wire.EscapeIdentifier(role)
	if err != nil {
		return "", trace.Wrap(err)
	}
	fmt.Fprintf(&b, "SET ROLE %s;", roleIdent)
	return b.String(), nil
}

// transparent releases the buffered ReadyForQuery to the client, exposing
// the connection as if it had just completed a normal startup (spec.md
// §4.3 TRANSPARENT).
func (h *Handler) transparent() (state, error) {
	if err := h.client.WriteFrame(h.bufferedRFQ.Encode()); err != nil {
		return stateTerminal, silentFault(trace.Wrap(err))
	}
	return statePipe, nil
}

// pipe splices client and upstream traffic until either side closes,
// framing the client->upstream direction in pool mode to recognize
// Terminate without tearing down the upstream socket itself (spec.md §9
// "Duplex piping").
func (h *Handler) pipe() (state, error) {
	h.clientStream.SetDeadline(time.Time{})
	h.upstreamStream.SetDeadline(time.Time{})

	if h.viaPool {
		h.poolHealthy = pipePooled(h.client, h.clientStream, h.upstreamStream, h.srv.cfg.TenantQueryTimeout, h.srv.clock)
	} else {
		splice(h.clientStream, h.upstreamStream)
		h.poolHealthy = false
	}
	return stateCleanup, nil
}

// cleanup returns or discards the upstream connection and always releases
// the tenant guard exactly once (spec.md §4.3 CLEANUP). The guard release
// itself lives in teardown so it runs on every exit path, not just this
// one.
func (h *Handler) cleanup() (state, error) {
	if h.viaPool {
		if h.poolHealthy {
			h.srv.pool.Checkin(h.poolKey, h.pooledConn)
		} else {
			h.srv.pool.Discard(h.poolKey, h.pooledConn)
		}
	} else if h.upstreamStream != nil {
		h.upstreamStream.Close()
	}
	return stateTerminal, nil
}

// teardown runs on every exit path regardless of which state produced the
// exit, guaranteeing the tenant guard is released exactly once and the
// client socket is closed.
func (h *Handler) teardown() {
	if h.tenantGuard != nil {
		h.tenantGuard.Release()
	}
	h.clientStream.Close()
	if !h.viaPool && h.upstreamStream != nil {
		h.upstreamStream.Close()
	}
}

// tenantID names the registry key for this identity: the first positional
// context value if one is configured (by convention the tenant
// identifier is the first context variable), falling back to the login
// role. This is an implementation decision spec.md leaves open; see
// DESIGN.md.
func (h *Handler) tenantID() string {
	if len(h.identity.Values) > 0 {
		return h.identity.Values[0]
	}
	return h.identity.Role
}

// synthesizeBackendKey produces a process-unique (pid, key) pair for a
// pooled client session, derived from a random UUID rather than any real
// backend process id.
func synthesizeBackendKey() (pid, key int32) {
	id := uuid.New()
	pid = int32(id[0])<<24 | int32(id[1])<<16 | int32(id[2])<<8 | int32(id[3])
	key = int32(id[4])<<24 | int32(id[5])<<16 | int32(id[6])<<8 | int32(id[7])
	return pid, key
}

func prometheusTimer() func() {
	start := time.Now()
	return func() {
		metrics.InjectionDuration.Observe(time.Since(start).Seconds())
	}
}
