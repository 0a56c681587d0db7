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

// Package auth implements both sides of PostgreSQL v3 password
// authentication pgvpd performs itself: client-facing cleartext (pool
// mode only) and upstream-facing cleartext, MD5, and SCRAM-SHA-256.
package auth

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/gravitational/trace"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// Reader is the minimal surface auth needs from the connection: read one
// complete message. internal/proxy supplies this over its Framer+Stream.
type Reader interface {
	ReadMessage() (wire.Message, error)
}

// Writer is the minimal surface auth needs to send raw frames.
type Writer interface {
	WriteFrame(frame []byte) error
}

// Conn bundles the read/write surface auth needs.
type Conn interface {
	Reader
	Writer
}

// AuthenticateClientCleartext performs the proxy's own cleartext
// authentication of the connecting client against password, used only in
// pool mode. It sends AuthenticationCleartextPassword, reads the client's
// PasswordMessage, verifies it, and on success sends AuthenticationOk.
func AuthenticateClientCleartext(conn Conn, password string) error {
	if err := conn.WriteFrame(buildAuthRequest(wire.AuthCleartextPassword, nil)); err != nil {
		return trace.Wrap(err)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		return trace.Wrap(err)
	}
	if msg.Type != 'p' {
		return trace.BadParameter("expected PasswordMessage, got message type %q", msg.Type)
	}
	got := cStringTrim(msg.Payload)
	if got != password {
		return trace.AccessDenied("invalid pool password")
	}
	if err := conn.WriteFrame(buildAuthRequest(wire.AuthOK, nil)); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// AuthenticateUpstreamCleartext sends a PasswordMessage containing
// password verbatim, for an upstream that requested
// AuthenticationCleartextPassword.
func AuthenticateUpstreamCleartext(conn Conn, password string) error {
	return conn.WriteFrame(buildPasswordMessage(password))
}

// AuthenticateUpstreamMD5 sends a PasswordMessage containing the
// PostgreSQL MD5 challenge response for (user, password, salt).
func AuthenticateUpstreamMD5(conn Conn, user, password string, salt [4]byte) error {
	inner := md5Hex(password + user)
	outer := "md5" + md5Hex(inner+string(salt[:]))
	return conn.WriteFrame(buildPasswordMessage(outer))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func buildPasswordMessage(password string) []byte {
	length := int32(4 + len(password) + 1)
	out := make([]byte, 1+int(length))
	out[0] = 'p'
	putInt32(out[1:5], length)
	copy(out[5:], password)
	out[len(out)-1] = 0
	return out
}

func buildAuthRequest(code int32, extra []byte) []byte {
	length := int32(4 + 4 + len(extra))
	out := make([]byte, 1+int(length))
	out[0] = wire.ByteAuthenticationOk
	putInt32(out[1:5], length)
	putInt32(out[5:9], code)
	copy(out[9:], extra)
	return out
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func cStringTrim(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
