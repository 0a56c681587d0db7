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

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartupRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc   string
		params map[string]string
		keys   []string
	}{
		{
			desc:   "single param",
			params: map[string]string{"user": "app_user.acme"},
			keys:   []string{"user"},
		},
		{
			desc: "multiple params preserve order",
			params: map[string]string{
				"user":     "app_user",
				"database": "db",
				"options":  "--foo",
			},
			keys: []string{"user", "database", "options"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.desc, func(t *testing.T) {
			params := NewParams()
			for _, k := range tt.keys {
				params.Set(k, tt.params[k])
			}
			frame := BuildStartup(ProtocolVersion3, params)

			parsed, err := ParseStartupFrame(frame)
			require.NoError(t, err)
			sm, ok := parsed.(*StartupMessage)
			require.True(t, ok)
			require.Equal(t, ProtocolVersion3, sm.ProtocolVersion)
			require.Equal(t, tt.keys, sm.Params.Keys())
			for _, k := range tt.keys {
				v, ok := sm.Params.Get(k)
				require.True(t, ok)
				require.Equal(t, tt.params[k], v)
			}

			rebuilt := BuildStartup(sm.ProtocolVersion, sm.Params)
			require.Equal(t, frame, rebuilt)
		})
	}
}

func TestParseStartupFrameRewritesUser(t *testing.T) {
	params := NewParams()
	params.Set("user", "app_user.acme")
	params.Set("database", "db")
	frame := BuildStartup(ProtocolVersion3, params)

	parsed, err := ParseStartupFrame(frame)
	require.NoError(t, err)
	sm := parsed.(*StartupMessage)
	sm.Params.Set("user", "app_user")

	rebuilt := BuildStartup(sm.ProtocolVersion, sm.Params)
	reparsed, err := ParseStartupFrame(rebuilt)
	require.NoError(t, err)
	rsm := reparsed.(*StartupMessage)

	user, ok := rsm.Params.Get("user")
	require.True(t, ok)
	require.Equal(t, "app_user", user)
	db, ok := rsm.Params.Get("database")
	require.True(t, ok)
	require.Equal(t, "db", db)
}

func TestParseStartupFrameMagicNumbers(t *testing.T) {
	sslFrame := BuildSSLRequest()
	parsed, err := ParseStartupFrame(sslFrame)
	require.NoError(t, err)
	require.IsType(t, SSLRequest{}, parsed)
}

func TestFramerNextStartupPartial(t *testing.T) {
	params := NewParams()
	params.Set("user", "app_user")
	frame := BuildStartup(ProtocolVersion3, params)

	f := &Framer{}
	f.Feed(frame[:len(frame)-2])
	_, ok, err := f.NextStartup()
	require.NoError(t, err)
	require.False(t, ok)

	f.Feed(frame[len(frame)-2:])
	got, ok, err := f.NextStartup()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, frame, got)
}

func TestFramerNextStartupRejectsBadLength(t *testing.T) {
	f := &Framer{}
	bad := make([]byte, 4)
	putInt32(bad, 4) // below the 8-byte floor
	f.Feed(bad)
	_, _, err := f.NextStartup()
	require.Error(t, err)
}

func TestFramerNextMessageRoundTrip(t *testing.T) {
	msg := Message{Type: ByteReadyForQuery, Payload: []byte("I")}
	encoded := msg.Encode()

	f := &Framer{}
	f.Feed(encoded[:2])
	_, ok, err := f.NextMessage()
	require.NoError(t, err)
	require.False(t, ok)

	f.Feed(encoded[2:])
	got, ok, err := f.NextMessage()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, msg, got)
}

func TestMessageIdentityHelpers(t *testing.T) {
	okMsg := Message{Type: ByteAuthenticationOk, Payload: []byte{0, 0, 0, 0}}
	require.True(t, IsAuthenticationOk(okMsg))

	md5Msg := Message{Type: ByteAuthenticationOk, Payload: []byte{0, 0, 0, 5, 1, 2, 3, 4}}
	salt, ok := MD5Salt(md5Msg)
	require.True(t, ok)
	require.Equal(t, [4]byte{1, 2, 3, 4}, salt)

	rfq := Message{Type: ByteReadyForQuery, Payload: []byte("I")}
	require.True(t, IsReadyForQuery(rfq))
	require.False(t, IsErrorResponse(rfq))
}

func TestParameterStatusAndBackendKeyData(t *testing.T) {
	psPayload := append([]byte("server_version\x00"), append([]byte("16.1"), 0)...)
	ps := Message{Type: ByteParameterStatus, Payload: psPayload}
	name, val, err := ParameterStatus(ps)
	require.NoError(t, err)
	require.Equal(t, "server_version", name)
	require.Equal(t, "16.1", val)

	var bkPayload [8]byte
	putInt32(bkPayload[0:4], 1234)
	putInt32(bkPayload[4:8], 5678)
	bk := Message{Type: ByteBackendKeyData, Payload: bkPayload[:]}
	pid, key, err := BackendKeyData(bk)
	require.NoError(t, err)
	require.Equal(t, int32(1234), pid)
	require.Equal(t, int32(5678), key)
}

func TestBuildQuery(t *testing.T) {
	q := BuildQuery("SELECT 1;")
	require.Equal(t, ByteQuery, q[0])
	require.Equal(t, byte(0), q[len(q)-1])
}

func TestBuildErrorResponseFields(t *testing.T) {
	msg := BuildErrorResponse(ErrorSpec{
		Severity: "FATAL",
		Code:     "28000",
		Message:  "malformed identity",
	})
	f := &Framer{}
	f.Feed(msg)
	got, ok, err := f.NextMessage()
	require.NoError(t, err)
	require.True(t, ok)

	fields, err := ErrorFields(got)
	require.NoError(t, err)
	require.Equal(t, "FATAL", fields[ErrorFieldSeverity])
	require.Equal(t, "FATAL", fields[ErrorFieldSeverityNL])
	require.Equal(t, "28000", fields[ErrorFieldCode])
	require.Equal(t, "malformed identity", fields[ErrorFieldMessage])
}

func TestEscapeLiteralRejectsUnsafe(t *testing.T) {
	_, err := EscapeLiteral("acme; DROP TABLE users")
	require.Error(t, err)

	lit, err := EscapeLiteral("acme-1.2_3")
	require.NoError(t, err)
	require.Equal(t, "'acme-1.2_3'", lit)
}

func TestEscapeIdentifierRejectsDot(t *testing.T) {
	_, err := EscapeIdentifier("app.current_tenant_id")
	require.Error(t, err)

	id, err := EscapeIdentifier("app_user")
	require.NoError(t, err)
	require.Equal(t, `"app_user"`, id)
}
