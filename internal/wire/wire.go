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

// Package wire frames and builds PostgreSQL v3 protocol messages. It is the
// proxy's only view into the byte stream: everything it does not name here
// is forwarded as opaque bytes by the caller.
package wire

import (
	"encoding/binary"

	"github.com/gravitational/trace"
)

// Magic numbers sent in place of a protocol version in a startup frame.
const (
	ProtocolVersion3 int32 = 196608 // 3.0, high 16 bits major, low 16 bits minor
	SSLRequestCode   int32 = 80877103
	CancelRequestCode int32 = 80877102
	GSSENCRequestCode int32 = 80877104
)

// Backend/frontend message type bytes the proxy recognizes. Anything else
// passes through the pipe untouched once the connection reaches PIPE.
const (
	ByteAuthenticationOk   byte = 'R'
	ByteReadyForQuery      byte = 'Z'
	ByteErrorResponse      byte = 'E'
	ByteNoticeResponse     byte = 'N'
	ByteParameterStatus    byte = 'S'
	ByteBackendKeyData     byte = 'K'
	ByteCommandComplete    byte = 'C'
	ByteRowDescription     byte = 'T'
	ByteDataRow            byte = 'D'
	ByteQuery              byte = 'Q'
	ByteTerminate          byte = 'X'
)

// Authentication sub-type codes carried in the first int32 of an
// AuthenticationOk-family message payload.
const (
	AuthOK                int32 = 0
	AuthKerberosV5        int32 = 2
	AuthCleartextPassword int32 = 3
	AuthMD5Password       int32 = 5
	AuthGSS               int32 = 7
	AuthSASL              int32 = 10
	AuthSASLContinue      int32 = 11
	AuthSASLFinal         int32 = 12
)

// maxStartupFrameLen is the sanity cap on a startup-phase frame's declared
// length, guarding against a client sending a bogus huge length.
const maxStartupFrameLen = 10 * 1024

// maxBackendFrameLen bounds a backend/frontend frame's declared length so a
// corrupt or malicious peer cannot make the proxy buffer unbounded memory.
const maxBackendFrameLen = 64 * 1024 * 1024

func getInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}

func putInt32(b []byte, v int32) {
	binary.BigEndian.PutUint32(b, uint32(v))
}

func getInt16(b []byte) int16 {
	return int16(binary.BigEndian.Uint16(b))
}

// ErrShortBuffer is a "need more data" sentinel, not a protocol error. The
// parsers in this package do not return it: Framer reports an incomplete
// frame with ok=false instead.
var ErrShortBuffer = trace.BadParameter("short buffer")
