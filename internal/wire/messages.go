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
	"bytes"

	"github.com/gravitational/trace"
)

// IsAuthenticationOk reports whether m is an AuthenticationOk message
// (type 'R', subtype 0).
func IsAuthenticationOk(m Message) bool {
	return m.Type == ByteAuthenticationOk && len(m.Payload) >= 4 && getInt32(m.Payload[:4]) == AuthOK
}

// AuthSubtype returns the authentication subtype code carried in an 'R'
// message, or ok=false if m is not an authentication message.
func AuthSubtype(m Message) (code int32, ok bool) {
	if m.Type != ByteAuthenticationOk || len(m.Payload) < 4 {
		return 0, false
	}
	return getInt32(m.Payload[:4]), true
}

// MD5Salt returns the 4-byte salt of an AuthenticationMD5Password message.
func MD5Salt(m Message) ([4]byte, bool) {
	var salt [4]byte
	if m.Type != ByteAuthenticationOk || len(m.Payload) < 8 {
		return salt, false
	}
	if getInt32(m.Payload[:4]) != AuthMD5Password {
		return salt, false
	}
	copy(salt[:], m.Payload[4:8])
	return salt, true
}

// SASLMechanisms returns the server-advertised mechanism list of an
// AuthenticationSASL message.
func SASLMechanisms(m Message) ([]string, bool) {
	if m.Type != ByteAuthenticationOk || len(m.Payload) < 4 {
		return nil, false
	}
	if getInt32(m.Payload[:4]) != AuthSASL {
		return nil, false
	}
	rest := m.Payload[4:]
	var mechs []string
	for len(rest) > 0 && rest[0] != 0 {
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			break
		}
		mechs = append(mechs, string(rest[:end]))
		rest = rest[end+1:]
	}
	return mechs, true
}

// SASLData returns the server challenge/verifier bytes of an
// AuthenticationSASLContinue or AuthenticationSASLFinal message.
func SASLData(m Message) ([]byte, bool) {
	if m.Type != ByteAuthenticationOk || len(m.Payload) < 4 {
		return nil, false
	}
	sub := getInt32(m.Payload[:4])
	if sub != AuthSASLContinue && sub != AuthSASLFinal {
		return nil, false
	}
	return m.Payload[4:], true
}

// IsReadyForQuery reports whether m is a ReadyForQuery message.
func IsReadyForQuery(m Message) bool { return m.Type == ByteReadyForQuery }

// IsErrorResponse reports whether m is an ErrorResponse message.
func IsErrorResponse(m Message) bool { return m.Type == ByteErrorResponse }

// IsParameterStatus reports whether m is a ParameterStatus message.
func IsParameterStatus(m Message) bool { return m.Type == ByteParameterStatus }

// IsBackendKeyData reports whether m is a BackendKeyData message.
func IsBackendKeyData(m Message) bool { return m.Type == ByteBackendKeyData }

// IsCommandComplete reports whether m is a CommandComplete message.
func IsCommandComplete(m Message) bool { return m.Type == ByteCommandComplete }

// IsRowDescription reports whether m is a RowDescription message.
func IsRowDescription(m Message) bool { return m.Type == ByteRowDescription }

// IsDataRow reports whether m is a DataRow message.
func IsDataRow(m Message) bool { return m.Type == ByteDataRow }

// IsNoticeResponse reports whether m is a NoticeResponse message.
func IsNoticeResponse(m Message) bool { return m.Type == ByteNoticeResponse }

// ParameterStatus decodes a ParameterStatus message's name/value pair.
func ParameterStatus(m Message) (name, value string, err error) {
	if m.Type != ByteParameterStatus {
		return "", "", trace.BadParameter("not a ParameterStatus message")
	}
	nameEnd := bytes.IndexByte(m.Payload, 0)
	if nameEnd < 0 {
		return "", "", trace.BadParameter("malformed ParameterStatus: missing name terminator")
	}
	name = string(m.Payload[:nameEnd])
	rest := m.Payload[nameEnd+1:]
	valEnd := bytes.IndexByte(rest, 0)
	if valEnd < 0 {
		return "", "", trace.BadParameter("malformed ParameterStatus: missing value terminator")
	}
	value = string(rest[:valEnd])
	return name, value, nil
}

// BackendKeyData decodes a BackendKeyData message's process id and secret
// key.
func BackendKeyData(m Message) (pid, key int32, err error) {
	if m.Type != ByteBackendKeyData || len(m.Payload) < 8 {
		return 0, 0, trace.BadParameter("malformed BackendKeyData")
	}
	return getInt32(m.Payload[0:4]), getInt32(m.Payload[4:8]), nil
}

// ErrorFields decodes an ErrorResponse (or NoticeResponse) message's
// field-code/string pairs.
func ErrorFields(m Message) (map[byte]string, error) {
	if m.Type != ByteErrorResponse && m.Type != ByteNoticeResponse {
		return nil, trace.BadParameter("not an ErrorResponse/NoticeResponse message")
	}
	fields := make(map[byte]string)
	rest := m.Payload
	for len(rest) > 0 {
		code := rest[0]
		rest = rest[1:]
		if code == 0 {
			break
		}
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			return nil, trace.BadParameter("malformed error field for code %q", code)
		}
		fields[code] = string(rest[:end])
		rest = rest[end+1:]
	}
	return fields, nil
}

// BuildParameterStatus constructs a ParameterStatus ('S') message, used
// by pool mode to replay a pooled connection's captured startup
// parameters to a client that did not itself authenticate that upstream.
func BuildParameterStatus(name, value string) []byte {
	length := int32(4 + len(name) + 1 + len(value) + 1)
	out := make([]byte, 1+int(length))
	out[0] = ByteParameterStatus
	putInt32(out[1:5], length)
	i := 5
	i += copy(out[i:], name)
	out[i] = 0
	i++
	i += copy(out[i:], value)
	out[i] = 0
	return out
}

// BuildBackendKeyData constructs a BackendKeyData ('K') message, used by
// pool mode to hand a client a process-assigned key synthesized for its
// session rather than the real upstream's.
func BuildBackendKeyData(pid, key int32) []byte {
	out := make([]byte, 1+4+8)
	out[0] = ByteBackendKeyData
	putInt32(out[1:5], 12)
	putInt32(out[5:9], pid)
	putInt32(out[9:13], key)
	return out
}

// BuildQuery constructs a simple-query ('Q') message for sql.
func BuildQuery(sql string) []byte {
	length := int32(4 + len(sql) + 1)
	out := make([]byte, 1+int(length))
	out[0] = ByteQuery
	putInt32(out[1:5], length)
	copy(out[5:], sql)
	out[len(out)-1] = 0
	return out
}

// ErrorFieldSeverity, ErrorFieldCode, etc. name the field-code bytes used
// by BuildErrorResponse and ErrorFields.
const (
	ErrorFieldSeverity    byte = 'S'
	ErrorFieldSeverityNL  byte = 'V'
	ErrorFieldCode        byte = 'C'
	ErrorFieldMessage     byte = 'M'
	ErrorFieldDetail      byte = 'D'
)

// ErrorSpec describes the fields of a synthesized ErrorResponse.
type ErrorSpec struct {
	Severity string // e.g. "FATAL"
	Code     string // 5-character SQLSTATE
	Message  string
	Detail   string // optional, empty means omitted
}

// BuildErrorResponse constructs an ErrorResponse ('E') message from spec.
func BuildErrorResponse(spec ErrorSpec) []byte {
	var body bytes.Buffer
	writeField(&body, ErrorFieldSeverity, spec.Severity)
	writeField(&body, ErrorFieldSeverityNL, spec.Severity)
	writeField(&body, ErrorFieldCode, spec.Code)
	writeField(&body, ErrorFieldMessage, spec.Message)
	if spec.Detail != "" {
		writeField(&body, ErrorFieldDetail, spec.Detail)
	}
	body.WriteByte(0)

	length := int32(4 + body.Len())
	out := make([]byte, 1+int(length))
	out[0] = ByteErrorResponse
	putInt32(out[1:5], length)
	copy(out[5:], body.Bytes())
	return out
}

func writeField(b *bytes.Buffer, code byte, value string) {
	b.WriteByte(code)
	b.WriteString(value)
	b.WriteByte(0)
}
