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

// Params is an ordered key/value list. Startup parameter order must be
// preserved for faithful reconstruction, and unknown keys are carried
// through verbatim.
type Params struct {
	keys []string
	vals map[string]string
}

// NewParams returns an empty ordered parameter list.
func NewParams() *Params {
	return &Params{vals: make(map[string]string)}
}

// Get returns the value for key and whether it was present.
func (p *Params) Get(key string) (string, bool) {
	v, ok := p.vals[key]
	return v, ok
}

// Set inserts key/value if new, preserving insertion order; updates the
// value in place if key already exists.
func (p *Params) Set(key, value string) {
	if _, ok := p.vals[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = value
}

// Keys returns the keys in their original order.
func (p *Params) Keys() []string {
	return p.keys
}

// Clone returns a deep, independent copy.
func (p *Params) Clone() *Params {
	c := NewParams()
	for _, k := range p.keys {
		c.Set(k, p.vals[k])
	}
	return c
}

// StartupMessage is a parsed startup frame: protocol version plus its
// ordered key/value parameters.
type StartupMessage struct {
	ProtocolVersion int32
	Params          *Params
}

// SSLRequest marks a startup-phase SSLRequest frame.
type SSLRequest struct{}

// GSSENCRequest marks a startup-phase GSSENCRequest frame.
type GSSENCRequest struct{}

// CancelRequest is a parsed CancelRequest frame.
type CancelRequest struct {
	BackendPID int32
	BackendKey int32
}

// ParseStartupFrame interprets the payload of a startup-phase frame (the
// bytes after the 4-byte length, i.e. frame[4:]) and dispatches on the
// magic/protocol-version field. frame must be the complete frame including
// its own 4-byte length prefix.
func ParseStartupFrame(frame []byte) (any, error) {
	if len(frame) < 8 {
		return nil, trace.BadParameter("startup frame too short: %d bytes", len(frame))
	}
	code := getInt32(frame[4:8])
	switch code {
	case SSLRequestCode:
		return SSLRequest{}, nil
	case GSSENCRequestCode:
		return GSSENCRequest{}, nil
	case CancelRequestCode:
		if len(frame) < 16 {
			return nil, trace.BadParameter("cancel request frame too short: %d bytes", len(frame))
		}
		return CancelRequest{
			BackendPID: getInt32(frame[8:12]),
			BackendKey: getInt32(frame[12:16]),
		}, nil
	default:
		params, err := parseStartupParams(frame[8:])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &StartupMessage{ProtocolVersion: code, Params: params}, nil
	}
}

// parseStartupParams parses the null-terminated key/value run that follows
// the length and protocol version, terminated by a single null byte.
func parseStartupParams(payload []byte) (*Params, error) {
	params := NewParams()
	i := 0
	for {
		if i >= len(payload) {
			return nil, trace.BadParameter("startup params missing terminator")
		}
		if payload[i] == 0 {
			// Terminator; nothing more should follow (we don't enforce
			// that strictly, trailing garbage is ignored as the caller
			// already validated the outer frame length).
			return params, nil
		}
		keyEnd := bytes.IndexByte(payload[i:], 0)
		if keyEnd < 0 {
			return nil, trace.BadParameter("unterminated startup parameter key")
		}
		key := string(payload[i : i+keyEnd])
		i += keyEnd + 1

		if i >= len(payload) {
			return nil, trace.BadParameter("startup parameter %q missing value", key)
		}
		valEnd := bytes.IndexByte(payload[i:], 0)
		if valEnd < 0 {
			return nil, trace.BadParameter("unterminated startup parameter value for %q", key)
		}
		value := string(payload[i : i+valEnd])
		i += valEnd + 1

		params.Set(key, value)
	}
}

// BuildStartup reconstructs a startup frame with the given protocol version
// and parameter set, in the parameters' stored order. This is the only
// startup reconstruction path the proxy uses, including the rewrite of the
// "user" parameter.
func BuildStartup(protocolVersion int32, params *Params) []byte {
	var body bytes.Buffer
	for _, k := range params.Keys() {
		v, _ := params.Get(k)
		body.WriteString(k)
		body.WriteByte(0)
		body.WriteString(v)
		body.WriteByte(0)
	}
	body.WriteByte(0)

	total := 4 + 4 + body.Len()
	out := make([]byte, 4, total)
	putInt32(out[0:4], int32(total))
	var verBuf [4]byte
	putInt32(verBuf[:], protocolVersion)
	out = append(out, verBuf[:]...)
	out = append(out, body.Bytes()...)
	return out
}

// BuildSSLRequest returns the fixed 8-byte SSLRequest frame.
func BuildSSLRequest() []byte {
	out := make([]byte, 8)
	putInt32(out[0:4], 8)
	putInt32(out[4:8], SSLRequestCode)
	return out
}
