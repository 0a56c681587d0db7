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

import "github.com/gravitational/trace"

// Message is a generic backend/frontend frame: one type byte followed by a
// 4-byte length (excluding the type byte) and a payload.
type Message struct {
	Type    byte
	Payload []byte
}

// Framer incrementally assembles whole frames out of a byte stream. It
// holds no knowledge of which side of the connection it reads from; the
// caller calls NextStartup or NextMessage depending on handshake phase.
type Framer struct {
	buf buffer
}

// Feed appends newly read bytes to the framer's internal buffer.
func (f *Framer) Feed(p []byte) {
	f.buf.Append(p)
}

// NextStartup attempts to extract one startup-phase frame (no type byte;
// first 4 bytes are the total length including themselves). It returns
// ok=false if the frame is not yet complete.
func (f *Framer) NextStartup() (frame []byte, ok bool, err error) {
	b := f.buf.Bytes()
	if len(b) < 4 {
		return nil, false, nil
	}
	n := getInt32(b[:4])
	if n < 8 || n > maxStartupFrameLen {
		return nil, false, trace.BadParameter("invalid startup frame length %d", n)
	}
	if int32(len(b)) < n {
		return nil, false, nil
	}
	frame = make([]byte, n)
	copy(frame, b[:n])
	f.buf.Advance(int(n))
	return frame, true, nil
}

// NextMessage attempts to extract one backend/frontend frame (1-byte type,
// 4-byte length excluding the type byte, then payload). It returns
// ok=false if the frame is not yet complete.
func (f *Framer) NextMessage() (msg Message, ok bool, err error) {
	b := f.buf.Bytes()
	if len(b) < 5 {
		return Message{}, false, nil
	}
	length := getInt32(b[1:5])
	if length < 4 || length > maxBackendFrameLen {
		return Message{}, false, trace.BadParameter("invalid message length %d for type %q", length, b[0])
	}
	total := 1 + int(length)
	if len(b) < total {
		return Message{}, false, nil
	}
	typ := b[0]
	payload := make([]byte, length-4)
	copy(payload, b[5:total])
	f.buf.Advance(total)
	return Message{Type: typ, Payload: payload}, true, nil
}

// Encode reconstructs the wire bytes for m, for callers that forward a
// message unmodified.
func (m Message) Encode() []byte {
	out := make([]byte, 1+4+len(m.Payload))
	out[0] = m.Type
	putInt32(out[1:5], int32(4+len(m.Payload)))
	copy(out[5:], m.Payload)
	return out
}
