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

package auth

import (
	"github.com/gravitational/trace"
	"github.com/xdg-go/scram"

	"github.com/pgvpd/pgvpd/internal/wire"
)

const mechanismSCRAMSHA256 = "SCRAM-SHA-256"

// AuthenticateUpstreamSCRAM drives the client side of a SCRAM-SHA-256
// exchange (RFC 5802, no channel binding) against an upstream that has
// just sent AuthenticationSASL advertising "SCRAM-SHA-256". It reads the
// server's SASLContinue and SASLFinal itself and returns once the
// exchange has verified, without consuming the subsequent
// AuthenticationOk — the caller (internal/proxy) keeps reading frames
// until it sees that, tolerating servers that coalesce SASLFinal and
// AuthenticationOk into the same read and servers that send them
// separately (see SPEC_FULL.md "Open questions").
func AuthenticateUpstreamSCRAM(conn Conn, user, password string) error {
	client, err := scram.SHA256.NewClient(user, password, "")
	if err != nil {
		return trace.Wrap(err, "failed to create SCRAM client")
	}
	conv := client.NewConversation()

	firstMsg, err := conv.Step("")
	if err != nil {
		return trace.Wrap(err, "SCRAM client-first-message failed")
	}
	if err := conn.WriteFrame(buildSASLInitialResponse(mechanismSCRAMSHA256, firstMsg)); err != nil {
		return trace.Wrap(err)
	}

	serverFirst, err := readSASLServerMessage(conn, wire.AuthSASLContinue)
	if err != nil {
		return trace.Wrap(err)
	}
	finalMsg, err := conv.Step(serverFirst)
	if err != nil {
		return trace.Wrap(err, "SCRAM client-final-message failed")
	}
	if err := conn.WriteFrame(buildSASLResponse(finalMsg)); err != nil {
		return trace.Wrap(err)
	}

	serverFinal, err := readSASLServerMessage(conn, wire.AuthSASLFinal)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := conv.Step(serverFinal); err != nil {
		return trace.Wrap(err, "SCRAM server verification failed")
	}
	if !conv.Done() {
		return trace.CompareFailed("SCRAM conversation did not complete after server-final-message")
	}
	return nil
}

// readSASLServerMessage reads frames until it finds an AuthenticationOk
// family message with the expected SASL subtype, skipping any interleaved
// NoticeResponse. It returns the raw challenge/verifier bytes as a string.
func readSASLServerMessage(conn Conn, wantSubtype int32) (string, error) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return "", trace.Wrap(err)
		}
		if wire.IsNoticeResponse(msg) {
			continue
		}
		sub, ok := wire.AuthSubtype(msg)
		if !ok {
			return "", trace.BadParameter("expected SASL authentication message, got type %q", msg.Type)
		}
		if sub != wantSubtype {
			return "", trace.BadParameter("expected SASL subtype %d, got %d", wantSubtype, sub)
		}
		data, _ := wire.SASLData(msg)
		return string(data), nil
	}
}

func buildSASLInitialResponse(mechanism, initial string) []byte {
	mechBytes := append([]byte(mechanism), 0)
	var lenBuf [4]byte
	putInt32(lenBuf[:], int32(len(initial)))
	length := int32(4 + len(mechBytes) + 4 + len(initial))
	out := make([]byte, 1+int(length))
	out[0] = 'p'
	putInt32(out[1:5], length)
	copy(out[5:], mechBytes)
	copy(out[5+len(mechBytes):], lenBuf[:])
	copy(out[5+len(mechBytes)+4:], initial)
	return out
}

func buildSASLResponse(data string) []byte {
	length := int32(4 + len(data))
	out := make([]byte, 1+int(length))
	out[0] = 'p'
	putInt32(out[1:5], length)
	copy(out[5:], data)
	return out
}
