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
	"github.com/jackc/pgerrcode"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// fault carries, at most, one ErrorResponse that the single exit point in
// Handler.run is allowed to send to the client. A nil spec means the
// connection is torn down silently (a transport failure, or a server
// ErrorResponse that has already been forwarded verbatim by the step that
// produced this fault).
type fault struct {
	spec *wire.ErrorSpec
	err  error
}

func (f *fault) Error() string { return f.err.Error() }
func (f *fault) Unwrap() error { return f.err }

// newFault builds a fault that carries a synthesized ErrorResponse.
func newFault(code, message string, err error) *fault {
	if err == nil {
		err = &faultMessage{message}
	}
	return &fault{
		spec: &wire.ErrorSpec{Severity: "FATAL", Code: code, Message: message},
		err:  err,
	}
}

// silentFault builds a fault that closes the connection without sending
// anything further to the client — used when a server ErrorResponse has
// already been relayed, or on a plain transport failure.
func silentFault(err error) *fault {
	return &fault{err: err}
}

type faultMessage struct{ msg string }

func (m *faultMessage) Error() string { return m.msg }

// SQLSTATE codes spec.md §7 names explicitly for synthesized
// ErrorResponses. jackc/pgerrcode already carries the full Postgres
// errcodes.txt table; no need to hand-copy these five-character strings.
const (
	codeNoValidUser       = pgerrcode.SQLServerRejectedEstablishmentOfSQLConnection // 08004
	codeMalformedIdentity = pgerrcode.InvalidAuthorizationSpecification             // 28000
	codeQueryCanceled     = pgerrcode.QueryCanceled                                 // 57014
	codeTooManyConns      = pgerrcode.TooManyConnections                           // 53300
)
