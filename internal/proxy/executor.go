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
	"github.com/gravitational/trace"

	"github.com/pgvpd/pgvpd/internal/wire"
)

// upstreamExecutor implements resolver.Executor over the handler's
// already-authenticated upstream wireConn: send a simple Query, consume
// RowDescription/DataRow(s)/CommandComplete/ReadyForQuery, and surface
// any ErrorResponse as an error the handler recognizes and forwards
// verbatim (spec.md §4.4 "Failed resolver").
type upstreamExecutor struct {
	conn *wireConn
}

// errUpstream carries a verbatim server ErrorResponse so the caller can
// forward it to the client instead of synthesizing its own.
type errUpstream struct {
	msg wire.Message
}

func (e *errUpstream) Error() string {
	fields, _ := wire.ErrorFields(e.msg)
	return "upstream error: " + fields[wire.ErrorFieldMessage]
}

func (e *upstreamExecutor) Execute(sql string) (row map[string]string, ok bool, err error) {
	if err := e.conn.WriteFrame(wire.BuildQuery(sql)); err != nil {
		return nil, false, trace.Wrap(err)
	}

	var cols []string
	var values []wire.NullString
	gotRow := false

	for {
		msg, err := e.conn.ReadMessage()
		if err != nil {
			return nil, false, trace.Wrap(err)
		}
		switch {
		case wire.IsRowDescription(msg):
			cols, err = wire.RowDescriptionColumns(msg)
			if err != nil {
				return nil, false, trace.Wrap(err)
			}
		case wire.IsDataRow(msg):
			if !gotRow {
				values, err = wire.DataRowValues(msg)
				if err != nil {
					return nil, false, trace.Wrap(err)
				}
				gotRow = true
			}
			// spec.md §4.4: "if more than one row, use the first" —
			// subsequent DataRows are drained and discarded.
		case wire.IsErrorResponse(msg):
			return nil, false, &errUpstream{msg: msg}
		case wire.IsCommandComplete(msg):
			// drain
		case wire.IsNoticeResponse(msg):
			// drain
		case wire.IsReadyForQuery(msg):
			if !gotRow {
				return nil, false, nil
			}
			return rowFromColumns(cols, values), true, nil
		}
	}
}

func rowFromColumns(cols []string, values []wire.NullString) map[string]string {
	row := make(map[string]string, len(cols))
	for i, c := range cols {
		if i >= len(values) || !values[i].Valid {
			continue
		}
		row[c] = values[i].String
	}
	return row
}
