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

// rowDescriptionFieldLen is the fixed-width tail of a RowDescription
// field entry that follows the null-terminated column name: table OID
// (4), column attribute number (2), type OID (4), type size (2), type
// modifier (4), format code (2).
const rowDescriptionFieldLen = 4 + 2 + 4 + 2 + 4 + 2

// RowDescriptionColumns decodes a RowDescription message's column names,
// in result order, ignoring the type/format metadata the resolver engine
// never needs since it only substitutes text-format values.
func RowDescriptionColumns(m Message) ([]string, error) {
	if m.Type != ByteRowDescription {
		return nil, trace.BadParameter("not a RowDescription message")
	}
	if len(m.Payload) < 2 {
		return nil, trace.BadParameter("malformed RowDescription: short payload")
	}
	count := getInt16(m.Payload[:2])
	rest := m.Payload[2:]
	cols := make([]string, 0, count)
	for i := int16(0); i < count; i++ {
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			return nil, trace.BadParameter("malformed RowDescription: unterminated column name")
		}
		cols = append(cols, string(rest[:end]))
		rest = rest[end+1:]
		if len(rest) < rowDescriptionFieldLen {
			return nil, trace.BadParameter("malformed RowDescription: truncated field metadata")
		}
		rest = rest[rowDescriptionFieldLen:]
	}
	return cols, nil
}

// NullString is a text-format column value that may be SQL NULL.
type NullString struct {
	String string
	Valid  bool
}

// DataRowValues decodes a DataRow message's column values in result
// order. A column length of -1 decodes to an invalid (NULL) NullString.
func DataRowValues(m Message) ([]NullString, error) {
	if m.Type != ByteDataRow {
		return nil, trace.BadParameter("not a DataRow message")
	}
	if len(m.Payload) < 2 {
		return nil, trace.BadParameter("malformed DataRow: short payload")
	}
	count := getInt16(m.Payload[:2])
	rest := m.Payload[2:]
	vals := make([]NullString, 0, count)
	for i := int16(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, trace.BadParameter("malformed DataRow: truncated column length")
		}
		length := getInt32(rest[:4])
		rest = rest[4:]
		if length < 0 {
			vals = append(vals, NullString{})
			continue
		}
		if int32(len(rest)) < length {
			return nil, trace.BadParameter("malformed DataRow: truncated column data")
		}
		vals = append(vals, NullString{String: string(rest[:length]), Valid: true})
		rest = rest[length:]
	}
	return vals, nil
}
