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
	"testing"

	"github.com/stretchr/testify/require"
)

func buildRowDescription(cols []string) Message {
	var body bytes.Buffer
	var countBuf [2]byte
	putInt16(countBuf[:], int16(len(cols)))
	body.Write(countBuf[:])
	for _, c := range cols {
		body.WriteString(c)
		body.WriteByte(0)
		body.Write(make([]byte, rowDescriptionFieldLen))
	}
	return Message{Type: ByteRowDescription, Payload: body.Bytes()}
}

func buildDataRow(vals []NullString) Message {
	var body bytes.Buffer
	var countBuf [2]byte
	putInt16(countBuf[:], int16(len(vals)))
	body.Write(countBuf[:])
	for _, v := range vals {
		var lenBuf [4]byte
		if !v.Valid {
			putInt32(lenBuf[:], -1)
			body.Write(lenBuf[:])
			continue
		}
		putInt32(lenBuf[:], int32(len(v.String)))
		body.Write(lenBuf[:])
		body.WriteString(v.String)
	}
	return Message{Type: ByteDataRow, Payload: body.Bytes()}
}

func putInt16(b []byte, v int16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func TestRowDescriptionColumns(t *testing.T) {
	msg := buildRowDescription([]string{"tenant_id", "plan"})
	cols, err := RowDescriptionColumns(msg)
	require.NoError(t, err)
	require.Equal(t, []string{"tenant_id", "plan"}, cols)
}

func TestDataRowValuesWithNull(t *testing.T) {
	msg := buildDataRow([]NullString{{String: "acme", Valid: true}, {}})
	vals, err := DataRowValues(msg)
	require.NoError(t, err)
	require.Len(t, vals, 2)
	require.Equal(t, "acme", vals[0].String)
	require.True(t, vals[0].Valid)
	require.False(t, vals[1].Valid)
}
