/*******************************************************************************
 * Copyright (c) 2025 Genome Research Ltd.
 *
 * Permission is hereby granted, free of charge, to any person obtaining
 * a copy of this software and associated documentation files (the
 * "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish,
 * distribute, sublicense, and/or sell copies of the Software, and to
 * permit persons to whom the Software is furnished to do so, subject to
 * the following conditions:
 *
 * The above copyright notice and this permission notice shall be included
 * in all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
 * EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
 * MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY
 * CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT,
 * TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 ******************************************************************************/

// package chtest builds ClickHouse HTTP wire fixtures for tests: RowBinary
// bodies, schema headers and mid-stream exception sentinels.

package chtest

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/wtsi-hgi/go-clickhouse/chtype"
	"github.com/wtsi-hgi/go-clickhouse/rowbinary"
)

// Column names one column of a fixture result set.
type Column struct {
	Name string
	Type string
}

// Body serialises a RowBinaryWithNamesAndTypes response body with the given
// schema and rows.
func Body(t *testing.T, cols []Column, rows [][]any) []byte {
	t.Helper()

	var buf bytes.Buffer

	enc := rowbinary.NewEncoder(&buf, rowbinary.Options{})

	if err := enc.Uvarint(uint64(len(cols))); err != nil {
		t.Fatalf("failed to write column count: %v", err)
	}

	for _, col := range cols {
		if err := enc.String(col.Name); err != nil {
			t.Fatalf("failed to write column name: %v", err)
		}
	}

	for _, col := range cols {
		if err := enc.String(col.Type); err != nil {
			t.Fatalf("failed to write column type: %v", err)
		}
	}

	AppendRows(t, &buf, cols, rows)

	return buf.Bytes()
}

// AppendRows serialises plain RowBinary rows onto buf.
func AppendRows(t *testing.T, buf *bytes.Buffer, cols []Column, rows [][]any) {
	t.Helper()

	enc := rowbinary.NewEncoder(buf, rowbinary.Options{})

	for _, row := range rows {
		for i, v := range row {
			node, err := chtype.Parse(cols[i].Type)
			if err != nil {
				t.Fatalf("bad fixture type %q: %v", cols[i].Type, err)
			}

			if err := enc.Value(node, v); err != nil {
				t.Fatalf("failed to encode fixture value: %v", err)
			}
		}
	}
}

// ExceptionSentinel renders the mid-stream exception frame for the given
// tag and message, including the closing marker.
func ExceptionSentinel(tag, message string) []byte {
	return fmt.Appendf(nil, "__exception__%s\n%s\n%d %s__exception__",
		tag, message, len(message), tag)
}
