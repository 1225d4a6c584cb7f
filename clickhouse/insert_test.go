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

package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/go-clickhouse/chtype"
	"github.com/wtsi-hgi/go-clickhouse/rowbinary"
)

// insertCapture records the batches an insert test server received.
type insertCapture struct {
	mu       sync.Mutex
	requests int
	rows     int
	queries  []string
}

// decodeInsertRows counts the RowBinary rows of (Int64, String) tuples in a
// request body.
func decodeInsertRows(body io.Reader) (int, error) {
	dec := rowbinary.NewDecoder(body, rowbinary.Options{})

	intType := chtype.MustParse("Int64")
	strType := chtype.MustParse("String")

	rows := 0

	for {
		if _, err := dec.Value(intType); err != nil {
			if errors.Is(err, io.EOF) {
				return rows, nil
			}

			return rows, err
		}

		if _, err := dec.Value(strType); err != nil {
			return rows, err
		}

		rows++
	}
}

func insertServer(t *testing.T, capture *insertCapture, failOn func(int) bool) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.mu.Lock()
		capture.requests++
		n := capture.requests
		capture.queries = append(capture.queries, r.URL.Query().Get("query"))
		capture.mu.Unlock()

		if failOn != nil && failOn(n) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("Code: 241. DB::Exception: Memory limit exceeded"))

			return
		}

		rows, err := decodeInsertRows(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprintf(w, "Code: 33. bad body: %v", err)

			return
		}

		capture.mu.Lock()
		capture.rows += rows
		capture.mu.Unlock()
	}))

	t.Cleanup(srv.Close)

	return srv
}

func makeRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i), fmt.Sprintf("row-%d", i)}
	}

	return rows
}

func TestInsertCounts(t *testing.T) {
	capture := &insertCapture{}
	client := clientForServer(t, insertServer(t, capture, nil))

	written, err := client.Insert(context.Background(), InsertPlan{
		Table:          "events",
		Columns:        []string{"id", "name"},
		BatchSize:      10,
		MaxParallelism: 2,
	}, SliceRows(makeRows(50)))

	require.NoError(t, err)
	assert.Equal(t, int64(50), written)
	assert.Equal(t, 50, capture.rows)
	assert.Equal(t, 5, capture.requests)

	for _, q := range capture.queries {
		assert.Equal(t, "INSERT INTO `events` (`id`, `name`) FORMAT RowBinary", q)
	}
}

func TestInsertRaggedLastBatch(t *testing.T) {
	capture := &insertCapture{}
	client := clientForServer(t, insertServer(t, capture, nil))

	written, err := client.Insert(context.Background(), InsertPlan{
		Table:          "events",
		Columns:        []string{"id", "name"},
		BatchSize:      7,
		MaxParallelism: 3,
	}, SliceRows(makeRows(20)))

	require.NoError(t, err)
	assert.Equal(t, int64(20), written)
	assert.Equal(t, 3, capture.requests)
}

func TestInsertWithDefaultsFormat(t *testing.T) {
	capture := &insertCapture{}
	client := clientForServer(t, insertServer(t, capture, nil))

	_, err := client.Insert(context.Background(), InsertPlan{
		Table:          "events",
		Database:       "metrics",
		Columns:        []string{"id", "name"},
		Format:         FormatRowBinaryWithDefaults,
		BatchSize:      5,
		MaxParallelism: 1,
	}, SliceRows(makeRows(5)))

	require.NoError(t, err)
	require.Len(t, capture.queries, 1)
	assert.Equal(t, "INSERT INTO `metrics`.`events` (`id`, `name`) FORMAT RowBinaryWithDefaults",
		capture.queries[0])
}

func TestInsertValidation(t *testing.T) {
	client := testClient(t, "Host=h")

	tests := []struct {
		name string
		plan InsertPlan
	}{
		{"No table", InsertPlan{Columns: []string{"a"}, BatchSize: 1, MaxParallelism: 1}},
		{"No columns", InsertPlan{Table: "t", BatchSize: 1, MaxParallelism: 1}},
		{"Zero batch size", InsertPlan{Table: "t", Columns: []string{"a"}, MaxParallelism: 1}},
		{"Zero parallelism", InsertPlan{Table: "t", Columns: []string{"a"}, BatchSize: 1}},
		{"Bad format", InsertPlan{Table: "t", Columns: []string{"a"}, BatchSize: 1,
			MaxParallelism: 1, Format: "CSV"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Insert(context.Background(), tt.plan, SliceRows(nil))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig))
		})
	}
}

func TestInsertFirstErrorWins(t *testing.T) {
	capture := &insertCapture{}
	// Every batch fails.
	client := clientForServer(t, insertServer(t, capture, func(int) bool { return true }))

	written, err := client.Insert(context.Background(), InsertPlan{
		Table:          "events",
		Columns:        []string{"id", "name"},
		BatchSize:      10,
		MaxParallelism: 2,
	}, SliceRows(makeRows(50)))

	require.Error(t, err)

	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 241, serr.Code)
	assert.Zero(t, written)
}

func TestInsertRowArityMismatch(t *testing.T) {
	capture := &insertCapture{}
	client := clientForServer(t, insertServer(t, capture, nil))

	_, err := client.Insert(context.Background(), InsertPlan{
		Table:          "events",
		Columns:        []string{"id", "name"},
		BatchSize:      10,
		MaxParallelism: 1,
	}, SliceRows([][]any{{int64(1)}}))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestInsertNullsNeedNullableColumn(t *testing.T) {
	capture := &insertCapture{}
	client := clientForServer(t, insertServer(t, capture, nil))

	// A column that is null throughout the first batch cannot be typed.
	_, err := client.Insert(context.Background(), InsertPlan{
		Table:          "events",
		Columns:        []string{"id", "name"},
		BatchSize:      2,
		MaxParallelism: 1,
	}, SliceRows([][]any{{int64(1), nil}, {int64(2), nil}}))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestInsertEmptySource(t *testing.T) {
	capture := &insertCapture{}
	client := clientForServer(t, insertServer(t, capture, nil))

	written, err := client.Insert(context.Background(), InsertPlan{
		Table:          "events",
		Columns:        []string{"id", "name"},
		BatchSize:      10,
		MaxParallelism: 2,
	}, SliceRows(nil))

	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Zero(t, capture.requests)
}

// errorAfterRows yields rows then fails, to exercise source-error
// propagation.
type errorAfterRows struct {
	rows [][]any
	pos  int
}

func (s *errorAfterRows) Next() ([]any, error) {
	if s.pos < len(s.rows) {
		row := s.rows[s.pos]
		s.pos++

		return row, nil
	}

	return nil, errors.New("stats file corrupt")
}

func TestInsertSourceErrorPropagates(t *testing.T) {
	capture := &insertCapture{}
	client := clientForServer(t, insertServer(t, capture, nil))

	written, err := client.Insert(context.Background(), InsertPlan{
		Table:          "events",
		Columns:        []string{"id", "name"},
		BatchSize:      2,
		MaxParallelism: 1,
	}, &errorAfterRows{rows: makeRows(4)})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "stats file corrupt")
	// The complete batches before the failure were still written.
	assert.Equal(t, int64(4), written)
}

func TestInsertStream(t *testing.T) {
	var gotQuery atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Get("query"))

		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "payload") {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)

	client := clientForServer(t, srv)

	err := client.InsertStream(context.Background(), "events", FormatRowBinary,
		strings.NewReader("payload"), nil)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `events` FORMAT RowBinary", gotQuery.Load())
}
