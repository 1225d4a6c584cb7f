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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/wtsi-hgi/go-clickhouse/chtype"
	"github.com/wtsi-hgi/go-clickhouse/rowbinary"
)

// Format selects the wire format of bulk inserts.
type Format string

// The supported insert formats. RowBinaryWithDefaults lets the server fill
// server-side defaults for columns missing from the column tuple.
const (
	FormatRowBinary             Format = "RowBinary"
	FormatRowBinaryWithDefaults Format = "RowBinaryWithDefaults"
)

// InsertPlan names the target and shape of a bulk insert.
type InsertPlan struct {
	Table    string
	Database string

	// Columns is the non-empty target column tuple; the server infers
	// their types, so no type header is sent.
	Columns []string

	// Format defaults to RowBinary.
	Format Format

	// BatchSize is the number of rows per HTTP POST; strictly positive.
	BatchSize int

	// MaxParallelism bounds the number of in-flight POSTs; strictly
	// positive.
	MaxParallelism int

	QueryID  string
	Settings map[string]string
}

// RowSource supplies rows as positional tuples aligned to the plan's
// columns. Next returns io.EOF at the end of the sequence.
type RowSource interface {
	Next() ([]any, error)
}

type sliceRows struct {
	rows [][]any
	pos  int
}

func (s *sliceRows) Next() ([]any, error) {
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}

	row := s.rows[s.pos]
	s.pos++

	return row, nil
}

// SliceRows adapts an in-memory row slice to a RowSource.
func SliceRows(rows [][]any) RowSource {
	return &sliceRows{rows: rows}
}

func (p *InsertPlan) validate() error {
	if p.Table == "" {
		return configErrorf("insert plan needs a table")
	}

	if len(p.Columns) == 0 {
		return configErrorf("insert plan needs at least one column")
	}

	if p.BatchSize <= 0 {
		return configErrorf("batch size must be positive, got %d", p.BatchSize)
	}

	if p.MaxParallelism <= 0 {
		return configErrorf("parallelism must be positive, got %d", p.MaxParallelism)
	}

	switch p.Format {
	case "", FormatRowBinary, FormatRowBinaryWithDefaults:
		return nil
	default:
		return configErrorf("unknown insert format %q", p.Format)
	}
}

func (p *InsertPlan) sql() string {
	format := p.Format
	if format == "" {
		format = FormatRowBinary
	}

	table := quoteIdent(p.Table)
	if p.Database != "" {
		table = quoteIdent(p.Database) + "." + table
	}

	cols := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		cols[i] = quoteIdent(c)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) FORMAT %s", table, strings.Join(cols, ", "), format)
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// insertState shares progress and failure across batch workers.
type insertState struct {
	written  atomic.Int64
	mu       sync.Mutex
	firstErr error
	cancel   context.CancelFunc
}

// fail records the first error observed and cancels outstanding work.
func (st *insertState) fail(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.firstErr == nil {
		st.firstErr = err
		st.cancel()
	}
}

func (st *insertState) err() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.firstErr
}

// Insert streams rows into the target table in parallel batches and returns
// the number of rows written. Any batch failure cancels outstanding batches
// and aborts the iteration; partial inserts may remain, as batches are not
// transactional.
func (c *Client) Insert(ctx context.Context, plan InsertPlan, rows RowSource) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	if err := plan.validate(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &insertState{cancel: cancel}
	sem := make(chan struct{}, plan.MaxParallelism)

	var (
		wg       sync.WaitGroup
		colTypes []*chtype.Node
		srcErr   error
	)

	for {
		batch, err := readBatch(rows, plan.BatchSize, len(plan.Columns))
		if err != nil && !errors.Is(err, io.EOF) {
			srcErr = err

			break
		}

		if len(batch) > 0 {
			if colTypes == nil {
				if colTypes, srcErr = inferColumnTypes(batch); srcErr != nil {
					break
				}
			}

			if ctx.Err() != nil {
				// Cancelled: refuse to start new batches.
				break
			}

			c.startBatch(ctx, &wg, sem, st, plan, colTypes, batch)
		}

		if err != nil {
			break
		}
	}

	wg.Wait()

	var errm *multierror.Error

	errm = multierror.Append(errm, st.err())
	errm = multierror.Append(errm, srcErr)

	return st.written.Load(), errm.ErrorOrNil()
}

// readBatch pulls up to batchSize rows, validating their arity.
func readBatch(rows RowSource, batchSize, columns int) ([][]any, error) {
	batch := make([][]any, 0, batchSize)

	for len(batch) < batchSize {
		row, err := rows.Next()
		if err != nil {
			return batch, err
		}

		if len(row) != columns {
			return batch, configErrorf("row has %d values, plan has %d columns", len(row), columns)
		}

		batch = append(batch, row)
	}

	return batch, nil
}

// inferColumnTypes derives each column's codec from the first batch: the
// first non-nil value decides the type, and any nil makes it nullable.
// Columns whose type stays ambiguous must be pre-converted by the caller.
func inferColumnTypes(batch [][]any) ([]*chtype.Node, error) {
	columns := len(batch[0])

	types := make([]*chtype.Node, columns)
	nullable := make([]bool, columns)

	for _, row := range batch {
		for i, v := range row {
			if v == nil {
				nullable[i] = true

				continue
			}

			if types[i] != nil {
				continue
			}

			t, err := rowbinary.Infer(v)
			if err != nil {
				return nil, fmt.Errorf("clickhouse: column %d: %w", i, err)
			}

			types[i] = t
		}
	}

	for i := range types {
		if types[i] == nil {
			return nil, configErrorf("column %d has only null values in the first batch; "+
				"pre-convert or reorder rows", i)
		}

		if nullable[i] && types[i].Kind != chtype.KindNullable {
			types[i] = &chtype.Node{Kind: chtype.KindNullable, Args: []*chtype.Node{types[i]}}
		}
	}

	return types, nil
}

// startBatch serialises and posts one batch under the parallelism bound.
func (c *Client) startBatch(ctx context.Context, wg *sync.WaitGroup, sem chan struct{},
	st *insertState, plan InsertPlan, colTypes []*chtype.Node, batch [][]any) {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		defer func() { <-sem }()

		if ctx.Err() != nil {
			return
		}

		buf, err := encodeBatch(colTypes, batch, c.insertCodecOptions())
		if err != nil {
			st.fail(err)

			return
		}

		if err := c.postBatch(ctx, plan, buf); err != nil {
			st.fail(err)

			return
		}

		st.written.Add(int64(len(batch)))
	}()
}

func (c *Client) insertCodecOptions() rowbinary.Options {
	opts := c.codecOptions()
	opts.JSONAsString = c.settings.JSONWriteMode == JSONModeString

	return opts
}

// encodeBatch serialises rows into an in-memory RowBinary payload.
func encodeBatch(colTypes []*chtype.Node, batch [][]any, opts rowbinary.Options) (*bytes.Buffer, error) {
	var buf bytes.Buffer

	enc := rowbinary.NewEncoder(&buf, opts)

	for _, row := range batch {
		for i, v := range row {
			if err := enc.Value(colTypes[i], v); err != nil {
				return nil, fmt.Errorf("clickhouse: column %d: %w", i, err)
			}
		}
	}

	return &buf, nil
}

func (c *Client) postBatch(ctx context.Context, plan InsertPlan, buf *bytes.Buffer) error {
	opts := &QueryOptions{
		QueryID:  plan.QueryID,
		Database: plan.Database,
		Settings: plan.Settings,
	}

	sql := plan.sql()

	c.logger.Debug("insert batch", "sql", sql, "bytes", buf.Len())

	req, err := c.buildRequest(ctx, &requestSpec{
		sql:       sql,
		opts:      opts,
		body:      buf,
		jsonWrite: true,
	})
	if err != nil {
		return err
	}

	resp, err := c.do(req, sql)
	if err != nil {
		return err
	}

	defer func() { _ = resp.Body.Close() }()

	_, err = io.Copy(io.Discard, resp.Body)

	return err
}

// InsertStream uploads a caller-prepared body for an INSERT statement in the
// given format, for callers that already hold serialised data.
func (c *Client) InsertStream(ctx context.Context, table string, format Format,
	body io.Reader, opts *QueryOptions) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	if table == "" {
		return configErrorf("insert stream needs a table")
	}

	if format == "" {
		format = FormatRowBinary
	}

	sql := fmt.Sprintf("INSERT INTO %s FORMAT %s", quoteIdent(table), format)

	ctx, cancel := c.queryContext(ctx, opts)
	defer cancel()

	req, err := c.buildRequest(ctx, &requestSpec{sql: sql, opts: opts, body: body, jsonWrite: true})
	if err != nil {
		return err
	}

	resp, err := c.do(req, sql)
	if err != nil {
		return err
	}

	defer func() { _ = resp.Body.Close() }()

	_, err = io.Copy(io.Discard, resp.Body)

	return err
}
