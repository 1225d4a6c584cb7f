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
	"io"
)

const formatRowBinaryWithNamesAndTypes = "RowBinaryWithNamesAndTypes"

// queryContext derives the cancellable, optionally deadlined context every
// streaming operation runs under.
func (c *Client) queryContext(ctx context.Context, opts *QueryOptions) (context.Context, context.CancelFunc) {
	timeout := c.settings.Timeout

	if opts != nil && opts.MaxExecutionTime > 0 && (timeout == 0 || opts.MaxExecutionTime < timeout) {
		timeout = opts.MaxExecutionTime
	}

	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}

	return context.WithCancel(ctx)
}

// Exec runs a statement that produces no result set.
func (c *Client) Exec(ctx context.Context, sql string, opts *QueryOptions) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := c.queryContext(ctx, opts)
	defer cancel()

	c.logger.Debug("exec", "sql", sql)

	req, err := c.buildRequest(ctx, &requestSpec{sql: sql, opts: opts})
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

// Query runs a SELECT and returns a streaming row cursor. The caller must
// Close it.
func (c *Client) Query(ctx context.Context, sql string, opts *QueryOptions) (*Rows, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := c.queryContext(ctx, opts)

	rows, err := c.query(ctx, cancel, sql, opts)
	if err != nil {
		cancel()

		return nil, err
	}

	return rows, nil
}

func (c *Client) query(ctx context.Context, cancel context.CancelFunc,
	sql string, opts *QueryOptions) (*Rows, error) {
	tag := newExceptionTag()

	c.logger.Debug("query", "sql", sql, "exception_tag", tag)

	req, err := c.buildRequest(ctx, &requestSpec{
		sql:           sql,
		opts:          opts,
		defaultFormat: formatRowBinaryWithNamesAndTypes,
		exceptionTag:  tag,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req, sql)
	if err != nil {
		return nil, err
	}

	result, err := harvestResponse(resp)
	if err != nil {
		return nil, err
	}

	return c.openRows(result, cancel)
}

// ErrNoRows is returned by QueryScalar when the result set is empty.
var ErrNoRows = errors.New("clickhouse: no rows in result set")

// QueryScalar runs a query and returns the first column of its first row.
func (c *Client) QueryScalar(ctx context.Context, sql string, opts *QueryOptions) (any, error) {
	rows, err := c.Query(ctx, sql, opts)
	if err != nil {
		return nil, err
	}

	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}

		return nil, ErrNoRows
	}

	return rows.Get(0), nil
}

// QueryRaw runs a query and hands back the raw response body in the given
// server format, along with the harvested result metadata. The caller owns
// result.Body.
func (c *Client) QueryRaw(ctx context.Context, sql, format string, opts *QueryOptions) (*QueryResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := c.queryContext(ctx, opts)

	result, err := c.queryRaw(ctx, sql, format, opts)
	if err != nil {
		cancel()

		return nil, err
	}

	result.Body = &cancelOnClose{ReadCloser: result.Body, cancel: cancel}

	return result, nil
}

func (c *Client) queryRaw(ctx context.Context, sql, format string, opts *QueryOptions) (*QueryResult, error) {
	c.logger.Debug("raw query", "sql", sql, "format", format)

	req, err := c.buildRequest(ctx, &requestSpec{sql: sql, opts: opts, defaultFormat: format})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req, sql)
	if err != nil {
		return nil, err
	}

	return harvestResponse(resp)
}

// cancelOnClose ties a request's cancel function to its body lifetime.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()

	c.cancel()

	return err
}
