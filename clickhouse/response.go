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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
)

// Response header names harvested before the body is handed off.
const (
	headerQueryID      = "X-ClickHouse-Query-Id"
	headerTimezone     = "X-ClickHouse-Timezone"
	headerSummary      = "X-ClickHouse-Summary"
	headerExceptionTag = "X-ClickHouse-Exception-Tag"
)

// QueryStats is the server's progress summary for one query.
type QueryStats struct {
	ReadRows        uint64
	ReadBytes       uint64
	WrittenRows     uint64
	WrittenBytes    uint64
	TotalRowsToRead uint64
	ResultRows      uint64
	ResultBytes     uint64
	ElapsedNs       uint64
}

// parseSummary decodes the X-ClickHouse-Summary header, a JSON object of
// string-encoded integers. Unknown fields are ignored.
func parseSummary(header string) QueryStats {
	var stats QueryStats

	if header == "" {
		return stats
	}

	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(header), &raw); err != nil {
		return stats
	}

	fields := map[string]*uint64{
		"read_rows":          &stats.ReadRows,
		"read_bytes":         &stats.ReadBytes,
		"written_rows":       &stats.WrittenRows,
		"written_bytes":      &stats.WrittenBytes,
		"total_rows_to_read": &stats.TotalRowsToRead,
		"result_rows":        &stats.ResultRows,
		"result_bytes":       &stats.ResultBytes,
		"elapsed_ns":         &stats.ElapsedNs,
	}

	for name, dest := range fields {
		value, ok := raw[name]
		if !ok {
			continue
		}

		*dest = summaryInteger(value)
	}

	return stats
}

// summaryInteger accepts both "123" and 123 forms.
func summaryInteger(raw json.RawMessage) uint64 {
	s := strings.Trim(string(raw), `"`)

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}

	return v
}

// QueryResult holds the harvested response metadata and the body stream,
// which the caller owns until closed.
type QueryResult struct {
	QueryID        string
	ServerTimezone string
	Stats          QueryStats
	ExceptionTag   string

	Body io.ReadCloser
}

// harvestResponse captures the interesting headers and wraps the body with
// response decompression when needed.
func harvestResponse(resp *http.Response) (*QueryResult, error) {
	body, err := responseBody(resp)
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		QueryID:        resp.Header.Get(headerQueryID),
		ServerTimezone: resp.Header.Get(headerTimezone),
		Stats:          parseSummary(resp.Header.Get(headerSummary)),
		ExceptionTag:   resp.Header.Get(headerExceptionTag),
		Body:           body,
	}, nil
}

// responseBody unwraps Content-Encoding: gzip.
func responseBody(resp *http.Response) (io.ReadCloser, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body, nil
	}

	zr, err := pgzip.NewReader(resp.Body)
	if err != nil {
		_ = resp.Body.Close()

		return nil, fmt.Errorf("clickhouse: bad gzip response: %w", err)
	}

	return &readCloserPair{Reader: zr, closers: []io.Closer{zr, resp.Body}}, nil
}

// readCloserPair closes a decompressor and its underlying body together.
type readCloserPair struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloserPair) Close() error {
	var firstErr error

	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

const maxErrorBodyBytes = 64 << 10

// responseError consumes a non-2xx response into a ServerError.
func responseError(resp *http.Response, sql string) error {
	body, err := responseBody(resp)
	if err != nil {
		return err
	}

	defer func() { _ = body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))

	message := strings.TrimSpace(string(raw))
	if message == "" {
		message = resp.Status
	}

	code, message := parseServerError(message)

	return &ServerError{Code: code, Message: message, Query: sql}
}

// do sends a built request and fails non-2xx responses into server errors.
func (c *Client) do(req *http.Request, sql string) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()

		return nil, responseError(resp, sql)
	}

	return resp, nil
}
