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
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/wtsi-hgi/go-clickhouse/chtype"
	"github.com/wtsi-hgi/go-clickhouse/rowbinary"
)

// ringBufferSize is how many trailing body bytes are kept for mid-stream
// exception sentinel detection.
const ringBufferSize = 4096

const exceptionMarker = "__exception__"

// tagStream records the last ringBufferSize bytes read through it.
type tagStream struct {
	r    io.Reader
	ring []byte
}

func newTagStream(r io.Reader) *tagStream {
	return &tagStream{r: r, ring: make([]byte, 0, ringBufferSize)}
}

func (t *tagStream) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)

	if n > 0 {
		t.record(p[:n])
	}

	return n, err
}

func (t *tagStream) record(b []byte) {
	if len(b) >= ringBufferSize {
		t.ring = append(t.ring[:0], b[len(b)-ringBufferSize:]...)

		return
	}

	if overflow := len(t.ring) + len(b) - ringBufferSize; overflow > 0 {
		t.ring = append(t.ring[:0], t.ring[overflow:]...)
	}

	t.ring = append(t.ring, b...)
}

// tail returns the recorded trailing bytes.
func (t *tagStream) tail() []byte {
	return t.ring
}

// pushbackReader lets the row loop peek one byte to distinguish a clean end
// of stream from a torn row.
type pushbackReader struct {
	r      io.Reader
	buf    [1]byte
	havePB bool
}

func (p *pushbackReader) Read(b []byte) (int, error) {
	if p.havePB && len(b) > 0 {
		b[0] = p.buf[0]
		p.havePB = false

		n, err := p.r.Read(b[1:])
		if err == io.EOF && n >= 0 {
			err = nil
		}

		return n + 1, err
	}

	return p.r.Read(b)
}

// peek reports whether at least one more byte is available.
func (p *pushbackReader) peek() (bool, error) {
	if p.havePB {
		return true, nil
	}

	for {
		n, err := p.r.Read(p.buf[:])
		if n > 0 {
			p.havePB = true

			return true, nil
		}

		if err != nil {
			return false, err
		}
	}
}

// ColumnMeta is one column of a result set's schema header.
type ColumnMeta struct {
	Name string
	Type *chtype.Node
}

// Reader states; get is only valid in rowInProgress.
const (
	stateFresh = iota
	stateHeaderRead
	stateRowInProgress
	stateBetweenRows
	stateEnd
	stateError
)

// Rows is a forward-only cursor over a RowBinaryWithNamesAndTypes response
// body. It is single-consumer; concurrent use is detected, not supported.
type Rows struct {
	result *QueryResult
	ts     *tagStream
	pb     *pushbackReader
	dec    *rowbinary.Decoder

	cols []ColumnMeta
	row  []any

	state int
	err   error

	cancel context.CancelFunc
	busy   atomic.Bool
	closed bool
}

// openRows frames the response body and parses the schema header, resolving
// every declared type.
func (c *Client) openRows(result *QueryResult, cancel context.CancelFunc) (*Rows, error) {
	ts := newTagStream(result.Body)
	pb := &pushbackReader{r: ts}

	r := &Rows{
		result: result,
		ts:     ts,
		pb:     pb,
		dec:    rowbinary.NewDecoder(pb, c.codecOptions()),
		cancel: cancel,
	}

	if err := r.readHeader(c); err != nil {
		_ = r.Close()

		return nil, err
	}

	return r, nil
}

func (r *Rows) readHeader(c *Client) error {
	count, err := r.dec.Uvarint()
	if err != nil {
		return r.streamError(err)
	}

	names := make([]string, 0, count)

	for range count {
		name, err := r.dec.String()
		if err != nil {
			return r.streamError(err)
		}

		names = append(names, name)
	}

	r.cols = make([]ColumnMeta, 0, count)

	for _, name := range names {
		typeStr, err := r.dec.String()
		if err != nil {
			return r.streamError(err)
		}

		node, err := c.parseType(typeStr)
		if err != nil {
			r.state = stateError
			r.err = fmt.Errorf("clickhouse: column %q has unknown type: %w", name, err)

			return r.err
		}

		r.cols = append(r.cols, ColumnMeta{Name: name, Type: node})
	}

	r.row = make([]any, count)
	r.state = stateHeaderRead

	return nil
}

// Columns returns the schema header.
func (r *Rows) Columns() []ColumnMeta {
	return r.cols
}

// Next advances to the next row, returning false at the end of the result
// set or on error; check Err afterwards.
func (r *Rows) Next() bool {
	if !r.busy.CompareAndSwap(false, true) {
		r.fail(invalidStatef("concurrent use of one Rows"))

		return false
	}

	defer r.busy.Store(false)

	switch r.state {
	case stateHeaderRead, stateBetweenRows, stateRowInProgress:
		return r.readRow()
	default:
		return false
	}
}

func (r *Rows) readRow() bool {
	more, err := r.pb.peek()
	if err != nil && !isEOF(err) {
		r.fail(err)

		return false
	}

	if !more {
		// Clean end: the stream stopped exactly on a row boundary.
		r.state = stateEnd

		return false
	}

	for i, col := range r.cols {
		v, err := r.dec.Value(col.Type)
		if err != nil {
			r.fail(r.streamError(err))

			return false
		}

		r.row[i] = v
	}

	r.state = stateRowInProgress

	return true
}

// Get returns the materialised value of the given column for the current
// row.
func (r *Rows) Get(col int) any {
	if r.state != stateRowInProgress || col < 0 || col >= len(r.row) {
		return nil
	}

	return r.row[col]
}

// Scan copies the current row into the given destinations, which must be
// pointers. A nil destination skips its column.
func (r *Rows) Scan(dest ...any) error {
	if r.state != stateRowInProgress {
		return invalidStatef("Scan called without a current row")
	}

	if len(dest) != len(r.row) {
		return invalidStatef("Scan needs %d destinations, got %d", len(r.row), len(dest))
	}

	for i, d := range dest {
		if d == nil {
			continue
		}

		if err := scanValue(d, r.row[i]); err != nil {
			return fmt.Errorf("clickhouse: column %q: %w", r.cols[i].Name, err)
		}
	}

	return nil
}

// Err returns the terminal error, if any. A clean end of rows is not an
// error.
func (r *Rows) Err() error {
	return r.err
}

// Stats returns the query statistics harvested from the response headers.
func (r *Rows) Stats() QueryStats {
	return r.result.Stats
}

// QueryID returns the server-assigned query identifier.
func (r *Rows) QueryID() string {
	return r.result.QueryID
}

// ServerTimezone returns the server's session timezone.
func (r *Rows) ServerTimezone() string {
	return r.result.ServerTimezone
}

const drainLimit = 1 << 16

// Close releases the response body: a nearly-drained stream is read to the
// end so the connection can be reused, anything else is cancelled.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}

	r.closed = true

	if r.state != stateEnd {
		if _, err := io.CopyN(io.Discard, r.ts, drainLimit); err == nil {
			// Too much left; abort the request instead of reading it
			// all.
			r.cancel()
		}
	}

	err := r.result.Body.Close()

	r.cancel()

	if r.state != stateEnd && r.state != stateError {
		r.state = stateEnd
	}

	return err
}

func (r *Rows) fail(err error) {
	r.state = stateError

	if r.err == nil {
		r.err = err
	}
}

// streamError maps a premature end of the body onto either the mid-stream
// server exception carried in the tag framing, or a plain unexpected EOF.
func (r *Rows) streamError(err error) error {
	if !isEOF(err) {
		return err
	}

	if r.result.ExceptionTag != "" {
		if serr, ok := parseExceptionSentinel(r.ts.tail(), r.result.ExceptionTag); ok {
			return serr
		}
	}

	return ErrUnexpectedEndOfStream
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// parseExceptionSentinel looks for
// __exception__<TAG>\n<message>\n<size> <TAG>__exception__ in the trailing
// bytes. A missing closing marker is tolerated: everything after the opening
// marker up to the last newline is the message.
func parseExceptionSentinel(tail []byte, tag string) (*ServerStreamError, bool) {
	opening := []byte(exceptionMarker + tag)

	idx := bytes.LastIndex(tail, opening)
	if idx < 0 {
		return nil, false
	}

	after := tail[idx+len(opening):]
	after = bytes.TrimPrefix(after, []byte("\n"))

	closing := []byte(tag + exceptionMarker)

	var message []byte

	if cidx := bytes.Index(after, closing); cidx >= 0 {
		// Strip the trailing "<size> " line before the closing marker.
		segment := after[:cidx]

		if nl := bytes.LastIndexByte(segment, '\n'); nl >= 0 && isSizeLine(segment[nl+1:]) {
			message = segment[:nl]
		} else {
			message = segment
		}
	} else if nl := bytes.LastIndexByte(after, '\n'); nl >= 0 {
		message = after[:nl]
	} else {
		message = after
	}

	code, text := parseServerError(string(message))

	return &ServerStreamError{ServerError{Code: code, Message: text}}, true
}

// isSizeLine reports whether the bytes look like the "<size> " prefix of the
// closing sentinel line.
func isSizeLine(b []byte) bool {
	s := strings.TrimSuffix(string(b), " ")

	_, err := strconv.Atoi(strings.TrimSpace(s))

	return err == nil
}
