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
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wtsi-hgi/go-clickhouse/rowbinary"
)

var (
	// ErrConfig is wrapped by all connection-string and settings
	// validation failures.
	ErrConfig = errors.New("clickhouse: invalid configuration")

	// ErrParameterConflict is returned when two placeholders for one
	// parameter name disagree on the type.
	ErrParameterConflict = errors.New("clickhouse: conflicting parameter types")

	// ErrUnexpectedEndOfStream is returned when a response body ends
	// before the schema implied it should, with no mid-stream exception
	// sentinel present.
	ErrUnexpectedEndOfStream = errors.New("clickhouse: unexpected end of stream")

	// ErrInvalidState is wrapped by operations on closed or mis-sequenced
	// readers and clients.
	ErrInvalidState = errors.New("clickhouse: invalid state")

	// ErrValueOutOfRange is the codec's lossy-conversion error, re-exported
	// for callers that only import this package.
	ErrValueOutOfRange = rowbinary.ErrValueOutOfRange
)

// ServerError is a ClickHouse-reported failure: a non-2xx HTTP response whose
// body carried the server's error text.
type ServerError struct {
	Code    int
	Message string
	Query   string
}

func (e *ServerError) Error() string {
	if e.Code == 0 {
		return "clickhouse: server error: " + e.Message
	}

	return fmt.Sprintf("clickhouse: server error code %d: %s", e.Code, e.Message)
}

// ServerStreamError is a server failure reported mid-stream, after a 200
// response had started producing rows, detected via the exception-tag
// sentinel.
type ServerStreamError struct {
	ServerError
}

func (e *ServerStreamError) Error() string {
	return fmt.Sprintf("clickhouse: server failed mid-stream, code %d: %s", e.Code, e.Message)
}

const serverErrorCodePrefix = "Code: "

// parseServerError extracts the `Code: <digits>. ` prefix, when present,
// from a server error message.
func parseServerError(message string) (code int, rest string) {
	message = strings.TrimSpace(message)

	if !strings.HasPrefix(message, serverErrorCodePrefix) {
		return 0, message
	}

	digits := message[len(serverErrorCodePrefix):]

	end := 0
	for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
		end++
	}

	if end == 0 || end >= len(digits) || digits[end] != '.' {
		return 0, message
	}

	code, err := strconv.Atoi(digits[:end])
	if err != nil {
		return 0, message
	}

	return code, strings.TrimSpace(digits[end+1:])
}

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func invalidStatef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
