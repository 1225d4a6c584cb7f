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
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
)

// Version identifies this library in the User-Agent header.
const Version = "1.0.0"

const exceptionTagLength = 10

// exceptionTagAlphabet matches the opaque tokens the server echoes back.
const exceptionTagAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// requestSpec describes one HTTP call to the server.
type requestSpec struct {
	sql  string
	opts *QueryOptions

	// body, when set, is the data payload; the SQL then travels in the
	// URL's query= entry instead of the body.
	body io.Reader

	// defaultFormat asks the server for a response format without
	// touching the SQL text.
	defaultFormat string

	// exceptionTag, when set, is forwarded so the server can mark
	// mid-stream failures inside the body.
	exceptionTag string

	// jsonWrite adds the JSON write-mode setting as well as the read one.
	jsonWrite bool
}

// newExceptionTag returns a fresh opaque token for mid-stream error
// framing.
func newExceptionTag() string {
	buf := make([]byte, exceptionTagLength)

	_, _ = rand.Read(buf)

	for i, b := range buf {
		buf[i] = exceptionTagAlphabet[int(b)%len(exceptionTagAlphabet)]
	}

	return string(buf)
}

// buildRequest assembles the URL, headers and body for one server call.
func (c *Client) buildRequest(ctx context.Context, spec *requestSpec) (*http.Request, error) {
	opts := spec.opts
	if opts == nil {
		opts = &QueryOptions{}
	}

	query, err := c.buildQueryString(spec, opts)
	if err != nil {
		return nil, err
	}

	body, sqlInURL, err := c.requestBody(spec)
	if err != nil {
		return nil, err
	}

	if sqlInURL {
		query.Set("query", spec.sql)
	}

	target := c.settings.BaseURL() + "/?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: failed to build request: %w", err)
	}

	c.setHeaders(req, opts)

	return req, nil
}

// buildQueryString renders the query-string contract: database, session,
// query id, roles, parameters, compression and custom settings.
func (c *Client) buildQueryString(spec *requestSpec, opts *QueryOptions) (url.Values, error) { //nolint:gocyclo
	query := url.Values{}

	if db := firstNonEmpty(opts.Database, c.settings.Database); db != "" {
		query.Set("database", db)
	}

	if opts.UseSession || c.settings.UseSession {
		if sid := firstNonEmpty(opts.SessionID, c.sessionID); sid != "" {
			query.Set("session_id", sid)
		}
	}

	if opts.QueryID != "" {
		query.Set("query_id", opts.QueryID)
	}

	for _, role := range firstNonEmptySlice(opts.Roles, c.settings.Roles) {
		query.Add("role", role)
	}

	if c.settings.Compression {
		query.Set("enable_http_compression", "1")
	}

	if spec.defaultFormat != "" {
		query.Set("default_format", spec.defaultFormat)
	}

	if spec.exceptionTag != "" {
		query.Set("exception_tag", spec.exceptionTag)
	}

	if opts.MaxExecutionTime > 0 {
		query.Set("max_execution_time", strconv.Itoa(int(opts.MaxExecutionTime.Seconds())))
	}

	c.addJSONModeSettings(query, spec.jsonWrite)

	for name, value := range c.settings.Custom {
		query.Set(name, value)
	}

	for name, value := range opts.Settings {
		query.Set(name, value)
	}

	return query, c.addParameters(query, spec.sql, opts.Parameters)
}

func (c *Client) addJSONModeSettings(query url.Values, jsonWrite bool) {
	switch c.settings.JSONReadMode {
	case JSONModeString:
		query.Set("output_format_binary_write_json_as_string", "1")
	case JSONModeBinary:
		query.Set("output_format_binary_write_json_as_string", "0")
	case JSONModeNone:
	}

	if !jsonWrite {
		return
	}

	switch c.settings.JSONWriteMode {
	case JSONModeString:
		query.Set("input_format_binary_read_json_as_string", "1")
	case JSONModeBinary:
		query.Set("input_format_binary_read_json_as_string", "0")
	case JSONModeNone:
	}
}

// addParameters formats each bound parameter into its param_<name> entry,
// using hints extracted from the SQL.
func (c *Client) addParameters(query url.Values, sql string, params []Parameter) error {
	if len(params) == 0 {
		// Still validate placeholder consistency.
		_, err := ExtractParamHints(sql)

		return err
	}

	hints, err := ExtractParamHints(sql)
	if err != nil {
		return err
	}

	for _, p := range params {
		literal, err := FormatParameter(p, hints)
		if err != nil {
			return fmt.Errorf("clickhouse: parameter %q: %w", p.Name, err)
		}

		query.Set("param_"+p.Name, literal)
	}

	return nil
}

// requestBody resolves the body/SQL placement and applies request
// compression. It reports whether the SQL must travel in the URL.
func (c *Client) requestBody(spec *requestSpec) (io.Reader, bool, error) {
	var (
		body     io.Reader
		sqlInURL bool
	)

	if spec.body != nil {
		body = spec.body
		sqlInURL = true
	} else {
		body = strings.NewReader(spec.sql)
	}

	if !c.settings.Compression {
		return body, sqlInURL, nil
	}

	compressed, err := gzipBody(body)
	if err != nil {
		return nil, false, err
	}

	return compressed, sqlInURL, nil
}

// gzipBody compresses a request payload in memory with parallel gzip.
func gzipBody(r io.Reader) (io.Reader, error) {
	var buf bytes.Buffer

	zw := pgzip.NewWriter(&buf)

	if _, err := io.Copy(zw, r); err != nil {
		_ = zw.Close()

		return nil, fmt.Errorf("clickhouse: failed to compress request body: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("clickhouse: failed to compress request body: %w", err)
	}

	return &buf, nil
}

// headerDenylist lists caller-supplied headers that are always dropped.
var headerDenylist = map[string]struct{}{
	"connection":    {},
	"authorization": {},
	"user-agent":    {},
}

func (c *Client) setHeaders(req *http.Request, opts *QueryOptions) {
	if token := firstNonEmpty(opts.BearerToken, c.settings.BearerToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		creds := c.settings.Username + ":" + c.settings.Password
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	}

	req.Header.Set("User-Agent", userAgent())

	if c.settings.Compression {
		req.Header.Set("Content-Encoding", "gzip")
		req.Header.Set("Accept-Encoding", "gzip, deflate")
	}

	for name, value := range opts.Headers {
		if _, denied := headerDenylist[strings.ToLower(name)]; denied {
			continue
		}

		req.Header.Set(name, value)
	}
}

// userAgent renders the library identifier with platform details, sanitized
// to printable ASCII.
func userAgent() string {
	return sanitizeASCII(fmt.Sprintf("go-clickhouse/%s (os:%s; runtime:%s; arch:%s)",
		Version, runtime.GOOS, runtime.Version(), runtime.GOARCH))
}

func sanitizeASCII(s string) string {
	var sb strings.Builder

	sb.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] >= 0x20 && s[i] < 0x7f {
			sb.WriteByte(s[i])
		} else {
			sb.WriteByte('_')
		}
	}

	return sb.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

func firstNonEmptySlice(values ...[]string) []string {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}

	return nil
}
