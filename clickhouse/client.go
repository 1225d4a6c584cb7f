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

// package clickhouse is a client for the ClickHouse HTTP interface: query
// execution over RowBinaryWithNamesAndTypes with mid-stream exception
// detection, parallel batched RowBinary inserts, and {name:Type} parameter
// binding.

package clickhouse

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"

	"github.com/wtsi-hgi/go-clickhouse/chtype"
	"github.com/wtsi-hgi/go-clickhouse/rowbinary"
)

// Client talks to one ClickHouse server over HTTP. It is safe for use from
// many goroutines; it holds no per-call state.
type Client struct {
	settings *Settings
	http     *http.Client
	logger   log15.Logger
	jsonReg  *JSONRegistry

	// sessionID is the sticky session identifier used when the settings
	// enable sessions without naming one.
	sessionID string

	// typeCache memoizes type string parsing, which is pure.
	typeCache sync.Map

	closed atomic.Bool
}

// Open parses a connection string and returns a Client for it. No I/O
// happens until the first operation.
func Open(connString string) (*Client, error) {
	settings, err := ParseSettings(connString)
	if err != nil {
		return nil, err
	}

	return NewClient(settings)
}

// NewClient returns a Client over the given settings. The settings are
// treated as immutable from here on.
func NewClient(settings *Settings) (*Client, error) {
	if settings == nil {
		return nil, configErrorf("settings are required")
	}

	if settings.Host == "" {
		return nil, configErrorf("host is required")
	}

	logger := settings.Logger
	if logger == nil {
		logger = log15.New()
		logger.SetHandler(log15.DiscardHandler())
	}

	transport := &http.Transport{
		// Compression is negotiated explicitly so that gzip response
		// bodies pass through the reader's framing untouched.
		DisableCompression: true,
	}

	if settings.SkipServerCertificateValidation {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
	}

	sessionID := settings.SessionID
	if settings.UseSession && sessionID == "" {
		sessionID = uuid.NewString()
	}

	return &Client{
		settings:  settings,
		http:      &http.Client{Transport: transport},
		logger:    logger,
		jsonReg:   NewJSONRegistry(),
		sessionID: sessionID,
	}, nil
}

// Close releases the client's idle connections. The client must not be used
// afterwards.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.http.CloseIdleConnections()

	return nil
}

// JSONTypes exposes the client's JSON column registry.
func (c *Client) JSONTypes() *JSONRegistry {
	return c.jsonReg
}

// Settings returns the client's immutable settings.
func (c *Client) Settings() *Settings {
	return c.settings
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return invalidStatef("client is closed")
	}

	return nil
}

// parseType resolves a type string via the memoizing cache.
func (c *Client) parseType(s string) (*chtype.Node, error) {
	if cached, ok := c.typeCache.Load(s); ok {
		return cached.(*chtype.Node), nil
	}

	n, err := chtype.Parse(s)
	if err != nil {
		return nil, err
	}

	cached, _ := c.typeCache.LoadOrStore(s, n)

	return cached.(*chtype.Node), nil
}

// codecOptions maps client settings onto codec behaviour.
func (c *Client) codecOptions() rowbinary.Options {
	return rowbinary.Options{
		StringsAsBytes: c.settings.ReadStringsAsByteArrays,
		RawDecimals:    c.settings.UseCustomDecimals,
		JSONAsString:   c.settings.JSONReadMode == JSONModeString,
	}
}

// Ping checks server liveness via GET /ping. Any failure is false; it never
// returns an error.
func (c *Client) Ping(ctx context.Context) bool {
	if c.checkOpen() != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.BaseURL()+"/ping", nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("ping failed", "err", err)

		return false
	}

	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
