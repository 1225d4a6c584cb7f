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
	"io"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
)

func newTestGzipWriter(w io.Writer) *pgzip.Writer {
	return pgzip.NewWriter(w)
}

// clientForServer points a Client at an httptest server.
func clientForServer(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	return clientForServerWithSettings(t, srv, nil)
}

// clientForServerWithSettings points a Client at an httptest server after
// letting the caller adjust the parsed settings.
func clientForServerWithSettings(t *testing.T, srv *httptest.Server,
	adjust func(*Settings)) *Client {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	settings := &Settings{
		Protocol: "http",
		Host:     u.Hostname(),
		Port:     port,
		Username: "default",
		Custom:   map[string]string{},
	}

	if adjust != nil {
		adjust(settings)
	}

	client, err := NewClient(settings)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client
}
