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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, connString string) *Client {
	t.Helper()

	client, err := Open(connString)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestBuildRequestQueryString(t *testing.T) {
	client := testClient(t, "Host=h;Database=db;Roles=r1,r2;set_max_threads=2")

	req, err := client.buildRequest(context.Background(), &requestSpec{
		sql: "SELECT {id:UInt64}",
		opts: &QueryOptions{
			QueryID:          "qid-1",
			MaxExecutionTime: 30 * time.Second,
			Parameters:       []Parameter{{Name: "id", Value: 7}},
			Settings:         map[string]string{"max_memory_usage": "1000"},
		},
		defaultFormat: formatRowBinaryWithNamesAndTypes,
		exceptionTag:  "ABCDEFGHIJ",
	})
	require.NoError(t, err)

	q := req.URL.Query()
	assert.Equal(t, "db", q.Get("database"))
	assert.Equal(t, "qid-1", q.Get("query_id"))
	assert.Equal(t, []string{"r1", "r2"}, q["role"])
	assert.Equal(t, "7", q.Get("param_id"))
	assert.Equal(t, "30", q.Get("max_execution_time"))
	assert.Equal(t, "2", q.Get("max_threads"))
	assert.Equal(t, "1000", q.Get("max_memory_usage"))
	assert.Equal(t, formatRowBinaryWithNamesAndTypes, q.Get("default_format"))
	assert.Equal(t, "ABCDEFGHIJ", q.Get("exception_tag"))
	assert.Empty(t, q.Get("enable_http_compression"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "SELECT {id:UInt64}", string(body))
}

func TestBuildRequestBasicAuth(t *testing.T) {
	client := testClient(t, "Host=h;Username=u;Password=p")

	req, err := client.buildRequest(context.Background(), &requestSpec{sql: "SELECT 1"})
	require.NoError(t, err)

	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)
}

func TestBuildRequestBearerWins(t *testing.T) {
	client := testClient(t, "Host=h;Username=u;Password=p;BearerToken=tok")

	req, err := client.buildRequest(context.Background(), &requestSpec{sql: "SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))

	// A per-request token beats the client token.
	req, err = client.buildRequest(context.Background(), &requestSpec{
		sql:  "SELECT 1",
		opts: &QueryOptions{BearerToken: "other"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer other", req.Header.Get("Authorization"))
}

func TestBuildRequestHeaderDenylist(t *testing.T) {
	client := testClient(t, "Host=h")

	req, err := client.buildRequest(context.Background(), &requestSpec{
		sql: "SELECT 1",
		opts: &QueryOptions{Headers: map[string]string{
			"Connection":    "close",
			"authorization": "Bearer evil",
			"User-Agent":    "evil",
			"X-Custom":      "kept",
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "kept", req.Header.Get("X-Custom"))
	assert.NotEqual(t, "close", req.Header.Get("Connection"))
	assert.NotEqual(t, "Bearer evil", req.Header.Get("Authorization"))
	assert.Contains(t, req.Header.Get("User-Agent"), "go-clickhouse/")
}

func TestBuildRequestUserAgentIsPrintableASCII(t *testing.T) {
	ua := userAgent()

	for i := 0; i < len(ua); i++ {
		assert.GreaterOrEqual(t, ua[i], byte(0x20))
		assert.Less(t, ua[i], byte(0x7f))
	}
}

func TestBuildRequestCompression(t *testing.T) {
	client := testClient(t, "Host=h;Compression=true")

	req, err := client.buildRequest(context.Background(), &requestSpec{sql: "SELECT 1"})
	require.NoError(t, err)

	assert.Equal(t, "gzip", req.Header.Get("Content-Encoding"))
	assert.Equal(t, "gzip, deflate", req.Header.Get("Accept-Encoding"))
	assert.Equal(t, "1", req.URL.Query().Get("enable_http_compression"))
}

func TestBuildRequestBodyMovesSQLToURL(t *testing.T) {
	client := testClient(t, "Host=h")

	req, err := client.buildRequest(context.Background(), &requestSpec{
		sql:  "INSERT INTO t FORMAT RowBinary",
		body: io.LimitReader(nil, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t FORMAT RowBinary", req.URL.Query().Get("query"))
}

func TestNewExceptionTag(t *testing.T) {
	a, b := newExceptionTag(), newExceptionTag()

	assert.Len(t, a, 10)
	assert.Len(t, b, 10)
	assert.NotEqual(t, a, b)
}

func TestParseSummary(t *testing.T) {
	stats := parseSummary(`{"read_rows":"12","read_bytes":"340",` +
		`"written_rows":"0","written_bytes":"0","total_rows_to_read":"12",` +
		`"result_rows":"12","result_bytes":"99","elapsed_ns":"12345"}`)

	assert.Equal(t, uint64(12), stats.ReadRows)
	assert.Equal(t, uint64(340), stats.ReadBytes)
	assert.Equal(t, uint64(12), stats.TotalRowsToRead)
	assert.Equal(t, uint64(99), stats.ResultBytes)
	assert.Equal(t, uint64(12345), stats.ElapsedNs)

	assert.Zero(t, parseSummary(""))
	assert.Zero(t, parseSummary("not json"))
}

func TestParseServerErrorPrefix(t *testing.T) {
	code, message := parseServerError("Code: 395. DB::Exception: boom")
	assert.Equal(t, 395, code)
	assert.Contains(t, message, "boom")

	code, _ = parseServerError("no prefix here")
	assert.Zero(t, code)
}

func TestServerErrorFromResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Code: 60. DB::Exception: Table missing"))
	}))
	t.Cleanup(srv.Close)

	client := clientForServer(t, srv)

	err := client.Exec(context.Background(), "SELECT broken", nil)
	require.Error(t, err)

	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 60, serr.Code)
	assert.Contains(t, serr.Message, "Table missing")
	assert.Equal(t, "SELECT broken", serr.Query)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			_, _ = w.Write([]byte("Ok.\n"))

			return
		}

		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client := clientForServer(t, srv)
	assert.True(t, client.Ping(context.Background()))

	srv.Close()
	assert.False(t, client.Ping(context.Background()))
}
