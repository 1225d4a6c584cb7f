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
	"strconv"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
)

// JSONMode selects how JSON column values travel on the wire.
type JSONMode int

const (
	// JSONModeNone leaves the server's JSON binary format settings alone.
	JSONModeNone JSONMode = iota

	// JSONModeBinary asks the server for the structured binary JSON
	// encoding.
	JSONModeBinary

	// JSONModeString asks the server to pass JSON columns as plain
	// strings.
	JSONModeString
)

const (
	defaultProtocol = "http"
	defaultHost     = "localhost"
	defaultHTTPPort = 8123
)

// Settings is the immutable client configuration, usually produced by
// ParseSettings from a connection string.
type Settings struct {
	Host     string
	Port     int
	Protocol string
	Path     string

	Username    string
	Password    string
	BearerToken string

	Database string

	Compression bool

	UseSession bool
	SessionID  string

	Timeout time.Duration

	UseCustomDecimals       bool
	ReadStringsAsByteArrays bool

	JSONReadMode  JSONMode
	JSONWriteMode JSONMode

	Roles []string

	SkipServerCertificateValidation bool

	// Custom holds the set_<name> connection string entries: server
	// settings sent with every request.
	Custom map[string]string

	// Logger receives query and transport events. Nil disables logging.
	Logger log15.Logger
}

// ParseSettings parses a semicolon-delimited key=value connection string.
// Keys are case-insensitive; unknown keys are rejected.
func ParseSettings(connString string) (*Settings, error) { //nolint:gocyclo,funlen
	s := &Settings{
		Protocol: defaultProtocol,
		Host:     defaultHost,
		Port:     defaultHTTPPort,
		Username: "default",
		Custom:   make(map[string]string),
	}

	for _, part := range strings.Split(connString, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, configErrorf("entry %q is not key=value", part)
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if name, ok := cutCaseInsensitivePrefix(key, "set_"); ok {
			s.Custom[name] = value

			continue
		}

		if err := s.apply(key, value); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Settings) apply(key, value string) error { //nolint:gocyclo,funlen
	var err error

	switch strings.ToLower(key) {
	case "host":
		s.Host = value
	case "port":
		port, perr := strconv.Atoi(value)
		if perr != nil || port < 1 || port > 65535 {
			return configErrorf("bad port %q", value)
		}

		s.Port = port
	case "protocol":
		if value != "http" && value != "https" {
			return configErrorf("protocol must be http or https, got %q", value)
		}

		s.Protocol = value
	case "path":
		s.Path = strings.Trim(value, "/")
	case "username", "user":
		s.Username = value
	case "password":
		s.Password = value
	case "bearertoken":
		s.BearerToken = value
	case "database":
		s.Database = value
	case "compression":
		s.Compression, err = parseBool(value)
	case "usesession":
		s.UseSession, err = parseBool(value)
	case "sessionid":
		s.SessionID = value
		s.UseSession = true
	case "timeout":
		s.Timeout, err = parseTimeout(value)
	case "usecustomdecimals":
		s.UseCustomDecimals, err = parseBool(value)
	case "readstringsasbytearrays":
		s.ReadStringsAsByteArrays, err = parseBool(value)
	case "jsonreadmode":
		s.JSONReadMode, err = parseJSONMode(value)
	case "jsonwritemode":
		s.JSONWriteMode, err = parseJSONMode(value)
	case "roles":
		s.Roles = splitNonEmpty(value, ",")
	case "skipservercertificatevalidation":
		s.SkipServerCertificateValidation, err = parseBool(value)
	default:
		return configErrorf("unknown connection string key %q", key)
	}

	return err
}

// BaseURL renders the server root, without a trailing slash.
func (s *Settings) BaseURL() string {
	var sb strings.Builder

	sb.WriteString(s.Protocol)
	sb.WriteString("://")
	sb.WriteString(s.Host)
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(s.Port))

	if s.Path != "" {
		sb.WriteByte('/')
		sb.WriteString(s.Path)
	}

	return sb.String()
}

// QueryOptions overrides client settings for one request. The zero value
// changes nothing.
type QueryOptions struct {
	QueryID     string
	Database    string
	UseSession  bool
	SessionID   string
	BearerToken string
	Roles       []string

	// Settings are extra server settings for this request only.
	Settings map[string]string

	// Headers are extra HTTP headers; hop-by-hop and auth headers are
	// silently dropped.
	Headers map[string]string

	MaxExecutionTime time.Duration

	// Parameters binds {name:Type} placeholders in the SQL.
	Parameters []Parameter
}

// Parameter is one bound query parameter. Type, when set, takes priority
// over the SQL hint and host type inference.
type Parameter struct {
	Name  string
	Value any
	Type  string
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, configErrorf("bad boolean %q", value)
	}
}

// parseTimeout accepts a bare integer of seconds or a Go duration string.
func parseTimeout(value string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, configErrorf("negative timeout %q", value)
		}

		return time.Duration(secs) * time.Second, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, configErrorf("bad timeout %q", value)
	}

	return d, nil
}

func parseJSONMode(value string) (JSONMode, error) {
	switch strings.ToLower(value) {
	case "none":
		return JSONModeNone, nil
	case "binary":
		return JSONModeBinary, nil
	case "string":
		return JSONModeString, nil
	default:
		return JSONModeNone, configErrorf("bad JSON mode %q", value)
	}
}

func cutCaseInsensitivePrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}

	return "", false
}

func splitNonEmpty(s, sep string) []string {
	var out []string

	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}
