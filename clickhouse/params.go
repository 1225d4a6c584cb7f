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
	"fmt"
	"math"
	"math/big"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wtsi-hgi/go-clickhouse/chtype"
	"github.com/wtsi-hgi/go-clickhouse/rowbinary"
)

// ExtractParamHints scans SQL for {name:Type} placeholders occurring outside
// comments and quoted strings, returning the name to type-string map. Two
// placeholders for one name must agree on the type.
func ExtractParamHints(sql string) (map[string]string, error) {
	hints := make(map[string]string)

	for i := 0; i < len(sql); i++ {
		switch {
		case sql[i] == '\'':
			i = skipQuoted(sql, i)
		case sql[i] == '-' && i+1 < len(sql) && sql[i+1] == '-',
			sql[i] == '#':
			i = skipLineComment(sql, i)
		case sql[i] == '/' && i+1 < len(sql) && sql[i+1] == '*':
			i = skipBlockComment(sql, i)
		case sql[i] == '{':
			end, name, typeStr, ok := scanPlaceholder(sql, i)
			if ok {
				if prev, seen := hints[name]; seen && prev != typeStr {
					return nil, fmt.Errorf("%w: %q is both %q and %q",
						ErrParameterConflict, name, prev, typeStr)
				}

				hints[name] = typeStr
			}

			i = end
		}
	}

	return hints, nil
}

// skipQuoted advances past a '...' literal starting at i, honouring ''
// doubling.
func skipQuoted(sql string, i int) int {
	for i++; i < len(sql); i++ {
		if sql[i] != '\'' {
			continue
		}

		if i+1 < len(sql) && sql[i+1] == '\'' {
			i++

			continue
		}

		return i
	}

	return i
}

// skipLineComment advances to the end of a --, # or #! comment.
func skipLineComment(sql string, i int) int {
	for ; i < len(sql); i++ {
		if sql[i] == '\n' {
			return i
		}
	}

	return i
}

// skipBlockComment advances past a /* ... */ comment. ClickHouse block
// comments do not nest.
func skipBlockComment(sql string, i int) int {
	for i += 2; i+1 < len(sql); i++ {
		if sql[i] == '*' && sql[i+1] == '/' {
			return i + 1
		}
	}

	return len(sql)
}

// scanPlaceholder parses {name:Type} starting at the opening brace, tracking
// paren depth and quote state inside the type portion. It reports the index
// of the final consumed byte, and ok=false when the braces do not hold a
// well-formed placeholder.
func scanPlaceholder(sql string, start int) (end int, name, typeStr string, ok bool) {
	colon := -1
	depth := 0

	for i := start + 1; i < len(sql); i++ {
		switch sql[i] {
		case '\'':
			i = skipQuoted(sql, i)
		case '(':
			depth++
		case ')':
			depth--
		case ':':
			if colon < 0 && depth == 0 {
				colon = i
			}
		case '}':
			if depth == 0 {
				if colon < 0 {
					return i, "", "", false
				}

				name = strings.TrimSpace(sql[start+1 : colon])
				typeStr = strings.TrimSpace(sql[colon+1 : i])

				return i, name, typeStr, name != "" && typeStr != ""
			}
		}
	}

	return len(sql), "", "", false
}

// resolveParameterType applies the formatting priority: an explicit type on
// the parameter, then the SQL hint, then host type inference.
func resolveParameterType(p Parameter, hints map[string]string) (*chtype.Node, error) {
	if p.Type != "" {
		return chtype.Parse(p.Type)
	}

	if hint, ok := hints[p.Name]; ok {
		return chtype.Parse(hint)
	}

	return rowbinary.Infer(p.Value)
}

// FormatParameter renders a parameter value as the textual literal for its
// param_<name> query string entry.
func FormatParameter(p Parameter, hints map[string]string) (string, error) {
	t, err := resolveParameterType(p, hints)
	if err != nil {
		return "", err
	}

	return formatValue(t, p.Value, false)
}

// formatValue renders one value as ClickHouse literal text. In quoted mode,
// string-like values are wrapped in single quotes; at the top level they are
// not, because the server's param_ decoder quotes implicitly.
func formatValue(t *chtype.Node, v any, quoted bool) (string, error) { //nolint:gocyclo
	if t.Kind == chtype.KindNullable {
		if v == nil {
			return "null", nil
		}

		return formatValue(t.Args[0], v, quoted)
	}

	switch t.Kind {
	case chtype.KindBool:
		return formatBool(v)
	case chtype.KindFloat32, chtype.KindFloat64:
		return formatFloat(v)
	case chtype.KindInt8, chtype.KindInt16, chtype.KindInt32, chtype.KindInt64,
		chtype.KindUInt8, chtype.KindUInt16, chtype.KindUInt32, chtype.KindUInt64,
		chtype.KindInt128, chtype.KindInt256, chtype.KindUInt128, chtype.KindUInt256:
		return formatInteger(v)
	case chtype.KindDecimal32, chtype.KindDecimal64, chtype.KindDecimal128, chtype.KindDecimal256:
		return formatDecimal(t, v)
	case chtype.KindString, chtype.KindFixedString, chtype.KindEnum8, chtype.KindEnum16,
		chtype.KindUUID, chtype.KindIPv4, chtype.KindIPv6, chtype.KindLowCardinality:
		return formatStringLike(t, v, quoted)
	case chtype.KindDate, chtype.KindDate32:
		return formatDate(v, quoted)
	case chtype.KindDateTime:
		return formatDateTime(t, v, quoted)
	case chtype.KindDateTime64:
		return formatDateTime64(t, v, quoted)
	case chtype.KindArray:
		return formatArray(t.Args[0], v)
	case chtype.KindTuple:
		return formatTuple(t.Args, v)
	case chtype.KindMap:
		return formatMap(t, v)
	case chtype.KindNothing:
		return "null", nil
	default:
		return "", fmt.Errorf("%w: cannot format %s as text",
			rowbinary.ErrUnsupportedType, t.Kind.Name())
	}
}

func formatBool(v any) (string, error) {
	b, ok := v.(bool)
	if !ok {
		return "", fmt.Errorf("%w: %T as Bool", rowbinary.ErrUnsupportedType, v)
	}

	if b {
		return "true", nil
	}

	return "false", nil
}

func formatFloat(v any) (string, error) {
	var f float64

	switch x := v.(type) {
	case float32:
		f = float64(x)
	case float64:
		f = x
	default:
		return formatInteger(v)
	}

	switch {
	case math.IsInf(f, 1):
		return "Infinity", nil
	case math.IsInf(f, -1):
		return "-Infinity", nil
	case math.IsNaN(f):
		return "NaN", nil
	default:
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}
}

func formatInteger(v any) (string, error) {
	switch x := v.(type) {
	case *big.Int:
		return x.String(), nil
	case big.Int:
		return x.String(), nil
	case string:
		return x, nil
	default:
		return fmt.Sprintf("%d", v), nil
	}
}

func formatDecimal(t *chtype.Node, v any) (string, error) {
	var dec decimal.Decimal

	switch x := v.(type) {
	case decimal.Decimal:
		dec = x
	case rowbinary.Decimal:
		dec = x.Decimal()
	case string:
		parsed, err := decimal.NewFromString(x)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not a decimal", ErrValueOutOfRange, x)
		}

		dec = parsed
	default:
		return formatInteger(v)
	}

	if t.Scale > 0 {
		return dec.StringFixed(int32(t.Scale)), nil //nolint:gosec // scale <= 76
	}

	return dec.String(), nil
}

func formatStringLike(t *chtype.Node, v any, quoted bool) (string, error) {
	if t.Kind == chtype.KindLowCardinality {
		return formatValue(t.Args[0], v, quoted)
	}

	var s string

	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	case uuid.UUID:
		s = x.String()
	case netip.Addr:
		s = x.String()
	case fmt.Stringer:
		s = x.String()
	default:
		return "", fmt.Errorf("%w: %T as %s", rowbinary.ErrUnsupportedType, v, t.Kind.Name())
	}

	s = escapeString(s)

	if quoted {
		return "'" + s + "'", nil
	}

	return s, nil
}

// escapeString escapes backslash, quote, newline and tab in one pass.
func escapeString(s string) string {
	var sb strings.Builder

	sb.Grow(len(s))

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			sb.WriteString(`\\`)
		case '\'':
			sb.WriteString(`\'`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteByte(s[i])
		}
	}

	return sb.String()
}

func formatDate(v any, quoted bool) (string, error) {
	var day time.Time

	switch x := v.(type) {
	case rowbinary.Date:
		day = x.Time()
	case time.Time:
		day = x
	default:
		return "", fmt.Errorf("%w: %T as Date", rowbinary.ErrUnsupportedType, v)
	}

	return quoteIf(day.Format("2006-01-02"), quoted), nil
}

// formatDateTime renders seconds precision with the T separator. Zone-tagged
// host values are converted into the declared column zone first; values with
// no zone kind are rendered verbatim as wall-clock time.
func formatDateTime(t *chtype.Node, v any, quoted bool) (string, error) {
	wallClock, err := dateTimeWallClock(t.Timezone, v)
	if err != nil {
		return "", err
	}

	return quoteIf(wallClock.Format("2006-01-02T15:04:05"), quoted), nil
}

func formatDateTime64(t *chtype.Node, v any, quoted bool) (string, error) {
	wallClock, err := dateTimeWallClock(t.Timezone, v)
	if err != nil {
		return "", err
	}

	return quoteIf(wallClock.Format("2006-01-02 15:04:05.0000000"), quoted), nil
}

// dateTimeWallClock resolves a host date-time value to the wall-clock time
// that should be rendered for a column in the given zone.
func dateTimeWallClock(columnZone string, v any) (time.Time, error) {
	loc := time.UTC

	if columnZone != "" {
		parsed, err := time.LoadLocation(columnZone)
		if err != nil {
			return time.Time{}, configErrorf("unknown timezone %q", columnZone)
		}

		loc = parsed
	}

	switch x := v.(type) {
	case time.Time:
		if columnZone == "" {
			return x, nil
		}

		return x.In(loc), nil
	case rowbinary.DateTime:
		if x.Zone == "" {
			// No zone kind: verbatim wall-clock.
			return time.Unix(x.Sec, 0).UTC(), nil
		}

		return time.Unix(x.Sec, 0).In(loc), nil
	case rowbinary.DateTime64:
		instant := x.Time()

		if x.Zone == "" {
			return instant, nil
		}

		return instant.In(loc), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %T as DateTime", rowbinary.ErrUnsupportedType, v)
	}
}

func quoteIf(s string, quoted bool) string {
	if quoted {
		return "'" + s + "'"
	}

	return s
}

func formatArray(elem *chtype.Node, v any) (string, error) {
	items, err := rowbinary.AsSlice(v)
	if err != nil {
		return "", err
	}

	parts := make([]string, len(items))

	for i, item := range items {
		if parts[i], err = formatValue(elem, item, true); err != nil {
			return "", err
		}
	}

	return "[" + strings.Join(parts, ",") + "]", nil
}

func formatTuple(elems []*chtype.Node, v any) (string, error) {
	items, err := rowbinary.AsSlice(v)
	if err != nil {
		return "", err
	}

	if len(items) != len(elems) {
		return "", fmt.Errorf("%w: tuple needs %d elements, got %d",
			ErrValueOutOfRange, len(elems), len(items))
	}

	parts := make([]string, len(items))

	for i, item := range items {
		if parts[i], err = formatValue(elems[i], item, true); err != nil {
			return "", err
		}
	}

	return "(" + strings.Join(parts, ",") + ")", nil
}

func formatMap(t *chtype.Node, v any) (string, error) {
	pairs, err := rowbinary.AsPairs(v)
	if err != nil {
		return "", err
	}

	parts := make([]string, len(pairs))

	for i, kv := range pairs {
		key, err := formatValue(t.Args[0], kv.Key, true)
		if err != nil {
			return "", err
		}

		value, err := formatValue(t.Args[1], kv.Value, true)
		if err != nil {
			return "", err
		}

		parts[i] = key + ":" + value
	}

	return "{" + strings.Join(parts, ",") + "}", nil
}
