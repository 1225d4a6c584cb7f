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

// package rowbinary implements ClickHouse's RowBinary value encoding: for
// every chtype.Node it can read a host value from, and write one to, a
// little-endian byte stream with LEB128 length prefixes.

package rowbinary

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrValueOutOfRange is wrapped by any read or write that would lose
	// information converting between host and ClickHouse representations.
	ErrValueOutOfRange = errors.New("rowbinary: value out of range")

	// ErrUnsupportedType is wrapped when a host value cannot be encoded as
	// the requested ClickHouse type.
	ErrUnsupportedType = errors.New("rowbinary: unsupported type")
)

// Options adjusts how values map to host types. The zero value gives UTF-8
// strings and shopspring decimals.
type Options struct {
	// StringsAsBytes returns String column values as raw []byte instead of
	// validated string.
	StringsAsBytes bool

	// RawDecimals returns Decimal column values as the raw Decimal
	// unscaled+scale struct instead of decimal.Decimal.
	RawDecimals bool

	// JSONAsString treats JSON columns as plain strings on the wire, for
	// use with the *_binary_*_json_as_string server settings.
	JSONAsString bool
}

// Date is a day count since the Unix epoch, the host form of the Date and
// Date32 column types.
type Date struct {
	Days int32
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	return time.Unix(int64(d.Days)*24*3600, 0).UTC()
}

// DateOf truncates a time to its UTC day number.
func DateOf(t time.Time) Date {
	return Date{Days: int32(t.Unix() / (24 * 3600))}
}

// DateTime is a second-resolution instant, together with the zone name the
// column declared. Zone is empty when the column declared none; the instant
// itself is always Unix seconds, never shifted.
type DateTime struct {
	Sec  int64
	Zone string
}

// Time returns the instant in UTC.
func (d DateTime) Time() time.Time {
	return time.Unix(d.Sec, 0).UTC()
}

// In returns the instant in the given location.
func (d DateTime) In(loc *time.Location) time.Time {
	return time.Unix(d.Sec, 0).In(loc)
}

// DateTime64 is a sub-second instant held as ticks at 10^Precision per
// second, with the column's declared zone, if any.
type DateTime64 struct {
	Ticks     int64
	Precision int
	Zone      string
}

// Time returns the instant in UTC.
func (d DateTime64) Time() time.Time {
	p := pow10(d.Precision)
	sec := d.Ticks / p
	frac := d.Ticks % p

	if frac < 0 {
		sec--
		frac += p
	}

	return time.Unix(sec, frac*pow10(9-d.Precision)).UTC()
}

// Time is a second-resolution time of day.
type Time struct {
	Sec int32
}

// Time64 is a sub-second time of day held as ticks at 10^Precision per
// second.
type Time64 struct {
	Ticks     int64
	Precision int
}

// Decimal is the raw ClickHouse decimal representation: an unscaled integer
// of up to 256 bits and a scale.
type Decimal struct {
	Unscaled *big.Int
	Scale    int
}

// Decimal converts to the host's arbitrary-precision decimal.
func (d Decimal) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(d.Unscaled, -int32(d.Scale)) //nolint:gosec // scale <= 76
}

func (d Decimal) String() string {
	return d.Decimal().String()
}

// KV is one key/value pair of a Map column value.
type KV struct {
	Key   any
	Value any
}

// Map is the host form of a Map column value: pairs in server order, with
// duplicate keys already collapsed to their last value.
type Map []KV

// AsMap converts to a Go map. Keys that are not comparable (big integers,
// byte slices) are keyed by their string form.
func (m Map) AsMap() map[any]any {
	out := make(map[any]any, len(m))

	for _, kv := range m {
		out[mapKey(kv.Key)] = kv.Value
	}

	return out
}

// mapKey normalises a decoded key into something usable as a Go map key.
func mapKey(k any) any {
	switch v := k.(type) {
	case *big.Int:
		return v.String()
	case []byte:
		return string(v)
	case decimal.Decimal:
		return v.String()
	default:
		return k
	}
}

// dedupe collapses duplicate keys, keeping the last value for each and the
// position of its first occurrence.
func (m Map) dedupe() Map {
	seen := make(map[any]int, len(m))
	out := make(Map, 0, len(m))

	for _, kv := range m {
		key := mapKey(kv.Key)
		if idx, ok := seen[key]; ok {
			out[idx].Value = kv.Value

			continue
		}

		seen[key] = len(out)
		out = append(out, kv)
	}

	return out
}

// Variant is a decoded Variant column value: the zero-based discriminator
// and the inner value. A null variant decodes as plain nil instead.
type Variant struct {
	Index uint8
	Value any
}

// JSONObject is the host form of a JSON column value, keyed by dotted path.
// Typed paths hold decoded values; dynamic paths hold their string form.
type JSONObject map[string]any

func pow10(n int) int64 {
	p := int64(1)
	for range n {
		p *= 10
	}

	return p
}

// errOutOfRange builds a wrapped ErrValueOutOfRange with detail.
func errOutOfRange(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValueOutOfRange, fmt.Sprintf(format, args...))
}

// errUnsupported builds a wrapped ErrUnsupportedType with detail.
func errUnsupported(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedType, fmt.Sprintf(format, args...))
}
