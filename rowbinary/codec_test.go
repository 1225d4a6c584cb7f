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

package rowbinary

import (
	"bytes"
	"errors"
	"math/big"
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/go-clickhouse/chtype"
)

// roundTrip writes v as t, reads it back and returns the decoded value.
func roundTrip(t *testing.T, typeStr string, v any, opts Options) any {
	t.Helper()

	node := chtype.MustParse(typeStr)

	var buf bytes.Buffer

	enc := NewEncoder(&buf, opts)
	require.NoError(t, enc.Value(node, v))

	dec := NewDecoder(&buf, opts)

	got, err := dec.Value(node)
	require.NoError(t, err)
	assert.Zero(t, buf.Len(), "decoder must consume every byte the encoder wrote")

	return got
}

func TestRoundTripScalars(t *testing.T) {
	tests := []struct {
		name     string
		typeStr  string
		in       any
		expected any
	}{
		{"Bool true", "Bool", true, true},
		{"Bool false", "Bool", false, false},
		{"Int8 negative", "Int8", int8(-100), int8(-100)},
		{"Int16", "Int16", int16(-30000), int16(-30000)},
		{"Int32", "Int32", int32(1 << 30), int32(1 << 30)},
		{"Int64", "Int64", int64(-1 << 60), int64(-1 << 60)},
		{"UInt8", "UInt8", uint8(255), uint8(255)},
		{"UInt16", "UInt16", uint16(65535), uint16(65535)},
		{"UInt32", "UInt32", uint32(1 << 31), uint32(1 << 31)},
		{"UInt64", "UInt64", uint64(1) << 63, uint64(1) << 63},
		{"UInt64 from int", "UInt64", 42, uint64(42)},
		{"Float32", "Float32", float32(3.5), float32(3.5)},
		{"Float64", "Float64", -2.25, -2.25},
		{"String", "String", "héllo", "héllo"},
		{"String empty", "String", "", ""},
		{"Enum8 by name", "Enum8('a' = 1, 'b' = 2)", "b", "b"},
		{"Enum8 by value", "Enum8('a' = 1, 'b' = 2)", 1, "a"},
		{"Enum16", "Enum16('x' = -1000)", "x", "x"},
		{"Date", "Date", Date{Days: 19000}, Date{Days: 19000}},
		{"Date32 negative", "Date32", Date{Days: -100}, Date{Days: -100}},
		{"Time", "Time", Time{Sec: 3661}, Time{Sec: 3661}},
		{"Time64", "Time64(6)", Time64{Ticks: 3661123456, Precision: 6}, Time64{Ticks: 3661123456, Precision: 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, tt.typeStr, tt.in, Options{})
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRoundTripBigIntegers(t *testing.T) {
	tests := []struct {
		name    string
		typeStr string
		in      string
	}{
		{"Int128 positive", "Int128", "170141183460469231731687303715884105727"},
		{"Int128 negative", "Int128", "-170141183460469231731687303715884105728"},
		{"Int256", "Int256", "-57896044618658097711785492504343953926634992332820282019728792003956564819968"},
		{"UInt128", "UInt128", "340282366920938463463374607431768211455"},
		{"UInt256 zero", "UInt256", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, ok := new(big.Int).SetString(tt.in, 10)
			require.True(t, ok)

			got := roundTrip(t, tt.typeStr, in, Options{})
			require.IsType(t, (*big.Int)(nil), got)
			assert.Zero(t, in.Cmp(got.(*big.Int)))
		})
	}
}

func TestBigIntegerRange(t *testing.T) {
	node := chtype.MustParse("Int128")

	var buf bytes.Buffer

	enc := NewEncoder(&buf, Options{})
	tooBig, _ := new(big.Int).SetString("170141183460469231731687303715884105728", 10)

	err := enc.Value(node, tooBig)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValueOutOfRange))
}

func TestRoundTripArrayOfNullable(t *testing.T) {
	in := []any{int64(1), nil, int64(-42)}

	got := roundTrip(t, "Array(Nullable(Int64))", in, Options{})
	assert.Equal(t, in, got)
}

func TestRoundTripDecimal128(t *testing.T) {
	in, err := decimal.NewFromString("3.141592653589793238")
	require.NoError(t, err)

	got := roundTrip(t, "Decimal128(18)", in, Options{})
	require.IsType(t, decimal.Decimal{}, got)
	assert.Equal(t, "3.141592653589793238", got.(decimal.Decimal).String())

	in, err = decimal.NewFromString("3.14159265358979323846")
	require.NoError(t, err)

	got = roundTrip(t, "Decimal(38, 20)", in, Options{})
	assert.Equal(t, "3.14159265358979323846", got.(decimal.Decimal).String())
}

func TestDecimalPrecisionLoss(t *testing.T) {
	node := chtype.MustParse("Decimal(9, 2)")
	in := decimal.RequireFromString("1.234")

	var buf bytes.Buffer

	err := NewEncoder(&buf, Options{}).Value(node, in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValueOutOfRange))
}

func TestDecimalRawOption(t *testing.T) {
	in := decimal.RequireFromString("-12.5000")

	got := roundTrip(t, "Decimal(18, 4)", in, Options{RawDecimals: true})
	require.IsType(t, Decimal{}, got)

	raw := got.(Decimal)
	assert.Equal(t, 4, raw.Scale)
	assert.Equal(t, "-125000", raw.Unscaled.String())
	assert.Equal(t, "-12.5", raw.String())
}

func TestUUIDWireOrder(t *testing.T) {
	u := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")

	var buf bytes.Buffer

	require.NoError(t, NewEncoder(&buf, Options{}).Value(chtype.MustParse("UUID"), u))

	// Two 8-byte little-endian halves, high half first.
	expected := []byte{
		0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0x00,
		0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa, 0x99, 0x88,
	}
	assert.Equal(t, expected, buf.Bytes())

	got, err := NewDecoder(&buf, Options{}).Value(chtype.MustParse("UUID"))
	require.NoError(t, err)
	assert.Equal(t, u, got)
}

func TestIPRoundTrip(t *testing.T) {
	v4 := netip.MustParseAddr("192.168.1.9")
	got := roundTrip(t, "IPv4", v4, Options{})
	assert.Equal(t, v4, got)

	v6 := netip.MustParseAddr("2001:db8::1")
	got = roundTrip(t, "IPv6", v6, Options{})
	assert.Equal(t, v6, got)
}

func TestIPv4WireIsLittleEndian(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, NewEncoder(&buf, Options{}).Value(chtype.MustParse("IPv4"),
		netip.MustParseAddr("1.2.3.4")))
	assert.Equal(t, []byte{4, 3, 2, 1}, buf.Bytes())
}

func TestDateTimeZoneMarker(t *testing.T) {
	got := roundTrip(t, "DateTime", DateTime{Sec: 1700000000}, Options{})
	require.IsType(t, DateTime{}, got)
	assert.Empty(t, got.(DateTime).Zone, "bare DateTime must decode with no zone")

	got = roundTrip(t, "DateTime('Europe/Amsterdam')", DateTime{Sec: 1700000000}, Options{})
	assert.Equal(t, "Europe/Amsterdam", got.(DateTime).Zone)
}

func TestDateTime64Precision(t *testing.T) {
	in := DateTime64{Ticks: 1700000000123, Precision: 3}

	got := roundTrip(t, "DateTime64(3, 'UTC')", in, Options{})
	require.IsType(t, DateTime64{}, got)
	assert.Equal(t, int64(1700000000123), got.(DateTime64).Ticks)
	assert.Equal(t, "UTC", got.(DateTime64).Zone)

	// A host value at a different precision is rescaled on write.
	got = roundTrip(t, "DateTime64(6)", in, Options{})
	assert.Equal(t, int64(1700000000123000), got.(DateTime64).Ticks)
}

func TestFixedStringPadding(t *testing.T) {
	got := roundTrip(t, "FixedString(6)", "abc", Options{})
	assert.Equal(t, []byte{'a', 'b', 'c', 0, 0, 0}, got)

	var buf bytes.Buffer

	err := NewEncoder(&buf, Options{}).Value(chtype.MustParse("FixedString(2)"), "abc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValueOutOfRange))
}

func TestStringsAsBytes(t *testing.T) {
	got := roundTrip(t, "String", "raw", Options{StringsAsBytes: true})
	assert.Equal(t, []byte("raw"), got)
}

func TestInvalidUTF8Rejected(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, NewEncoder(&buf, Options{}).Value(chtype.MustParse("String"),
		[]byte{0xff, 0xfe}))

	_, err := NewDecoder(&buf, Options{}).Value(chtype.MustParse("String"))
	require.Error(t, err)

	// But raw mode accepts the same bytes.
	require.NoError(t, NewEncoder(&buf, Options{}).Value(chtype.MustParse("String"),
		[]byte{0xff, 0xfe}))

	got, err := NewDecoder(&buf, Options{StringsAsBytes: true}).Value(chtype.MustParse("String"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xfe}, got)
}

func TestRoundTripTupleAndMap(t *testing.T) {
	tuple := []any{int32(7), []any{"a", nil}}
	got := roundTrip(t, "Tuple(Int32, Array(Nullable(String)))", tuple, Options{})
	assert.Equal(t, tuple, got)

	m := Map{{Key: "a", Value: uint8(1)}, {Key: "b", Value: uint8(2)}}
	got = roundTrip(t, "Map(String, UInt8)", m, Options{})
	assert.Equal(t, m, got)
}

func TestMapDuplicateKeysKeepLast(t *testing.T) {
	node := chtype.MustParse("Map(String, UInt8)")

	var buf bytes.Buffer

	enc := NewEncoder(&buf, Options{})
	require.NoError(t, enc.Value(node, Map{
		{Key: "a", Value: uint8(1)},
		{Key: "b", Value: uint8(2)},
		{Key: "a", Value: uint8(3)},
	}))

	got, err := NewDecoder(&buf, Options{}).Value(node)
	require.NoError(t, err)
	assert.Equal(t, Map{{Key: "a", Value: uint8(3)}, {Key: "b", Value: uint8(2)}}, got)
}

func TestRoundTripVariant(t *testing.T) {
	node := "Variant(String, UInt64)"

	got := roundTrip(t, node, Variant{Index: 1, Value: uint64(9)}, Options{})
	assert.Equal(t, Variant{Index: 1, Value: uint64(9)}, got)

	got = roundTrip(t, node, nil, Options{})
	assert.Nil(t, got)
}

func TestRoundTripNested(t *testing.T) {
	in := []any{
		[]any{uint64(1), "one"},
		[]any{uint64(2), "two"},
	}

	got := roundTrip(t, "Nested(id UInt64, name String)", in, Options{})
	assert.Equal(t, in, got)
}

func TestRoundTripJSON(t *testing.T) {
	node := "JSON(user.id UInt64, user.name String)"
	in := JSONObject{
		"user.id":   uint64(7),
		"user.name": "ada",
		"extra":     "dynamic",
	}

	got := roundTrip(t, node, in, Options{})
	assert.Equal(t, in, got)
}

func TestJSONAsString(t *testing.T) {
	got := roundTrip(t, "JSON", `{"a":1}`, Options{JSONAsString: true})
	assert.Equal(t, `{"a":1}`, got)
}

func TestRoundTripQBit(t *testing.T) {
	in := [][]byte{{0x01, 0x02}, {0x03, 0x04}}

	got := roundTrip(t, "QBit(Float32, 16)", in, Options{})
	assert.Equal(t, in, got)
}

func TestLowCardinalityFramesAsInner(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, NewEncoder(&buf, Options{}).Value(
		chtype.MustParse("LowCardinality(String)"), "hot"))

	// Row mode: identical bytes to a plain String.
	assert.Equal(t, append([]byte{3}, []byte("hot")...), buf.Bytes())
}

func TestVarintBoundaries(t *testing.T) {
	for _, n := range []uint64{0, 1, 127, 128, 300, 1 << 14, 1<<21 - 1, 1 << 35} {
		var buf bytes.Buffer

		enc := NewEncoder(&buf, Options{})
		require.NoError(t, enc.Uvarint(n))

		got, err := NewDecoder(&buf, Options{}).Uvarint()
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestPrematureEOF(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader([]byte{1, 2}), Options{}).
		Value(chtype.MustParse("UInt64"))
	require.Error(t, err)
}

func TestInferTypes(t *testing.T) {
	tests := []struct {
		name     string
		in       any
		expected string
	}{
		{"bool", true, "Bool"},
		{"int", 5, "Int64"},
		{"int32", int32(5), "Int32"},
		{"uint8", uint8(5), "UInt8"},
		{"float64", 1.5, "Float64"},
		{"string", "s", "String"},
		{"uuid", uuid.Nil, "UUID"},
		{"ipv4", netip.MustParseAddr("10.0.0.1"), "IPv4"},
		{"ipv6", netip.MustParseAddr("::1"), "IPv6"},
		{"slice", []int32{1, 2}, "Array(Int32)"},
		{"nil", nil, "Nullable(Nothing)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Infer(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n.String())
		})
	}
}
