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

package chtype

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimple(t *testing.T) {
	tests := []struct {
		name string
		in   string
		kind Kind
	}{
		{"Bool", "Bool", KindBool},
		{"Int8", "Int8", KindInt8},
		{"UInt256", "UInt256", KindUInt256},
		{"Float64", "Float64", KindFloat64},
		{"String", "String", KindString},
		{"UUID", "UUID", KindUUID},
		{"IPv6", "IPv6", KindIPv6},
		{"Date32", "Date32", KindDate32},
		{"Nothing", "Nothing", KindNothing},
		{"Leading space", "  UInt8 ", KindUInt8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, n.Kind)
		})
	}
}

func TestParseParametric(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want *Node
	}{
		{
			"FixedString",
			"FixedString(16)",
			&Node{Kind: KindFixedString, Length: 16},
		},
		{
			"Decimal generic",
			"Decimal(9, 4)",
			&Node{Kind: KindDecimal32, Precision: 9, Scale: 4},
		},
		{
			"Decimal wide",
			"Decimal(76, 18)",
			&Node{Kind: KindDecimal256, Precision: 76, Scale: 18},
		},
		{
			"Decimal128 shorthand",
			"Decimal128(18)",
			&Node{Kind: KindDecimal128, Precision: 38, Scale: 18},
		},
		{
			"DateTime bare",
			"DateTime",
			&Node{Kind: KindDateTime},
		},
		{
			"DateTime with zone",
			"DateTime('Europe/Amsterdam')",
			&Node{Kind: KindDateTime, Timezone: "Europe/Amsterdam"},
		},
		{
			"DateTime64",
			"DateTime64(3)",
			&Node{Kind: KindDateTime64, Precision: 3},
		},
		{
			"DateTime64 with zone",
			"DateTime64(6, 'UTC')",
			&Node{Kind: KindDateTime64, Precision: 6, Timezone: "UTC"},
		},
		{
			"Time64",
			"Time64(9)",
			&Node{Kind: KindTime64, Precision: 9},
		},
		{
			"Enum8",
			"Enum8('a' = 1, 'b' = 2)",
			&Node{Kind: KindEnum8, Enum: []EnumPair{{"a", 1}, {"b", 2}}},
		},
		{
			"Enum16 negative",
			"Enum16('low' = -300, 'high' = 300)",
			&Node{Kind: KindEnum16, Enum: []EnumPair{{"low", -300}, {"high", 300}}},
		},
		{
			"Enum quoted quote",
			"Enum8('it''s' = 1)",
			&Node{Kind: KindEnum8, Enum: []EnumPair{{"it's", 1}}},
		},
		{
			"QBit",
			"QBit(Float32, 16)",
			&Node{Kind: KindQBit, Length: 16, Args: []*Node{{Kind: KindFloat32}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Parse(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(n), "got %s", n)
		})
	}
}

func TestParseNesting(t *testing.T) {
	n, err := Parse("Array(Nullable(Tuple(String, DateTime64(3,'UTC'))))")
	require.NoError(t, err)

	require.Equal(t, KindArray, n.Kind)

	nullable := n.Args[0]
	require.Equal(t, KindNullable, nullable.Kind)

	tuple := nullable.Args[0]
	require.Equal(t, KindTuple, tuple.Kind)
	require.Len(t, tuple.Args, 2)
	assert.Equal(t, KindString, tuple.Args[0].Kind)
	assert.Equal(t, KindDateTime64, tuple.Args[1].Kind)
	assert.Equal(t, "UTC", tuple.Args[1].Timezone)
}

func TestParseMapAndNested(t *testing.T) {
	n, err := Parse("Map(LowCardinality(String), Array(UInt64))")
	require.NoError(t, err)
	require.Equal(t, KindMap, n.Kind)
	assert.Equal(t, KindLowCardinality, n.Args[0].Kind)
	assert.Equal(t, KindArray, n.Args[1].Kind)

	n, err = Parse("Nested(id UInt64, tags Array(String))")
	require.NoError(t, err)
	require.Equal(t, KindNested, n.Kind)
	require.Len(t, n.Fields, 2)
	assert.Equal(t, "id", n.Fields[0].Name)
	assert.Equal(t, "tags", n.Fields[1].Name)
}

func TestParseJSON(t *testing.T) {
	n, err := Parse("JSON")
	require.NoError(t, err)
	assert.Equal(t, KindJSON, n.Kind)
	assert.Empty(t, n.Fields)

	n, err = Parse("JSON(user.id UInt64, user.name String)")
	require.NoError(t, err)
	require.Len(t, n.Fields, 2)
	assert.Equal(t, "user.id", n.Fields[0].Name)
	assert.Equal(t, KindString, n.Fields[1].Type.Kind)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"Empty", ""},
		{"Unknown type", "Whatever"},
		{"Unclosed paren", "Array(String"},
		{"Trailing input", "String garbage"},
		{"Nullable of Nullable", "Nullable(Nullable(String))"},
		{"Nullable of Array", "Nullable(Array(String))"},
		{"Nullable of LowCardinality", "Nullable(LowCardinality(String))"},
		{"LowCardinality of Array", "LowCardinality(Array(String))"},
		{"Decimal precision zero", "Decimal(0, 0)"},
		{"Decimal precision too big", "Decimal(77, 0)"},
		{"Decimal scale above precision", "Decimal(6, 7)"},
		{"Decimal32 overflow scale", "Decimal32(10)"},
		{"DateTime64 precision", "DateTime64(10)"},
		{"Enum duplicate name", "Enum8('a' = 1, 'a' = 2)"},
		{"Enum duplicate value", "Enum8('a' = 1, 'b' = 1)"},
		{"Enum8 value range", "Enum8('a' = 200)"},
		{"FixedString zero", "FixedString(0)"},
		{"Unterminated quote", "DateTime('UTC"},
		{"Simple with args", "String(3)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			require.Error(t, err)

			var perr *ParseError
			assert.True(t, errors.As(err, &perr))
			assert.GreaterOrEqual(t, perr.Position, 0)
		})
	}
}

func TestParseAcceptsLowCardinalityNullable(t *testing.T) {
	n, err := Parse("LowCardinality(Nullable(String))")
	require.NoError(t, err)
	assert.Equal(t, KindLowCardinality, n.Kind)
	assert.Equal(t, KindNullable, n.Args[0].Kind)
}

func TestRenderRoundTrip(t *testing.T) {
	inputs := []string{
		"Bool",
		"UInt64",
		"Int128",
		"Float32",
		"String",
		"FixedString(8)",
		"UUID",
		"IPv4",
		"IPv6",
		"Date",
		"Date32",
		"Time",
		"Time64(6)",
		"DateTime",
		"DateTime('UTC')",
		"DateTime64(3)",
		"DateTime64(9, 'Europe/London')",
		"Decimal(9, 2)",
		"Decimal(38, 10)",
		"Decimal(76, 0)",
		"Enum8('a' = 1, 'b' = 2)",
		"Enum16('x' = -1000, 'y' = 1000)",
		"Array(Nullable(Int64))",
		"LowCardinality(String)",
		"Tuple(Int32, Array(Nullable(String)))",
		"Map(String, Array(UInt8))",
		"Nested(id UInt64, name String)",
		"Variant(String, UInt64, Array(UInt64))",
		"JSON",
		"JSON(a.b String, c UInt32)",
		"QBit(Float64, 32)",
		"Array(Map(LowCardinality(String), Tuple(DateTime64(3, 'UTC'), Nullable(Decimal(18, 4)))))",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			n, err := Parse(in)
			require.NoError(t, err)

			rendered := n.String()

			n2, err := Parse(rendered)
			require.NoError(t, err, "re-parse of %q", rendered)
			assert.True(t, n.Equal(n2), "round-trip of %q via %q", in, rendered)
		})
	}
}

func TestEnumOrderPreserved(t *testing.T) {
	n, err := Parse("Enum8('z' = 3, 'a' = 1, 'm' = 2)")
	require.NoError(t, err)
	assert.Equal(t, "Enum8('z' = 3, 'a' = 1, 'm' = 2)", n.String())
}
