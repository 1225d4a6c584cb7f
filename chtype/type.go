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

// package chtype models ClickHouse's surface type system as an immutable tree
// of Nodes, with a parser for the parenthesized type grammar and a canonical
// renderer that round-trips with it.

package chtype

import (
	"strconv"
	"strings"
)

// Kind identifies one ClickHouse type constructor.
type Kind uint8

// The supported type constructors.
const (
	KindNothing Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindInt128
	KindInt256
	KindUInt8
	KindUInt16
	KindUInt32
	KindUInt64
	KindUInt128
	KindUInt256
	KindFloat32
	KindFloat64
	KindDecimal32
	KindDecimal64
	KindDecimal128
	KindDecimal256
	KindString
	KindFixedString
	KindUUID
	KindIPv4
	KindIPv6
	KindDate
	KindDate32
	KindDateTime
	KindDateTime64
	KindTime
	KindTime64
	KindEnum8
	KindEnum16
	KindArray
	KindNullable
	KindLowCardinality
	KindTuple
	KindNested
	KindMap
	KindVariant
	KindJSON
	KindQBit
)

// kindNames maps each Kind to the name it renders as. Parametric details
// (precision, timezone, inner types) are appended by Node.String.
var kindNames = map[Kind]string{
	KindNothing:        "Nothing",
	KindBool:           "Bool",
	KindInt8:           "Int8",
	KindInt16:          "Int16",
	KindInt32:          "Int32",
	KindInt64:          "Int64",
	KindInt128:         "Int128",
	KindInt256:         "Int256",
	KindUInt8:          "UInt8",
	KindUInt16:         "UInt16",
	KindUInt32:         "UInt32",
	KindUInt64:         "UInt64",
	KindUInt128:        "UInt128",
	KindUInt256:        "UInt256",
	KindFloat32:        "Float32",
	KindFloat64:        "Float64",
	KindDecimal32:      "Decimal32",
	KindDecimal64:      "Decimal64",
	KindDecimal128:     "Decimal128",
	KindDecimal256:     "Decimal256",
	KindString:         "String",
	KindFixedString:    "FixedString",
	KindUUID:           "UUID",
	KindIPv4:           "IPv4",
	KindIPv6:           "IPv6",
	KindDate:           "Date",
	KindDate32:         "Date32",
	KindDateTime:       "DateTime",
	KindDateTime64:     "DateTime64",
	KindTime:           "Time",
	KindTime64:         "Time64",
	KindEnum8:          "Enum8",
	KindEnum16:         "Enum16",
	KindArray:          "Array",
	KindNullable:       "Nullable",
	KindLowCardinality: "LowCardinality",
	KindTuple:          "Tuple",
	KindNested:         "Nested",
	KindMap:            "Map",
	KindVariant:        "Variant",
	KindJSON:           "JSON",
	KindQBit:           "QBit",
}

// Name returns the bare ClickHouse name of the kind, without parameters.
func (k Kind) Name() string {
	return kindNames[k]
}

// EnumPair is one identifier=value entry of an Enum8 or Enum16 declaration.
// Declaration order is preserved for round-tripping.
type EnumPair struct {
	Name  string
	Value int16
}

// Field is a named inner type, as used by Nested columns and JSON typed
// paths.
type Field struct {
	Name string
	Type *Node
}

// Node is one ClickHouse type. A Node is immutable once produced by Parse;
// callers must not modify it.
type Node struct {
	Kind Kind

	// Precision is the declared precision of Decimal*, DateTime64 and
	// Time64 types.
	Precision int

	// Scale is the declared scale of Decimal* types.
	Scale int

	// Length is the byte length of FixedString and the per-element bit
	// width of QBit.
	Length int

	// Timezone is the declared zone of DateTime and DateTime64 columns.
	// Empty means the column declared no zone, which is a distinct type
	// from an explicit zone.
	Timezone string

	// Enum holds the declared pairs of Enum8 and Enum16, in declaration
	// order.
	Enum []EnumPair

	// Args holds inner types: one for Array, Nullable, LowCardinality and
	// QBit, two for Map, one or more for Tuple and Variant.
	Args []*Node

	// Fields holds the named inner types of Nested and the typed paths of
	// JSON.
	Fields []Field
}

// String renders the canonical type string, such that Parse(n.String())
// yields a tree equal to n.
func (n *Node) String() string {
	var sb strings.Builder

	n.render(&sb)

	return sb.String()
}

func (n *Node) render(sb *strings.Builder) {
	// The generic Decimal(P, S) spelling preserves the declared precision,
	// which the DecimalNN(S) shorthand cannot.
	if n.Kind.IsDecimal() {
		sb.WriteString("Decimal(")
		sb.WriteString(strconv.Itoa(n.Precision))
		sb.WriteString(", ")
		sb.WriteString(strconv.Itoa(n.Scale))
		sb.WriteByte(')')

		return
	}

	sb.WriteString(n.Kind.Name())

	switch n.Kind {
	case KindFixedString:
		sb.WriteByte('(')
		sb.WriteString(strconv.Itoa(n.Length))
		sb.WriteByte(')')
	case KindDateTime:
		if n.Timezone != "" {
			sb.WriteByte('(')
			renderQuoted(sb, n.Timezone)
			sb.WriteByte(')')
		}
	case KindDateTime64:
		sb.WriteByte('(')
		sb.WriteString(strconv.Itoa(n.Precision))

		if n.Timezone != "" {
			sb.WriteString(", ")
			renderQuoted(sb, n.Timezone)
		}

		sb.WriteByte(')')
	case KindTime64:
		sb.WriteByte('(')
		sb.WriteString(strconv.Itoa(n.Precision))
		sb.WriteByte(')')
	case KindEnum8, KindEnum16:
		sb.WriteByte('(')

		for i, p := range n.Enum {
			if i > 0 {
				sb.WriteString(", ")
			}

			renderQuoted(sb, p.Name)
			sb.WriteString(" = ")
			sb.WriteString(strconv.Itoa(int(p.Value)))
		}

		sb.WriteByte(')')
	case KindArray, KindNullable, KindLowCardinality, KindTuple, KindMap, KindVariant:
		sb.WriteByte('(')

		for i, a := range n.Args {
			if i > 0 {
				sb.WriteString(", ")
			}

			a.render(sb)
		}

		sb.WriteByte(')')
	case KindNested:
		sb.WriteByte('(')
		renderFields(sb, n.Fields)
		sb.WriteByte(')')
	case KindJSON:
		if len(n.Fields) > 0 {
			sb.WriteByte('(')
			renderFields(sb, n.Fields)
			sb.WriteByte(')')
		}
	case KindQBit:
		sb.WriteByte('(')
		n.Args[0].render(sb)
		sb.WriteString(", ")
		sb.WriteString(strconv.Itoa(n.Length))
		sb.WriteByte(')')
	}
}

func renderFields(sb *strings.Builder, fields []Field) {
	for i, f := range fields {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString(f.Name)
		sb.WriteByte(' ')
		f.Type.render(sb)
	}
}

// renderQuoted writes s as a single-quoted literal with '' escaping.
func renderQuoted(sb *strings.Builder, s string) {
	sb.WriteByte('\'')
	sb.WriteString(strings.ReplaceAll(s, "'", "''"))
	sb.WriteByte('\'')
}

// Equal reports whether two type trees are structurally identical.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}

	if n.Kind != o.Kind || n.Precision != o.Precision || n.Scale != o.Scale ||
		n.Length != o.Length || n.Timezone != o.Timezone ||
		len(n.Enum) != len(o.Enum) || len(n.Args) != len(o.Args) ||
		len(n.Fields) != len(o.Fields) {
		return false
	}

	for i := range n.Enum {
		if n.Enum[i] != o.Enum[i] {
			return false
		}
	}

	for i := range n.Args {
		if !n.Args[i].Equal(o.Args[i]) {
			return false
		}
	}

	for i := range n.Fields {
		if n.Fields[i].Name != o.Fields[i].Name || !n.Fields[i].Type.Equal(o.Fields[i].Type) {
			return false
		}
	}

	return true
}

// IsNumeric reports whether the kind is an integer or floating point type.
func (k Kind) IsNumeric() bool {
	return k >= KindInt8 && k <= KindFloat64
}

// IsInteger reports whether the kind is a fixed-width integer type.
func (k Kind) IsInteger() bool {
	return k >= KindInt8 && k <= KindUInt256
}

// IsSigned reports whether the kind is a signed integer type.
func (k Kind) IsSigned() bool {
	return k >= KindInt8 && k <= KindInt256
}

// IsDecimal reports whether the kind is one of the Decimal widths.
func (k Kind) IsDecimal() bool {
	return k >= KindDecimal32 && k <= KindDecimal256
}

// DecimalWidth returns the wire width in bytes of a Decimal kind.
func (k Kind) DecimalWidth() int {
	switch k {
	case KindDecimal32:
		return 4
	case KindDecimal64:
		return 8
	case KindDecimal128:
		return 16
	default:
		return 32
	}
}

// maxDecimalPrecision returns the largest precision each Decimal width can
// hold.
func maxDecimalPrecision(k Kind) int {
	switch k {
	case KindDecimal32:
		return 9
	case KindDecimal64:
		return 18
	case KindDecimal128:
		return 38
	default:
		return 76
	}
}

// decimalKindForPrecision picks the narrowest Decimal width that can hold the
// given precision.
func decimalKindForPrecision(precision int) Kind {
	switch {
	case precision <= 9:
		return KindDecimal32
	case precision <= 18:
		return KindDecimal64
	case precision <= 38:
		return KindDecimal128
	default:
		return KindDecimal256
	}
}

// lowCardinalityEligible reports whether t may appear directly inside
// LowCardinality. ClickHouse allows scalar types and Nullable of those.
func lowCardinalityEligible(t *Node) bool {
	if t.Kind == KindNullable {
		return lowCardinalityScalar(t.Args[0].Kind)
	}

	return lowCardinalityScalar(t.Kind)
}

func lowCardinalityScalar(k Kind) bool {
	switch k {
	case KindString, KindFixedString, KindDate, KindDate32, KindDateTime,
		KindDateTime64, KindTime, KindTime64, KindUUID, KindIPv4, KindIPv6:
		return true
	default:
		return k.IsNumeric()
	}
}
