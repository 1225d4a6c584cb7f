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
	"fmt"
	"strconv"
	"strings"
)

// ParseError describes a malformed type string, with the byte offset at
// which parsing failed.
type ParseError struct {
	Message  string
	Position int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("chtype: %s at position %d", e.Message, e.Position)
}

// simpleKinds maps parameterless type names to their kinds. DateTime and
// JSON take optional argument lists and are handled separately.
var simpleKinds = map[string]Kind{
	"Nothing":  KindNothing,
	"Bool":     KindBool,
	"Int8":     KindInt8,
	"Int16":    KindInt16,
	"Int32":    KindInt32,
	"Int64":    KindInt64,
	"Int128":   KindInt128,
	"Int256":   KindInt256,
	"UInt8":    KindUInt8,
	"UInt16":   KindUInt16,
	"UInt32":   KindUInt32,
	"UInt64":   KindUInt64,
	"UInt128":  KindUInt128,
	"UInt256":  KindUInt256,
	"Float32":  KindFloat32,
	"Float64":  KindFloat64,
	"String":   KindString,
	"UUID":     KindUUID,
	"IPv4":     KindIPv4,
	"IPv6":     KindIPv6,
	"Date":   KindDate,
	"Date32": KindDate32,
	"Time":   KindTime,
}

// Parse parses a ClickHouse type string into a Node tree, validating the
// ClickHouse nesting and parameter rules as it goes. Parsing is pure: equal
// inputs produce equal trees.
func Parse(s string) (*Node, error) {
	p := &parser{src: s}

	p.skipSpace()

	n, err := p.parseType()
	if err != nil {
		return nil, err
	}

	p.skipSpace()

	if p.pos != len(p.src) {
		return nil, p.errorf("trailing input after type")
	}

	return n, nil
}

// MustParse is Parse for statically known type strings; it panics on error.
func MustParse(s string) *Node {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return n
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return &ParseError{Message: fmt.Sprintf(format, args...), Position: p.pos}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '.' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// ident consumes an identifier (letters, digits, underscores and dots).
func (p *parser) ident() (string, error) {
	start := p.pos
	for p.pos < len(p.src) && isIdentByte(p.src[p.pos]) {
		p.pos++
	}

	if p.pos == start {
		return "", p.errorf("expected identifier")
	}

	return p.src[start:p.pos], nil
}

// quoted consumes a single-quoted string with '' doubling as the escape.
func (p *parser) quoted() (string, error) {
	if p.pos >= len(p.src) || p.src[p.pos] != '\'' {
		return "", p.errorf("expected quoted string")
	}

	p.pos++

	var sb strings.Builder

	for p.pos < len(p.src) {
		b := p.src[p.pos]
		if b != '\'' {
			sb.WriteByte(b)
			p.pos++

			continue
		}

		if p.pos+1 < len(p.src) && p.src[p.pos+1] == '\'' {
			sb.WriteByte('\'')
			p.pos += 2

			continue
		}

		p.pos++

		return sb.String(), nil
	}

	return "", p.errorf("unterminated quoted string")
}

// integer consumes an optionally signed decimal integer.
func (p *parser) integer() (int64, error) {
	start := p.pos

	if p.pos < len(p.src) && (p.src[p.pos] == '-' || p.src[p.pos] == '+') {
		p.pos++
	}

	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}

	if p.pos == start || (p.pos == start+1 && !(p.src[start] >= '0' && p.src[start] <= '9')) {
		p.pos = start

		return 0, p.errorf("expected integer")
	}

	v, err := strconv.ParseInt(p.src[start:p.pos], 10, 64)
	if err != nil {
		p.pos = start

		return 0, p.errorf("integer out of range")
	}

	return v, nil
}

func (p *parser) expect(b byte) error {
	p.skipSpace()

	if p.pos >= len(p.src) || p.src[p.pos] != b {
		return p.errorf("expected %q", string(b))
	}

	p.pos++

	return nil
}

// peek returns the next non-space byte without consuming it, or 0 at end of
// input.
func (p *parser) peek() byte {
	p.skipSpace()

	if p.pos >= len(p.src) {
		return 0
	}

	return p.src[p.pos]
}

func (p *parser) hasArgs() bool {
	return p.peek() == '('
}

func (p *parser) parseType() (*Node, error) {
	p.skipSpace()

	namePos := p.pos

	name, err := p.ident()
	if err != nil {
		return nil, err
	}

	switch name {
	case "FixedString":
		return p.parseFixedString()
	case "Decimal":
		return p.parseDecimal()
	case "Decimal32", "Decimal64", "Decimal128", "Decimal256":
		return p.parseDecimalShorthand(name)
	case "DateTime":
		return p.parseDateTime()
	case "DateTime64":
		return p.parseDateTime64()
	case "Time64":
		return p.parseTime64()
	case "Enum8", "Enum16":
		return p.parseEnum(name)
	case "Array", "Nullable", "LowCardinality":
		return p.parseWrapper(name)
	case "Tuple", "Variant":
		return p.parseTypeList(name)
	case "Map":
		return p.parseMap()
	case "Nested":
		return p.parseNested()
	case "JSON":
		return p.parseJSON()
	case "QBit":
		return p.parseQBit()
	}

	if k, ok := simpleKinds[name]; ok {
		if p.hasArgs() {
			return nil, p.errorf("type %s takes no arguments", name)
		}

		return &Node{Kind: k}, nil
	}

	p.pos = namePos

	return nil, p.errorf("unknown type %q", name)
}

func (p *parser) parseFixedString() (*Node, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	p.skipSpace()

	n, err := p.integer()
	if err != nil {
		return nil, err
	}

	if n < 1 {
		return nil, p.errorf("FixedString length must be positive, got %d", n)
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return &Node{Kind: KindFixedString, Length: int(n)}, nil
}

func (p *parser) parseDecimal() (*Node, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	p.skipSpace()

	precision, err := p.integer()
	if err != nil {
		return nil, err
	}

	if err := p.expect(','); err != nil {
		return nil, err
	}

	p.skipSpace()

	scale, err := p.integer()
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return p.decimalNode(decimalKindForPrecision(int(precision)), int(precision), int(scale))
}

func (p *parser) parseDecimalShorthand(name string) (*Node, error) {
	kind := map[string]Kind{
		"Decimal32":  KindDecimal32,
		"Decimal64":  KindDecimal64,
		"Decimal128": KindDecimal128,
		"Decimal256": KindDecimal256,
	}[name]

	if err := p.expect('('); err != nil {
		return nil, err
	}

	p.skipSpace()

	scale, err := p.integer()
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return p.decimalNode(kind, maxDecimalPrecision(kind), int(scale))
}

func (p *parser) decimalNode(kind Kind, precision, scale int) (*Node, error) {
	if precision < 1 || precision > 76 {
		return nil, p.errorf("Decimal precision must be in [1, 76], got %d", precision)
	}

	if scale < 0 || scale > precision {
		return nil, p.errorf("Decimal scale must be in [0, %d], got %d", precision, scale)
	}

	if precision > maxDecimalPrecision(kind) {
		return nil, p.errorf("precision %d exceeds %s", precision, kind.Name())
	}

	return &Node{Kind: kind, Precision: precision, Scale: scale}, nil
}

func (p *parser) parseDateTime() (*Node, error) {
	if !p.hasArgs() {
		return &Node{Kind: KindDateTime}, nil
	}

	p.pos++ // consume '('
	p.skipSpace()

	tz, err := p.quoted()
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return &Node{Kind: KindDateTime, Timezone: tz}, nil
}

func (p *parser) parseDateTime64() (*Node, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	p.skipSpace()

	precision, err := p.integer()
	if err != nil {
		return nil, err
	}

	if precision < 0 || precision > 9 {
		return nil, p.errorf("DateTime64 precision must be in [0, 9], got %d", precision)
	}

	n := &Node{Kind: KindDateTime64, Precision: int(precision)}

	if p.peek() == ',' {
		p.pos++
		p.skipSpace()

		tz, err := p.quoted()
		if err != nil {
			return nil, err
		}

		n.Timezone = tz
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return n, nil
}

func (p *parser) parseTime64() (*Node, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	p.skipSpace()

	precision, err := p.integer()
	if err != nil {
		return nil, err
	}

	if precision < 0 || precision > 9 {
		return nil, p.errorf("Time64 precision must be in [0, 9], got %d", precision)
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return &Node{Kind: KindTime64, Precision: int(precision)}, nil
}

func (p *parser) parseEnum(name string) (*Node, error) {
	kind := KindEnum8
	minVal, maxVal := int64(-128), int64(127)

	if name == "Enum16" {
		kind = KindEnum16
		minVal, maxVal = -32768, 32767
	}

	if err := p.expect('('); err != nil {
		return nil, err
	}

	var pairs []EnumPair

	names := make(map[string]struct{})
	values := make(map[int16]struct{})

	for {
		p.skipSpace()

		ename, err := p.quoted()
		if err != nil {
			return nil, err
		}

		if err := p.expect('='); err != nil {
			return nil, err
		}

		p.skipSpace()

		v, err := p.integer()
		if err != nil {
			return nil, err
		}

		if v < minVal || v > maxVal {
			return nil, p.errorf("enum value %d out of range for %s", v, name)
		}

		if _, dup := names[ename]; dup {
			return nil, p.errorf("duplicate enum name %q", ename)
		}

		if _, dup := values[int16(v)]; dup {
			return nil, p.errorf("duplicate enum value %d", v)
		}

		names[ename] = struct{}{}
		values[int16(v)] = struct{}{}
		pairs = append(pairs, EnumPair{Name: ename, Value: int16(v)})

		if p.peek() != ',' {
			break
		}

		p.pos++
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return &Node{Kind: kind, Enum: pairs}, nil
}

func (p *parser) parseWrapper(name string) (*Node, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	inner, err := p.parseType()
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	switch name {
	case "Array":
		return &Node{Kind: KindArray, Args: []*Node{inner}}, nil
	case "Nullable":
		switch inner.Kind {
		case KindNullable, KindArray, KindLowCardinality:
			return nil, p.errorf("Nullable cannot wrap %s", inner.Kind.Name())
		}

		return &Node{Kind: KindNullable, Args: []*Node{inner}}, nil
	default:
		if !lowCardinalityEligible(inner) {
			return nil, p.errorf("LowCardinality cannot wrap %s", inner.Kind.Name())
		}

		return &Node{Kind: KindLowCardinality, Args: []*Node{inner}}, nil
	}
}

func (p *parser) parseTypeList(name string) (*Node, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	var args []*Node

	for {
		inner, err := p.parseType()
		if err != nil {
			return nil, err
		}

		args = append(args, inner)

		if p.peek() != ',' {
			break
		}

		p.pos++
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	kind := KindTuple
	if name == "Variant" {
		kind = KindVariant
	}

	return &Node{Kind: kind, Args: args}, nil
}

func (p *parser) parseMap() (*Node, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	key, err := p.parseType()
	if err != nil {
		return nil, err
	}

	if err := p.expect(','); err != nil {
		return nil, err
	}

	value, err := p.parseType()
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return &Node{Kind: KindMap, Args: []*Node{key, value}}, nil
}

func (p *parser) parseNested() (*Node, error) {
	fields, err := p.parseFieldList()
	if err != nil {
		return nil, err
	}

	return &Node{Kind: KindNested, Fields: fields}, nil
}

func (p *parser) parseJSON() (*Node, error) {
	if !p.hasArgs() {
		return &Node{Kind: KindJSON}, nil
	}

	fields, err := p.parseFieldList()
	if err != nil {
		return nil, err
	}

	return &Node{Kind: KindJSON, Fields: fields}, nil
}

func (p *parser) parseFieldList() ([]Field, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	var fields []Field

	paths := make(map[string]struct{})

	for {
		p.skipSpace()

		name, err := p.ident()
		if err != nil {
			return nil, err
		}

		if _, dup := paths[name]; dup {
			return nil, p.errorf("duplicate field %q", name)
		}

		paths[name] = struct{}{}

		t, err := p.parseType()
		if err != nil {
			return nil, err
		}

		fields = append(fields, Field{Name: name, Type: t})

		if p.peek() != ',' {
			break
		}

		p.pos++
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return fields, nil
}

func (p *parser) parseQBit() (*Node, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	inner, err := p.parseType()
	if err != nil {
		return nil, err
	}

	if err := p.expect(','); err != nil {
		return nil, err
	}

	p.skipSpace()

	bits, err := p.integer()
	if err != nil {
		return nil, err
	}

	if bits < 1 {
		return nil, p.errorf("QBit width must be positive, got %d", bits)
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}

	return &Node{Kind: KindQBit, Length: int(bits), Args: []*Node{inner}}, nil
}
