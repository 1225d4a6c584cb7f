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
	"encoding/json"
	"io"
	"math"
	"math/big"
	"reflect"

	"github.com/google/uuid"
	"vimagination.zapto.org/byteio"

	"github.com/wtsi-hgi/go-clickhouse/chtype"
)

// Encoder writes host values as RowBinary for given column types. Value and
// Decoder.Value are exact inverses for every value that round-trips in the
// host representation.
type Encoder struct {
	w    *byteio.StickyLittleEndianWriter
	opts Options
}

// NewEncoder wraps w for encoding.
func NewEncoder(w io.Writer, opts Options) *Encoder {
	return &Encoder{w: &byteio.StickyLittleEndianWriter{Writer: w}, opts: opts}
}

// BytesWritten returns the number of bytes produced so far.
func (e *Encoder) BytesWritten() int64 {
	return e.w.Count
}

// Err returns the sticky stream error, if any.
func (e *Encoder) Err() error {
	return e.w.Err
}

// Uvarint writes one LEB128-encoded unsigned length.
func (e *Encoder) Uvarint(v uint64) error {
	for v >= 0x80 {
		e.w.WriteUint8(byte(v) | 0x80)
		v >>= 7
	}

	e.w.WriteUint8(byte(v))

	return e.w.Err
}

// String writes one length-prefixed string.
func (e *Encoder) String(s string) error {
	return e.stringBytes([]byte(s))
}

func (e *Encoder) stringBytes(b []byte) error {
	if err := e.Uvarint(uint64(len(b))); err != nil {
		return err
	}

	return e.writeAll(b)
}

func (e *Encoder) writeAll(b []byte) error {
	if e.w.Err != nil {
		return e.w.Err
	}

	if _, err := e.w.Write(b); err != nil {
		if e.w.Err == nil {
			e.w.Err = err
		}

		return err
	}

	return e.w.Err
}

// Value writes one value of the given column type, coercing common host
// types. Conversions that would lose information fail with
// ErrValueOutOfRange.
func (e *Encoder) Value(t *chtype.Node, v any) error { //nolint:gocyclo,funlen
	switch t.Kind {
	case chtype.KindNothing:
		e.w.WriteUint8(0)

		return e.w.Err
	case chtype.KindBool:
		b, err := asBool(v)
		if err != nil {
			return err
		}

		if b {
			e.w.WriteUint8(1)
		} else {
			e.w.WriteUint8(0)
		}

		return e.w.Err
	case chtype.KindInt8, chtype.KindInt16, chtype.KindInt32, chtype.KindInt64:
		return e.signedInt(t.Kind, v)
	case chtype.KindUInt8, chtype.KindUInt16, chtype.KindUInt32, chtype.KindUInt64:
		return e.unsignedInt(t.Kind, v)
	case chtype.KindInt128:
		return e.bigInt(v, 16, true)
	case chtype.KindInt256:
		return e.bigInt(v, 32, true)
	case chtype.KindUInt128:
		return e.bigInt(v, 16, false)
	case chtype.KindUInt256:
		return e.bigInt(v, 32, false)
	case chtype.KindFloat32:
		f, err := asFloat(v)
		if err != nil {
			return err
		}

		e.w.WriteFloat32(float32(f))

		return e.w.Err
	case chtype.KindFloat64:
		f, err := asFloat(v)
		if err != nil {
			return err
		}

		e.w.WriteFloat64(f)

		return e.w.Err
	case chtype.KindDecimal32, chtype.KindDecimal64, chtype.KindDecimal128, chtype.KindDecimal256:
		return e.decimal(t, v)
	case chtype.KindString:
		return e.stringValue(v)
	case chtype.KindFixedString:
		return e.fixedString(t, v)
	case chtype.KindUUID:
		return e.uuid(v)
	case chtype.KindIPv4:
		return e.ipv4(v)
	case chtype.KindIPv6:
		return e.ipv6(v)
	case chtype.KindDate:
		return e.date(v)
	case chtype.KindDate32:
		return e.date32(v)
	case chtype.KindDateTime:
		return e.dateTime(v)
	case chtype.KindDateTime64:
		return e.dateTime64(t, v)
	case chtype.KindTime:
		return e.timeOfDay(v)
	case chtype.KindTime64:
		return e.time64(t, v)
	case chtype.KindEnum8, chtype.KindEnum16:
		return e.enum(t, v)
	case chtype.KindNullable:
		return e.nullable(t, v)
	case chtype.KindArray:
		return e.array(t.Args[0], v)
	case chtype.KindLowCardinality:
		return e.Value(t.Args[0], v)
	case chtype.KindTuple:
		return e.tuple(t.Args, v)
	case chtype.KindNested:
		return e.nested(t, v)
	case chtype.KindMap:
		return e.mapValue(t, v)
	case chtype.KindVariant:
		return e.variant(t, v)
	case chtype.KindJSON:
		return e.json(t, v)
	case chtype.KindQBit:
		return e.qbit(t, v)
	default:
		return errUnsupported("no encoder for %s", t.Kind.Name())
	}
}

func (e *Encoder) signedInt(k chtype.Kind, v any) error {
	i, err := asInt64(v)
	if err != nil {
		return err
	}

	switch k {
	case chtype.KindInt8:
		if i < math.MinInt8 || i > math.MaxInt8 {
			return errOutOfRange("%d does not fit Int8", i)
		}

		e.w.WriteInt8(int8(i))
	case chtype.KindInt16:
		if i < math.MinInt16 || i > math.MaxInt16 {
			return errOutOfRange("%d does not fit Int16", i)
		}

		e.w.WriteInt16(int16(i))
	case chtype.KindInt32:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return errOutOfRange("%d does not fit Int32", i)
		}

		e.w.WriteInt32(int32(i))
	default:
		e.w.WriteInt64(i)
	}

	return e.w.Err
}

func (e *Encoder) unsignedInt(k chtype.Kind, v any) error {
	u, err := asUint64(v)
	if err != nil {
		return err
	}

	switch k {
	case chtype.KindUInt8:
		if u > math.MaxUint8 {
			return errOutOfRange("%d does not fit UInt8", u)
		}

		e.w.WriteUint8(uint8(u))
	case chtype.KindUInt16:
		if u > math.MaxUint16 {
			return errOutOfRange("%d does not fit UInt16", u)
		}

		e.w.WriteUint16(uint16(u))
	case chtype.KindUInt32:
		if u > math.MaxUint32 {
			return errOutOfRange("%d does not fit UInt32", u)
		}

		e.w.WriteUint32(uint32(u))
	default:
		e.w.WriteUint64(u)
	}

	return e.w.Err
}

func (e *Encoder) bigInt(v any, width int, signed bool) error {
	x, err := asBigInt(v)
	if err != nil {
		return err
	}

	buf, err := bigToLE(x, width, signed)
	if err != nil {
		return err
	}

	return e.writeAll(buf)
}

func (e *Encoder) decimal(t *chtype.Node, v any) error {
	unscaled, err := decimalUnscaled(v, t.Scale)
	if err != nil {
		return err
	}

	buf, err := bigToLE(unscaled, t.Kind.DecimalWidth(), true)
	if err != nil {
		return err
	}

	return e.writeAll(buf)
}

func (e *Encoder) stringValue(v any) error {
	switch s := v.(type) {
	case string:
		return e.String(s)
	case []byte:
		return e.stringBytes(s)
	default:
		return errUnsupported("%T as String", v)
	}
}

func (e *Encoder) fixedString(t *chtype.Node, v any) error {
	var b []byte

	switch s := v.(type) {
	case string:
		b = []byte(s)
	case []byte:
		b = s
	default:
		return errUnsupported("%T as FixedString", v)
	}

	if len(b) > t.Length {
		return errOutOfRange("%d bytes exceed FixedString(%d)", len(b), t.Length)
	}

	if err := e.writeAll(b); err != nil {
		return err
	}

	// Short values are zero padded to the declared length.
	return e.writeAll(make([]byte, t.Length-len(b)))
}

func (e *Encoder) uuid(v any) error {
	var u uuid.UUID

	switch x := v.(type) {
	case uuid.UUID:
		u = x
	case [16]byte:
		u = x
	case string:
		parsed, err := uuid.Parse(x)
		if err != nil {
			return errOutOfRange("%q is not a UUID", x)
		}

		u = parsed
	default:
		return errUnsupported("%T as UUID", v)
	}

	return e.writeAll(uuidToWire(u))
}

func (e *Encoder) ipv4(v any) error {
	addr, err := asAddr(v)
	if err != nil {
		return err
	}

	if !addr.Is4() {
		addr = addr.Unmap()
		if !addr.Is4() {
			return errOutOfRange("%s is not an IPv4 address", addr)
		}
	}

	b := addr.As4()
	e.w.WriteUint32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))

	return e.w.Err
}

func (e *Encoder) ipv6(v any) error {
	addr, err := asAddr(v)
	if err != nil {
		return err
	}

	b := addr.As16()

	return e.writeAll(b[:])
}

func (e *Encoder) date(v any) error {
	d, err := asDate(v)
	if err != nil {
		return err
	}

	if d.Days < 0 || d.Days > math.MaxUint16 {
		return errOutOfRange("day %d does not fit Date", d.Days)
	}

	e.w.WriteUint16(uint16(d.Days))

	return e.w.Err
}

func (e *Encoder) date32(v any) error {
	d, err := asDate(v)
	if err != nil {
		return err
	}

	e.w.WriteInt32(d.Days)

	return e.w.Err
}

func (e *Encoder) dateTime(v any) error {
	sec, err := asUnixSeconds(v)
	if err != nil {
		return err
	}

	if sec < 0 || sec > math.MaxUint32 {
		return errOutOfRange("%d seconds does not fit DateTime", sec)
	}

	e.w.WriteUint32(uint32(sec))

	return e.w.Err
}

func (e *Encoder) dateTime64(t *chtype.Node, v any) error {
	ticks, err := asTicks(v, t.Precision)
	if err != nil {
		return err
	}

	e.w.WriteInt64(ticks)

	return e.w.Err
}

func (e *Encoder) timeOfDay(v any) error {
	switch x := v.(type) {
	case Time:
		e.w.WriteInt32(x.Sec)
	case int:
		e.w.WriteInt32(int32(x))
	case int32:
		e.w.WriteInt32(x)
	default:
		return errUnsupported("%T as Time", v)
	}

	return e.w.Err
}

func (e *Encoder) time64(t *chtype.Node, v any) error {
	switch x := v.(type) {
	case Time64:
		e.w.WriteInt64(rescaleTicks(x.Ticks, x.Precision, t.Precision))
	case int64:
		e.w.WriteInt64(x)
	case int:
		e.w.WriteInt64(int64(x))
	default:
		return errUnsupported("%T as Time64", v)
	}

	return e.w.Err
}

func (e *Encoder) enum(t *chtype.Node, v any) error {
	tag, err := enumTag(t, v)
	if err != nil {
		return err
	}

	if t.Kind == chtype.KindEnum8 {
		e.w.WriteInt8(int8(tag))
	} else {
		e.w.WriteInt16(tag)
	}

	return e.w.Err
}

// enumTag resolves a host value to a declared enum tag, accepting the
// identifier or the numeric value.
func enumTag(t *chtype.Node, v any) (int16, error) {
	switch x := v.(type) {
	case string:
		for _, p := range t.Enum {
			if p.Name == x {
				return p.Value, nil
			}
		}

		return 0, errOutOfRange("enum name %q not declared in %s", x, t)
	default:
		i, err := asInt64(v)
		if err != nil {
			return 0, errUnsupported("%T as enum", v)
		}

		for _, p := range t.Enum {
			if int64(p.Value) == i {
				return p.Value, nil
			}
		}

		return 0, errOutOfRange("enum value %d not declared in %s", i, t)
	}
}

func (e *Encoder) nullable(t *chtype.Node, v any) error {
	if isNilValue(v) {
		e.w.WriteUint8(nullMarker)

		return e.w.Err
	}

	e.w.WriteUint8(presentMarker)

	if e.w.Err != nil {
		return e.w.Err
	}

	return e.Value(t.Args[0], v)
}

func (e *Encoder) array(elem *chtype.Node, v any) error {
	items, err := asSlice(v)
	if err != nil {
		return err
	}

	if err := e.Uvarint(uint64(len(items))); err != nil {
		return err
	}

	for _, item := range items {
		if err := e.Value(elem, item); err != nil {
			return err
		}
	}

	return nil
}

func (e *Encoder) tuple(elems []*chtype.Node, v any) error {
	items, err := asSlice(v)
	if err != nil {
		return err
	}

	if len(items) != len(elems) {
		return errOutOfRange("tuple needs %d elements, got %d", len(elems), len(items))
	}

	for i, t := range elems {
		if err := e.Value(t, items[i]); err != nil {
			return err
		}
	}

	return nil
}

func (e *Encoder) nested(t *chtype.Node, v any) error {
	elems := make([]*chtype.Node, len(t.Fields))
	for i, f := range t.Fields {
		elems[i] = f.Type
	}

	rows, err := asSlice(v)
	if err != nil {
		return err
	}

	if err := e.Uvarint(uint64(len(rows))); err != nil {
		return err
	}

	for _, row := range rows {
		if err := e.tuple(elems, row); err != nil {
			return err
		}
	}

	return nil
}

func (e *Encoder) mapValue(t *chtype.Node, v any) error {
	pairs, err := asPairs(v)
	if err != nil {
		return err
	}

	if err := e.Uvarint(uint64(len(pairs))); err != nil {
		return err
	}

	for _, kv := range pairs {
		if err := e.Value(t.Args[0], kv.Key); err != nil {
			return err
		}

		if err := e.Value(t.Args[1], kv.Value); err != nil {
			return err
		}
	}

	return nil
}

func (e *Encoder) variant(t *chtype.Node, v any) error {
	if isNilValue(v) {
		e.w.WriteUint8(variantNullDiscriminator)

		return e.w.Err
	}

	x, ok := v.(Variant)
	if !ok {
		return errUnsupported("%T as Variant; wrap the value in rowbinary.Variant", v)
	}

	if int(x.Index) >= len(t.Args) {
		return errOutOfRange("variant discriminator %d exceeds %d types", x.Index, len(t.Args))
	}

	e.w.WriteUint8(x.Index)

	if e.w.Err != nil {
		return e.w.Err
	}

	return e.Value(t.Args[x.Index], x.Value)
}

func (e *Encoder) json(t *chtype.Node, v any) error {
	if e.opts.JSONAsString {
		return e.stringValue(v)
	}

	obj, err := asJSONObject(v)
	if err != nil {
		return err
	}

	typed := make(map[string]*chtype.Node, len(t.Fields))
	for _, f := range t.Fields {
		typed[f.Name] = f.Type
	}

	typedPaths, dynamicPaths := splitJSONPaths(obj, typed)

	if err := e.Uvarint(uint64(len(typedPaths))); err != nil {
		return err
	}

	for _, path := range typedPaths {
		if err := e.String(path); err != nil {
			return err
		}

		if err := e.String(typed[path].String()); err != nil {
			return err
		}

		if err := e.Value(typed[path], obj[path]); err != nil {
			return err
		}
	}

	if err := e.Uvarint(uint64(len(dynamicPaths))); err != nil {
		return err
	}

	for _, path := range dynamicPaths {
		if err := e.String(path); err != nil {
			return err
		}

		s, err := jsonDynamicString(obj[path])
		if err != nil {
			return err
		}

		if err := e.String(s); err != nil {
			return err
		}
	}

	return nil
}

func (e *Encoder) qbit(t *chtype.Node, v any) error {
	groups, ok := v.([][]byte)
	if !ok {
		return errUnsupported("%T as QBit", v)
	}

	width := (t.Length + 7) / 8

	if err := e.Uvarint(uint64(len(groups))); err != nil {
		return err
	}

	for _, g := range groups {
		if len(g) != width {
			return errOutOfRange("QBit element is %d bytes, want %d", len(g), width)
		}

		if err := e.writeAll(g); err != nil {
			return err
		}
	}

	return nil
}

// bigToLE renders x as a little-endian integer of the given byte width,
// two's complement when signed, failing when x does not fit.
func bigToLE(x *big.Int, width int, signed bool) ([]byte, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), uint(8*width))

	v := new(big.Int).Set(x)

	if signed {
		half := new(big.Int).Rsh(limit, 1)
		negHalf := new(big.Int).Neg(half)

		if v.Cmp(half) >= 0 || v.Cmp(negHalf) < 0 {
			return nil, errOutOfRange("%s does not fit %d-bit signed", x, 8*width)
		}

		if v.Sign() < 0 {
			v.Add(v, limit)
		}
	} else if v.Sign() < 0 || v.Cmp(limit) >= 0 {
		return nil, errOutOfRange("%s does not fit %d-bit unsigned", x, 8*width)
	}

	be := v.Bytes()

	buf := make([]byte, width)
	for i, b := range be {
		buf[len(be)-1-i] = b
	}

	return buf, nil
}

// uuidToWire converts an RFC 4122 UUID into ClickHouse's two little-endian
// 8-byte halves, high half first.
func uuidToWire(u uuid.UUID) []byte {
	buf := make([]byte, 16)

	for i := range 8 {
		buf[i] = u[7-i]
		buf[8+i] = u[15-i]
	}

	return buf
}

func isNilValue(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map:
		return rv.IsNil()
	default:
		return false
	}
}

func asJSONObject(v any) (JSONObject, error) {
	switch x := v.(type) {
	case JSONObject:
		return x, nil
	case map[string]any:
		return JSONObject(x), nil
	default:
		return nil, errUnsupported("%T as JSON", v)
	}
}

// splitJSONPaths partitions object paths into declared typed paths and
// dynamic ones, each sorted for a deterministic wire form.
func splitJSONPaths(obj JSONObject, typed map[string]*chtype.Node) (typedPaths, dynamicPaths []string) {
	for path := range obj {
		if _, ok := typed[path]; ok {
			typedPaths = append(typedPaths, path)
		} else {
			dynamicPaths = append(dynamicPaths, path)
		}
	}

	sortStrings(typedPaths)
	sortStrings(dynamicPaths)

	return typedPaths, dynamicPaths
}

func jsonDynamicString(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", errUnsupported("%T as dynamic JSON path value", v)
	}

	return string(b), nil
}

func rescaleTicks(ticks int64, from, to int) int64 {
	for from < to {
		ticks *= 10
		from++
	}

	for from > to {
		ticks /= 10
		from--
	}

	return ticks
}
