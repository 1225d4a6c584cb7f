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
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/netip"
	"unicode/utf8"

	"github.com/google/uuid"
	"vimagination.zapto.org/byteio"

	"github.com/wtsi-hgi/go-clickhouse/chtype"
)

const (
	maxVarintBytes = 10

	nullMarker    = 1
	presentMarker = 0

	variantNullDiscriminator = 255
)

var (
	errBadVarint     = errors.New("rowbinary: malformed varint length")
	errBadUTF8       = errors.New("rowbinary: string is not valid UTF-8")
	errBadNullMarker = errors.New("rowbinary: invalid nullable marker")
)

// Decoder reads host values for given column types from a RowBinary stream.
type Decoder struct {
	r    *byteio.StickyLittleEndianReader
	opts Options
}

// NewDecoder wraps r for decoding. The reader is consumed strictly forward;
// the decoder never over-reads beyond the values it is asked for.
func NewDecoder(r io.Reader, opts Options) *Decoder {
	return &Decoder{r: &byteio.StickyLittleEndianReader{Reader: r}, opts: opts}
}

// BytesRead returns the number of bytes consumed so far.
func (d *Decoder) BytesRead() int64 {
	return d.r.Count
}

// Err returns the sticky stream error, if any.
func (d *Decoder) Err() error {
	return d.r.Err
}

// Uvarint reads one LEB128-encoded unsigned length.
func (d *Decoder) Uvarint() (uint64, error) {
	var (
		v     uint64
		shift uint
	)

	for i := 0; i < maxVarintBytes; i++ {
		b := d.r.ReadUint8()
		if d.r.Err != nil {
			return 0, d.r.Err
		}

		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}

		shift += 7
	}

	return 0, errBadVarint
}

// String reads one length-prefixed string.
func (d *Decoder) String() (string, error) {
	b, err := d.bytes()
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func (d *Decoder) bytes() ([]byte, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}

	return d.take(n)
}

// take reads exactly n bytes, growing the buffer in bounded chunks so a
// corrupt length cannot trigger a huge allocation up front.
func (d *Decoder) take(n uint64) ([]byte, error) {
	const chunk = 1 << 20

	buf := make([]byte, 0, min(n, chunk))

	for uint64(len(buf)) < n {
		grow := min(n-uint64(len(buf)), chunk)
		start := len(buf)
		buf = append(buf, make([]byte, grow)...)

		if err := d.readFull(buf[start:]); err != nil {
			return nil, err
		}
	}

	return buf, nil
}

func (d *Decoder) readFull(buf []byte) error {
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if d.r.Err == nil {
			d.r.Err = err
		}

		return err
	}

	return nil
}

// Value reads one value of the given column type. Any failure to consume the
// exact bytes the type implies is a stream error.
func (d *Decoder) Value(t *chtype.Node) (any, error) { //nolint:gocyclo,funlen
	switch t.Kind {
	case chtype.KindNothing:
		d.r.ReadUint8()

		return nil, d.r.Err
	case chtype.KindBool:
		b := d.r.ReadUint8()

		return b != 0, d.r.Err
	case chtype.KindInt8:
		v := d.r.ReadInt8()

		return v, d.r.Err
	case chtype.KindInt16:
		v := d.r.ReadInt16()

		return v, d.r.Err
	case chtype.KindInt32:
		v := d.r.ReadInt32()

		return v, d.r.Err
	case chtype.KindInt64:
		v := d.r.ReadInt64()

		return v, d.r.Err
	case chtype.KindUInt8:
		v := d.r.ReadUint8()

		return v, d.r.Err
	case chtype.KindUInt16:
		v := d.r.ReadUint16()

		return v, d.r.Err
	case chtype.KindUInt32:
		v := d.r.ReadUint32()

		return v, d.r.Err
	case chtype.KindUInt64:
		v := d.r.ReadUint64()

		return v, d.r.Err
	case chtype.KindInt128:
		return d.bigInt(16, true)
	case chtype.KindInt256:
		return d.bigInt(32, true)
	case chtype.KindUInt128:
		return d.bigInt(16, false)
	case chtype.KindUInt256:
		return d.bigInt(32, false)
	case chtype.KindFloat32:
		v := d.r.ReadFloat32()

		return v, d.r.Err
	case chtype.KindFloat64:
		v := d.r.ReadFloat64()

		return v, d.r.Err
	case chtype.KindDecimal32, chtype.KindDecimal64, chtype.KindDecimal128, chtype.KindDecimal256:
		return d.decimal(t)
	case chtype.KindString:
		return d.stringValue()
	case chtype.KindFixedString:
		buf := make([]byte, t.Length)
		if err := d.readFull(buf); err != nil {
			return nil, err
		}

		return buf, nil
	case chtype.KindUUID:
		return d.uuid()
	case chtype.KindIPv4:
		return d.ipv4()
	case chtype.KindIPv6:
		return d.ipv6()
	case chtype.KindDate:
		days := d.r.ReadUint16()

		return Date{Days: int32(days)}, d.r.Err
	case chtype.KindDate32:
		days := d.r.ReadInt32()

		return Date{Days: days}, d.r.Err
	case chtype.KindDateTime:
		sec := d.r.ReadUint32()

		return DateTime{Sec: int64(sec), Zone: t.Timezone}, d.r.Err
	case chtype.KindDateTime64:
		ticks := d.r.ReadInt64()

		return DateTime64{Ticks: ticks, Precision: t.Precision, Zone: t.Timezone}, d.r.Err
	case chtype.KindTime:
		sec := d.r.ReadInt32()

		return Time{Sec: sec}, d.r.Err
	case chtype.KindTime64:
		ticks := d.r.ReadInt64()

		return Time64{Ticks: ticks, Precision: t.Precision}, d.r.Err
	case chtype.KindEnum8:
		tag := d.r.ReadInt8()

		return d.enumName(t, int16(tag))
	case chtype.KindEnum16:
		tag := d.r.ReadInt16()

		return d.enumName(t, tag)
	case chtype.KindNullable:
		return d.nullable(t)
	case chtype.KindArray:
		return d.array(t.Args[0])
	case chtype.KindLowCardinality:
		// Row mode frames the value as a plain inner value.
		return d.Value(t.Args[0])
	case chtype.KindTuple:
		return d.tuple(t.Args)
	case chtype.KindNested:
		return d.nested(t)
	case chtype.KindMap:
		return d.mapValue(t)
	case chtype.KindVariant:
		return d.variant(t)
	case chtype.KindJSON:
		return d.json(t)
	case chtype.KindQBit:
		return d.qbit(t)
	default:
		return nil, errUnsupported("no decoder for %s", t.Kind.Name())
	}
}

func (d *Decoder) stringValue() (any, error) {
	b, err := d.bytes()
	if err != nil {
		return nil, err
	}

	if d.opts.StringsAsBytes {
		return b, nil
	}

	if !utf8.Valid(b) {
		return nil, errBadUTF8
	}

	return string(b), nil
}

func (d *Decoder) bigInt(width int, signed bool) (*big.Int, error) {
	buf := make([]byte, width)
	if err := d.readFull(buf); err != nil {
		return nil, err
	}

	return bigFromLE(buf, signed), nil
}

func (d *Decoder) decimal(t *chtype.Node) (any, error) {
	unscaled, err := d.bigInt(t.Kind.DecimalWidth(), true)
	if err != nil {
		return nil, err
	}

	raw := Decimal{Unscaled: unscaled, Scale: t.Scale}

	if d.opts.RawDecimals {
		return raw, nil
	}

	return raw.Decimal(), nil
}

func (d *Decoder) uuid() (uuid.UUID, error) {
	buf := make([]byte, 16)
	if err := d.readFull(buf); err != nil {
		return uuid.Nil, err
	}

	return uuidFromWire(buf), nil
}

func (d *Decoder) ipv4() (netip.Addr, error) {
	le := d.r.ReadUint32()
	if d.r.Err != nil {
		return netip.Addr{}, d.r.Err
	}

	return netip.AddrFrom4([4]byte{
		byte(le >> 24), byte(le >> 16), byte(le >> 8), byte(le),
	}), nil
}

func (d *Decoder) ipv6() (netip.Addr, error) {
	var buf [16]byte
	if err := d.readFull(buf[:]); err != nil {
		return netip.Addr{}, err
	}

	return netip.AddrFrom16(buf), nil
}

func (d *Decoder) enumName(t *chtype.Node, tag int16) (string, error) {
	if d.r.Err != nil {
		return "", d.r.Err
	}

	for _, p := range t.Enum {
		if p.Value == tag {
			return p.Name, nil
		}
	}

	return "", errOutOfRange("enum tag %d not declared in %s", tag, t)
}

func (d *Decoder) nullable(t *chtype.Node) (any, error) {
	marker := d.r.ReadUint8()
	if d.r.Err != nil {
		return nil, d.r.Err
	}

	switch marker {
	case nullMarker:
		return nil, nil //nolint:nilnil // nil is the decoded null value
	case presentMarker:
		return d.Value(t.Args[0])
	default:
		return nil, errBadNullMarker
	}
}

func (d *Decoder) array(elem *chtype.Node) ([]any, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, min(n, 1024))

	for range n {
		v, err := d.Value(elem)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}

func (d *Decoder) tuple(elems []*chtype.Node) ([]any, error) {
	out := make([]any, 0, len(elems))

	for _, t := range elems {
		v, err := d.Value(t)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}

// nested decodes the Nested column as an array of per-field tuples, the
// shape ClickHouse uses when flatten_nested is disabled.
func (d *Decoder) nested(t *chtype.Node) ([]any, error) {
	elems := make([]*chtype.Node, len(t.Fields))
	for i, f := range t.Fields {
		elems[i] = f.Type
	}

	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, min(n, 1024))

	for range n {
		row, err := d.tuple(elems)
		if err != nil {
			return nil, err
		}

		out = append(out, row)
	}

	return out, nil
}

func (d *Decoder) mapValue(t *chtype.Node) (Map, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}

	out := make(Map, 0, min(n, 1024))

	for range n {
		k, err := d.Value(t.Args[0])
		if err != nil {
			return nil, err
		}

		v, err := d.Value(t.Args[1])
		if err != nil {
			return nil, err
		}

		out = append(out, KV{Key: k, Value: v})
	}

	return out.dedupe(), nil
}

func (d *Decoder) variant(t *chtype.Node) (any, error) {
	disc := d.r.ReadUint8()
	if d.r.Err != nil {
		return nil, d.r.Err
	}

	if disc == variantNullDiscriminator {
		return nil, nil //nolint:nilnil // nil is the decoded null variant
	}

	if int(disc) >= len(t.Args) {
		return nil, errOutOfRange("variant discriminator %d exceeds %d types", disc, len(t.Args))
	}

	v, err := d.Value(t.Args[disc])
	if err != nil {
		return nil, err
	}

	return Variant{Index: disc, Value: v}, nil
}

// json decodes a JSON column: typed paths first (path, inline type string,
// value), then the shared-data section of dynamic paths with string values.
func (d *Decoder) json(t *chtype.Node) (any, error) {
	if d.opts.JSONAsString {
		return d.stringValue()
	}

	obj := make(JSONObject)

	typed, err := d.Uvarint()
	if err != nil {
		return nil, err
	}

	for range typed {
		path, err := d.String()
		if err != nil {
			return nil, err
		}

		typeStr, err := d.String()
		if err != nil {
			return nil, err
		}

		pathType, err := chtype.Parse(typeStr)
		if err != nil {
			return nil, fmt.Errorf("rowbinary: bad JSON path type %q: %w", typeStr, err)
		}

		v, err := d.Value(pathType)
		if err != nil {
			return nil, err
		}

		obj[path] = v
	}

	dynamic, err := d.Uvarint()
	if err != nil {
		return nil, err
	}

	for range dynamic {
		path, err := d.String()
		if err != nil {
			return nil, err
		}

		v, err := d.String()
		if err != nil {
			return nil, err
		}

		obj[path] = v
	}

	return obj, nil
}

// qbit decodes the transposed vector type as raw per-element bit groups.
func (d *Decoder) qbit(t *chtype.Node) ([][]byte, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, err
	}

	width := (t.Length + 7) / 8

	out := make([][]byte, 0, min(n, 1024))

	for range n {
		buf := make([]byte, width)
		if err := d.readFull(buf); err != nil {
			return nil, err
		}

		out = append(out, buf)
	}

	return out, nil
}

// bigFromLE interprets buf as a little-endian integer, two's complement when
// signed.
func bigFromLE(buf []byte, signed bool) *big.Int {
	be := make([]byte, len(buf))
	for i, b := range buf {
		be[len(buf)-1-i] = b
	}

	x := new(big.Int).SetBytes(be)

	if signed && len(be) > 0 && be[0]&0x80 != 0 {
		x.Sub(x, new(big.Int).Lsh(big.NewInt(1), uint(8*len(be))))
	}

	return x
}

// uuidFromWire converts ClickHouse's two little-endian 8-byte halves, high
// half first, into an RFC 4122 UUID.
func uuidFromWire(buf []byte) uuid.UUID {
	var u uuid.UUID

	for i := range 8 {
		u[i] = buf[7-i]
		u[8+i] = buf[15-i]
	}

	return u
}
