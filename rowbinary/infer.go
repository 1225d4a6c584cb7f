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
	"math/big"
	"net"
	"net/netip"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wtsi-hgi/go-clickhouse/chtype"
)

// Infer maps a host value to the ClickHouse type it would naturally encode
// as. It is the lowest-priority source of parameter and insert column types;
// callers with an explicit type or a SQL hint should prefer those.
func Infer(v any) (*chtype.Node, error) { //nolint:gocyclo
	switch x := v.(type) {
	case nil:
		return &chtype.Node{Kind: chtype.KindNullable,
			Args: []*chtype.Node{{Kind: chtype.KindNothing}}}, nil
	case bool:
		return &chtype.Node{Kind: chtype.KindBool}, nil
	case int8:
		return &chtype.Node{Kind: chtype.KindInt8}, nil
	case int16:
		return &chtype.Node{Kind: chtype.KindInt16}, nil
	case int32:
		return &chtype.Node{Kind: chtype.KindInt32}, nil
	case int, int64:
		return &chtype.Node{Kind: chtype.KindInt64}, nil
	case uint8:
		return &chtype.Node{Kind: chtype.KindUInt8}, nil
	case uint16:
		return &chtype.Node{Kind: chtype.KindUInt16}, nil
	case uint32:
		return &chtype.Node{Kind: chtype.KindUInt32}, nil
	case uint, uint64:
		return &chtype.Node{Kind: chtype.KindUInt64}, nil
	case *big.Int, big.Int:
		return &chtype.Node{Kind: chtype.KindInt256}, nil
	case float32:
		return &chtype.Node{Kind: chtype.KindFloat32}, nil
	case float64:
		return &chtype.Node{Kind: chtype.KindFloat64}, nil
	case string, []byte:
		return &chtype.Node{Kind: chtype.KindString}, nil
	case uuid.UUID:
		return &chtype.Node{Kind: chtype.KindUUID}, nil
	case netip.Addr:
		if x.Unmap().Is4() {
			return &chtype.Node{Kind: chtype.KindIPv4}, nil
		}

		return &chtype.Node{Kind: chtype.KindIPv6}, nil
	case net.IP:
		addr, err := asAddr(x)
		if err != nil {
			return nil, err
		}

		return Infer(addr)
	case time.Time:
		return &chtype.Node{Kind: chtype.KindDateTime}, nil
	case Date:
		return &chtype.Node{Kind: chtype.KindDate32}, nil
	case DateTime:
		return &chtype.Node{Kind: chtype.KindDateTime, Timezone: x.Zone}, nil
	case DateTime64:
		return &chtype.Node{Kind: chtype.KindDateTime64, Precision: x.Precision, Timezone: x.Zone}, nil
	case Time:
		return &chtype.Node{Kind: chtype.KindTime}, nil
	case Time64:
		return &chtype.Node{Kind: chtype.KindTime64, Precision: x.Precision}, nil
	case decimal.Decimal:
		return inferDecimalNode(-int(x.Exponent()))
	case Decimal:
		return inferDecimalNode(x.Scale)
	case Map:
		return inferMap(x)
	case JSONObject:
		return &chtype.Node{Kind: chtype.KindJSON}, nil
	default:
		return inferReflect(v)
	}
}

func inferDecimalNode(scale int) (*chtype.Node, error) {
	if scale < 0 {
		scale = 0
	}

	const decimal128Precision = 38

	if scale > decimal128Precision {
		return nil, errOutOfRange("decimal scale %d too large to infer a type", scale)
	}

	return &chtype.Node{Kind: chtype.KindDecimal128, Precision: decimal128Precision, Scale: scale}, nil
}

func inferMap(m Map) (*chtype.Node, error) {
	key := &chtype.Node{Kind: chtype.KindString}
	value := &chtype.Node{Kind: chtype.KindString}

	if len(m) > 0 {
		var err error

		if key, err = Infer(m[0].Key); err != nil {
			return nil, err
		}

		if value, err = Infer(m[0].Value); err != nil {
			return nil, err
		}
	}

	return &chtype.Node{Kind: chtype.KindMap, Args: []*chtype.Node{key, value}}, nil
}

func inferReflect(v any) (*chtype.Node, error) {
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		elem := &chtype.Node{Kind: chtype.KindString}

		if rv.Len() > 0 {
			var err error

			if elem, err = Infer(rv.Index(0).Interface()); err != nil {
				return nil, err
			}
		}

		return &chtype.Node{Kind: chtype.KindArray, Args: []*chtype.Node{elem}}, nil
	case reflect.Map:
		pairs, err := asPairs(v)
		if err != nil {
			return nil, err
		}

		return inferMap(pairs)
	default:
		return nil, errUnsupported("cannot infer a ClickHouse type for %T", v)
	}
}
