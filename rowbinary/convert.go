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
	"fmt"
	"math"
	"math/big"
	"net"
	"net/netip"
	"reflect"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Host value coercions used by the Encoder. Each returns a wrapped
// ErrUnsupportedType for host types it does not know, and a wrapped
// ErrValueOutOfRange when a known type cannot convert losslessly.

func asBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case uint8:
		return x != 0, nil
	default:
		return false, errUnsupported("%T as Bool", v)
	}
}

func asInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return asInt64(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, errOutOfRange("%d overflows int64", x)
		}

		return int64(x), nil
	default:
		return 0, errUnsupported("%T as integer", v)
	}
}

func asUint64(v any) (uint64, error) {
	switch x := v.(type) {
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case int, int8, int16, int32, int64:
		i, _ := asInt64(v)
		if i < 0 {
			return 0, errOutOfRange("%d is negative", i)
		}

		return uint64(i), nil
	case bool:
		if x {
			return 1, nil
		}

		return 0, nil
	default:
		return 0, errUnsupported("%T as unsigned integer", v)
	}
}

func asFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case int, int8, int16, int32, int64:
		i, _ := asInt64(v)

		return float64(i), nil
	case uint, uint8, uint16, uint32, uint64:
		u, _ := asUint64(v)

		return float64(u), nil
	default:
		return 0, errUnsupported("%T as float", v)
	}
}

func asBigInt(v any) (*big.Int, error) {
	switch x := v.(type) {
	case *big.Int:
		return x, nil
	case big.Int:
		return &x, nil
	case string:
		i, ok := new(big.Int).SetString(x, 10)
		if !ok {
			return nil, errOutOfRange("%q is not an integer", x)
		}

		return i, nil
	case int, int8, int16, int32, int64:
		i, _ := asInt64(v)

		return big.NewInt(i), nil
	case uint, uint8, uint16, uint32, uint64:
		u, _ := asUint64(v)

		return new(big.Int).SetUint64(u), nil
	default:
		return nil, errUnsupported("%T as big integer", v)
	}
}

func asAddr(v any) (netip.Addr, error) {
	switch x := v.(type) {
	case netip.Addr:
		return x, nil
	case net.IP:
		addr, ok := netip.AddrFromSlice(x)
		if !ok {
			return netip.Addr{}, errOutOfRange("%v is not an IP address", x)
		}

		return addr.Unmap(), nil
	case string:
		addr, err := netip.ParseAddr(x)
		if err != nil {
			return netip.Addr{}, errOutOfRange("%q is not an IP address", x)
		}

		return addr, nil
	default:
		return netip.Addr{}, errUnsupported("%T as IP address", v)
	}
}

func asDate(v any) (Date, error) {
	switch x := v.(type) {
	case Date:
		return x, nil
	case time.Time:
		return DateOf(x), nil
	default:
		return Date{}, errUnsupported("%T as Date", v)
	}
}

func asUnixSeconds(v any) (int64, error) {
	switch x := v.(type) {
	case DateTime:
		return x.Sec, nil
	case time.Time:
		return x.Unix(), nil
	case int, int32, int64, uint32, uint64:
		return asInt64(v)
	default:
		return 0, errUnsupported("%T as DateTime", v)
	}
}

func asTicks(v any, precision int) (int64, error) {
	switch x := v.(type) {
	case DateTime64:
		return rescaleTicks(x.Ticks, x.Precision, precision), nil
	case DateTime:
		return x.Sec * pow10(precision), nil
	case time.Time:
		return x.Unix()*pow10(precision) + int64(x.Nanosecond())/pow10(9-precision), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	default:
		return 0, errUnsupported("%T as DateTime64", v)
	}
}

// AsSlice flattens any slice or array into []any.
func AsSlice(v any) ([]any, error) {
	return asSlice(v)
}

// AsPairs flattens a Map or any Go map into deterministic key/value pairs.
func AsPairs(v any) (Map, error) {
	return asPairs(v)
}

// asSlice flattens any slice or array into []any.
func asSlice(v any) ([]any, error) {
	if items, ok := v.([]any); ok {
		return items, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, errUnsupported("%T as array", v)
	}

	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}

	return items, nil
}

// asPairs flattens a Map or any Go map into key/value pairs. Go map pairs
// are sorted by key string form so the wire bytes are deterministic.
func asPairs(v any) (Map, error) {
	if m, ok := v.(Map); ok {
		return m, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return nil, errUnsupported("%T as map", v)
	}

	pairs := make(Map, 0, rv.Len())

	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, KV{Key: iter.Key().Interface(), Value: iter.Value().Interface()})
	}

	slices.SortFunc(pairs, func(a, b KV) int {
		ka, kb := fmt.Sprint(a.Key), fmt.Sprint(b.Key)

		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		default:
			return 0
		}
	})

	return pairs, nil
}

// decimalUnscaled converts a host decimal form into the unscaled integer at
// the target scale, failing if non-zero digits would be truncated.
func decimalUnscaled(v any, scale int) (*big.Int, error) {
	var dec decimal.Decimal

	switch x := v.(type) {
	case decimal.Decimal:
		dec = x
	case Decimal:
		return rescaleUnscaled(x.Unscaled, x.Scale, scale)
	case string:
		parsed, err := decimal.NewFromString(x)
		if err != nil {
			return nil, errOutOfRange("%q is not a decimal", x)
		}

		dec = parsed
	case int, int8, int16, int32, int64:
		i, _ := asInt64(v)
		dec = decimal.NewFromInt(i)
	case float32, float64:
		f, _ := asFloat(v)
		dec = decimal.NewFromFloat(f)
	default:
		return nil, errUnsupported("%T as Decimal", v)
	}

	return rescaleUnscaled(dec.Coefficient(), -int(dec.Exponent()), scale)
}

// rescaleUnscaled moves an unscaled integer from one scale to another,
// failing when scaling down would drop non-zero digits.
func rescaleUnscaled(unscaled *big.Int, from, to int) (*big.Int, error) {
	if from == to {
		return unscaled, nil
	}

	if from < to {
		mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil)

		return new(big.Int).Mul(unscaled, mul), nil
	}

	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil)
	q, r := new(big.Int).QuoRem(unscaled, div, new(big.Int))

	if r.Sign() != 0 {
		return nil, errOutOfRange("scaling %s from %d to %d digits loses precision", unscaled, from, to)
	}

	return q, nil
}

func sortStrings(s []string) {
	slices.Sort(s)
}
