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
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wtsi-hgi/go-clickhouse/rowbinary"
)

// scanValue copies a decoded value into a typed destination pointer.
// Widening conversions that would overflow fail rather than truncate.
func scanValue(dest, v any) error { //nolint:gocyclo
	switch d := dest.(type) {
	case *any:
		*d = v

		return nil
	case *string:
		return scanString(d, v)
	case *[]byte:
		return scanBytes(d, v)
	case *bool:
		b, ok := v.(bool)
		if !ok {
			return scanTypeError(dest, v)
		}

		*d = b

		return nil
	case *int8, *int16, *int32, *int64, *int:
		return scanSigned(dest, v)
	case *uint8, *uint16, *uint32, *uint64, *uint:
		return scanUnsigned(dest, v)
	case *float32:
		f, ok := toFloat(v)
		if !ok {
			return scanTypeError(dest, v)
		}

		*d = float32(f)

		return nil
	case *float64:
		f, ok := toFloat(v)
		if !ok {
			return scanTypeError(dest, v)
		}

		*d = f

		return nil
	case *time.Time:
		return scanTime(d, v)
	case *uuid.UUID:
		u, ok := v.(uuid.UUID)
		if !ok {
			return scanTypeError(dest, v)
		}

		*d = u

		return nil
	case *netip.Addr:
		a, ok := v.(netip.Addr)
		if !ok {
			return scanTypeError(dest, v)
		}

		*d = a

		return nil
	case *decimal.Decimal:
		return scanDecimal(d, v)
	case **big.Int:
		b, ok := v.(*big.Int)
		if !ok {
			return scanTypeError(dest, v)
		}

		*d = b

		return nil
	case *[]any:
		s, ok := v.([]any)
		if !ok {
			return scanTypeError(dest, v)
		}

		*d = s

		return nil
	case *rowbinary.Map:
		m, ok := v.(rowbinary.Map)
		if !ok {
			return scanTypeError(dest, v)
		}

		*d = m

		return nil
	default:
		return scanTypeError(dest, v)
	}
}

func scanTypeError(dest, v any) error {
	return invalidStatef("cannot scan %T into %T", v, dest)
}

func scanString(d *string, v any) error {
	switch x := v.(type) {
	case string:
		*d = x
	case []byte:
		*d = string(x)
	case fmt.Stringer:
		*d = x.String()
	default:
		return scanTypeError(d, v)
	}

	return nil
}

func scanBytes(d *[]byte, v any) error {
	switch x := v.(type) {
	case []byte:
		*d = x
	case string:
		*d = []byte(x)
	default:
		return scanTypeError(d, v)
	}

	return nil
}

// toInt64 widens any decoded integer, reporting overflow.
func toInt64(v any) (int64, bool, error) {
	switch x := v.(type) {
	case int8:
		return int64(x), true, nil
	case int16:
		return int64(x), true, nil
	case int32:
		return int64(x), true, nil
	case int64:
		return x, true, nil
	case uint8:
		return int64(x), true, nil
	case uint16:
		return int64(x), true, nil
	case uint32:
		return int64(x), true, nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, true, fmt.Errorf("%w: %d overflows int64", ErrValueOutOfRange, x)
		}

		return int64(x), true, nil
	case *big.Int:
		if !x.IsInt64() {
			return 0, true, fmt.Errorf("%w: %s overflows int64", ErrValueOutOfRange, x)
		}

		return x.Int64(), true, nil
	default:
		return 0, false, nil
	}
}

func scanSigned(dest, v any) error {
	i, ok, err := toInt64(v)
	if err != nil {
		return err
	}

	if !ok {
		return scanTypeError(dest, v)
	}

	switch d := dest.(type) {
	case *int8:
		if i < math.MinInt8 || i > math.MaxInt8 {
			return fmt.Errorf("%w: %d overflows int8", ErrValueOutOfRange, i)
		}

		*d = int8(i)
	case *int16:
		if i < math.MinInt16 || i > math.MaxInt16 {
			return fmt.Errorf("%w: %d overflows int16", ErrValueOutOfRange, i)
		}

		*d = int16(i)
	case *int32:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return fmt.Errorf("%w: %d overflows int32", ErrValueOutOfRange, i)
		}

		*d = int32(i)
	case *int64:
		*d = i
	case *int:
		*d = int(i)
	}

	return nil
}

func scanUnsigned(dest, v any) error { //nolint:gocyclo
	var u uint64

	switch x := v.(type) {
	case uint8:
		u = uint64(x)
	case uint16:
		u = uint64(x)
	case uint32:
		u = uint64(x)
	case uint64:
		u = x
	case int8, int16, int32, int64:
		i, _, err := toInt64(v)
		if err != nil {
			return err
		}

		if i < 0 {
			return fmt.Errorf("%w: %d is negative", ErrValueOutOfRange, i)
		}

		u = uint64(i)
	case *big.Int:
		if !x.IsUint64() {
			return fmt.Errorf("%w: %s overflows uint64", ErrValueOutOfRange, x)
		}

		u = x.Uint64()
	default:
		return scanTypeError(dest, v)
	}

	switch d := dest.(type) {
	case *uint8:
		if u > math.MaxUint8 {
			return fmt.Errorf("%w: %d overflows uint8", ErrValueOutOfRange, u)
		}

		*d = uint8(u)
	case *uint16:
		if u > math.MaxUint16 {
			return fmt.Errorf("%w: %d overflows uint16", ErrValueOutOfRange, u)
		}

		*d = uint16(u)
	case *uint32:
		if u > math.MaxUint32 {
			return fmt.Errorf("%w: %d overflows uint32", ErrValueOutOfRange, u)
		}

		*d = uint32(u)
	case *uint64:
		*d = u
	case *uint:
		*d = uint(u)
	}

	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		i, ok, err := toInt64(v)
		if err != nil || !ok {
			return 0, false
		}

		return float64(i), true
	}
}

func scanTime(d *time.Time, v any) error {
	switch x := v.(type) {
	case rowbinary.Date:
		*d = x.Time()
	case rowbinary.DateTime:
		*d = x.Time()
	case rowbinary.DateTime64:
		*d = x.Time()
	case time.Time:
		*d = x
	default:
		return scanTypeError(d, v)
	}

	return nil
}

func scanDecimal(d *decimal.Decimal, v any) error {
	switch x := v.(type) {
	case decimal.Decimal:
		*d = x
	case rowbinary.Decimal:
		*d = x.Decimal()
	default:
		return scanTypeError(d, v)
	}

	return nil
}
