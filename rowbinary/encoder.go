/*
 * Copyright 2026 The chwire Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rowbinary

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"

	"github.com/chwire/chwire-go/protocol"
)

// KV is one Map entry. A []KV keeps the entry order on the wire.
type KV struct {
	Key   any
	Value any
}

// Encoder writes values in RowBinary format.
//
// An Encoder belongs to a single request and is not safe for concurrent use.
type Encoder struct {
	w   io.Writer
	buf []byte
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Serialize writes v encoded against col to w.
func Serialize(w io.Writer, v any, col *Column) error {
	return NewEncoder(w).Encode(v, col)
}

// Encode writes v encoded against col. Nothing is written if v cannot be encoded.
func (e *Encoder) Encode(v any, col *Column) error {
	buf, err := Append(e.buf[:0], v, col)
	if err != nil {
		return err
	}
	e.buf = buf
	_, err = e.w.Write(buf)
	return err
}

// EncodeRow writes one row, row[i] encoded against cols[i].
func (e *Encoder) EncodeRow(row []any, cols []*Column) error {
	if len(row) != len(cols) {
		return protocol.Errorf(protocol.KindInvalidValue, "row has %d values for %d columns", len(row), len(cols))
	}

	buf := e.buf[:0]
	for i, col := range cols {
		var err error
		buf, err = Append(buf, row[i], col)
		if err != nil {
			if col.Name != "" {
				return fmt.Errorf("column %s: %w", col.Name, err)
			}
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	e.buf = buf
	_, err := e.w.Write(buf)
	return err
}

// Append appends the encoding of v against col to dst.
func Append(dst []byte, v any, col *Column) ([]byte, error) {
	v = indirect(v)
	if col.Nullable {
		if v == nil {
			return append(dst, 1), nil
		}
		dst = append(dst, 0)
	}
	return appendValue(dst, v, col)
}

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// indirect follows pointers so callers can pass *T for nullable values.
func indirect(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer && rv.Type() != bigIntType {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil
	}
	return rv.Interface()
}

func invalid(v any, col *Column) error {
	return protocol.Errorf(protocol.KindInvalidValue, "cannot encode %T as %s", v, col)
}

func appendValue(dst []byte, v any, col *Column) ([]byte, error) {
	switch col.Type {
	case Int8, Int16, Int32, Int64:
		x, ok := toInt64(v)
		if !ok || !fitsSigned(x, intBits[col.Type]) {
			return dst, invalid(v, col)
		}
		return appendFixed(dst, uint64(x), intBits[col.Type]), nil

	case UInt8, UInt16, UInt32, UInt64:
		x, ok := toUint64(v)
		if !ok || (intBits[col.Type] < 64 && x >= 1<<intBits[col.Type]) {
			return dst, invalid(v, col)
		}
		return appendFixed(dst, x, intBits[col.Type]), nil

	case Int128, Int256, UInt128, UInt256:
		x, ok := toBigInt(v)
		if !ok {
			return dst, invalid(v, col)
		}
		signed := col.Type == Int128 || col.Type == Int256
		return appendBigInt(dst, x, intBits[col.Type]/8, signed, v, col)

	case Float32:
		f, ok := toFloat64(v)
		if !ok {
			return dst, invalid(v, col)
		}
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(f))), nil

	case Float64:
		f, ok := toFloat64(v)
		if !ok {
			return dst, invalid(v, col)
		}
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(f)), nil

	case Decimal:
		return appendDecimal(dst, v, col)

	case Bool:
		b, ok := v.(bool)
		if !ok {
			rv := reflect.ValueOf(v)
			if !rv.IsValid() || rv.Kind() != reflect.Bool {
				return dst, invalid(v, col)
			}
			b = rv.Bool()
		}
		if b {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil

	case String:
		s, ok := toBytes(v)
		if !ok {
			return dst, invalid(v, col)
		}
		dst = binary.AppendUvarint(dst, uint64(len(s)))
		return append(dst, s...), nil

	case FixedString:
		s, ok := toBytes(v)
		if !ok {
			return dst, invalid(v, col)
		}
		if len(s) != col.Precision {
			return dst, protocol.Errorf(protocol.KindInvalidValue, "%d bytes for %s", len(s), col)
		}
		return append(dst, s...), nil

	case Date, Date32:
		return appendDate(dst, v, col)

	case DateTime:
		t, ok := toTime(v, col)
		if !ok {
			if n, isInt := toInt64(v); isInt && n >= 0 && n <= math.MaxUint32 {
				return binary.LittleEndian.AppendUint32(dst, uint32(n)), nil
			}
			return dst, invalid(v, col)
		}
		sec := t.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return dst, protocol.Errorf(protocol.KindInvalidValue, "%s out of range for %s", t, col)
		}
		return binary.LittleEndian.AppendUint32(dst, uint32(sec)), nil

	case DateTime64:
		if col.Scale < 0 || col.Scale > 9 {
			return dst, protocol.Errorf(protocol.KindInvalidValue, "scale %d out of range for DateTime64", col.Scale)
		}
		t, ok := toTime(v, col)
		if !ok {
			if n, isInt := toInt64(v); isInt {
				return binary.LittleEndian.AppendUint64(dst, uint64(n)), nil
			}
			return dst, invalid(v, col)
		}
		ticks := t.Unix()*pow10[col.Scale] + int64(t.Nanosecond())/pow10[9-col.Scale]
		return binary.LittleEndian.AppendUint64(dst, uint64(ticks)), nil

	case UUID:
		u, ok := toUUID(v)
		if !ok {
			return dst, invalid(v, col)
		}
		// each 8-byte half is a little-endian uint64, most significant half first
		for i := 7; i >= 0; i-- {
			dst = append(dst, u[i])
		}
		for i := 15; i >= 8; i-- {
			dst = append(dst, u[i])
		}
		return dst, nil

	case Enum8, Enum16:
		return appendEnum(dst, v, col)

	case IPv4:
		addr, ok := toAddr(v)
		if !ok {
			return dst, invalid(v, col)
		}
		addr = addr.Unmap()
		if !addr.Is4() {
			return dst, invalid(v, col)
		}
		b := addr.As4()
		return append(dst, b[3], b[2], b[1], b[0]), nil

	case IPv6:
		addr, ok := toAddr(v)
		if !ok {
			return dst, invalid(v, col)
		}
		b := addr.As16()
		return append(dst, b[:]...), nil

	case Array:
		return appendArray(dst, v, col)

	case Tuple:
		return appendTuple(dst, v, col)

	case Map:
		return appendMap(dst, v, col)

	default:
		return dst, protocol.Errorf(protocol.KindUnsupportedType, "%s", col.Type)
	}
}

var intBits = map[Type]int{
	Int8: 8, Int16: 16, Int32: 32, Int64: 64,
	UInt8: 8, UInt16: 16, UInt32: 32, UInt64: 64,
	Int128: 128, UInt128: 128, Int256: 256, UInt256: 256,
}

var pow10 = [...]int64{1, 10, 100, 1e3, 1e4, 1e5, 1e6, 1e7, 1e8, 1e9}

func fitsSigned(x int64, bits int) bool {
	if bits >= 64 {
		return true
	}
	limit := int64(1) << (bits - 1)
	return x >= -limit && x < limit
}

func appendFixed(dst []byte, x uint64, bits int) []byte {
	switch bits {
	case 8:
		return append(dst, byte(x))
	case 16:
		return binary.LittleEndian.AppendUint16(dst, uint16(x))
	case 32:
		return binary.LittleEndian.AppendUint32(dst, uint32(x))
	default:
		return binary.LittleEndian.AppendUint64(dst, x)
	}
}

// appendBigInt appends x as a size-byte little-endian two's complement integer.
func appendBigInt(dst []byte, x *big.Int, size int, signed bool, v any, col *Column) ([]byte, error) {
	bits := uint(size * 8)
	lo, hi := new(big.Int), new(big.Int).Lsh(big.NewInt(1), bits)
	if signed {
		hi.Rsh(hi, 1)
		lo.Neg(hi)
	}
	if x.Cmp(lo) < 0 || x.Cmp(hi) >= 0 {
		return dst, protocol.Errorf(protocol.KindInvalidValue, "%v out of range for %s", v, col)
	}

	u := x
	if x.Sign() < 0 {
		u = new(big.Int).Lsh(big.NewInt(1), bits)
		u.Add(u, x)
	}
	var be [32]byte
	u.FillBytes(be[:size])
	for i := size - 1; i >= 0; i-- {
		dst = append(dst, be[i])
	}
	return dst, nil
}

// decimalSize returns the byte width of the integer backing a decimal.
func decimalSize(precision int) (int, bool) {
	switch {
	case precision < 1 || precision > 76:
		return 0, false
	case precision <= 9:
		return 4, true
	case precision <= 18:
		return 8, true
	case precision <= 38:
		return 16, true
	default:
		return 32, true
	}
}

func appendDecimal(dst []byte, v any, col *Column) ([]byte, error) {
	size, ok := decimalSize(col.Precision)
	if !ok {
		return dst, protocol.Errorf(protocol.KindInvalidValue, "precision %d out of range for Decimal", col.Precision)
	}
	d, ok := toDecimal(v)
	if !ok {
		return dst, invalid(v, col)
	}

	scale := int32(col.Scale)
	unscaled := d.Round(scale).Shift(scale).BigInt()
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(col.Precision)), nil)
	if new(big.Int).Abs(unscaled).Cmp(limit) >= 0 {
		return dst, protocol.Errorf(protocol.KindInvalidValue, "%s exceeds %s", d, col)
	}
	return appendBigInt(dst, unscaled, size, true, v, col)
}

// Date32 covers 1900-01-01 to 2299-12-31.
const (
	minDate32 = -25567
	maxDate32 = 120529
)

func appendDate(dst []byte, v any, col *Column) ([]byte, error) {
	days, ok := toDays(v, col)
	if !ok {
		return dst, invalid(v, col)
	}
	if col.Type == Date {
		if days < 0 || days > math.MaxUint16 {
			return dst, protocol.Errorf(protocol.KindInvalidValue, "day %d out of range for Date", days)
		}
		return binary.LittleEndian.AppendUint16(dst, uint16(days)), nil
	}
	if days < minDate32 || days > maxDate32 {
		return dst, protocol.Errorf(protocol.KindInvalidValue, "day %d out of range for Date32", days)
	}
	return binary.LittleEndian.AppendUint32(dst, uint32(int32(days))), nil
}

func appendEnum(dst []byte, v any, col *Column) ([]byte, error) {
	if col.Enum == nil {
		return dst, protocol.Errorf(protocol.KindInvalidValue, "%s has no values", col.Type)
	}

	var ordinal int16
	if s, ok := toString(v); ok {
		if ordinal, ok = col.Enum.Value(s); !ok {
			return dst, protocol.Errorf(protocol.KindInvalidValue, "unknown name %q for %s", s, col)
		}
	} else if n, ok := toInt64(v); ok && fitsSigned(n, 16) {
		ordinal = int16(n)
		if _, known := col.Enum.Name(ordinal); !known {
			return dst, protocol.Errorf(protocol.KindInvalidValue, "unknown ordinal %d for %s", n, col)
		}
	} else {
		return dst, invalid(v, col)
	}

	if col.Type == Enum8 {
		if !fitsSigned(int64(ordinal), 8) {
			return dst, protocol.Errorf(protocol.KindInvalidValue, "ordinal %d out of range for Enum8", ordinal)
		}
		return append(dst, byte(int8(ordinal))), nil
	}
	return binary.LittleEndian.AppendUint16(dst, uint16(ordinal)), nil
}

func appendArray(dst []byte, v any, col *Column) ([]byte, error) {
	if v == nil {
		return binary.AppendUvarint(dst, 0), nil
	}
	if elems, ok := v.([]any); ok {
		dst = binary.AppendUvarint(dst, uint64(len(elems)))
		for _, elem := range elems {
			var err error
			if dst, err = Append(dst, elem, col.Elem); err != nil {
				return dst, err
			}
		}
		return dst, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return dst, invalid(v, col)
	}
	dst = binary.AppendUvarint(dst, uint64(rv.Len()))
	for i := 0; i < rv.Len(); i++ {
		var err error
		if dst, err = Append(dst, rv.Index(i).Interface(), col.Elem); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// appendTuple writes the elements back to back. The arity is fixed by the
// column, so no count precedes them.
func appendTuple(dst []byte, v any, col *Column) ([]byte, error) {
	var elems []any
	switch t := v.(type) {
	case []any:
		elems = t
	default:
		rv := reflect.ValueOf(v)
		if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
			return dst, invalid(v, col)
		}
		elems = make([]any, rv.Len())
		for i := range elems {
			elems[i] = rv.Index(i).Interface()
		}
	}
	if len(elems) != len(col.Fields) {
		return dst, protocol.Errorf(protocol.KindInvalidValue, "%d elements for %s", len(elems), col)
	}

	for i, elem := range elems {
		var err error
		if dst, err = Append(dst, elem, col.Fields[i]); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

func appendMap(dst []byte, v any, col *Column) ([]byte, error) {
	if v == nil {
		return binary.AppendUvarint(dst, 0), nil
	}

	var err error
	if entries, ok := v.([]KV); ok {
		dst = binary.AppendUvarint(dst, uint64(len(entries)))
		for _, kv := range entries {
			if dst, err = Append(dst, kv.Key, col.Key); err != nil {
				return dst, err
			}
			if dst, err = Append(dst, kv.Value, col.Value); err != nil {
				return dst, err
			}
		}
		return dst, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return dst, invalid(v, col)
	}
	dst = binary.AppendUvarint(dst, uint64(rv.Len()))
	iter := rv.MapRange()
	for iter.Next() {
		if dst, err = Append(dst, iter.Key().Interface(), col.Key); err != nil {
			return dst, err
		}
		if dst, err = Append(dst, iter.Value().Interface(), col.Value); err != nil {
			return dst, err
		}
	}
	return dst, nil
}
