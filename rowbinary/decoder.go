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
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"math/big"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chwire/chwire-go/protocol"
)

// maxLength bounds string and collection lengths read from the wire.
const maxLength = 1 << 30

// maxEagerRead is the largest value buffer allocated before reading it.
const maxEagerRead = 64 << 10

// Decoder reads RowBinary values.
//
// Decoded values use these Go types: int8..int64, uint8..uint64, *big.Int for
// 128 and 256-bit integers, float32, float64, decimal.Decimal, bool, string,
// []byte for FixedString, time.Time, uuid.UUID, the name string of an enum,
// netip.Addr, []any for Array and Tuple, []KV for Map and nil for NULL.
type Decoder struct {
	r       *bufio.Reader
	scratch [32]byte
	read    int64
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br}
}

// Decode reads one value of type col.
//
// It returns io.EOF only when the input ends before the first byte of the
// value, and io.ErrUnexpectedEOF when it ends inside it.
func (d *Decoder) Decode(col *Column) (any, error) {
	start := d.read
	v, err := d.decode(col)
	if err == io.EOF && d.read > start {
		err = io.ErrUnexpectedEOF
	}
	return v, err
}

// DecodeRow reads one value per column.
func (d *Decoder) DecodeRow(cols []*Column) ([]any, error) {
	start := d.read
	row := make([]any, len(cols))
	for i, col := range cols {
		v, err := d.decode(col)
		if err != nil {
			if err == io.EOF && d.read > start {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func (d *Decoder) next(n int) ([]byte, error) {
	switch {
	case n < 0:
		return nil, protocol.Errorf(protocol.KindInvalidValue, "negative length %d", n)
	case n > maxEagerRead:
		// A declared length is not trusted until the bytes arrive.
		var buf bytes.Buffer
		k, err := io.CopyN(&buf, d.r, int64(n))
		d.read += k
		if err == io.EOF && k > 0 {
			err = io.ErrUnexpectedEOF
		}
		return buf.Bytes(), err
	}
	var b []byte
	if n <= len(d.scratch) {
		b = d.scratch[:n]
	} else {
		b = make([]byte, n)
	}
	k, err := io.ReadFull(d.r, b)
	d.read += int64(k)
	return b, err
}

func (d *Decoder) uvarint() (uint64, error) {
	var x uint64
	var s uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF && i > 0 {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		d.read++
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, protocol.Errorf(protocol.KindInvalidValue, "varint overflows 64 bits")
}

func (d *Decoder) length() (int, error) {
	n, err := d.uvarint()
	if err != nil {
		return 0, err
	}
	if n > maxLength {
		return 0, protocol.Errorf(protocol.KindInvalidValue, "length %d exceeds %d", n, maxLength)
	}
	return int(n), nil
}

func (d *Decoder) decode(col *Column) (any, error) {
	if col.Nullable {
		b, err := d.next(1)
		if err != nil {
			return nil, err
		}
		if b[0] != 0 {
			return nil, nil
		}
	}
	return d.decodeValue(col)
}

func (d *Decoder) decodeValue(col *Column) (any, error) {
	le := binary.LittleEndian

	switch col.Type {
	case Int8, UInt8, Bool, Enum8:
		b, err := d.next(1)
		if err != nil {
			return nil, err
		}
		switch col.Type {
		case Int8:
			return int8(b[0]), nil
		case UInt8:
			return b[0], nil
		case Bool:
			return b[0] != 0, nil
		default:
			return d.enumName(int16(int8(b[0])), col)
		}

	case Int16, UInt16, Date, Enum16:
		b, err := d.next(2)
		if err != nil {
			return nil, err
		}
		x := le.Uint16(b)
		switch col.Type {
		case Int16:
			return int16(x), nil
		case UInt16:
			return x, nil
		case Date:
			return time.Unix(int64(x)*86400, 0).UTC(), nil
		default:
			return d.enumName(int16(x), col)
		}

	case Int32, UInt32, Float32, Date32, DateTime:
		b, err := d.next(4)
		if err != nil {
			return nil, err
		}
		x := le.Uint32(b)
		switch col.Type {
		case Int32:
			return int32(x), nil
		case UInt32:
			return x, nil
		case Float32:
			return math.Float32frombits(x), nil
		case Date32:
			return time.Unix(int64(int32(x))*86400, 0).UTC(), nil
		default:
			return time.Unix(int64(x), 0).In(location(col)), nil
		}

	case Int64, UInt64, Float64, DateTime64:
		b, err := d.next(8)
		if err != nil {
			return nil, err
		}
		x := le.Uint64(b)
		switch col.Type {
		case Int64:
			return int64(x), nil
		case UInt64:
			return x, nil
		case Float64:
			return math.Float64frombits(x), nil
		default:
			if col.Scale < 0 || col.Scale > 9 {
				return nil, protocol.Errorf(protocol.KindInvalidValue, "scale %d out of range for DateTime64", col.Scale)
			}
			ticks, unit := int64(x), pow10[col.Scale]
			sec, rem := ticks/unit, ticks%unit
			if rem < 0 {
				sec--
				rem += unit
			}
			return time.Unix(sec, rem*pow10[9-col.Scale]).In(location(col)), nil
		}

	case Int128, Int256, UInt128, UInt256:
		signed := col.Type == Int128 || col.Type == Int256
		return d.bigInt(intBits[col.Type]/8, signed)

	case Decimal:
		size, ok := decimalSize(col.Precision)
		if !ok {
			return nil, protocol.Errorf(protocol.KindInvalidValue, "precision %d out of range for Decimal", col.Precision)
		}
		unscaled, err := d.bigInt(size, true)
		if err != nil {
			return nil, err
		}
		return decimal.NewFromBigInt(unscaled, -int32(col.Scale)), nil

	case String:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		b, err := d.next(n)
		if err != nil {
			return nil, err
		}
		return string(b), nil

	case FixedString:
		b, err := d.next(col.Precision)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil

	case UUID:
		b, err := d.next(16)
		if err != nil {
			return nil, err
		}
		var u uuid.UUID
		for i := 0; i < 8; i++ {
			u[i] = b[7-i]
			u[8+i] = b[15-i]
		}
		return u, nil

	case IPv4:
		b, err := d.next(4)
		if err != nil {
			return nil, err
		}
		return netip.AddrFrom4([4]byte{b[3], b[2], b[1], b[0]}), nil

	case IPv6:
		b, err := d.next(16)
		if err != nil {
			return nil, err
		}
		return netip.AddrFrom16([16]byte(b)), nil

	case Array:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		elems := make([]any, 0, min(n, 1024))
		for i := 0; i < n; i++ {
			v, err := d.decode(col.Elem)
			if err != nil {
				return nil, eofInside(err)
			}
			elems = append(elems, v)
		}
		return elems, nil

	case Tuple:
		elems := make([]any, len(col.Fields))
		for i, f := range col.Fields {
			v, err := d.decode(f)
			if err != nil {
				if i > 0 {
					err = eofInside(err)
				}
				return nil, err
			}
			elems[i] = v
		}
		return elems, nil

	case Map:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		entries := make([]KV, 0, min(n, 1024))
		for i := 0; i < n; i++ {
			k, err := d.decode(col.Key)
			if err != nil {
				return nil, eofInside(err)
			}
			v, err := d.decode(col.Value)
			if err != nil {
				return nil, eofInside(err)
			}
			entries = append(entries, KV{Key: k, Value: v})
		}
		return entries, nil

	default:
		return nil, protocol.Errorf(protocol.KindUnsupportedType, "%s", col.Type)
	}
}

func eofInside(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (d *Decoder) enumName(ordinal int16, col *Column) (any, error) {
	if col.Enum == nil {
		return nil, protocol.Errorf(protocol.KindInvalidValue, "%s has no values", col.Type)
	}
	name, ok := col.Enum.Name(ordinal)
	if !ok {
		return nil, protocol.Errorf(protocol.KindInvalidValue, "unknown ordinal %d for %s", ordinal, col)
	}
	return name, nil
}

func (d *Decoder) bigInt(size int, signed bool) (*big.Int, error) {
	b, err := d.next(size)
	if err != nil {
		return nil, err
	}
	var be [32]byte
	for i := 0; i < size; i++ {
		be[size-1-i] = b[i]
	}
	x := new(big.Int).SetBytes(be[:size])
	if signed && be[0]&0x80 != 0 {
		x.Sub(x, new(big.Int).Lsh(big.NewInt(1), uint(size*8)))
	}
	return x, nil
}
