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
	"strconv"
	"strings"
	"time"

	"github.com/chwire/chwire-go/protocol"
)

var simpleTypes = map[string]Type{}

func init() {
	for t, name := range typeNames {
		switch t {
		case Decimal, FixedString, Enum8, Enum16, Array, Tuple, Map:
		default:
			simpleTypes[name] = t
		}
	}
	simpleTypes["Boolean"] = Bool
}

var decimalAliases = map[string]int{
	"Decimal32":  9,
	"Decimal64":  18,
	"Decimal128": 38,
	"Decimal256": 76,
}

// ParseType parses a server type name such as
// "Map(String, Array(Nullable(Int64)))" into a column descriptor.
// LowCardinality is transparent in RowBinary and is unwrapped.
func ParseType(s string) (*Column, error) {
	p := &typeParser{s: s}
	col, err := p.parseType()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, p.errorf("unexpected %q", p.s[p.pos:])
	}
	return col, nil
}

type typeParser struct {
	s   string
	pos int
}

func (p *typeParser) errorf(format string, args ...any) error {
	return protocol.Errorf(protocol.KindUnsupportedType, "type %q at %d: "+format, append([]any{p.s, p.pos}, args...)...)
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *typeParser) peek() byte {
	p.skipSpace()
	if p.pos < len(p.s) {
		return p.s[p.pos]
	}
	return 0
}

func (p *typeParser) expect(c byte) error {
	if p.peek() != c {
		return p.errorf("expected %q", c)
	}
	p.pos++
	return nil
}

func isIdent(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func (p *typeParser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) && isIdent(p.s[p.pos]) {
		p.pos++
	}
	return p.s[start:p.pos]
}

func (p *typeParser) number() (int, error) {
	p.skipSpace()
	start := p.pos
	if p.pos < len(p.s) && p.s[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
		p.pos++
	}
	n, err := strconv.Atoi(p.s[start:p.pos])
	if err != nil {
		return 0, p.errorf("expected a number")
	}
	return n, nil
}

func (p *typeParser) quoted() (string, error) {
	if err := p.expect('\''); err != nil {
		return "", err
	}
	var b strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		p.pos++
		switch c {
		case '\\':
			if p.pos < len(p.s) {
				b.WriteByte(p.s[p.pos])
				p.pos++
			}
		case '\'':
			return b.String(), nil
		default:
			b.WriteByte(c)
		}
	}
	return "", p.errorf("unterminated string")
}

func (p *typeParser) location() (*time.Location, error) {
	name, err := p.quoted()
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidValue, err, "timezone "+name)
	}
	return loc, nil
}

func (p *typeParser) parseType() (*Column, error) {
	name := p.ident()
	if name == "" {
		return nil, p.errorf("expected a type name")
	}

	if p.peek() != '(' {
		if t, ok := simpleTypes[name]; ok {
			return newColumn(t), nil
		}
		return nil, p.errorf("unsupported type %s", name)
	}
	p.pos++

	var col *Column
	var err error
	switch name {
	case "Nullable":
		if col, err = p.parseType(); err == nil {
			col = Nullable(col)
		}
	case "LowCardinality":
		col, err = p.parseType()
	case "Array":
		var elem *Column
		if elem, err = p.parseType(); err == nil {
			col = NewArray(elem)
		}
	case "Map":
		col, err = p.parseMap()
	case "Tuple":
		col, err = p.parseTuple()
	case "Decimal":
		col, err = p.parseDecimal()
	case "Decimal32", "Decimal64", "Decimal128", "Decimal256":
		var scale int
		if scale, err = p.number(); err == nil {
			col = NewDecimal(decimalAliases[name], scale)
		}
	case "FixedString":
		var n int
		if n, err = p.number(); err == nil {
			if n < 0 {
				err = protocol.Errorf(protocol.KindInvalidValue, "type %q: negative FixedString length %d", p.s, n)
			} else {
				col = NewFixedString(n)
			}
		}
	case "DateTime":
		var loc *time.Location
		if loc, err = p.location(); err == nil {
			col = NewDateTime(loc)
		}
	case "DateTime64":
		col, err = p.parseDateTime64()
	case "Enum8", "Enum16":
		col, err = p.parseEnum(name)
	default:
		return nil, p.errorf("unsupported type %s", name)
	}
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return col, nil
}

func (p *typeParser) parseMap() (*Column, error) {
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
	return NewMap(key, value), nil
}

// parseTuple reads elements of the form "T" or "name T".
func (p *typeParser) parseTuple() (*Column, error) {
	var fields []*Column
	for {
		save := p.pos
		name := p.ident()
		p.skipSpace()
		var field *Column
		var err error
		if name != "" && p.pos < len(p.s) && isIdent(p.s[p.pos]) {
			if field, err = p.parseType(); err == nil {
				field = Named(name, field)
			}
		} else {
			p.pos = save
			field, err = p.parseType()
		}
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
		if p.peek() != ',' {
			return NewTuple(fields...), nil
		}
		p.pos++
	}
}

func (p *typeParser) parseDecimal() (*Column, error) {
	precision, err := p.number()
	if err != nil {
		return nil, err
	}
	scale := 0
	if p.peek() == ',' {
		p.pos++
		if scale, err = p.number(); err != nil {
			return nil, err
		}
	}
	return NewDecimal(precision, scale), nil
}

func (p *typeParser) parseDateTime64() (*Column, error) {
	scale, err := p.number()
	if err != nil {
		return nil, err
	}
	var loc *time.Location
	if p.peek() == ',' {
		p.pos++
		if loc, err = p.location(); err != nil {
			return nil, err
		}
	}
	return NewDateTime64(scale, loc), nil
}

func (p *typeParser) parseEnum(name string) (*Column, error) {
	var values []EnumValue
	for {
		n, err := p.quoted()
		if err != nil {
			return nil, err
		}
		if err := p.expect('='); err != nil {
			return nil, err
		}
		v, err := p.number()
		if err != nil {
			return nil, err
		}
		values = append(values, EnumValue{Name: n, Value: int16(v)})
		if p.peek() != ',' {
			break
		}
		p.pos++
	}
	enum, err := NewEnumValues(values...)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidValue, err, name)
	}
	if name == "Enum8" {
		return NewEnum8(enum), nil
	}
	return NewEnum16(enum), nil
}

// DecodeHeader reads the column names and types that lead a
// RowBinaryWithNamesAndTypes stream.
func (d *Decoder) DecodeHeader() ([]*Column, error) {
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	str := NewString()
	names := make([]string, n)
	for i := range names {
		v, err := d.decode(str)
		if err != nil {
			return nil, eofInside(err)
		}
		names[i] = v.(string)
	}
	cols := make([]*Column, n)
	for i := range cols {
		v, err := d.decode(str)
		if err != nil {
			return nil, eofInside(err)
		}
		col, err := ParseType(v.(string))
		if err != nil {
			return nil, err
		}
		cols[i] = Named(names[i], col)
	}
	return cols, nil
}
