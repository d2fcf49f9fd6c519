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
	"fmt"
	"strings"
	"time"
)

// Type is the logical type tag of a column.
type Type int

const (
	Int8 Type = iota + 1
	Int16
	Int32
	Int64
	Int128
	Int256
	UInt8
	UInt16
	UInt32
	UInt64
	UInt128
	UInt256
	Float32
	Float64
	Decimal
	Bool
	String
	FixedString
	Date
	Date32
	DateTime
	DateTime64
	UUID
	Enum8
	Enum16
	IPv4
	IPv6
	Array
	Tuple
	Map
)

var typeNames = map[Type]string{
	Int8:        "Int8",
	Int16:       "Int16",
	Int32:       "Int32",
	Int64:       "Int64",
	Int128:      "Int128",
	Int256:      "Int256",
	UInt8:       "UInt8",
	UInt16:      "UInt16",
	UInt32:      "UInt32",
	UInt64:      "UInt64",
	UInt128:     "UInt128",
	UInt256:     "UInt256",
	Float32:     "Float32",
	Float64:     "Float64",
	Decimal:     "Decimal",
	Bool:        "Bool",
	String:      "String",
	FixedString: "FixedString",
	Date:        "Date",
	Date32:      "Date32",
	DateTime:    "DateTime",
	DateTime64:  "DateTime64",
	UUID:        "UUID",
	Enum8:       "Enum8",
	Enum16:      "Enum16",
	IPv4:        "IPv4",
	IPv6:        "IPv6",
	Array:       "Array",
	Tuple:       "Tuple",
	Map:         "Map",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Column describes the type of the values in one column.
//
// Columns are read-only once built and may be shared by any number of
// encoders and decoders.
type Column struct {
	// Name is the column name; inside a Tuple it names the element.
	Name string
	Type Type
	// Precision is the decimal precision, or the byte length of a FixedString.
	Precision int
	// Scale is the decimal scale, or the sub-second digits of a DateTime64.
	Scale int
	// Location is the timezone of DateTime and DateTime64 columns. Nil means UTC.
	Location *time.Location
	// Enum maps names to ordinals for Enum8 and Enum16 columns.
	Enum *EnumValues
	// Nullable prefixes each value with a null marker byte.
	Nullable bool

	// Elem is the element type of an Array.
	Elem *Column
	// Fields are the element types of a Tuple.
	Fields []*Column
	// Key and Value are the entry types of a Map.
	Key   *Column
	Value *Column
}

func newColumn(t Type) *Column {
	return &Column{Type: t}
}

func NewInt8() *Column    { return newColumn(Int8) }
func NewInt16() *Column   { return newColumn(Int16) }
func NewInt32() *Column   { return newColumn(Int32) }
func NewInt64() *Column   { return newColumn(Int64) }
func NewInt128() *Column  { return newColumn(Int128) }
func NewInt256() *Column  { return newColumn(Int256) }
func NewUInt8() *Column   { return newColumn(UInt8) }
func NewUInt16() *Column  { return newColumn(UInt16) }
func NewUInt32() *Column  { return newColumn(UInt32) }
func NewUInt64() *Column  { return newColumn(UInt64) }
func NewUInt128() *Column { return newColumn(UInt128) }
func NewUInt256() *Column { return newColumn(UInt256) }
func NewFloat32() *Column { return newColumn(Float32) }
func NewFloat64() *Column { return newColumn(Float64) }
func NewBool() *Column    { return newColumn(Bool) }
func NewString() *Column  { return newColumn(String) }
func NewDate() *Column    { return newColumn(Date) }
func NewDate32() *Column  { return newColumn(Date32) }
func NewUUID() *Column    { return newColumn(UUID) }
func NewIPv4() *Column    { return newColumn(IPv4) }
func NewIPv6() *Column    { return newColumn(IPv6) }

// NewDecimal creates a Decimal(precision, scale) column.
func NewDecimal(precision, scale int) *Column {
	return &Column{Type: Decimal, Precision: precision, Scale: scale}
}

// NewFixedString creates a FixedString(n) column.
func NewFixedString(n int) *Column {
	return &Column{Type: FixedString, Precision: n}
}

// NewDateTime creates a DateTime column in loc. A nil loc means UTC.
func NewDateTime(loc *time.Location) *Column {
	return &Column{Type: DateTime, Location: loc}
}

// NewDateTime64 creates a DateTime64(scale) column in loc. A nil loc means UTC.
func NewDateTime64(scale int, loc *time.Location) *Column {
	return &Column{Type: DateTime64, Scale: scale, Location: loc}
}

// NewEnum8 creates an Enum8 column over values.
func NewEnum8(values *EnumValues) *Column {
	return &Column{Type: Enum8, Enum: values}
}

// NewEnum16 creates an Enum16 column over values.
func NewEnum16(values *EnumValues) *Column {
	return &Column{Type: Enum16, Enum: values}
}

// NewArray creates an Array(elem) column.
func NewArray(elem *Column) *Column {
	return &Column{Type: Array, Elem: elem}
}

// NewTuple creates a Tuple column with the given element types.
func NewTuple(fields ...*Column) *Column {
	return &Column{Type: Tuple, Fields: fields}
}

// NewMap creates a Map(key, value) column.
func NewMap(key, value *Column) *Column {
	return &Column{Type: Map, Key: key, Value: value}
}

// Nullable returns a nullable copy of c.
func Nullable(c *Column) *Column {
	n := *c
	n.Nullable = true
	return &n
}

// Named returns a copy of c carrying name.
func Named(name string, c *Column) *Column {
	n := *c
	n.Name = name
	return &n
}

// String renders the server type name, e.g. "Array(Tuple(Int32, Int32))".
func (c *Column) String() string {
	s := c.typeString()
	if c.Nullable {
		return "Nullable(" + s + ")"
	}
	return s
}

func (c *Column) typeString() string {
	switch c.Type {
	case Decimal:
		return fmt.Sprintf("Decimal(%d, %d)", c.Precision, c.Scale)
	case FixedString:
		return fmt.Sprintf("FixedString(%d)", c.Precision)
	case DateTime:
		if c.Location != nil {
			return fmt.Sprintf("DateTime('%s')", c.Location)
		}
		return "DateTime"
	case DateTime64:
		if c.Location != nil {
			return fmt.Sprintf("DateTime64(%d, '%s')", c.Scale, c.Location)
		}
		return fmt.Sprintf("DateTime64(%d)", c.Scale)
	case Enum8, Enum16:
		return c.Type.String() + "(" + c.Enum.String() + ")"
	case Array:
		return "Array(" + c.Elem.String() + ")"
	case Tuple:
		parts := make([]string, len(c.Fields))
		for i, f := range c.Fields {
			if f.Name != "" {
				parts[i] = f.Name + " " + f.String()
			} else {
				parts[i] = f.String()
			}
		}
		return "Tuple(" + strings.Join(parts, ", ") + ")"
	case Map:
		return "Map(" + c.Key.String() + ", " + c.Value.String() + ")"
	default:
		return c.Type.String()
	}
}

// EnumValue is one name and ordinal of an enum.
type EnumValue struct {
	Name  string
	Value int16
}

// EnumValues is the name to ordinal table of an enum column.
type EnumValues struct {
	values  []EnumValue
	byName  map[string]int16
	byValue map[int16]string
}

// NewEnumValues builds an enum table. Names and ordinals must be unique.
func NewEnumValues(values ...EnumValue) (*EnumValues, error) {
	e := &EnumValues{
		values:  values,
		byName:  make(map[string]int16, len(values)),
		byValue: make(map[int16]string, len(values)),
	}
	for _, v := range values {
		if _, ok := e.byName[v.Name]; ok {
			return nil, fmt.Errorf("duplicate enum name %q", v.Name)
		}
		if _, ok := e.byValue[v.Value]; ok {
			return nil, fmt.Errorf("duplicate enum value %d", v.Value)
		}
		e.byName[v.Name] = v.Value
		e.byValue[v.Value] = v.Name
	}
	return e, nil
}

// Value returns the ordinal of name.
func (e *EnumValues) Value(name string) (int16, bool) {
	v, ok := e.byName[name]
	return v, ok
}

// Name returns the name of an ordinal.
func (e *EnumValues) Name(value int16) (string, bool) {
	n, ok := e.byValue[value]
	return n, ok
}

func (e *EnumValues) String() string {
	if e == nil {
		return ""
	}
	parts := make([]string, len(e.values))
	for i, v := range e.values {
		parts[i] = fmt.Sprintf("'%s' = %d", strings.ReplaceAll(v.Name, "'", "\\'"), v.Value)
	}
	return strings.Join(parts, ", ")
}
