// Package typeregistry implements the runtime-loaded type catalogue and the
// binary value codecs it drives: scalars, one- and multi-dimensional arrays,
// composite records, and user-defined enums/domains.
package typeregistry

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies a TypeRow the way pg_type.typtype does.
type Kind byte

const (
	KindBase      Kind = 'b'
	KindComposite Kind = 'c'
	KindDomain    Kind = 'd'
	KindEnum      Kind = 'e'
	KindPseudo    Kind = 'p'
	KindRange     Kind = 'r'
)

// Value is the closed sum type every decoded column value and every
// encodable parameter value is expressed as. Exactly one field is
// meaningful, selected by kind; the constructors below are the supported way
// to build one.
type Value struct {
	kind  valueKind
	null  bool
	b     bool
	i16   int16
	i32   int32
	i64   int64
	f32   float32
	f64   float64
	str   string
	bytes []byte
	ts    time.Time
	num   decimal.Decimal
	oid   uint32
	elems []Value
}

type valueKind byte

const (
	kindNull valueKind = iota
	kindBool
	kindInt16
	kindInt32
	kindInt64
	kindFloat32
	kindFloat64
	kindText
	kindBytes
	kindTimestamp
	kindJSON
	kindNumeric
	kindArray
	kindRecord
	kindRaw
)

func Null() Value                 { return Value{kind: kindNull, null: true} }
func Bool(v bool) Value           { return Value{kind: kindBool, b: v} }
func Int16(v int16) Value         { return Value{kind: kindInt16, i16: v} }
func Int32(v int32) Value         { return Value{kind: kindInt32, i32: v} }
func Int64(v int64) Value         { return Value{kind: kindInt64, i64: v} }
func Float32(v float32) Value     { return Value{kind: kindFloat32, f32: v} }
func Float64(v float64) Value     { return Value{kind: kindFloat64, f64: v} }
func Text(v string) Value         { return Value{kind: kindText, str: v} }
func Bytes(v []byte) Value        { return Value{kind: kindBytes, bytes: v} }
func Timestamp(v time.Time) Value { return Value{kind: kindTimestamp, ts: v} }
func JSON(v string) Value         { return Value{kind: kindJSON, str: v} }
func Numeric(v decimal.Decimal) Value { return Value{kind: kindNumeric, num: v} }
func Array(v []Value) Value       { return Value{kind: kindArray, elems: v} }
func Record(v []Value) Value      { return Value{kind: kindRecord, elems: v} }

// Raw wraps the undecoded bytes of a value of type oid. Registry.Recv never
// produces Raw: a column whose OID has no codec fails with an Unsupported
// type error.
func Raw(oid uint32, v []byte) Value { return Value{kind: kindRaw, oid: oid, bytes: v} }

func (v Value) IsNull() bool { return v.null }

func (v Value) Bool() (bool, bool)             { return v.b, v.kind == kindBool }
func (v Value) Int16() (int16, bool)           { return v.i16, v.kind == kindInt16 }
func (v Value) Int32() (int32, bool)           { return v.i32, v.kind == kindInt32 }
func (v Value) Int64() (int64, bool)           { return v.i64, v.kind == kindInt64 }
func (v Value) Float32() (float32, bool)       { return v.f32, v.kind == kindFloat32 }
func (v Value) Float64() (float64, bool)       { return v.f64, v.kind == kindFloat64 }
func (v Value) Text() (string, bool)           { return v.str, v.kind == kindText || v.kind == kindJSON }
func (v Value) Bytes() ([]byte, bool)          { return v.bytes, v.kind == kindBytes || v.kind == kindRaw }
func (v Value) Timestamp() (time.Time, bool)   { return v.ts, v.kind == kindTimestamp }
func (v Value) Numeric() (decimal.Decimal, bool) { return v.num, v.kind == kindNumeric }
func (v Value) Elements() ([]Value, bool)      { return v.elems, v.kind == kindArray || v.kind == kindRecord }

// Interface returns a plain Go value approximating v, for callers that would
// rather not match on Value's accessors. Arrays/records become []any.
func (v Value) Interface() any {
	switch v.kind {
	case kindNull:
		return nil
	case kindBool:
		return v.b
	case kindInt16:
		return v.i16
	case kindInt32:
		return v.i32
	case kindInt64:
		return v.i64
	case kindFloat32:
		return v.f32
	case kindFloat64:
		return v.f64
	case kindText, kindJSON:
		return v.str
	case kindBytes, kindRaw:
		return v.bytes
	case kindTimestamp:
		return v.ts
	case kindNumeric:
		return v.num
	case kindArray, kindRecord:
		out := make([]any, len(v.elems))
		for i, e := range v.elems {
			out[i] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	if v.null {
		return "<nil>"
	}
	return fmt.Sprintf("%v", v.Interface())
}

// kindName names v's kind the way a codec mismatch error reports it: the
// vocabulary a caller passing the wrong Go-level value sees, not the wire
// type name.
func (v Value) kindName() string {
	if v.null {
		return "null"
	}
	switch v.kind {
	case kindBool:
		return "boolean"
	case kindInt16, kindInt32, kindInt64, kindFloat32, kindFloat64, kindNumeric:
		return "number"
	case kindText, kindJSON:
		return "string"
	case kindBytes, kindRaw:
		return "bytes"
	case kindTimestamp:
		return "timestamp"
	case kindArray:
		return "array"
	case kindRecord:
		return "record"
	default:
		return "unknown"
	}
}
