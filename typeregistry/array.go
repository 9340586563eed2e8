package typeregistry

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// arrayHasNullFlag is the flags bit set when the array carries at least one
// NULL element.
const arrayHasNullFlag = 1

func registerArrayCodec(r *Registry) {
	r.RegisterCodec("array_recv", "array_send", decodeArray, encodeArray)
}

func decodeArray(reg *Registry, t TypeRow, data []byte) (Value, error) {
	c := cursor{data: data}

	ndim, err := c.int32()
	if err != nil {
		return Value{}, fmt.Errorf("array header: %w", err)
	}
	flags, err := c.int32()
	if err != nil {
		return Value{}, fmt.Errorf("array header: %w", err)
	}
	if flags != 0 && flags != arrayHasNullFlag {
		return Value{}, fmt.Errorf("array header: invalid flags %d", flags)
	}
	elemOID, err := c.uint32()
	if err != nil {
		return Value{}, fmt.Errorf("array header: %w", err)
	}

	if ndim == 0 {
		return Array(nil), nil
	}

	dims := make([]int32, ndim)
	for i := int32(0); i < ndim; i++ {
		size, err := c.int32()
		if err != nil {
			return Value{}, fmt.Errorf("array dimension %d: %w", i, err)
		}
		lower, err := c.int32()
		if err != nil {
			return Value{}, fmt.Errorf("array dimension %d: %w", i, err)
		}
		if lower != 1 {
			return Value{}, fmt.Errorf("array dimension %d: lower bound %d not supported, must be 1", i, lower)
		}
		dims[i] = size
	}

	total := int32(1)
	for _, d := range dims {
		total *= d
	}

	elemRow, ok := reg.Lookup(elemOID)
	if !ok {
		return Value{}, fmt.Errorf("Unknown type: oid %d", elemOID)
	}

	flat := make([]Value, total)
	for i := int32(0); i < total; i++ {
		length, err := c.int32()
		if err != nil {
			return Value{}, fmt.Errorf("array element %d: %w", i, err)
		}
		if length < 0 {
			flat[i] = Null()
			continue
		}
		elemData, err := c.bytes(int(length))
		if err != nil {
			return Value{}, fmt.Errorf("array element %d: %w", i, err)
		}
		elem, err := reg.Recv(elemRow.OID, elemData)
		if err != nil {
			return Value{}, fmt.Errorf("array element %d: %w", i, err)
		}
		flat[i] = elem
	}

	return nest(flat, dims), nil
}

// nest folds a flat, row-major slice of decoded elements into ndim-1 levels
// of Array-of-Array Values according to dims, so that a 2x3 array decodes to
// an Array of 2 Arrays of 3 scalars rather than one flat Array of 6.
func nest(flat []Value, dims []int32) Value {
	if len(dims) <= 1 {
		return Array(flat)
	}

	outer := dims[0]
	innerDims := dims[1:]
	innerSize := int32(1)
	for _, d := range innerDims {
		innerSize *= d
	}

	elems := make([]Value, outer)
	for i := int32(0); i < outer; i++ {
		start := i * innerSize
		elems[i] = nest(flat[start:start+innerSize], innerDims)
	}
	return Array(elems)
}

func encodeArray(reg *Registry, t TypeRow, v Value) ([]byte, error) {
	elems, ok := v.Elements()
	if !ok {
		return nil, fmt.Errorf("Expected array, got %s", v.kindName())
	}

	dims, err := arrayDims(elems)
	if err != nil {
		return nil, err
	}

	var flat []Value
	flatten(elems, &flat)

	buf := make([]byte, 0, 12+8*len(dims)+len(flat)*8)
	buf = appendInt32(buf, int32(len(dims)))

	flags := int32(0)
	for _, e := range flat {
		if e.IsNull() {
			flags = arrayHasNullFlag
			break
		}
	}
	buf = appendInt32(buf, flags)
	buf = appendUint32(buf, t.ElementOID)

	for _, d := range dims {
		buf = appendInt32(buf, d)
		buf = appendInt32(buf, 1) // lower bound, always 1
	}

	for _, e := range flat {
		if e.IsNull() {
			buf = appendInt32(buf, -1)
			continue
		}
		encoded, err := reg.Send(t.ElementOID, e)
		if err != nil {
			return nil, err
		}
		buf = appendInt32(buf, int32(len(encoded)))
		buf = append(buf, encoded...)
	}

	return buf, nil
}

// arrayDims walks a nested Array-of-Array Value and returns its dimension
// sizes, erroring if any two sibling sub-arrays at the same level disagree
// on length.
func arrayDims(elems []Value) ([]int32, error) {
	dims := []int32{int32(len(elems))}

	if len(elems) == 0 {
		return dims, nil
	}

	if elems[0].kind != kindArray {
		for _, e := range elems[1:] {
			if e.kind == kindArray {
				return nil, errDimMismatch
			}
		}
		return dims, nil
	}

	sub, _ := elems[0].Elements()
	subDims, err := arrayDims(sub)
	if err != nil {
		return nil, err
	}

	for _, e := range elems[1:] {
		if e.kind != kindArray {
			return nil, errDimMismatch
		}
		otherSub, _ := e.Elements()
		otherDims, err := arrayDims(otherSub)
		if err != nil {
			return nil, err
		}
		if !equalDims(subDims, otherDims) {
			return nil, errDimMismatch
		}
	}

	return append(dims, subDims...), nil
}

var errDimMismatch = errors.New("Multidimensional arrays must have sub-arrays with matching dimensions.")

func equalDims(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func flatten(elems []Value, out *[]Value) {
	for _, e := range elems {
		if e.kind == kindArray {
			sub, _ := e.Elements()
			flatten(sub, out)
			continue
		}
		*out = append(*out, e)
	}
}

func appendInt32(buf []byte, v int32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// cursor is a minimal forward-only reader over a decoded message body,
// local to this package: the frame.Reader type belongs to the connection's
// read path, not to codecs operating on an already-extracted value slice.
type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) int32() (int32, error) {
	v, err := c.uint32()
	return int32(v), err
}

func (c *cursor) uint32() (uint32, error) {
	if len(c.data)-c.pos < 4 {
		return 0, fmt.Errorf("insufficient data: need 4 bytes, have %d", len(c.data)-c.pos)
	}
	v := binary.BigEndian.Uint32(c.data[c.pos : c.pos+4])
	c.pos += 4
	return v, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if len(c.data)-c.pos < n {
		return nil, fmt.Errorf("insufficient data: need %d bytes, have %d", n, len(c.data)-c.pos)
	}
	v := c.data[c.pos : c.pos+n]
	c.pos += n
	return v, nil
}
