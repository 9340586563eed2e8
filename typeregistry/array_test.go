package typeregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrayRoundTripOneDimWithNulls(t *testing.T) {
	reg := New() // int4[] (1007) and its element int4 (23) come from bootstrapRows

	arr := Array([]Value{Int32(1), Null(), Int32(3)})

	encoded, err := reg.Send(1007, arr)
	require.NoError(t, err)

	decoded, err := reg.Recv(1007, encoded)
	require.NoError(t, err)

	elems, ok := decoded.Elements()
	require.True(t, ok)
	require.Len(t, elems, 3)
	assert.True(t, elems[1].IsNull())

	v0, _ := elems[0].Int32()
	assert.Equal(t, int32(1), v0)
}

func TestArrayRoundTripTwoDim(t *testing.T) {
	reg := New()

	arr := Array([]Value{
		Array([]Value{Int32(1), Int32(2)}),
		Array([]Value{Int32(3), Int32(4)}),
	})

	encoded, err := reg.Send(1007, arr)
	require.NoError(t, err)

	decoded, err := reg.Recv(1007, encoded)
	require.NoError(t, err)

	outer, ok := decoded.Elements()
	require.True(t, ok)
	require.Len(t, outer, 2)

	inner, ok := outer[0].Elements()
	require.True(t, ok)
	require.Len(t, inner, 2)

	v, _ := inner[1].Int32()
	assert.Equal(t, int32(2), v)
}

func TestArrayDimensionMismatchRejected(t *testing.T) {
	reg := New()

	arr := Array([]Value{
		Array([]Value{Int32(1), Int32(2)}),
		Array([]Value{Int32(3)}),
	})

	_, err := reg.Send(1007, arr)
	require.Error(t, err)
	assert.Equal(t, "Multidimensional arrays must have sub-arrays with matching dimensions.", err.Error())
}

func TestArrayDimsLaw(t *testing.T) {
	dims := func(v Value) ([]int32, error) {
		elems, _ := v.Elements()
		return arrayDims(elems)
	}

	d, err := dims(Array(nil))
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, d)

	d, err = dims(Array([]Value{Array([]Value{Array(nil)})}))
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 1, 0}, d)

	d, err = dims(Array([]Value{Int32(1), Int32(2), Int32(3)}))
	require.NoError(t, err)
	assert.Equal(t, []int32{3}, d)

	d, err = dims(Array([]Value{Array(nil), Array(nil), Array(nil)}))
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 0}, d)

	d, err = dims(Array([]Value{
		Array([]Value{Int32(1), Int32(2)}),
		Array([]Value{Int32(3), Int32(4)}),
		Array([]Value{Int32(5), Int32(6)}),
	}))
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 2}, d)

	_, err = dims(Array([]Value{Int32(1), Array(nil)}))
	assert.Error(t, err, "mixing a scalar and an array sibling must be rejected")

	_, err = dims(Array([]Value{
		Array([]Value{Int32(1)}),
		Array([]Value{Int32(1), Int32(2)}),
	}))
	assert.Error(t, err)
}

func TestArrayDecodeRejectsNonOneLowerBound(t *testing.T) {
	reg := New()

	encoded, err := reg.Send(1007, Array([]Value{Int32(7)}))
	require.NoError(t, err)

	// Patch the first dimension's lower bound (offset 16 in the header) from
	// 1 to 0, the way a slice-typed array column could report it.
	encoded[19] = 0
	_, err = reg.Recv(1007, encoded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lower bound")
}

func TestArrayEmpty(t *testing.T) {
	reg := New()

	encoded, err := reg.Send(1007, Array(nil))
	require.NoError(t, err)

	decoded, err := reg.Recv(1007, encoded)
	require.NoError(t, err)

	elems, ok := decoded.Elements()
	require.True(t, ok)
	assert.Len(t, elems, 0)
}
