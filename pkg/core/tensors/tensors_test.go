// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"testing"

	"github.com/gomlx/rope/pkg/core/dtypes"
	"github.com/gomlx/rope/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/rope/pkg/core/shapes"
	mustpkg "github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, 2, tensor.Rank())
	assert.Equal(t, uintptr(24), tensor.Memory())
	MustConstFlatData(tensor, func(flat []float32) {
		assert.Equal(t, make([]float32, 6), flat)
	})
	assert.Panics(t, func() { FromShape(shapes.Invalid()) })
}

func TestFromValueAndValue(t *testing.T) {
	t.Run("2D", func(t *testing.T) {
		tensor := FromValue([][]float32{{1, 2}, {3, 5}, {7, 11}})
		assert.Equal(t, []int{3, 2}, tensor.Shape().Dimensions)
		assert.Equal(t, dtypes.Float32, tensor.DType())
		assert.Equal(t, [][]float32{{1, 2}, {3, 5}, {7, 11}}, tensor.Value())
		flat, err := CopyFlatData[float32](tensor)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2, 3, 5, 7, 11}, flat)
		_, err = CopyFlatData[float64](tensor)
		require.Error(t, err)
	})
	t.Run("scalar", func(t *testing.T) {
		tensor := FromValue(int32(7))
		assert.True(t, tensor.IsScalar())
		assert.Equal(t, int32(7), tensor.Value())
	})
	t.Run("Go int", func(t *testing.T) {
		tensor := FromValue([]int{1, 2, 3})
		assert.Equal(t, dtypes.FromGenericsType[int](), tensor.DType())
		ints, err := ToInts(tensor)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, ints)
	})
	t.Run("irregular", func(t *testing.T) {
		assert.Panics(t, func() { FromValue([][]float64{{1, 2}, {3}}) })
	})
	t.Run("tensor passthrough", func(t *testing.T) {
		tensor := FromValue([]float64{1})
		assert.Same(t, tensor, FromAnyValue(tensor))
	})
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2)
	assert.Equal(t, [][]int8{{1, 2}, {3, 4}}, tensor.Value())
	assert.Panics(t, func() { FromFlatDataAndDimensions([]int8{1, 2, 3}, 2, 2) })

	filled := FromScalarAndDimensions(float32(0.5), 3)
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, filled.Value())
}

func TestFlatDataAccess(t *testing.T) {
	tensor := FromValue([]float32{1, 2, 3})
	err := ConstFlatData(tensor, func(flat []float64) {})
	require.Error(t, err)

	MustMutableFlatData(tensor, func(flat []float32) { flat[0] = 10 })
	assert.Equal(t, []float32{10, 2, 3}, tensor.Value())

	var nilTensor *Tensor
	require.Error(t, nilTensor.CheckValid())
	require.Error(t, nilTensor.ConstFlatData(func(any) {}))
}

func TestCloneAndEqual(t *testing.T) {
	tensor := FromValue([]float32{1, 2, 3, 4})
	clone, err := tensor.LocalClone()
	require.NoError(t, err)
	assert.True(t, tensor.Equal(clone))

	MustMutableFlatData(clone, func(flat []float32) { flat[3] = 4.001 })
	assert.False(t, tensor.Equal(clone))
	assert.True(t, tensor.InDelta(clone, 0.01))
	assert.False(t, tensor.InDelta(clone, 1e-4))
	assert.Equal(t, []float32{1, 2, 3, 4}, tensor.Value(), "original must not change")
	assert.False(t, tensor.Equal(FromValue([][]float32{{1, 2}, {3, 4}})), "different shapes are never equal")
}

func TestToFloat64s(t *testing.T) {
	for _, tensor := range []*Tensor{
		FromValue([]float32{1, -2, 0.5}),
		FromValue([]float64{1, -2, 0.5}),
		FromValue([]float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(-2), float16.Fromfloat32(0.5)}),
		FromValue([]bfloat16.BFloat16{bfloat16.FromFloat32(1), bfloat16.FromFloat32(-2), bfloat16.FromFloat32(0.5)}),
	} {
		values, err := ToFloat64s(tensor)
		require.NoError(t, err, "dtype %s", tensor.DType())
		assert.Equal(t, []float64{1, -2, 0.5}, values, "dtype %s", tensor.DType())
	}

	values, err := ToFloat64s(FromValue([]uint8{3, 255}))
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 255}, values)

	_, err = ToFloat64s(FromValue([]bool{true}))
	require.Error(t, err)
}

func TestToInts(t *testing.T) {
	ints, err := ToInts(FromValue([][]int64{{0, 1}, {5, 9}}))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 5, 9}, ints)

	_, err = ToInts(FromValue([]float32{1}))
	require.Error(t, err)
	_, err = ToInts(FromValue([]uint64{math.MaxUint64}))
	require.Error(t, err)
}

func TestFromFloat64s(t *testing.T) {
	data := []float64{1.0 / 3.0, -2.5, 1000.125, 0}
	for _, dtype := range []dtypes.DType{dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.BFloat16} {
		t.Run(dtype.String(), func(t *testing.T) {
			tensor, err := FromFloat64s(dtype, data, 2, 2)
			require.NoError(t, err)
			assert.Equal(t, dtype, tensor.DType())
			assert.Equal(t, []int{2, 2}, tensor.Shape().Dimensions)
			back, err := ToFloat64s(tensor)
			require.NoError(t, err)
			for ii, want := range data {
				// Round-to-nearest: relative error bounded by half an epsilon.
				assert.InDelta(t, want, back[ii], math.Abs(want)*dtype.Epsilon()/2+1e-300,
					"element %d", ii)
			}
		})
	}

	t.Run("single rounding", func(t *testing.T) {
		// Both values are just above a tie of the 16-bit dtype, but round to the tie in float32.
		f16 := mustpkg.M1(FromFloat64s(dtypes.Float16, []float64{1 + 0x1p-11 + 0x1p-30}, 1))
		assert.Equal(t, []float64{1 + 0x1p-10}, mustpkg.M1(ToFloat64s(f16)))
		bf16 := mustpkg.M1(FromFloat64s(dtypes.BFloat16, []float64{1 + 0x1p-8 + 0x1p-30}, 1))
		assert.Equal(t, []float64{1 + 0x1p-7}, mustpkg.M1(ToFloat64s(bf16)))
	})

	_, err := FromFloat64s(dtypes.Int32, data, 4)
	require.Error(t, err)
	_, err = FromFloat64s(dtypes.Float32, data, 3)
	require.Error(t, err)
	_, err = FromFloat64s(dtypes.Float32, data, 0, 4)
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "float32(2.5)", FromValue(float32(2.5)).String())
	assert.Equal(t, "[2][2]int32{{1, 2},\n {3, 4}}", FromValue([][]int32{{1, 2}, {3, 4}}).String())
	assert.Equal(t, "[8]int64{0, 1, 2, ..., 5, 6, 7}",
		FromValue([]int64{0, 1, 2, 3, 4, 5, 6, 7}).String())
	assert.Equal(t, "[2]bfloat16.BFloat16{1.5, -2}",
		FromValue([]bfloat16.BFloat16{bfloat16.FromFloat32(1.5), bfloat16.FromFloat32(-2)}).String())
	var nilTensor *Tensor
	assert.Equal(t, "<nil tensor>", nilTensor.String())
}
