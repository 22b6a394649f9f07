// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"

	"github.com/gomlx/rope/pkg/core/dtypes"
	"github.com/gomlx/rope/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/rope/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

type (
	float16T  = float16.Float16
	bfloat16T = bfloat16.BFloat16
)

// ToFloat64s returns a copy of the tensor's values widened to float64, in row-major order.
//
// It works for every numeric dtype. Integer values larger than 2^53 lose precision.
// It returns an error for invalid tensors or Bool tensors.
func ToFloat64s(t *Tensor) ([]float64, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	out := make([]float64, t.Size())
	switch flat := t.flat.(type) {
	case []float64:
		copy(out, flat)
	case []float32:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []float16.Float16:
		for ii, v := range flat {
			out[ii] = float64(v.Float32())
		}
	case []bfloat16.BFloat16:
		for ii, v := range flat {
			out[ii] = v.Float64()
		}
	case []int64:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []int32:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []int16:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []int8:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []uint64:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []uint32:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []uint16:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []uint8:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	default:
		return nil, errors.Errorf("ToFloat64s: dtype %s is not numeric", t.DType())
	}
	return out, nil
}

// ToInts returns a copy of the values of an integer tensor as Go `int`, in row-major order.
//
// It returns an error if the tensor is not of an integer dtype, or if an unsigned value overflows `int`.
func ToInts(t *Tensor) ([]int, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	out := make([]int, t.Size())
	switch flat := t.flat.(type) {
	case []int64:
		for ii, v := range flat {
			if int64(int(v)) != v {
				return nil, errors.Errorf("ToInts: value %d at flat index %d overflows int", v, ii)
			}
			out[ii] = int(v)
		}
	case []int32:
		for ii, v := range flat {
			out[ii] = int(v)
		}
	case []int16:
		for ii, v := range flat {
			out[ii] = int(v)
		}
	case []int8:
		for ii, v := range flat {
			out[ii] = int(v)
		}
	case []uint64:
		for ii, v := range flat {
			if v > math.MaxInt {
				return nil, errors.Errorf("ToInts: value %d at flat index %d overflows int", v, ii)
			}
			out[ii] = int(v)
		}
	case []uint32:
		for ii, v := range flat {
			out[ii] = int(v)
		}
	case []uint16:
		for ii, v := range flat {
			out[ii] = int(v)
		}
	case []uint8:
		for ii, v := range flat {
			out[ii] = int(v)
		}
	default:
		return nil, errors.Errorf("ToInts: dtype %s is not an integer type", t.DType())
	}
	return out, nil
}

// FromFloat64s creates a tensor of the given float dtype and dimensions, narrowing the float64 data to the
// dtype's precision with a single round-to-nearest-even, also for Float16 and BFloat16.
//
// It returns an error if dtype is not a float, or if len(data) doesn't match the dimensions.
func FromFloat64s(dtype dtypes.DType, data []float64, dimensions ...int) (*Tensor, error) {
	if !dtype.IsFloat() {
		return nil, errors.Errorf("FromFloat64s: dtype %s is not a float type", dtype)
	}
	for _, dim := range dimensions {
		if dim <= 0 {
			return nil, errors.Errorf("FromFloat64s: invalid dimensions %v", dimensions)
		}
	}
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		return nil, errors.Errorf("FromFloat64s(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	switch flat := t.flat.(type) {
	case []float64:
		copy(flat, data)
	case []float32:
		for ii, v := range data {
			flat[ii] = float32(v)
		}
	case []float16.Float16:
		for ii, v := range data {
			flat[ii] = float16.Fromfloat32(bfloat16.Float32RoundToOdd(v))
		}
	case []bfloat16.BFloat16:
		for ii, v := range data {
			flat[ii] = bfloat16.FromFloat64(v)
		}
	}
	return t, nil
}
