/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package pos

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/rope/internal/workerspool"
	"github.com/gomlx/rope/pkg/core/shapes"
	"github.com/gomlx/rope/pkg/core/tensors"
	"github.com/pkg/errors"
)

// rotationPool splits the rotation of large feature tensors across CPUs.
var rotationPool = workerspool.New()

// SetMaxParallelism sets the number of goroutines used to rotate large feature tensors and to build
// RoPECache tables: 0 disables parallelism and -1 makes it unlimited. It defaults to runtime.NumCPU().
//
// It must not be called concurrently with rotations or cache construction.
func SetMaxParallelism(maxParallelism int) {
	rotationPool.SetMaxParallelism(maxParallelism)
}

// ParallelThreshold is the minimum number of feature values before a rotation is split across
// goroutines. Results are the same with or without parallelism.
var ParallelThreshold = 1 << 15

// rotationTable is the single internal form of the rotation angles: both the full-width cos/sin
// layout and the paired cache layout are converted to it before rotating.
//
// cos and sin are laid out as [batchSize, seqLen, halfDim], or [seqLen, halfDim] if batchSize is 0
// (shared by all examples).
type rotationTable struct {
	batchSize, seqLen, halfDim int
	cos, sin                   []float64
}

// rowOffset returns the offset of the angles for the given example and sequence position.
func (tbl *rotationTable) rowOffset(batchIdx, seqIdx int) int {
	if tbl.batchSize == 0 {
		batchIdx = 0
	}
	return (batchIdx*tbl.seqLen + seqIdx) * tbl.halfDim
}

// fromFullWidth converts the full-width layout, cos and sin shaped [seq, headDim] or [batch, seq, headDim]
// with angle i duplicated at i+headDim/2, to a rotationTable.
func fromFullWidth(cos, sin *tensors.Tensor) (*rotationTable, error) {
	for _, t := range []*tensors.Tensor{cos, sin} {
		if err := t.CheckValid(); err != nil {
			return nil, errors.Wrapf(ErrShapeMismatch, "cos/sin: %v", err)
		}
		if !t.DType().IsFloat() {
			return nil, errors.Wrapf(ErrShapeMismatch, "cos/sin must be a float, got %s", t.Shape())
		}
	}
	shape := cos.Shape()
	if shape.Rank() != 2 && shape.Rank() != 3 {
		return nil, errors.Wrapf(ErrShapeMismatch, "cos/sin must be shaped [seq, headDim] or [batch, seq, headDim], got %s", shape)
	}
	if err := shapes.CheckDims(sin, shape.Dimensions...); err != nil || sin.DType() != shape.DType {
		return nil, errors.Wrapf(ErrShapeMismatch, "cos %s and sin %s shapes differ", shape, sin.Shape())
	}
	headDim := shape.Dim(-1)
	if headDim%2 != 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "cos/sin last axis must be even, got %s", shape)
	}
	tbl := &rotationTable{seqLen: shape.Dim(-2), halfDim: headDim / 2}
	if shape.Rank() == 3 {
		tbl.batchSize = shape.Dim(0)
	}
	var err error
	if tbl.cos, err = halveDuplicated(cos, tbl.halfDim); err != nil {
		return nil, err
	}
	if tbl.sin, err = halveDuplicated(sin, tbl.halfDim); err != nil {
		return nil, err
	}
	return tbl, nil
}

// halveDuplicated returns the first half of each row of t, checking that the second half is a copy of it.
func halveDuplicated(t *tensors.Tensor, halfDim int) ([]float64, error) {
	full, err := tensors.ToFloat64s(t)
	if err != nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "%v", err)
	}
	numRows := len(full) / (2 * halfDim)
	half := make([]float64, numRows*halfDim)
	for row := range numRows {
		src := full[row*2*halfDim : (row+1)*2*halfDim]
		for i := range halfDim {
			if src[i] != src[i+halfDim] {
				return nil, errors.Wrapf(ErrShapeMismatch,
					"cos/sin %s is not in the full-width layout: row %d has %g at %d but %g at %d",
					t.Shape(), row, src[i], i, src[i+halfDim], i+halfDim)
			}
		}
		copy(half[row*halfDim:], src[:halfDim])
	}
	return half, nil
}

// fromPaired converts the paired layout, shaped [seq, headDim/2, 2] or [batch, seq, headDim/2, 2] with
// (cos, sin) on the last axis, to a rotationTable.
func fromPaired(cosSin *tensors.Tensor) (*rotationTable, error) {
	if err := cosSin.CheckValid(); err != nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "cosSin: %v", err)
	}
	shape := cosSin.Shape()
	if !shape.DType.IsFloat() {
		return nil, errors.Wrapf(ErrShapeMismatch, "cosSin must be a float, got %s", shape)
	}
	wantDims := []int{-1, -1, 2}
	if shape.Rank() == 4 {
		wantDims = []int{-1, -1, -1, 2}
	}
	if err := shapes.CheckDims(cosSin, wantDims...); err != nil {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"cosSin must be shaped [seq, headDim/2, 2] or [batch, seq, headDim/2, 2]: %v", err)
	}
	tbl := &rotationTable{seqLen: shape.Dim(-3), halfDim: shape.Dim(-2)}
	if shape.Rank() == 4 {
		tbl.batchSize = shape.Dim(0)
	}
	pairs, err := tensors.ToFloat64s(cosSin)
	if err != nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "%v", err)
	}
	tbl.cos = make([]float64, len(pairs)/2)
	tbl.sin = make([]float64, len(pairs)/2)
	for ii := range tbl.cos {
		tbl.cos[ii] = pairs[2*ii]
		tbl.sin[ii] = pairs[2*ii+1]
	}
	return tbl, nil
}

// checkFeatures validates the feature tensor x and returns the canonical (non-negative) sequence axis.
func checkFeatures(x *tensors.Tensor, seqAxis int) (int, error) {
	if err := x.CheckValid(); err != nil {
		return 0, errors.Wrapf(ErrShapeMismatch, "features: %v", err)
	}
	shape := x.Shape()
	if !shape.DType.IsFloat() {
		return 0, errors.Wrapf(ErrShapeMismatch, "features must be a float, got %s", shape)
	}
	if shape.Rank() < 2 {
		return 0, errors.Wrapf(ErrShapeMismatch, "features must have at least a sequence and a feature axis, got %s", shape)
	}
	axis, err := shape.CanonicalAxis(seqAxis)
	if err != nil {
		return 0, errors.Wrapf(ErrShapeMismatch, "seqAxis: %v", err)
	}
	if axis == shape.Rank()-1 {
		return 0, errors.Wrapf(ErrShapeMismatch, "seqAxis %d cannot be the feature (last) axis of %s", seqAxis, shape)
	}
	return axis, nil
}

// rotate applies the rotation in tbl to every feature vector (last axis) of x.
//
// If interleaved, features (2i, 2i+1) are rotated together, otherwise (i, i+headDim/2).
// The math is done in float64 and the result is stored in x's dtype.
func rotate(x *tensors.Tensor, tbl *rotationTable, seqAxis int, interleaved bool) (*tensors.Tensor, error) {
	axis, err := checkFeatures(x, seqAxis)
	if err != nil {
		return nil, err
	}
	shape := x.Shape()
	headDim := shape.Dim(-1)
	if headDim != 2*tbl.halfDim {
		return nil, errors.Wrapf(ErrShapeMismatch, "features %s last axis must be %d to match the rotation angles",
			shape, 2*tbl.halfDim)
	}
	if shape.Dimensions[axis] != tbl.seqLen {
		return nil, errors.Wrapf(ErrShapeMismatch, "features %s have sequence length %d (axis %d), angles have %d",
			shape, shape.Dimensions[axis], axis, tbl.seqLen)
	}
	if tbl.batchSize > 0 {
		if axis == 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "per-example angles require a batch axis 0 in features %s, but seqAxis is 0", shape)
		}
		if shape.Dimensions[0] != tbl.batchSize {
			return nil, errors.Wrapf(ErrShapeMismatch, "features %s batch size differs from the angles' batch size %d",
				shape, tbl.batchSize)
		}
	}

	var out *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		values, err := tensors.ToFloat64s(x)
		if err != nil {
			panic(err)
		}
		rotated := make([]float64, len(values))
		strides := shape.Strides()
		seqStride, batchStride := strides[axis], strides[0]
		halfDim := tbl.halfDim
		rotateRow := func(row int) {
			start := row * headDim
			offset := tbl.rowOffset(start/batchStride, (start/seqStride)%tbl.seqLen)
			cos, sin := tbl.cos[offset:offset+halfDim], tbl.sin[offset:offset+halfDim]
			src, dst := values[start:start+headDim], rotated[start:start+headDim]
			for i := range halfDim {
				a, b := i, i+halfDim
				if interleaved {
					a, b = 2*i, 2*i+1
				}
				xa, xb := src[a], src[b]
				dst[a] = xa*cos[i] - xb*sin[i]
				dst[b] = xb*cos[i] + xa*sin[i]
			}
		}
		numRows := len(values) / headDim
		if len(values) >= ParallelThreshold {
			rotationPool.ParallelFor(numRows, rotateRow)
		} else {
			for row := range numRows {
				rotateRow(row)
			}
		}
		out, err = tensors.FromFloat64s(shape.DType, rotated, shape.Dimensions...)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyConcatenatedHalf rotates x with the full-width angles, pairing feature i with feature i+headDim/2:
//
//	out = x·cos + rotate_half(x)·sin, with rotate_half(x) = concat(-x[headDim/2:], x[:headDim/2])
//
// Parameters:
//   - x: Features shaped [..., seqLen, ..., headDim], where seqAxis identifies the sequence axis
//     (negative values count from the end). Typically [batch, seqLen, heads, headDim] with seqAxis=1.
//   - cos, sin: Angles shaped [seqLen, headDim] (shared by all examples) or [batch, seqLen, headDim]
//     (one row per example, batch being x's axis 0), with angle i duplicated at i+headDim/2, as
//     returned by RoPE.CosSin.
//
// Returns a new tensor with the same shape and dtype as x; x is not changed.
// It returns ErrShapeMismatch if the shapes or dtypes are not consistent.
func ApplyConcatenatedHalf(x, cos, sin *tensors.Tensor, seqAxis int) (*tensors.Tensor, error) {
	tbl, err := fromFullWidth(cos, sin)
	if err != nil {
		return nil, err
	}
	return rotate(x, tbl, seqAxis, false)
}

// ApplyInterleavedPairs rotates x with the paired angles, treating features (2i, 2i+1) as the real and
// imaginary parts of a complex number multiplied by cos + i·sin:
//
//	out[2i]   = x[2i]·cos - x[2i+1]·sin
//	out[2i+1] = x[2i+1]·cos + x[2i]·sin
//
// Parameters:
//   - x: Features shaped [..., seqLen, ..., headDim], where seqAxis identifies the sequence axis.
//   - cosSin: Angles shaped [seqLen, headDim/2, 2] or [batch, seqLen, headDim/2, 2], with (cos, sin) on
//     the last axis, as returned by RoPECache.Get.
//
// Returns a new tensor with the same shape and dtype as x; x is not changed.
// It returns ErrShapeMismatch if the shapes or dtypes are not consistent.
func ApplyInterleavedPairs(x, cosSin *tensors.Tensor, seqAxis int) (*tensors.Tensor, error) {
	tbl, err := fromPaired(cosSin)
	if err != nil {
		return nil, err
	}
	return rotate(x, tbl, seqAxis, true)
}
