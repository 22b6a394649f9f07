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

// Package pos provides rotary position embeddings (RoPE) for attention mechanisms.
//
// Queries and keys are rotated, pair of features by pair of features, by an angle proportional to
// the token position, so that their dot-product only depends on the relative position of the tokens.
//
// Two angle sources are provided, both implementing PositionalEmbedding:
//
//   - RoPE computes the angles on-the-fly for exactly the positions given, on every call.
//   - RoPECache precomputes the angles of every position up to a maximum once, and then only
//     looks them up. It is immutable and can be shared by any number of goroutines.
//
// The rotation itself can also be applied with explicitly provided angles, in either of the two
// layouts in common use: ApplyConcatenatedHalf (full-width cos/sin) and ApplyInterleavedPairs
// (paired cos/sin table).
//
// Use Config to select and build one of the strategies from model hyperparameters.
package pos

import (
	"math"

	"github.com/gomlx/rope/pkg/core/tensors"
	"github.com/gomlx/rope/pkg/support/xslices"
	"github.com/pkg/errors"
)

// PositionalEmbedding is the interface for applying positional information to attention inputs.
// Both RoPE and RoPECache implement it, so the attention layer can switch strategies.
type PositionalEmbedding interface {
	// Apply applies the positional embedding to the input tensor.
	//
	// Parameters:
	//   - x: Input tensor shaped [..., seqLen, ..., headDim] (typically [batch, seqLen, heads, headDim])
	//     for attention queries or keys.
	//   - positions: Integer position indices shaped [seqLen] (shared by the batch) or [batch, seqLen]
	//     (one sequence of positions per example, batch being x's axis 0). This allows:
	//     - Sequential positions: [0, 1, 2, 3]
	//     - Rotating cache with wrap: [1022, 1023, 0, 1, 2]
	//     - Batched multi-client: [[5,6,7], [127,128,129]]
	//     If nil, positions 0 to seqLen-1 are used.
	//   - seqAxis: The axis in x that represents the sequence dimension. Negative values count from the end.
	//
	// Returns a new tensor with the same shape and dtype as x. x is not changed.
	Apply(x, positions *tensors.Tensor, seqAxis int) (*tensors.Tensor, error)
}

// Compile-time check that both strategies implement PositionalEmbedding.
var (
	_ PositionalEmbedding = (*RoPE)(nil)
	_ PositionalEmbedding = (*RoPECache)(nil)
)

// SequentialPositions creates position indices for sequential positions starting from startPos.
//
// Returns position indices shaped [seqLen] with values [startPos, startPos+1, ..., startPos+seqLen-1],
// with dtype Int32.
// It returns ErrShapeMismatch if seqLen <= 0, and ErrPositionOutOfRange if a position is negative or
// doesn't fit an int32.
//
// Example:
//
//	positions, err := SequentialPositions(5, 4)
//	// Result: [5, 6, 7, 8]
func SequentialPositions(startPos, seqLen int) (*tensors.Tensor, error) {
	if seqLen <= 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "SequentialPositions requires seqLen > 0, got %d", seqLen)
	}
	if startPos < 0 || startPos > math.MaxInt32-(seqLen-1) {
		return nil, errors.Wrapf(ErrPositionOutOfRange, "SequentialPositions(%d, %d) positions must be in [0, %d]",
			startPos, seqLen, math.MaxInt32)
	}
	return tensors.FromFlatDataAndDimensions(xslices.Iota(int32(startPos), seqLen), seqLen), nil
}

// RotatingPositions creates position indices for a rotating KV cache.
// When a cache wraps around (reaches maxCacheSize), positions continue from 0.
//
// Returns position indices shaped [seqLen] with values wrapping at maxCacheSize, with dtype Int32.
// It returns ErrInvalidConfiguration if maxCacheSize is not in [1, MaxInt32], ErrShapeMismatch if
// seqLen <= 0 and ErrPositionOutOfRange if cachePos is negative.
//
// Example:
//
//	// Cache position 1022, adding 5 tokens with max cache 1024:
//	positions, err := RotatingPositions(1022, 5, 1024)
//	// Result: [1022, 1023, 0, 1, 2]
func RotatingPositions(cachePos, seqLen, maxCacheSize int) (*tensors.Tensor, error) {
	if maxCacheSize <= 0 || maxCacheSize > math.MaxInt32 {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "RotatingPositions requires maxCacheSize in [1, %d], got %d",
			math.MaxInt32, maxCacheSize)
	}
	if seqLen <= 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "RotatingPositions requires seqLen > 0, got %d", seqLen)
	}
	if cachePos < 0 {
		return nil, errors.Wrapf(ErrPositionOutOfRange, "RotatingPositions requires cachePos >= 0, got %d", cachePos)
	}
	values := make([]int32, seqLen)
	for ii := range values {
		values[ii] = int32((cachePos%maxCacheSize + ii) % maxCacheSize)
	}
	return tensors.FromFlatDataAndDimensions(values, seqLen), nil
}

// positionIndices are validated position values read from a position tensor.
type positionIndices struct {
	batchSize int // 0 if the positions are shared by all examples.
	seqLen    int
	values    []int
}

// dims returns the dimensions of the positions, without the angles axes.
func (p *positionIndices) dims() []int {
	if p.batchSize > 0 {
		return []int{p.batchSize, p.seqLen}
	}
	return []int{p.seqLen}
}

// readPositions validates and reads the positions tensor, which must be an integer tensor
// shaped [seq] or [batch, seq] with non-negative values.
func readPositions(positions *tensors.Tensor) (*positionIndices, error) {
	if err := positions.CheckValid(); err != nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "positions: %v", err)
	}
	shape := positions.Shape()
	if !shape.DType.IsInt() {
		return nil, errors.Wrapf(ErrShapeMismatch, "positions must be integers, got %s", shape)
	}
	p := &positionIndices{}
	switch shape.Rank() {
	case 1:
		p.seqLen = shape.Dimensions[0]
	case 2:
		p.batchSize, p.seqLen = shape.Dimensions[0], shape.Dimensions[1]
	default:
		return nil, errors.Wrapf(ErrShapeMismatch, "positions must be shaped [seq] or [batch, seq], got %s", shape)
	}
	var err error
	p.values, err = tensors.ToInts(positions)
	if err != nil {
		return nil, errors.Wrapf(ErrPositionOutOfRange, "positions: %v", err)
	}
	for ii, pos := range p.values {
		if pos < 0 {
			return nil, errors.Wrapf(ErrPositionOutOfRange, "negative position %d at index %d", pos, ii)
		}
	}
	return p, nil
}

// featuresSeqLen returns the sequence length of the features x.
func featuresSeqLen(x *tensors.Tensor, seqAxis int) (int, error) {
	axis, err := checkFeatures(x, seqAxis)
	if err != nil {
		return 0, err
	}
	return x.Shape().Dimensions[axis], nil
}
