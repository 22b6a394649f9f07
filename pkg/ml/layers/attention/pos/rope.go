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
	"math"

	"github.com/gomlx/rope/pkg/core/dtypes"
	"github.com/gomlx/rope/pkg/core/tensors"
	"github.com/pkg/errors"
)

// RoPE implements rotary position embeddings ("RoFormer", see [1]), computing the rotation angles
// on-the-fly, for exactly the positions given, on every call.
//
// It splits the embedding (aka. features) axis into pairs, and rotates them at different frequencies,
// according to position. There is no limit on the positions.
//
// RoPE implements the PositionalEmbedding interface. Its fields can be changed before use, but a RoPE
// shouldn't be changed while in use by other goroutines.
//
// [1] "RoFormer: Enhanced Transformer with Rotary Position Embedding", https://arxiv.org/abs/2104.09864
type RoPE struct {
	HeadDim  int
	BaseFreq float64

	// DType used to store the cos/sin angles. Default is Float32.
	DType dtypes.DType

	// Interleaved: if true, rotation pairs are at even/odd indices; if false, split first-half/second-half.
	Interleaved bool
}

// NewRoPE creates a RoPE positional embedding for features of dimension headDim.
//
// Parameters:
//   - headDim: Dimension of the features being rotated, it must be even and positive.
//   - baseFreq: Base frequency for rotary embeddings, typically DefaultBaseFreq (10000.0).
//
// It returns ErrInvalidConfiguration if headDim or baseFreq are invalid.
//
// Example:
//
//	rope, err := NewRoPE(64, 10000.0)
//	if err != nil { ... }
//	embedded, err := rope.Apply(x, positions, 1)
func NewRoPE(headDim int, baseFreq float64) (*RoPE, error) {
	r := &RoPE{
		HeadDim:  headDim,
		BaseFreq: baseFreq,
		DType:    dtypes.Float32,
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithInterleaved sets whether rotation pairs are at interleaved indices.
// If true, pairs are at even/odd indices (x[..., 0], x[..., 1]).
// If false (default), pairs are split first-half/second-half (x[..., :dim/2], x[..., dim/2:]).
//
// Returns the modified RoPE for method chaining.
func (r *RoPE) WithInterleaved(interleaved bool) *RoPE {
	r.Interleaved = interleaved
	return r
}

// WithDType sets the dtype used to store the cos/sin angles. It must be a float dtype.
//
// Returns the modified RoPE for method chaining.
func (r *RoPE) WithDType(dtype dtypes.DType) *RoPE {
	r.DType = dtype
	return r
}

func (r *RoPE) validate() error {
	if err := validateBasis(r.HeadDim, r.BaseFreq); err != nil {
		return err
	}
	return validateStorageDType(r.DType)
}

func validateStorageDType(dtype dtypes.DType) error {
	if !dtype.IsFloat() {
		return errors.Wrapf(ErrInvalidConfiguration, "angles storage dtype must be a float, got %s", dtype)
	}
	return nil
}

// CosSin returns the cosine and sine of the rotation angles of the given positions, in the full-width layout.
//
// Parameters:
//   - positions: Integer positions shaped [seqLen] or [batch, seqLen]. They must be non-negative.
//
// Returns:
//   - cos, sin: shaped [seqLen, headDim] (or [batch, seqLen, headDim]) in the RoPE's DType, where the
//     angle of pair i, positions[p]·θᵢ, is duplicated at features i and i+headDim/2.
//     They are computed in float64 and only then stored in the RoPE's DType.
//
// It returns ErrPositionOutOfRange for negative positions, and ErrShapeMismatch for non-integer
// positions or positions of rank other than 1 or 2.
func (r *RoPE) CosSin(positions *tensors.Tensor) (cos, sin *tensors.Tensor, err error) {
	if err = r.validate(); err != nil {
		return
	}
	freqs, err := InverseFrequencies(r.HeadDim, r.BaseFreq)
	if err != nil {
		return
	}
	p, err := readPositions(positions)
	if err != nil {
		return
	}
	headDim, halfDim := r.HeadDim, r.HeadDim/2
	cosValues := make([]float64, len(p.values)*headDim)
	sinValues := make([]float64, len(p.values)*headDim)
	for row, pos := range p.values {
		cosRow := cosValues[row*headDim : (row+1)*headDim]
		sinRow := sinValues[row*headDim : (row+1)*headDim]
		for i, freq := range freqs {
			s, c := math.Sincos(float64(pos) * freq)
			cosRow[i], cosRow[i+halfDim] = c, c
			sinRow[i], sinRow[i+halfDim] = s, s
		}
	}
	dims := append(p.dims(), headDim)
	if cos, err = tensors.FromFloat64s(r.DType, cosValues, dims...); err != nil {
		return nil, nil, err
	}
	if sin, err = tensors.FromFloat64s(r.DType, sinValues, dims...); err != nil {
		return nil, nil, err
	}
	return cos, sin, nil
}

// Apply implements the PositionalEmbedding interface.
// It applies rotary position embeddings to x using the provided position indices.
// The rotation is applied on a range of frequencies multiplied by the position
// of each element, as specified by positions.
//
// Parameters:
//   - x: Input tensor shaped [..., seqLen, ..., headDim], where seqAxis identifies the sequence axis.
//   - positions: Position indices shaped [seqLen] or [batch, seqLen]. If nil, 0 to seqLen-1 is used.
//   - seqAxis: The axis in x that represents the sequence dimension.
//
// Returns a tensor with rotary position embeddings applied, same shape and dtype as x.
//
// Example:
//
//	rope, _ := NewRoPE(64, 10000.0)
//	// x has shape [batch, seqLen, heads, 64]
//	// positions has shape [batch, seqLen] with values like [0, 1, 2, ...]
//	embedded, err := rope.Apply(x, positions, 1)
func (r *RoPE) Apply(x, positions *tensors.Tensor, seqAxis int) (*tensors.Tensor, error) {
	if positions == nil {
		seqLen, err := featuresSeqLen(x, seqAxis)
		if err != nil {
			return nil, err
		}
		positions, err = SequentialPositions(0, seqLen)
		if err != nil {
			return nil, err
		}
	}
	cos, sin, err := r.CosSin(positions)
	if err != nil {
		return nil, err
	}
	tbl, err := fromFullWidth(cos, sin)
	if err != nil {
		return nil, err
	}
	return rotate(x, tbl, seqAxis, r.Interleaved)
}
