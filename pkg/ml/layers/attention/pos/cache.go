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
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/rope/pkg/core/dtypes"
	"github.com/gomlx/rope/pkg/core/shapes"
	"github.com/gomlx/rope/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RoPECache holds the rotation angles of every position in [0, maxPositions), precomputed once at
// construction, in the paired layout [maxPositions, headDim/2, 2] with (cos, sin) in the last axis.
//
// A RoPECache is immutable, and can be shared (by pointer) by any number of attention layers and goroutines.
// It implements the PositionalEmbedding interface.
type RoPECache struct {
	headDim, maxPositions int
	baseFreq              float64
	interleaved           bool

	// table shaped [maxPositions, headDim/2, 2], computed in float64 and stored in its dtype.
	table *tensors.Tensor
}

// NewRoPECache precomputes the rotation angles for positions 0 to maxPositions-1, stored as Float32.
//
// It returns ErrInvalidConfiguration if headDim is odd or not positive, baseFreq is not a positive
// finite number or maxPositions is not positive.
func NewRoPECache(headDim int, baseFreq float64, maxPositions int) (*RoPECache, error) {
	return newRoPECache(headDim, baseFreq, maxPositions, dtypes.Float32)
}

func newRoPECache(headDim int, baseFreq float64, maxPositions int, dtype dtypes.DType) (*RoPECache, error) {
	freqs, err := InverseFrequencies(headDim, baseFreq)
	if err != nil {
		return nil, err
	}
	if maxPositions <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "maxPositions must be positive, got %d", maxPositions)
	}
	if err = validateStorageDType(dtype); err != nil {
		return nil, err
	}
	halfDim := headDim / 2
	pairs := make([]float64, maxPositions*halfDim*2)
	rotationPool.ParallelFor(maxPositions, func(pos int) {
		row := pairs[pos*halfDim*2 : (pos+1)*halfDim*2]
		for i, freq := range freqs {
			row[2*i+1], row[2*i] = math.Sincos(float64(pos) * freq)
		}
	})
	c := &RoPECache{
		headDim:      headDim,
		maxPositions: maxPositions,
		baseFreq:     baseFreq,
	}
	c.table, err = tensors.FromFloat64s(dtype, pairs, maxPositions, halfDim, 2)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("RoPECache: precomputed %d positions for headDim=%d, baseFreq=%g: table %s uses %s",
		maxPositions, headDim, baseFreq, c.table.Shape(), humanize.Bytes(uint64(c.table.Memory())))
	return c, nil
}

// HeadDim returns the dimension of the features rotated with this cache.
func (c *RoPECache) HeadDim() int { return c.headDim }

// BaseFreq returns the base frequency used to compute the angles.
func (c *RoPECache) BaseFreq() float64 { return c.baseFreq }

// MaxPositions returns the number of precomputed positions. Valid positions are 0 to MaxPositions()-1.
func (c *RoPECache) MaxPositions() int { return c.maxPositions }

// DType returns the dtype of the stored angles.
func (c *RoPECache) DType() dtypes.DType { return c.table.DType() }

// Interleaved returns whether Apply rotates interleaved pairs (2i, 2i+1), as opposed to split-half pairs (i, i+headDim/2).
func (c *RoPECache) Interleaved() bool { return c.interleaved }

// Memory returns the number of bytes used by the precomputed table.
func (c *RoPECache) Memory() uintptr { return c.table.Memory() }

// WithInterleaved returns a RoPECache sharing the same precomputed table, but rotating pairs at even/odd
// indices (if interleaved is true) or split first-half/second-half (if false, the default) in Apply.
//
// The original cache is not changed.
func (c *RoPECache) WithInterleaved(interleaved bool) *RoPECache {
	c2 := *c
	c2.interleaved = interleaved
	return &c2
}

// Get returns the precomputed angles, in the paired layout, for the given positions.
//
// Parameters:
//   - positions: Integer positions shaped [seqLen] or [batch, seqLen], in any order and possibly repeated.
//     If nil, positions 0 to seqLen-1 are returned.
//   - seqLen: Only used if positions is nil.
//
// Returns the angles shaped [seqLen, headDim/2, 2] (or [batch, seqLen, headDim/2, 2]), with (cos, sin)
// on the last axis, in the cache's dtype.
//
// It returns ErrPositionOutOfRange if any position is negative or >= MaxPositions() (or if
// seqLen > MaxPositions() when positions is nil), and ErrShapeMismatch if the positions are not integers
// of rank 1 or 2, or if positions is nil and seqLen is not positive.
func (c *RoPECache) Get(positions *tensors.Tensor, seqLen int) (*tensors.Tensor, error) {
	var p *positionIndices
	if positions == nil {
		if seqLen <= 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "sequence length must be positive, got %d", seqLen)
		}
		if seqLen > c.maxPositions {
			return nil, errors.Wrapf(ErrPositionOutOfRange, "sequence length %d exceeds the %d cached positions",
				seqLen, c.maxPositions)
		}
		p = &positionIndices{seqLen: seqLen, values: make([]int, seqLen)}
		for ii := range p.values {
			p.values[ii] = ii
		}
	} else {
		var err error
		p, err = readPositions(positions)
		if err != nil {
			return nil, err
		}
		for ii, pos := range p.values {
			if pos >= c.maxPositions {
				return nil, errors.Wrapf(ErrPositionOutOfRange, "position %d at index %d: only %d positions are cached",
					pos, ii, c.maxPositions)
			}
		}
	}

	rowSize := c.headDim // (headDim/2) pairs of (cos, sin).
	angles := tensors.FromShape(shapes.Make(c.table.DType(), append(p.dims(), c.headDim/2, 2)...))
	c.table.MustConstFlatData(func(tableFlat any) {
		angles.MustMutableFlatData(func(anglesFlat any) {
			src, dst := reflect.ValueOf(tableFlat), reflect.ValueOf(anglesFlat)
			for ii, pos := range p.values {
				reflect.Copy(dst.Slice(ii*rowSize, (ii+1)*rowSize), src.Slice(pos*rowSize, (pos+1)*rowSize))
			}
		})
	})
	return angles, nil
}

// Apply implements the PositionalEmbedding interface, rotating x with the precomputed angles.
//
// Parameters:
//   - x: Input tensor shaped [..., seqLen, ..., headDim], where seqAxis identifies the sequence axis.
//   - positions: Position indices shaped [seqLen] or [batch, seqLen]. If nil, 0 to seqLen-1 is used.
//   - seqAxis: The axis in x that represents the sequence dimension.
//
// Returns a tensor with rotary position embeddings applied, same shape and dtype as x.
// It returns ErrPositionOutOfRange if a position (or the sequence length, if positions is nil) exceeds
// the cached positions.
func (c *RoPECache) Apply(x, positions *tensors.Tensor, seqAxis int) (*tensors.Tensor, error) {
	seqLen, err := featuresSeqLen(x, seqAxis)
	if err != nil {
		return nil, err
	}
	cosSin, err := c.Get(positions, seqLen)
	if err != nil {
		return nil, err
	}
	tbl, err := fromPaired(cosSin)
	if err != nil {
		return nil, err
	}
	return rotate(x, tbl, seqAxis, c.interleaved)
}
