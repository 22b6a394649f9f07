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
	"math/rand/v2"
	"testing"

	"github.com/gomlx/rope/pkg/core/dtypes"
	"github.com/gomlx/rope/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomFeatures returns a tensor with values uniformly distributed in [-1, 1).
func randomFeatures(rng *rand.Rand, dtype dtypes.DType, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float64, size)
	for ii := range data {
		data[ii] = 2*rng.Float64() - 1
	}
	return must.M1(tensors.FromFloat64s(dtype, data, dims...))
}

func float64s(t *testing.T, x *tensors.Tensor) []float64 {
	values, err := tensors.ToFloat64s(x)
	require.NoError(t, err)
	return values
}

// toInterleaved permutes the features of each vector from [x₀..x_{h-1}, x_h..x_{2h-1}] to [x₀, x_h, x₁, x_{h+1}, ...].
func toInterleaved(values []float64, headDim int) []float64 {
	halfDim := headDim / 2
	out := make([]float64, len(values))
	for start := 0; start < len(values); start += headDim {
		for i := range halfDim {
			out[start+2*i] = values[start+i]
			out[start+2*i+1] = values[start+i+halfDim]
		}
	}
	return out
}

func dot(a, b []float64) (sum float64) {
	for ii := range a {
		sum += a[ii] * b[ii]
	}
	return
}

func TestInverseFrequencies(t *testing.T) {
	t.Run("Values", func(t *testing.T) {
		freqs, err := InverseFrequencies(4, 10000)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{1, 0.01}, freqs, 1e-12)

		freqs, err = InverseFrequencies(8, 10000)
		require.NoError(t, err)
		require.Len(t, freqs, 4)
		for i, freq := range freqs {
			assert.InDelta(t, math.Pow(10000, -2*float64(i)/8), freq, 1e-15)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, headDim := range []int{7, 0, -2} {
			_, err := InverseFrequencies(headDim, 10000)
			assert.ErrorIs(t, err, ErrInvalidConfiguration, "headDim=%d", headDim)
		}
		for _, baseFreq := range []float64{0, -1, math.NaN(), math.Inf(1)} {
			_, err := InverseFrequencies(4, baseFreq)
			assert.ErrorIs(t, err, ErrInvalidConfiguration, "baseFreq=%g", baseFreq)
		}
	})
}

func TestRoPE(t *testing.T) {
	t.Run("HandComputed", func(t *testing.T) {
		rope := must.M1(NewRoPE(4, 10000))
		cos, sin, err := rope.CosSin(tensors.FromValue([]int32{1}))
		require.NoError(t, err)
		assert.Equal(t, []int{1, 4}, cos.Shape().Dimensions)
		assert.Equal(t, dtypes.Float32, cos.DType())
		assert.InDeltaSlice(t, []float64{math.Cos(1), math.Cos(0.01), math.Cos(1), math.Cos(0.01)}, float64s(t, cos), 1e-6)
		assert.InDeltaSlice(t, []float64{math.Sin(1), math.Sin(0.01), math.Sin(1), math.Sin(0.01)}, float64s(t, sin), 1e-6)

		// Pairs (x₀, x₂) = (1, 1) rotated by 1 radian, and (x₁, x₃) = (0, 0) by 0.01 radians.
		x := tensors.FromValue([][][][]float32{{{{1, 0, 1, 0}}}}) // [batch=1, seq=1, heads=1, headDim=4]
		rotated, err := rope.Apply(x, tensors.FromValue([]int32{1}), 1)
		require.NoError(t, err)
		assert.Equal(t, x.Shape(), rotated.Shape())
		want := []float64{math.Cos(1) - math.Sin(1), 0, math.Cos(1) + math.Sin(1), 0}
		assert.InDeltaSlice(t, want, float64s(t, rotated), 1e-5)
		assert.InDeltaSlice(t, []float64{-0.3011687, 0, 1.3817733, 0}, float64s(t, rotated), 1e-5)

		// Input is not changed.
		assert.Equal(t, [][][][]float32{{{{1, 0, 1, 0}}}}, x.Value())
	})

	t.Run("IdentityAtZero", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(1, 1))
		rope := must.M1(NewRoPE(16, 10000))
		x := randomFeatures(rng, dtypes.Float32, 2, 3, 4, 16)
		rotated, err := rope.Apply(x, tensors.FromValue([]int32{0, 0, 0}), 1)
		require.NoError(t, err)
		assert.True(t, x.Equal(rotated))
	})

	t.Run("PreservesNorms", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(1, 2))
		rope := must.M1(NewRoPE(8, 10000))
		x := randomFeatures(rng, dtypes.Float64, 5, 8)
		rotated, err := rope.WithDType(dtypes.Float64).Apply(x, must.M1(SequentialPositions(17, 5)), 0)
		require.NoError(t, err)
		before, after := float64s(t, x), float64s(t, rotated)
		for row := range 5 {
			assert.InDelta(t, dot(before[row*8:(row+1)*8], before[row*8:(row+1)*8]),
				dot(after[row*8:(row+1)*8], after[row*8:(row+1)*8]), 1e-12)
		}
	})

	t.Run("RelativePositionInvariance", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(1, 3))
		for _, dtype := range []dtypes.DType{dtypes.Float64, dtypes.Float32} {
			rope := must.M1(NewRoPE(32, 10000)).WithDType(dtype)
			q := randomFeatures(rng, dtypes.Float64, 1, 32)
			k := randomFeatures(rng, dtypes.Float64, 1, 32)
			score := func(m, n int32) float64 {
				qm := must.M1(rope.Apply(q, tensors.FromValue([]int32{m}), 0))
				kn := must.M1(rope.Apply(k, tensors.FromValue([]int32{n}), 0))
				return dot(float64s(t, qm), float64s(t, kn))
			}
			tolerance := 1e-9
			if dtype == dtypes.Float32 {
				tolerance = 1e-4
			}
			reference := score(3, 7)
			for _, shift := range []int32{1, 10, 100, 1000} {
				assert.InDelta(t, reference, score(3+shift, 7+shift), tolerance, "dtype=%s, shift=%d", dtype, shift)
			}
		}
	})

	t.Run("NoLengthLimit", func(t *testing.T) {
		rope := must.M1(NewRoPE(4, 10000))
		cos, _, err := rope.CosSin(tensors.FromValue([]int64{1_000_000}))
		require.NoError(t, err)
		assert.InDelta(t, math.Cos(1_000_000), float64s(t, cos)[0], 1e-6)
	})

	t.Run("NegativePositions", func(t *testing.T) {
		rope := must.M1(NewRoPE(4, 10000))
		_, _, err := rope.CosSin(tensors.FromValue([]int32{0, -1}))
		assert.ErrorIs(t, err, ErrPositionOutOfRange)
		_, err = rope.Apply(tensors.FromValue([][]float32{{1, 0, 1, 0}}), tensors.FromValue([]int32{-3}), 0)
		assert.ErrorIs(t, err, ErrPositionOutOfRange)
	})

	t.Run("OddHeadDim", func(t *testing.T) {
		_, err := NewRoPE(7, 10000)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
		_, err = NewRoPE(8, 0)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		// Fields changed after construction are also validated.
		rope := must.M1(NewRoPE(8, 10000))
		rope.HeadDim = 7
		_, _, err = rope.CosSin(must.M1(SequentialPositions(0, 2)))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
		_, _, err = must.M1(NewRoPE(8, 10000)).WithDType(dtypes.Int32).CosSin(must.M1(SequentialPositions(0, 2)))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("DefaultPositions", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(1, 4))
		rope := must.M1(NewRoPE(8, 10000))
		x := randomFeatures(rng, dtypes.Float32, 2, 5, 3, 8)
		want := must.M1(rope.Apply(x, must.M1(SequentialPositions(0, 5)), 1))
		got := must.M1(rope.Apply(x, nil, 1))
		assert.True(t, want.Equal(got))
	})

	t.Run("BatchedPositions", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(1, 5))
		rope := must.M1(NewRoPE(8, 10000))
		x := randomFeatures(rng, dtypes.Float32, 2, 3, 1, 8)
		rotated, err := rope.Apply(x, tensors.FromValue([][]int32{{0, 1, 2}, {127, 128, 129}}), 1)
		require.NoError(t, err)

		values := float64s(t, x)
		for example, start := range []int{0, 127} {
			single := must.M1(tensors.FromFloat64s(dtypes.Float32, values[example*24:(example+1)*24], 1, 3, 1, 8))
			want := must.M1(rope.Apply(single, must.M1(SequentialPositions(start, 3)), 1))
			assert.Equal(t, float64s(t, want), float64s(t, rotated)[example*24:(example+1)*24], "example %d", example)
		}

		// Per-example positions require a batch axis in front of the sequence axis.
		_, err = rope.Apply(x, tensors.FromValue([][]int32{{0, 1, 2}}), 1)
		assert.ErrorIs(t, err, ErrShapeMismatch)
		_, err = rope.Apply(randomFeatures(rng, dtypes.Float32, 2, 8), tensors.FromValue([][]int32{{0}, {1}}), 0)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("SequenceAxis", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(1, 6))
		const batch, seq, heads, headDim = 2, 3, 4, 8
		rope := must.M1(NewRoPE(headDim, 10000))
		bshd := randomFeatures(rng, dtypes.Float32, batch, seq, heads, headDim)
		bshdValues := float64s(t, bshd)

		// Same features in [batch, heads, seq, headDim] layout.
		bhsdValues := make([]float64, len(bshdValues))
		for b := range batch {
			for s := range seq {
				for h := range heads {
					src := ((b*seq+s)*heads + h) * headDim
					dst := ((b*heads+h)*seq + s) * headDim
					copy(bhsdValues[dst:dst+headDim], bshdValues[src:src+headDim])
				}
			}
		}
		bhsd := must.M1(tensors.FromFloat64s(dtypes.Float32, bhsdValues, batch, heads, seq, headDim))

		positions := must.M1(SequentialPositions(5, seq))
		rotatedBSHD := float64s(t, must.M1(rope.Apply(bshd, positions, 1)))
		rotatedBHSD := must.M1(rope.Apply(bhsd, positions, 2))
		assert.Equal(t, bhsd.Shape(), rotatedBHSD.Shape())
		rotatedBHSDValues := float64s(t, rotatedBHSD)
		negativeAxis := float64s(t, must.M1(rope.Apply(bhsd, positions, -2)))
		assert.Equal(t, rotatedBHSDValues, negativeAxis)
		for b := range batch {
			for s := range seq {
				for h := range heads {
					src := ((b*seq+s)*heads + h) * headDim
					dst := ((b*heads+h)*seq + s) * headDim
					assert.Equal(t, rotatedBSHD[src:src+headDim], rotatedBHSDValues[dst:dst+headDim])
				}
			}
		}
	})

	t.Run("Interleaved", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(1, 7))
		const headDim = 8
		x := randomFeatures(rng, dtypes.Float64, 4, 2, headDim)
		xInterleaved := must.M1(tensors.FromFloat64s(dtypes.Float64, toInterleaved(float64s(t, x), headDim), 4, 2, headDim))
		positions := must.M1(SequentialPositions(3, 4))

		split := must.M1(NewRoPE(headDim, 10000))
		interleaved := must.M1(NewRoPE(headDim, 10000)).WithInterleaved(true)
		want := toInterleaved(float64s(t, must.M1(split.Apply(x, positions, 0))), headDim)
		got := float64s(t, must.M1(interleaved.Apply(xInterleaved, positions, 0)))
		assert.Equal(t, want, got)
	})

	t.Run("StorageDTypes", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(1, 8))
		x := randomFeatures(rng, dtypes.Float32, 6, 16)
		positions := must.M1(SequentialPositions(100, 6))
		reference := float64s(t, must.M1(must.M1(NewRoPE(16, 10000)).WithDType(dtypes.Float64).Apply(x, positions, 0)))
		for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16} {
			rope := must.M1(NewRoPE(16, 10000)).WithDType(dtype)
			cos, _, err := rope.CosSin(positions)
			require.NoError(t, err)
			assert.Equal(t, dtype, cos.DType())
			rotated := must.M1(rope.Apply(x, positions, 0))
			assert.Equal(t, dtypes.Float32, rotated.DType(), "output keeps the features dtype")
			// Each output is a combination of 2 features in [-1, 1] with angles rounded to dtype.
			assert.InDeltaSlice(t, reference, float64s(t, rotated), 4*dtype.Epsilon(), "dtype=%s", dtype)
		}
	})

	t.Run("FarPositionsComputedWide", func(t *testing.T) {
		// At large positions an angle computed in float32 or narrower is off by whole radians: only
		// the rounding of the final cos/sin to the storage dtype is allowed.
		const headDim = 64
		farPositions := []int32{50_000, 65_535, 131_071, 1_000_000}
		for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16} {
			rope := must.M1(NewRoPE(headDim, 10000)).WithDType(dtype)
			cos, sin := must.M2(rope.CosSin(tensors.FromValue(farPositions)))
			require.Equal(t, []int{len(farPositions), headDim}, cos.Shape().Dimensions)
			gotCos, gotSin := float64s(t, cos), float64s(t, sin)
			for row, position := range farPositions {
				for i := range headDim {
					angle := float64(position) * math.Pow(10000, -2*float64(i%(headDim/2))/headDim)
					ii := row*headDim + i
					require.InDeltaf(t, math.Cos(angle), gotCos[ii], dtype.Epsilon(),
						"cos: dtype=%s, position=%d, feature %d", dtype, position, i)
					require.InDeltaf(t, math.Sin(angle), gotSin[ii], dtype.Epsilon(),
						"sin: dtype=%s, position=%d, feature %d", dtype, position, i)
				}
			}
		}
	})
}

func TestRoPECache(t *testing.T) {
	t.Run("Construction", func(t *testing.T) {
		cache, err := NewRoPECache(8, 10000, 16)
		require.NoError(t, err)
		assert.Equal(t, 8, cache.HeadDim())
		assert.Equal(t, 16, cache.MaxPositions())
		assert.Equal(t, 10000.0, cache.BaseFreq())
		assert.Equal(t, dtypes.Float32, cache.DType())
		assert.Equal(t, uintptr(16*4*2*4), cache.Memory())
		assert.False(t, cache.Interleaved())

		_, err = NewRoPECache(7, 10000, 16)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
		_, err = NewRoPECache(8, -1, 16)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
		_, err = NewRoPECache(8, 10000, 0)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("Values", func(t *testing.T) {
		cache := must.M1(NewConfig(4).WithMaxPositions(10).WithDType(dtypes.Float64).NewCache())
		angles, err := cache.Get(tensors.FromValue([]int32{3}), 0)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 2}, angles.Shape().Dimensions)
		assert.InDeltaSlice(t, []float64{math.Cos(3), math.Sin(3), math.Cos(0.03), math.Sin(0.03)}, float64s(t, angles), 1e-15)
	})

	t.Run("GetContiguous", func(t *testing.T) {
		cache := must.M1(NewRoPECache(8, 10000, 16))
		angles, err := cache.Get(nil, 5)
		require.NoError(t, err)
		assert.Equal(t, []int{5, 4, 2}, angles.Shape().Dimensions)
		assert.True(t, angles.Equal(must.M1(cache.Get(must.M1(SequentialPositions(0, 5)), 0))))

		full, err := cache.Get(nil, 16)
		require.NoError(t, err)
		assert.Equal(t, []int{16, 4, 2}, full.Shape().Dimensions)

		_, err = cache.Get(nil, 17)
		assert.ErrorIs(t, err, ErrPositionOutOfRange)
		_, err = cache.Get(nil, 0)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("GetExplicit", func(t *testing.T) {
		cache := must.M1(NewRoPECache(8, 10000, 16))
		_, err := cache.Get(tensors.FromValue([]int32{15}), 0)
		require.NoError(t, err, "last cached position")
		_, err = cache.Get(tensors.FromValue([]int32{16}), 0)
		assert.ErrorIs(t, err, ErrPositionOutOfRange)
		_, err = cache.Get(tensors.FromValue([]int32{2, -1}), 0)
		assert.ErrorIs(t, err, ErrPositionOutOfRange)
		_, err = cache.Get(tensors.FromValue([]float32{2}), 0)
		assert.ErrorIs(t, err, ErrShapeMismatch)
		_, err = cache.Get(tensors.FromValue([][][]int32{{{2}}}), 0)
		assert.ErrorIs(t, err, ErrShapeMismatch)

		// Any order, with repetitions.
		angles := float64s(t, must.M1(cache.Get(tensors.FromValue([]int64{7, 2, 7}), 0)))
		row := func(pos int) []float64 {
			return float64s(t, must.M1(cache.Get(tensors.FromValue([]int{pos}), 0)))
		}
		assert.Equal(t, row(7), angles[0:8])
		assert.Equal(t, row(2), angles[8:16])
		assert.Equal(t, row(7), angles[16:24])

		batched, err := cache.Get(tensors.FromValue([][]int32{{0, 1}, {5, 6}, {1, 1}}), 0)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 2, 4, 2}, batched.Shape().Dimensions)
	})

	t.Run("ApplyBeyondCapacity", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(2, 1))
		cache := must.M1(NewRoPECache(8, 10000, 4))
		_, err := cache.Apply(randomFeatures(rng, dtypes.Float32, 1, 4, 2, 8), nil, 1)
		require.NoError(t, err)
		_, err = cache.Apply(randomFeatures(rng, dtypes.Float32, 1, 5, 2, 8), nil, 1)
		assert.ErrorIs(t, err, ErrPositionOutOfRange)
		_, err = cache.Apply(randomFeatures(rng, dtypes.Float32, 1, 2, 2, 8), tensors.FromValue([]int32{3, 4}), 1)
		assert.ErrorIs(t, err, ErrPositionOutOfRange)
	})

	t.Run("WithInterleavedSharesTable", func(t *testing.T) {
		cache := must.M1(NewRoPECache(8, 10000, 4))
		interleaved := cache.WithInterleaved(true)
		assert.NotSame(t, cache, interleaved)
		assert.False(t, cache.Interleaved())
		assert.True(t, interleaved.Interleaved())
		assert.Same(t, cache.table, interleaved.table)
	})

	t.Run("ConcurrentReaders", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(2, 2))
		cache := must.M1(NewRoPECache(16, 10000, 64))
		x := randomFeatures(rng, dtypes.Float32, 2, 32, 4, 16)
		want := must.M1(cache.Apply(x, nil, 1))

		const numReaders = 8
		results := make([]*tensors.Tensor, numReaders)
		errs := make([]error, numReaders)
		done := make(chan int)
		for reader := range numReaders {
			go func() {
				results[reader], errs[reader] = cache.Apply(x, nil, 1)
				done <- reader
			}()
		}
		for range numReaders {
			<-done
		}
		for reader := range numReaders {
			require.NoError(t, errs[reader])
			assert.True(t, want.Equal(results[reader]), "reader %d", reader)
		}
	})
}

func TestStrategyEquivalence(t *testing.T) {
	const batch, seq, heads, headDim, maxPositions = 2, 6, 3, 32, 512
	rng := rand.New(rand.NewPCG(3, 1))
	for _, dtype := range []dtypes.DType{dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.BFloat16} {
		for _, interleaved := range []bool{false, true} {
			config := NewConfig(headDim).WithDType(dtype).WithInterleaved(interleaved)
			rope := must.M1(config.NewRoPE())
			cache := must.M1(config.WithMaxPositions(maxPositions).NewCache())
			x := randomFeatures(rng, dtype, batch, seq, heads, headDim)
			for _, positions := range []*tensors.Tensor{
				nil,
				must.M1(SequentialPositions(maxPositions-seq, seq)),
				must.M1(RotatingPositions(maxPositions-2, seq, maxPositions)),
				tensors.FromValue([][]int32{{9, 3, 3, 0, 500, 511}, {1, 2, 3, 4, 5, 6}}),
			} {
				fromRoPE, err := rope.Apply(x, positions, 1)
				require.NoError(t, err)
				fromCache, err := cache.Apply(x, positions, 1)
				require.NoError(t, err)
				assert.Equal(t, dtype, fromCache.DType())
				// Never looser than 1e-3 relative, and tighter for the wider dtypes.
				tolerance := math.Min(1e-3, 2*dtype.Epsilon())
				want, got := float64s(t, fromRoPE), float64s(t, fromCache)
				for ii := range want {
					require.InDeltaf(t, want[ii], got[ii], tolerance*math.Max(1, math.Abs(want[ii])),
						"dtype=%s, interleaved=%v, positions=%v, element %d", dtype, interleaved, positions, ii)
				}
			}
		}
	}
}

func TestApplyLayouts(t *testing.T) {
	const seq, heads, headDim = 5, 2, 8
	rng := rand.New(rand.NewPCG(4, 1))
	rope := must.M1(NewRoPE(headDim, 10000))
	cache := must.M1(NewRoPECache(headDim, 10000, 64))
	positions := tensors.FromValue([]int32{4, 9, 10, 33, 63})
	cos, sin := must.M2(rope.CosSin(positions))
	cosSin := must.M1(cache.Get(positions, 0))

	t.Run("ConcatenatedHalfMatchesRoPE", func(t *testing.T) {
		x := randomFeatures(rng, dtypes.Float32, seq, heads, headDim)
		got := must.M1(ApplyConcatenatedHalf(x, cos, sin, 0))
		assert.True(t, must.M1(rope.Apply(x, positions, 0)).Equal(got))
	})

	t.Run("InterleavedPairsMatchesCache", func(t *testing.T) {
		x := randomFeatures(rng, dtypes.Float32, seq, heads, headDim)
		got := must.M1(ApplyInterleavedPairs(x, cosSin, 0))
		assert.True(t, must.M1(cache.WithInterleaved(true).Apply(x, positions, 0)).Equal(got))
	})

	t.Run("FeaturePermutation", func(t *testing.T) {
		// Both forms agree once features are permuted from split-half to interleaved order.
		x := randomFeatures(rng, dtypes.Float64, seq, heads, headDim)
		xInterleaved := must.M1(tensors.FromFloat64s(dtypes.Float64, toInterleaved(float64s(t, x), headDim), seq, heads, headDim))
		split := toInterleaved(float64s(t, must.M1(ApplyConcatenatedHalf(x, cos, sin, 0))), headDim)
		interleaved := float64s(t, must.M1(ApplyInterleavedPairs(xInterleaved, cosSin, 0)))
		assert.InDeltaSlice(t, split, interleaved, 1e-12)
	})

	t.Run("Batched", func(t *testing.T) {
		batchedPositions := tensors.FromValue([][]int32{{0, 1, 2, 3, 4}, {4, 9, 10, 33, 63}})
		batchedCos, batchedSin := must.M2(rope.CosSin(batchedPositions))
		assert.Equal(t, []int{2, seq, headDim}, batchedCos.Shape().Dimensions)
		x := randomFeatures(rng, dtypes.Float32, 2, seq, heads, headDim)
		fullWidth := must.M1(ApplyConcatenatedHalf(x, batchedCos, batchedSin, 1))
		assert.True(t, must.M1(rope.Apply(x, batchedPositions, 1)).Equal(fullWidth))

		batchedCosSin := must.M1(cache.Get(batchedPositions, 0))
		fromPairs := must.M1(ApplyInterleavedPairs(x, batchedCosSin, 1))
		assert.True(t, must.M1(cache.WithInterleaved(true).Apply(x, batchedPositions, 1)).Equal(fromPairs))
	})

	t.Run("Parallel", func(t *testing.T) {
		x := randomFeatures(rng, dtypes.Float32, 4, seq, heads, headDim)
		want := must.M1(rope.Apply(x, positions, 1))
		previous, previousParallelism := ParallelThreshold, rotationPool.MaxParallelism()
		ParallelThreshold = 1
		rotationPool.SetMaxParallelism(4)
		defer func() {
			ParallelThreshold = previous
			rotationPool.SetMaxParallelism(previousParallelism)
		}()
		got := must.M1(rope.Apply(x, positions, 1))
		assert.True(t, want.Equal(got))
	})

	t.Run("Errors", func(t *testing.T) {
		x := randomFeatures(rng, dtypes.Float32, seq, heads, headDim)
		for name, apply := range map[string]func() error{
			"wrong head dim": func() error {
				_, err := ApplyConcatenatedHalf(randomFeatures(rng, dtypes.Float32, seq, heads, 6), cos, sin, 0)
				return err
			},
			"wrong seq len": func() error {
				_, err := ApplyInterleavedPairs(randomFeatures(rng, dtypes.Float32, seq+1, heads, headDim), cosSin, 0)
				return err
			},
			"int features": func() error {
				_, err := ApplyConcatenatedHalf(tensors.FromScalarAndDimensions(int32(1), seq, headDim), cos, sin, 0)
				return err
			},
			"seqAxis out of range": func() error {
				_, err := ApplyConcatenatedHalf(x, cos, sin, 3)
				return err
			},
			"seqAxis is the feature axis": func() error {
				_, err := ApplyInterleavedPairs(x, cosSin, -1)
				return err
			},
			"nil features": func() error {
				_, err := ApplyInterleavedPairs(nil, cosSin, 0)
				return err
			},
			"cos and sin differ": func() error {
				_, shortSin := must.M2(rope.CosSin(must.M1(SequentialPositions(0, 2))))
				_, err := ApplyConcatenatedHalf(x, cos, shortSin, 0)
				return err
			},
			"cos and sin dtypes differ": func() error {
				_, wideSin := must.M2(must.M1(NewRoPE(headDim, 10000)).WithDType(dtypes.Float64).CosSin(positions))
				_, err := ApplyConcatenatedHalf(x, cos, wideSin, 0)
				return err
			},
			"paired axis is not 2": func() error {
				_, err := ApplyInterleavedPairs(x, randomFeatures(rng, dtypes.Float32, seq, headDim/2, 3), 0)
				return err
			},
			"not full-width": func() error {
				notDuplicated := randomFeatures(rng, dtypes.Float32, seq, headDim)
				_, err := ApplyConcatenatedHalf(x, notDuplicated, notDuplicated, 0)
				return err
			},
			"not paired": func() error {
				_, err := ApplyInterleavedPairs(x, cos, 0)
				return err
			},
			"float positions": func() error {
				_, err := rope.Apply(x, tensors.FromValue([]float32{0, 1, 2, 3, 4}), 0)
				return err
			},
			"positions length": func() error {
				_, err := rope.Apply(x, must.M1(SequentialPositions(0, seq-1)), 0)
				return err
			},
		} {
			assert.ErrorIs(t, apply(), ErrShapeMismatch, name)
		}
	})
}

func TestPositions(t *testing.T) {
	assert.Equal(t, []int32{5, 6, 7, 8}, must.M1(SequentialPositions(5, 4)).Value())
	assert.Equal(t, []int32{1022, 1023, 0, 1, 2}, must.M1(RotatingPositions(1022, 5, 1024)).Value())
	assert.Equal(t, []int32{2, 0, 1}, must.M1(RotatingPositions(5, 3, 3)).Value())

	_, err := SequentialPositions(0, 0)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = SequentialPositions(-1, 3)
	assert.ErrorIs(t, err, ErrPositionOutOfRange)
	_, err = SequentialPositions(math.MaxInt32-1, 3)
	assert.ErrorIs(t, err, ErrPositionOutOfRange)
	_, err = RotatingPositions(0, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	_, err = RotatingPositions(0, 0, 8)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = RotatingPositions(-1, 2, 8)
	assert.ErrorIs(t, err, ErrPositionOutOfRange)
}

func TestConfig(t *testing.T) {
	t.Run("Build", func(t *testing.T) {
		embedding, err := NewConfig(64).Build()
		require.NoError(t, err)
		rope, ok := embedding.(*RoPE)
		require.True(t, ok)
		assert.Equal(t, DefaultBaseFreq, rope.BaseFreq)
		assert.Equal(t, dtypes.Float32, rope.DType)

		embedding, err = NewConfig(64).WithBaseFreq(500000).WithMaxPositions(128).WithInterleaved(true).
			WithDType(dtypes.BFloat16).Build()
		require.NoError(t, err)
		cache, ok := embedding.(*RoPECache)
		require.True(t, ok)
		assert.Equal(t, 128, cache.MaxPositions())
		assert.Equal(t, 500000.0, cache.BaseFreq())
		assert.Equal(t, dtypes.BFloat16, cache.DType())
		assert.True(t, cache.Interleaved())
	})

	t.Run("Invalid", func(t *testing.T) {
		for name, config := range map[string]*Config{
			"odd head dim":      NewConfig(7),
			"zero base":         NewConfig(8).WithBaseFreq(0),
			"negative max":      NewConfig(8).WithMaxPositions(-1),
			"int storage dtype": NewConfig(8).WithDType(dtypes.Int64),
		} {
			assert.ErrorIs(t, config.Validate(), ErrInvalidConfiguration, name)
			embedding, err := config.Build()
			assert.ErrorIs(t, err, ErrInvalidConfiguration, name)
			assert.Nil(t, embedding, name)
		}
		_, err := NewConfig(8).NewCache()
		assert.True(t, errors.Is(err, ErrInvalidConfiguration), "a cache requires MaxPositions > 0")
	})
}
