// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"math"
	"math/rand/v2"

	"github.com/gomlx/rope/pkg/core/dtypes"
	"github.com/gomlx/rope/pkg/core/tensors"
	"github.com/gomlx/rope/pkg/ml/layers/attention/pos"
	"github.com/gomlx/rope/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Dimensions of the random features used in the sweep: [sweepBatchSize, sweepSeqLen, sweepHeads, headDim].
const (
	sweepBatchSize = 2
	sweepSeqLen    = 16
	sweepHeads     = 4
)

type sweepResult struct {
	NumBatches, NumValues  int
	MaxAbsDiff, MaxRelDiff float64

	// NumBatchesWithinEpsilon counts the batches where both strategies agree within one epsilon of the dtype.
	NumBatchesWithinEpsilon int

	// MaxReferenceDiff is the largest difference between the on-the-fly strategy and the same
	// rotation computed and stored in float64.
	MaxReferenceDiff float64
}

// sweep rotates numBatches of random features at random positions with both strategies and reports
// the largest differences found, between them and against a float64 reference.
// Progress is written to progressWriter.
func sweep(config *pos.Config, numBatches int, seed uint64, progressWriter io.Writer) (*sweepResult, error) {
	if config.MaxPositions < sweepSeqLen {
		return nil, errors.Errorf("sweep requires max_positions >= %d, got %d", sweepSeqLen, config.MaxPositions)
	}
	rope, err := config.NewRoPE()
	if err != nil {
		return nil, err
	}
	cache, err := config.NewCache()
	if err != nil {
		return nil, err
	}
	reference, err := config.NewRoPE()
	if err != nil {
		return nil, err
	}
	reference.WithDType(dtypes.Float64)

	bar := progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription("Comparing strategies"),
		progressbar.OptionSetWriter(progressWriter),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	rng := rand.New(rand.NewPCG(seed, seed))
	result := &sweepResult{NumBatches: numBatches}
	for range numBatches {
		features := make([]float64, sweepBatchSize*sweepSeqLen*sweepHeads*config.HeadDim)
		for ii := range features {
			features[ii] = 2*rng.Float64() - 1
		}
		x, err := tensors.FromFloat64s(config.DType, features, sweepBatchSize, sweepSeqLen, sweepHeads, config.HeadDim)
		if err != nil {
			return nil, err
		}
		positions := make([]int32, sweepBatchSize*sweepSeqLen)
		for ii := range positions {
			positions[ii] = int32(rng.IntN(config.MaxPositions))
		}
		positionsT := tensors.FromFlatDataAndDimensions(positions, sweepBatchSize, sweepSeqLen)

		fromRoPE, err := rope.Apply(x, positionsT, 1)
		if err != nil {
			return nil, err
		}
		fromCache, err := cache.Apply(x, positionsT, 1)
		if err != nil {
			return nil, err
		}
		fromReference, err := reference.Apply(x, positionsT, 1)
		if err != nil {
			return nil, err
		}
		if fromCache.InDelta(fromRoPE, config.DType.Epsilon()) {
			result.NumBatchesWithinEpsilon++
		}
		want, err := tensors.ToFloat64s(fromRoPE)
		if err != nil {
			return nil, err
		}
		got, err := tensors.ToFloat64s(fromCache)
		if err != nil {
			return nil, err
		}
		wide, err := tensors.ToFloat64s(fromReference)
		if err != nil {
			return nil, err
		}
		result.MaxAbsDiff = max(result.MaxAbsDiff, xslices.MaxAbsDiff(want, got))
		result.MaxReferenceDiff = max(result.MaxReferenceDiff, xslices.MaxAbsDiff(wide, want))
		for ii := range want {
			if want[ii] != 0 {
				result.MaxRelDiff = max(result.MaxRelDiff, math.Abs(want[ii]-got[ii])/math.Abs(want[ii]))
			}
		}
		result.NumValues += len(want)
		if err := bar.Add(1); err != nil {
			klog.V(1).Infof("progress bar: %v", err)
		}
	}
	if err := bar.Finish(); err != nil {
		klog.V(1).Infof("progress bar: %v", err)
	}
	return result, nil
}
