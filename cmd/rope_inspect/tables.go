// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/rope/pkg/core/tensors"
	"github.com/gomlx/rope/pkg/ml/layers/attention/pos"
	"github.com/janpfeifer/must"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// maxTableFeatures is the maximum number of feature pairs listed in the angles table.
const maxTableFeatures = 4

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Right
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

// frequenciesTable lists θᵢ and the wavelength (in positions) of each pair of features.
func frequenciesTable(config *pos.Config) (*lgtable.Table, error) {
	freqs, err := pos.InverseFrequencies(config.HeadDim, config.BaseFreq)
	if err != nil {
		return nil, err
	}
	table := newPlainTable().Headers("Pair", "Features", "θ", "Wavelength")
	for i, freq := range freqs {
		table.Row(
			fmt.Sprint(i),
			featuresOfPair(i, config.HeadDim, config.Interleaved),
			fmt.Sprintf("%.6g", freq),
			humanize.CommafWithDigits(2*math.Pi/freq, 1),
		)
	}
	return table, nil
}

func featuresOfPair(pair, headDim int, interleaved bool) string {
	if interleaved {
		return fmt.Sprintf("(%d, %d)", 2*pair, 2*pair+1)
	}
	return fmt.Sprintf("(%d, %d)", pair, pair+headDim/2)
}

// anglesTable lists the (cos, sin) of the first pairs of features for each of the positions,
// as computed (and stored) by the on-the-fly strategy.
func anglesTable(config *pos.Config, positions []int) (*lgtable.Table, error) {
	rope, err := config.NewRoPE()
	if err != nil {
		return nil, err
	}
	cos, sin, err := rope.CosSin(tensors.FromValue(positions))
	if err != nil {
		return nil, err
	}
	cosValues, sinValues := must.M1(tensors.ToFloat64s(cos)), must.M1(tensors.ToFloat64s(sin))
	numPairs := min(config.HeadDim/2, maxTableFeatures)
	headers := []string{"Position"}
	for i := range numPairs {
		headers = append(headers, fmt.Sprintf("Pair %d (cos, sin)", i))
	}
	table := newPlainTable().Headers(headers...)
	for row, position := range positions {
		cells := []string{humanize.Comma(int64(position))}
		for i := range numPairs {
			idx := row*config.HeadDim + i
			cells = append(cells, fmt.Sprintf("(%+.4f, %+.4f)", cosValues[idx], sinValues[idx]))
		}
		table.Row(cells...)
	}
	return table, nil
}

// cacheTable builds the precomputed cache and reports its size.
func cacheTable(config *pos.Config) (*lgtable.Table, error) {
	cache, err := config.NewCache()
	if err != nil {
		return nil, err
	}
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("head_dim", fmt.Sprint(cache.HeadDim()))
	table.Row("base", fmt.Sprintf("%g", cache.BaseFreq()))
	table.Row("dtype", cache.DType().String())
	table.Row("interleaved", fmt.Sprint(cache.Interleaved()))
	table.Row("# positions", humanize.Comma(int64(cache.MaxPositions())))
	table.Row("# values", humanize.Comma(int64(cache.MaxPositions()*cache.HeadDim())))
	table.Row("# bytes", humanize.Bytes(uint64(cache.Memory())))
	return table, nil
}

func sweepTable(result *sweepResult) *lgtable.Table {
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("# batches", humanize.Comma(int64(result.NumBatches)))
	table.Row("# values compared", humanize.Comma(int64(result.NumValues)))
	table.Row("max abs difference", fmt.Sprintf("%.3g", result.MaxAbsDiff))
	table.Row("max relative difference", fmt.Sprintf("%.3g", result.MaxRelDiff))
	table.Row("# batches within epsilon", humanize.Comma(int64(result.NumBatchesWithinEpsilon)))
	table.Row("max difference to float64", fmt.Sprintf("%.3g", result.MaxReferenceDiff))
	return table
}
