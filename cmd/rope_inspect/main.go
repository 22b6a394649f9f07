// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// rope_inspect prints the rotary position embedding tables for a given configuration: the frequencies,
// the cos/sin angles of selected positions and the memory used by a precomputed cache. Optionally it
// runs a sweep comparing the on-the-fly and the precomputed strategies on random features.
//
// Example:
//
//	rope_inspect -head_dim=128 -base=500000 -max_positions=8192 -dtype=bfloat16 -positions=0,1,8191 -sweep=100
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/rope/pkg/core/dtypes"
	"github.com/gomlx/rope/pkg/ml/layers/attention/pos"
	"github.com/gomlx/rope/pkg/support/xslices"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagHeadDim      = flag.Int("head_dim", 64, "Dimension of each attention head, it must be even.")
	flagBase         = flag.Float64("base", pos.DefaultBaseFreq, "Base frequency of the rotations.")
	flagMaxPositions = flag.Int("max_positions", 2048, "Number of positions of the precomputed cache.")
	flagDType        = flag.String("dtype", "float32", "Storage dtype of the angles: float64, float32, float16 or bfloat16.")
	flagInterleaved  = flag.Bool("interleaved", false, "Rotate interleaved pairs (2i, 2i+1) instead of (i, i+head_dim/2).")
	flagPositions    = xslices.Flag("positions", []int{0, 1, 2, 1023},
		"Comma-separated list of positions for which to print the angles.", xslices.ParseInt)
	flagFreqs = flag.Bool("freqs", true, "Lists the frequency of each pair of features.")
	flagCache = flag.Bool("cache", true, "Display a summary of the precomputed cache.")
	flagSweep = flag.Int("sweep", 0, "Number of random batches used to compare the on-the-fly and cached strategies. "+
		"0 disables the sweep.")
	flagSeed        = flag.Uint64("seed", 42, "Random seed for the sweep.")
	flagParallelism = flag.Int("parallelism", runtime.NumCPU(),
		"Number of goroutines used to rotate large tensors and build the cache. 0 disables parallelism, -1 is unlimited.")
	flagNoColor = flag.Bool("no_color", false, "Disable colors and text styles in the output.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'rope_inspect -help'.", flag.Args())
		os.Exit(1)
	}
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	pos.SetMaxParallelism(*flagParallelism)
	dtype, err := dtypes.FromName(*flagDType)
	if err != nil {
		klog.Fatalf("Invalid -dtype: %+v", err)
	}
	config := pos.NewConfig(*flagHeadDim).
		WithBaseFreq(*flagBase).
		WithMaxPositions(*flagMaxPositions).
		WithDType(dtype).
		WithInterleaved(*flagInterleaved)
	if err := report(config); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

func report(config *pos.Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if *flagFreqs {
		table, err := frequenciesTable(config)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("Frequencies"))
		fmt.Println(table.Render())
	}
	if len(*flagPositions) > 0 {
		table, err := anglesTable(config, *flagPositions)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("Angles"))
		fmt.Println(table.Render())
	}
	if *flagCache && config.MaxPositions > 0 {
		table, err := cacheTable(config)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("Cache"))
		fmt.Println(table.Render())
	}
	if *flagSweep > 0 {
		result, err := sweep(config, *flagSweep, *flagSeed, os.Stderr)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("Strategies Equivalence"))
		fmt.Println(sweepTable(result).Render())
	}
	return nil
}
