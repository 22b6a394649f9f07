// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bfloat16 is a small implementation for the bfloat16 type,
// based on https://github.com/x448/float16 and the pending issue in
// https://github.com/x448/float16/issues/22
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 (brain floating point) floating-point format occupies 16 bits: it keeps the 8 bits
// exponent of a float32 and only 7 bits of mantissa. So it has the range of a float32, with
// roughly 2 to 3 significant decimal digits.
//
// It is commonly the storage dtype of model weights, and hence of the rotated queries and keys.
type BFloat16 uint16

// Float32 converts the BFloat16 to a float32. It is exact.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// Float64 converts the BFloat16 to a float64. It is exact.
func (f BFloat16) Float64() float64 {
	return float64(f.Float32())
}

// FromFloat32 converts a float32 to a BFloat16, rounding to the nearest even value.
// NaN values are kept as (quiet) NaN.
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if x != x {
		// Keep the sign and force a quiet NaN, otherwise the rounding could turn it into an infinity.
		return BFloat16((bits >> 16) | 0x0040)
	}
	lsb := (bits >> 16) & 1
	bits += 0x7FFF + lsb
	return BFloat16(bits >> 16)
}

// FromFloat64 converts a float64 to a BFloat16, rounding to the nearest even value.
//
// The conversion goes through a float32 rounded to odd (see Float32RoundToOdd), so it is rounded only once.
func FromFloat64(x float64) BFloat16 {
	return FromFloat32(Float32RoundToOdd(x))
}

// Float32RoundToOdd converts x to float32 rounding to odd: inexact results are truncated and get their
// last mantissa bit set.
//
// Rounding the result again to any format with at least 2 bits less of mantissa (BFloat16, Float16) gives
// the same value as rounding x directly to the nearest even, avoiding the double rounding errors
// of going through float32(x).
func Float32RoundToOdd(x float64) float32 {
	f := float32(x)
	if float64(f) == x || x != x || math.IsInf(float64(f), 0) {
		return f
	}
	bits := math.Float32bits(f)
	if bits&1 == 0 {
		// f is the even neighbour, take the odd one on the other side of x.
		if math.Abs(float64(f)) < math.Abs(x) {
			bits++
		} else {
			bits--
		}
	}
	return math.Float32frombits(bits)
}

// String implements fmt.Stringer, and prints a float representation of the BFloat16.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// Inf returns a BFloat16 with an infinity value with the specified sign.
// A sign >= 0 returns positive infinity.
// A sign < 0 returns negative infinity.
func Inf(sign int) BFloat16 {
	if sign >= 0 {
		return BFloat16(0x7F80)
	}
	return BFloat16(0xFF80)
}

// SmallestNonzero is the smallest nonzero denormal value for bfloat16 (9.1835e-41).
const SmallestNonzero = BFloat16(0x0001)
