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

	"github.com/pkg/errors"
)

// DefaultBaseFreq is the base frequency used by most models, from "Attention Is All You Need".
const DefaultBaseFreq = 10000.0

// InverseFrequencies returns the rotation frequency of each pair of features:
//
//	θᵢ = baseFreq^(-2i/headDim), for i in [0, headDim/2)
//
// The angle of pair i at position m is m·θᵢ. θ₀ is always 1 and the frequencies decrease geometrically.
//
// It returns ErrInvalidConfiguration if headDim is odd or not positive, or if baseFreq is not
// a positive finite number.
func InverseFrequencies(headDim int, baseFreq float64) ([]float64, error) {
	if err := validateBasis(headDim, baseFreq); err != nil {
		return nil, err
	}
	halfDim := headDim / 2
	freqs := make([]float64, halfDim)
	for i := range freqs {
		freqs[i] = math.Pow(baseFreq, -2*float64(i)/float64(headDim))
	}
	return freqs, nil
}

func validateBasis(headDim int, baseFreq float64) error {
	if headDim <= 0 || headDim%2 != 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "head dimension must be even and positive, got %d", headDim)
	}
	if !(baseFreq > 0) || math.IsInf(baseFreq, 0) {
		return errors.Wrapf(ErrInvalidConfiguration, "base frequency must be a positive finite number, got %g", baseFreq)
	}
	return nil
}
