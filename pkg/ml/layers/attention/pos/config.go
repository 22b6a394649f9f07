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
	"github.com/gomlx/rope/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Config holds the rotary embedding hyperparameters, usually read from a model's configuration,
// and builds the corresponding PositionalEmbedding.
//
// Example:
//
//	embedding, err := pos.NewConfig(128).WithBaseFreq(500000).WithMaxPositions(8192).Build()
type Config struct {
	// HeadDim is the dimension of each attention head, the axis being rotated. It must be even.
	HeadDim int

	// BaseFreq is the base of the geometric progression of frequencies. Default is DefaultBaseFreq.
	BaseFreq float64

	// MaxPositions, if > 0, selects the precomputed RoPECache with that many positions.
	// If 0, the on-the-fly RoPE is used.
	MaxPositions int

	// DType used to store the angles. Default is Float32.
	DType dtypes.DType

	// Interleaved selects pairs (2i, 2i+1) instead of (i, i+HeadDim/2).
	Interleaved bool
}

// NewConfig returns a Config for the given head dimension, with default values for everything else.
func NewConfig(headDim int) *Config {
	return &Config{
		HeadDim:  headDim,
		BaseFreq: DefaultBaseFreq,
		DType:    dtypes.Float32,
	}
}

// WithBaseFreq sets the base frequency. Returns the Config for method chaining.
func (c *Config) WithBaseFreq(baseFreq float64) *Config {
	c.BaseFreq = baseFreq
	return c
}

// WithMaxPositions sets the number of positions to precompute. 0 selects the on-the-fly strategy.
// Returns the Config for method chaining.
func (c *Config) WithMaxPositions(maxPositions int) *Config {
	c.MaxPositions = maxPositions
	return c
}

// WithDType sets the storage dtype of the angles. Returns the Config for method chaining.
func (c *Config) WithDType(dtype dtypes.DType) *Config {
	c.DType = dtype
	return c
}

// WithInterleaved selects the interleaved pairing. Returns the Config for method chaining.
func (c *Config) WithInterleaved(interleaved bool) *Config {
	c.Interleaved = interleaved
	return c
}

// Validate returns an error wrapping ErrInvalidConfiguration if the configuration is not valid.
func (c *Config) Validate() error {
	if err := validateBasis(c.HeadDim, c.BaseFreq); err != nil {
		return err
	}
	if c.MaxPositions < 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "maxPositions must be >= 0, got %d", c.MaxPositions)
	}
	return validateStorageDType(c.DType)
}

// NewRoPE returns the on-the-fly RoPE for this configuration. MaxPositions is ignored.
func (c *Config) NewRoPE() (*RoPE, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &RoPE{
		HeadDim:     c.HeadDim,
		BaseFreq:    c.BaseFreq,
		DType:       c.DType,
		Interleaved: c.Interleaved,
	}, nil
}

// NewCache returns the precomputed RoPECache for this configuration. MaxPositions must be positive.
func (c *Config) NewCache() (*RoPECache, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cache, err := newRoPECache(c.HeadDim, c.BaseFreq, c.MaxPositions, c.DType)
	if err != nil {
		return nil, err
	}
	return cache.WithInterleaved(c.Interleaved), nil
}

// Build returns the PositionalEmbedding selected by the configuration: a RoPECache if MaxPositions > 0,
// a RoPE otherwise.
func (c *Config) Build() (PositionalEmbedding, error) {
	if c.MaxPositions > 0 {
		cache, err := c.NewCache()
		if err != nil {
			return nil, err
		}
		return cache, nil
	}
	rope, err := c.NewRoPE()
	if err != nil {
		return nil, err
	}
	return rope, nil
}
