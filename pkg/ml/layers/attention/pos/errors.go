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

import "github.com/pkg/errors"

// Errors returned by this package are wrapped (with context) around one of these sentinels,
// so they can be tested with errors.Is.
var (
	// ErrInvalidConfiguration is returned for an odd or non-positive head dimension, a non-positive
	// (or non-finite) base frequency, a non-positive number of cached positions or an unsupported
	// storage dtype.
	ErrInvalidConfiguration = errors.New("invalid rotary embedding configuration")

	// ErrPositionOutOfRange is returned for negative positions, or positions (or sequence lengths)
	// beyond the capacity of a RoPECache.
	ErrPositionOutOfRange = errors.New("position out of range")

	// ErrShapeMismatch is returned when the shapes or dtypes of the feature, position or angle tensors
	// are inconsistent with each other or with the configured head dimension.
	ErrShapeMismatch = errors.New("shape mismatch")
)
