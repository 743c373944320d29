// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bits includes bit-level operations on integral types.
package bits

import (
	mathbits "math/bits"

	"golang.org/x/exp/constraints"
)

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn[T constraints.Integer](mask, bits T) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn[T constraints.Integer](mask, bits T) bool {
	return mask&bits != 0
}

// MaskOf returns a T with only bit i set.
func MaskOf[T constraints.Unsigned](i int) T {
	return T(1) << T(i)
}

// Field extracts the bits of v selected by mask, shifted down so that the
// lowest bit of mask becomes bit 0.
func Field[T constraints.Unsigned](v, mask T) T {
	if mask == 0 {
		return 0
	}
	return (v & mask) >> TrailingZeros64(uint64(mask))
}

// IsPowerOfTwo returns true if v is a power of 2.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignDown returns the largest multiple of alignment <= v.
//
// Preconditions: alignment is a power of 2.
func AlignDown[T constraints.Unsigned](v, alignment T) T {
	return v &^ (alignment - 1)
}

// TrailingZeros64 returns the number of bits before the least significant 1
// bit in x; in other words, it returns the index of the least significant 1
// bit in x. If x is 0, TrailingZeros64 returns 64.
func TrailingZeros64(x uint64) int {
	return mathbits.TrailingZeros64(x)
}

// ForEachSetBit64 calls f once for each set bit in x, with argument i equal to
// the set bit's index.
func ForEachSetBit64(x uint64, f func(i int)) {
	for x != 0 {
		i := TrailingZeros64(x)
		f(i)
		x &^= MaskOf[uint64](i)
	}
}
