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

package bits

import (
	"reflect"
	"testing"
)

func TestTrailingZeros64(t *testing.T) {
	for i := 0; i <= 64; i++ {
		n := uint64(1) << uint(i)
		if got, want := TrailingZeros64(n), i; got != want {
			t.Errorf("TrailingZeros64(%#x): got %d, wanted %d", n, got, want)
		}
	}

	for i := 0; i < 64; i++ {
		n := ^uint64(0) << uint(i)
		if got, want := TrailingZeros64(n), i; got != want {
			t.Errorf("TrailingZeros64(%#x): got %d, wanted %d", n, got, want)
		}
	}
}

func TestForEachSetBit64(t *testing.T) {
	for _, want := range [][]int{
		{},
		{0},
		{1},
		{63},
		{0, 1},
		{1, 3, 5},
		{0, 63},
	} {
		var n uint64
		for _, i := range want {
			n |= MaskOf[uint64](i)
		}
		got := make([]int, 0)
		ForEachSetBit64(n, func(i int) {
			got = append(got, i)
		})
		if !reflect.DeepEqual(got, want) {
			t.Errorf("ForEachSetBit64(%#x): iterated bits %v, wanted %v", n, got, want)
		}
	}
}

func TestIsOn(t *testing.T) {
	type testCase struct {
		mask uint64
		bits uint64
		any  bool
		all  bool
	}
	for _, s := range []testCase{
		{0x1, 0x1, true, true},
		{1 << 63, 1 << 63, true, true},
		{0x1, 0x2, false, false},
		{0x1, 0x3, true, false},

		{1<<63 | 0x2, 0x2, true, true},
		{1<<63 | 0x2, 1<<63 | 0x2, true, true},
		{1<<63 | 0x2, 1<<63 | 0x3, true, false},
		{1<<63 | 0x2, 1<<62 | 0x1, false, false},
	} {
		if ok := IsAnyOn(s.mask, s.bits); ok != s.any {
			t.Errorf("IsAnyOn(%#x, %#x) = %v, wanted: %v", s.mask, s.bits, ok, s.any)
		}
		if ok := IsOn(s.mask, s.bits); ok != s.all {
			t.Errorf("IsOn(%#x, %#x) = %v, wanted: %v", s.mask, s.bits, ok, s.all)
		}
	}
}

func TestField(t *testing.T) {
	for _, tc := range []struct {
		v, mask, want uint64
	}{
		{0x3FF8000000000000, 0x3FF8000000000000, 0x7FF},
		{0x0008000000000000, 0x3FF8000000000000, 1},
		{0xFFFF, 0, 0},
		{0xABCD, 0xFF00, 0xAB},
	} {
		if got := Field(tc.v, tc.mask); got != tc.want {
			t.Errorf("Field(%#x, %#x) = %#x, wanted %#x", tc.v, tc.mask, got, tc.want)
		}
	}
}

func TestAlign(t *testing.T) {
	if got := AlignDown[uint64](0x1fff, 0x1000); got != 0x1000 {
		t.Errorf("AlignDown(0x1fff, 0x1000) = %#x, wanted 0x1000", got)
	}
	if IsPowerOfTwo[uint32](0) || !IsPowerOfTwo[uint32](0x4000) || IsPowerOfTwo[uint32](0x3000) {
		t.Errorf("IsPowerOfTwo misclassified")
	}
}
