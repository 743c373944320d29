// Copyright 2026 The gVisor Authors.
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

package slideinfo

import "fmt"

const (
	v4PageNoRebase = 0xffff // page has no rebasing
	v4PageIndex    = 0x7fff // mask of page_starts[] values
	v4PageUseExtra = 0x8000 // index is into extras array (not a chain start offset)
	v4PageExtraEnd = 0x8000 // last chain entry for page

	// Values with none of these bits set are small positive integers.
	v4SmallPositiveMask = 0xffff8000

	// Values with all of these bits set are small negative integers whose
	// sign bits were cleared by the delta mask.
	v4SmallNegativeMask = 0x3fff8000
	v4SignExtend        = 0xc0000000
)

// V4 is the 32-bit chained layout. It shares V2's chain mechanics but leaves
// small integers that share a chain with pointers untouched.
type V4 struct {
	// DeltaMask selects the bits holding the distance to the next location.
	DeltaMask uint64

	// ValueAdd is the cache base.
	ValueAdd uint64

	// PageStarts holds one entry per page.
	PageStarts []uint16

	// PageExtras holds chain starts for pages with more than one chain.
	PageExtras []uint16
}

func parseV4(blob []byte) (*V4, error) {
	h, err := parseChainHeader(blob)
	if err != nil {
		return nil, err
	}
	return &V4{DeltaMask: h.deltaMask, ValueAdd: h.valueAdd, PageStarts: h.starts, PageExtras: h.extras}, nil
}

// Version implements Format.Version.
func (*V4) Version() uint32 { return 4 }

// PageSize implements Format.PageSize.
func (*V4) PageSize() int { return pageSize4K }

// PageCount implements Format.PageCount.
func (v *V4) PageCount() int { return len(v.PageStarts) }

func (*V4) sealed() {}

// MarshalBinary implements Format.MarshalBinary.
func (v *V4) MarshalBinary() ([]byte, error) {
	return marshalChainHeader(4, v.DeltaMask, v.ValueAdd, v.PageStarts, v.PageExtras), nil
}

func fixupV4(value, valueAdd, slide uint32) uint32 {
	switch {
	case value&v4SmallPositiveMask == 0:
		return value
	case value&v4SmallNegativeMask == v4SmallNegativeMask:
		return value | v4SignExtend
	default:
		return value + valueAdd + slide
	}
}

func (v *V4) slidePage(page []byte, slide uint64, opts *PageOpts) error {
	if opts.PageIndex >= len(v.PageStarts) {
		return fmt.Errorf("%w: %d of %d", ErrPageIndex, opts.PageIndex, len(v.PageStarts))
	}
	entry := v.PageStarts[opts.PageIndex]
	if entry == v4PageNoRebase {
		return nil
	}
	if entry&v4PageUseExtra == 0 {
		return rebaseChain32(page, uint32(entry)<<pageOffsetShift, slide, v.DeltaMask, v.ValueAdd, fixupV4)
	}
	for i := int(entry & v4PageIndex); ; i++ {
		if i >= len(v.PageExtras) {
			return fmt.Errorf("%w: extras index %d of %d", ErrMalformed, i, len(v.PageExtras))
		}
		info := v.PageExtras[i]
		start := uint32(info&v4PageIndex) << pageOffsetShift
		if err := rebaseChain32(page, start, slide, v.DeltaMask, v.ValueAdd, fixupV4); err != nil {
			return err
		}
		if info&v4PageExtraEnd != 0 {
			return nil
		}
	}
}
