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

import (
	"fmt"

	"gvisor.dev/sharedregion/pkg/bits"
	"gvisor.dev/sharedregion/pkg/ptrauth"
)

const (
	v5PageAttrNoRebase = 0xffff

	v5NextMask       = 0x7ff0000000000000 // bits 52..62, in 8-byte units
	v5NextShift      = 52
	v5AuthBit        = 1 << 63
	v5RuntimeOffset  = 0x00000003ffffffff // bits 0..33
	v5High8Mask      = 0x000003fc00000000 // bits 34..41
	v5High8Shift     = 22                 // moves bits 34..41 to 56..63
	v5DiversityMask  = 0x0003fffc00000000 // bits 34..49
	v5DiversityShift = 34
	v5AddrDivBit     = 1 << 50
	v5KeyIsDataBit   = 1 << 51
)

// V5 chains 64-bit pointers for 16 KiB pages. Pointers hold a 34-bit
// offset from ValueAdd, and authenticated pointers select between the IA
// and DA keys.
type V5 struct {
	// ValueAdd is the cache base.
	ValueAdd uint64

	// PageStarts holds, per page, the byte offset of the first pointer.
	PageStarts []uint16
}

func parseV5(blob []byte) (*V5, error) {
	pageSize := le.Uint32(blob[4:])
	startsCount := le.Uint32(blob[8:])
	if pageSize != pageSize16K {
		return nil, fmt.Errorf("%w: %d, want %d", ErrPageSize, pageSize, pageSize16K)
	}
	if err := checkTrailing(v3HeaderSize, uint64(startsCount), len(blob)); err != nil {
		return nil, err
	}
	starts, err := readTable(blob, v3HeaderSize, startsCount)
	if err != nil {
		return nil, err
	}
	return &V5{ValueAdd: le.Uint64(blob[16:]), PageStarts: starts}, nil
}

// Version implements Format.Version.
func (*V5) Version() uint32 { return 5 }

// PageSize implements Format.PageSize.
func (*V5) PageSize() int { return pageSize16K }

// PageCount implements Format.PageCount.
func (v *V5) PageCount() int { return len(v.PageStarts) }

func (*V5) sealed() {}

// MarshalBinary implements Format.MarshalBinary.
func (v *V5) MarshalBinary() ([]byte, error) {
	return marshalStarts(5, pageSize16K, v.ValueAdd, v.PageStarts), nil
}

func (v *V5) slidePage(page []byte, slide uint64, opts *PageOpts) error {
	if opts.PageIndex >= len(v.PageStarts) {
		return fmt.Errorf("%w: %d of %d", ErrPageIndex, opts.PageIndex, len(v.PageStarts))
	}
	start := v.PageStarts[opts.PageIndex]
	if start == v5PageAttrNoRebase {
		return nil
	}
	return walkChain64(page, uint64(start), func(off int, raw uint64) (uint64, uint64, error) {
		next := bits.Field[uint64](raw, v5NextMask) * 8
		value := raw&v5RuntimeOffset + v.ValueAdd + slide
		if !bits.IsAnyOn[uint64](raw, v5AuthBit) {
			return value | (raw&v5High8Mask)<<v5High8Shift, next, nil
		}
		if opts.signing() {
			diversity := uint16(bits.Field[uint64](raw, v5DiversityMask))
			key := ptrauth.KeyIA
			if bits.IsAnyOn[uint64](raw, v5KeyIsDataBit) {
				key = ptrauth.KeyDA
			}
			value = sign(opts, off, value, key, diversity, bits.IsAnyOn[uint64](raw, v5AddrDivBit))
		}
		return value, next, nil
	})
}
