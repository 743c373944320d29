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
	// v3HeaderSize is version, page size, starts count, padding and the
	// authenticated value add.
	v3HeaderSize = 24

	v3PageAttrNoRebase = 0xffff

	v3NextMask      = 0x3ff8000000000000 // bits 51..61, in 8-byte units
	v3NextShift     = 51
	v3BindBit       = 1 << 62
	v3AuthBit       = 1 << 63
	v3AuthOffset    = 0xffffffff         // offset from the cache base
	v3DiversityMask = 0x0000ffff00000000 // bits 32..47
	v3AddrDivBit    = 1 << 48
	v3KeyShift      = 49
	v3KeyMask       = 0x0006000000000000 // bits 49..50
	v3Top8Mask      = 0x0007f80000000000 // bits 43..50
	v3Top8Shift     = 13                 // moves bits 43..50 to 56..63
	v3Bottom43Mask  = 0x000007ffffffffff
)

// V3 chains 64-bit pointers that may be authenticated.
type V3 struct {
	// AuthValueAdd is the cache base added to authenticated offsets.
	AuthValueAdd uint64

	// PageStarts holds, per page, the byte offset of the first pointer.
	PageStarts []uint16
}

func parseV3(blob []byte) (*V3, error) {
	pageSize := le.Uint32(blob[4:])
	startsCount := le.Uint32(blob[8:])
	if pageSize != pageSize4K {
		return nil, fmt.Errorf("%w: %d, want %d", ErrPageSize, pageSize, pageSize4K)
	}
	if err := checkTrailing(v3HeaderSize, uint64(startsCount), len(blob)); err != nil {
		return nil, err
	}
	starts, err := readTable(blob, v3HeaderSize, startsCount)
	if err != nil {
		return nil, err
	}
	return &V3{AuthValueAdd: le.Uint64(blob[16:]), PageStarts: starts}, nil
}

// Version implements Format.Version.
func (*V3) Version() uint32 { return 3 }

// PageSize implements Format.PageSize.
func (*V3) PageSize() int { return pageSize4K }

// PageCount implements Format.PageCount.
func (v *V3) PageCount() int { return len(v.PageStarts) }

func (*V3) sealed() {}

// MarshalBinary implements Format.MarshalBinary.
func (v *V3) MarshalBinary() ([]byte, error) {
	return marshalStarts(3, pageSize4K, v.AuthValueAdd, v.PageStarts), nil
}

func (v *V3) slidePage(page []byte, slide uint64, opts *PageOpts) error {
	if opts.PageIndex >= len(v.PageStarts) {
		return fmt.Errorf("%w: %d of %d", ErrPageIndex, opts.PageIndex, len(v.PageStarts))
	}
	start := v.PageStarts[opts.PageIndex]
	if start == v3PageAttrNoRebase {
		return nil
	}
	return walkChain64(page, uint64(start), func(off int, raw uint64) (uint64, uint64, error) {
		next := bits.Field[uint64](raw, v3NextMask) * 8
		if bits.IsAnyOn[uint64](raw, v3BindBit) {
			return 0, 0, fmt.Errorf("%w: offset %#x value %#x", ErrBind, off, raw)
		}
		if !bits.IsAnyOn[uint64](raw, v3AuthBit) {
			target := (raw&v3Top8Mask)<<v3Top8Shift | raw&v3Bottom43Mask
			return target + slide, next, nil
		}
		value := raw&v3AuthOffset + slide + v.AuthValueAdd
		if opts.signing() {
			diversity := uint16(bits.Field[uint64](raw, v3DiversityMask))
			key := ptrauth.Key(bits.Field[uint64](raw, v3KeyMask))
			value = sign(opts, off, value, key, diversity, bits.IsAnyOn[uint64](raw, v3AddrDivBit))
		}
		return value, next, nil
	})
}

// sign signs value stored at byte offset off of the page.
func sign(opts *PageOpts, off int, value uint64, key ptrauth.Key, diversity uint16, addrDiv bool) uint64 {
	disc := uint64(diversity)
	if addrDiv {
		disc = ptrauth.BlendDiscriminator(opts.UserAddr+uint64(off), diversity)
	}
	return opts.Signer.Sign(value, key, disc)
}

// chainStep rewrites the pointer raw found at byte offset off, returning
// the new value and the byte distance to the next pointer (0 ends the
// chain).
type chainStep func(off int, raw uint64) (value, next uint64, err error)

// walkChain64 applies step to a chain of 64-bit pointers starting at byte
// offset start. Every pointer must lie entirely within the page.
func walkChain64(page []byte, start uint64, step chainStep) error {
	off := start
	for {
		if off+8 > uint64(len(page)) {
			return fmt.Errorf("%w: offset %#x", ErrChainOverrun, off)
		}
		raw := le.Uint64(page[off:])
		value, next, err := step(int(off), raw)
		if err != nil {
			return err
		}
		le.PutUint64(page[off:], value)
		if next == 0 {
			return nil
		}
		off += next
	}
}

// marshalStarts encodes the v3/v5 layout: a 24-byte header followed by the
// page starts.
func marshalStarts(version, pageSize uint32, valueAdd uint64, starts []uint16) []byte {
	b := make([]byte, v3HeaderSize+2*len(starts))
	le.PutUint32(b[0:], version)
	le.PutUint32(b[4:], pageSize)
	le.PutUint32(b[8:], uint32(len(starts)))
	le.PutUint64(b[16:], valueAdd)
	putTable(b, v3HeaderSize, starts)
	return b
}
