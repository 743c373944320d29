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
)

const (
	// v2HeaderSize is six 32-bit fields plus the delta mask and value add.
	v2HeaderSize = 40

	v2PageAttrExtra    = 0x8000 // index is into extras array (not starts array)
	v2PageAttrNoRebase = 0x4000 // page has no rebasing
	v2PageAttrEnd      = 0x8000 // last chain entry for page
	v2PageValue        = 0x3fff // start offset in 4-byte units, or extras index

	// pageOffsetShift converts a page start to a byte offset.
	pageOffsetShift = 2
)

// V2 chains rebase locations through a delta stored in otherwise unused
// pointer bits.
type V2 struct {
	// DeltaMask selects the contiguous bits holding the distance, in 4-byte
	// units, to the next location in the chain.
	DeltaMask uint64

	// ValueAdd is added to every non-zero value after the delta bits are
	// cleared.
	ValueAdd uint64

	// PageStarts holds one entry per page.
	PageStarts []uint16

	// PageExtras holds chain starts for pages with more than one chain.
	PageExtras []uint16
}

// chainHeader is the header shared by v2 and v4.
type chainHeader struct {
	deltaMask uint64
	valueAdd  uint64
	starts    []uint16
	extras    []uint16
}

func parseChainHeader(blob []byte) (*chainHeader, error) {
	if len(blob) < v2HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header is %d", ErrBadSize, len(blob), v2HeaderSize)
	}
	var (
		pageSize     = le.Uint32(blob[4:])
		startsOffset = le.Uint32(blob[8:])
		startsCount  = le.Uint32(blob[12:])
		extrasOffset = le.Uint32(blob[16:])
		extrasCount  = le.Uint32(blob[20:])
	)
	if pageSize != pageSize4K {
		return nil, fmt.Errorf("%w: %d, want %d", ErrPageSize, pageSize, pageSize4K)
	}
	if err := checkTrailing(v2HeaderSize, uint64(startsCount)+uint64(extrasCount), len(blob)); err != nil {
		return nil, err
	}
	h := &chainHeader{
		deltaMask: le.Uint64(blob[24:]),
		valueAdd:  le.Uint64(blob[32:]),
	}
	if h.deltaMask == 0 || bits.TrailingZeros64(h.deltaMask) < pageOffsetShift {
		return nil, fmt.Errorf("%w: delta mask %#x", ErrMalformed, h.deltaMask)
	}
	var err error
	if h.starts, err = readTable(blob, startsOffset, startsCount); err != nil {
		return nil, err
	}
	if h.extras, err = readTable(blob, extrasOffset, extrasCount); err != nil {
		return nil, err
	}
	return h, nil
}

func marshalChainHeader(version uint32, deltaMask, valueAdd uint64, starts, extras []uint16) []byte {
	startsOffset := v2HeaderSize
	extrasOffset := startsOffset + 2*len(starts)
	b := make([]byte, extrasOffset+2*len(extras))
	le.PutUint32(b[0:], version)
	le.PutUint32(b[4:], pageSize4K)
	le.PutUint32(b[8:], uint32(startsOffset))
	le.PutUint32(b[12:], uint32(len(starts)))
	le.PutUint32(b[16:], uint32(extrasOffset))
	le.PutUint32(b[20:], uint32(len(extras)))
	le.PutUint64(b[24:], deltaMask)
	le.PutUint64(b[32:], valueAdd)
	putTable(b, startsOffset, starts)
	putTable(b, extrasOffset, extras)
	return b
}

func parseV2(blob []byte) (*V2, error) {
	h, err := parseChainHeader(blob)
	if err != nil {
		return nil, err
	}
	return &V2{DeltaMask: h.deltaMask, ValueAdd: h.valueAdd, PageStarts: h.starts, PageExtras: h.extras}, nil
}

// Version implements Format.Version.
func (*V2) Version() uint32 { return 2 }

// PageSize implements Format.PageSize.
func (*V2) PageSize() int { return pageSize4K }

// PageCount implements Format.PageCount.
func (v *V2) PageCount() int { return len(v.PageStarts) }

func (*V2) sealed() {}

// MarshalBinary implements Format.MarshalBinary.
func (v *V2) MarshalBinary() ([]byte, error) {
	return marshalChainHeader(2, v.DeltaMask, v.ValueAdd, v.PageStarts, v.PageExtras), nil
}

func (v *V2) slidePage(page []byte, slide uint64, opts *PageOpts) error {
	if opts.PageIndex >= len(v.PageStarts) {
		return fmt.Errorf("%w: %d of %d", ErrPageIndex, opts.PageIndex, len(v.PageStarts))
	}
	entry := v.PageStarts[opts.PageIndex]
	if entry == v2PageAttrNoRebase {
		return nil
	}
	rebase := func(start uint32) error {
		if opts.Is64Bit {
			return rebaseChain64(page, start, slide, v.DeltaMask, v.ValueAdd)
		}
		return rebaseChain32(page, start, slide, v.DeltaMask, v.ValueAdd, nil)
	}
	if !bits.IsOn[uint16](entry, v2PageAttrExtra) {
		return rebase(uint32(entry) << pageOffsetShift)
	}
	for i := int(entry & v2PageValue); ; i++ {
		if i >= len(v.PageExtras) {
			return fmt.Errorf("%w: extras index %d of %d", ErrMalformed, i, len(v.PageExtras))
		}
		info := v.PageExtras[i]
		if err := rebase(uint32(info&v2PageValue) << pageOffsetShift); err != nil {
			return err
		}
		if bits.IsOn[uint16](info, v2PageAttrEnd) {
			return nil
		}
	}
}

// fixup32 rewrites one masked 32-bit chain value. It is nil for plain
// rebasing.
type fixup32 func(value, valueAdd, slide uint32) uint32

// rebaseChain32 walks a chain of 32-bit values starting at byte offset
// start.
func rebaseChain32(page []byte, start uint32, slide, deltaMask64, valueAdd64 uint64, fix fixup32) error {
	lastPageOffset := uint32(len(page)) - 4
	deltaMask := uint32(deltaMask64)
	if deltaMask == 0 {
		return fmt.Errorf("%w: delta mask %#x has no low bits", ErrMalformed, deltaMask64)
	}
	var (
		valueMask = ^deltaMask
		valueAdd  = uint32(valueAdd64)
		offset    = start
		delta     = uint32(1)
	)
	for delta != 0 && offset <= lastPageOffset {
		value := le.Uint32(page[offset:])
		delta = bits.Field(value, deltaMask) << pageOffsetShift
		value &= valueMask
		switch {
		case fix != nil:
			value = fix(value, valueAdd, uint32(slide))
		case value != 0:
			value += valueAdd + uint32(slide)
		}
		le.PutUint32(page[offset:], value)
		if delta > uint32(len(page)) {
			return fmt.Errorf("%w: delta %#x at offset %#x", ErrChainOverrun, delta, offset)
		}
		offset += delta
	}
	if offset > lastPageOffset {
		return fmt.Errorf("%w: offset %#x", ErrChainOverrun, offset)
	}
	return nil
}

// rebaseChain64 walks a chain of 64-bit values starting at byte offset
// start. A final pointer straddling the end of the page has only its low
// half slid; the encoding guarantees the high half on the next page needs no
// change.
func rebaseChain64(page []byte, start uint32, slide, deltaMask, valueAdd uint64) error {
	pageSize := uint32(len(page))
	lastPageOffset := pageSize - 8
	var (
		valueMask = ^deltaMask
		offset    = start
		delta     = uint64(1)
	)
	for delta != 0 && offset <= lastPageOffset {
		value := le.Uint64(page[offset:])
		delta = bits.Field(value, deltaMask) << pageOffsetShift
		value &= valueMask
		if value != 0 {
			value += valueAdd + slide
		}
		le.PutUint64(page[offset:], value)
		if delta > uint64(pageSize) {
			return fmt.Errorf("%w: delta %#x at offset %#x", ErrChainOverrun, delta, offset)
		}
		offset += uint32(delta)
	}
	if offset+4 == pageSize {
		low := le.Uint32(page[offset:])
		le.PutUint32(page[offset:], low+uint32(slide))
		return nil
	}
	if offset > lastPageOffset {
		return fmt.Errorf("%w: offset %#x", ErrChainOverrun, offset)
	}
	return nil
}
