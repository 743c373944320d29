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
	// v1HeaderSize is version, toc offset and count, entries offset, count
	// and size.
	v1HeaderSize = 24

	// v1EntrySize is the size of one bitmap: one bit per 4-byte field of a
	// 4 KiB page.
	v1EntrySize = pageSize4K / 4 / 8
)

// V1 is the original layout: a table of contents mapping each page to a
// bitmap, with one bit per 32-bit field to slide.
type V1 struct {
	// Toc holds, for each page, the index of its bitmap in Entries.
	Toc []uint16

	// Entries holds the bitmaps, each v1EntrySize bytes.
	Entries [][v1EntrySize]byte
}

func parseV1(blob []byte) (*V1, error) {
	var (
		tocOffset     = le.Uint32(blob[4:])
		tocCount      = le.Uint32(blob[8:])
		entriesOffset = le.Uint32(blob[12:])
		entriesCount  = le.Uint32(blob[16:])
		entriesSize   = le.Uint32(blob[20:])
	)
	if entriesSize != v1EntrySize {
		return nil, fmt.Errorf("%w: entry size %d, want %d", ErrMalformed, entriesSize, v1EntrySize)
	}
	toc, err := readTable(blob, tocOffset, tocCount)
	if err != nil {
		return nil, err
	}
	end := uint64(entriesOffset) + uint64(entriesCount)*v1EntrySize
	if end > uint64(len(blob)) {
		return nil, fmt.Errorf("%w: entries end at %#x past %d byte blob", ErrMalformed, end, len(blob))
	}
	for i, e := range toc {
		if uint32(e) >= entriesCount {
			return nil, fmt.Errorf("%w: toc[%d] = %d, only %d entries", ErrMalformed, i, e, entriesCount)
		}
	}
	v := &V1{
		Toc:     toc,
		Entries: make([][v1EntrySize]byte, entriesCount),
	}
	for i := range v.Entries {
		copy(v.Entries[i][:], blob[int(entriesOffset)+i*v1EntrySize:])
	}
	return v, nil
}

// Version implements Format.Version.
func (*V1) Version() uint32 { return 1 }

// PageSize implements Format.PageSize.
func (*V1) PageSize() int { return pageSize4K }

// PageCount implements Format.PageCount.
func (v *V1) PageCount() int { return len(v.Toc) }

func (*V1) sealed() {}

// MarshalBinary implements Format.MarshalBinary. The toc directly follows
// the header and the bitmaps follow the toc.
func (v *V1) MarshalBinary() ([]byte, error) {
	tocOffset := v1HeaderSize
	entriesOffset := tocOffset + 2*len(v.Toc)
	b := make([]byte, entriesOffset+v1EntrySize*len(v.Entries))
	le.PutUint32(b[0:], 1)
	le.PutUint32(b[4:], uint32(tocOffset))
	le.PutUint32(b[8:], uint32(len(v.Toc)))
	le.PutUint32(b[12:], uint32(entriesOffset))
	le.PutUint32(b[16:], uint32(len(v.Entries)))
	le.PutUint32(b[20:], v1EntrySize)
	putTable(b, tocOffset, v.Toc)
	for i, e := range v.Entries {
		copy(b[entriesOffset+i*v1EntrySize:], e[:])
	}
	return b, nil
}

// slidePage adds slide to every 32-bit field whose bit is set. Pages past
// the end of the toc have nothing to slide.
func (v *V1) slidePage(page []byte, slide uint64, opts *PageOpts) error {
	if opts.PageIndex >= len(v.Toc) {
		return nil
	}
	entry := &v.Entries[v.Toc[opts.PageIndex]]
	var err error
	// Bit n of the bitmap covers the 32-bit field at byte offset 4*n.
	for w := 0; w < v1EntrySize/8 && err == nil; w++ {
		bits.ForEachSetBit64(le.Uint64(entry[w*8:]), func(i int) {
			if err != nil {
				return
			}
			off := 4 * (w*64 + i)
			old := le.Uint32(page[off:])
			slid := old + uint32(slide)
			if opts.Is64Bit && slid < old {
				err = fmt.Errorf("%w: offset %#x", ErrCarry, off)
				return
			}
			le.PutUint32(page[off:], slid)
		})
	}
	return err
}
