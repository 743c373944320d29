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

// Package cachegen builds small synthetic shared caches: a header page with
// a UUID and image list, text pages, and data pages holding rebase chains
// with matching slide info.
package cachegen

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"gvisor.dev/sharedregion/pkg/hostarch"
	"gvisor.dev/sharedregion/pkg/ptrauth"
	"gvisor.dev/sharedregion/pkg/slideinfo"
)

const (
	headerMagic      = "dyld_v1  synth"
	uuidOffset       = 0x58
	imagesTextOffset = 0x88
	imagesTextCount  = 0x90
	imagesStart      = 0x100
	imageInfoSize    = 32

	// MaxImages is the number of image descriptions that fit in the
	// header page.
	MaxImages = (hostarch.PageSize - imagesStart) / imageInfoSize

	// pointersPerPage pointers are chained on every data page, starting at
	// firstPointer and chainStride bytes apart.
	pointersPerPage = 4
	firstPointer    = 0x10
	chainStride     = 0x20

	v2DeltaMask  = 0x00ffff0000000000
	v2DeltaShift = 40
	v3NextShift  = 51
	v3AuthBit    = 1 << 63
	v3AddrDivBit = 1 << 48
	v3KeyShift   = 49
	v3Bottom43   = 0x000007ffffffffff
	v3Top8Shift  = 43

	// v3Unencodable are the target bits a plain v3 pointer cannot hold.
	v3Unencodable = 0x00fff80000000000
)

// Options describes a cache.
type Options struct {
	// Base is the address the cache is linked at.
	Base uint64

	UUID   uuid.UUID
	Images int

	// TextPages includes the header page, so it must be at least one.
	TextPages int
	DataPages int

	// AuthPages are data pages holding authenticated pointers. They need
	// Format 3.
	AuthPages int

	// Format is the slide info version of the data pages: 2 (default) or 3.
	Format uint32
}

// Mapping is one mapping of the cache file.
type Mapping struct {
	// Offset is the mapping's offset from Options.Base.
	Offset     uint64
	FileOffset uint64
	Size       uint64
	Writable   bool

	// SlideInfo is the slide info blob for a data mapping.
	SlideInfo []byte

	// Auth is set for the authenticated data mapping.
	Auth bool
}

// Pointer is a rebased location in the cache.
type Pointer struct {
	// FileOffset is the pointer's offset in Cache.Data.
	FileOffset uint64

	// Target is the unslid address the pointer refers to.
	Target uint64

	Auth      bool
	Key       ptrauth.Key
	Diversity uint16
	AddrDiv   bool
}

// Image is an image description written to the header.
type Image struct {
	UUID            uuid.UUID
	LoadAddress     uint64
	TextSegmentSize uint32
}

// Cache is a built cache.
type Cache struct {
	Data     []byte
	Mappings []Mapping
	Pointers []Pointer
	Images   []Image
}

var le = binary.LittleEndian

// Build builds a cache.
func Build(opts Options) (*Cache, error) {
	if opts.Format == 0 {
		opts.Format = 2
	}
	switch {
	case opts.TextPages < 1:
		return nil, fmt.Errorf("need at least one text page, got %d", opts.TextPages)
	case opts.Images < 0 || opts.Images > MaxImages:
		return nil, fmt.Errorf("%d images, at most %d fit", opts.Images, MaxImages)
	case opts.Format != 2 && opts.Format != 3:
		return nil, fmt.Errorf("unsupported slide info format %d", opts.Format)
	case opts.AuthPages > 0 && opts.Format != 3:
		return nil, fmt.Errorf("authenticated pages need format 3")
	case opts.DataPages < 0 || opts.AuthPages < 0:
		return nil, fmt.Errorf("negative page count")
	case !hostarch.Addr(opts.Base).IsPageAligned():
		return nil, fmt.Errorf("base %#x is not page aligned", opts.Base)
	}

	textSize := uint64(opts.TextPages) * hostarch.PageSize
	dataSize := uint64(opts.DataPages) * hostarch.PageSize
	authSize := uint64(opts.AuthPages) * hostarch.PageSize
	c := &Cache{Data: make([]byte, textSize+dataSize+authSize)}

	copy(c.Data, headerMagic)
	copy(c.Data[uuidOffset:], opts.UUID[:])
	le.PutUint64(c.Data[imagesTextOffset:], imagesStart)
	le.PutUint64(c.Data[imagesTextCount:], uint64(opts.Images))
	for i := 0; i < opts.Images; i++ {
		img := Image{
			UUID:            uuid.NewSHA1(opts.UUID, []byte(fmt.Sprintf("image%d", i))),
			LoadAddress:     opts.Base + uint64(i%opts.TextPages)*hostarch.PageSize,
			TextSegmentSize: hostarch.PageSize,
		}
		b := c.Data[imagesStart+i*imageInfoSize:]
		copy(b, img.UUID[:])
		le.PutUint64(b[16:], img.LoadAddress)
		le.PutUint32(b[24:], img.TextSegmentSize)
		c.Images = append(c.Images, img)
	}
	c.Mappings = append(c.Mappings, Mapping{Size: textSize})

	if opts.DataPages > 0 {
		blob, err := c.fillData(opts, textSize, opts.DataPages, false)
		if err != nil {
			return nil, err
		}
		c.Mappings = append(c.Mappings, Mapping{
			Offset:     textSize,
			FileOffset: textSize,
			Size:       dataSize,
			Writable:   true,
			SlideInfo:  blob,
		})
	}
	if opts.AuthPages > 0 {
		blob, err := c.fillData(opts, textSize+dataSize, opts.AuthPages, true)
		if err != nil {
			return nil, err
		}
		c.Mappings = append(c.Mappings, Mapping{
			Offset:     textSize + dataSize,
			FileOffset: textSize + dataSize,
			Size:       authSize,
			Writable:   true,
			SlideInfo:  blob,
			Auth:       true,
		})
	}
	return c, nil
}

// fillData writes a chain on each of pages pages at file offset start and
// returns the slide info describing them.
func (c *Cache) fillData(opts Options, start uint64, pages int, auth bool) ([]byte, error) {
	starts := make([]uint16, pages)
	for p := 0; p < pages; p++ {
		page := c.Data[start+uint64(p)*hostarch.PageSize:][:hostarch.PageSize]
		if opts.Format == 2 {
			starts[p] = firstPointer / 4
		} else {
			starts[p] = firstPointer
		}
		for i := 0; i < pointersPerPage; i++ {
			off := uint64(firstPointer + i*chainStride)
			var next uint64
			if i != pointersPerPage-1 {
				next = chainStride
			}
			ptr := Pointer{
				FileOffset: start + uint64(p)*hostarch.PageSize + off,
				Target:     opts.Base + uint64((p*pointersPerPage+i)%opts.TextPages)*hostarch.PageSize + off,
			}
			var raw uint64
			switch {
			case opts.Format == 2:
				// Targets are stored relative to the base, which the slide
				// info adds back, so high bases stay clear of the delta.
				raw = (ptr.Target - opts.Base) | (next/4)<<v2DeltaShift
			case auth:
				ptr.Auth = true
				ptr.Key = ptrauth.Key(i % 4)
				ptr.Diversity = uint16(0x1000 + i)
				ptr.AddrDiv = i%2 == 1
				raw = v3AuthBit | (ptr.Target - opts.Base) | uint64(ptr.Diversity)<<32 | uint64(ptr.Key)<<v3KeyShift | (next/8)<<v3NextShift
				if ptr.AddrDiv {
					raw |= v3AddrDivBit
				}
			default:
				if ptr.Target&v3Unencodable != 0 {
					return nil, fmt.Errorf("target %#x does not fit a plain v3 pointer", ptr.Target)
				}
				raw = ptr.Target&v3Bottom43 | (ptr.Target>>56)<<v3Top8Shift | (next/8)<<v3NextShift
			}
			le.PutUint64(page[off:], raw)
			c.Pointers = append(c.Pointers, ptr)
		}
	}
	var f slideinfo.Format
	if opts.Format == 2 {
		f = &slideinfo.V2{DeltaMask: v2DeltaMask, ValueAdd: opts.Base, PageStarts: starts}
	} else {
		f = &slideinfo.V3{AuthValueAdd: opts.Base, PageStarts: starts}
	}
	return f.MarshalBinary()
}
