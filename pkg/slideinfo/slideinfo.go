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

// Package slideinfo decodes and applies shared cache relocation ("slide")
// metadata.
//
// A slide info blob describes, for every page of a writable cache mapping,
// which pointer-sized fields must be rebased when the cache is loaded at an
// address other than the one it was linked at. Five layouts exist. Each is a
// Format implementation with its own validation and page rewrite; Info
// dispatches between them.
//
// Blobs come from outside the kernel and are untrusted: Parse validates every
// count, offset and table before any of them is used, and SlidePage never
// leaves a partially rewritten page behind.
package slideinfo

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/sharedregion/pkg/errors"
	"gvisor.dev/sharedregion/pkg/ptrauth"
)

const (
	// MinSize is the size of the smallest header.
	MinSize = 24

	// MaxSize is the largest blob accepted.
	MaxSize = 2560 * 1024

	// pageSize4K is the page size of v1-v4 rebase data.
	pageSize4K = 4096

	// pageSize16K is the page size of v5 rebase data.
	pageSize16K = 16384
)

// Errors returned by Parse and SlidePage.
var (
	ErrBadSize      = errors.New(errors.InvalidArgument, "slide info size out of range")
	ErrVersion      = errors.New(errors.InvalidArgument, "unsupported slide info version")
	ErrPageSize     = errors.New(errors.InvalidArgument, "slide info page size mismatch")
	ErrOverflow     = errors.New(errors.InvalidArgument, "slide info table size overflows")
	ErrMalformed    = errors.New(errors.InvalidArgument, "malformed slide info")
	ErrPageIndex    = errors.New(errors.InvalidArgument, "page index outside slide info")
	ErrBadPage      = errors.New(errors.InvalidArgument, "page buffer has the wrong size")
	ErrChainOverrun = errors.New(errors.RelocationOverrun, "rebase chain runs past the page")
	ErrBind         = errors.New(errors.RelocationOverrun, "bind entry in rebase chain")
	ErrCarry        = errors.New(errors.RelocationOverrun, "slid 32-bit field carried into the high word")
)

var le = binary.LittleEndian

// Format is one of the five slide info layouts: *V1, *V2, *V3, *V4 or *V5.
type Format interface {
	// Version returns the layout's version number.
	Version() uint32

	// PageSize returns the size of the pages the layout describes.
	PageSize() int

	// PageCount returns the number of pages the layout has entries for.
	PageCount() int

	// MarshalBinary encodes the layout as a blob Parse accepts.
	MarshalBinary() ([]byte, error)

	// sealed restricts implementations to this package.
	sealed()
}

// Info is a validated slide info blob.
type Info struct {
	// Format is the decoded layout.
	Format Format

	// Size is the length of the blob Info was parsed from.
	Size int
}

// PageOpts carries the per-page context for SlidePage.
type PageOpts struct {
	// PageIndex is the index of the page within the slid range.
	PageIndex int

	// UserAddr is the address the page is mapped at in the task that will
	// use it. It is blended into address-diversified signing discriminators.
	UserAddr uint64

	// Is64Bit selects 64-bit pointer handling for the v1 and v2 layouts.
	Is64Bit bool

	// PtrAuth is set when the slid range holds authenticated pointers.
	PtrAuth bool

	// Signer signs authenticated pointers. Pointers are signed only when
	// PtrAuth is set and Signer is enabled.
	Signer ptrauth.Signer
}

func (o *PageOpts) signing() bool {
	return o.PtrAuth && ptrauth.Enabled(o.Signer)
}

// Parse decodes and validates a slide info blob.
func Parse(blob []byte) (*Info, error) {
	if len(blob) < MinSize || len(blob) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSize, len(blob))
	}
	var (
		f   Format
		err error
	)
	switch v := le.Uint32(blob); v {
	case 1:
		f, err = parseV1(blob)
	case 2:
		f, err = parseV2(blob)
	case 3:
		f, err = parseV3(blob)
	case 4:
		f, err = parseV4(blob)
	case 5:
		f, err = parseV5(blob)
	default:
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	if err != nil {
		return nil, fmt.Errorf("slide info v%d: %w", le.Uint32(blob), err)
	}
	return &Info{Format: f, Size: len(blob)}, nil
}

// Version returns the blob's layout version.
func (i *Info) Version() uint32 { return i.Format.Version() }

// PageSize returns the size of pages SlidePage accepts.
func (i *Info) PageSize() int { return i.Format.PageSize() }

// SlidePage rebases every pointer in page by slide. page must be exactly
// PageSize bytes. On error page is left unmodified.
func (i *Info) SlidePage(page []byte, slide uint64, opts PageOpts) error {
	if len(page) != i.PageSize() {
		return fmt.Errorf("%w: %d bytes, want %d", ErrBadPage, len(page), i.PageSize())
	}
	if opts.PageIndex < 0 {
		return fmt.Errorf("%w: %d", ErrPageIndex, opts.PageIndex)
	}
	scratch := make([]byte, len(page))
	copy(scratch, page)

	var err error
	switch f := i.Format.(type) {
	case *V1:
		err = f.slidePage(scratch, slide, &opts)
	case *V2:
		err = f.slidePage(scratch, slide, &opts)
	case *V3:
		err = f.slidePage(scratch, slide, &opts)
	case *V4:
		err = f.slidePage(scratch, slide, &opts)
	case *V5:
		err = f.slidePage(scratch, slide, &opts)
	default:
		panic(fmt.Sprintf("unknown slide info format %T", f))
	}
	if err != nil {
		return fmt.Errorf("page %d: %w", opts.PageIndex, err)
	}
	copy(page, scratch)
	return nil
}

// String implements fmt.Stringer.String.
func (i *Info) String() string {
	return fmt.Sprintf("slide info v%d: %d pages of %d bytes, %d byte blob", i.Version(), i.Format.PageCount(), i.PageSize(), i.Size)
}

// readTable reads count little-endian uint16s at off, checking that the
// table lies within blob.
func readTable(blob []byte, off, count uint32) ([]uint16, error) {
	end := uint64(off) + uint64(count)*2
	if end > uint64(len(blob)) {
		return nil, fmt.Errorf("%w: table [%#x, %#x) outside %d byte blob", ErrMalformed, off, end, len(blob))
	}
	t := make([]uint16, count)
	for i := range t {
		t[i] = le.Uint16(blob[int(off)+2*i:])
	}
	return t, nil
}

// checkTrailing verifies that header plus count 16-bit entries fits in size,
// without overflow.
func checkTrailing(headerSize int, count uint64, size int) error {
	trailing := count << 1
	if trailing>>1 != count {
		return fmt.Errorf("%w: %d entries", ErrOverflow, count)
	}
	required := uint64(headerSize) + trailing
	if required < trailing {
		return fmt.Errorf("%w: %d entries", ErrOverflow, count)
	}
	if required > uint64(size) {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, required, size)
	}
	return nil
}

func putTable(b []byte, off int, t []uint16) {
	for i, v := range t {
		le.PutUint16(b[off+2*i:], v)
	}
}
