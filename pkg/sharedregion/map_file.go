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

package sharedregion

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gvisor.dev/sharedregion/pkg/errors"
	"gvisor.dev/sharedregion/pkg/hostarch"
	"gvisor.dev/sharedregion/pkg/log"
	"gvisor.dev/sharedregion/pkg/memobj"
	"gvisor.dev/sharedregion/pkg/vmmap"
)

// FileMapping describes one mapping of a cache file into a region.
type FileMapping struct {
	// Address is the task address of the mapping. Address and Size must be
	// page aligned and inside the region.
	Address hostarch.Addr
	Size    uint64

	// FileOffset is the offset of the mapping in the batch's file.
	FileOffset uint64

	MaxProt  hostarch.AccessType
	InitProt hostarch.AccessType

	// ZeroFill maps anonymous zero-filled memory instead of the file.
	ZeroFill bool

	// Source is copied into a fresh object when the batch has no file.
	Source []byte

	// SlideInfo, if set, is the relocation metadata of the mapping. The
	// mapping is rebased by the slide passed to MapFile.
	SlideInfo []byte

	// NoAuth marks slid mappings that hold no authenticated pointers.
	NoAuth bool
}

// FileMappings is a batch of mappings of one file.
type FileMappings struct {
	// File holds the cache contents. Nil means every mapping of the batch
	// is anonymous memory initialized from its Source.
	File *memobj.Object

	Mappings []FileMapping
}

// ImageInfo describes the text segment of one image in a mapped cache.
type ImageInfo struct {
	UUID            uuid.UUID
	LoadAddress     uint64
	TextSegmentSize uint32
	PathOffset      uint32
}

// Cache header layout.
const (
	cacheMagicPrefix         = "dyld_v"
	cacheUUIDOffset          = 0x58
	cacheImagesTextOffset    = 0x88
	cacheImagesTextCountOff  = 0x90
	cacheHeaderSize          = 0x98
	cacheImageTextInfoSize   = 32
	cacheMaxImagesTextCount  = 262144
	cacheImageLoadAddressOff = 16
	cacheImageTextSizeOff    = 24
	cacheImagePathOffsetOff  = 28
)

// established is a mapping made by the current MapFile call.
type established struct {
	ar hostarch.AddrRange
}

// MapFile populates r with the mappings of files, then slides the mappings
// that carry slide info by slide. A region is populated at most once:
// MapFile fails with ErrAlreadyMapped if an earlier call succeeded, and
// returns nil without doing anything if that call used the same non-zero
// slide.
//
// Either every mapping of the call is installed, or none is. A mapping
// identical to one already present counts as installed: its Size is set to
// zero and rollback leaves it alone.
func (reg *Registry) MapFile(r *Region, files []FileMappings, slide uint64) error {
	reg.mu.Lock()
	token := reg.token()
	r.acquire(&r.mapping, token)
	if r.slide != 0 && slide != 0 {
		same := r.slide == slide
		prev := r.slide
		r.release(&r.mapping, token)
		reg.mu.Unlock()
		if same {
			log.Debugf("%v already slid by %#x", r, slide)
			return nil
		}
		return fmt.Errorf("%w: slid by %#x, requested %#x", ErrSlideMismatch, prev, slide)
	}
	if r.firstMapping != noFirstMapping {
		r.release(&r.mapping, token)
		reg.mu.Unlock()
		return ErrAlreadyMapped
	}
	reg.mu.Unlock()

	err := reg.populate(r, files, slide, token)

	reg.mu.Lock()
	r.release(&r.mapping, token)
	reg.mu.Unlock()
	return err
}

// populate installs and slides the mappings of files.
//
// Preconditions: r.mapping is held by token. reg.mu is unlocked.
func (reg *Registry) populate(r *Region, files []FileMappings, slide uint64, token uint64) error {
	var (
		done       []established
		perCall    []*memobj.Object
		slides     []*SlideInfo
		first      = noFirstMapping
		window     hostarch.AddrRange
		firstWrite = noFirstMapping
		pending    []slideRequest
		authCount  int
	)
	nest := hostarch.AddrRange{Start: r.lay.nestBase - r.lay.base}
	nest.End = nest.Start + hostarch.Addr(r.lay.nestSize)

	rollback := func(cause error) error {
		reg.undoMappings(r, done)
		reg.dropSlides(r, slides)
		for _, o := range perCall {
			o.DecRef()
		}
		mappingRollbacks.Increment()
		log.Infof("Rolled back %d mappings of %v: %v", len(done), r, cause)
		return cause
	}

	for bi := range files {
		fm := &files[bi]
		for mi := range fm.Mappings {
			m := &fm.Mappings[mi]
			if m.Size == 0 {
				continue
			}
			ar, obj, objOff, err := reg.mapOne(r, fm, m, &perCall)
			if errors.KindOf(err) == errors.AlreadyPresent {
				// Already there from an earlier call. Forget the size so
				// rollback leaves it alone.
				log.Debugf("Mapping %d of batch %d already present in %v", mi, bi, r)
				m.Size = 0
				continue
			}
			if err != nil {
				return rollback(fmt.Errorf("batch %d mapping %d at %#x: %w", bi, mi, m.Address, err))
			}
			done = append(done, established{ar: ar})

			if first == noFirstMapping || uint64(ar.Start) < first {
				first = uint64(ar.Start)
			}
			if window.Length() == 0 {
				window = ar
			} else {
				window.Start = min(window.Start, ar.Start)
				window.End = max(window.End, ar.End)
			}
			if m.InitProt.Write && nest.IsSupersetOf(ar) && uint64(ar.Start) < firstWrite {
				firstWrite = uint64(ar.Start)
			}
			if len(m.SlideInfo) != 0 {
				if obj == nil {
					return rollback(fmt.Errorf("batch %d mapping %d at %#x: %w: zero-fill mapping has slide info", bi, mi, m.Address, ErrBadMapping))
				}
				pending = append(pending, slideRequest{
					blob:      m.SlideInfo,
					ar:        ar,
					slide:     slide,
					obj:       obj,
					objOffset: objOff,
					auth:      !m.NoAuth,
				})
				if !m.NoAuth && r.ptrAuth {
					authCount++
				}
			}
		}
	}

	if len(pending) != 0 {
		reg.mu.Lock()
		r.authCap = len(r.authSlides) + authCount
		reg.mu.Unlock()
	}
	for i, req := range pending {
		si, err := reg.slideMapping(r, req, token)
		if err != nil {
			return rollback(fmt.Errorf("sliding %v (%d of %d): %w", req.ar, i, len(pending), err))
		}
		slides = append(slides, si)
	}

	for _, fm := range files {
		if fm.File != nil {
			fm.File.SetSharedCache()
		}
	}
	for _, o := range perCall {
		o.SetSharedCache()
	}
	if r.nestable && window.Length() != 0 {
		if err := r.handle.Map().PageTable().Trim(window.Intersect(nest)); err != nil {
			log.Warningf("Trimming page table of %v to %v: %v", r, window, err)
		}
	}

	var (
		id     uuid.UUID
		images []ImageInfo
	)
	if first != noFirstMapping {
		id, images = reg.readCacheHeader(r, hostarch.Addr(first))
	}

	reg.mu.Lock()
	if first != noFirstMapping {
		r.firstMapping = first
		r.window = window
		r.firstWritable = firstWrite
		r.uuid = id
		r.images = images
	}
	if len(pending) != 0 && slide != 0 {
		r.slide = slide
	}
	reg.mu.Unlock()

	// The map holds its own references.
	for _, o := range perCall {
		o.DecRef()
	}
	log.Infof("Populated %v with %d mappings, %d slid", r, len(done), len(slides))
	return nil
}

// mapOne installs one mapping. It returns the installed range in region
// offsets and, for object-backed mappings, the object and the offset in it.
func (reg *Registry) mapOne(r *Region, fm *FileMappings, m *FileMapping, perCall *[]*memobj.Object) (hostarch.AddrRange, *memobj.Object, uint64, error) {
	end, ok := m.Address.AddLength(m.Size)
	if !ok || !m.Address.IsPageAligned() || !hostarch.Addr(m.Size).IsPageAligned() {
		return hostarch.AddrRange{}, nil, 0, fmt.Errorf("%w: %#x bytes at %#x", ErrBadMapping, m.Size, m.Address)
	}
	if !r.Range().IsSupersetOf(hostarch.AddrRange{Start: m.Address, End: end}) {
		return hostarch.AddrRange{}, nil, 0, fmt.Errorf("%w: [%#x, %#x) not in %v", ErrOutOfRange, m.Address, end, r.Range())
	}
	if !m.MaxProt.SupersetOf(m.InitProt) {
		return hostarch.AddrRange{}, nil, 0, fmt.Errorf("%w: protection %v exceeds maximum %v", ErrBadMapping, m.InitProt, m.MaxProt)
	}

	var (
		obj    *memobj.Object
		objOff uint64
	)
	switch {
	case fm.File == nil:
		if uint64(len(m.Source)) > m.Size {
			return hostarch.AddrRange{}, nil, 0, fmt.Errorf("%w: %d source bytes for %d byte mapping", ErrBadMapping, len(m.Source), m.Size)
		}
		o, err := reg.alloc.Allocate(fmt.Sprintf("shared region %d anonymous", r.id), m.Size)
		if err != nil {
			return hostarch.AddrRange{}, nil, 0, fmt.Errorf("%w: %w", ErrNoMemory, err)
		}
		*perCall = append(*perCall, o)
		if err := o.CopyIn(0, m.Source); err != nil {
			return hostarch.AddrRange{}, nil, 0, err
		}
		obj = o
	case m.ZeroFill:
	default:
		if fend := m.FileOffset + m.Size; fend < m.FileOffset || fend > fm.File.Size() {
			return hostarch.AddrRange{}, nil, 0, fmt.Errorf("%w: file range [%#x, %#x) past end of %v", ErrOutOfRange, m.FileOffset, fend, fm.File)
		}
		obj, objOff = fm.File, m.FileOffset
	}

	opts := vmmap.EnterOpts{
		Addr:     m.Address - r.lay.base,
		Length:   m.Size,
		Fixed:    true,
		Offset:   objOff,
		Perms:    m.InitProt,
		MaxPerms: m.MaxProt,
	}
	if obj != nil {
		opts.Backing = obj
	}
	ar, err := r.handle.Map().Enter(opts)
	return ar, obj, objOff, err
}

// undoMappings removes mappings made by a failed MapFile call, most recent
// first. Failures are logged: there is nothing more the caller could do.
func (reg *Registry) undoMappings(r *Region, done []established) {
	var errs error
	m := r.handle.Map()
	for i := len(done) - 1; i >= 0; i-- {
		ar := done[i].ar
		ar.Start = ar.Start.RoundDown()
		ar.End = ar.End.MustRoundUp()
		errs = multierr.Append(errs, m.Remove(ar))
	}
	if errs != nil {
		log.Warningf("Undoing mappings of %v: %v", r, errs)
	}
}

// readCacheHeader copies the UUID and image descriptions out of the cache
// header at offset first. Anything unexpected leaves them unset.
func (reg *Registry) readCacheHeader(r *Region, first hostarch.Addr) (uuid.UUID, []ImageInfo) {
	m := r.handle.Map()
	hdr := make([]byte, cacheHeaderSize)
	if _, err := m.Read(first, hdr); err != nil {
		log.Debugf("Reading cache header of %v: %v", r, err)
		return uuid.UUID{}, nil
	}
	if !bytes.HasPrefix(hdr, []byte(cacheMagicPrefix)) {
		log.Debugf("No cache header in %v", r)
		return uuid.UUID{}, nil
	}
	id, err := uuid.FromBytes(hdr[cacheUUIDOffset : cacheUUIDOffset+16])
	if err != nil {
		return uuid.UUID{}, nil
	}

	off := binary.LittleEndian.Uint64(hdr[cacheImagesTextOffset:])
	count := binary.LittleEndian.Uint64(hdr[cacheImagesTextCountOff:])
	if count == 0 {
		return id, nil
	}
	if count > cacheMaxImagesTextCount {
		reg.warn.Warningf("Cache in %v claims %d images, ignoring image info", r, count)
		return id, nil
	}
	start, ok := first.AddLength(off)
	if !ok {
		return id, nil
	}
	buf := make([]byte, count*cacheImageTextInfoSize)
	if _, err := m.Read(start, buf); err != nil {
		log.Debugf("Reading image info of %v: %v", r, err)
		return id, nil
	}
	images := make([]ImageInfo, count)
	for i := range images {
		b := buf[i*cacheImageTextInfoSize:]
		copy(images[i].UUID[:], b[:16])
		images[i].LoadAddress = binary.LittleEndian.Uint64(b[cacheImageLoadAddressOff:])
		images[i].TextSegmentSize = binary.LittleEndian.Uint32(b[cacheImageTextSizeOff:])
		images[i].PathOffset = binary.LittleEndian.Uint32(b[cacheImagePathOffsetOff:])
	}
	return id, images
}
