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
	"fmt"
	"sync"

	"gvisor.dev/sharedregion/pkg/bits"
	"gvisor.dev/sharedregion/pkg/hostarch"
	"gvisor.dev/sharedregion/pkg/memobj"
	"gvisor.dev/sharedregion/pkg/ptrauth"
	"gvisor.dev/sharedregion/pkg/slideinfo"
)

// SlideInfo is the relocation context of one slid mapping. It implements
// memobj.Rewriter, so pagers built from it rebase pages as they fault in.
type SlideInfo struct {
	// The following fields are immutable.
	info *slideinfo.Info

	// start and end are the region offsets of the slid range.
	start hostarch.Addr
	end   hostarch.Addr

	slide   uint64
	is64    bool
	ptrAuth bool

	// obj holds the unslid contents, starting at objOffset.
	obj       *memobj.Object
	objOffset uint64

	// region is set for authenticated ranges, which tasks remap privately.
	region *Region

	releaseOnce sync.Once
}

var _ memobj.Rewriter = (*SlideInfo)(nil)

// Version returns the slide info format version.
func (si *SlideInfo) Version() uint32 { return si.info.Version() }

// Range returns the slid range in region offsets.
func (si *SlideInfo) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: si.start, End: si.end}
}

// PageSize implements memobj.Rewriter.PageSize.
func (si *SlideInfo) PageSize() int { return si.info.PageSize() }

// RewritePage implements memobj.Rewriter.RewritePage.
func (si *SlideInfo) RewritePage(page []byte, index int, userAddr uint64, signer ptrauth.Signer) error {
	v := versionNames[si.info.Version()]
	err := si.info.SlidePage(page, si.slide, slideinfo.PageOpts{
		PageIndex: index,
		UserAddr:  userAddr,
		Is64Bit:   si.is64,
		PtrAuth:   si.ptrAuth,
		Signer:    signer,
	})
	if err != nil {
		slideFailures.Increment(v)
		return err
	}
	slidPages.Increment(v)
	return nil
}

// pagerOpts returns the options of a pager rebasing si's range mapped at
// base.
func (si *SlideInfo) pagerOpts(base uint64, signer ptrauth.Signer) memobj.PagerOpts {
	return memobj.PagerOpts{
		Object:   si.obj,
		Offset:   si.objOffset,
		Length:   uint64(si.end - si.start),
		Rewriter: si,
		Base:     base,
		Signer:   signer,
	}
}

func (si *SlideInfo) release() {
	si.releaseOnce.Do(si.obj.DecRef)
}

// String implements fmt.Stringer.String.
func (si *SlideInfo) String() string {
	return fmt.Sprintf("%v over %v slid by %#x", si.info, si.Range(), si.slide)
}

// slideRequest describes one mapping to slide.
type slideRequest struct {
	blob      []byte
	ar        hostarch.AddrRange
	slide     uint64
	obj       *memobj.Object
	objOffset uint64
	auth      bool
}

// slideMapping validates a slide info blob and arranges for the pages of
// req.ar to be rebased. Authenticated ranges are only recorded; each task
// rebases and signs them privately in AuthRemap. Other ranges have their
// map entry replaced by a rebasing pager.
func (reg *Registry) slideMapping(r *Region, req slideRequest, token uint64) (*SlideInfo, error) {
	info, err := slideinfo.Parse(req.blob)
	if err != nil {
		reg.warn.Warningf("Rejected slide info for %v of %v: %v", req.ar, r, err)
		return nil, err
	}
	ps := uint64(info.PageSize())
	if !bits.IsPowerOfTwo(ps) {
		return nil, fmt.Errorf("%w: slide page size %d", ErrBadMapping, ps)
	}
	if start, length := uint64(req.ar.Start), req.ar.Length(); bits.AlignDown(start, ps) != start || bits.AlignDown(length, ps) != length {
		return nil, fmt.Errorf("%w: %v not aligned to %d byte slide pages", ErrBadMapping, req.ar, ps)
	}
	if pages := int(req.ar.Length() / uint64(info.PageSize())); info.Version() != 1 && pages > info.Format.PageCount() {
		return nil, fmt.Errorf("%w: slide info covers %d pages, mapping has %d", slideinfo.ErrMalformed, info.Format.PageCount(), pages)
	}

	auth := req.auth && r.ptrAuth
	req.obj.IncRef()
	si := &SlideInfo{
		info:      info,
		start:     req.ar.Start,
		end:       req.ar.End,
		slide:     req.slide,
		is64:      r.env.Is64Bit,
		ptrAuth:   auth,
		obj:       req.obj,
		objOffset: req.objOffset,
	}

	reg.mu.Lock()
	r.acquire(&r.sliding, token)
	if auth {
		defer reg.mu.Unlock()
		defer r.release(&r.sliding, token)
		if len(r.authSlides) >= r.authCap {
			si.release()
			return nil, fmt.Errorf("%w: capacity %d", ErrTooManyAuthRanges, r.authCap)
		}
		si.region = r
		r.authSlides = append(r.authSlides, si)
		r.slides = append(r.slides, si)
		return si, nil
	}
	reg.mu.Unlock()

	err = reg.installPager(r, si)

	reg.mu.Lock()
	if err == nil {
		r.slides = append(r.slides, si)
	}
	r.release(&r.sliding, token)
	reg.mu.Unlock()
	if err != nil {
		si.release()
		return nil, err
	}
	return si, nil
}

// installPager replaces the map entry covering exactly si's range with a
// pager that rebases it.
func (reg *Registry) installPager(r *Region, si *SlideInfo) error {
	p, err := memobj.NewPager(si.pagerOpts(uint64(r.lay.base+si.start), nil))
	if err != nil {
		return err
	}
	defer p.DecRef()
	return r.handle.Map().ReplaceBacking(si.Range(), p, 0)
}

// dropSlides forgets slide infos added by a failed population.
func (reg *Registry) dropSlides(r *Region, dropped []*SlideInfo) {
	if len(dropped) == 0 {
		return
	}
	gone := make(map[*SlideInfo]struct{}, len(dropped))
	for _, si := range dropped {
		gone[si] = struct{}{}
	}
	filter := func(sis []*SlideInfo) []*SlideInfo {
		kept := sis[:0]
		for _, si := range sis {
			if _, ok := gone[si]; !ok {
				kept = append(kept, si)
			}
		}
		return kept
	}
	reg.mu.Lock()
	r.slides = filter(r.slides)
	r.authSlides = filter(r.authSlides)
	reg.mu.Unlock()
	for _, si := range dropped {
		si.release()
	}
}
