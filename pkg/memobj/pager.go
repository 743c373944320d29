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

package memobj

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"gvisor.dev/sharedregion/pkg/ptrauth"
	"gvisor.dev/sharedregion/pkg/refs"
)

// Rewriter transforms pages as they are brought in by a Pager.
type Rewriter interface {
	// PageSize returns the granularity of RewritePage.
	PageSize() int

	// RewritePage rewrites page, the index'th page of the pager, mapped at
	// userAddr. page is PageSize bytes. On error the page is discarded.
	RewritePage(page []byte, index int, userAddr uint64, signer ptrauth.Signer) error
}

// PagerOpts configures a Pager.
type PagerOpts struct {
	// Object holds the original contents.
	Object *Object

	// Offset and Length select the range of Object the pager exposes.
	Offset uint64
	Length uint64

	// Rewriter transforms each page.
	Rewriter Rewriter

	// Base is the address the pager's first byte is mapped at.
	Base uint64

	// Signer signs pointers for the task the pager serves. It may be nil.
	Signer ptrauth.Signer
}

// Pager exposes a range of an Object whose pages are rewritten on first
// access. Rewritten pages are kept until the pager is released.
type Pager struct {
	refs.Refs[Pager]

	// opts is immutable.
	opts PagerOpts

	// cache is the PagerCache the pager is registered in, if any.
	cache *PagerCache
	key   PagerKey

	mu    sync.Mutex
	pages map[int][]byte

	faults atomic.Uint64
}

// NewPager returns a pager holding one reference. The pager takes its own
// reference on opts.Object.
func NewPager(opts PagerOpts) (*Pager, error) {
	if opts.Object == nil || opts.Rewriter == nil || opts.Length == 0 {
		return nil, fmt.Errorf("%w: incomplete pager options", ErrInvalidArgument)
	}
	end := opts.Offset + opts.Length
	if end < opts.Offset || end > opts.Object.Size() {
		return nil, fmt.Errorf("%w: pager range [%#x, %#x) outside %v", ErrInvalidArgument, opts.Offset, end, opts.Object)
	}
	opts.Object.IncRef()
	p := &Pager{
		opts:  opts,
		pages: make(map[int][]byte),
	}
	p.InitRefs()
	return p, nil
}

// IncRef implements refs.RefCounter.IncRef.
func (p *Pager) IncRef() {
	p.Refs.IncRef()
}

// DecRef implements refs.RefCounter.DecRef.
func (p *Pager) DecRef() {
	p.Refs.DecRef(func() {
		if p.cache != nil {
			p.cache.remove(p)
		}
		p.mu.Lock()
		p.pages = nil
		p.mu.Unlock()
		p.opts.Object.DecRef()
	})
}

// Object returns the object the pager reads from.
func (p *Pager) Object() *Object { return p.opts.Object }

// Size returns the number of bytes the pager exposes.
func (p *Pager) Size() uint64 { return p.opts.Length }

// Faults returns the number of pages rewritten so far.
func (p *Pager) Faults() uint64 { return p.faults.Load() }

// Resident returns the number of rewritten pages held.
func (p *Pager) Resident() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pages)
}

// page returns the rewritten page at index, faulting it in if needed.
//
// Preconditions: p.mu is locked.
func (p *Pager) page(index int) ([]byte, error) {
	if pg, ok := p.pages[index]; ok {
		return pg, nil
	}
	ps := p.opts.Rewriter.PageSize()
	pg := make([]byte, ps)
	off := uint64(index) * uint64(ps)
	n := uint64(ps)
	if rem := p.opts.Length - off; rem < n {
		n = rem
	}
	if _, err := p.opts.Object.ReadAt(pg[:n], int64(p.opts.Offset+off)); err != nil && err != io.EOF {
		return nil, err
	}
	if err := p.opts.Rewriter.RewritePage(pg, index, p.opts.Base+off, p.opts.Signer); err != nil {
		return nil, fmt.Errorf("rewriting page %d of %v: %w", index, p.opts.Object, err)
	}
	p.faults.Add(1)
	p.pages[index] = pg
	return pg, nil
}

// ReadAt implements io.ReaderAt.ReadAt. off is relative to the start of
// the pager's range.
func (p *Pager) ReadAt(dst []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrFault, off)
	}
	if uint64(off) >= p.opts.Length {
		return 0, io.EOF
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pages == nil {
		return 0, fmt.Errorf("%w: pager released", ErrFault)
	}
	ps := uint64(p.opts.Rewriter.PageSize())
	done := 0
	for done < len(dst) {
		cur := uint64(off) + uint64(done)
		if cur >= p.opts.Length {
			return done, io.EOF
		}
		pg, err := p.page(int(cur / ps))
		if err != nil {
			return done, err
		}
		inPage := cur % ps
		n := copy(dst[done:], pg[inPage:])
		if limit := p.opts.Length - cur; uint64(n) > limit {
			n = int(limit)
		}
		done += n
	}
	return done, nil
}

// PagerKey identifies pagers that produce identical contents and may be
// shared.
type PagerKey struct {
	Object   *Object
	Offset   uint64
	Length   uint64
	Rewriter Rewriter
	SignerID uint64
}

// PagerCache finds existing pagers for reuse. It does not hold references:
// a pager leaves the cache when its last reference is dropped.
type PagerCache struct {
	mu     sync.Mutex
	pagers map[PagerKey]*Pager
}

// NewPagerCache returns an empty cache.
func NewPagerCache() *PagerCache {
	return &PagerCache{pagers: make(map[PagerKey]*Pager)}
}

// FindOrCreate returns a pager for opts with a reference held for the
// caller. The second return value is true if an existing pager was reused.
func (c *PagerCache) FindOrCreate(opts PagerOpts) (*Pager, bool, error) {
	key := PagerKey{
		Object:   opts.Object,
		Offset:   opts.Offset,
		Length:   opts.Length,
		Rewriter: opts.Rewriter,
	}
	if opts.Signer != nil {
		key.SignerID = opts.Signer.ID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pagers[key]; ok && p.TryIncRef() {
		return p, true, nil
	}
	p, err := NewPager(opts)
	if err != nil {
		return nil, false, err
	}
	p.cache = c
	p.key = key
	c.pagers[key] = p
	return p, false, nil
}

// Len returns the number of pagers in the cache.
func (c *PagerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pagers)
}

func (c *PagerCache) remove(p *Pager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pagers[p.key] == p {
		delete(c.pagers, p.key)
	}
}
