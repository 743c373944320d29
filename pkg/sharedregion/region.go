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
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gvisor.dev/sharedregion/pkg/cleanup"
	"gvisor.dev/sharedregion/pkg/hostarch"
	"gvisor.dev/sharedregion/pkg/log"
	"gvisor.dev/sharedregion/pkg/memobj"
	"gvisor.dev/sharedregion/pkg/vmmap"
)

// noFirstMapping is the first mapping offset of an unpopulated region.
const noFirstMapping = ^uint64(0)

// marker gives one caller at a time exclusive use of part of a region.
// Waiters sleep on the region's condition variable.
type marker struct {
	// owner is the token of the holder, or zero when idle.
	owner uint64
}

// Region is a shared region.
type Region struct {
	reg *Registry

	// The following fields are immutable.
	env      Env
	key      Env
	lay      layout
	ptrAuth  bool
	handle   *vmmap.Handle
	ptRoot   *memobj.Object
	nestable bool

	// cond is signalled when a marker is released. cond.L is reg.mu.
	cond *sync.Cond

	// The following fields are protected by reg.mu.

	// id is assigned when the region is published.
	id      uint64
	created time.Time

	refs     int
	persists bool
	stale    bool

	// timer is the pending destruction timer. timerGen identifies the
	// armed timer to its callback.
	timer    clockwork.Timer
	timerGen uint64

	firstMapping uint64
	slide        uint64

	// window is the populated span, in region offsets.
	window hostarch.AddrRange

	// firstWritable is the lowest writable offset inside the nesting
	// window, or noFirstMapping.
	firstWritable uint64

	uuid   uuid.UUID
	images []ImageInfo

	// slides holds every relocation context of the region. authSlides is
	// the subset remapped per task, bounded by authCap.
	slides     []*SlideInfo
	authSlides []*SlideInfo
	authCap    int

	mapping marker
	sliding marker

	destroyed bool
}

// newRegion creates an unpublished region for env.
func (reg *Registry) newRegion(env Env) (*Region, error) {
	lay, ok := layoutFor(env.CPUType, env.Is64Bit)
	if !ok {
		return nil, fmt.Errorf("%w: cpu type %#x, 64-bit %t", ErrUnknownArch, uint32(env.CPUType), env.Is64Bit)
	}
	if shift := env.pageShift(); shift != hostarch.PageShift && shift != hostarch.PageShift16K {
		return nil, fmt.Errorf("%w: page shift %d", ErrPageSize, shift)
	}

	// The page table root is charged to the allocator like any other
	// region memory.
	root, err := reg.alloc.Allocate("shared region page table", hostarch.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}
	cu := cleanup.Make(root.DecRef)
	defer cu.Clean()

	nestable := reg.opts.PageTableSharing
	pt := vmmap.NewPageTable(vmmap.PageTableOpts{
		Nestable:       nestable,
		MaxNestingSize: lay.nestSize,
	})
	m := vmmap.NewMap(pt, 0, hostarch.Addr(lay.size))
	h := vmmap.NewHandle(m)
	cu.Add(h.DecRef)

	r := &Region{
		reg:           reg,
		env:           env,
		key:           env.key(),
		lay:           lay,
		ptrAuth:       reg.opts.PtrAuth && lay.ptrAuth && env.key().CPUSubtype == CPUSubtypeARM64E,
		handle:        h,
		ptRoot:        root,
		nestable:      nestable,
		firstMapping:  noFirstMapping,
		firstWritable: noFirstMapping,
	}
	r.cond = sync.NewCond(&reg.mu)
	cu.Release()
	return r, nil
}

// destroy releases everything r holds.
//
// Preconditions: r is unreachable from the registry. reg.mu is unlocked.
func (r *Region) destroy() {
	r.reg.mu.Lock()
	if r.destroyed {
		panic(fmt.Sprintf("shared region %d destroyed twice", r.id))
	}
	r.destroyed = true
	slides := r.slides
	r.slides = nil
	r.authSlides = nil
	r.reg.mu.Unlock()

	r.handle.Map().PageTable().RemoveRange(r.offsetRange())
	r.handle.DecRef()
	for _, si := range slides {
		si.release()
	}
	r.ptRoot.DecRef()
	log.Debugf("Destroyed shared region %d for %v", r.id, r.env)
}

// acquire waits for m to be idle and takes it for token.
//
// Preconditions: r.reg.mu is locked.
func (r *Region) acquire(m *marker, token uint64) {
	for m.owner != 0 {
		r.cond.Wait()
	}
	m.owner = token
}

// release returns m to idle and wakes waiters.
//
// Preconditions: r.reg.mu is locked. m is held by token.
func (r *Region) release(m *marker, token uint64) {
	if m.owner != token {
		panic(fmt.Sprintf("shared region %d: marker held by %d released by %d", r.id, m.owner, token))
	}
	m.owner = 0
	r.cond.Broadcast()
}

// offsetRange returns the region's range in its own map.
func (r *Region) offsetRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: 0, End: hostarch.Addr(r.lay.size)}
}

// ID returns the region's identifier.
func (r *Region) ID() uint64 {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	return r.id
}

// Env returns the environment the region was created for.
func (r *Region) Env() Env { return r.env }

// Base returns the address the region is mapped at in every task.
func (r *Region) Base() hostarch.Addr { return r.lay.base }

// Size returns the region's size in bytes.
func (r *Region) Size() uint64 { return r.lay.size }

// Range returns the task address range the region occupies.
func (r *Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.lay.base, End: r.lay.base + hostarch.Addr(r.lay.size)}
}

// NestingRange returns the task address range eligible for page table
// sharing.
func (r *Region) NestingRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.lay.nestBase, End: r.lay.nestBase + hostarch.Addr(r.lay.nestSize)}
}

// Map returns the region's backing map. Addresses in it are offsets from
// Base.
func (r *Region) Map() *vmmap.Map { return r.handle.Map() }

// PtrAuth returns true if tasks of the region sign pointers.
func (r *Region) PtrAuth() bool { return r.ptrAuth }

// StartAddress returns the address of the region's first mapping, waiting
// for a population in progress to finish.
func (r *Region) StartAddress() (hostarch.Addr, error) {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	for r.mapping.owner != 0 {
		r.cond.Wait()
	}
	if r.firstMapping == noFirstMapping {
		return 0, ErrNotMapped
	}
	return r.lay.base + hostarch.Addr(r.firstMapping), nil
}

// IsSlideValueAcceptable returns true if populating r with slide would not
// conflict with an earlier slide.
func (r *Region) IsSlideValueAcceptable(slide uint64) bool {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	return r.slide == 0 || r.slide == slide
}

// Slide returns the slide applied to the region, or zero.
func (r *Region) Slide() uint64 {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	return r.slide
}

// UUID returns the UUID of the cache mapped into the region.
func (r *Region) UUID() uuid.UUID {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	return r.uuid
}

// Images returns the text segment descriptions of the cache's images.
func (r *Region) Images() []ImageInfo {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	return append([]ImageInfo(nil), r.images...)
}

// RegionInfo is a snapshot of a region's state.
type RegionInfo struct {
	ID      uint64
	Env     Env
	Created time.Time

	Base         hostarch.Addr
	Size         uint64
	NestingStart hostarch.Addr
	NestingSize  uint64

	Refs       int
	Persists   bool
	Stale      bool
	TimerArmed bool

	// FirstMapping is the region offset of the first mapping. Populated is
	// false if there is none.
	FirstMapping uint64
	Populated    bool

	// Window is the populated span in region offsets. FirstWritable is
	// the lowest writable offset inside the nesting window; Writable is
	// false if there is none.
	Window        hostarch.AddrRange
	FirstWritable uint64
	Writable      bool

	Slide        uint64
	UUID         uuid.UUID
	Images       int
	AuthSections int
	Entries      int
}

// info returns a snapshot of r.
//
// Preconditions: r.reg.mu is locked.
func (r *Region) info() RegionInfo {
	return RegionInfo{
		ID:            r.id,
		Env:           r.env,
		Created:       r.created,
		Base:          r.lay.base,
		Size:          r.lay.size,
		NestingStart:  r.lay.nestBase,
		NestingSize:   r.lay.nestSize,
		Refs:          r.refs,
		Persists:      r.persists,
		Stale:         r.stale,
		TimerArmed:    r.timer != nil,
		FirstMapping:  r.firstMapping,
		Populated:     r.firstMapping != noFirstMapping,
		Window:        r.window,
		FirstWritable: r.firstWritable,
		Writable:      r.firstWritable != noFirstMapping,
		Slide:         r.slide,
		UUID:          r.uuid,
		Images:        len(r.images),
		AuthSections:  len(r.authSlides),
		Entries:       len(r.handle.Map().Entries()),
	}
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("shared region %s at %v", r.lay.name, r.Range())
}
