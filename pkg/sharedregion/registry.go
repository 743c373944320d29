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
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"gvisor.dev/sharedregion/pkg/log"
	"gvisor.dev/sharedregion/pkg/memobj"
)

// DefaultDestroyDelay is how long an unreferenced region is kept for reuse.
const DefaultDestroyDelay = 120 * time.Second

// Options configures a Registry.
type Options struct {
	// Clock times deferred destruction. Nil selects the real clock.
	Clock clockwork.Clock

	// DestroyDelay is how long an unreferenced region waits before it is
	// destroyed. Zero destroys it as soon as the last reference is dropped.
	DestroyDelay time.Duration

	// Persistence keeps unreferenced regions until they are marked stale.
	Persistence bool

	// MaxRegions limits the number of reachable regions. Zero is no limit.
	MaxRegions int

	// PageTableSharing enables nesting of region page tables into tasks.
	PageTableSharing bool

	// PtrAuth enables per-task signing of authenticated pointers on
	// architectures that support it.
	PtrAuth bool

	// Allocator supplies memory for regions and their anonymous mappings.
	// Nil selects an unlimited allocator.
	Allocator *memobj.Allocator
}

// Registry holds the shared regions of a system.
type Registry struct {
	// The following fields are immutable.
	opts   Options
	clock  clockwork.Clock
	alloc  *memobj.Allocator
	pagers *memobj.PagerCache
	warn   log.Logger

	// mu protects the fields below and the mutable state of every region.
	mu sync.Mutex

	// live maps a key to the region that new lookups reuse. Stale regions
	// are not in live.
	live map[Env]*Region

	// all holds every reachable region by ID.
	all map[uint64]*Region

	lastID    uint64
	lastToken uint64
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	reg := &Registry{
		opts:   opts,
		clock:  opts.Clock,
		alloc:  opts.Allocator,
		pagers: memobj.NewPagerCache(),
		warn:   log.BasicRateLimitedLogger(time.Second),
		live:   make(map[Env]*Region),
		all:    make(map[uint64]*Region),
	}
	if reg.clock == nil {
		reg.clock = clockwork.NewRealClock()
	}
	if reg.alloc == nil {
		reg.alloc = memobj.NewAllocator(0)
	}
	return reg
}

// Allocator returns the allocator backing the registry's regions.
func (reg *Registry) Allocator() *memobj.Allocator { return reg.alloc }

// token returns an owner token for a marker.
//
// Preconditions: reg.mu is locked.
func (reg *Registry) token() uint64 {
	reg.lastToken++
	return reg.lastToken
}

// Lookup returns the region for env with a reference held for the caller,
// creating it if needed.
func (reg *Registry) Lookup(env Env) (*Region, error) {
	key := env.key()

	reg.mu.Lock()
	if r, ok := reg.live[key]; ok {
		reg.takeRefLocked(r)
		reg.mu.Unlock()
		regionsReused.Increment()
		return r, nil
	}
	if reg.opts.MaxRegions > 0 && len(reg.all) >= reg.opts.MaxRegions {
		reg.mu.Unlock()
		return nil, fmt.Errorf("%w: %d reachable", ErrTooManyRegions, reg.opts.MaxRegions)
	}
	reg.mu.Unlock()

	nr, err := reg.newRegion(env)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	if r, ok := reg.live[key]; ok {
		// Lost the race: nr was never published.
		reg.takeRefLocked(r)
		reg.mu.Unlock()
		nr.destroy()
		regionsReused.Increment()
		return r, nil
	}
	reg.lastID++
	nr.id = reg.lastID
	nr.created = reg.clock.Now()
	nr.refs = 1
	reg.live[key] = nr
	reg.all[nr.id] = nr
	reg.mu.Unlock()

	regionsCreated.Increment()
	regionsLive.Increment()
	log.Infof("Created %v (id %d) for %v", nr, nr.id, env)
	return nr, nil
}

// takeRefLocked adds a reference to r, reclaiming it from a pending
// destruction.
//
// Preconditions: reg.mu is locked. r is reachable.
func (reg *Registry) takeRefLocked(r *Region) {
	if r.destroyed {
		panic(fmt.Sprintf("reference to destroyed shared region %d", r.id))
	}
	r.refs++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
		r.timerGen++
		log.Debugf("Reclaimed shared region %d from pending destruction", r.id)
	}
}

// Reference adds a reference to r.
//
// Preconditions: r is reachable from reg.
func (reg *Registry) Reference(r *Region) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.takeRefLocked(r)
}

// Deallocate drops a reference to r. When the last reference is dropped, r
// persists, waits for its destruction timer, or is destroyed.
func (reg *Registry) Deallocate(r *Region) {
	reg.mu.Lock()
	if r.refs <= 0 {
		panic(fmt.Sprintf("shared region %d: deallocate with %d refs", r.id, r.refs))
	}
	r.refs--
	if r.refs > 0 {
		reg.mu.Unlock()
		return
	}
	if reg.opts.Persistence && !r.stale {
		if !r.persists {
			r.persists = true
			log.Debugf("Shared region %d persists", r.id)
		}
		reg.mu.Unlock()
		return
	}
	if r.stale || reg.opts.DestroyDelay <= 0 {
		reg.unpublishLocked(r)
		reg.mu.Unlock()
		r.destroy()
		return
	}
	r.timerGen++
	gen := r.timerGen
	r.timer = reg.clock.AfterFunc(reg.opts.DestroyDelay, func() { reg.timeout(r, gen) })
	reg.mu.Unlock()
	log.Debugf("Shared region %d unreferenced, destroying in %v", r.id, reg.opts.DestroyDelay)
}

// timeout destroys r if the timer that fired is still armed and r is still
// unreferenced.
func (reg *Registry) timeout(r *Region, gen uint64) {
	reg.mu.Lock()
	if r.timer == nil || r.timerGen != gen || r.refs != 0 {
		reg.mu.Unlock()
		return
	}
	r.timer = nil
	reg.unpublishLocked(r)
	reg.mu.Unlock()
	r.destroy()
}

// unpublishLocked makes r unreachable.
//
// Preconditions: reg.mu is locked.
func (reg *Registry) unpublishLocked(r *Region) {
	if reg.live[r.key] == r {
		delete(reg.live, r.key)
	}
	delete(reg.all, r.id)
	r.persists = false
	regionsDestroyed.Increment()
	regionsLive.Decrement()
}

// MarkAllStale prevents reuse of every region.
func (reg *Registry) MarkAllStale() {
	reg.MarkStaleMatching(func(Env) bool { return true })
}

// MarkStaleMatching prevents reuse of the regions whose environment matches
// pred. Matching regions without references are destroyed now rather than
// when their timer fires or their persistence ends.
func (reg *Registry) MarkStaleMatching(pred func(Env) bool) {
	var doomed []*Region
	reg.mu.Lock()
	for _, r := range reg.all {
		if r.stale || !pred(r.env) {
			continue
		}
		r.stale = true
		if reg.live[r.key] == r {
			delete(reg.live, r.key)
		}
		if r.refs != 0 {
			continue
		}
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
			r.timerGen++
		}
		reg.unpublishLocked(r)
		doomed = append(doomed, r)
	}
	reg.mu.Unlock()

	for _, r := range doomed {
		r.destroy()
	}
	if len(doomed) > 0 {
		log.Infof("Destroyed %d stale shared regions", len(doomed))
	}
}

// ReslideStale marks the reslid regions of the driver or the regular
// environment stale, so that the next lookup creates a freshly slid region.
func (reg *Registry) ReslideStale(driverKit bool) {
	reg.MarkStaleMatching(func(e Env) bool {
		return e.Reslide && e.DriverKit == driverKit
	})
}

// Pivot marks every regular region stale after the root volume changed.
// DriverKit regions are kept.
func (reg *Registry) Pivot() {
	reg.MarkStaleMatching(func(e Env) bool { return !e.DriverKit })
}

// Regions returns a snapshot of every reachable region ordered by ID.
func (reg *Registry) Regions() []RegionInfo {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	infos := make([]RegionInfo, 0, len(reg.all))
	for _, r := range reg.all {
		infos = append(infos, r.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
