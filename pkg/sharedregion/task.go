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

	"gvisor.dev/sharedregion/pkg/hostarch"
	"gvisor.dev/sharedregion/pkg/log"
	"gvisor.dev/sharedregion/pkg/ptrauth"
	"gvisor.dev/sharedregion/pkg/vmmap"
)

// Task is a consumer of a shared region: an address space plus the signing
// identity of the task running in it.
type Task struct {
	// name and m are immutable.
	name string
	m    *vmmap.Map

	// signer is immutable. It may be nil.
	signer ptrauth.Signer

	mu sync.Mutex

	// reg and region are set by Registry.Enter. The task holds a reference
	// on region.
	reg    *Registry
	region *Region

	// authRemapped is true once the region's authenticated ranges are
	// mapped privately into m.
	authRemapped bool
}

// NewTask returns a task without a region.
func NewTask(name string, m *vmmap.Map, signer ptrauth.Signer) *Task {
	return &Task{name: name, m: m, signer: signer}
}

// Map returns the task's address space.
func (t *Task) Map() *vmmap.Map { return t.m }

// Region returns the task's region with a reference held for the caller, or
// nil. The caller must release it with Registry.Deallocate.
func (t *Task) Region() *Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.region == nil {
		return nil
	}
	t.reg.Reference(t.region)
	return t.region
}

// Exit unmaps the task's region and drops the task's reference on it.
func (t *Task) Exit() {
	t.mu.Lock()
	r, reg := t.region, t.reg
	t.region = nil
	t.authRemapped = false
	t.mu.Unlock()
	if r == nil {
		return
	}
	if err := t.m.Remove(r.Range()); err != nil {
		log.Warningf("Unmapping %v from task %s: %v", r, t.name, err)
	}
	reg.Deallocate(r)
}

// String implements fmt.Stringer.String.
func (t *Task) String() string {
	return fmt.Sprintf("task %s", t.name)
}

// Enter binds t to the region for env and maps the region into t's address
// space, sharing page tables over the region's nesting range when possible.
// A region t already holds is unmapped first. On failure t is left as it was.
func (reg *Registry) Enter(t *Task, env Env) error {
	r, err := reg.Lookup(env)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	old, oldReg := t.region, t.reg
	if old != nil {
		if err := t.m.Remove(old.Range()); err != nil {
			reg.Deallocate(r)
			return fmt.Errorf("unmapping %v from %v: %w", old, t, err)
		}
	}
	if err := mapRegion(t, r); err != nil {
		if old != nil {
			// The old range is free again, so this only fails if the
			// address space changed under us.
			if rerr := mapRegion(t, old); rerr != nil {
				log.Warningf("Restoring %v into %v: %v", old, t, rerr)
			}
			t.authRemapped = false
		}
		reg.Deallocate(r)
		return err
	}

	t.reg, t.region = reg, r
	t.authRemapped = false
	if old != nil {
		oldReg.Deallocate(old)
	}
	log.Debugf("%v entered %v", t, r)
	return nil
}

// mapRegion maps all of r into t, nesting what it can. On failure nothing
// it mapped is left behind.
func mapRegion(t *Task, r *Region) error {
	var done []hostarch.AddrRange
	enter := func(ar hostarch.AddrRange, nested bool) error {
		_, err := t.m.Enter(vmmap.EnterOpts{
			Addr:     ar.Start,
			Length:   ar.Length(),
			Fixed:    true,
			Backing:  r.handle,
			Offset:   uint64(ar.Start - r.lay.base),
			Perms:    hostarch.Read,
			MaxPerms: hostarch.AnyAccess,
			Nested:   nested,
		})
		if err != nil {
			return fmt.Errorf("mapping %v of %v into %v: %w", ar, r, t, err)
		}
		done = append(done, ar)
		return nil
	}
	fail := func(err error) error {
		for i := len(done) - 1; i >= 0; i-- {
			if rerr := t.m.Remove(done[i]); rerr != nil {
				log.Warningf("Unmapping %v from %v: %v", done[i], t, rerr)
			}
		}
		return err
	}

	full := r.Range()
	nest := r.NestingRange().Intersect(full)
	if nest.Length() == 0 {
		nest = hostarch.AddrRange{Start: full.Start, End: full.Start}
	}
	if prefix := (hostarch.AddrRange{Start: full.Start, End: nest.Start}); prefix.Length() != 0 {
		if err := enter(prefix, false); err != nil {
			return fail(err)
		}
	}
	if nest.Length() != 0 {
		if r.nestable {
			chunk := t.m.PageTable().MaxNestingSize()
			for start := nest.Start; start < nest.End; {
				end := nest.End
				if uint64(end-start) > chunk {
					end = start + hostarch.Addr(chunk)
				}
				if err := enter(hostarch.AddrRange{Start: start, End: end}, true); err != nil {
					return fail(err)
				}
				start = end
			}
		} else if err := enter(nest, false); err != nil {
			return fail(err)
		}
	}
	if suffix := (hostarch.AddrRange{Start: nest.End, End: full.End}); suffix.Length() != 0 {
		if err := enter(suffix, false); err != nil {
			return fail(err)
		}
	}
	return nil
}

// Remove makes r's range inaccessible in t's address space. r itself is not
// changed.
func (reg *Registry) Remove(t *Task, r *Region) error {
	full := r.Range()
	_, err := t.m.Enter(vmmap.EnterOpts{
		Addr:      full.Start,
		Length:    full.Length(),
		Fixed:     true,
		Overwrite: true,
	})
	return err
}

// AuthRemap maps private, signed copies of the authenticated ranges of t's
// region into t. It does nothing if the region has none or if t was already
// remapped.
func (reg *Registry) AuthRemap(t *Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.region
	if r == nil {
		return ErrNoRegion
	}
	if t.authRemapped {
		return nil
	}

	reg.mu.Lock()
	sections := append([]*SlideInfo(nil), r.authSlides...)
	reg.mu.Unlock()

	for _, si := range sections {
		e, ok := r.handle.Map().LookupEntry(si.start)
		if !ok {
			return fmt.Errorf("%w: authenticated range %v unmapped", ErrNotMapped, si.Range())
		}
		addr := r.lay.base + si.start
		p, reused, err := reg.pagers.FindOrCreate(si.pagerOpts(uint64(addr), t.signer))
		if err != nil {
			return err
		}
		_, err = t.m.Enter(vmmap.EnterOpts{
			Addr:      addr,
			Length:    uint64(si.end - si.start),
			Fixed:     true,
			Overwrite: true,
			Backing:   p,
			Perms:     e.Perms,
			MaxPerms:  e.MaxPerms,
		})
		p.DecRef()
		if err != nil {
			return fmt.Errorf("remapping %v into %v: %w", si.Range(), t, err)
		}
		authRemaps.Increment()
		log.Debugf("Remapped %v into %v (shared pager %t)", si, t, reused)
	}
	t.authRemapped = true
	return nil
}

// CheckTask returns the start address of t's region, first remapping its
// authenticated ranges if that has not happened yet.
func (reg *Registry) CheckTask(t *Task) (hostarch.Addr, error) {
	t.mu.Lock()
	r := t.region
	t.mu.Unlock()
	if r == nil {
		return 0, ErrNoRegion
	}
	addr, err := r.StartAddress()
	if err != nil {
		return 0, err
	}
	if r.ptrAuth {
		if err := reg.AuthRemap(t); err != nil {
			return 0, err
		}
	}
	return addr, nil
}
