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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/sharedregion/pkg/cachegen"
	srerrors "gvisor.dev/sharedregion/pkg/errors"
	"gvisor.dev/sharedregion/pkg/memobj"
	"gvisor.dev/sharedregion/pkg/test/testutil"
)

func arm64Env() Env {
	return Env{RootDir: "/", CPUType: CPUTypeARM64, Is64Bit: true}
}

func newTestRegistry(opts Options) (*Registry, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	opts.Clock = clock
	return NewRegistry(opts), clock
}

// infoOf returns the snapshot of r, or false if r is unreachable.
func infoOf(reg *Registry, r *Region) (RegionInfo, bool) {
	id := r.ID()
	for _, ri := range reg.Regions() {
		if ri.ID == id {
			return ri, true
		}
	}
	return RegionInfo{}, false
}

func mustLookup(t *testing.T, reg *Registry, env Env) *Region {
	t.Helper()
	r, err := reg.Lookup(env)
	if err != nil {
		t.Fatalf("Lookup(%v) got err %v want nil", env, err)
	}
	return r
}

func TestLookupDistinctKeys(t *testing.T) {
	reg, _ := newTestRegistry(Options{DestroyDelay: time.Minute})
	base := arm64Env()
	variants := map[string]func(*Env){
		"root":      func(e *Env) { e.RootDir = "/other" },
		"cpu type":  func(e *Env) { e.CPUType = CPUTypeX86_64 },
		"subtype":   func(e *Env) { e.CPUSubtype = CPUSubtypeARM64E },
		"bitness":   func(e *Env) { e.CPUType, e.Is64Bit = CPUTypeX86, false },
		"page size": func(e *Env) { e.PageShift = 14 },
		"reslide":   func(e *Env) { e.Reslide = true },
		"driverkit": func(e *Env) { e.DriverKit = true },
		"version":   func(e *Env) { e.Version = 1 },
	}
	r0 := mustLookup(t, reg, base)
	seen := map[*Region]string{r0: "base"}
	for name, mutate := range variants {
		env := base
		mutate(&env)
		r := mustLookup(t, reg, env)
		if prev, ok := seen[r]; ok {
			t.Errorf("variant %q shares a region with %q", name, prev)
		}
		seen[r] = name
		if r.Map() == r0.Map() {
			t.Errorf("variant %q shares the backing map", name)
		}
	}
	if got, want := len(reg.Regions()), len(variants)+1; got != want {
		t.Errorf("Regions got %d want %d", got, want)
	}

	x86 := base
	x86.CPUType = CPUTypeX86_64
	rx := mustLookup(t, reg, x86)
	if rx.Base() == r0.Base() {
		t.Errorf("x86_64 and arm64 regions share base %#x", rx.Base())
	}
}

func TestLookupSameArchSharesBase(t *testing.T) {
	reg, _ := newTestRegistry(Options{})
	r1 := mustLookup(t, reg, arm64Env())
	other := arm64Env()
	other.RootDir = "/other"
	other.Reslide = true
	r2 := mustLookup(t, reg, other)
	if r1 == r2 {
		t.Fatalf("distinct keys got the same region %d", r1.ID())
	}
	// Regions are separate objects laid out at the architecture's fixed
	// base.
	if r1.Base() != r2.Base() || r1.Size() != r2.Size() {
		t.Errorf("regions got %v and %v want the same range", r1.Range(), r2.Range())
	}
	if r1.Map() == r2.Map() {
		t.Errorf("regions share a backing map")
	}
}

func TestLookupSubtypeCapabilities(t *testing.T) {
	reg, _ := newTestRegistry(Options{})
	env := arm64Env()
	env.CPUSubtype = CPUSubtypeARM64E
	r1 := mustLookup(t, reg, env)

	env.CPUSubtype = CPUSubtypeARM64E | CPUSubtype(-0x80000000)
	r2 := mustLookup(t, reg, env)
	if r1 != r2 {
		t.Errorf("subtypes differing in capability bits got distinct regions %d and %d", r1.ID(), r2.ID())
	}
}

func TestLookupSameIdentity(t *testing.T) {
	reg, _ := newTestRegistry(Options{})
	reused := regionsReused.Value()
	r := mustLookup(t, reg, arm64Env())
	before, _ := infoOf(reg, r)
	for i := 2; i <= 4; i++ {
		if got := mustLookup(t, reg, arm64Env()); got != r {
			t.Fatalf("Lookup %d got region %d want %d", i, got.ID(), r.ID())
		}
		ri, _ := infoOf(reg, r)
		if ri.Refs != i {
			t.Errorf("refs after lookup %d got %d want %d", i, ri.Refs, i)
		}
		// Nothing but the reference count changes.
		if diff := cmp.Diff(before, ri, cmpopts.IgnoreFields(RegionInfo{}, "Refs")); diff != "" {
			t.Errorf("region changed (-before +after):\n%s", diff)
		}
	}
	if got := regionsReused.Value() - reused; got != 3 {
		t.Errorf("reuse count got %d want 3", got)
	}
}

func TestConcurrentLookup(t *testing.T) {
	reg, _ := newTestRegistry(Options{})
	const n = 16
	regions := make([]*Region, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			r, err := reg.Lookup(arm64Env())
			regions[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Lookup got err %v want nil", err)
	}
	for i, r := range regions {
		if r != regions[0] {
			t.Errorf("lookup %d got region %d want %d", i, r.ID(), regions[0].ID())
		}
	}
	infos := reg.Regions()
	if len(infos) != 1 || infos[0].Refs != n {
		t.Errorf("Regions got %+v want one region with %d refs", infos, n)
	}
}

func TestLookupErrors(t *testing.T) {
	reg, _ := newTestRegistry(Options{})
	for _, tc := range []struct {
		name string
		env  Env
		want error
	}{
		{"unknown cpu", Env{CPUType: 99, Is64Bit: true}, ErrUnknownArch},
		{"ppc64", Env{CPUType: CPUTypePowerPC, Is64Bit: true}, ErrUnknownArch},
		{"page size", Env{CPUType: CPUTypeARM64, Is64Bit: true, PageShift: 13}, ErrPageSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Lookup(tc.env)
			if !errors.Is(err, tc.want) {
				t.Errorf("Lookup got err %v want %v", err, tc.want)
			}
			if got := srerrors.KindOf(err); got != srerrors.InvalidArgument {
				t.Errorf("error kind got %v want %v", got, srerrors.InvalidArgument)
			}
		})
	}
	if n := len(reg.Regions()); n != 0 {
		t.Errorf("failed lookups left %d regions", n)
	}
}

func TestLookupResourceLimits(t *testing.T) {
	reg, _ := newTestRegistry(Options{MaxRegions: 1})
	mustLookup(t, reg, arm64Env())
	x86 := Env{CPUType: CPUTypeX86_64, Is64Bit: true}
	if _, err := reg.Lookup(x86); !errors.Is(err, ErrTooManyRegions) {
		t.Errorf("Lookup over limit got err %v want %v", err, ErrTooManyRegions)
	}
	// An existing region is still found.
	mustLookup(t, reg, arm64Env())

	reg, _ = newTestRegistry(Options{Allocator: memobj.NewAllocator(0x800)})
	_, err := reg.Lookup(arm64Env())
	if !errors.Is(err, ErrNoMemory) || !errors.Is(err, memobj.ErrNoMemory) {
		t.Errorf("Lookup without memory got err %v want %v wrapping %v", err, ErrNoMemory, memobj.ErrNoMemory)
	}
	if got := srerrors.KindOf(err); got != srerrors.ResourceExhaustion {
		t.Errorf("error kind got %v want %v", got, srerrors.ResourceExhaustion)
	}
}

func waitDestroyed(t *testing.T, reg *Registry, r *Region) {
	t.Helper()
	err := testutil.Poll(func() error {
		if _, ok := infoOf(reg, r); ok {
			return fmt.Errorf("region %d still reachable", r.ID())
		}
		return nil
	}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
}

func TestDeferredDestruction(t *testing.T) {
	const delay = 2 * time.Minute
	reg, clock := newTestRegistry(Options{DestroyDelay: delay})
	r := mustLookup(t, reg, arm64Env())
	populate(t, reg, r, cachegen.Options{TextPages: 1, DataPages: 1}, 0x4000)
	reg.Reference(r)
	reg.Reference(r)
	for i := 0; i < 3; i++ {
		reg.Deallocate(r)
	}
	ri, ok := infoOf(reg, r)
	if !ok || ri.Refs != 0 || !ri.TimerArmed {
		t.Fatalf("after deallocating got %+v, reachable %t; want 0 refs and armed timer", ri, ok)
	}
	if !ri.Populated || ri.FirstMapping == noFirstMapping {
		t.Fatalf("region not populated: %+v", ri)
	}

	// A reference before the timer fires reclaims the region.
	reg.Reference(r)
	clock.Advance(2 * delay)
	after, ok := infoOf(reg, r)
	if !ok {
		t.Fatalf("reclaimed region destroyed")
	}
	if after.TimerArmed || after.Refs != 1 {
		t.Errorf("reclaimed region got %+v want 1 ref and no timer", after)
	}
	// Reclaiming keeps the populated contents.
	if diff := cmp.Diff(ri, after, cmpopts.IgnoreFields(RegionInfo{}, "Refs", "TimerArmed")); diff != "" {
		t.Errorf("reclaimed region changed (-before +after):\n%s", diff)
	}

	reg.Deallocate(r)
	clock.Advance(delay / 2)
	if _, ok := infoOf(reg, r); !ok {
		t.Fatalf("region destroyed before its delay")
	}
	clock.Advance(delay)
	waitDestroyed(t, reg, r)

	if r2 := mustLookup(t, reg, arm64Env()); r2 == r {
		t.Errorf("lookup after destruction returned the destroyed region")
	}
}

func TestLookupReclaimsPendingRegion(t *testing.T) {
	reg, clock := newTestRegistry(Options{DestroyDelay: time.Minute})
	r := mustLookup(t, reg, arm64Env())
	reg.Deallocate(r)
	if got := mustLookup(t, reg, arm64Env()); got != r {
		t.Fatalf("Lookup got region %d want pending region %d", got.ID(), r.ID())
	}
	clock.Advance(time.Hour)
	ri, ok := infoOf(reg, r)
	if !ok || ri.Refs != 1 || ri.TimerArmed {
		t.Errorf("got %+v, reachable %t; want 1 ref and no timer", ri, ok)
	}
}

func TestZeroDelayDestroysImmediately(t *testing.T) {
	reg, _ := newTestRegistry(Options{})
	destroyed := regionsDestroyed.Value()
	r := mustLookup(t, reg, arm64Env())
	reg.Deallocate(r)
	if _, ok := infoOf(reg, r); ok {
		t.Errorf("region reachable after last deallocate")
	}
	if got := regionsDestroyed.Value() - destroyed; got != 1 {
		t.Errorf("destroyed count got %d want 1", got)
	}
	if got := reg.Allocator().Used(); got != 0 {
		t.Errorf("allocator holds %d bytes after destruction", got)
	}
}

func TestPersistence(t *testing.T) {
	reg, clock := newTestRegistry(Options{Persistence: true, DestroyDelay: time.Minute})
	r := mustLookup(t, reg, arm64Env())
	reg.Deallocate(r)
	clock.Advance(time.Hour)
	ri, ok := infoOf(reg, r)
	if !ok || !ri.Persists || ri.TimerArmed {
		t.Fatalf("got %+v, reachable %t; want persisting region", ri, ok)
	}
	if got := mustLookup(t, reg, arm64Env()); got != r {
		t.Errorf("Lookup got region %d want persisting region %d", got.ID(), r.ID())
	}
	reg.Deallocate(r)

	// A persisting idle region is torn down once stale.
	reg.MarkAllStale()
	if _, ok := infoOf(reg, r); ok {
		t.Errorf("stale persisting region still reachable")
	}
}

func TestMarkStale(t *testing.T) {
	reg, _ := newTestRegistry(Options{DestroyDelay: time.Hour})
	r := mustLookup(t, reg, arm64Env())
	x86 := mustLookup(t, reg, Env{CPUType: CPUTypeX86_64, Is64Bit: true})
	reg.Deallocate(x86)

	reg.MarkStaleMatching(func(e Env) bool { return true })
	ri, ok := infoOf(reg, r)
	if !ok || !ri.Stale {
		t.Fatalf("referenced stale region got %+v, reachable %t", ri, ok)
	}
	// The armed timer is cut short.
	if _, ok := infoOf(reg, x86); ok {
		t.Errorf("stale region with pending timer still reachable")
	}

	r2 := mustLookup(t, reg, arm64Env())
	if r2 == r {
		t.Fatalf("Lookup returned a stale region")
	}
	// Stale regions skip the destruction delay.
	reg.Deallocate(r)
	if _, ok := infoOf(reg, r); ok {
		t.Errorf("stale region reachable after last deallocate")
	}
	if _, ok := infoOf(reg, r2); !ok {
		t.Errorf("replacement region not reachable")
	}
}

func TestPivotAndReslide(t *testing.T) {
	reg, _ := newTestRegistry(Options{DestroyDelay: time.Hour})
	plain := mustLookup(t, reg, arm64Env())
	dkEnv := arm64Env()
	dkEnv.DriverKit = true
	dk := mustLookup(t, reg, dkEnv)
	rsEnv := arm64Env()
	rsEnv.Reslide = true
	rs := mustLookup(t, reg, rsEnv)
	rsdkEnv := dkEnv
	rsdkEnv.Reslide = true
	rsdk := mustLookup(t, reg, rsdkEnv)

	stale := func() map[uint64]bool {
		m := make(map[uint64]bool)
		for _, ri := range reg.Regions() {
			m[ri.ID] = ri.Stale
		}
		return m
	}

	reg.ReslideStale(false)
	want := map[uint64]bool{plain.ID(): false, dk.ID(): false, rs.ID(): true, rsdk.ID(): false}
	if diff := cmp.Diff(want, stale()); diff != "" {
		t.Errorf("after ReslideStale(false) (-want +got):\n%s", diff)
	}
	reg.ReslideStale(true)
	want[rsdk.ID()] = true
	if diff := cmp.Diff(want, stale()); diff != "" {
		t.Errorf("after ReslideStale(true) (-want +got):\n%s", diff)
	}
	reg.Pivot()
	want[plain.ID()] = true
	if diff := cmp.Diff(want, stale()); diff != "" {
		t.Errorf("after Pivot (-want +got):\n%s", diff)
	}
}
