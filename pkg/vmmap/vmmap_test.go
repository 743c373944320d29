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

package vmmap

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/sharedregion/pkg/hostarch"
)

type testBacking struct {
	data []byte
	refs int
}

func (b *testBacking) IncRef() { b.refs++ }
func (b *testBacking) DecRef() { b.refs-- }

func (b *testBacking) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func filled(n int, v byte) []byte {
	return bytes.Repeat([]byte{v}, n)
}

func newTestMap(nestable bool) *Map {
	return NewMap(NewPageTable(PageTableOpts{Nestable: nestable}), 0x10000, 0x20000)
}

func TestEnterFixedAndFloating(t *testing.T) {
	m := newTestMap(false)
	ar, err := m.Enter(EnterOpts{Addr: 0x12000, Length: 0x2000, Fixed: true, Perms: hostarch.Read, MaxPerms: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("Enter fixed got err %v want nil", err)
	}
	if want := (hostarch.AddrRange{Start: 0x12000, End: 0x14000}); ar != want {
		t.Errorf("Enter fixed got range %v want %v", ar, want)
	}

	// The hole below the fixed entry fits exactly 0x2000 bytes.
	ar, err = m.Enter(EnterOpts{Length: 0x2000, Perms: hostarch.Read, MaxPerms: hostarch.Read})
	if err != nil {
		t.Fatalf("Enter floating got err %v want nil", err)
	}
	if want := (hostarch.AddrRange{Start: 0x10000, End: 0x12000}); ar != want {
		t.Errorf("Enter floating got range %v want %v", ar, want)
	}
	ar, err = m.Enter(EnterOpts{Length: 0x3000, Perms: hostarch.Read, MaxPerms: hostarch.Read})
	if err != nil {
		t.Fatalf("Enter floating got err %v want nil", err)
	}
	if want := (hostarch.AddrRange{Start: 0x14000, End: 0x17000}); ar != want {
		t.Errorf("Enter floating got range %v want %v", ar, want)
	}
	if _, err := m.Enter(EnterOpts{Length: 0x10000, Perms: hostarch.Read, MaxPerms: hostarch.Read}); !errors.Is(err, ErrNoSpace) {
		t.Errorf("Enter too large got err %v want %v", err, ErrNoSpace)
	}
}

func TestEnterInvalid(t *testing.T) {
	m := newTestMap(false)
	for _, tc := range []struct {
		name string
		opts EnterOpts
	}{
		{"zero length", EnterOpts{Addr: 0x10000, Fixed: true}},
		{"unaligned length", EnterOpts{Addr: 0x10000, Length: 100, Fixed: true}},
		{"unaligned address", EnterOpts{Addr: 0x10010, Length: 0x1000, Fixed: true}},
		{"outside bounds", EnterOpts{Addr: 0x1f000, Length: 0x2000, Fixed: true}},
		{"perms above max", EnterOpts{Addr: 0x10000, Length: 0x1000, Fixed: true, Perms: hostarch.ReadWrite, MaxPerms: hostarch.Read}},
		{"nested without handle", EnterOpts{Addr: 0x10000, Length: 0x1000, Fixed: true, Nested: true, Backing: &testBacking{}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Enter(tc.opts); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Enter got err %v want %v", err, ErrInvalidArgument)
			}
		})
	}
}

func TestEnterOverlap(t *testing.T) {
	m := newTestMap(false)
	b := &testBacking{data: filled(0x4000, 1)}
	opts := EnterOpts{Addr: 0x10000, Length: 0x2000, Fixed: true, Backing: b, Offset: 0x1000, Perms: hostarch.Read, MaxPerms: hostarch.Read}
	if _, err := m.Enter(opts); err != nil {
		t.Fatalf("Enter got err %v want nil", err)
	}
	if _, err := m.Enter(opts); !errors.Is(err, ErrAlreadyPresent) {
		t.Errorf("identical Enter got err %v want %v", err, ErrAlreadyPresent)
	}
	other := opts
	other.Offset = 0
	if _, err := m.Enter(other); !errors.Is(err, ErrExists) {
		t.Errorf("Enter at different offset got err %v want %v", err, ErrExists)
	}
	if b.refs != 1 {
		t.Errorf("backing refs got %d want 1", b.refs)
	}

	other.Overwrite = true
	if _, err := m.Enter(other); err != nil {
		t.Fatalf("overwriting Enter got err %v want nil", err)
	}
	if b.refs != 1 {
		t.Errorf("backing refs after overwrite got %d want 1", b.refs)
	}
	e, ok := m.LookupEntry(0x10000)
	if !ok || e.Offset != 0 {
		t.Errorf("LookupEntry got %+v, %t want offset 0", e, ok)
	}
}

func TestRemoveSplits(t *testing.T) {
	m := newTestMap(false)
	b := &testBacking{data: filled(0x4000, 2)}
	if _, err := m.Enter(EnterOpts{Addr: 0x10000, Length: 0x4000, Fixed: true, Backing: b, Perms: hostarch.Read, MaxPerms: hostarch.Read}); err != nil {
		t.Fatalf("Enter got err %v want nil", err)
	}
	if err := m.Remove(hostarch.AddrRange{Start: 0x11000, End: 0x12000}); err != nil {
		t.Fatalf("Remove got err %v want nil", err)
	}
	if b.refs != 2 {
		t.Errorf("refs after split got %d want 2", b.refs)
	}
	var got []hostarch.AddrRange
	var offsets []uint64
	for _, e := range m.Entries() {
		got = append(got, e.Range)
		offsets = append(offsets, e.Offset)
	}
	want := []hostarch.AddrRange{{Start: 0x10000, End: 0x11000}, {Start: 0x12000, End: 0x14000}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0, 0x2000}, offsets); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}

	if err := m.Remove(m.Bounds()); err != nil {
		t.Fatalf("Remove got err %v want nil", err)
	}
	if b.refs != 0 {
		t.Errorf("refs after Remove got %d want 0", b.refs)
	}
	if err := m.Remove(hostarch.AddrRange{Start: 0x10000, End: 0x10001}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unaligned Remove got err %v want %v", err, ErrInvalidArgument)
	}
}

func TestRead(t *testing.T) {
	m := newTestMap(false)
	data := append(filled(0x1000, 0xaa), filled(0x800, 0xbb)...)
	b := &testBacking{data: data}
	if _, err := m.Enter(EnterOpts{Addr: 0x10000, Length: 0x2000, Fixed: true, Backing: b, Perms: hostarch.Read, MaxPerms: hostarch.Read}); err != nil {
		t.Fatalf("Enter got err %v want nil", err)
	}
	if _, err := m.Enter(EnterOpts{Addr: 0x12000, Length: 0x1000, Fixed: true, Perms: hostarch.Read, MaxPerms: hostarch.Read}); err != nil {
		t.Fatalf("Enter got err %v want nil", err)
	}
	if _, err := m.Enter(EnterOpts{Addr: 0x13000, Length: 0x1000, Fixed: true, MaxPerms: hostarch.Read}); err != nil {
		t.Fatalf("Enter got err %v want nil", err)
	}

	buf := make([]byte, 0x10)
	if _, err := m.Read(0x10ff8, buf); err != nil {
		t.Fatalf("Read got err %v want nil", err)
	}
	if want := append(filled(8, 0xaa), filled(8, 0xbb)...); !bytes.Equal(buf, want) {
		t.Errorf("Read got %x want %x", buf, want)
	}

	// Past the end of the backing and into the anonymous entry reads zeroes.
	if _, err := m.Read(0x11ff8, buf); err != nil {
		t.Fatalf("Read got err %v want nil", err)
	}
	if !bytes.Equal(buf, make([]byte, 0x10)) {
		t.Errorf("Read got %x want zeroes", buf)
	}
	if got := m.PageTable().Resident(m.Bounds()); got != 3 {
		t.Errorf("Resident got %d want 3", got)
	}

	if _, err := m.Read(0x13000, buf); !errors.Is(err, ErrFault) {
		t.Errorf("Read of no-access entry got err %v want %v", err, ErrFault)
	}
	if _, err := m.Read(0x14000, buf); !errors.Is(err, ErrFault) {
		t.Errorf("Read of unmapped range got err %v want %v", err, ErrFault)
	}
}

func TestReplaceBacking(t *testing.T) {
	m := newTestMap(false)
	old := &testBacking{data: filled(0x2000, 1)}
	ar, err := m.Enter(EnterOpts{Addr: 0x10000, Length: 0x2000, Fixed: true, Backing: old, Perms: hostarch.Read, MaxPerms: hostarch.Read})
	if err != nil {
		t.Fatalf("Enter got err %v want nil", err)
	}
	buf := make([]byte, 1)
	if _, err := m.Read(0x10000, buf); err != nil {
		t.Fatalf("Read got err %v want nil", err)
	}

	repl := &testBacking{data: filled(0x3000, 7)}
	if err := m.ReplaceBacking(hostarch.AddrRange{Start: 0x10000, End: 0x11000}, repl, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReplaceBacking of partial range got err %v want %v", err, ErrNotFound)
	}
	if err := m.ReplaceBacking(ar, repl, 0x1000); err != nil {
		t.Fatalf("ReplaceBacking got err %v want nil", err)
	}
	if old.refs != 0 || repl.refs != 1 {
		t.Errorf("refs got old=%d new=%d want 0 and 1", old.refs, repl.refs)
	}
	if got := m.PageTable().Resident(ar); got != 0 {
		t.Errorf("Resident after ReplaceBacking got %d want 0", got)
	}
	if _, err := m.Read(0x10000, buf); err != nil || buf[0] != 7 {
		t.Errorf("Read got %x, %v want 07, nil", buf, err)
	}
}

func TestNestedHandle(t *testing.T) {
	sub := NewMap(NewPageTable(PageTableOpts{Nestable: true}), 0, 0x4000)
	b := &testBacking{data: filled(0x4000, 0x5a)}
	if _, err := sub.Enter(EnterOpts{Addr: 0, Length: 0x4000, Fixed: true, Backing: b, Perms: hostarch.Read, MaxPerms: hostarch.Read}); err != nil {
		t.Fatalf("Enter in submap got err %v want nil", err)
	}
	h := NewHandle(sub)

	task := newTestMap(false)
	nested := hostarch.AddrRange{Start: 0x14000, End: 0x18000}
	if _, err := task.Enter(EnterOpts{Addr: nested.Start, Length: nested.Length(), Fixed: true, Backing: h, Perms: hostarch.Read, MaxPerms: hostarch.Read, Nested: true}); err != nil {
		t.Fatalf("nested Enter got err %v want nil", err)
	}
	if h.ReadRefs() != 2 {
		t.Errorf("handle refs got %d want 2", h.ReadRefs())
	}
	if diff := cmp.Diff([]hostarch.AddrRange{nested}, task.PageTable().NestedRanges()); diff != "" {
		t.Errorf("nested ranges mismatch (-want +got):\n%s", diff)
	}

	buf := make([]byte, 4)
	if _, err := task.Read(0x15000, buf); err != nil {
		t.Fatalf("Read through handle got err %v want nil", err)
	}
	if !bytes.Equal(buf, filled(4, 0x5a)) {
		t.Errorf("Read got %x want 5a5a5a5a", buf)
	}
	if got := task.PageTable().Resident(task.Bounds()); got != 0 {
		t.Errorf("task Resident got %d want 0", got)
	}
	if got := sub.PageTable().Resident(sub.Bounds()); got != 1 {
		t.Errorf("shared Resident got %d want 1", got)
	}

	// Removing the middle page splits the nesting.
	if err := task.Remove(hostarch.AddrRange{Start: 0x15000, End: 0x16000}); err != nil {
		t.Fatalf("Remove got err %v want nil", err)
	}
	want := []hostarch.AddrRange{{Start: 0x14000, End: 0x15000}, {Start: 0x16000, End: 0x18000}}
	if diff := cmp.Diff(want, task.PageTable().NestedRanges()); diff != "" {
		t.Errorf("nested ranges mismatch (-want +got):\n%s", diff)
	}
	if h.ReadRefs() != 3 {
		t.Errorf("handle refs got %d want 3", h.ReadRefs())
	}

	task.RemoveAll()
	h.DecRef()
	if len(sub.Entries()) != 0 {
		t.Errorf("submap still has entries after last handle reference")
	}
	if b.refs != 0 {
		t.Errorf("backing refs got %d want 0", b.refs)
	}
}

func TestNestRequiresNestable(t *testing.T) {
	h := NewHandle(newTestMap(false))
	defer h.DecRef()
	task := newTestMap(false)
	if _, err := task.Enter(EnterOpts{Addr: 0x10000, Length: 0x1000, Fixed: true, Backing: h, Nested: true}); !errors.Is(err, ErrNotNestable) {
		t.Errorf("Enter got err %v want %v", err, ErrNotNestable)
	}
	if h.ReadRefs() != 1 {
		t.Errorf("handle refs got %d want 1", h.ReadRefs())
	}
}

func TestPageTableLimits(t *testing.T) {
	sub := NewPageTable(PageTableOpts{Nestable: true})
	pt := NewPageTable(PageTableOpts{MaxNestingSize: 0x2000})
	if err := pt.Nest(hostarch.AddrRange{Start: 0, End: 0x3000}, sub); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("oversized Nest got err %v want %v", err, ErrInvalidArgument)
	}
	if err := pt.Nest(hostarch.AddrRange{Start: 0, End: 0x2000}, sub); err != nil {
		t.Fatalf("Nest got err %v want nil", err)
	}
	if err := pt.Nest(hostarch.AddrRange{Start: 0x1000, End: 0x3000}, sub); !errors.Is(err, ErrExists) {
		t.Errorf("overlapping Nest got err %v want %v", err, ErrExists)
	}
	if err := pt.Trim(hostarch.AddrRange{}); !errors.Is(err, ErrNotNestable) {
		t.Errorf("Trim of plain table got err %v want %v", err, ErrNotNestable)
	}

	sub.populate(0x1000)
	sub.populate(0x5000)
	window := hostarch.AddrRange{Start: 0, End: 0x2000}
	if err := sub.Trim(window); err != nil {
		t.Fatalf("Trim got err %v want nil", err)
	}
	if got := sub.Resident(hostarch.AddrRange{Start: 0, End: 0x10000}); got != 1 {
		t.Errorf("Resident after Trim got %d want 1", got)
	}
	if got := sub.Window(); got != window {
		t.Errorf("Window got %v want %v", got, window)
	}
}
