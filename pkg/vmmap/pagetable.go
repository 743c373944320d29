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
	"fmt"
	"sort"
	"sync"

	"gvisor.dev/sharedregion/pkg/hostarch"
)

// DefaultMaxNestingSize is the largest range a single Nest call may cover
// unless PageTableOpts says otherwise.
const DefaultMaxNestingSize = 1 << 32

// PageTableOpts configures a PageTable.
type PageTableOpts struct {
	// Nestable marks a page table whose entries may be shared by other page
	// tables.
	Nestable bool

	// MaxNestingSize limits the length of a single nested range. Zero
	// selects DefaultMaxNestingSize.
	MaxNestingSize uint64
}

type nesting struct {
	ar  hostarch.AddrRange
	sub *PageTable
}

// PageTable models the translation structure under a Map: which pages are
// populated, and which ranges borrow their entries from a nested page table.
type PageTable struct {
	// opts is immutable.
	opts PageTableOpts

	mu sync.Mutex

	// resident holds page-aligned addresses with a populated entry.
	resident map[hostarch.Addr]struct{}

	// nested is sorted by start address and non-overlapping.
	nested []nesting

	// window is the range a nestable table is trimmed to. It is empty until
	// Trim is called.
	window hostarch.AddrRange
}

// NewPageTable returns an empty page table.
func NewPageTable(opts PageTableOpts) *PageTable {
	if opts.MaxNestingSize == 0 {
		opts.MaxNestingSize = DefaultMaxNestingSize
	}
	return &PageTable{
		opts:     opts,
		resident: make(map[hostarch.Addr]struct{}),
	}
}

// Nestable returns true if other page tables may share pt's entries.
func (pt *PageTable) Nestable() bool { return pt.opts.Nestable }

// MaxNestingSize returns the largest range a single Nest call may cover.
func (pt *PageTable) MaxNestingSize() uint64 { return pt.opts.MaxNestingSize }

// Nest shares sub's entries over ar.
func (pt *PageTable) Nest(ar hostarch.AddrRange, sub *PageTable) error {
	if !sub.Nestable() {
		return fmt.Errorf("%w: nested page table is not nestable", ErrNotNestable)
	}
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return fmt.Errorf("%w: nesting range %v", ErrInvalidArgument, ar)
	}
	if ar.Length() > pt.opts.MaxNestingSize {
		return fmt.Errorf("%w: nesting range %v exceeds %#x", ErrInvalidArgument, ar, pt.opts.MaxNestingSize)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, n := range pt.nested {
		if n.ar.Overlaps(ar) {
			return fmt.Errorf("%w: %v already nested at %v", ErrExists, ar, n.ar)
		}
	}
	pt.nested = append(pt.nested, nesting{ar: ar, sub: sub})
	sort.Slice(pt.nested, func(i, j int) bool { return pt.nested[i].ar.Start < pt.nested[j].ar.Start })
	return nil
}

// Unnest stops sharing over ar. Nested ranges partially covered by ar are
// split.
func (pt *PageTable) Unnest(ar hostarch.AddrRange) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var kept []nesting
	for _, n := range pt.nested {
		if !n.ar.Overlaps(ar) {
			kept = append(kept, n)
			continue
		}
		if n.ar.Start < ar.Start {
			kept = append(kept, nesting{ar: hostarch.AddrRange{Start: n.ar.Start, End: ar.Start}, sub: n.sub})
		}
		if ar.End < n.ar.End {
			kept = append(kept, nesting{ar: hostarch.AddrRange{Start: ar.End, End: n.ar.End}, sub: n.sub})
		}
	}
	pt.nested = kept
}

// NestedRanges returns the ranges currently shared from other tables.
func (pt *PageTable) NestedRanges() []hostarch.AddrRange {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	ars := make([]hostarch.AddrRange, len(pt.nested))
	for i, n := range pt.nested {
		ars[i] = n.ar
	}
	return ars
}

// Trim restricts a nestable table to ar, discarding entries outside it.
func (pt *PageTable) Trim(ar hostarch.AddrRange) error {
	if !pt.opts.Nestable {
		return fmt.Errorf("%w: trim of a table that is not nestable", ErrNotNestable)
	}
	if !ar.WellFormed() {
		return fmt.Errorf("%w: trim range %v", ErrInvalidArgument, ar)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for addr := range pt.resident {
		if !ar.Contains(addr) {
			delete(pt.resident, addr)
		}
	}
	pt.window = ar
	return nil
}

// Window returns the range set by Trim.
func (pt *PageTable) Window() hostarch.AddrRange {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.window
}

// populate records a populated entry for the page containing addr.
func (pt *PageTable) populate(addr hostarch.Addr) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.resident[addr.RoundDown()] = struct{}{}
}

// RemoveRange discards populated entries in ar.
func (pt *PageTable) RemoveRange(ar hostarch.AddrRange) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for addr := range pt.resident {
		if ar.Contains(addr) {
			delete(pt.resident, addr)
		}
	}
}

// Resident returns the number of populated pages in ar.
func (pt *PageTable) Resident(ar hostarch.AddrRange) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	n := 0
	for addr := range pt.resident {
		if ar.Contains(addr) {
			n++
		}
	}
	return n
}
