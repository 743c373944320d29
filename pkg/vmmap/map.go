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

// Package vmmap implements address-space maps: ordered sets of non
// overlapping entries, each backed by a memory object, a pager or a nested
// map, over a page table that may share entries with other page tables.
package vmmap

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/sharedregion/pkg/errors"
	"gvisor.dev/sharedregion/pkg/hostarch"
)

// Errors returned by this package.
var (
	ErrInvalidArgument = errors.New(errors.InvalidArgument, "invalid map argument")
	ErrNoSpace         = errors.New(errors.ResourceExhaustion, "no space in address map")
	ErrExists          = errors.New(errors.Failure, "address range already mapped")
	ErrAlreadyPresent  = errors.New(errors.AlreadyPresent, "identical mapping already present")
	ErrFault           = errors.New(errors.Failure, "bad address")
	ErrNotFound        = errors.New(errors.InvalidArgument, "no entry matches the range")
	ErrNotNestable     = errors.New(errors.InvalidArgument, "page table is not nestable")
)

// btreeDegree is the degree of the entry index.
const btreeDegree = 8

// Backing supplies the contents of an entry. Offsets passed to ReadAt are
// offsets into the backing, not addresses.
type Backing interface {
	io.ReaderAt

	// IncRef takes a reference held by each entry using the backing.
	IncRef()

	// DecRef releases a reference taken by IncRef.
	DecRef()
}

// Entry is a single mapping in a Map.
type Entry struct {
	// Range is the page-aligned range the entry covers.
	Range hostarch.AddrRange

	// Backing is nil for anonymous zero-filled memory.
	Backing Backing

	// Offset is the offset into Backing of Range.Start.
	Offset uint64

	// Perms are the current permissions and MaxPerms their upper bound.
	Perms    hostarch.AccessType
	MaxPerms hostarch.AccessType

	// Nested is true if the entry shares the page table of the map behind
	// its Handle backing.
	Nested bool
}

func entryLess(a, b *Entry) bool {
	return a.Range.Start < b.Range.Start
}

// EnterOpts describes a new entry.
type EnterOpts struct {
	// Addr is the requested start address. If Fixed is false, Addr is
	// ignored and the lowest free range of sufficient size is used.
	Addr   hostarch.Addr
	Length uint64
	Fixed  bool

	// Overwrite allows a fixed entry to replace existing ones. Without it,
	// any overlap fails.
	Overwrite bool

	Backing  Backing
	Offset   uint64
	Perms    hostarch.AccessType
	MaxPerms hostarch.AccessType

	// Nested requests page table sharing with the map behind Backing, which
	// must be a *Handle.
	Nested bool
}

// Map is an address-space map.
type Map struct {
	// pt and bounds are immutable.
	pt     *PageTable
	bounds hostarch.AddrRange

	// mu protects entries.
	mu      sync.Mutex
	entries *btree.BTreeG[*Entry]
}

// NewMap returns an empty map over pt accepting entries in [min, max).
func NewMap(pt *PageTable, min, max hostarch.Addr) *Map {
	return &Map{
		pt:      pt,
		bounds:  hostarch.AddrRange{Start: min, End: max},
		entries: btree.NewG[*Entry](btreeDegree, entryLess),
	}
}

// PageTable returns the page table under m.
func (m *Map) PageTable() *PageTable { return m.pt }

// Bounds returns the range entries may occupy.
func (m *Map) Bounds() hostarch.AddrRange { return m.bounds }

// overlapping returns entries overlapping ar in address order.
//
// Preconditions: m.mu is locked.
func (m *Map) overlapping(ar hostarch.AddrRange) []*Entry {
	var es []*Entry
	m.entries.DescendLessOrEqual(&Entry{Range: hostarch.AddrRange{Start: ar.Start}}, func(e *Entry) bool {
		if e.Range.Start < ar.Start && e.Range.End > ar.Start {
			es = append(es, e)
		}
		return false
	})
	m.entries.AscendRange(&Entry{Range: hostarch.AddrRange{Start: ar.Start}}, &Entry{Range: hostarch.AddrRange{Start: ar.End}}, func(e *Entry) bool {
		es = append(es, e)
		return true
	})
	return es
}

// findSpace returns the lowest free range of length bytes.
//
// Preconditions: m.mu is locked.
func (m *Map) findSpace(length uint64) (hostarch.AddrRange, bool) {
	cursor := m.bounds.Start
	var found hostarch.AddrRange
	ok := false
	m.entries.Ascend(func(e *Entry) bool {
		if end, fits := cursor.AddLength(length); fits && end <= e.Range.Start {
			found, ok = hostarch.AddrRange{Start: cursor, End: end}, true
			return false
		}
		if e.Range.End > cursor {
			cursor = e.Range.End
		}
		return true
	})
	if ok {
		return found, true
	}
	if end, fits := cursor.AddLength(length); fits && end <= m.bounds.End {
		return hostarch.AddrRange{Start: cursor, End: end}, true
	}
	return hostarch.AddrRange{}, false
}

// Enter adds an entry and returns the range it occupies. The map takes its
// own reference on opts.Backing.
func (m *Map) Enter(opts EnterOpts) (hostarch.AddrRange, error) {
	if opts.Length == 0 || !hostarch.Addr(opts.Length).IsPageAligned() {
		return hostarch.AddrRange{}, fmt.Errorf("%w: length %#x", ErrInvalidArgument, opts.Length)
	}
	if !opts.MaxPerms.SupersetOf(opts.Perms) {
		return hostarch.AddrRange{}, fmt.Errorf("%w: permissions %v exceed maximum %v", ErrInvalidArgument, opts.Perms, opts.MaxPerms)
	}
	var sub *Map
	if opts.Nested {
		h, ok := opts.Backing.(*Handle)
		if !ok {
			return hostarch.AddrRange{}, fmt.Errorf("%w: nested entry needs a map handle", ErrInvalidArgument)
		}
		sub = h.Map()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var ar hostarch.AddrRange
	if opts.Fixed {
		if !opts.Addr.IsPageAligned() {
			return ar, fmt.Errorf("%w: address %#x", ErrInvalidArgument, opts.Addr)
		}
		var ok bool
		if ar, ok = opts.Addr.ToRange(opts.Length); !ok || !m.bounds.IsSupersetOf(ar) {
			return ar, fmt.Errorf("%w: %#x bytes at %#x outside %v", ErrInvalidArgument, opts.Length, opts.Addr, m.bounds)
		}
		if es := m.overlapping(ar); len(es) != 0 {
			if !opts.Overwrite {
				if len(es) == 1 && es[0].Range == ar && es[0].Backing != nil && es[0].Backing == opts.Backing && es[0].Offset == opts.Offset {
					return ar, ErrAlreadyPresent
				}
				return ar, fmt.Errorf("%w: %v", ErrExists, ar)
			}
			m.removeLocked(ar, es)
		}
	} else {
		var ok bool
		if ar, ok = m.findSpace(opts.Length); !ok {
			return ar, fmt.Errorf("%w: %#x bytes", ErrNoSpace, opts.Length)
		}
	}

	if sub != nil {
		if err := m.pt.Nest(ar, sub.pt); err != nil {
			return ar, err
		}
	}
	if opts.Backing != nil {
		opts.Backing.IncRef()
	}
	m.entries.ReplaceOrInsert(&Entry{
		Range:    ar,
		Backing:  opts.Backing,
		Offset:   opts.Offset,
		Perms:    opts.Perms,
		MaxPerms: opts.MaxPerms,
		Nested:   opts.Nested,
	})
	return ar, nil
}

// Remove removes all mappings in ar, splitting entries that straddle its
// bounds. Removing an unmapped range succeeds.
func (m *Map) Remove(ar hostarch.AddrRange) error {
	if !ar.WellFormed() || !ar.IsPageAligned() {
		return fmt.Errorf("%w: range %v", ErrInvalidArgument, ar)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(ar, m.overlapping(ar))
	return nil
}

// removeLocked removes ar from the entries es that overlap it.
//
// Preconditions: m.mu is locked. es are the entries overlapping ar.
func (m *Map) removeLocked(ar hostarch.AddrRange, es []*Entry) {
	for _, e := range es {
		m.entries.Delete(e)
		kept := 0
		if e.Range.Start < ar.Start {
			left := *e
			left.Range.End = ar.Start
			m.entries.ReplaceOrInsert(&left)
			kept++
		}
		if ar.End < e.Range.End {
			right := *e
			right.Range.Start = ar.End
			right.Offset += uint64(ar.End - e.Range.Start)
			m.entries.ReplaceOrInsert(&right)
			kept++
		}
		if e.Nested {
			m.pt.Unnest(e.Range.Intersect(ar))
		}
		if e.Backing != nil {
			switch kept {
			case 0:
				e.Backing.DecRef()
			case 2:
				e.Backing.IncRef()
			}
		}
	}
	m.pt.RemoveRange(ar)
}

// RemoveAll removes every entry.
func (m *Map) RemoveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(m.bounds, m.overlapping(m.bounds))
}

// LookupEntry returns a copy of the entry containing addr.
func (m *Map) LookupEntry(addr hostarch.Addr) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookupLocked(addr)
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Preconditions: m.mu is locked.
func (m *Map) lookupLocked(addr hostarch.Addr) *Entry {
	var found *Entry
	m.entries.DescendLessOrEqual(&Entry{Range: hostarch.AddrRange{Start: addr}}, func(e *Entry) bool {
		if e.Range.Contains(addr) {
			found = e
		}
		return false
	})
	return found
}

// Entries returns copies of all entries in address order.
func (m *Map) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	es := make([]Entry, 0, m.entries.Len())
	m.entries.Ascend(func(e *Entry) bool {
		es = append(es, *e)
		return true
	})
	return es
}

// ReplaceBacking swaps the backing of the entry covering exactly ar. The
// entry keeps its permissions. Populated pages in ar are discarded.
func (m *Map) ReplaceBacking(ar hostarch.AddrRange, b Backing, offset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookupLocked(ar.Start)
	if e == nil || e.Range != ar {
		return fmt.Errorf("%w: %v", ErrNotFound, ar)
	}
	if e.Nested {
		return fmt.Errorf("%w: %v is nested", ErrInvalidArgument, ar)
	}
	if b != nil {
		b.IncRef()
	}
	if e.Backing != nil {
		e.Backing.DecRef()
	}
	e.Backing = b
	e.Offset = offset
	m.pt.RemoveRange(ar)
	return nil
}

// Read copies len(dst) bytes starting at addr, faulting pages in through
// the entries' backings.
func (m *Map) Read(addr hostarch.Addr, dst []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := 0
	for done < len(dst) {
		cur := addr + hostarch.Addr(done)
		if cur < addr {
			return done, fmt.Errorf("%w: read wraps at %#x", ErrFault, addr)
		}
		e := m.lookupLocked(cur)
		if e == nil || !e.Perms.Read {
			return done, fmt.Errorf("%w: %#x", ErrFault, cur)
		}
		chunk := dst[done:]
		if avail := uint64(e.Range.End - cur); uint64(len(chunk)) > avail {
			chunk = chunk[:avail]
		}
		if e.Backing == nil {
			clear(chunk)
		} else {
			off := e.Offset + uint64(cur-e.Range.Start)
			n, err := e.Backing.ReadAt(chunk, int64(off))
			if err != nil && err != io.EOF {
				return done, err
			}
			clear(chunk[n:])
		}
		if !e.Nested {
			for pg := cur.RoundDown(); pg < cur+hostarch.Addr(len(chunk)); pg += hostarch.PageSize {
				m.pt.populate(pg)
			}
		}
		done += len(chunk)
	}
	return done, nil
}
