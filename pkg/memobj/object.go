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

// Package memobj provides memory objects that back shared region mappings:
// anonymous zero-filled objects, read-only file objects, and pagers that
// rewrite an object's pages the first time they are read.
package memobj

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"gvisor.dev/sharedregion/pkg/errors"
	"gvisor.dev/sharedregion/pkg/log"
	"gvisor.dev/sharedregion/pkg/refs"
)

// Errors returned by this package.
var (
	ErrNoMemory        = errors.New(errors.ResourceExhaustion, "memory object allocation limit reached")
	ErrInvalidArgument = errors.New(errors.InvalidArgument, "invalid memory object argument")
	ErrFault           = errors.New(errors.Failure, "access outside memory object")
)

// Allocator creates memory objects and accounts for their size.
type Allocator struct {
	// limit is the maximum number of bytes live at once. Zero means no
	// limit. limit is immutable.
	limit uint64

	used   atomic.Uint64
	nextID atomic.Uint64
}

// NewAllocator returns an Allocator that refuses to hold more than limit
// bytes at once. A zero limit is unlimited.
func NewAllocator(limit uint64) *Allocator {
	return &Allocator{limit: limit}
}

// Used returns the number of bytes held by live objects.
func (a *Allocator) Used() uint64 {
	return a.used.Load()
}

func (a *Allocator) reserve(size uint64) error {
	for {
		used := a.used.Load()
		if a.limit != 0 && (used+size < used || used+size > a.limit) {
			return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrNoMemory, size, used, a.limit)
		}
		if a.used.CompareAndSwap(used, used+size) {
			return nil
		}
	}
}

func (a *Allocator) unreserve(size uint64) {
	a.used.Add(-size)
}

// Allocate returns a new zero-filled object of size bytes, holding one
// reference.
func (a *Allocator) Allocate(name string, size uint64) (*Object, error) {
	if size == 0 || size > uint64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidArgument, size)
	}
	if err := a.reserve(size); err != nil {
		return nil, err
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		a.unreserve(size)
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrNoMemory, size, err)
	}
	return a.newObject(name, data, true), nil
}

// FromBytes returns a new object holding a copy of b.
func (a *Allocator) FromBytes(name string, b []byte) (*Object, error) {
	o, err := a.Allocate(name, uint64(len(b)))
	if err != nil {
		return nil, err
	}
	copy(o.data, b)
	return o, nil
}

// OpenFile returns a read-only object mapping the whole of f.
func (a *Allocator) OpenFile(f *os.File) (*Object, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size <= 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidArgument, f.Name())
	}
	if err := a.reserve(uint64(size)); err != nil {
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		a.unreserve(uint64(size))
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return a.newObject(f.Name(), data, false), nil
}

func (a *Allocator) newObject(name string, data []byte, writable bool) *Object {
	o := &Object{
		alloc:    a,
		id:       a.nextID.Add(1),
		name:     name,
		data:     data,
		writable: writable,
	}
	o.InitRefs()
	return o
}

// Object is a reference-counted range of memory.
type Object struct {
	refs.Refs[Object]

	alloc *Allocator

	// id, name and writable are immutable.
	id       uint64
	name     string
	writable bool

	// mu protects data against concurrent CopyIn and release.
	mu   sync.RWMutex
	data []byte

	// sharedCache marks objects holding shared cache contents.
	sharedCache atomic.Bool
}

// ID returns an identifier unique within the object's allocator.
func (o *Object) ID() uint64 { return o.id }

// Name returns the name the object was created with.
func (o *Object) Name() string { return o.name }

// Size returns the object's size in bytes.
func (o *Object) Size() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return uint64(len(o.data))
}

// IncRef implements refs.RefCounter.IncRef.
func (o *Object) IncRef() {
	o.Refs.IncRef()
}

// DecRef implements refs.RefCounter.DecRef.
func (o *Object) DecRef() {
	o.Refs.DecRef(func() {
		o.mu.Lock()
		data := o.data
		o.data = nil
		o.mu.Unlock()
		if err := unix.Munmap(data); err != nil {
			log.Warningf("munmap of object %d (%s) failed: %v", o.id, o.name, err)
		}
		o.alloc.unreserve(uint64(len(data)))
	})
}

// ReadAt implements io.ReaderAt.ReadAt.
func (o *Object) ReadAt(p []byte, off int64) (int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrFault, off)
	}
	if off >= int64(len(o.data)) {
		return 0, io.EOF
	}
	n := copy(p, o.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// CopyIn copies src into the object at off.
func (o *Object) CopyIn(off uint64, src []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.writable {
		return fmt.Errorf("%w: object %s is read-only", ErrInvalidArgument, o.name)
	}
	end := off + uint64(len(src))
	if end < off || end > uint64(len(o.data)) {
		return fmt.Errorf("%w: [%#x, %#x) outside %d byte object", ErrFault, off, end, len(o.data))
	}
	copy(o.data[off:], src)
	return nil
}

// SetSharedCache marks the object as holding shared cache contents.
func (o *Object) SetSharedCache() {
	o.sharedCache.Store(true)
}

// IsSharedCache returns true if SetSharedCache was called.
func (o *Object) IsSharedCache() bool {
	return o.sharedCache.Load()
}

// String implements fmt.Stringer.String.
func (o *Object) String() string {
	return fmt.Sprintf("object %d (%s)", o.id, o.name)
}
