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
	"gvisor.dev/sharedregion/pkg/hostarch"
	"gvisor.dev/sharedregion/pkg/refs"
)

// Handle is a reference-counted owner of a Map. It is the Backing used to
// map one Map inside another. The map is emptied when the last reference is
// dropped.
type Handle struct {
	refs.Refs[Handle]

	// m is immutable.
	m *Map
}

// NewHandle returns a handle for m holding one reference.
func NewHandle(m *Map) *Handle {
	h := &Handle{m: m}
	h.InitRefs()
	return h
}

// Map returns the map owned by h.
func (h *Handle) Map() *Map { return h.m }

// IncRef implements Backing.IncRef.
func (h *Handle) IncRef() {
	h.Refs.IncRef()
}

// DecRef implements Backing.DecRef.
func (h *Handle) DecRef() {
	h.Refs.DecRef(h.m.RemoveAll)
}

// ReadAt implements Backing.ReadAt. off is an address in the owned map.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.m.Read(hostarch.Addr(off), p)
}
