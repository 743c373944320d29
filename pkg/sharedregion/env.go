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

// Package sharedregion implements shared regions: reference-counted address
// space regions that hold a shared library cache and are mapped, with page
// table sharing where possible, into every task of the same environment.
//
// Lock order:
//
//	Registry.mu
//		vmmap.Map.mu
//			vmmap.PageTable.mu
//
// Long running work (populating a region, sliding it) does not hold
// Registry.mu. It holds one of the region's exclusion markers instead.
package sharedregion

import (
	"fmt"

	"gvisor.dev/sharedregion/pkg/hostarch"
)

// CPUType is a CPU type in the Mach-O numbering.
type CPUType int32

// CPUSubtype is a CPU subtype. The bits under CPUSubtypeMask carry
// capabilities rather than a model.
type CPUSubtype int32

// CPU types and ABI flags.
const (
	CPUArchABI64    CPUType = 0x01000000
	CPUArchABI64_32 CPUType = 0x02000000

	CPUTypeX86     CPUType = 7
	CPUTypeX86_64  CPUType = CPUTypeX86 | CPUArchABI64
	CPUTypeARM     CPUType = 12
	CPUTypeARM64   CPUType = CPUTypeARM | CPUArchABI64
	CPUTypeARM6432 CPUType = CPUTypeARM | CPUArchABI64_32
	CPUTypePowerPC CPUType = 18
)

// CPU subtypes.
const (
	// CPUSubtypeMask covers the capability bits of a subtype.
	CPUSubtypeMask CPUSubtype = -0x1000000 // 0xff000000

	CPUSubtypeARM64All CPUSubtype = 0
	CPUSubtypeARM64E   CPUSubtype = 2
)

// Env is the environment of a task: everything that must agree for two tasks
// to share a region. Env is comparable and never mutated.
type Env struct {
	// RootDir identifies the root directory the cache was loaded from.
	RootDir string

	CPUType    CPUType
	CPUSubtype CPUSubtype
	Is64Bit    bool

	// PageShift is the page size exponent. Zero selects the host page size.
	PageShift uint8

	// Reslide requests a region slid independently of other environments.
	Reslide bool

	// DriverKit marks the driver extension environment, which has its own
	// cache.
	DriverKit bool

	// Version distinguishes regions created after a reslide.
	Version uint32
}

// key returns the registry key for e. Subtypes that differ only in
// capability bits share a region.
func (e Env) key() Env {
	e.CPUSubtype &^= CPUSubtypeMask
	if e.PageShift == 0 {
		e.PageShift = hostarch.PageShift
	}
	return e
}

// pageShift returns the effective page size exponent.
func (e Env) pageShift() uint {
	if e.PageShift == 0 {
		return hostarch.PageShift
	}
	return uint(e.PageShift)
}

// String implements fmt.Stringer.String.
func (e Env) String() string {
	return fmt.Sprintf("{root=%q cpu=%#x/%#x 64bit=%t pageshift=%d reslide=%t driverkit=%t version=%d}",
		e.RootDir, uint32(e.CPUType), uint32(e.CPUSubtype), e.Is64Bit, e.pageShift(), e.Reslide, e.DriverKit, e.Version)
}
