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
	"gvisor.dev/sharedregion/pkg/hostarch"
)

// layout is the fixed placement of a region for one architecture.
type layout struct {
	name string

	base hostarch.Addr
	size uint64

	// nestBase and nestSize select the part of the region eligible for page
	// table sharing.
	nestBase hostarch.Addr
	nestSize uint64

	// ptrAuth is true if the architecture signs pointers.
	ptrAuth bool
}

var (
	layoutI386 = layout{
		name:     "i386",
		base:     0x90000000,
		size:     0x10000000,
		nestBase: 0x90000000,
		nestSize: 0x10000000,
	}
	layoutX86_64 = layout{
		name:     "x86_64",
		base:     0x7fff00000000,
		size:     0xffe00000,
		nestBase: 0x7fff00000000,
		nestSize: 0xffe00000,
	}
	layoutARM = layout{
		name:     "arm",
		base:     0x1a000000,
		size:     0x26000000,
		nestBase: 0x1a000000,
		nestSize: 0x26000000,
	}
	layoutARM64 = layout{
		name:     "arm64",
		base:     0x180000000,
		size:     0x100000000,
		nestBase: 0x180000000,
		nestSize: 0x100000000,
		ptrAuth:  true,
	}
	layoutPowerPC = layout{
		name:     "ppc",
		base:     0x90000000,
		size:     0x20000000,
		nestBase: 0x90000000,
		nestSize: 0x10000000,
	}
)

// layoutFor returns the layout for a CPU type and bitness.
//
// Layouts are fixed per architecture, so every region of one architecture
// has the same base whatever its root directory or environment flags. A
// task holds at most one region, so the shared base never collides within
// a single address space.
func layoutFor(cpuType CPUType, is64 bool) (layout, bool) {
	switch cpuType {
	case CPUTypeX86:
		if is64 {
			return layoutX86_64, true
		}
		return layoutI386, true
	case CPUTypeX86_64:
		return layoutX86_64, true
	case CPUTypeARM:
		if is64 {
			return layoutARM64, true
		}
		return layoutARM, true
	case CPUTypeARM64:
		return layoutARM64, true
	case CPUTypeARM6432:
		return layoutARM, true
	case CPUTypePowerPC:
		if is64 {
			return layout{}, false
		}
		return layoutPowerPC, true
	default:
		return layout{}, false
	}
}

// ArchNames lists the architectures ParseArch accepts.
var ArchNames = []string{"i386", "x86_64", "arm", "arm64", "arm64e", "arm64_32", "ppc"}

// ParseArch returns the CPU type, subtype and bitness for an architecture
// name.
func ParseArch(name string) (CPUType, CPUSubtype, bool, bool) {
	switch name {
	case "i386":
		return CPUTypeX86, 0, false, true
	case "x86_64":
		return CPUTypeX86_64, 0, true, true
	case "arm":
		return CPUTypeARM, 0, false, true
	case "arm64":
		return CPUTypeARM64, CPUSubtypeARM64All, true, true
	case "arm64e":
		return CPUTypeARM64, CPUSubtypeARM64E, true, true
	case "arm64_32":
		return CPUTypeARM6432, 0, false, true
	case "ppc":
		return CPUTypePowerPC, 0, false, true
	default:
		return 0, 0, false, false
	}
}
