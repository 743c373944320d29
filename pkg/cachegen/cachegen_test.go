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

package cachegen

import (
	"testing"

	"github.com/google/uuid"
	"gvisor.dev/sharedregion/pkg/hostarch"
	"gvisor.dev/sharedregion/pkg/slideinfo"
)

func TestBuildSlides(t *testing.T) {
	const (
		base       = 0x180000000
		baseX86_64 = 0x7fff00000000
		slide      = 0x4000
	)
	for _, tc := range []struct {
		name string
		opts Options
	}{
		{"v2", Options{Base: base, TextPages: 2, DataPages: 3, Images: 5}},
		{"v2 high base", Options{Base: baseX86_64, TextPages: 2, DataPages: 3}},
		{"v3", Options{Base: base, TextPages: 2, DataPages: 2, AuthPages: 2, Format: 3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.UUID = uuid.New()
			c, err := Build(tc.opts)
			if err != nil {
				t.Fatalf("Build got err %v want nil", err)
			}
			if got, want := uint64(len(c.Data)), uint64(tc.opts.TextPages+tc.opts.DataPages+tc.opts.AuthPages)*hostarch.PageSize; got != want {
				t.Fatalf("cache size got %#x want %#x", got, want)
			}
			if string(c.Data[uuidOffset:uuidOffset+16]) != string(tc.opts.UUID[:]) {
				t.Errorf("UUID not written to header")
			}
			if len(c.Images) != tc.opts.Images {
				t.Errorf("images got %d want %d", len(c.Images), tc.opts.Images)
			}

			slid := append([]byte(nil), c.Data...)
			for _, m := range c.Mappings {
				if m.SlideInfo == nil {
					continue
				}
				info, err := slideinfo.Parse(m.SlideInfo)
				if err != nil {
					t.Fatalf("Parse got err %v want nil", err)
				}
				for p := 0; uint64(p)*hostarch.PageSize < m.Size; p++ {
					off := m.FileOffset + uint64(p)*hostarch.PageSize
					page := slid[off : off+hostarch.PageSize]
					if err := info.SlidePage(page, slide, slideinfo.PageOpts{PageIndex: p, Is64Bit: true}); err != nil {
						t.Fatalf("SlidePage got err %v want nil", err)
					}
				}
			}
			for _, p := range c.Pointers {
				if got, want := le.Uint64(slid[p.FileOffset:]), p.Target+slide; got != want {
					t.Errorf("pointer at %#x got %#x want %#x", p.FileOffset, got, want)
				}
			}
		})
	}
}

func TestBuildRejects(t *testing.T) {
	for _, opts := range []Options{
		{TextPages: 0},
		{TextPages: 1, Images: MaxImages + 1},
		{TextPages: 1, Format: 4},
		{TextPages: 1, AuthPages: 1},
		{TextPages: 1, Base: 0x123},
		// Plain v3 pointers cannot hold bits 43 to 55.
		{TextPages: 1, DataPages: 1, Base: 0x7fff00000000, Format: 3},
	} {
		if _, err := Build(opts); err == nil {
			t.Errorf("Build(%+v) got nil error", opts)
		}
	}
}
