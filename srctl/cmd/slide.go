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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/sharedregion/pkg/log"
	"gvisor.dev/sharedregion/pkg/slideinfo"
	"gvisor.dev/sharedregion/srctl/cmd/util"
)

// Slide implements subcommands.Command for the "slide" command.
type Slide struct {
	slide   uint64
	base    uint64
	workers int
	is32    bool
}

// Name implements subcommands.Command.Name.
func (*Slide) Name() string {
	return "slide"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Slide) Synopsis() string {
	return "rebase the pages of a data file"
}

// Usage implements subcommands.Command.Usage.
func (*Slide) Usage() string {
	return `slide -slide=N [-base=ADDR] <slide info file> <data file> <output file> - rebases every page of the data file using the slide info and writes the result.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Slide) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&s.slide, "slide", 0, "amount to rebase pointers by.")
	f.Uint64Var(&s.base, "base", 0, "address the data is mapped at. Used for address diversity of signed pointers.")
	f.IntVar(&s.workers, "workers", runtime.GOMAXPROCS(0), "number of pages rebased in parallel.")
	f.BoolVar(&s.is32, "32bit", false, "the data holds 32-bit pointers.")
}

// Execute implements subcommands.Command.Execute.
func (s *Slide) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	blob, err := os.ReadFile(f.Arg(0))
	if err != nil {
		util.Fatalf("reading slide info: %v", err)
	}
	data, err := os.ReadFile(f.Arg(1))
	if err != nil {
		util.Fatalf("reading data: %v", err)
	}
	out, err := s.slideData(ctx, blob, data)
	if err != nil {
		util.Errorf("sliding %s: %v", f.Arg(1), err)
		return subcommands.ExitFailure
	}
	if err := os.WriteFile(f.Arg(2), out, 0644); err != nil {
		util.Fatalf("writing output: %v", err)
	}
	util.Infof("Rebased %d bytes by %#x into %s", len(out), s.slide, f.Arg(2))
	return subcommands.ExitSuccess
}

// slideData returns a rebased copy of data.
func (s *Slide) slideData(ctx context.Context, blob, data []byte) ([]byte, error) {
	info, err := slideinfo.Parse(blob)
	if err != nil {
		return nil, err
	}
	ps := info.PageSize()
	if len(data)%ps != 0 {
		return nil, fmt.Errorf("data size %d is not a multiple of the %d byte page size", len(data), ps)
	}
	pages := len(data) / ps
	if info.Version() != 1 && pages > info.Format.PageCount() {
		return nil, fmt.Errorf("%w: slide info covers %d pages, data has %d", slideinfo.ErrMalformed, info.Format.PageCount(), pages)
	}
	log.Debugf("Rebasing %d pages with %v", pages, info)

	out := append([]byte(nil), data...)
	g, ctx := errgroup.WithContext(ctx)
	if s.workers > 0 {
		g.SetLimit(s.workers)
	}
	for i := 0; i < pages && ctx.Err() == nil; i++ {
		i := i
		g.Go(func() error {
			return info.SlidePage(out[i*ps:(i+1)*ps], s.slide, slideinfo.PageOpts{
				PageIndex: i,
				UserAddr:  s.base + uint64(i*ps),
				Is64Bit:   !s.is32,
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
