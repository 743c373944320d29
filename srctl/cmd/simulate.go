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
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/sharedregion/pkg/cachegen"
	"gvisor.dev/sharedregion/pkg/hostarch"
	"gvisor.dev/sharedregion/pkg/log"
	"gvisor.dev/sharedregion/pkg/memobj"
	"gvisor.dev/sharedregion/pkg/metric"
	"gvisor.dev/sharedregion/pkg/ptrauth"
	"gvisor.dev/sharedregion/pkg/sharedregion"
	"gvisor.dev/sharedregion/pkg/vmmap"
	"gvisor.dev/sharedregion/srctl/cmd/util"
	"gvisor.dev/sharedregion/srctl/config"
)

// userMapEnd is the top of the address space of simulated tasks.
const userMapEnd = 1 << 47

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	tasks     int
	arch      string
	root      string
	images    int
	textPages int
	dataPages int
	authPages int
	format    uint
	slide     uint64
	metrics   bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "populate a shared region with a synthetic cache and run tasks against it"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] - builds a synthetic cache, maps it into a shared region and binds tasks to it.

Every task checks that it sees the cache rebased by the requested slide. The
region table is printed before and after the region is released.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.tasks, "tasks", 4, "number of tasks sharing the region.")
	f.StringVar(&s.arch, "arch", "arm64", "architecture of the region. One of the 64-bit architectures.")
	f.StringVar(&s.root, "root", "/", "root directory the cache is attributed to.")
	f.IntVar(&s.images, "images", 8, "number of images described by the cache header.")
	f.IntVar(&s.textPages, "text-pages", 4, "number of text pages, header included.")
	f.IntVar(&s.dataPages, "data-pages", 2, "number of slid data pages.")
	f.IntVar(&s.authPages, "auth-pages", 0, "number of data pages holding authenticated pointers. Requires -format=3.")
	f.UintVar(&s.format, "format", 2, "slide info version of the data pages: 2 or 3.")
	f.Uint64Var(&s.slide, "slide", 0x4000, "slide applied to the cache.")
	f.BoolVar(&s.metrics, "metrics", true, "print metrics after the run.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := s.run(ctx, conf, os.Stdout); err != nil {
		util.Errorf("simulate: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (s *Simulate) env() (sharedregion.Env, error) {
	cpuType, cpuSubtype, is64, ok := sharedregion.ParseArch(s.arch)
	if !ok {
		return sharedregion.Env{}, fmt.Errorf("unknown architecture %q, want one of %v", s.arch, sharedregion.ArchNames)
	}
	if !is64 {
		return sharedregion.Env{}, fmt.Errorf("architecture %q has 32-bit pointers, which synthetic caches do not support", s.arch)
	}
	return sharedregion.Env{
		RootDir:    s.root,
		CPUType:    cpuType,
		CPUSubtype: cpuSubtype,
		Is64Bit:    true,
	}, nil
}

func (s *Simulate) run(ctx context.Context, conf *config.Config, w io.Writer) error {
	env, err := s.env()
	if err != nil {
		return err
	}
	if s.tasks < 1 {
		return fmt.Errorf("need at least one task, got %d", s.tasks)
	}
	if s.format == 3 && env.CPUType != sharedregion.CPUTypeARM64 {
		// Plain v3 pointers only hold the arm64 address bits.
		return fmt.Errorf("slide info format 3 needs an arm64 architecture, got %q", s.arch)
	}

	reg := sharedregion.NewRegistry(conf.RegistryOptions())
	r, err := reg.Lookup(env)
	if err != nil {
		return fmt.Errorf("looking up region for %v: %w", env, err)
	}
	c, err := cachegen.Build(cachegen.Options{
		Base:      uint64(r.Base()),
		UUID:      uuid.New(),
		Images:    s.images,
		TextPages: s.textPages,
		DataPages: s.dataPages,
		AuthPages: s.authPages,
		Format:    uint32(s.format),
	})
	if err != nil {
		reg.Deallocate(r)
		return fmt.Errorf("building cache: %w", err)
	}
	obj, err := reg.Allocator().FromBytes("synthetic cache", c.Data)
	if err != nil {
		reg.Deallocate(r)
		return err
	}
	err = reg.MapFile(r, fileMappings(c, obj, r.Base()), s.slide)
	obj.DecRef()
	if err != nil {
		reg.Deallocate(r)
		return fmt.Errorf("mapping cache into %v: %w", r, err)
	}
	log.Infof("Populated %v with %d mappings, slide %#x", r, len(c.Mappings), s.slide)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.tasks; i++ {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.runTask(reg, env, c, i, conf.PtrAuth)
		})
	}
	if err := g.Wait(); err != nil {
		reg.Deallocate(r)
		return err
	}
	util.Infof("%d tasks verified %d pointers each", s.tasks, len(c.Pointers))

	printRegions(w, reg.Regions())
	reg.Deallocate(r)
	fmt.Fprintln(w)
	printRegions(w, reg.Regions())

	if s.metrics {
		fmt.Fprintln(w)
		return metric.WriteText(w)
	}
	return nil
}

// runTask binds a fresh task to the region for env and checks every pointer
// of c through the task's address space.
func (s *Simulate) runTask(reg *sharedregion.Registry, env sharedregion.Env, c *cachegen.Cache, i int, signing bool) error {
	var (
		soft   *ptrauth.SoftSigner
		signer ptrauth.Signer
	)
	if signing {
		// Tasks alternate between two signers so that pagers are shared.
		var err error
		if soft, err = ptrauth.NewSoftSigner(uint64(i%2+1), []byte("srctl simulate")); err != nil {
			return err
		}
		signer = soft
	}
	pt := vmmap.NewPageTable(vmmap.PageTableOpts{})
	t := sharedregion.NewTask(fmt.Sprintf("task%d", i), vmmap.NewMap(pt, 0, userMapEnd), signer)
	defer t.Exit()

	if err := reg.Enter(t, env); err != nil {
		return err
	}
	start, err := reg.CheckTask(t)
	if err != nil {
		return fmt.Errorf("%v: %w", t, err)
	}
	r := t.Region()
	if start != r.Base() {
		return fmt.Errorf("%v: start address %#x, want %#x", t, start, r.Base())
	}
	var buf [8]byte
	for _, p := range c.Pointers {
		at := start + hostarch.Addr(p.FileOffset)
		if _, err := t.Map().Read(at, buf[:]); err != nil {
			return fmt.Errorf("%v: reading %#x: %w", t, at, err)
		}
		got, want := binary.LittleEndian.Uint64(buf[:]), p.Target+s.slide
		if p.Auth && r.PtrAuth() {
			disc := uint64(p.Diversity)
			if p.AddrDiv {
				disc = ptrauth.BlendDiscriminator(uint64(at), p.Diversity)
			}
			addr, ok := soft.Auth(got, p.Key, disc)
			if !ok {
				return fmt.Errorf("%v: pointer at %#x (%#x) fails authentication", t, at, got)
			}
			got = addr
		}
		if got != want {
			return fmt.Errorf("%v: pointer at %#x is %#x, want %#x", t, at, got, want)
		}
	}
	log.Debugf("%v verified %d pointers", t, len(c.Pointers))
	return nil
}

// fileMappings describes the mappings of c, loaded in obj, for a region based
// at base.
func fileMappings(c *cachegen.Cache, obj *memobj.Object, base hostarch.Addr) []sharedregion.FileMappings {
	fm := sharedregion.FileMappings{File: obj}
	for _, m := range c.Mappings {
		prot := hostarch.AccessType{Read: true, Execute: true}
		if m.Writable {
			prot = hostarch.ReadWrite
		}
		fm.Mappings = append(fm.Mappings, sharedregion.FileMapping{
			Address:    base + hostarch.Addr(m.Offset),
			Size:       m.Size,
			FileOffset: m.FileOffset,
			MaxProt:    prot,
			InitProt:   prot,
			SlideInfo:  m.SlideInfo,
			NoAuth:     !m.Auth,
		})
	}
	return []sharedregion.FileMappings{fm}
}

func printRegions(w io.Writer, regions []sharedregion.RegionInfo) {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprint(tw, "ID\tBASE\tSIZE\tREFS\tSLIDE\tENTRIES\tSTALE\tTIMER\tENV\n")
	for _, ri := range regions {
		fmt.Fprintf(tw, "%d\t%#x\t%#x\t%d\t%#x\t%d\t%t\t%t\t%v\n",
			ri.ID, ri.Base, ri.Size, ri.Refs, ri.Slide, ri.Entries, ri.Stale, ri.TimerArmed, ri.Env)
	}
	tw.Flush()
}
