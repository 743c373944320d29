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

	"github.com/google/subcommands"
	"gvisor.dev/sharedregion/pkg/slideinfo"
	"gvisor.dev/sharedregion/srctl/cmd/util"
)

// Validate implements subcommands.Command for the "validate" command.
type Validate struct {
	pageSize int
}

// Name implements subcommands.Command.Name.
func (*Validate) Name() string {
	return "validate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Validate) Synopsis() string {
	return "check a slide info blob and print a summary"
}

// Usage implements subcommands.Command.Usage.
func (*Validate) Usage() string {
	return `validate [-page-size=N] <slide info file> - parses a slide info blob and checks it against the given page size.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Validate) SetFlags(f *flag.FlagSet) {
	f.IntVar(&v.pageSize, "page-size", 0, "expected page size of the blob. Zero accepts any.")
}

// Execute implements subcommands.Command.Execute.
func (v *Validate) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)
	info, err := v.validate(path)
	if err != nil {
		util.Errorf("%s: %v", path, err)
		return subcommands.ExitFailure
	}
	util.Infof("%s: %v", path, info)
	return subcommands.ExitSuccess
}

func (v *Validate) validate(path string) (*slideinfo.Info, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := slideinfo.Parse(blob)
	if err != nil {
		return nil, err
	}
	if v.pageSize != 0 && info.PageSize() != v.pageSize {
		return nil, fmt.Errorf("page size %d, want %d", info.PageSize(), v.pageSize)
	}
	return info, nil
}
