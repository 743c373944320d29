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

package config

import (
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/sharedregion/pkg/refs"
	"gvisor.dev/sharedregion/pkg/test/testutil"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	return fs
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path, cleanup, err := testutil.WriteTmpFile("srctl-*.toml", []byte(contents))
	if err != nil {
		t.Fatalf("WriteTmpFile got err %v want nil", err)
	}
	t.Cleanup(cleanup)
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("config without flags differs from default (-want +got):\n%s", diff)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	fs := newFlagSet()
	for name, value := range map[string]string{
		"destroy-delay": "5s",
		"persistence":   "true",
		"max-regions":   "3",
		"memory-limit":  "0x100000",
		"debug":         "true",
	} {
		if err := fs.Set(name, value); err != nil {
			t.Fatalf("Set(%q, %q): %v", name, value, err)
		}
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.DestroyDelay = 5 * time.Second
	want.Persistence = true
	want.MaxRegions = 3
	want.MemoryLimit = 0x100000
	want.Debug = true
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	flags := c.ToFlags()
	if len(flags) != 5 {
		t.Errorf("wrong number of flags set, want: 5, got: %d: %s", len(flags), flags)
	}
	fm := map[string]string{}
	for _, f := range flags {
		kv := strings.SplitN(f, "=", 2)
		fm[kv[0]] = kv[1]
	}
	for name, want := range map[string]string{
		"--destroy-delay": "5s",
		"--persistence":   "true",
		"--max-regions":   "3",
		"--memory-limit":  "1048576",
		"--debug":         "true",
	} {
		if got, ok := fm[name]; !ok || got != want {
			t.Errorf("flag %q got %q (set %t) want %q", name, got, ok, want)
		}
	}
}

func TestFileAndFlags(t *testing.T) {
	path := writeConfig(t, `
destroy_delay = "30s"
persistence = true
max_regions = 7
log_format = "json"
`)
	fs := newFlagSet()
	if err := fs.Set("config", path); err != nil {
		t.Fatal(err)
	}
	if err := fs.Set("max-regions", "2"); err != nil {
		t.Fatal(err)
	}
	// Setting a flag to its default still overrides the file.
	if err := fs.Set("persistence", "false"); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.DestroyDelay = 30 * time.Second
	want.MaxRegions = 2
	want.LogFormat = "json"
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     string
	}{
		{"unknown key", "no_such_setting = 1\n", "unknown keys no_such_setting"},
		{"bad type", "max_regions = \"many\"\n", "reading config file"},
		{"invalid value", "log_format = \"xml\"\n", "invalid log format"},
		{"negative delay", "destroy_delay = \"-1s\"\n", "destroy-delay"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFlagSet()
			if err := fs.Set("config", writeConfig(t, tc.contents)); err != nil {
				t.Fatal(err)
			}
			_, err := NewFromFlags(fs)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags got err %v want error containing %q", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		flag  string
		value string
	}{
		{"log-format", "xml"},
		{"ref-leak-mode", "sometimes"},
		{"max-regions", "-1"},
		{"destroy-delay", "-1m"},
	} {
		t.Run(tc.flag, func(t *testing.T) {
			fs := newFlagSet()
			if err := fs.Set(tc.flag, tc.value); err != nil {
				t.Fatal(err)
			}
			if _, err := NewFromFlags(fs); err == nil {
				t.Errorf("NewFromFlags with %s=%s succeeded", tc.flag, tc.value)
			}
		})
	}
}

func TestLeakMode(t *testing.T) {
	c := Default()
	for _, want := range []refs.LeakMode{refs.NoLeakChecking, refs.LeaksLogWarning, refs.LeaksPanic} {
		c.ReferenceLeak = want.String()
		got, err := c.LeakMode()
		if err != nil || got != want {
			t.Errorf("LeakMode(%q) got (%v, %v) want (%v, nil)", c.ReferenceLeak, got, err, want)
		}
	}
}

func TestClone(t *testing.T) {
	c := Default()
	c.MaxRegions = 4
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("clone differs (-orig +clone):\n%s", diff)
	}
	clone.MaxRegions = 5
	if c.MaxRegions != 4 {
		t.Errorf("changing the clone changed the original")
	}
	if d := Default(); d.MaxRegions != 0 {
		t.Errorf("defaults changed through a copy: %+v", d)
	}
}

func TestRegistryOptions(t *testing.T) {
	c := Default()
	c.Persistence = true
	c.MaxRegions = 9
	c.MemoryLimit = 1 << 20
	opts := c.RegistryOptions()
	if opts.DestroyDelay != c.DestroyDelay || !opts.Persistence || opts.MaxRegions != 9 ||
		opts.PageTableSharing != c.PageTableSharing || opts.PtrAuth != c.PtrAuth {
		t.Errorf("RegistryOptions got %+v from %+v", opts, c)
	}
	if opts.Allocator == nil {
		t.Fatalf("RegistryOptions has no allocator")
	}
	if _, err := opts.Allocator.Allocate("too big", 2<<20); err == nil {
		t.Errorf("allocator ignores the memory limit")
	}
}
