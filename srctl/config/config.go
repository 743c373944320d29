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

// Package config provides basic infrastructure to set configuration settings
// for srctl. Each setting can be changed in a TOML file and overridden with a
// command line flag of the same name.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/sharedregion/pkg/log"
	"gvisor.dev/sharedregion/pkg/memobj"
	"gvisor.dev/sharedregion/pkg/refs"
	"gvisor.dev/sharedregion/pkg/sharedregion"
)

// Config holds configuration that is not part of a single command.
//
// Follow these steps to add a new setting:
//  1. Create a new field here with both `toml` and `flag` tags.
//  2. Register the flag in RegisterFlags, with the default taken from
//     defaults.
//  3. Add validation to validate if needed.
type Config struct {
	// DestroyDelay is how long an unreferenced region is kept for reuse.
	DestroyDelay time.Duration `toml:"destroy_delay" flag:"destroy-delay"`

	// Persistence keeps unreferenced regions until they are marked stale.
	Persistence bool `toml:"persistence" flag:"persistence"`

	// MaxRegions limits the number of live regions. Zero is no limit.
	MaxRegions int `toml:"max_regions" flag:"max-regions"`

	// PageTableSharing nests region page tables into tasks.
	PageTableSharing bool `toml:"page_table_sharing" flag:"page-table-sharing"`

	// PtrAuth signs authenticated pointers per task on arm64e.
	PtrAuth bool `toml:"ptrauth" flag:"ptrauth"`

	// MemoryLimit bounds the memory held by regions, in bytes. Zero is no
	// limit.
	MemoryLimit uint64 `toml:"memory_limit" flag:"memory-limit"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `toml:"debug" flag:"debug"`

	// LogFilename is the filename to log to, if not empty. It may contain
	// %PID%, %TIMESTAMP% and %COMMAND%.
	LogFilename string `toml:"log" flag:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `toml:"log_format" flag:"log-format"`

	// ReferenceLeak sets reference leak check mode: disabled, log-names or
	// panic.
	ReferenceLeak string `toml:"ref_leak_mode" flag:"ref-leak-mode"`
}

var defaults = Config{
	DestroyDelay:     sharedregion.DefaultDestroyDelay,
	PageTableSharing: true,
	PtrAuth:          true,
	LogFormat:        "text",
	ReferenceLeak:    refs.NoLeakChecking.String(),
}

// Default returns a new Config holding the default settings.
func Default() *Config {
	return defaults.Clone()
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// LoadFile overrides settings of c with the ones found in the TOML file at
// path. Unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) validate() error {
	if c.DestroyDelay < 0 {
		return fmt.Errorf("destroy-delay must not be negative, got %v", c.DestroyDelay)
	}
	if c.MaxRegions < 0 {
		return fmt.Errorf("max-regions must not be negative, got %d", c.MaxRegions)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if _, err := c.LeakMode(); err != nil {
		return err
	}
	return nil
}

// LeakMode returns the reference leak checking mode.
func (c *Config) LeakMode() (refs.LeakMode, error) {
	for _, m := range []refs.LeakMode{refs.NoLeakChecking, refs.LeaksLogWarning, refs.LeaksPanic} {
		if c.ReferenceLeak == m.String() {
			return m, nil
		}
	}
	return refs.NoLeakChecking, fmt.Errorf("invalid ref leak mode %q", c.ReferenceLeak)
}

// RegistryOptions returns the registry options described by c.
func (c *Config) RegistryOptions() sharedregion.Options {
	return sharedregion.Options{
		DestroyDelay:     c.DestroyDelay,
		Persistence:      c.Persistence,
		MaxRegions:       c.MaxRegions,
		PageTableSharing: c.PageTableSharing,
		PtrAuth:          c.PtrAuth,
		Allocator:        memobj.NewAllocator(c.MemoryLimit),
	}
}

// Log logs every setting of c.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}
