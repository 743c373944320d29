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
	"fmt"
	"reflect"
	"strconv"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with settings. Flags set on the command line take precedence.")

	// Registry policy.
	flagSet.Duration("destroy-delay", defaults.DestroyDelay, "how long an unreferenced shared region is kept for reuse. Zero destroys it immediately.")
	flagSet.Bool("persistence", defaults.Persistence, "keep unreferenced shared regions until they are marked stale.")
	flagSet.Int("max-regions", defaults.MaxRegions, "maximum number of live shared regions. Zero is no limit.")
	flagSet.Bool("page-table-sharing", defaults.PageTableSharing, "share region page tables with tasks.")
	flagSet.Bool("ptrauth", defaults.PtrAuth, "sign authenticated pointers per task on arm64e.")
	flagSet.Uint64("memory-limit", defaults.MemoryLimit, "bytes of memory shared regions may hold. Zero is no limit.")

	// Debugging flags.
	flagSet.Bool("debug", defaults.Debug, "enable debug logging.")
	flagSet.String("log", defaults.LogFilename, "file path where internal debug information is written, default is stderr. The following variables are available: %PID%, %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", defaults.LogFormat, "log format: text (default) or json.")
	flagSet.String("ref-leak-mode", defaults.ReferenceLeak, "sets reference leak check mode: disabled (default), log-names, panic.")
}

// NewFromFlags creates a new Config from the defaults, the file named by
// the "config" flag, and the flags set on the command line, in increasing
// order of precedence.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if err := conf.LoadFile(path); err != nil {
			return nil, err
		}
	}

	set := make(map[string]*flag.Flag)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = fl })

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if flagSet.Lookup(name) == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		fl, ok := set[name]
		if !ok {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to their default are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
