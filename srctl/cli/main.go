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

// Package cli is the main entrypoint for srctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/sharedregion/pkg/log"
	"gvisor.dev/sharedregion/pkg/refs"
	"gvisor.dev/sharedregion/srctl/cmd"
	"gvisor.dev/sharedregion/srctl/cmd/util"
	"gvisor.dev/sharedregion/srctl/config"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	subcommand := flag.CommandLine.Arg(0)
	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, subcommand, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		defer f.Close()
		logFile = f
	}
	e, err := newEmitter(conf.LogFormat, logFile)
	if err != nil {
		util.Fatalf("%v", err)
	}
	log.SetTarget(e)

	mode, err := conf.LeakMode()
	if err != nil {
		util.Fatalf("%v", err)
	}
	refs.SetLeakMode(mode)

	log.Infof("***************************")
	log.Infof("Args: %s", os.Args)
	log.Infof("PID: %d", os.Getpid())
	conf.Log()
	log.Infof("***************************")

	// Call the subcommand and pass in the configuration.
	ws := subcommands.Execute(context.Background(), conf)

	if leaks := refs.DoLeakCheck(); len(leaks) != 0 {
		util.Errorf("leaked references:\n%s", strings.Join(leaks, "\n"))
		if ws == subcommands.ExitSuccess {
			ws = subcommands.ExitFailure
		}
	}
	log.Infof("Exiting with status: %v", ws)
	os.Exit(int(ws))
}

func newEmitter(format string, logFile io.Writer) (log.Emitter, error) {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
}

// forEachCmd invokes the passed callback for each command supported by srctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	// Shared region commands.
	const regionGroup = "region"
	cb(new(cmd.Simulate), regionGroup)

	// Slide info commands.
	const slideGroup = "slide info"
	cb(new(cmd.Slide), slideGroup)
	cb(new(cmd.Validate), slideGroup)
}
