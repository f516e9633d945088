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

	"github.com/google/subcommands"
	"gvisor.dev/rangelock/lockctl/config"
	"gvisor.dev/rangelock/lockctl/scenario"
	"gvisor.dev/rangelock/pkg/log"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	stats   bool
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "replay scripted lock operations and check their outcomes"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [flags] <scenario.toml|scenario.yaml>...

Scenarios are replayed in order against a single lock manager, so locks
named in one scenario can be referred to by the next.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.stats, "stats", false, "print lock manager statistics after the last scenario.")
	f.BoolVar(&r.metrics, "metrics", false, "print process metrics in the Prometheus text format after the last scenario.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newManager(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	runner := scenario.NewRunner(m, conf.Owners)
	for _, path := range f.Args() {
		s, err := scenario.Load(path)
		if err != nil {
			Fatalf("%v", err)
		}
		log.Infof("Replaying %q: %s", path, s.Description)
		fmt.Fprintf(Output, "# %s\n", path)
		if err := runner.Run(s, func(o scenario.Outcome) { fmt.Fprintln(Output, o) }); err != nil {
			log.Warningf("Scenario %q failed: %v", path, err)
			fmt.Fprintf(Output, "FAIL %s: %v\n", path, err)
			return subcommands.ExitFailure
		}
	}
	if r.stats {
		printStats(Output, m.Stats())
	}
	if r.metrics {
		if err := printMetrics(Output); err != nil {
			Fatalf("%v", err)
		}
	}
	return subcommands.ExitSuccess
}
