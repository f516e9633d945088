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

// Package cmd holds implementations of the lockctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"gvisor.dev/rangelock/lockctl/config"
	"gvisor.dev/rangelock/pkg/log"
	"gvisor.dev/rangelock/pkg/metric"
	"gvisor.dev/rangelock/pkg/prometheus"
	"gvisor.dev/rangelock/pkg/sentry/fs/lock"
)

// metricsPrefix is prepended to exported metric names.
const metricsPrefix = "lockctl_"

// Output is where commands print their results.
var Output io.Writer = os.Stdout

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// newManager returns a lock manager configured by conf.
func newManager(conf *config.Config) (*lock.Manager, error) {
	opts, err := conf.LockOptions()
	if err != nil {
		return nil, err
	}
	m := lock.NewManager(opts)
	log.Infof("Lock manager: %d buckets, policy %s", m.Options().Buckets, m.Options().Policy)
	return m, nil
}

// printStats writes the manager's counters.
func printStats(w io.Writer, st lock.Stats) {
	fmt.Fprintf(w, "requests:      %d\n", st.TotalRequests)
	fmt.Fprintf(w, "acquired:      %d\n", st.SuccessfulAcquisitions)
	fmt.Fprintf(w, "failed:        %d\n", st.FailedAttempts)
	fmt.Fprintf(w, "queued:        %d\n", st.Queued)
	fmt.Fprintf(w, "upgrades:      %d\n", st.Upgrades)
	fmt.Fprintf(w, "downgrades:    %d\n", st.Downgrades)
	fmt.Fprintf(w, "deadlocks:     %d\n", st.DeadlocksDetected)
	fmt.Fprintf(w, "cancelled:     %d\n", st.Cancelled)
	fmt.Fprintf(w, "aborted:       %d\n", st.Aborted)
	fmt.Fprintf(w, "avg wait:      %v\n", st.AvgWaitTime)
}

// printMetrics writes the non-zero process metrics in the Prometheus text
// format.
func printMetrics(w io.Writer) error {
	_, err := prometheus.Write(w, metric.Values(), prometheus.ExportOptions{
		ExporterPrefix: metricsPrefix,
		SkipZero:       true,
	})
	return err
}
