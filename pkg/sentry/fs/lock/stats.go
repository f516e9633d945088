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

package lock

import (
	"sync/atomic"
	"time"

	"gvisor.dev/rangelock/pkg/metric"
)

// Global counters aggregated over every Manager.
var (
	requestsMetric = metric.MustCreateNewUint64Metric("/fs/lock/requests", false /* sync */, "Number of lock requests, by requested type.",
		metric.NewField("type", []string{"shared", "exclusive"}))
	acquiredMetric = metric.MustCreateNewUint64Metric("/fs/lock/acquired", false /* sync */, "Number of locks granted, by whether the request was queued first.",
		metric.NewField("path", []string{"immediate", "queued"}))
	failedMetric = metric.MustCreateNewUint64Metric("/fs/lock/failed", false /* sync */, "Number of failed lock operations, by reason.",
		metric.NewField("reason", []string{"conflict", "invalid", "exhausted"}))
	queuedMetric     = metric.MustCreateNewUint64Metric("/fs/lock/queued", false /* sync */, "Number of lock requests queued behind a conflicting lock.")
	upgradesMetric   = metric.MustCreateNewUint64Metric("/fs/lock/upgrades", false /* sync */, "Number of shared locks upgraded to exclusive.")
	downgradesMetric = metric.MustCreateNewUint64Metric("/fs/lock/downgrades", false /* sync */, "Number of exclusive locks downgraded to shared.")
	deadlocksMetric  = metric.MustCreateNewUint64Metric("/fs/lock/deadlocks", false /* sync */, "Number of waits-for cycles detected.")
	dequeuedMetric   = metric.MustCreateNewUint64Metric("/fs/lock/dequeued", false /* sync */, "Number of queued requests removed without a grant, by reason.",
		metric.NewField("reason", []string{"cancelled", "aborted"}))
	waitTimeMetric = metric.MustCreateNewUint64NanosecondsMetric("/fs/lock/wait_time", false /* sync */, "Total time queued requests spent waiting before being granted.")
)

// Stats is a snapshot of a Manager's counters.
type Stats struct {
	// TotalRequests counts acquisition attempts, including invalid ones.
	TotalRequests uint64

	// SuccessfulAcquisitions counts granted locks, immediate or queued.
	SuccessfulAcquisitions uint64

	// FailedAttempts counts acquisitions and upgrades that returned an
	// error other than ErrWouldBlock.
	FailedAttempts uint64

	Queued            uint64
	Upgrades          uint64
	Downgrades        uint64
	DeadlocksDetected uint64
	Aborted           uint64
	Cancelled         uint64

	// AvgWaitTime is the mean time between submission and grant of
	// requests that were queued.
	AvgWaitTime time.Duration
}

type stats struct {
	requests    atomic.Uint64
	acquired    atomic.Uint64
	failed      atomic.Uint64
	queued      atomic.Uint64
	upgrades    atomic.Uint64
	downgrades  atomic.Uint64
	deadlocks   atomic.Uint64
	aborted     atomic.Uint64
	cancelled   atomic.Uint64
	waitedNanos atomic.Uint64
	waited      atomic.Uint64
}

func (s *stats) request(typ LockType) {
	s.requests.Add(1)
	switch typ {
	case SharedLock:
		requestsMetric.Increment("shared")
	case ExclusiveLock:
		requestsMetric.Increment("exclusive")
	}
}

func (s *stats) grant(waitNanos int64, queued bool) {
	s.acquired.Add(1)
	if !queued {
		acquiredMetric.Increment("immediate")
		return
	}
	acquiredMetric.Increment("queued")
	if waitNanos < 0 {
		waitNanos = 0
	}
	s.waited.Add(1)
	s.waitedNanos.Add(uint64(waitNanos))
	waitTimeMetric.IncrementBy(uint64(waitNanos))
}

func (s *stats) fail(reason string) {
	s.failed.Add(1)
	failedMetric.Increment(reason)
}

func (s *stats) queue() {
	s.queued.Add(1)
	queuedMetric.Increment()
}

func (s *stats) upgrade() {
	s.upgrades.Add(1)
	upgradesMetric.Increment()
}

func (s *stats) downgrade() {
	s.downgrades.Add(1)
	downgradesMetric.Increment()
}

func (s *stats) deadlock() {
	s.deadlocks.Add(1)
	deadlocksMetric.Increment()
}

func (s *stats) dequeue(abort bool) {
	if abort {
		s.aborted.Add(1)
		dequeuedMetric.Increment("aborted")
		return
	}
	s.cancelled.Add(1)
	dequeuedMetric.Increment("cancelled")
}

func (s *stats) snapshot() Stats {
	st := Stats{
		TotalRequests:          s.requests.Load(),
		SuccessfulAcquisitions: s.acquired.Load(),
		FailedAttempts:         s.failed.Load(),
		Queued:                 s.queued.Load(),
		Upgrades:               s.upgrades.Load(),
		Downgrades:             s.downgrades.Load(),
		DeadlocksDetected:      s.deadlocks.Load(),
		Aborted:                s.aborted.Load(),
		Cancelled:              s.cancelled.Load(),
	}
	if n := s.waited.Load(); n > 0 {
		st.AvgWaitTime = time.Duration(s.waitedNanos.Load() / n)
	}
	return st
}
