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
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/rangelock/lockctl/config"
	"gvisor.dev/rangelock/pkg/errors/linuxerr"
	"gvisor.dev/rangelock/pkg/log"
	"gvisor.dev/rangelock/pkg/sentry/fs/lock"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	params  stressParams
	metrics bool
}

type stressParams struct {
	owners int
	files  int
	ops    int

	// maxLen is the maximum length of a locked range.
	maxLen uint64
	seed   int64

	// blockTimeout bounds blocking acquisitions. 0 waits until the request
	// is granted or aborted by the deadlock breaker.
	blockTimeout time.Duration

	detectInterval time.Duration
	retries        uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent random lock workloads and check lock invariants"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags]

Each owner runs in its own goroutine and repeatedly locks random ranges of a
small set of files. Deadlocks between blocking owners are broken by aborting
the queued requests of the highest owner in the cycle.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.params.owners, "owners", 8, "number of concurrent owners.")
	f.IntVar(&s.params.files, "files", 4, "number of files to lock.")
	f.IntVar(&s.params.ops, "ops", 1000, "number of acquisitions per owner.")
	f.Uint64Var(&s.params.maxLen, "max-len", 4096, "maximum length of a locked range.")
	f.Int64Var(&s.params.seed, "seed", 1, "random seed; owner N uses seed+N.")
	f.DurationVar(&s.params.blockTimeout, "block-timeout", 0, "give up blocking acquisitions after this long. 0 waits until granted.")
	f.DurationVar(&s.params.detectInterval, "detect-interval", 5*time.Millisecond, "interval between deadlock checks.")
	f.Uint64Var(&s.params.retries, "retries", 3, "retries of non-blocking acquisitions that hit a conflict.")
	f.BoolVar(&s.metrics, "metrics", false, "print process metrics in the Prometheus text format when done.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.params.owners <= 0 || s.params.files <= 0 || s.params.maxLen == 0 || s.params.detectInterval <= 0 {
		Fatalf("owners, files, max-len and detect-interval must be positive")
	}
	conf := args[0].(*config.Config)

	m, err := newManager(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	start := time.Now()
	if err := runStress(ctx, m, s.params); err != nil {
		log.Warningf("Stress failed: %v", err)
		fmt.Fprintf(Output, "FAIL: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(Output, "%d owners x %d ops on %d files in %v\n", s.params.owners, s.params.ops, s.params.files, time.Since(start))
	printStats(Output, m.Stats())
	if s.metrics {
		if err := printMetrics(Output); err != nil {
			Fatalf("%v", err)
		}
	}
	return subcommands.ExitSuccess
}

// runStress runs the workload and returns the first invariant violation or
// unexpected error.
func runStress(ctx context.Context, m *lock.Manager, p stressParams) error {
	owners, octx := errgroup.WithContext(ctx)
	for o := 1; o <= p.owners; o++ {
		owner := lock.OwnerID(o)
		r := rand.New(rand.NewSource(p.seed + int64(o)))
		owners.Go(func() error {
			return stressOwner(octx, m, p, owner, r)
		})
	}

	stop := make(chan struct{})
	var breaker errgroup.Group
	breaker.Go(func() error {
		ticker := time.NewTicker(p.detectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-ticker.C:
				if cycle := m.DetectCycle(); cycle != nil {
					breakCycle(m, p.files, cycle)
				}
			}
		}
	})

	err := owners.Wait()
	close(stop)
	_ = breaker.Wait()
	if err != nil {
		return err
	}

	for file := 0; file < p.files; file++ {
		if locks := m.LocksOnFile(lock.FileID(file)); len(locks) != 0 {
			return fmt.Errorf("file %d: %d locks left after every owner exited", file, len(locks))
		}
	}
	return nil
}

// breakCycle aborts every queued request of the highest owner in cycle.
func breakCycle(m *lock.Manager, files int, cycle []lock.OwnerID) {
	victim := cycle[0]
	for _, o := range cycle[1:] {
		if o > victim {
			victim = o
		}
	}
	for file := 0; file < files; file++ {
		for _, req := range m.PendingOnFile(lock.FileID(file)) {
			if req.Owner != victim {
				continue
			}
			// The request may have been granted or withdrawn since.
			_ = m.Abort(lock.FileID(file), victim, req.RequestID)
		}
	}
}

func stressOwner(ctx context.Context, m *lock.Manager, p stressParams, owner lock.OwnerID, r *rand.Rand) error {
	defer m.ReleaseAll(owner)
	for i := 0; i < p.ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		file := lock.FileID(r.Intn(p.files))
		start := uint64(r.Int63n(int64(p.maxLen)))
		rng := lock.LockRange{Start: start, End: start + uint64(r.Int63n(int64(p.maxLen)))}
		typ := lock.SharedLock
		if r.Intn(3) == 0 {
			typ = lock.ExclusiveLock
		}

		h, err := acquire(ctx, m, p, r, file, owner, typ, rng)
		switch {
		case err == nil:
		case errors.Is(err, lock.ErrConflict), errors.Is(err, lock.ErrAborted), err == linuxerr.ErrInterrupted:
			continue
		default:
			return fmt.Errorf("owner %d: acquiring %s lock on file %d %v: %w", owner, typ, file, rng, err)
		}
		if err := checkFile(m, file); err != nil {
			return err
		}

		switch r.Intn(4) {
		case 0:
			if h.Type() == lock.SharedLock {
				if _, err := m.Upgrade(h, owner); err != nil && !errors.Is(err, lock.ErrConflict) {
					return fmt.Errorf("owner %d: upgrading %v: %w", owner, h, err)
				}
			} else if _, err := m.Downgrade(h, owner); err != nil {
				return fmt.Errorf("owner %d: downgrading %v: %w", owner, h, err)
			}
			if err := checkFile(m, file); err != nil {
				return err
			}
		case 1:
			// Held until the owner exits.
			continue
		}
		if err := m.Release(h, owner); err != nil {
			return fmt.Errorf("owner %d: releasing %v: %w", owner, h, err)
		}
	}
	return nil
}

// acquire takes a lock the way a random caller would: blocking, retrying
// with backoff, or with a single attempt.
func acquire(ctx context.Context, m *lock.Manager, p stressParams, r *rand.Rand, file lock.FileID, owner lock.OwnerID, typ lock.LockType, rng lock.LockRange) (lock.Handle, error) {
	switch r.Intn(3) {
	case 0:
		if p.blockTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.blockTimeout)
			defer cancel()
		}
		return m.LockBlocking(lock.ContextBlocker{Ctx: ctx}, file, owner, typ, rng)

	case 1:
		var h lock.Handle
		op := func() error {
			var err error
			h, err = m.TryLock(file, owner, typ, rng)
			if err != nil && !errors.Is(err, lock.ErrConflict) {
				return &backoff.PermanentError{Err: err}
			}
			return err
		}
		b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
			InitialInterval:     50 * time.Microsecond,
			RandomizationFactor: 0.5,
			Multiplier:          2,
			MaxInterval:         time.Millisecond,
			MaxElapsedTime:      10 * time.Millisecond,
			Clock:               backoff.SystemClock,
		}, p.retries), ctx)
		b.Reset()
		return h, backoff.Retry(op, b)

	default:
		return m.TryLock(file, owner, typ, rng)
	}
}

// checkFile returns an error if two owners hold incompatible overlapping
// locks on file.
func checkFile(m *lock.Manager, file lock.FileID) error {
	locks := m.LocksOnFile(file)
	for i, a := range locks {
		for _, b := range locks[i+1:] {
			if a.Owner != b.Owner && a.Range.Overlaps(b.Range) && (a.Type == lock.ExclusiveLock || b.Type == lock.ExclusiveLock) {
				return fmt.Errorf("file %d: %v conflicts with %v", file, a, b)
			}
		}
	}
	return nil
}
