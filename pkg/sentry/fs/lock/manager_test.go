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
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/rangelock/pkg/errors/linuxerr"
)

const (
	fileF FileID = 100
	fileG FileID = 200

	owner1 OwnerID = 1
	owner2 OwnerID = 2
	owner3 OwnerID = 3
)

// fakeClock is a Clock that only moves when told to.
type fakeClock struct {
	now atomic.Int64
}

func (c *fakeClock) NowNanoseconds() int64 { return c.now.Load() }

func (c *fakeClock) advance(d time.Duration) { c.now.Add(int64(d)) }

func newTestManager(opts Options) (*Manager, *fakeClock) {
	clock := &fakeClock{}
	opts.Clock = clock
	return NewManager(opts), clock
}

func mustLock(t *testing.T, m *Manager, file FileID, owner OwnerID, typ LockType, rng LockRange) Handle {
	t.Helper()
	h, err := m.TryLock(file, owner, typ, rng)
	if err != nil {
		t.Fatalf("TryLock(%d, %d, %s, %v) failed: %v", file, owner, typ, rng, err)
	}
	return h
}

func mustQueue(t *testing.T, m *Manager, file FileID, owner OwnerID, typ LockType, rng LockRange) uint64 {
	t.Helper()
	_, err := m.Lock(file, owner, typ, rng, true /* blocking */)
	var pe *PendingError
	if !errors.As(err, &pe) {
		t.Fatalf("Lock(%d, %d, %s, %v, blocking) got %v, want *PendingError", file, owner, typ, rng, err)
	}
	return pe.RequestID
}

// conflictIn returns an error if two overlapping locks of different owners
// in locks are incompatible.
func conflictIn(file FileID, locks []ActiveLock) error {
	for i, a := range locks {
		for _, b := range locks[i+1:] {
			if a.Owner != b.Owner && a.Range.Overlaps(b.Range) && !compatible(a.Type, b.Type) {
				return fmt.Errorf("file %d: %v conflicts with %v", file, a, b)
			}
		}
	}
	return nil
}

func checkConflictFree(t *testing.T, file FileID, locks []ActiveLock) {
	t.Helper()
	if err := conflictIn(file, locks); err != nil {
		t.Error(err)
	}
}

// hasEntry reports whether file still has a lock table entry.
func hasEntry(m *Manager, file FileID) bool {
	b := m.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(file) != nil
}

func TestEndToEnd(t *testing.T) {
	m, _ := newTestManager(Options{})

	// (1)
	h1, err := m.AcquireExclusive(fileF, owner1, LockRange{0, 100}, false)
	if err != nil {
		t.Fatalf("AcquireExclusive failed: %v", err)
	}
	if h1.LockID() != 1 {
		t.Errorf("first lock ID got %d, want 1", h1.LockID())
	}

	// (2)
	_, err = m.AcquireShared(fileF, owner2, LockRange{50, 60}, false)
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("AcquireShared got %v, want *ConflictError", err)
	}
	if cerr.Blocker.Owner != owner1 || cerr.Blocker.LockID != 1 || cerr.Blocker.Type != ExclusiveLock {
		t.Errorf("conflict blocker got %v, want owner 1's exclusive lock 1", cerr.Blocker)
	}

	// (3)
	if err := m.Release(h1, owner1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// (4)
	h2, err := m.AcquireShared(fileF, owner2, LockRange{50, 60}, false)
	if err != nil {
		t.Fatalf("AcquireShared failed: %v", err)
	}
	if h2.LockID() != 2 {
		t.Errorf("second lock ID got %d, want 2", h2.LockID())
	}

	// (5)
	if _, err := m.AcquireExclusive(fileF, owner3, LockRange{55, 58}, false); !errors.Is(err, ErrConflict) {
		t.Fatalf("AcquireExclusive got %v, want ErrConflict", err)
	}

	// (6)
	if err := m.Unlock(fileF, owner2, h2.LockID()); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if locks := m.LocksOnFile(fileF); len(locks) != 0 {
		t.Errorf("LocksOnFile got %v, want none", locks)
	}
	if hasEntry(m, fileF) {
		t.Errorf("file %d still has a table entry", fileF)
	}
}

func TestSelfCompatibility(t *testing.T) {
	m, _ := newTestManager(Options{})
	for _, tc := range []struct {
		typ LockType
		rng LockRange
	}{
		{ExclusiveLock, LockRange{0, 10}},
		{SharedLock, LockRange{5, 15}},
		{ExclusiveLock, WholeFile()},
		{SharedLock, LockRange{0, 10}},
	} {
		mustLock(t, m, fileF, owner1, tc.typ, tc.rng)
	}
	if got := len(m.LocksOnFile(fileF)); got != 4 {
		t.Errorf("got %d locks, want 4", got)
	}
}

func TestCrossOwnerExclusivity(t *testing.T) {
	for _, tc := range []struct {
		name     string
		first    LockType
		second   LockType
		conflict bool
	}{
		{"shared-shared", SharedLock, SharedLock, false},
		{"shared-exclusive", SharedLock, ExclusiveLock, true},
		{"exclusive-shared", ExclusiveLock, SharedLock, true},
		{"exclusive-exclusive", ExclusiveLock, ExclusiveLock, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestManager(Options{})
			mustLock(t, m, fileF, owner1, tc.first, LockRange{0, 10})

			_, err := m.TryLock(fileF, owner2, tc.second, LockRange{10, 20})
			if got := errors.Is(err, ErrConflict); got != tc.conflict {
				t.Fatalf("TryLock got %v, want conflict %t", err, tc.conflict)
			}
			if tc.conflict && !errors.Is(err, unix.EAGAIN) {
				t.Errorf("TryLock error %v does not carry EAGAIN", err)
			}

			// Adjacent ranges never conflict.
			mustLock(t, m, fileF, owner2, tc.second, LockRange{11, 20})
			checkConflictFree(t, fileF, m.LocksOnFile(fileF))
		})
	}
}

func TestInvalidRequests(t *testing.T) {
	m, _ := newTestManager(Options{})
	for _, tc := range []struct {
		typ LockType
		rng LockRange
	}{
		{NoLock, LockRange{0, 10}},
		{LockType(7), LockRange{0, 10}},
		{SharedLock, LockRange{10, 5}},
	} {
		if _, err := m.Lock(fileF, owner1, tc.typ, tc.rng, true); err != ErrInvalidOperation {
			t.Errorf("Lock(%s, %v) got %v, want ErrInvalidOperation", tc.typ, tc.rng, err)
		}
	}
	if !linuxerr.Equals(linuxerr.EINVAL, ErrInvalidOperation) {
		t.Errorf("ErrInvalidOperation does not carry EINVAL")
	}
	st := m.Stats()
	if st.TotalRequests != 3 || st.FailedAttempts != 3 {
		t.Errorf("Stats got %+v, want 3 failed requests", st)
	}
	if hasEntry(m, fileF) {
		t.Errorf("invalid requests created an entry for file %d", fileF)
	}
}

func TestReleaseGrantsQueued(t *testing.T) {
	m, clock := newTestManager(Options{})
	h1 := mustLock(t, m, fileF, owner1, ExclusiveLock, LockRange{0, 100})

	_, err := m.AcquireShared(fileF, owner2, LockRange{50, 60}, true)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("AcquireShared got %v, want ErrWouldBlock", err)
	}
	if !errors.Is(err, unix.EWOULDBLOCK) || !linuxerr.Equals(linuxerr.EWOULDBLOCK, err) {
		t.Errorf("error %v does not carry EWOULDBLOCK", err)
	}
	if e, ok := linuxerr.TranslateError(err); !ok || e != ErrWouldBlock {
		t.Errorf("TranslateError(%v) got (%v, %t), want ErrWouldBlock", err, e, ok)
	}
	reqID := err.(*PendingError).RequestID

	if _, err := m.Poll(fileF, owner2, reqID); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Poll before release got %v, want ErrWouldBlock", err)
	}

	clock.advance(5 * time.Millisecond)
	if err := m.Release(h1, owner1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	h2, err := m.Poll(fileF, owner2, reqID)
	if err != nil {
		t.Fatalf("Poll after release failed: %v", err)
	}
	want := []ActiveLock{{
		Owner:      owner2,
		Type:       SharedLock,
		Range:      LockRange{50, 60},
		AcquiredAt: int64(5 * time.Millisecond),
		LockID:     h2.LockID(),
		RequestID:  reqID,
	}}
	if diff := cmp.Diff(want, m.LocksOnFile(fileF)); diff != "" {
		t.Errorf("LocksOnFile mismatch (-want +got):\n%s", diff)
	}
	if len(m.PendingOnFile(fileF)) != 0 {
		t.Errorf("request still queued: %v", m.PendingOnFile(fileF))
	}

	// Polling again reports the same lock.
	if again, err := m.Poll(fileF, owner2, reqID); err != nil || again != h2 {
		t.Errorf("second Poll got (%v, %v), want (%v, nil)", again, err, h2)
	}
	// Other owners cannot poll it.
	if _, err := m.Poll(fileF, owner3, reqID); err != ErrNoSuchLock {
		t.Errorf("Poll by other owner got %v, want ErrNoSuchLock", err)
	}

	wantStats := Stats{
		TotalRequests:          2,
		SuccessfulAcquisitions: 2,
		Queued:                 1,
		AvgWaitTime:            5 * time.Millisecond,
	}
	if diff := cmp.Diff(wantStats, m.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestUnlockErrors(t *testing.T) {
	m, _ := newTestManager(Options{})
	h := mustLock(t, m, fileF, owner1, ExclusiveLock, LockRange{0, 10})

	for _, tc := range []struct {
		name   string
		file   FileID
		owner  OwnerID
		lockID uint64
	}{
		{"wrong owner", fileF, owner2, h.LockID()},
		{"wrong file", fileG, owner1, h.LockID()},
		{"unknown lock", fileF, owner1, h.LockID() + 1},
	} {
		if err := m.Unlock(tc.file, tc.owner, tc.lockID); err != ErrNoSuchLock {
			t.Errorf("%s: Unlock got %v, want ErrNoSuchLock", tc.name, err)
		}
	}
	if got := len(m.LocksOnFile(fileF)); got != 1 {
		t.Errorf("got %d locks after failed unlocks, want 1", got)
	}

	if err := m.Release(h, owner1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := m.Release(h, owner1); err != ErrNoSuchLock {
		t.Errorf("second Release got %v, want ErrNoSuchLock", err)
	}
	if !errors.Is(ErrNoSuchLock, unix.ENOENT) {
		t.Errorf("ErrNoSuchLock does not carry ENOENT")
	}
}

func TestLockIDsNeverReused(t *testing.T) {
	m, _ := newTestManager(Options{})
	var last uint64
	for i := 0; i < 10; i++ {
		h := mustLock(t, m, fileF, owner1, SharedLock, LockRange{0, 10})
		if h.LockID() <= last {
			t.Fatalf("lock ID %d not greater than previous %d", h.LockID(), last)
		}
		last = h.LockID()
		if err := m.Release(h, owner1); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}
}

func TestBestEffortLetsReadersPass(t *testing.T) {
	m, _ := newTestManager(Options{Policy: BestEffort})
	h1 := mustLock(t, m, fileF, owner1, SharedLock, LockRange{0, 10})
	mustQueue(t, m, fileF, owner2, ExclusiveLock, LockRange{0, 10})

	// A new reader is not held back by the queued writer.
	h3 := mustLock(t, m, fileF, owner3, SharedLock, LockRange{0, 10})

	if err := m.Release(h1, owner1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := len(m.PendingOnFile(fileF)); got != 1 {
		t.Errorf("writer should still be queued behind owner 3, got %d queued", got)
	}
	if err := m.Release(h3, owner3); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	locks := m.LocksOnFile(fileF)
	if len(locks) != 1 || locks[0].Owner != owner2 || locks[0].Type != ExclusiveLock {
		t.Errorf("LocksOnFile got %v, want owner 2's exclusive lock", locks)
	}
}

func TestStrictFIFOQueuesBehindWaiters(t *testing.T) {
	m, _ := newTestManager(Options{Policy: StrictFIFO})
	h1 := mustLock(t, m, fileF, owner1, SharedLock, LockRange{0, 10})
	writer := mustQueue(t, m, fileF, owner2, ExclusiveLock, LockRange{0, 10})

	_, err := m.TryLock(fileF, owner3, SharedLock, LockRange{5, 6})
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("TryLock got %v, want *ConflictError", err)
	}
	if !cerr.Queued || cerr.Blocker.Owner != owner2 || cerr.Blocker.RequestID != writer {
		t.Errorf("blocker got %+v, want queued request %d of owner 2", cerr, writer)
	}

	reader := mustQueue(t, m, fileF, owner3, SharedLock, LockRange{5, 6})
	if err := m.Release(h1, owner1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	hw, err := m.Poll(fileF, owner2, writer)
	if err != nil {
		t.Fatalf("Poll(writer) failed: %v", err)
	}
	if _, err := m.Poll(fileF, owner3, reader); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Poll(reader) got %v, want ErrWouldBlock", err)
	}
	if err := m.Release(hw, owner2); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := m.Poll(fileF, owner3, reader); err != nil {
		t.Fatalf("Poll(reader) after writer released failed: %v", err)
	}
}

func TestReprocessingPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy      Policy
		wantGranted []OwnerID
	}{
		{BestEffort, []OwnerID{owner1, owner3}},
		{StrictFIFO, []OwnerID{owner1}},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			m, _ := newTestManager(Options{Policy: tc.policy})
			mustLock(t, m, fileF, owner1, ExclusiveLock, LockRange{0, 10})
			second := mustLock(t, m, fileF, owner1, ExclusiveLock, LockRange{20, 30})
			mustQueue(t, m, fileF, owner2, ExclusiveLock, LockRange{0, 30})
			mustQueue(t, m, fileF, owner3, ExclusiveLock, LockRange{20, 30})

			// Owner 3's request becomes grantable, but owner 2's,
			// which is ahead of it, does not.
			if err := m.Release(second, owner1); err != nil {
				t.Fatalf("Release failed: %v", err)
			}
			var got []OwnerID
			for _, l := range m.LocksOnFile(fileF) {
				got = append(got, l.Owner)
			}
			if diff := cmp.Diff(tc.wantGranted, got); diff != "" {
				t.Errorf("lock owners mismatch (-want +got):\n%s", diff)
			}
			checkConflictFree(t, fileF, m.LocksOnFile(fileF))
		})
	}
}

func TestReprocessingGrantsAllCompatible(t *testing.T) {
	m, _ := newTestManager(Options{})
	h := mustLock(t, m, fileF, owner1, ExclusiveLock, WholeFile())
	var reqs []uint64
	for o := OwnerID(10); o < 15; o++ {
		reqs = append(reqs, mustQueue(t, m, fileF, o, SharedLock, LockRange{uint64(o), uint64(o) + 100}))
	}
	if err := m.Release(h, owner1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	for i, id := range reqs {
		if _, err := m.Poll(fileF, OwnerID(10+i), id); err != nil {
			t.Errorf("Poll(owner %d) failed: %v", 10+i, err)
		}
	}
	if st := m.Stats(); st.SuccessfulAcquisitions != 6 {
		t.Errorf("SuccessfulAcquisitions got %d, want 6", st.SuccessfulAcquisitions)
	}
}

func TestPendingCaps(t *testing.T) {
	t.Run("per file", func(t *testing.T) {
		m, _ := newTestManager(Options{MaxPendingPerFile: 1})
		mustLock(t, m, fileF, owner1, ExclusiveLock, WholeFile())
		mustQueue(t, m, fileF, owner2, SharedLock, LockRange{0, 1})
		_, err := m.Lock(fileF, owner3, SharedLock, LockRange{0, 1}, true)
		if err != ErrResourceExhausted {
			t.Fatalf("Lock got %v, want ErrResourceExhausted", err)
		}
		if !errors.Is(err, unix.ENOLCK) {
			t.Errorf("error %v does not carry ENOLCK", err)
		}
		// Non-blocking requests are not affected by the cap.
		if _, err := m.TryLock(fileF, owner3, SharedLock, LockRange{0, 1}); !errors.Is(err, ErrConflict) {
			t.Errorf("TryLock got %v, want ErrConflict", err)
		}
	})

	t.Run("per owner", func(t *testing.T) {
		m, _ := newTestManager(Options{MaxPendingPerOwner: 1})
		mustLock(t, m, fileF, owner1, ExclusiveLock, WholeFile())
		mustLock(t, m, fileG, owner1, ExclusiveLock, WholeFile())
		req := mustQueue(t, m, fileF, owner2, SharedLock, LockRange{0, 1})
		if _, err := m.Lock(fileG, owner2, SharedLock, LockRange{0, 1}, true); err != ErrResourceExhausted {
			t.Fatalf("Lock got %v, want ErrResourceExhausted", err)
		}
		// Another owner has its own budget.
		mustQueue(t, m, fileG, owner3, SharedLock, LockRange{0, 1})

		if err := m.Cancel(fileF, owner2, req); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		mustQueue(t, m, fileG, owner2, SharedLock, LockRange{0, 1})
	})
}

func TestCancel(t *testing.T) {
	m, _ := newTestManager(Options{})
	mustLock(t, m, fileF, owner1, ExclusiveLock, WholeFile())
	req := mustQueue(t, m, fileF, owner2, SharedLock, LockRange{0, 10})

	if err := m.Cancel(fileF, owner3, req); err != ErrNoSuchLock {
		t.Errorf("Cancel by other owner got %v, want ErrNoSuchLock", err)
	}
	if err := m.Cancel(fileF, owner2, req); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := m.Cancel(fileF, owner2, req); err != ErrNoSuchLock {
		t.Errorf("second Cancel got %v, want ErrNoSuchLock", err)
	}
	if _, err := m.Poll(fileF, owner2, req); err != ErrNoSuchLock {
		t.Errorf("Poll got %v, want ErrNoSuchLock", err)
	}
	if got := m.PendingOnFile(fileF); len(got) != 0 {
		t.Errorf("PendingOnFile got %v, want none", got)
	}
	if st := m.Stats(); st.Cancelled != 1 || st.Aborted != 0 {
		t.Errorf("Stats got %+v, want 1 cancelled", st)
	}
}

func TestCancelUnblocksStrictFIFO(t *testing.T) {
	m, _ := newTestManager(Options{Policy: StrictFIFO})
	mustLock(t, m, fileF, owner1, SharedLock, LockRange{0, 10})
	writer := mustQueue(t, m, fileF, owner2, ExclusiveLock, LockRange{0, 10})
	reader := mustQueue(t, m, fileF, owner3, SharedLock, LockRange{0, 10})

	if err := m.Cancel(fileF, owner2, writer); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := m.Poll(fileF, owner3, reader); err != nil {
		t.Errorf("Poll(reader) got %v, want granted", err)
	}
}

func TestAbort(t *testing.T) {
	m, _ := newTestManager(Options{})
	mustLock(t, m, fileF, owner1, ExclusiveLock, WholeFile())
	req := mustQueue(t, m, fileF, owner2, SharedLock, LockRange{0, 10})

	if err := m.Abort(fileF, owner2, req); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	_, err := m.Poll(fileF, owner2, req)
	if err != ErrAborted {
		t.Fatalf("Poll got %v, want ErrAborted", err)
	}
	if !errors.Is(err, unix.ECANCELED) {
		t.Errorf("error %v does not carry ECANCELED", err)
	}
	// The abort is reported once.
	if _, err := m.Poll(fileF, owner2, req); err != ErrNoSuchLock {
		t.Errorf("second Poll got %v, want ErrNoSuchLock", err)
	}
	if st := m.Stats(); st.Aborted != 1 {
		t.Errorf("Aborted got %d, want 1", st.Aborted)
	}
}

func TestLocksByOwner(t *testing.T) {
	m, _ := newTestManager(Options{Buckets: 16})
	// Files 1 and 17 share a bucket.
	h17 := mustLock(t, m, 17, owner1, SharedLock, LockRange{0, 0})
	h2 := mustLock(t, m, 2, owner1, ExclusiveLock, LockRange{5, 9})
	h1a := mustLock(t, m, 1, owner1, SharedLock, LockRange{0, 0})
	h1b := mustLock(t, m, 1, owner1, SharedLock, LockRange{3, 4})
	mustLock(t, m, 1, owner2, SharedLock, LockRange{0, 0})

	var got []Handle
	for _, ol := range m.LocksByOwner(owner1) {
		got = append(got, handleOf(ol.File, &ol.Lock))
	}
	want := []Handle{h1a, h1b, h2, h17}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(Handle{})); diff != "" {
		t.Errorf("LocksByOwner mismatch (-want +got):\n%s", diff)
	}
	if got := m.LocksByOwner(owner3); got != nil {
		t.Errorf("LocksByOwner(3) got %v, want nil", got)
	}
}

func TestBucketsRoundedToPowerOfTwo(t *testing.T) {
	for _, tc := range []struct {
		buckets int
		want    int
	}{
		{0, DefaultBuckets},
		{1, 1},
		{5, 8},
		{16, 16},
		{17, 32},
	} {
		m := NewManager(Options{Buckets: tc.buckets})
		if got := m.Options().Buckets; got != tc.want {
			t.Errorf("Buckets %d rounded to %d, want %d", tc.buckets, got, tc.want)
		}
		if len(m.buckets) != tc.want {
			t.Errorf("Buckets %d allocated %d buckets, want %d", tc.buckets, len(m.buckets), tc.want)
		}
	}
}

func TestMetrics(t *testing.T) {
	before := requestsMetric.Value("exclusive")
	failedBefore := failedMetric.Value("conflict")

	m, _ := newTestManager(Options{})
	mustLock(t, m, fileF, owner1, ExclusiveLock, WholeFile())
	if _, err := m.TryLock(fileF, owner2, ExclusiveLock, WholeFile()); err == nil {
		t.Fatalf("TryLock succeeded, want conflict")
	}

	if got := requestsMetric.Value("exclusive") - before; got != 2 {
		t.Errorf("exclusive requests metric grew by %d, want 2", got)
	}
	if got := failedMetric.Value("conflict") - failedBefore; got != 1 {
		t.Errorf("conflict failures metric grew by %d, want 1", got)
	}
}
