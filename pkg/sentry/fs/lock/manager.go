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
	"fmt"
	"math/bits"
	"sort"
	"sync/atomic"
	"time"

	"gvisor.dev/rangelock/pkg/log"
	"gvisor.dev/rangelock/pkg/sync"
)

// Policy selects how queued requests are granted.
type Policy int

const (
	// BestEffort grants every queued request that has become compatible,
	// in submission order. A shared request may pass a queued exclusive
	// one.
	BestEffort Policy = iota

	// StrictFIFO grants queued requests strictly in submission order and
	// makes new requests queue behind incompatible queued ones.
	StrictFIFO
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case BestEffort:
		return "best-effort"
	case StrictFIFO:
		return "strict-fifo"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy converts a policy name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "best-effort", "":
		return BestEffort, nil
	case "strict-fifo":
		return StrictFIFO, nil
	default:
		return 0, fmt.Errorf("invalid lock policy %q", s)
	}
}

// DefaultBuckets is the number of lock table shards used when
// Options.Buckets is 0.
const DefaultBuckets = 16

// warnInterval bounds how often a Manager logs the same class of warning.
const warnInterval = 10 * time.Second

// Options configures a Manager.
type Options struct {
	// Buckets is the number of lock table shards. It is rounded up to a
	// power of two.
	Buckets int

	Policy Policy

	// MaxPendingPerFile and MaxPendingPerOwner bound the number of queued
	// requests. 0 means unbounded.
	MaxPendingPerFile  int
	MaxPendingPerOwner int

	// Clock defaults to a monotonic clock.
	Clock Clock
}

// abortRecord remembers an aborted request until its owner polls it.
type abortRecord struct {
	file  FileID
	owner OwnerID
}

// Manager is the advisory byte-range lock table of a file system.
//
// All methods are safe for concurrent use.
type Manager struct {
	opts    Options
	clock   Clock
	buckets []bucket
	mask    uint64

	nextLockID    atomic.Uint64
	nextRequestID atomic.Uint64

	ownerMu sync.Mutex

	// pendingByOwner counts queued requests per owner. Protected by
	// ownerMu.
	pendingByOwner map[OwnerID]int

	// aborted holds aborted requests by request ID. Protected by ownerMu.
	aborted map[uint64]abortRecord

	wakeMu sync.Mutex

	// wake holds the wait queues of files with registered waiters.
	// Protected by wakeMu.
	wake map[FileID]*wakeQueue

	stats stats
	warn  log.Logger
}

// NewManager returns an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.Buckets <= 0 {
		opts.Buckets = DefaultBuckets
	}
	if opts.Buckets&(opts.Buckets-1) != 0 {
		opts.Buckets = 1 << bits.Len(uint(opts.Buckets))
	}
	if opts.Clock == nil {
		opts.Clock = monotonicClock{base: time.Now()}
	}
	m := &Manager{
		opts:           opts,
		clock:          opts.Clock,
		buckets:        make([]bucket, opts.Buckets),
		mask:           uint64(opts.Buckets - 1),
		pendingByOwner: make(map[OwnerID]int),
		aborted:        make(map[uint64]abortRecord),
		wake:           make(map[FileID]*wakeQueue),
		warn:           log.RateLimitedLogger(log.Log(), warnInterval),
	}
	for i := range m.buckets {
		m.buckets[i].init()
	}
	return m
}

// Options returns the options in effect, with defaults applied.
func (m *Manager) Options() Options {
	return m.opts
}

func (m *Manager) bucketFor(file FileID) *bucket {
	return &m.buckets[uint64(file)&m.mask]
}

func allocID(counter *atomic.Uint64, what string) uint64 {
	id := counter.Add(1)
	if id == 0 {
		panic(fmt.Sprintf("lock: %s ID space exhausted", what))
	}
	return id
}

func validRequest(typ LockType, rng LockRange) bool {
	return (typ == SharedLock || typ == ExclusiveLock) && rng.Valid()
}

// TryLock makes a single attempt to acquire a lock and never queues. If a
// conflicting lock is held, it returns a *ConflictError.
func (m *Manager) TryLock(file FileID, owner OwnerID, typ LockType, rng LockRange) (Handle, error) {
	return m.Lock(file, owner, typ, rng, false /* blocking */)
}

// AcquireShared acquires a shared lock over rng.
func (m *Manager) AcquireShared(file FileID, owner OwnerID, rng LockRange, blocking bool) (Handle, error) {
	return m.Lock(file, owner, SharedLock, rng, blocking)
}

// AcquireExclusive acquires an exclusive lock over rng.
func (m *Manager) AcquireExclusive(file FileID, owner OwnerID, rng LockRange, blocking bool) (Handle, error) {
	return m.Lock(file, owner, ExclusiveLock, rng, blocking)
}

// Lock acquires a lock of type typ over rng on behalf of owner.
//
// If the lock cannot be granted and blocking is false, Lock returns a
// *ConflictError. If blocking is true the request is queued and Lock
// returns a *PendingError; the request is granted by a later release and the
// caller retrieves the lock with Poll. Lock never sleeps.
func (m *Manager) Lock(file FileID, owner OwnerID, typ LockType, rng LockRange, blocking bool) (Handle, error) {
	m.stats.request(typ)
	if !validRequest(typ, rng) {
		m.stats.fail("invalid")
		return Handle{}, ErrInvalidOperation
	}

	b := m.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()

	f := b.get(file)
	if f == nil {
		f = b.getOrCreate(file)
		l := m.grantLocked(f, owner, typ, rng, 0, 0)
		return handleOf(file, l), nil
	}

	cerr := m.admitLocked(f, owner, typ, rng)
	if cerr == nil {
		l := m.grantLocked(f, owner, typ, rng, 0, 0)
		return handleOf(file, l), nil
	}
	if !blocking {
		m.stats.fail("conflict")
		return Handle{}, cerr
	}
	if err := m.reservePendingLocked(f, owner); err != nil {
		m.stats.fail("exhausted")
		return Handle{}, err
	}

	req := LockRequest{
		Owner:       owner,
		Type:        typ,
		Range:       rng,
		Blocking:    true,
		SubmittedAt: m.clock.NowNanoseconds(),
		RequestID:   allocID(&m.nextRequestID, "request"),
	}
	f.pending = append(f.pending, req)
	m.stats.queue()
	log.Debugf("lock: file %d: owner %d queued %s request %d over %v behind %v", file, owner, typ, req.RequestID, rng, cerr)
	return Handle{}, &PendingError{File: file, RequestID: req.RequestID}
}

// admitLocked returns the conflict preventing owner from being granted a
// lock now, or nil.
//
// Preconditions: The bucket of f must be locked.
func (m *Manager) admitLocked(f *fileLocks, owner OwnerID, typ LockType, rng LockRange) *ConflictError {
	if l, ok := conflicts(f.active, owner, typ, rng); ok {
		return &ConflictError{File: f.id, Blocker: l}
	}
	if m.opts.Policy == StrictFIFO {
		if r, ok := conflictsPending(f.pending, owner, typ, rng); ok {
			return &ConflictError{
				File: f.id,
				Blocker: ActiveLock{
					Owner:     r.Owner,
					Type:      r.Type,
					Range:     r.Range,
					RequestID: r.RequestID,
				},
				Queued: true,
			}
		}
	}
	return nil
}

// reservePendingLocked checks the queue bounds and accounts for one more
// request of owner.
//
// Preconditions: The bucket of f must be locked.
func (m *Manager) reservePendingLocked(f *fileLocks, owner OwnerID) error {
	if limit := m.opts.MaxPendingPerFile; limit > 0 && len(f.pending) >= limit {
		m.warn.Warningf("lock: file %d has %d queued requests, rejecting request of owner %d", f.id, len(f.pending), owner)
		return ErrResourceExhausted
	}
	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()
	if limit := m.opts.MaxPendingPerOwner; limit > 0 && m.pendingByOwner[owner] >= limit {
		m.warn.Warningf("lock: owner %d has %d queued requests, rejecting request on file %d", owner, m.pendingByOwner[owner], f.id)
		return ErrResourceExhausted
	}
	m.pendingByOwner[owner]++
	return nil
}

// unreservePending releases n queue slots of owner.
func (m *Manager) unreservePending(owner OwnerID, n int) {
	if n == 0 {
		return
	}
	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()
	if c := m.pendingByOwner[owner] - n; c > 0 {
		m.pendingByOwner[owner] = c
	} else {
		delete(m.pendingByOwner, owner)
	}
}

// grantLocked appends a new active lock to f. submittedAt is only used for
// queued requests, identified by a non-zero requestID.
//
// Preconditions: The bucket of f must be locked.
func (m *Manager) grantLocked(f *fileLocks, owner OwnerID, typ LockType, rng LockRange, requestID uint64, submittedAt int64) *ActiveLock {
	now := m.clock.NowNanoseconds()
	f.active = append(f.active, ActiveLock{
		Owner:      owner,
		Type:       typ,
		Range:      rng,
		AcquiredAt: now,
		LockID:     allocID(&m.nextLockID, "lock"),
		RequestID:  requestID,
	})
	l := &f.active[len(f.active)-1]
	m.stats.grant(now-submittedAt, requestID != 0)
	log.Debugf("lock: file %d: granted %v", f.id, l)
	return l
}

// Unlock releases owner's lock lockID on file. Queued requests that become
// compatible are granted and waiters on file are notified.
func (m *Manager) Unlock(file FileID, owner OwnerID, lockID uint64) error {
	b := m.bucketFor(file)
	b.mu.Lock()
	f := b.get(file)
	if f == nil {
		b.mu.Unlock()
		return ErrNoSuchLock
	}
	i := f.findActive(owner, lockID)
	if i < 0 {
		b.mu.Unlock()
		return ErrNoSuchLock
	}
	l := f.removeActive(i)
	log.Debugf("lock: file %d: released %v", file, l)
	m.reprocessLocked(f)
	b.dropIfEmpty(f)
	b.mu.Unlock()

	m.notify(file)
	return nil
}

// Release releases the lock identified by h.
func (m *Manager) Release(h Handle, owner OwnerID) error {
	return m.Unlock(h.file, owner, h.lockID)
}

// Poll reports the state of owner's queued request requestID on file. It
// returns the lock's Handle once the request has been granted, a
// *PendingError while it is still queued, and ErrAborted, once, if the
// request was aborted. Released, cancelled and unknown requests yield
// ErrNoSuchLock.
func (m *Manager) Poll(file FileID, owner OwnerID, requestID uint64) (Handle, error) {
	if requestID == 0 {
		return Handle{}, ErrNoSuchLock
	}
	b := m.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()

	if f := b.get(file); f != nil {
		if f.findPending(owner, requestID) >= 0 {
			return Handle{}, &PendingError{File: file, RequestID: requestID}
		}
		for i := range f.active {
			if l := &f.active[i]; l.RequestID == requestID && l.Owner == owner {
				return handleOf(file, l), nil
			}
		}
	}

	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()
	if rec, ok := m.aborted[requestID]; ok && rec.owner == owner && rec.file == file {
		delete(m.aborted, requestID)
		return Handle{}, ErrAborted
	}
	return Handle{}, ErrNoSuchLock
}

// Cancel withdraws owner's queued request requestID on file.
func (m *Manager) Cancel(file FileID, owner OwnerID, requestID uint64) error {
	return m.dequeue(file, owner, requestID, false /* abort */)
}

// Abort fails owner's queued request requestID on file, typically to break
// a deadlock. The owner observes ErrAborted from Poll.
func (m *Manager) Abort(file FileID, owner OwnerID, requestID uint64) error {
	return m.dequeue(file, owner, requestID, true /* abort */)
}

func (m *Manager) dequeue(file FileID, owner OwnerID, requestID uint64, abort bool) error {
	b := m.bucketFor(file)
	b.mu.Lock()
	f := b.get(file)
	if f == nil {
		b.mu.Unlock()
		return ErrNoSuchLock
	}
	i := f.findPending(owner, requestID)
	if i < 0 {
		b.mu.Unlock()
		return ErrNoSuchLock
	}
	f.removePending(i)
	m.unreservePending(owner, 1)
	if abort {
		m.ownerMu.Lock()
		m.aborted[requestID] = abortRecord{file: file, owner: owner}
		m.ownerMu.Unlock()
		m.warn.Warningf("lock: file %d: aborted request %d of owner %d", file, requestID, owner)
	}
	m.stats.dequeue(abort)
	m.reprocessLocked(f)
	b.dropIfEmpty(f)
	b.mu.Unlock()

	m.notify(file)
	return nil
}

// LocksOnFile returns a copy of the active locks on file in grant order.
func (m *Manager) LocksOnFile(file FileID) []ActiveLock {
	b := m.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.get(file)
	if f == nil || len(f.active) == 0 {
		return nil
	}
	return append([]ActiveLock(nil), f.active...)
}

// PendingOnFile returns a copy of the queued requests on file in submission
// order.
func (m *Manager) PendingOnFile(file FileID) []LockRequest {
	b := m.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.get(file)
	if f == nil || len(f.pending) == 0 {
		return nil
	}
	return append([]LockRequest(nil), f.pending...)
}

// LocksByOwner returns every active lock of owner, ordered by file.
//
// Buckets are visited one at a time, so the result is not an atomic
// snapshot of the whole table.
func (m *Manager) LocksByOwner(owner OwnerID) []OwnedLock {
	var out []OwnedLock
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		b.files.Ascend(func(f *fileLocks) bool {
			for _, l := range f.active {
				if l.Owner == owner {
					out = append(out, OwnedLock{File: f.id, Lock: l})
				}
			}
			return true
		})
		b.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

// Stats returns a snapshot of the Manager's counters.
func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}
