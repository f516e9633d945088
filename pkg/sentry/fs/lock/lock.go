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

// Package lock implements advisory byte-range file locks.
//
// A Manager arbitrates shared and exclusive locks over inclusive byte ranges
// of files. Files are identified by an opaque FileID (an inode number) and
// locks are owned by an opaque OwnerID (a thread group or thread). An owner's
// locks never conflict with each other; locks of different owners conflict
// when their ranges overlap and at least one of them is exclusive.
//
// The Manager never sleeps. A blocking request that cannot be granted is
// queued and the caller is told it would block; queued requests are granted
// by the Manager itself whenever a release, downgrade, cancellation or bulk
// release makes them compatible. Callers park on the file's wait queue (see
// Manager.EventRegister and Manager.LockBlocking) and collect the grant with
// Manager.Poll.
//
// Lock ordering:
//
//	bucket.mu
//	  Manager.ownerMu
//
// Manager.wakeMu is never held together with any other lock.
package lock

import (
	"fmt"
	"time"
)

// OwnerID identifies the owner of a lock, typically a thread group.
type OwnerID uint64

// FileID identifies a locked file, typically an inode number.
type FileID uint64

// LockType is a type of regional file lock.
type LockType int

// Lock types. Compatibility between types is given by compatible, not by
// their numeric order.
const (
	// NoLock is the zero value and is never held.
	NoLock LockType = iota

	// SharedLock describes a POSIX regional file lock to be taken
	// read only. There may be multiple of these locks on a single
	// file region.
	SharedLock

	// ExclusiveLock describes a POSIX regional file lock to be taken
	// write only. There may be only a single holder of this lock and
	// no read locks.
	ExclusiveLock
)

// String implements fmt.Stringer.
func (t LockType) String() string {
	switch t {
	case NoLock:
		return "none"
	case SharedLock:
		return "shared"
	case ExclusiveLock:
		return "exclusive"
	default:
		return fmt.Sprintf("LockType(%d)", int(t))
	}
}

// LockRequest is a queued request for a lock that could not be granted
// immediately.
type LockRequest struct {
	Owner       OwnerID
	Type        LockType
	Range       LockRange
	Blocking    bool
	SubmittedAt int64
	RequestID   uint64
}

// ActiveLock is a granted lock.
type ActiveLock struct {
	Owner      OwnerID
	Type       LockType
	Range      LockRange
	AcquiredAt int64
	LockID     uint64

	// RequestID is the queued request this lock was granted from, or 0 if
	// it was granted immediately.
	RequestID uint64
}

// String implements fmt.Stringer.
func (l ActiveLock) String() string {
	return fmt.Sprintf("%s lock %d on %v held by owner %d", l.Type, l.LockID, l.Range, l.Owner)
}

// OwnedLock is an active lock together with the file it is held on.
type OwnedLock struct {
	File FileID
	Lock ActiveLock
}

// Handle is the caller's token for a granted lock. Its fields can only be
// read, so a Handle cannot be used to fabricate lock state.
type Handle struct {
	file   FileID
	lockID uint64
	typ    LockType
	rng    LockRange
}

func handleOf(file FileID, l *ActiveLock) Handle {
	return Handle{file: file, lockID: l.LockID, typ: l.Type, rng: l.Range}
}

// File returns the file the lock is held on.
func (h Handle) File() FileID { return h.file }

// LockID returns the identifier of the lock.
func (h Handle) LockID() uint64 { return h.lockID }

// Type returns the lock type at the time the handle was issued.
func (h Handle) Type() LockType { return h.typ }

// Range returns the locked range.
func (h Handle) Range() LockRange { return h.rng }

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("file %d %s lock %d %v", h.file, h.typ, h.lockID, h.rng)
}

// Clock supplies monotonic timestamps in nanoseconds.
type Clock interface {
	NowNanoseconds() int64
}

type monotonicClock struct {
	base time.Time
}

// NowNanoseconds implements Clock.NowNanoseconds.
func (c monotonicClock) NowNanoseconds() int64 {
	return int64(time.Since(c.base))
}
