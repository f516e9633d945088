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

	"golang.org/x/sys/unix"
	"gvisor.dev/rangelock/pkg/errors"
	"gvisor.dev/rangelock/pkg/errors/linuxerr"
)

// Errors returned by the Manager. Each carries the errno a syscall layer
// should report; structured errors below wrap them.
var (
	// ErrWouldBlock means a blocking request was queued.
	ErrWouldBlock = errors.New(unix.EWOULDBLOCK, "lock request queued")

	// ErrConflict means a conflicting lock prevents the operation.
	ErrConflict = errors.New(unix.EAGAIN, "conflicting lock held")

	ErrNoSuchLock        = errors.New(unix.ENOENT, "no such lock")
	ErrInvalidOperation  = errors.New(unix.EINVAL, "invalid lock operation")
	ErrResourceExhausted = errors.New(unix.ENOLCK, "too many pending lock requests")
	ErrDeadlock          = errors.New(unix.EDEADLK, "lock deadlock detected")

	// ErrAborted is reported for a queued request that was failed by
	// Manager.Abort.
	ErrAborted = errors.New(unix.ECANCELED, "lock request aborted")
)

// ConflictError reports the lock that prevented an acquisition or upgrade.
type ConflictError struct {
	File FileID

	// Blocker is the conflicting lock. If Queued is set, Blocker describes
	// a pending request of another owner that is ahead in the queue and
	// its LockID is 0.
	Blocker ActiveLock
	Queued  bool
}

// Error implements error.Error.
func (e *ConflictError) Error() string {
	if e.Queued {
		return fmt.Sprintf("file %d: queued behind %s request %d of owner %d over %v", e.File, e.Blocker.Type, e.Blocker.RequestID, e.Blocker.Owner, e.Blocker.Range)
	}
	return fmt.Sprintf("file %d: conflicts with %v", e.File, e.Blocker)
}

// Unwrap returns ErrConflict.
func (e *ConflictError) Unwrap() error { return ErrConflict }

// PendingError is returned when a blocking request has been queued. The
// caller waits for a wake hint on File and then polls RequestID.
type PendingError struct {
	File      FileID
	RequestID uint64
}

// Error implements error.Error.
func (e *PendingError) Error() string {
	return fmt.Sprintf("file %d: lock request %d queued", e.File, e.RequestID)
}

// Unwrap returns ErrWouldBlock.
func (e *PendingError) Unwrap() error { return ErrWouldBlock }

// DeadlockError carries a cycle of the waits-for graph. Each owner waits for
// the next one and the last waits for the first.
type DeadlockError struct {
	Cycle []OwnerID
}

// Error implements error.Error.
func (e *DeadlockError) Error() string {
	return fmt.Sprintf("lock deadlock between owners %v", e.Cycle)
}

// Unwrap returns ErrDeadlock.
func (e *DeadlockError) Unwrap() error { return ErrDeadlock }

func init() {
	linuxerr.AddErrorUnwrapper(func(err error) (*errors.Error, bool) {
		switch err.(type) {
		case *ConflictError:
			return ErrConflict, true
		case *PendingError:
			return ErrWouldBlock, true
		case *DeadlockError:
			return ErrDeadlock, true
		default:
			return nil, false
		}
	})
}
