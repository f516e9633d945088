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
	"context"

	"gvisor.dev/rangelock/pkg/errors/linuxerr"
	"gvisor.dev/rangelock/pkg/waiter"
)

// Blocker parks the calling goroutine until C receives or the wait is
// interrupted.
type Blocker interface {
	// Block returns nil once C has received and an error if the wait was
	// interrupted.
	Block(C <-chan struct{}) error
}

// ContextBlocker is a Blocker interrupted by cancellation of Ctx.
type ContextBlocker struct {
	Ctx context.Context
}

// Block implements Blocker.Block.
func (b ContextBlocker) Block(C <-chan struct{}) error {
	select {
	case <-C:
		return nil
	case <-b.Ctx.Done():
		return linuxerr.ErrInterrupted
	}
}

// wakeQueue is the wait queue of one file, shared by its registered waiters.
type wakeQueue struct {
	q waiter.Queue

	// refs is the number of registered entries. Protected by
	// Manager.wakeMu.
	refs int
}

// EventRegister registers e to be notified with waiter.EventInternal
// whenever locks on file are released, downgraded or handed to a queued
// request, or a queued request on file is withdrawn.
func (m *Manager) EventRegister(file FileID, e *waiter.Entry) {
	m.wakeMu.Lock()
	wq, ok := m.wake[file]
	if !ok {
		wq = &wakeQueue{}
		m.wake[file] = wq
	}
	wq.refs++
	m.wakeMu.Unlock()
	wq.q.EventRegister(e, waiter.EventInternal)
}

// EventUnregister removes e, previously registered on file.
func (m *Manager) EventUnregister(file FileID, e *waiter.Entry) {
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	wq, ok := m.wake[file]
	if !ok {
		return
	}
	wq.q.EventUnregister(e)
	if wq.refs--; wq.refs == 0 {
		delete(m.wake, file)
	}
}

// notify wakes waiters registered on file.
//
// Preconditions: No bucket lock may be held.
func (m *Manager) notify(file FileID) {
	m.wakeMu.Lock()
	wq := m.wake[file]
	m.wakeMu.Unlock()
	if wq != nil {
		wq.q.Notify(waiter.EventInternal)
	}
}

// LockBlocking acquires a lock, waiting with b while the request is queued.
//
// If b.Block fails the queued request is cancelled and the error from b is
// returned, unless the request had already been granted, in which case the
// lock is returned. A request aborted with Abort yields ErrAborted.
func (m *Manager) LockBlocking(b Blocker, file FileID, owner OwnerID, typ LockType, rng LockRange) (Handle, error) {
	// Register before queueing so that a grant between Lock and Block is
	// not missed.
	e, ch := waiter.NewChannelEntry(nil)
	m.EventRegister(file, &e)
	defer m.EventUnregister(file, &e)

	h, err := m.Lock(file, owner, typ, rng, true /* blocking */)
	pe, ok := err.(*PendingError)
	if !ok {
		return h, err
	}
	for {
		if err := b.Block(ch); err != nil {
			if cerr := m.Cancel(file, owner, pe.RequestID); cerr != nil {
				// No longer queued: it may have been granted.
				if h, perr := m.Poll(file, owner, pe.RequestID); perr == nil {
					return h, nil
				}
			}
			return Handle{}, err
		}
		h, err := m.Poll(file, owner, pe.RequestID)
		if _, pending := err.(*PendingError); pending {
			continue
		}
		return h, err
	}
}
