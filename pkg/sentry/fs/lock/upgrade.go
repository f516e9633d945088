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
	"gvisor.dev/rangelock/pkg/log"
)

// UpgradeLock converts owner's shared lock lockID on file to an exclusive
// lock over the same range, keeping its lock ID.
//
// The lock must be shared, otherwise ErrInvalidOperation is returned. If
// another owner holds an overlapping lock, the lock is left unchanged and a
// *ConflictError is returned. The conflict check and the conversion are
// atomic with respect to every other operation on file.
func (m *Manager) UpgradeLock(file FileID, owner OwnerID, lockID uint64) (Handle, error) {
	b := m.bucketFor(file)
	b.mu.Lock()
	defer b.mu.Unlock()

	f := b.get(file)
	if f == nil {
		return Handle{}, ErrNoSuchLock
	}
	i := f.findActive(owner, lockID)
	if i < 0 {
		return Handle{}, ErrNoSuchLock
	}
	l := &f.active[i]
	if l.Type != SharedLock {
		m.stats.fail("invalid")
		return Handle{}, ErrInvalidOperation
	}
	// The lock itself is skipped as it belongs to owner.
	if blocker, ok := conflicts(f.active, owner, ExclusiveLock, l.Range); ok {
		m.stats.fail("conflict")
		return Handle{}, &ConflictError{File: file, Blocker: blocker}
	}
	l.Type = ExclusiveLock
	m.stats.upgrade()
	log.Debugf("lock: file %d: upgraded %v", file, l)
	return handleOf(file, l), nil
}

// Upgrade is UpgradeLock for the lock identified by h.
func (m *Manager) Upgrade(h Handle, owner OwnerID) (Handle, error) {
	return m.UpgradeLock(h.file, owner, h.lockID)
}

// DowngradeLock converts owner's exclusive lock lockID on file to a shared
// lock in place. It cannot conflict. Queued requests that become compatible
// are granted and waiters on file are notified.
func (m *Manager) DowngradeLock(file FileID, owner OwnerID, lockID uint64) (Handle, error) {
	b := m.bucketFor(file)
	b.mu.Lock()
	f := b.get(file)
	if f == nil {
		b.mu.Unlock()
		return Handle{}, ErrNoSuchLock
	}
	i := f.findActive(owner, lockID)
	if i < 0 {
		b.mu.Unlock()
		return Handle{}, ErrNoSuchLock
	}
	l := &f.active[i]
	if l.Type != ExclusiveLock {
		b.mu.Unlock()
		return Handle{}, ErrInvalidOperation
	}
	l.Type = SharedLock
	h := handleOf(file, l)
	m.stats.downgrade()
	log.Debugf("lock: file %d: downgraded %v", file, l)
	// l is invalid once reprocessing appends to f.active.
	m.reprocessLocked(f)
	b.mu.Unlock()

	m.notify(file)
	return h, nil
}

// Downgrade is DowngradeLock for the lock identified by h.
func (m *Manager) Downgrade(h Handle, owner OwnerID) (Handle, error) {
	return m.DowngradeLock(h.file, owner, h.lockID)
}
