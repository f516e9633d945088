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

// ReleaseAll removes every lock and queued request of owner, as when the
// owner exits, and grants queued requests of other owners that become
// compatible. It is idempotent.
//
// Files are processed one bucket at a time; another owner may observe some
// of owner's locks released before others.
func (m *Manager) ReleaseAll(owner OwnerID) {
	var touched []FileID
	totalLocks, totalRequests := 0, 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		var empty []*fileLocks
		b.files.Ascend(func(f *fileLocks) bool {
			locks, requests := f.removeOwner(owner)
			if locks+requests > 0 {
				m.unreservePending(owner, requests)
				m.reprocessLocked(f)
				touched = append(touched, f.id)
				totalLocks += locks
				totalRequests += requests
			}
			if f.empty() {
				empty = append(empty, f)
			}
			return true
		})
		for _, f := range empty {
			b.files.Delete(f)
		}
		b.mu.Unlock()
	}

	m.ownerMu.Lock()
	for id, rec := range m.aborted {
		if rec.owner == owner {
			delete(m.aborted, id)
		}
	}
	m.ownerMu.Unlock()

	if len(touched) > 0 {
		log.Debugf("lock: owner %d: released %d locks and %d queued requests on %d files", owner, totalLocks, totalRequests, len(touched))
	}
	for _, file := range touched {
		m.notify(file)
	}
}
