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
	"github.com/google/btree"
	"gvisor.dev/rangelock/pkg/sync"
)

// btreeDegree is the degree of each bucket's file index.
const btreeDegree = 8

// fileLocks is the lock state of one file.
type fileLocks struct {
	id FileID

	// active holds granted locks in grant order.
	active []ActiveLock

	// pending holds queued requests in submission order.
	pending []LockRequest
}

func (f *fileLocks) empty() bool {
	return len(f.active) == 0 && len(f.pending) == 0
}

// findActive returns the index of owner's lock lockID, or -1.
func (f *fileLocks) findActive(owner OwnerID, lockID uint64) int {
	for i := range f.active {
		if f.active[i].LockID == lockID && f.active[i].Owner == owner {
			return i
		}
	}
	return -1
}

// findPending returns the index of owner's request requestID, or -1.
func (f *fileLocks) findPending(owner OwnerID, requestID uint64) int {
	for i := range f.pending {
		if f.pending[i].RequestID == requestID && f.pending[i].Owner == owner {
			return i
		}
	}
	return -1
}

func (f *fileLocks) removeActive(i int) ActiveLock {
	l := f.active[i]
	f.active = append(f.active[:i], f.active[i+1:]...)
	return l
}

func (f *fileLocks) removePending(i int) LockRequest {
	r := f.pending[i]
	f.pending = append(f.pending[:i], f.pending[i+1:]...)
	return r
}

// removeOwner drops every lock and request of owner and returns how many of
// each were removed.
func (f *fileLocks) removeOwner(owner OwnerID) (locks, requests int) {
	active := f.active[:0]
	for _, l := range f.active {
		if l.Owner == owner {
			locks++
			continue
		}
		active = append(active, l)
	}
	f.active = active

	pending := f.pending[:0]
	for _, r := range f.pending {
		if r.Owner == owner {
			requests++
			continue
		}
		pending = append(pending, r)
	}
	f.pending = pending
	return locks, requests
}

func lessFileLocks(a, b *fileLocks) bool {
	return a.id < b.id
}

// bucket is one shard of the lock table.
type bucket struct {
	mu sync.Mutex

	// files indexes the bucket's files by ID. Protected by mu.
	files *btree.BTreeG[*fileLocks]
}

func (b *bucket) init() {
	b.files = btree.NewG[*fileLocks](btreeDegree, lessFileLocks)
}

// get returns the entry for id, or nil.
//
// Preconditions: b.mu must be locked.
func (b *bucket) get(id FileID) *fileLocks {
	f, ok := b.files.Get(&fileLocks{id: id})
	if !ok {
		return nil
	}
	return f
}

// getOrCreate returns the entry for id, inserting an empty one if needed.
//
// Preconditions: b.mu must be locked.
func (b *bucket) getOrCreate(id FileID) *fileLocks {
	if f := b.get(id); f != nil {
		return f
	}
	f := &fileLocks{id: id}
	b.files.ReplaceOrInsert(f)
	return f
}

// dropIfEmpty removes f from the index if it holds no locks or requests.
//
// Preconditions: b.mu must be locked.
func (b *bucket) dropIfEmpty(f *fileLocks) {
	if f != nil && f.empty() {
		b.files.Delete(f)
	}
}
