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

// compatible returns true if locks of types a and b held by different owners
// may overlap. Only shared locks are mutually compatible.
func compatible(a, b LockType) bool {
	return a == SharedLock && b == SharedLock
}

// conflicts returns the first lock in active, in list order, that prevents
// owner from holding a lock of type typ over rng. Locks held by owner itself
// never conflict.
func conflicts(active []ActiveLock, owner OwnerID, typ LockType, rng LockRange) (ActiveLock, bool) {
	for _, l := range active {
		if l.Owner == owner || !l.Range.Overlaps(rng) {
			continue
		}
		if !compatible(l.Type, typ) {
			return l, true
		}
	}
	return ActiveLock{}, false
}

// conflictsPending is the admission check of StrictFIFO: a new request
// may not pass an overlapping, incompatible request of another owner that is
// already queued.
func conflictsPending(pending []LockRequest, owner OwnerID, typ LockType, rng LockRange) (LockRequest, bool) {
	for _, r := range pending {
		if r.Owner == owner || !r.Range.Overlaps(rng) {
			continue
		}
		if !compatible(r.Type, typ) {
			return r, true
		}
	}
	return LockRequest{}, false
}
