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

// reprocessLocked grants queued requests of f that no longer conflict, in
// submission order, and repeats until a pass grants nothing. Under
// StrictFIFO a pass stops at the first request that cannot be granted.
// It returns the number of grants.
//
// Preconditions: The bucket of f must be locked.
func (m *Manager) reprocessLocked(f *fileLocks) int {
	total := 0
	for {
		granted := 0
		blocked := false
		remaining := f.pending[:0]
		for _, req := range f.pending {
			if blocked {
				remaining = append(remaining, req)
				continue
			}
			if _, ok := conflicts(f.active, req.Owner, req.Type, req.Range); ok {
				remaining = append(remaining, req)
				blocked = m.opts.Policy == StrictFIFO
				continue
			}
			m.grantLocked(f, req.Owner, req.Type, req.Range, req.RequestID, req.SubmittedAt)
			m.unreservePending(req.Owner, 1)
			granted++
		}
		f.pending = remaining
		total += granted
		if granted == 0 {
			return total
		}
	}
}
