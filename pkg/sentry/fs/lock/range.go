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
	"math"

	"gvisor.dev/rangelock/pkg/errors/linuxerr"
)

// LockEOF is the maximal possible end of a regional file lock.
//
// A BSD-style full file lock can be represented as a regional file lock from
// offset 0 to LockEOF.
const LockEOF = math.MaxUint64

// LockRange represents a range of bytes in a file. Both Start and End are
// inclusive; End == LockEOF extends the range to the end of the file.
type LockRange struct {
	Start uint64
	End   uint64
}

// WholeFile returns the range covering every offset of a file.
func WholeFile() LockRange {
	return LockRange{Start: 0, End: LockEOF}
}

// Valid returns true if r is a non-empty range.
func (r LockRange) Valid() bool {
	return r.Start <= r.End
}

// Overlaps returns true if r and o share at least one offset.
func (r LockRange) Overlaps(o LockRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Contains returns true if every offset of o is in r.
func (r LockRange) Contains(o LockRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Length returns the number of bytes covered by r. Ranges extending to
// LockEOF, and the range covering the entire offset space, saturate at
// math.MaxUint64. Invalid ranges have length 0.
func (r LockRange) Length() uint64 {
	switch {
	case !r.Valid():
		return 0
	case r.End == LockEOF:
		return math.MaxUint64
	default:
		return r.End - r.Start + 1
	}
}

// String implements fmt.Stringer.
func (r LockRange) String() string {
	if r.End == LockEOF {
		return fmt.Sprintf("[%d, EOF]", r.Start)
	}
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// ComputeRange takes a positive file offset and computes the start of a
// LockRange using start (relative to offset) and the end of the LockRange
// using length. These are the l_start and l_len fields of struct flock as
// seen by fcntl(2), after l_whence has been resolved to offset.
//
// Returns EINVAL if the range would begin before offset 0 and EOVERFLOW if it
// would end beyond the largest representable file offset.
func ComputeRange(start, length, offset int64) (LockRange, error) {
	if start > 0 && offset > math.MaxInt64-start {
		return LockRange{}, linuxerr.EOVERFLOW
	}
	if start < 0 && offset < math.MinInt64-start {
		return LockRange{}, linuxerr.EINVAL
	}
	offset += start
	if offset < 0 {
		return LockRange{}, linuxerr.EINVAL
	}

	switch {
	case length == 0:
		// A length of 0 means the lock extends to the end of the file,
		// including data not yet written.
		return LockRange{Start: uint64(offset), End: LockEOF}, nil
	case length > 0:
		// offset + length - 1 must still be a valid file offset.
		if offset > math.MaxInt64-(length-1) {
			return LockRange{}, linuxerr.EOVERFLOW
		}
		return LockRange{Start: uint64(offset), End: uint64(offset + length - 1)}, nil
	default:
		// A negative length covers the bytes in [offset+length, offset-1].
		if length == math.MinInt64 || offset+length < 0 {
			return LockRange{}, linuxerr.EINVAL
		}
		return LockRange{Start: uint64(offset + length), End: uint64(offset - 1)}, nil
	}
}
