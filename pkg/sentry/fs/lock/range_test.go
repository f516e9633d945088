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
	"math"
	"testing"

	"gvisor.dev/rangelock/pkg/errors/linuxerr"
)

func TestComputeRange(t *testing.T) {
	tests := []struct {
		// Description of test.
		name string

		// Requested start of the lock range.
		//
		// Use a int64 for this value since it may be negative (e.g.
		// SEEK_CUR with a negative l_start).
		start int64

		// Requested length of the lock range,
		// can be negative :(
		length int64

		// Pre-computed file offset based on whence.
		offset int64

		// Expected range.
		want LockRange

		// Expected error, if any.
		wantErr error
	}{
		{
			name: "offset, start, and length all zero",
			want: LockRange{Start: 0, End: LockEOF},
		},
		{
			name:   "zero offset, zero start, positive length",
			length: 4096,
			want:   LockRange{Start: 0, End: 4095},
		},
		{
			name:   "zero offset, positive start, positive length",
			start:  4096,
			length: 4096,
			want:   LockRange{Start: 4096, End: 8191},
		},
		{
			name:   "positive offset, positive start, zero length",
			start:  4096,
			offset: 4096,
			want:   LockRange{Start: 8192, End: LockEOF},
		},
		{
			name:   "positive offset, negative start, positive length",
			start:  -4096,
			length: 1,
			offset: 8192,
			want:   LockRange{Start: 4096, End: 4096},
		},
		{
			name:   "negative length",
			start:  0,
			length: -4096,
			offset: 8192,
			want:   LockRange{Start: 4096, End: 8191},
		},
		{
			name:    "negative length reaching before zero",
			length:  -4097,
			offset:  4096,
			wantErr: linuxerr.EINVAL,
		},
		{
			name:    "negative length at offset zero",
			length:  -1,
			wantErr: linuxerr.EINVAL,
		},
		{
			name:    "negative start before zero",
			start:   -1,
			wantErr: linuxerr.EINVAL,
		},
		{
			name:    "start overflows",
			start:   1,
			offset:  math.MaxInt64,
			wantErr: linuxerr.EOVERFLOW,
		},
		{
			name:    "end overflows",
			start:   math.MaxInt64 - 10,
			length:  12,
			wantErr: linuxerr.EOVERFLOW,
		},
		{
			name:   "end at largest offset",
			start:  math.MaxInt64 - 10,
			length: 11,
			want:   LockRange{Start: math.MaxInt64 - 10, End: math.MaxInt64},
		},
		{
			name:    "minimum length",
			length:  math.MinInt64,
			offset:  math.MaxInt64,
			wantErr: linuxerr.EINVAL,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rng, err := ComputeRange(test.start, test.length, test.offset)
			if test.wantErr != nil {
				if err != test.wantErr {
					t.Fatalf("ComputeRange(%d, %d, %d) got error %v, want %v", test.start, test.length, test.offset, err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ComputeRange(%d, %d, %d) failed: %v", test.start, test.length, test.offset, err)
			}
			if rng != test.want {
				t.Errorf("ComputeRange(%d, %d, %d) got %v, want %v", test.start, test.length, test.offset, rng, test.want)
			}
		})
	}
}

func TestOverlapsSymmetric(t *testing.T) {
	ranges := []LockRange{
		{0, 0},
		{0, 10},
		{5, 5},
		{10, 20},
		{11, 20},
		{21, LockEOF},
		{LockEOF, LockEOF},
		WholeFile(),
	}
	for _, a := range ranges {
		for _, b := range ranges {
			if a.Overlaps(b) != b.Overlaps(a) {
				t.Errorf("%v.Overlaps(%v) = %t but %v.Overlaps(%v) = %t", a, b, a.Overlaps(b), b, a, b.Overlaps(a))
			}
		}
	}

	for _, tc := range []struct {
		a, b LockRange
		want bool
	}{
		{LockRange{0, 10}, LockRange{10, 20}, true},
		{LockRange{0, 10}, LockRange{11, 20}, false},
		{LockRange{5, 5}, LockRange{0, 10}, true},
		{LockRange{21, LockEOF}, LockRange{LockEOF, LockEOF}, true},
		{WholeFile(), LockRange{12345, 12345}, true},
	} {
		if got := tc.a.Overlaps(tc.b); got != tc.want {
			t.Errorf("%v.Overlaps(%v) = %t, want %t", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestRangeLength(t *testing.T) {
	for _, tc := range []struct {
		r    LockRange
		want uint64
	}{
		{LockRange{0, 0}, 1},
		{LockRange{0, 99}, 100},
		{LockRange{10, 5}, 0},
		{LockRange{100, LockEOF}, math.MaxUint64},
		{WholeFile(), math.MaxUint64},
		{LockRange{0, LockEOF - 1}, math.MaxUint64},
	} {
		if got := tc.r.Length(); got != tc.want {
			t.Errorf("%v.Length() = %d, want %d", tc.r, got, tc.want)
		}
	}
}

func TestRangeContains(t *testing.T) {
	r := LockRange{10, 20}
	for _, tc := range []struct {
		o    LockRange
		want bool
	}{
		{LockRange{10, 20}, true},
		{LockRange{12, 15}, true},
		{LockRange{9, 15}, false},
		{LockRange{15, 21}, false},
	} {
		if got := r.Contains(tc.o); got != tc.want {
			t.Errorf("%v.Contains(%v) = %t, want %t", r, tc.o, got, tc.want)
		}
	}
}
