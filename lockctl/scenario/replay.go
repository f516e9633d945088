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

package scenario

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gvisor.dev/rangelock/pkg/log"
	"gvisor.dev/rangelock/pkg/sentry/fs/lock"
)

// Outcome is the result of one step.
type Outcome struct {
	Step int
	Op   string

	// Result is one of "ok", "would-block", "conflict", "no-such-lock",
	// "invalid", "exhausted", "deadlock", "aborted" or "error".
	Result string
	Detail string
}

// String implements fmt.Stringer.
func (o Outcome) String() string {
	return fmt.Sprintf("%3d %-12s %-12s %s", o.Step, o.Op, o.Result, o.Detail)
}

// Classify maps an error returned by the lock manager to an outcome result.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, lock.ErrWouldBlock):
		return "would-block"
	case errors.Is(err, lock.ErrConflict):
		return "conflict"
	case errors.Is(err, lock.ErrNoSuchLock):
		return "no-such-lock"
	case errors.Is(err, lock.ErrInvalidOperation):
		return "invalid"
	case errors.Is(err, lock.ErrResourceExhausted):
		return "exhausted"
	case errors.Is(err, lock.ErrDeadlock):
		return "deadlock"
	case errors.Is(err, lock.ErrAborted):
		return "aborted"
	default:
		return "error"
	}
}

// held is a lock granted to a named step.
type held struct {
	h     lock.Handle
	owner lock.OwnerID
}

// queued is a request queued by a named step.
type queued struct {
	file  lock.FileID
	owner lock.OwnerID
	id    uint64
}

// Runner replays scenarios against a Manager. Names given to locks and
// requests persist across calls to Run.
type Runner struct {
	m      *lock.Manager
	owners map[string]uint64

	locks    map[string]held
	requests map[string]queued
}

// NewRunner returns a Runner for m. owners maps owner names usable in steps
// to owner IDs.
func NewRunner(m *lock.Manager, owners map[string]uint64) *Runner {
	return &Runner{
		m:        m,
		owners:   owners,
		locks:    make(map[string]held),
		requests: make(map[string]queued),
	}
}

// Run executes every step of s in order and passes each outcome to emit. It
// stops at the first step whose outcome differs from its expectation, or
// that cannot be executed at all, and returns an error describing it.
func (r *Runner) Run(s *Scenario, emit func(Outcome)) error {
	for i, st := range s.Steps {
		o, err := r.step(st)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st.Op, err)
		}
		o.Step = i + 1
		o.Op = st.Op
		emit(o)
		log.Debugf("scenario: %v", o)
		if st.Expect != "" && st.Expect != o.Result {
			return fmt.Errorf("step %d (%s): got %s, want %s: %s", o.Step, o.Op, o.Result, st.Expect, o.Detail)
		}
	}
	return nil
}

func (r *Runner) owner(ref OwnerRef) (lock.OwnerID, error) {
	if id, err := strconv.ParseUint(string(ref), 10, 64); err == nil {
		return lock.OwnerID(id), nil
	}
	if id, ok := r.owners[string(ref)]; ok {
		return lock.OwnerID(id), nil
	}
	return 0, fmt.Errorf("unknown owner %q", ref)
}

// ownerOr resolves ref, defaulting to def when the step names no owner.
func (r *Runner) ownerOr(ref OwnerRef, def lock.OwnerID) (lock.OwnerID, error) {
	if ref == "" {
		return def, nil
	}
	return r.owner(ref)
}

func parseType(s string) lock.LockType {
	switch s {
	case "shared", "read":
		return lock.SharedLock
	case "exclusive", "write":
		return lock.ExclusiveLock
	default:
		// Rejected by the manager as an invalid operation.
		return lock.NoLock
	}
}

func (st *Step) lockRange() lock.LockRange {
	if st.End == nil {
		return lock.LockRange{Start: st.Start, End: lock.LockEOF}
	}
	return lock.LockRange{Start: st.Start, End: *st.End}
}

func result(err error, detail string) Outcome {
	if err != nil {
		detail = err.Error()
	}
	return Outcome{Result: Classify(err), Detail: detail}
}

func (r *Runner) step(st Step) (Outcome, error) {
	switch st.Op {
	case OpLock, OpTryLock:
		owner, err := r.owner(st.Owner)
		if err != nil {
			return Outcome{}, err
		}
		file := lock.FileID(st.File)
		var h lock.Handle
		if st.Op == OpTryLock {
			h, err = r.m.TryLock(file, owner, parseType(st.Type), st.lockRange())
		} else {
			h, err = r.m.Lock(file, owner, parseType(st.Type), st.lockRange(), st.Blocking)
		}
		var pe *lock.PendingError
		switch {
		case err == nil && st.Name != "":
			r.locks[st.Name] = held{h: h, owner: owner}
		case errors.As(err, &pe) && st.Name != "":
			r.requests[st.Name] = queued{file: file, owner: owner, id: pe.RequestID}
		}
		return result(err, h.String()), nil

	case OpUnlock, OpUpgrade, OpDowngrade:
		l, ok := r.locks[st.Ref]
		if !ok {
			return Outcome{}, fmt.Errorf("no lock named %q", st.Ref)
		}
		owner, err := r.ownerOr(st.Owner, l.owner)
		if err != nil {
			return Outcome{}, err
		}
		switch st.Op {
		case OpUnlock:
			err = r.m.Release(l.h, owner)
			if err == nil {
				delete(r.locks, st.Ref)
			}
			return result(err, l.h.String()), nil
		case OpUpgrade:
			h, err := r.m.Upgrade(l.h, owner)
			if err == nil {
				r.locks[st.Ref] = held{h: h, owner: l.owner}
			}
			return result(err, h.String()), nil
		default:
			h, err := r.m.Downgrade(l.h, owner)
			if err == nil {
				r.locks[st.Ref] = held{h: h, owner: l.owner}
			}
			return result(err, h.String()), nil
		}

	case OpPoll, OpCancel, OpAbort:
		q, ok := r.requests[st.Ref]
		if !ok {
			return Outcome{}, fmt.Errorf("no request named %q", st.Ref)
		}
		switch st.Op {
		case OpPoll:
			h, err := r.m.Poll(q.file, q.owner, q.id)
			if err == nil {
				r.locks[st.Ref] = held{h: h, owner: q.owner}
			}
			return result(err, h.String()), nil
		case OpCancel:
			return result(r.m.Cancel(q.file, q.owner, q.id), fmt.Sprintf("request %d", q.id)), nil
		default:
			return result(r.m.Abort(q.file, q.owner, q.id), fmt.Sprintf("request %d", q.id)), nil
		}

	case OpReleaseAll:
		owner, err := r.owner(st.Owner)
		if err != nil {
			return Outcome{}, err
		}
		r.m.ReleaseAll(owner)
		for name, l := range r.locks {
			if l.owner == owner {
				delete(r.locks, name)
			}
		}
		return result(nil, fmt.Sprintf("owner %d", owner)), nil

	case OpDetectCycle:
		return result(r.m.CheckDeadlock(), "no cycle"), nil

	case OpLocks:
		file := lock.FileID(st.File)
		var parts []string
		for _, l := range r.m.LocksOnFile(file) {
			parts = append(parts, l.String())
		}
		for _, q := range r.m.PendingOnFile(file) {
			parts = append(parts, fmt.Sprintf("queued %s request %d on %v by owner %d", q.Type, q.RequestID, q.Range, q.Owner))
		}
		if len(parts) == 0 {
			return result(nil, fmt.Sprintf("file %d: no locks", file)), nil
		}
		return result(nil, fmt.Sprintf("file %d: %s", file, strings.Join(parts, "; "))), nil

	default:
		return Outcome{}, fmt.Errorf("unknown op %q", st.Op)
	}
}
