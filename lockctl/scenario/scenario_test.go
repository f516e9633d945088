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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rangelock/pkg/sentry/fs/lock"
)

const endToEndTOML = `
description = "exclusive, conflict, release, shared, conflict, release"

[[step]]
op = "trylock"
file = 7
owner = 1
type = "exclusive"
start = 0
end = 100
name = "w"
expect = "ok"

[[step]]
op = "trylock"
file = 7
owner = 2
type = "shared"
start = 50
end = 60
expect = "conflict"

[[step]]
op = "unlock"
ref = "w"
expect = "ok"

[[step]]
op = "trylock"
file = 7
owner = 2
type = "shared"
start = 50
end = 60
name = "r"
expect = "ok"

[[step]]
op = "trylock"
file = 7
owner = 3
type = "exclusive"
start = 55
end = 58
expect = "conflict"

[[step]]
op = "unlock"
ref = "r"
expect = "ok"

[[step]]
op = "locks"
file = 7
`

const deadlockYAML = `
description: two owners waiting for each other
steps:
  - {op: trylock, file: 1, owner: alice, type: exclusive, start: 0, end: 10}
  - {op: trylock, file: 2, owner: bob, type: exclusive, start: 0, end: 10}
  - {op: lock, file: 2, owner: alice, type: exclusive, start: 0, end: 10, blocking: true, name: a2, expect: would-block}
  - {op: detect-cycle, expect: ok}
  - {op: lock, file: 1, owner: bob, type: exclusive, start: 0, end: 10, blocking: true, name: b1, expect: would-block}
  - {op: detect-cycle, expect: deadlock}
  - {op: abort, ref: b1, expect: ok}
  - {op: poll, ref: b1, expect: aborted}
  - {op: release-all, owner: bob}
  - {op: poll, ref: a2, expect: ok}
  - {op: downgrade, ref: a2, expect: ok}
  - {op: upgrade, ref: a2, owner: 2, expect: no-such-lock}
`

func TestEndToEndTOML(t *testing.T) {
	s, err := ParseTOML([]byte(endToEndTOML))
	if err != nil {
		t.Fatalf("ParseTOML failed: %v", err)
	}
	m := lock.NewManager(lock.Options{})
	var got []string
	if err := NewRunner(m, nil).Run(s, func(o Outcome) { got = append(got, o.Result) }); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []string{"ok", "conflict", "ok", "ok", "conflict", "ok", "ok"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if locks := m.LocksOnFile(7); len(locks) != 0 {
		t.Errorf("LocksOnFile(7) got %v, want none", locks)
	}
}

func TestDeadlockYAML(t *testing.T) {
	s, err := ParseYAML([]byte(deadlockYAML))
	if err != nil {
		t.Fatalf("ParseYAML failed: %v", err)
	}
	m := lock.NewManager(lock.Options{})
	var outcomes []Outcome
	r := NewRunner(m, map[string]uint64{"alice": 1, "bob": 2})
	if err := r.Run(s, func(o Outcome) { outcomes = append(outcomes, o) }); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(outcomes) != len(s.Steps) {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), len(s.Steps))
	}
	if got := outcomes[5].Detail; !strings.Contains(got, "[1 2]") {
		t.Errorf("detect-cycle detail %q does not name the cycle [1 2]", got)
	}
}

func TestExpectationMismatch(t *testing.T) {
	s := &Scenario{Steps: []Step{
		{Op: OpTryLock, File: 1, Owner: "1", Type: "exclusive"},
		{Op: OpTryLock, File: 1, Owner: "2", Type: "shared", Expect: "ok"},
		{Op: OpLocks, File: 1},
	}}
	var n int
	err := NewRunner(lock.NewManager(lock.Options{}), nil).Run(s, func(Outcome) { n++ })
	if err == nil || !strings.Contains(err.Error(), "got conflict, want ok") {
		t.Fatalf("Run got %v, want an expectation mismatch", err)
	}
	if n != 2 {
		t.Errorf("Run executed %d steps, want 2", n)
	}
}

func TestRunErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		step Step
	}{
		{"unknown owner", Step{Op: OpTryLock, Owner: "carol", Type: "shared"}},
		{"unknown lock", Step{Op: OpUnlock, Ref: "nope"}},
		{"unknown request", Step{Op: OpPoll, Ref: "nope"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := &Scenario{Steps: []Step{tc.step}}
			if err := NewRunner(lock.NewManager(lock.Options{}), nil).Run(s, func(Outcome) {}); err == nil {
				t.Errorf("Run succeeded, want error")
			}
		})
	}
}

func TestClassify(t *testing.T) {
	m := lock.NewManager(lock.Options{})
	if _, err := m.TryLock(1, 1, lock.ExclusiveLock, lock.WholeFile()); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	_, conflict := m.TryLock(1, 2, lock.SharedLock, lock.WholeFile())
	_, pending := m.Lock(1, 2, lock.SharedLock, lock.WholeFile(), true)
	_, invalid := m.TryLock(1, 2, lock.NoLock, lock.WholeFile())

	for _, tc := range []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{conflict, "conflict"},
		{pending, "would-block"},
		{invalid, "invalid"},
		{lock.ErrNoSuchLock, "no-such-lock"},
		{lock.ErrResourceExhausted, "exhausted"},
		{&lock.DeadlockError{Cycle: []lock.OwnerID{1, 2}}, "deadlock"},
		{lock.ErrAborted, "aborted"},
		{os.ErrNotExist, "error"},
	} {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		parse func([]byte) (*Scenario, error)
		data  string
	}{
		{"toml no steps", ParseTOML, `description = "empty"`},
		{"toml unknown op", ParseTOML, "[[step]]\nop = \"jump\""},
		{"toml unknown key", ParseTOML, "[[step]]\nop = \"locks\"\ncolour = 1"},
		{"toml bad owner", ParseTOML, "[[step]]\nop = \"trylock\"\nowner = 1.5"},
		{"toml missing ref", ParseTOML, "[[step]]\nop = \"unlock\""},
		{"yaml unknown key", ParseYAML, "steps:\n  - {op: locks, colour: 1}"},
		{"yaml missing owner", ParseYAML, "steps:\n  - {op: lock, file: 1}"},
		{"yaml bad owner", ParseYAML, "steps:\n  - {op: lock, owner: [1, 2]}"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.parse([]byte(tc.data)); err == nil {
				t.Errorf("parse(%q) succeeded, want error", tc.data)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string]string{
		"e2e.toml": endToEndTOML,
		"dl.yaml":  deadlockYAML,
		"dl.yml":   deadlockYAML,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := Load(path); err != nil {
			t.Errorf("Load(%q) failed: %v", name, err)
		}
	}

	path := filepath.Join(dir, "scenario.json")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Errorf("Load(%q) succeeded, want error", path)
	}
}
