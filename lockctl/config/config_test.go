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

package config

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rangelock/pkg/sentry/fs/lock"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lockctl.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	want := &Config{
		Buckets:   lock.DefaultBuckets,
		Policy:    "best-effort",
		LogFormat: "text",
	}
	if diff := cmp.Diff(want, Default()); diff != "" {
		t.Errorf("Default() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
buckets = 4
policy = "strict-fifo"
max_pending_per_file = 8

[owners]
writer = 1
reader = 2
`)
	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := &Config{
		Buckets:           4,
		Policy:            "strict-fifo",
		MaxPendingPerFile: 8,
		LogFormat:         "text",
		Owners:            map[string]uint64{"writer": 1, "reader": 2},
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{"bad syntax", `buckets = `},
		{"unknown key", `colour = "blue"`},
		{"bad policy", `policy = "random"`},
		{"bad log format", `log_format = "xml"`},
		{"negative limit", `max_pending_per_owner = -1`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.contents)); err == nil {
				t.Errorf("Load(%q) succeeded, want error", tc.contents)
			}
		})
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	base := &Config{
		Buckets:   4,
		Policy:    "strict-fifo",
		LogFormat: "text",
		Owners:    map[string]uint64{"writer": 1},
	}
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"--max-pending-per-owner=3", "--debug", "--log-format=json"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	conf, err := NewFromFlags(testFlags, base)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	want := &Config{
		Buckets:            4,
		Policy:             "strict-fifo",
		MaxPendingPerOwner: 3,
		LogFormat:          "json",
		Debug:              true,
		Owners:             map[string]uint64{"writer": 1},
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("NewFromFlags mismatch (-want +got):\n%s", diff)
	}

	// The base configuration is left untouched.
	conf.Owners["reader"] = 2
	if len(base.Owners) != 1 || base.Debug {
		t.Errorf("base config modified: %+v", base)
	}
}

func TestFlagValidation(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"--policy=lifo"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := NewFromFlags(testFlags, Default()); err == nil {
		t.Errorf("NewFromFlags succeeded with an invalid policy")
	}
}

func TestLockOptions(t *testing.T) {
	conf := Default()
	conf.Policy = "strict-fifo"
	conf.MaxPendingPerFile = 2
	opts, err := conf.LockOptions()
	if err != nil {
		t.Fatalf("LockOptions failed: %v", err)
	}
	want := lock.Options{Buckets: lock.DefaultBuckets, Policy: lock.StrictFIFO, MaxPendingPerFile: 2}
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Errorf("LockOptions mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	conf := Default()
	conf.Owners = map[string]uint64{"a": 7}
	var buf bytes.Buffer
	if err := conf.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got := &Config{}
	if _, err := toml.Decode(buf.String(), got); err != nil {
		t.Fatalf("Decode(%q) failed: %v", buf.String(), err)
	}
	if diff := cmp.Diff(conf, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
