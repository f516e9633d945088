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

// Package scenario loads scripted sequences of lock operations and replays
// them against a lock manager.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Operations understood by Run.
const (
	OpLock        = "lock"
	OpTryLock     = "trylock"
	OpUnlock      = "unlock"
	OpUpgrade     = "upgrade"
	OpDowngrade   = "downgrade"
	OpPoll        = "poll"
	OpCancel      = "cancel"
	OpAbort       = "abort"
	OpReleaseAll  = "release-all"
	OpDetectCycle = "detect-cycle"
	OpLocks       = "locks"
)

// OwnerRef is an owner given either as a number or as a name declared in
// the lockctl configuration.
type OwnerRef string

// UnmarshalTOML implements toml.Unmarshaler.
func (o *OwnerRef) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("owner %d is negative", v)
		}
		*o = OwnerRef(strconv.FormatInt(v, 10))
	case string:
		*o = OwnerRef(v)
	default:
		return fmt.Errorf("owner must be a number or a name, got %T", v)
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *OwnerRef) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: owner must be a number or a name", n.Line)
	}
	*o = OwnerRef(n.Value)
	return nil
}

// Step is a single operation of a scenario.
type Step struct {
	Op string `toml:"op" yaml:"op"`

	File uint64 `toml:"file" yaml:"file"`

	Owner OwnerRef `toml:"owner" yaml:"owner"`

	// Type is "shared" or "exclusive".
	Type string `toml:"type" yaml:"type"`

	Start uint64 `toml:"start" yaml:"start"`

	// End is inclusive. A missing end extends the range to EOF.
	End *uint64 `toml:"end" yaml:"end"`

	Blocking bool `toml:"blocking" yaml:"blocking"`

	// Name labels the lock or queued request created by this step.
	Name string `toml:"name" yaml:"name"`

	// Ref names the lock or request an unlock, upgrade, downgrade, poll,
	// cancel or abort refers to.
	Ref string `toml:"ref" yaml:"ref"`

	// Expect is the expected outcome. See Outcome.Result for the values.
	// An empty Expect accepts any outcome.
	Expect string `toml:"expect" yaml:"expect"`
}

// Scenario is an ordered list of steps.
type Scenario struct {
	Description string `toml:"description" yaml:"description"`
	Steps       []Step `toml:"step" yaml:"steps"`
}

// Load reads a scenario from a .toml, .yaml or .yml file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s *Scenario
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		s, err = ParseTOML(data)
	case ".yaml", ".yml":
		s, err = ParseYAML(data)
	default:
		return nil, fmt.Errorf("scenario %q: unknown format %q, want .toml, .yaml or .yml", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", path, err)
	}
	return s, nil
}

// ParseTOML parses a scenario in TOML form, with one [[step]] table per
// step.
func ParseTOML(data []byte) (*Scenario, error) {
	s := &Scenario{}
	md, err := toml.Decode(string(data), s)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys %v", undecoded)
	}
	return s, s.validate()
}

// ParseYAML parses a scenario in YAML form, with the steps listed under
// "steps".
func ParseYAML(data []byte) (*Scenario, error) {
	s := &Scenario{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, err
	}
	return s, s.validate()
}

func (s *Scenario) validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}
	for i, st := range s.Steps {
		switch st.Op {
		case OpLock, OpTryLock:
			if st.Owner == "" {
				return fmt.Errorf("step %d: %s needs an owner", i+1, st.Op)
			}
		case OpUnlock, OpUpgrade, OpDowngrade, OpPoll, OpCancel, OpAbort:
			if st.Ref == "" {
				return fmt.Errorf("step %d: %s needs a ref", i+1, st.Op)
			}
		case OpReleaseAll:
			if st.Owner == "" {
				return fmt.Errorf("step %d: %s needs an owner", i+1, st.Op)
			}
		case OpDetectCycle, OpLocks:
		default:
			return fmt.Errorf("step %d: unknown op %q", i+1, st.Op)
		}
	}
	return nil
}
