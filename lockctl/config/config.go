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

// Package config provides basic infrastructure to set configuration settings
// for lockctl. Settings come from a TOML file and can be overridden with
// command line flags.
package config

import (
	"flag"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/rangelock/pkg/log"
	"gvisor.dev/rangelock/pkg/sentry/fs/lock"
)

// Config holds configuration that is not part of a scenario. Fields tagged
// with `flag` can be set from the command line; fields tagged with `toml`
// can be set from the configuration file.
type Config struct {
	// Buckets is the number of lock table shards.
	Buckets int `toml:"buckets" flag:"buckets"`

	// Policy is the queued request policy: best-effort or strict-fifo.
	Policy string `toml:"policy" flag:"policy"`

	MaxPendingPerFile  int `toml:"max_pending_per_file" flag:"max-pending-per-file"`
	MaxPendingPerOwner int `toml:"max_pending_per_owner" flag:"max-pending-per-owner"`

	// LogFilename is the file logs are written to. Logs go to stderr if
	// empty.
	LogFilename string `toml:"log" flag:"log"`

	// LogFormat is the log format: text, json, json-k8s or logrus.
	LogFormat string `toml:"log_format" flag:"log-format"`

	// Debug enables debug logging.
	Debug bool `toml:"debug" flag:"debug"`

	// Owners are named owners that scenarios may refer to by name instead
	// of by number.
	Owners map[string]uint64 `toml:"owners"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.Int("buckets", lock.DefaultBuckets, "number of lock table shards, rounded up to a power of two.")
	flagSet.String("policy", lock.BestEffort.String(), "queued request policy: best-effort (default) or strict-fifo.")
	flagSet.Int("max-pending-per-file", 0, "maximum number of queued requests per file. 0 means unbounded.")
	flagSet.Int("max-pending-per-owner", 0, "maximum number of queued requests per owner. 0 means unbounded.")
	flagSet.String("log", "", "file path where logs are written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default), json, json-k8s, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
}

// Default returns the configuration used when no file and no flags are
// given.
func Default() *Config {
	flagSet := flag.NewFlagSet("default", flag.ContinueOnError)
	RegisterFlags(flagSet)
	conf := &Config{}
	forEachFlagField(conf, func(name string, field reflect.Value) {
		field.Set(reflect.ValueOf(flagSet.Lookup(name).Value.(flag.Getter).Get()))
	})
	return conf
}

// Load reads a TOML configuration file. Settings missing from the file keep
// their default value.
func Load(path string) (*Config, error) {
	conf := Default()
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown settings in config %q: %v", path, undecoded)
	}
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return conf, nil
}

// NewFromFlags returns a copy of base with the flags explicitly set in
// flagSet applied to it. base is not modified.
func NewFromFlags(flagSet *flag.FlagSet, base *Config) (*Config, error) {
	conf := deepcopy.Copy(base).(*Config)

	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })

	forEachFlagField(conf, func(name string, field reflect.Value) {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !set[name] {
			return
		}
		field.Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	})

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// forEachFlagField calls fn for every field of conf tagged with a flag name.
func forEachFlagField(conf *Config, fn func(name string, field reflect.Value)) {
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fn(name, obj.Field(i))
	}
}

func (c *Config) validate() error {
	if c.Buckets < 0 {
		return fmt.Errorf("buckets must be positive, got %d", c.Buckets)
	}
	if c.MaxPendingPerFile < 0 || c.MaxPendingPerOwner < 0 {
		return fmt.Errorf("pending request limits cannot be negative")
	}
	if _, err := lock.ParsePolicy(c.Policy); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json", "json-k8s", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', 'json-k8s', or 'logrus'", c.LogFormat)
	}
	for name := range c.Owners {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("owner names cannot be empty")
		}
	}
	return nil
}

// LockOptions converts the configuration to lock manager options.
func (c *Config) LockOptions() (lock.Options, error) {
	policy, err := lock.ParsePolicy(c.Policy)
	if err != nil {
		return lock.Options{}, err
	}
	return lock.Options{
		Buckets:            c.Buckets,
		Policy:             policy,
		MaxPendingPerFile:  c.MaxPendingPerFile,
		MaxPendingPerOwner: c.MaxPendingPerOwner,
	}, nil
}

// Write encodes the configuration as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Buckets: %d", c.Buckets)
	log.Infof("Config.Policy: %s", c.Policy)
	log.Infof("Config.MaxPendingPerFile: %d", c.MaxPendingPerFile)
	log.Infof("Config.MaxPendingPerOwner: %d", c.MaxPendingPerOwner)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.Owners: %v", c.Owners)
}
