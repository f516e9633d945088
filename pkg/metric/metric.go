// Copyright 2018 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"gvisor.dev/rangelock/pkg/log"
	"gvisor.dev/rangelock/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrInvalidName indicates that a metric name does not start with '/'.
	ErrInvalidName = errors.New("metric name must start with '/'")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// maxFieldCombinations bounds the counters allocated for one metric.
const maxFieldCombinations = 1024

// Units describes the unit of a metric value.
type Units int

// Units supported by metrics.
const (
	UnitsNone Units = iota
	UnitsNanoseconds
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper provides multi-dimensional fields to a single unique integer key.
type fieldMapper struct {
	// fields is a list of Field objects, which importantly include
	// individual Field names which are used to perform the keyToMultiField
	// function.
	fields []Field

	// keys maps a concatenation of field values to an index.
	keys map[string]int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	m := fieldMapper{fields: fields, keys: make(map[string]int)}
	combos := [][]string{nil}
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		var next [][]string
		for _, prefix := range combos {
			for _, v := range f.allowedValues {
				next = append(next, append(append([]string(nil), prefix...), v))
			}
		}
		if len(next) > maxFieldCombinations {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
		combos = next
	}
	for i, c := range combos {
		m.keys[strings.Join(c, "\x00")] = i
	}
	return m, nil
}

// lookup returns the index of the given field values. It panics if the
// values were not declared as allowed.
func (m fieldMapper) lookup(fieldValues ...string) int {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("invalid field count: got %d want %d", len(fieldValues), len(m.fields)))
	}
	key, ok := m.keys[strings.Join(fieldValues, "\x00")]
	if !ok {
		panic(fmt.Sprintf("invalid field values %v", fieldValues))
	}
	return key
}

func (m fieldMapper) numKeys() int {
	return len(m.keys)
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	values := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		n := len(m.fields[i].allowedValues)
		values[i] = m.fields[i].allowedValues[key%n]
		key /= n
	}
	return values
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// fields is the map of field-value combination index keys to Uint64 counters.
	fields []atomic.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

type metricMetadata struct {
	name        string
	description string
	cumulative  bool
	sync        bool
	units       Units
}

type customUint64Metric struct {
	// metadata describes the metric. It is immutable.
	metadata metricMetadata

	// mapper enumerates the field combinations of the metric.
	mapper fieldMapper

	// value returns the current value of the metric for the given set of
	// fields. It takes a variadic number of field values as argument.
	value func(fieldValues ...string) uint64
}

type metricSet struct {
	uint64Metrics map[string]customUint64Metric
}

func makeMetricSet() *metricSet {
	return &metricSet{uint64Metrics: make(map[string]customUint64Metric)}
}

var (
	// mu protects the registry below.
	mu sync.Mutex

	// initialized indicates that all metrics are registered. allMetrics is
	// immutable once initialized is true.
	initialized bool

	// allMetrics are the registered metrics.
	allMetrics = makeMetricSet()
)

// Initialize marks registration complete and logs the registered metrics.
//
// Precondition:
//   - All metrics are registered.
//   - Initialize/Disable has not been called.
func Initialize() error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return errors.New("metric.Initialize called after metric.Initialize or metric.Disable")
	}
	initialized = true
	log.Debugf("Registered %d metrics", len(allMetrics.uint64Metrics))
	return nil
}

// Disable marks registration complete without exporting anything.
func Disable() error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return errors.New("metric.Disable called after metric.Initialize or metric.Disable")
	}
	allMetrics = makeMetricSet()
	initialized = true
	return nil
}

// RegisterCustomUint64Metric registers a metric with the given name.
//
// Register must only be called at init and will return and error if called
// after Initialized.
//
// Preconditions:
//   - name must be globally unique.
//   - Initialize/Disable have not been called.
//   - value is expected to accept exactly len(fields) arguments.
func RegisterCustomUint64Metric(name string, cumulative, sync bool, units Units, description string, value func(...string) uint64, fields ...Field) error {
	if !strings.HasPrefix(name, "/") {
		return ErrInvalidName
	}
	mapper, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return ErrInitializationDone
	}
	if _, ok := allMetrics.uint64Metrics[name]; ok {
		return ErrNameInUse
	}
	allMetrics.uint64Metrics[name] = customUint64Metric{
		metadata: metricMetadata{
			name:        name,
			description: description,
			cumulative:  cumulative,
			sync:        sync,
			units:       units,
		},
		mapper: mapper,
		value:  value,
	}
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, sync bool, units Units, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := Uint64Metric{
		fieldMapper: f,
		fields:      make([]atomic.Uint64, f.numKeys()),
	}
	return &m, RegisterCustomUint64Metric(name, true /* cumulative */, sync, units, description, m.Value, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, sync bool, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, sync, UnitsNone, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// MustCreateNewUint64NanosecondsMetric calls NewUint64Metric and panics if it
// returns an error.
func MustCreateNewUint64NanosecondsMetric(name string, sync bool, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, sync, UnitsNanoseconds, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Sample is the value of one metric for one combination of field values.
type Sample struct {
	Name        string
	Description string
	Cumulative  bool
	FieldNames  []string
	Fields      []string
	Nanoseconds bool
	Value       uint64
}

// Values returns a snapshot of every registered metric, sorted by name and
// then by field combination.
func Values() []Sample {
	mu.Lock()
	metrics := make([]customUint64Metric, 0, len(allMetrics.uint64Metrics))
	for _, m := range allMetrics.uint64Metrics {
		metrics = append(metrics, m)
	}
	mu.Unlock()

	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].metadata.name < metrics[j].metadata.name
	})
	var samples []Sample
	for _, m := range metrics {
		var names []string
		for _, f := range m.mapper.fields {
			names = append(names, f.name)
		}
		for key := 0; key < m.mapper.numKeys(); key++ {
			fields := m.mapper.keyToMultiField(key)
			samples = append(samples, Sample{
				Name:        m.metadata.name,
				Description: m.metadata.description,
				Cumulative:  m.metadata.cumulative,
				FieldNames:  names,
				Fields:      fields,
				Nanoseconds: m.metadata.units == UnitsNanoseconds,
				Value:       m.value(fields...),
			})
		}
	}
	return samples
}
