// Copyright 2023 The gVisor Authors.
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

// Package prometheus exports metric snapshots in the Prometheus text
// exposition format.
package prometheus

import (
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/rangelock/pkg/metric"
)

// ExportOptions controls how samples are exported.
type ExportOptions struct {
	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string

	// SkipZero omits samples whose value is zero. A family with no
	// remaining samples is omitted entirely.
	SkipZero bool
}

// MetricName returns the Prometheus name of a metric registered as name,
// e.g. "/fs/lock/acquired" becomes prefix + "fs_lock_acquired".
func MetricName(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// Families groups samples into metric families, preserving sample order.
func Families(samples []metric.Sample, options ExportOptions) []*dto.MetricFamily {
	var families []*dto.MetricFamily
	byName := make(map[string]*dto.MetricFamily)
	for _, s := range samples {
		if options.SkipZero && s.Value == 0 {
			continue
		}
		name := MetricName(options.ExporterPrefix, s.Name)
		family, ok := byName[name]
		if !ok {
			typ := dto.MetricType_GAUGE
			if s.Cumulative {
				typ = dto.MetricType_COUNTER
			}
			help := s.Description
			if s.Nanoseconds {
				help += " (nanoseconds)"
			}
			family = &dto.MetricFamily{
				Name: proto.String(name),
				Help: proto.String(help),
				Type: typ.Enum(),
			}
			byName[name] = family
			families = append(families, family)
		}
		m := &dto.Metric{}
		for i, field := range s.FieldNames {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(field),
				Value: proto.String(s.Fields[i]),
			})
		}
		if s.Cumulative {
			m.Counter = &dto.Counter{Value: proto.Float64(float64(s.Value))}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(float64(s.Value))}
		}
		family.Metric = append(family.Metric, m)
	}
	return families
}

// Write writes samples to w in the Prometheus text format. It returns the
// number of bytes written.
func Write(w io.Writer, samples []metric.Sample, options ExportOptions) (int, error) {
	total := 0
	for _, family := range Families(samples, options) {
		n, err := expfmt.MetricFamilyToText(w, family)
		total += n
		if err != nil {
			return total, fmt.Errorf("writing metric %q: %w", family.GetName(), err)
		}
	}
	return total, nil
}

// Parse reads metric families in the Prometheus text format.
func Parse(r io.Reader) (map[string]*dto.MetricFamily, error) {
	return (&expfmt.TextParser{}).TextToMetricFamilies(r)
}

// Integer returns the value of the sample of metric name whose labels match
// wantLabels exactly.
func Integer(families map[string]*dto.MetricFamily, name string, wantLabels map[string]string) (int64, error) {
	family, ok := families[name]
	if !ok {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, m := range family.GetMetric() {
		if len(m.GetLabel()) != len(wantLabels) {
			continue
		}
		match := true
		for _, label := range m.GetLabel() {
			if v, ok := wantLabels[label.GetName()]; !ok || v != label.GetValue() {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		switch family.GetType() {
		case dto.MetricType_COUNTER:
			return int64(m.GetCounter().GetValue()), nil
		case dto.MetricType_GAUGE:
			return int64(m.GetGauge().GetValue()), nil
		default:
			return 0, fmt.Errorf("metric %q has unsupported type %v", name, family.GetType())
		}
	}
	return 0, fmt.Errorf("metric %q has no sample with labels %v", name, wantLabels)
}
