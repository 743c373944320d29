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

// Package metric provides primitives for collecting metrics and exporting them
// in the Prometheus text format.
package metric

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Namespace prefixes every exported metric name.
const Namespace = "sharedregion"

// Field contains the field name and allowed values for a metric with a
// single label.
type Field struct {
	// Name is the label name.
	Name string

	// AllowedValues lists every value the label may take.
	AllowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{Name: name, AllowedValues: allowedValues}
}

// kind selects the Prometheus type a metric is exported as.
type kind int

const (
	kindCounter kind = iota
	kindGauge
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. Counters only move up; gauges may also move down via
// Decrement.
type Uint64Metric struct {
	name        string
	description string
	kind        kind

	// field is nil for metrics without labels.
	field *Field

	// values holds one counter per allowed field value, or a single counter
	// if the metric has no field.
	values []atomic.Uint64

	desc *prometheus.Desc
}

// allMetrics are the registered metrics, keyed by name.
var allMetrics = struct {
	mu sync.Mutex
	m  map[string]*Uint64Metric
}{m: make(map[string]*Uint64Metric)}

func newMetric(name, description string, k kind, fields ...Field) (*Uint64Metric, error) {
	if len(fields) > 1 {
		return nil, fmt.Errorf("metric %q: at most one field is supported, got %d", name, len(fields))
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		kind:        k,
		values:      make([]atomic.Uint64, 1),
	}
	var labels []string
	if len(fields) == 1 {
		f := fields[0]
		if len(f.AllowedValues) == 0 {
			return nil, fmt.Errorf("metric %q: field %q has no allowed values", name, f.Name)
		}
		m.field = &f
		m.values = make([]atomic.Uint64, len(f.AllowedValues))
		labels = []string{f.Name}
	}
	m.desc = prometheus.NewDesc(prometheus.BuildFQName(Namespace, "", name), description, labels, nil)

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.m[name]; ok {
		return nil, fmt.Errorf("metric %q already registered", name)
	}
	allMetrics.m[name] = m
	return m, nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	return newMetric(name, description, kindCounter, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// MustCreateNewUint64Gauge creates and registers a metric exported as a gauge,
// panicking on error.
func MustCreateNewUint64Gauge(name, description string) *Uint64Metric {
	m, err := newMetric(name, description, kindGauge)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

func (m *Uint64Metric) index(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric %q has no fields, got %v", m.name, fieldValues))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric %q takes one field value, got %v", m.name, fieldValues))
	}
	for i, v := range m.field.AllowedValues {
		if v == fieldValues[0] {
			return i
		}
	}
	panic(fmt.Sprintf("metric %q: value %q not allowed for field %q", m.name, fieldValues[0], m.field.Name))
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.index(fieldValues)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(v)
}

// Decrement decrements a gauge by 1.
func (m *Uint64Metric) Decrement(fieldValues ...string) {
	if m.kind != kindGauge {
		panic(fmt.Sprintf("Decrement on counter %q", m.name))
	}
	m.values[m.index(fieldValues)].Add(^uint64(0))
}

// collector adapts allMetrics to prometheus.Collector.
type collector struct{}

// Describe implements prometheus.Collector.Describe.
func (collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range sortedMetrics() {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.Collect.
func (collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range sortedMetrics() {
		vt := prometheus.CounterValue
		if m.kind == kindGauge {
			vt = prometheus.GaugeValue
		}
		if m.field == nil {
			ch <- prometheus.MustNewConstMetric(m.desc, vt, float64(m.values[0].Load()))
			continue
		}
		for i, v := range m.field.AllowedValues {
			ch <- prometheus.MustNewConstMetric(m.desc, vt, float64(m.values[i].Load()), v)
		}
	}
}

func sortedMetrics() []*Uint64Metric {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	ms := make([]*Uint64Metric, 0, len(allMetrics.m))
	for _, m := range allMetrics.m {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	return ms
}

// Gatherer returns a prometheus.Gatherer over all registered metrics.
func Gatherer() (prometheus.Gatherer, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector{}); err != nil {
		return nil, err
	}
	return reg, nil
}

// WriteText writes every registered metric to w in the Prometheus text
// exposition format.
func WriteText(w io.Writer) error {
	g, err := Gatherer()
	if err != nil {
		return err
	}
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
