// Copyright 2024 The Relier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines and implements a generic interface to interact with
// metrics. It supports labels and the core metric types (counter, gauge,
// histogram). All functions in this package are nil-safe: calls on a nil
// metric are no-ops. This allows synthesizing metrics lazily and leaving them
// unset in tests.
package metrics

// Counter describes an entity that can be incremented.
type Counter interface {
	// With returns a counter restricted to the given label values.
	With(labelValues ...string) Counter
	// Add increases the counter by the given value.
	Add(delta float64)
}

// Gauge describes an entity whose value can be set and changed.
type Gauge interface {
	// With returns a gauge restricted to the given label values.
	With(labelValues ...string) Gauge
	// Set sets the gauge to the given value.
	Set(value float64)
	// Add increases the gauge by the given value.
	Add(delta float64)
}

// Histogram describes an entity that can record observations.
type Histogram interface {
	// With returns a histogram restricted to the given label values.
	With(labelValues ...string) Histogram
	// Observe records the given observation.
	Observe(value float64)
}

// CounterWith returns a counter restricted to the given label values. If c is
// nil, nil is returned.
func CounterWith(c Counter, labelValues ...string) Counter {
	if c == nil {
		return nil
	}
	return c.With(labelValues...)
}

// CounterAdd increases the passed in counter by the amount specified. This is
// a no-op if c is nil.
func CounterAdd(c Counter, delta float64) {
	if c != nil {
		c.Add(delta)
	}
}

// CounterInc increases the passed in counter by 1. This is a no-op if c is
// nil.
func CounterInc(c Counter) {
	CounterAdd(c, 1)
}

// GaugeWith returns a gauge restricted to the given label values. If g is
// nil, nil is returned.
func GaugeWith(g Gauge, labelValues ...string) Gauge {
	if g == nil {
		return nil
	}
	return g.With(labelValues...)
}

// GaugeSet sets the passed in gauge to the value specified. This is a no-op
// if g is nil.
func GaugeSet(g Gauge, value float64) {
	if g != nil {
		g.Set(value)
	}
}

// GaugeAdd increases the passed in gauge by the amount specified. This is a
// no-op if g is nil.
func GaugeAdd(g Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
	}
}

// HistogramObserve records the observation on the histogram. This is a no-op
// if h is nil.
func HistogramObserve(h Histogram, value float64) {
	if h != nil {
		h.Observe(value)
	}
}
