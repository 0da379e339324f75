/*
Copyright © contributors to CloudNativePG, established as
CloudNativePG a Series of LF Projects, LLC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package metrics contains the Prometheus metrics describing the
// activity of canary gates
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudnative-pg/canary-gate/pkg/gate"
	"github.com/cloudnative-pg/canary-gate/pkg/sampler"
)

// PrometheusNamespace is the namespace of every metric
const PrometheusNamespace = "canary_gate"

// Recorder collects the gate metrics. It implements gate.Recorder
type Recorder struct {
	// DecisionsTotal counts the decisions by outcome
	DecisionsTotal *prometheus.CounterVec

	// SamplesTotal counts the successful samples of each gate
	SamplesTotal *prometheus.CounterVec

	// LastSample is the last quantile read by each gate
	LastSample *prometheus.GaugeVec
}

// NewRecorder creates the gate metrics and registers them
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	recorder := &Recorder{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: PrometheusNamespace,
				Name:      "decisions_total",
				Help:      "Total number of gate decisions by outcome",
			},
			[]string{"gate", "outcome"},
		),
		SamplesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: PrometheusNamespace,
				Name:      "samples_total",
				Help:      "Total number of successful latency samples",
			},
			[]string{"gate"},
		),
		LastSample: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: PrometheusNamespace,
				Name:      "last_sample_microseconds",
				Help:      "Last latency quantile read, in microseconds",
			},
			[]string{"gate"},
		),
	}

	registerer.MustRegister(
		recorder.DecisionsTotal,
		recorder.SamplesTotal,
		recorder.LastSample,
	)
	return recorder
}

// ObserveSample records a successful sample
func (recorder *Recorder) ObserveSample(gateID string, sample sampler.Sample) {
	recorder.SamplesTotal.WithLabelValues(gateID).Inc()
	recorder.LastSample.WithLabelValues(gateID).Set(sample.ValueMicroseconds)
}

// ObserveDecision records a gate decision
func (recorder *Recorder) ObserveDecision(gateID string, decision gate.Decision) {
	recorder.DecisionsTotal.WithLabelValues(gateID, string(decision.Outcome)).Inc()
}
