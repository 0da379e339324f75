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

// Package configuration contains the configuration of the canary
// gate, read from the environment and an optional file
package configuration

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"sigs.k8s.io/yaml"

	"github.com/cloudnative-pg/canary-gate/pkg/gate"
	"github.com/cloudnative-pg/canary-gate/pkg/rollout"
	"github.com/cloudnative-pg/canary-gate/pkg/sampler"
	"github.com/cloudnative-pg/canary-gate/pkg/tunnel"
)

// EnvPrefix is the prefix of every environment variable, i.e.
// CANARY_DURATION_SECONDS
const EnvPrefix = "CANARY"

const (
	// DefaultPrometheusService is the service name the Prometheus
	// chart creates for its server
	DefaultPrometheusService = "p8s-prometheus-server"

	// DefaultMetric is the latency summary exposed by the
	// instrumented application
	DefaultMetric = "http_request_duration_microseconds"
)

// Data is the configuration of a gate run. The gate policy has
// no defaults and must always be set
type Data struct {
	// PrometheusService is the service exposing the Prometheus API
	PrometheusService string `json:"prometheusService" envconfig:"PROMETHEUS_SERVICE" default:"p8s-prometheus-server"`

	// PrometheusNamespace is the namespace of PrometheusService
	PrometheusNamespace string `json:"prometheusNamespace" envconfig:"PROMETHEUS_NAMESPACE" default:"default"`

	// PrometheusPort is the service port exposing the Prometheus API
	PrometheusPort int `json:"prometheusPort" envconfig:"PROMETHEUS_PORT" default:"80"`

	// LocalPort is the local end of the tunnel. When zero it's
	// derived from the gate identifier
	LocalPort int `json:"localPort" envconfig:"LOCAL_PORT"`

	// Metric is the latency metric name
	Metric string `json:"metric" envconfig:"METRIC" default:"http_request_duration_microseconds"`

	// Labels select the series of the metric, i.e. "app:canary-example-app"
	Labels map[string]string `json:"labels" envconfig:"LABELS"`

	// MetricKind is either "summary" or "histogram"
	MetricKind string `json:"metricKind" envconfig:"METRIC_KIND" default:"summary"`

	// RangeSeconds is the rate window of histogram metrics
	RangeSeconds int `json:"rangeSeconds" envconfig:"RANGE_SECONDS"`

	// UnitMicroseconds is the number of microseconds in one unit
	// of the metric
	UnitMicroseconds float64 `json:"unitMicroseconds" envconfig:"UNIT_MICROSECONDS" default:"1"`

	// DurationSeconds is the sampling window
	DurationSeconds int `json:"durationSeconds" envconfig:"DURATION_SECONDS"`

	// Quantile is the latency quantile to check
	Quantile float64 `json:"quantile" envconfig:"QUANTILE"`

	// ThresholdMicroseconds is the highest acceptable latency
	ThresholdMicroseconds int `json:"thresholdMicroseconds" envconfig:"THRESHOLD_MICROSECONDS"`

	// Annotation receives the decision on the staging deployment
	Annotation string `json:"annotation" envconfig:"ANNOTATION" default:"example.com/p90ResponseTime"`

	// StagingReplicas is the size of the staging ring once promoted
	StagingReplicas int32 `json:"stagingReplicas" envconfig:"STAGING_REPLICAS" default:"10"`

	// PromotionDelay is the minimum time between two promotions
	PromotionDelay time.Duration `json:"promotionDelay" envconfig:"PROMOTION_DELAY" default:"0s"`
}

// Load reads the configuration from the environment, then
// overlays the file at path, if any
func Load(path string) (*Data, error) {
	data := &Data{}
	if err := envconfig.Process(EnvPrefix, data); err != nil {
		return nil, fmt.Errorf("while reading the environment: %w", err)
	}

	if path == "" {
		return data, nil
	}

	content, err := os.ReadFile(path) // #nosec
	if err != nil {
		return nil, fmt.Errorf("while reading configuration file: %w", err)
	}
	if err := yaml.UnmarshalStrict(content, data); err != nil {
		return nil, fmt.Errorf("while parsing configuration file %s: %w", path, err)
	}
	return data, nil
}

// Policy is the gate policy
func (data *Data) Policy() gate.Policy {
	return gate.Policy{
		DurationSeconds:       data.DurationSeconds,
		Quantile:              data.Quantile,
		ThresholdMicroseconds: data.ThresholdMicroseconds,
	}
}

// Selector is the metric the gate reads
func (data *Data) Selector() sampler.Selector {
	return sampler.Selector{
		Metric:           data.Metric,
		Labels:           data.Labels,
		Kind:             sampler.Kind(data.MetricKind),
		RangeSeconds:     data.RangeSeconds,
		UnitMicroseconds: data.UnitMicroseconds,
	}
}

// TunnelSpec is the tunnel of the gate with the passed identifier
func (data *Data) TunnelSpec(gateID string) tunnel.Spec {
	localPort := data.LocalPort
	if localPort == 0 {
		localPort = tunnel.LocalPortFor(gateID)
	}
	return tunnel.Spec{
		ServiceName: data.PrometheusService,
		Namespace:   data.PrometheusNamespace,
		RemotePort:  data.PrometheusPort,
		LocalPort:   localPort,
	}
}

// PromoteOptions are the options applied to the staging deployment
func (data *Data) PromoteOptions(applyOnFailure bool) rollout.PromoteOptions {
	replicas := data.StagingReplicas
	return rollout.PromoteOptions{
		Annotation:     data.Annotation,
		Replicas:       &replicas,
		ApplyOnFailure: applyOnFailure,
	}
}

// Validate checks everything a gate run needs
func (data *Data) Validate(gateID string) error {
	if err := data.Policy().Validate(); err != nil {
		return err
	}
	if err := data.Selector().Validate(); err != nil {
		return err
	}
	return data.TunnelSpec(gateID).Validate()
}
