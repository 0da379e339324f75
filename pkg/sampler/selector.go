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

package sampler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/prometheus/common/model"
)

// Kind is the type of metric the quantile is read from
type Kind string

const (
	// KindSummary is a summary exposing precomputed quantiles
	// through the "quantile" label
	KindSummary Kind = "summary"

	// KindHistogram is a histogram whose quantile is estimated
	// server-side from the "_bucket" series
	KindHistogram Kind = "histogram"
)

// defaultRangeSeconds is the rate window used for histograms
// when none is specified
const defaultRangeSeconds = 60

var (
	metricNameRegexp = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)
	labelNameRegexp  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Selector identifies the latency metric to sample
type Selector struct {
	// Metric is the metric name, without the "_bucket" suffix
	// for histograms
	Metric string `json:"metric"`

	// Labels are matched exactly
	Labels map[string]string `json:"labels,omitempty"`

	// Kind defaults to KindSummary
	Kind Kind `json:"kind,omitempty"`

	// RangeSeconds is the rate window of histogram queries
	RangeSeconds int `json:"rangeSeconds,omitempty"`

	// UnitMicroseconds is the number of microseconds in one unit of
	// the metric: 1 for metrics in microseconds, 1e6 for seconds.
	// Defaults to 1
	UnitMicroseconds float64 `json:"unitMicroseconds,omitempty"`
}

// Validate checks the selector
func (selector Selector) Validate() error {
	if !metricNameRegexp.MatchString(selector.Metric) {
		return fmt.Errorf("invalid metric name %q", selector.Metric)
	}
	for name := range selector.Labels {
		if !labelNameRegexp.MatchString(name) {
			return fmt.Errorf("invalid label name %q", name)
		}
	}
	switch selector.Kind {
	case "", KindSummary, KindHistogram:
	default:
		return fmt.Errorf("unknown metric kind %q", selector.Kind)
	}
	if selector.RangeSeconds < 0 {
		return errors.New("range must not be negative")
	}
	if selector.UnitMicroseconds < 0 {
		return errors.New("unit must not be negative")
	}
	return nil
}

// Expression builds the PromQL expression returning the requested
// quantile as a single series
func (selector Selector) Expression(quantile float64) (string, error) {
	if err := selector.Validate(); err != nil {
		return "", err
	}
	if !(quantile > 0 && quantile < 1) {
		return "", fmt.Errorf("quantile %v is not in (0, 1)", quantile)
	}

	matchers := make(model.LabelSet, len(selector.Labels)+1)
	for name, value := range selector.Labels {
		matchers[model.LabelName(name)] = model.LabelValue(value)
	}
	formattedQuantile := strconv.FormatFloat(quantile, 'f', -1, 64)

	switch selector.Kind {
	case KindHistogram:
		rangeSeconds := selector.RangeSeconds
		if rangeSeconds == 0 {
			rangeSeconds = defaultRangeSeconds
		}
		return fmt.Sprintf("histogram_quantile(%s, sum by (le) (rate(%s_bucket%s[%ds])))",
			formattedQuantile, selector.Metric, matchers, rangeSeconds), nil

	default:
		matchers[model.QuantileLabel] = model.LabelValue(formattedQuantile)
		return fmt.Sprintf("max(%s%s)", selector.Metric, matchers), nil
	}
}

func (selector Selector) unit() float64 {
	if selector.UnitMicroseconds == 0 {
		return 1
	}
	return selector.UnitMicroseconds
}
