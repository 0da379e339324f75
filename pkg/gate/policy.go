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

package gate

import (
	"errors"
	"fmt"
	"time"
)

const (
	// maxPollInterval is the longest wait between two queries
	maxPollInterval = 5 * time.Second

	// pollFraction is the minimum number of polls in a window
	pollFraction = 10

	// openTimeout bounds the time spent waiting for the tunnel
	openTimeout = 30 * time.Second
)

// Policy fully determines the behavior of a gate
type Policy struct {
	// DurationSeconds is the length of the sampling window
	DurationSeconds int `json:"durationSeconds"`

	// Quantile is the latency quantile to read, in (0, 1)
	Quantile float64 `json:"quantile"`

	// ThresholdMicroseconds is the highest acceptable value for the quantile
	ThresholdMicroseconds int `json:"thresholdMicroseconds"`
}

// Validate checks the policy, reporting every invalid field
func (policy Policy) Validate() error {
	var errs []error
	if policy.DurationSeconds <= 0 {
		errs = append(errs, fmt.Errorf("durationSeconds must be positive, got %d", policy.DurationSeconds))
	}
	if !(policy.Quantile > 0 && policy.Quantile < 1) {
		errs = append(errs, fmt.Errorf("quantile must be in (0, 1), got %v", policy.Quantile))
	}
	if policy.ThresholdMicroseconds <= 0 {
		errs = append(errs, fmt.Errorf("thresholdMicroseconds must be positive, got %d",
			policy.ThresholdMicroseconds))
	}
	return errors.Join(errs...)
}

// Duration is the length of the sampling window
func (policy Policy) Duration() time.Duration {
	return time.Duration(policy.DurationSeconds) * time.Second
}

// PollInterval is the time between two consecutive queries
func (policy Policy) PollInterval() time.Duration {
	return min(maxPollInterval, policy.Duration()/pollFraction)
}
