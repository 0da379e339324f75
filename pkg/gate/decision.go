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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cloudnative-pg/canary-gate/pkg/sampler"
)

// Outcome is the kind of a gate decision
type Outcome string

const (
	// OutcomePass means the quantile was within the threshold
	OutcomePass Outcome = "Pass"

	// OutcomeFail means the quantile exceeded the threshold
	OutcomeFail Outcome = "Fail"

	// OutcomeError means the quantile could not be evaluated
	OutcomeError Outcome = "Error"
)

// Decision is the terminal value of a gate
type Decision struct {
	Outcome Outcome

	// Reason explains a Fail outcome
	Reason string

	// Cause is set for an Error outcome
	Cause error

	// Sample is the reading the decision was taken on, nil
	// for an Error outcome
	Sample *sampler.Sample
}

// Passed returns true if the rollout can go on
func (decision Decision) Passed() bool {
	return decision.Outcome == OutcomePass
}

// String renders the decision the way it's stored in annotations
func (decision Decision) String() string {
	switch decision.Outcome {
	case OutcomePass:
		return string(OutcomePass)
	case OutcomeFail:
		return fmt.Sprintf("%s: %s", OutcomeFail, decision.Reason)
	default:
		cause := "unknown error"
		if decision.Cause != nil {
			cause = decision.Cause.Error()
		}
		return fmt.Sprintf("%s: %s", OutcomeError, cause)
	}
}

type decisionJSON struct {
	Outcome           Outcome  `json:"outcome"`
	Reason            string   `json:"reason,omitempty"`
	Cause             string   `json:"cause,omitempty"`
	ValueMicroseconds *float64 `json:"valueMicroseconds,omitempty"`
	Timestamp         string   `json:"timestamp,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (decision Decision) MarshalJSON() ([]byte, error) {
	out := decisionJSON{
		Outcome: decision.Outcome,
		Reason:  decision.Reason,
	}
	if decision.Cause != nil {
		out.Cause = decision.Cause.Error()
	}
	if decision.Sample != nil {
		value := decision.Sample.ValueMicroseconds
		out.ValueMicroseconds = &value
		out.Timestamp = decision.Sample.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(out)
}

func passDecision(sample sampler.Sample) Decision {
	return Decision{Outcome: OutcomePass, Sample: &sample}
}

func failDecision(sample sampler.Sample, policy Policy) Decision {
	return Decision{
		Outcome: OutcomeFail,
		Reason: fmt.Sprintf("p%s = %sus > threshold %dus",
			percentile(policy.Quantile),
			strconv.FormatFloat(sample.ValueMicroseconds, 'f', -1, 64),
			policy.ThresholdMicroseconds),
		Sample: &sample,
	}
}

func errorDecision(cause error) Decision {
	return Decision{Outcome: OutcomeError, Cause: cause}
}

// percentile renders 0.9 as "90" and 0.999 as "99.9"
func percentile(quantile float64) string {
	return strconv.FormatFloat(math.Round(quantile*1e6)/1e4, 'f', -1, 64)
}
