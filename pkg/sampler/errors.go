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

	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
)

var (
	// ErrUnreachable is raised when the server cannot be contacted or
	// answers with a server-side failure. It is transient
	ErrUnreachable = errors.New("metrics server unreachable")

	// ErrBadResponse is raised when the server has no usable data yet.
	// It is transient
	ErrBadResponse = errors.New("bad response from metrics server")

	// ErrParse is raised when the response does not have the expected
	// single-scalar shape, or the query itself is rejected. It is fatal
	ErrParse = errors.New("cannot parse metrics response")
)

// IsTransient returns true when the error is worth retrying on the
// next poll
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrBadResponse)
}

// classifyQueryError maps an error returned by the Prometheus API
// client into our taxonomy
func classifyQueryError(err error) error {
	var apiErr *promv1.Error
	if !errors.As(err, &apiErr) {
		// transport level failure
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	switch apiErr.Type {
	case promv1.ErrServer, promv1.ErrTimeout, promv1.ErrCanceled:
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	case promv1.ErrBadResponse, promv1.ErrExec:
		return fmt.Errorf("%w: %w", ErrBadResponse, err)
	default:
		// ErrBadData and ErrClient: the query or the endpoint are wrong,
		// retrying won't help
		return fmt.Errorf("%w: %w", ErrParse, err)
	}
}
