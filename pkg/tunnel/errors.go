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

package tunnel

import (
	"errors"
	"fmt"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

var (
	// ErrConnection is raised when the remote service cannot be resolved
	// or the forwarding session cannot be established
	ErrConnection = errors.New("connection error")

	// ErrBind is raised when the local port is not available
	ErrBind = errors.New("bind error")

	// ErrAuth is raised when the cluster rejects the credentials
	ErrAuth = errors.New("authentication error")

	// ErrClosed is raised when a closed tunnel is used
	ErrClosed = errors.New("tunnel is closed")

	// ErrAlreadyOpen is raised when Open is called on a manager
	// already owning a live tunnel
	ErrAlreadyOpen = errors.New("tunnel is already open")
)

// classifyAPIError wraps an error returned by the API server into the
// tunnel error taxonomy
func classifyAPIError(err error, operation string) error {
	if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
		return fmt.Errorf("%w: while %s: %w", ErrAuth, operation, err)
	}
	return fmt.Errorf("%w: while %s: %w", ErrConnection, operation, err)
}

// classifyForwardError wraps an error returned by the port forwarder.
// The forwarder reports everything as plain strings, so we have to
// look at the message
func classifyForwardError(err error) error {
	if err == nil {
		return fmt.Errorf("%w: port-forward terminated before being ready", ErrConnection)
	}

	if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to listen"):
		return fmt.Errorf("%w: %w", ErrBind, err)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"):
		return fmt.Errorf("%w: %w", ErrAuth, err)
	default:
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
}
