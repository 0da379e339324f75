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

package deferred

import (
	"context"
	"errors"
)

// PendingText is how a placeholder renders before its resolution
const PendingText = "<pending>"

// ErrUnbound is returned when resolving a placeholder that was not
// created by Value.AsValue
var ErrUnbound = errors.New("placeholder is not bound to a value")

// Placeholder is the string form of a deferred Value. Whoever reads
// it to apply a resource must call Resolve, and hold the application
// until it returns. The zero value is never ready
type Placeholder struct {
	done    <-chan struct{}
	resolve func(context.Context) (string, error)
}

// Ready is closed when Resolve would not block
func (p Placeholder) Ready() <-chan struct{} {
	return p.done
}

// Resolve waits for the underlying value and renders it
func (p Placeholder) Resolve(ctx context.Context) (string, error) {
	if p.resolve == nil {
		return "", ErrUnbound
	}
	return p.resolve(ctx)
}

// String renders the value if it's known, PendingText otherwise.
// It never blocks
func (p Placeholder) String() string {
	select {
	case <-p.done:
	default:
		return PendingText
	}

	value, err := p.resolve(context.Background())
	if err != nil {
		return "Error: " + err.Error()
	}
	return value
}
