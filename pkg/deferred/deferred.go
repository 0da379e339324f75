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

// Package deferred contains a single-resolution value, computed in the
// background, that can be embedded in a resource declaration whose
// application must wait for it
package deferred

import (
	"context"
	"errors"
	"fmt"
)

// ErrPanic is raised when the computation panics
var ErrPanic = errors.New("computation panicked")

// State is the resolution state of a Value
type State string

const (
	// StatePending means the computation is still running
	StatePending State = "Pending"

	// StateResolved means the computation returned a value
	StateResolved State = "Resolved"

	// StateRejected means the computation returned an error
	StateRejected State = "Rejected"
)

// Value is the result of a computation running in its own goroutine.
// It resolves exactly once, and every observer sees the same outcome
type Value[T any] struct {
	// done is closed after value and err are written
	done  chan struct{}
	value T
	err   error
}

// New starts compute in a new goroutine and returns immediately.
// The context is handed to compute, so cancelling it is how the
// computation gets torn down
func New[T any](ctx context.Context, compute func(context.Context) (T, error)) *Value[T] {
	v := &Value[T]{done: make(chan struct{})}
	go v.run(ctx, compute)
	return v
}

// Resolved returns a Value that is already resolved
func Resolved[T any](value T) *Value[T] {
	v := &Value[T]{done: make(chan struct{}), value: value}
	close(v.done)
	return v
}

func (v *Value[T]) run(ctx context.Context, compute func(context.Context) (T, error)) {
	defer close(v.done)
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v.value = zero
			v.err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	v.value, v.err = compute(ctx)
}

// Get waits for the resolution and returns the outcome. If ctx is done
// first, only the caller stops waiting: the computation goes on
func (v *Value[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-v.done:
		return v.value, v.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed when the value is resolved or rejected
func (v *Value[T]) Done() <-chan struct{} {
	return v.done
}

// State returns the current state without blocking
func (v *Value[T]) State() State {
	select {
	case <-v.done:
		if v.err != nil {
			return StateRejected
		}
		return StateResolved
	default:
		return StatePending
	}
}

// AsValue returns a placeholder to be embedded where a string is
// expected, e.g. an annotation
func (v *Value[T]) AsValue() Placeholder {
	return Placeholder{
		done: v.done,
		resolve: func(ctx context.Context) (string, error) {
			value, err := v.Get(ctx)
			if err != nil {
				return "", err
			}
			return render(value), nil
		},
	}
}

func render(value any) string {
	if stringer, ok := value.(fmt.Stringer); ok {
		return stringer.String()
	}
	return fmt.Sprint(value)
}
