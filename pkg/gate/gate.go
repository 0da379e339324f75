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

// Package gate contains the canary gate: it samples a latency quantile
// through a tunnel for a time window, and turns the last reading into
// a pass/fail decision
package gate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/cloudnative-pg/canary-gate/pkg/deferred"
	"github.com/cloudnative-pg/canary-gate/pkg/sampler"
	"github.com/cloudnative-pg/canary-gate/pkg/tunnel"
)

var (
	// ErrNoData is the cause of an Error decision when the window
	// elapsed without a single successful sample
	ErrNoData = errors.New("no data: the window elapsed without a successful sample")

	// ErrAlreadyStarted is returned when a gate is started twice
	ErrAlreadyStarted = errors.New("gate already started")
)

// State is the phase a gate is in
type State string

const (
	// StateIdle is the state of a gate that has not been started
	StateIdle State = "Idle"

	// StateWaitingForTunnel is the state while the tunnel is opening
	StateWaitingForTunnel State = "WaitingForTunnel"

	// StateSampling is the state while the quantile is being polled
	StateSampling State = "Sampling"

	// StateEvaluating is the state while the last reading is compared
	// with the threshold
	StateEvaluating State = "Evaluating"

	// StatePassed is a terminal state
	StatePassed State = "Passed"

	// StateFailed is a terminal state
	StateFailed State = "Failed"

	// StateErrored is a terminal state
	StateErrored State = "Errored"
)

// IsTerminal returns true for the states a gate never leaves
func (state State) IsTerminal() bool {
	return state == StatePassed || state == StateFailed || state == StateErrored
}

// Tunnel is an open connection to the metrics server
type Tunnel interface {
	Addr() (string, int, error)
	Close() error
}

// TunnelOpener opens the tunnel the gate samples through
type TunnelOpener interface {
	Open(ctx context.Context) (Tunnel, error)
}

// Sampler reads the latency quantile
type Sampler interface {
	Query(ctx context.Context, addr string, selector sampler.Selector, quantile float64) (sampler.Sample, error)
}

// Recorder is notified of the gate activity
type Recorder interface {
	ObserveSample(gateID string, sample sampler.Sample)
	ObserveDecision(gateID string, decision Decision)
}

type managedTunnel struct {
	manager *tunnel.Manager
}

// ManagedTunnel adapts a tunnel manager to be used by a gate
func ManagedTunnel(manager *tunnel.Manager) TunnelOpener {
	return managedTunnel{manager: manager}
}

func (opener managedTunnel) Open(ctx context.Context) (Tunnel, error) {
	handle, err := opener.manager.Open(ctx)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Gate is a canary gate. A gate runs once
type Gate struct {
	id       string
	opener   TunnelOpener
	sampler  Sampler
	selector sampler.Selector
	policy   Policy
	clock    clock.Clock
	recorder Recorder

	m       sync.Mutex
	state   State
	started bool
}

// Option configures a gate
type Option func(*Gate)

// WithID sets the identifier used in logs and metrics. Defaults
// to a random UUID
func WithID(id string) Option {
	return func(gate *Gate) {
		gate.id = id
	}
}

// WithClock replaces the real clock
func WithClock(c clock.Clock) Option {
	return func(gate *Gate) {
		gate.clock = c
	}
}

// WithRecorder sets the recorder notified of samples and decisions
func WithRecorder(recorder Recorder) Option {
	return func(gate *Gate) {
		gate.recorder = recorder
	}
}

// New creates a new gate
func New(
	opener TunnelOpener,
	querier Sampler,
	selector sampler.Selector,
	policy Policy,
	opts ...Option,
) *Gate {
	gate := &Gate{
		id:       uuid.NewString(),
		opener:   opener,
		sampler:  querier,
		selector: selector,
		policy:   policy,
		clock:    clock.RealClock{},
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(gate)
	}
	return gate
}

// ID is the gate identifier
func (gate *Gate) ID() string {
	return gate.id
}

// Policy is the policy of this gate
func (gate *Gate) Policy() Policy {
	return gate.policy
}

// State is the current state of the gate
func (gate *Gate) State() State {
	gate.m.Lock()
	defer gate.m.Unlock()
	return gate.state
}

func (gate *Gate) setState(ctx context.Context, state State) {
	gate.m.Lock()
	previous := gate.state
	gate.state = state
	gate.m.Unlock()

	log.FromContext(ctx).Debug("Gate state changed", "from", previous, "to", state)
}

// Start runs the gate in its own goroutine, returning immediately.
// The returned value always resolves to a Decision: failures are
// reported as an Error decision. Cancelling ctx stops the gate with
// an Error decision, after the tunnel is closed
func (gate *Gate) Start(ctx context.Context) (*deferred.Value[Decision], error) {
	if err := gate.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if err := gate.selector.Validate(); err != nil {
		return nil, fmt.Errorf("invalid selector: %w", err)
	}

	gate.m.Lock()
	defer gate.m.Unlock()
	if gate.started {
		return nil, ErrAlreadyStarted
	}
	gate.started = true

	contextLogger := log.FromContext(ctx).WithValues("gate", gate.id)
	ctx = log.IntoContext(ctx, contextLogger)
	return deferred.New(ctx, func(ctx context.Context) (Decision, error) {
		return gate.run(ctx), nil
	}), nil
}

func (gate *Gate) run(ctx context.Context) Decision {
	contextLogger := log.FromContext(ctx)
	contextLogger.Info("Starting canary gate",
		"durationSeconds", gate.policy.DurationSeconds,
		"quantile", gate.policy.Quantile,
		"thresholdMicroseconds", gate.policy.ThresholdMicroseconds)

	decision := gate.evaluate(ctx)
	switch decision.Outcome {
	case OutcomePass:
		gate.setState(ctx, StatePassed)
	case OutcomeFail:
		gate.setState(ctx, StateFailed)
	default:
		gate.setState(ctx, StateErrored)
	}

	contextLogger.Info("Canary gate decision", "decision", decision.String())
	if gate.recorder != nil {
		gate.recorder.ObserveDecision(gate.id, decision)
	}
	return decision
}

// evaluate returns with the tunnel closed, whatever the outcome
func (gate *Gate) evaluate(ctx context.Context) Decision {
	gate.setState(ctx, StateWaitingForTunnel)
	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	openedTunnel, err := gate.opener.Open(openCtx)
	cancel()
	if err != nil {
		return errorDecision(fmt.Errorf("cannot open tunnel: %w", err))
	}
	defer gate.closeTunnel(ctx, openedTunnel)

	gate.setState(ctx, StateSampling)
	last, err := gate.sample(ctx, openedTunnel)
	if err != nil {
		return errorDecision(err)
	}

	gate.setState(ctx, StateEvaluating)
	if last == nil {
		return errorDecision(ErrNoData)
	}
	if last.ValueMicroseconds <= float64(gate.policy.ThresholdMicroseconds) {
		return passDecision(*last)
	}
	return failDecision(*last, gate.policy)
}

// sample polls the quantile until the window elapses, returning the
// last successful reading. Only fatal errors are returned
func (gate *Gate) sample(ctx context.Context, openedTunnel Tunnel) (*sampler.Sample, error) {
	contextLogger := log.FromContext(ctx)
	interval := gate.policy.PollInterval()
	deadline := gate.clock.Now().Add(gate.policy.Duration())

	var last *sampler.Sample
	for {
		host, port, err := openedTunnel.Addr()
		if err != nil {
			return nil, fmt.Errorf("tunnel not usable: %w", err)
		}

		addr := net.JoinHostPort(host, strconv.Itoa(port))
		sample, err := gate.sampler.Query(ctx, addr, gate.selector, gate.policy.Quantile)
		switch {
		case err == nil:
			last = &sample
			if gate.recorder != nil {
				gate.recorder.ObserveSample(gate.id, sample)
			}
		case errors.Is(err, sampler.ErrParse):
			return nil, err
		default:
			contextLogger.Debug("Sample not available, will retry", "err", err.Error())
		}

		remaining := deadline.Sub(gate.clock.Now())
		if remaining <= 0 {
			return last, nil
		}

		timer := gate.clock.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("gate interrupted: %w", ctx.Err())
		case <-timer.C():
		}
	}
}

func (gate *Gate) closeTunnel(ctx context.Context, openedTunnel Tunnel) {
	if err := openedTunnel.Close(); err != nil {
		log.FromContext(ctx).Error(err, "while closing the tunnel")
	}
}
