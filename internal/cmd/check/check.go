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

package check

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/cloudnative-pg/canary-gate/internal/configuration"
	"github.com/cloudnative-pg/canary-gate/internal/metrics"
	"github.com/cloudnative-pg/canary-gate/pkg/deferred"
	"github.com/cloudnative-pg/canary-gate/pkg/gate"
	"github.com/cloudnative-pg/canary-gate/pkg/rollout"
	"github.com/cloudnative-pg/canary-gate/pkg/tunnel"
)

// ErrNotPassed is returned when the gate decision is not a Pass
var ErrNotPassed = errors.New("canary gate did not pass")

// environment is what a check needs from the outside world
type environment struct {
	opener    func(spec tunnel.Spec) gate.TunnelOpener
	sampler   gate.Sampler
	client    client.Client
	namespace string
	registry  prometheus.Registerer
}

type runOptions struct {
	configFile         string
	gateID             string
	promote            []string
	applyOnFailure     bool
	metricsBindAddress string
}

// Report is the result of a check
type Report struct {
	GateID    string          `json:"gateID"`
	Tunnel    string          `json:"tunnel"`
	Policy    gate.Policy     `json:"policy"`
	Decision  gate.Decision   `json:"decision"`
	Promotions []Promotion    `json:"promotions,omitempty"`
}

// Promotion is what was applied to one staging deployment
type Promotion struct {
	Deployment string `json:"deployment"`
	Annotation string `json:"annotation"`
	Scaled     bool   `json:"scaled"`
}

// run runs a gate and, when requested, hands its decision to the
// promoter. The returned error is set only if the gate could not
// be run or the deployment could not be updated
func run(
	ctx context.Context,
	env environment,
	data *configuration.Data,
	options runOptions,
) (*Report, error) {
	gateID := options.gateID
	if gateID == "" {
		gateID = uuid.NewString()
	}
	if err := data.Validate(gateID); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	spec := data.TunnelSpec(gateID)
	canaryGate := gate.New(
		env.opener(spec),
		env.sampler,
		data.Selector(),
		data.Policy(),
		gate.WithID(gateID),
		gate.WithRecorder(metrics.NewRecorder(env.registry)),
	)

	contextLogger := log.FromContext(ctx).WithValues("gate", gateID)
	ctx = log.IntoContext(ctx, contextLogger)

	value, err := canaryGate.Start(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		GateID: gateID,
		Tunnel: spec.String(),
		Policy: canaryGate.Policy(),
	}

	report.Decision, err = awaitDecision(ctx, value)
	if err != nil {
		return nil, err
	}
	if len(options.promote) == 0 {
		return report, nil
	}
	if ctx.Err() != nil {
		contextLogger.Info("Check interrupted, skipping promotion", "deployments", options.promote)
		return report, nil
	}

	// every deployment shares the coordinator, spacing the promotions
	// by the configured delay
	promoter := rollout.NewPromoter(env.client, rollout.NewCoordinator(data.PromotionDelay, data.PromotionDelay))
	promoteOptions := data.PromoteOptions(options.applyOnFailure)
	for _, name := range options.promote {
		key := client.ObjectKey{Namespace: env.namespace, Name: name}
		promotion, err := promoter.Promote(ctx, key, value, promoteOptions)
		if err != nil {
			return nil, err
		}
		report.Promotions = append(report.Promotions, Promotion{
			Deployment: key.String(),
			Annotation: promotion.Annotation,
			Scaled:     promotion.Scaled,
		})
	}

	return report, nil
}

// awaitDecision waits for the gate decision. A cancelled context
// interrupts the gate too, which then resolves once its tunnel is
// closed: that decision is still returned
func awaitDecision(ctx context.Context, value *deferred.Value[gate.Decision]) (gate.Decision, error) {
	decision, err := value.Get(ctx)
	if err == nil || ctx.Err() == nil {
		return decision, err
	}

	<-value.Done()
	return value.Get(context.Background())
}
