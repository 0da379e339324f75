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

package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/cloudnative-pg/machinery/pkg/log"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/cloudnative-pg/canary-gate/pkg/deferred"
	"github.com/cloudnative-pg/canary-gate/pkg/gate"
)

const (
	// DefaultAnnotation is where the decision is written when
	// no other annotation is requested
	DefaultAnnotation = "example.com/p90ResponseTime"

	// DefaultRetryDelay is the time between two attempts to
	// update the deployment
	DefaultRetryDelay = 1 * time.Second

	// DefaultRetryAttempts is the number of attempts to update
	// the deployment
	DefaultRetryAttempts = 5
)

// ErrNoAnnotation is returned when the annotation key is empty
var ErrNoAnnotation = errors.New("annotation key is required")

// PromoteOptions controls what is applied to the staging deployment
type PromoteOptions struct {
	// Annotation is the key receiving the rendered decision
	Annotation string

	// Replicas is the size of the staging ring. Nil leaves the
	// deployment size unchanged
	Replicas *int32

	// ApplyOnFailure scales the deployment even when the gate
	// did not pass
	ApplyOnFailure bool
}

// Report is what the promoter did
type Report struct {
	Decision gate.Decision `json:"decision"`

	// Annotation is the value written in the deployment
	Annotation string `json:"annotation"`

	// Scaled is true if the deployment size was changed
	Scaled bool `json:"scaled"`
}

// Promoter applies a gate decision to the staging deployment,
// only after the decision is known
type Promoter struct {
	client        client.Client
	coordinator   *Coordinator
	retryDelay    time.Duration
	retryAttempts uint
}

// NewPromoter creates a new promoter. When coordinator is nil
// promotions are not spaced
func NewPromoter(c client.Client, coordinator *Coordinator) *Promoter {
	if coordinator == nil {
		coordinator = NewCoordinator(0, 0)
	}
	return &Promoter{
		client:        c,
		coordinator:   coordinator,
		retryDelay:    DefaultRetryDelay,
		retryAttempts: DefaultRetryAttempts,
	}
}

// Promote waits for the decision, then writes it in the deployment
// annotation and, if the gate passed, scales the deployment
func (promoter *Promoter) Promote(
	ctx context.Context,
	key client.ObjectKey,
	value *deferred.Value[gate.Decision],
	opts PromoteOptions,
) (Report, error) {
	if opts.Annotation == "" {
		return Report{}, ErrNoAnnotation
	}

	contextLogger := log.FromContext(ctx).WithValues("deployment", key.String())
	contextLogger.Debug("Waiting for the gate decision")

	rendered, err := value.AsValue().Resolve(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("while waiting for the gate decision: %w", err)
	}
	decision, err := value.Get(ctx)
	if err != nil {
		return Report{}, err
	}

	if err := promoter.waitForSlot(ctx, key); err != nil {
		return Report{}, err
	}

	report := Report{Decision: decision, Annotation: rendered}
	scale := opts.Replicas != nil && (decision.Passed() || opts.ApplyOnFailure)

	err = retry.New(
		retry.Context(ctx),
		retry.Delay(promoter.retryDelay),
		retry.Attempts(promoter.retryAttempts),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return !apierrors.IsNotFound(err) }),
		retry.LastErrorOnly(true)).
		Do(
			func() error {
				return promoter.patch(ctx, key, opts, rendered, scale)
			},
		)
	if err != nil {
		return Report{}, fmt.Errorf("while updating deployment %s: %w", key, err)
	}

	report.Scaled = scale
	contextLogger.Info("Deployment updated with the gate decision",
		"annotation", opts.Annotation,
		"decision", rendered,
		"scaled", scale)
	return report, nil
}

func (promoter *Promoter) patch(
	ctx context.Context,
	key client.ObjectKey,
	opts PromoteOptions,
	rendered string,
	scale bool,
) error {
	var deployment appsv1.Deployment
	if err := promoter.client.Get(ctx, key, &deployment); err != nil {
		return err
	}

	origDeployment := deployment.DeepCopy()
	if deployment.Annotations == nil {
		deployment.Annotations = make(map[string]string)
	}
	deployment.Annotations[opts.Annotation] = rendered
	if scale {
		replicas := *opts.Replicas
		deployment.Spec.Replicas = &replicas
	}

	return promoter.client.Patch(ctx, &deployment, client.MergeFrom(origDeployment))
}

func (promoter *Promoter) waitForSlot(ctx context.Context, key client.ObjectKey) error {
	for {
		result := promoter.coordinator.CoordinatePromotion(key)
		if result.PromotionAllowed {
			return nil
		}

		log.FromContext(ctx).Info("Waiting before promoting", "timeToWait", result.TimeToWait)
		timer := time.NewTimer(result.TimeToWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
