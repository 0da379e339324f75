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

// Package rollout contains the logic to promote a staging deployment
// once its canary gate has decided
package rollout

import (
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"
)

// The type of functions returning a moment in time
type timeFunc func() time.Time

// Coordinator spaces promotions in time. It is safe to use
// concurrently
type Coordinator struct {
	m sync.Mutex

	// The amount of time we wait between promotions of
	// different deployments
	promotionDelay time.Duration

	// The amount of time we wait before promoting again
	// the same deployment
	repromotionDelay time.Duration

	// This is used to get the current time. Mainly
	// used by the unit tests to inject a fake time
	timeProvider timeFunc

	// The following data is relative to the last
	// promotion
	lastDeployment client.ObjectKey
	lastUpdate     time.Time
}

// Result tells the promoter how much time it needs to wait
// before promoting a deployment
type Result struct {
	// This is true when the deployment can be promoted immediately
	PromotionAllowed bool

	// This is set with the amount of time the promoter needs
	// to wait
	TimeToWait time.Duration
}

// NewCoordinator creates a new coordinator with the passed delays
func NewCoordinator(promotionDelay, repromotionDelay time.Duration) *Coordinator {
	return &Coordinator{
		timeProvider:     time.Now,
		promotionDelay:   promotionDelay,
		repromotionDelay: repromotionDelay,
	}
}

// CoordinatePromotion is called to check whether the promotion
// of this deployment is allowed now
func (coordinator *Coordinator) CoordinatePromotion(deployment client.ObjectKey) Result {
	coordinator.m.Lock()
	defer coordinator.m.Unlock()

	delay := coordinator.promotionDelay
	if coordinator.lastDeployment == deployment {
		delay = coordinator.repromotionDelay
	}

	now := coordinator.timeProvider()
	elapsed := now.Sub(coordinator.lastUpdate)
	if coordinator.lastUpdate.IsZero() || elapsed >= delay {
		coordinator.lastDeployment = deployment
		coordinator.lastUpdate = now
		return Result{PromotionAllowed: true}
	}

	return Result{
		PromotionAllowed: false,
		TimeToWait:       delay - elapsed,
	}
}
