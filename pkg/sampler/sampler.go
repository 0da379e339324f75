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

// Package sampler reads a latency quantile from a Prometheus server
package sampler

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

const (
	// connectionTimeout bounds the TCP connection to the tunnel
	connectionTimeout = 2 * time.Second

	// defaultQueryTimeout bounds a single query, server-side included
	defaultQueryTimeout = 10 * time.Second
)

// Sample is one reading of the quantile
type Sample struct {
	// Timestamp is the evaluation time reported by the server
	Timestamp time.Time `json:"timestamp"`

	// ValueMicroseconds is the quantile value, in microseconds
	ValueMicroseconds float64 `json:"valueMicroseconds"`
}

// Sampler issues one query per call against a Prometheus HTTP API.
// It keeps no state between calls
type Sampler struct {
	roundTripper http.RoundTripper
	queryTimeout time.Duration
}

// Option configures a Sampler
type Option func(*Sampler)

// WithRoundTripper replaces the HTTP transport
func WithRoundTripper(roundTripper http.RoundTripper) Option {
	return func(s *Sampler) {
		s.roundTripper = roundTripper
	}
}

// WithQueryTimeout replaces the per-query timeout
func WithQueryTimeout(timeout time.Duration) Option {
	return func(s *Sampler) {
		s.queryTimeout = timeout
	}
}

// New creates a new sampler
func New(opts ...Option) *Sampler {
	s := &Sampler{
		roundTripper: newRoundTripper(),
		queryTimeout: defaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newRoundTripper() http.RoundTripper {
	// We want a connection timeout to prevent waiting for the default
	// TCP connection timeout on a broken tunnel
	dialer := &net.Dialer{
		Timeout: connectionTimeout,
	}
	return &http.Transport{
		DialContext:       dialer.DialContext,
		DisableKeepAlives: true,
	}
}

// Query asks the server reachable at addr (host:port) for the given
// quantile of the selected metric, and returns it in microseconds.
// Errors wrap ErrUnreachable, ErrBadResponse or ErrParse
func (s *Sampler) Query(
	ctx context.Context,
	addr string,
	selector Selector,
	quantile float64,
) (Sample, error) {
	expression, err := selector.Expression(quantile)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrParse, err)
	}

	client, err := api.NewClient(api.Config{
		Address:      "http://" + addr,
		RoundTripper: s.roundTripper,
	})
	if err != nil {
		return Sample{}, fmt.Errorf("%w: invalid server address %q: %w", ErrParse, addr, err)
	}

	contextLogger := log.FromContext(ctx).WithValues("query", expression)

	result, warnings, err := promv1.NewAPI(client).Query(
		ctx, expression, time.Now(), promv1.WithTimeout(s.queryTimeout))
	if err != nil {
		return Sample{}, classifyQueryError(err)
	}
	if len(warnings) > 0 {
		contextLogger.Debug("Query returned warnings", "warnings", warnings)
	}

	value, timestamp, err := scalarFrom(result)
	if err != nil {
		return Sample{}, err
	}

	sample := Sample{
		Timestamp:         timestamp,
		ValueMicroseconds: value * selector.unit(),
	}
	contextLogger.Debug("Sampled quantile", "valueMicroseconds", sample.ValueMicroseconds)
	return sample, nil
}

// scalarFrom extracts the single value carried by a query result
func scalarFrom(result model.Value) (float64, time.Time, error) {
	var value model.SampleValue
	var timestamp model.Time

	switch typed := result.(type) {
	case *model.Scalar:
		value, timestamp = typed.Value, typed.Timestamp

	case model.Vector:
		switch len(typed) {
		case 0:
			return 0, time.Time{}, fmt.Errorf("%w: no samples yet", ErrBadResponse)
		case 1:
			value, timestamp = typed[0].Value, typed[0].Timestamp
		default:
			return 0, time.Time{}, fmt.Errorf("%w: expected a single series, got %d", ErrParse, len(typed))
		}

	case nil:
		return 0, time.Time{}, fmt.Errorf("%w: empty result", ErrBadResponse)

	default:
		return 0, time.Time{}, fmt.Errorf("%w: unexpected result type %s", ErrParse, result.Type())
	}

	if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
		return 0, time.Time{}, fmt.Errorf("%w: value is %v", ErrBadResponse, value)
	}

	return float64(value), timestamp.Time(), nil
}
