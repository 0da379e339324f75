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

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PathMetrics is the path where the metrics are exposed
const PathMetrics = "/metrics"

// Server exposes the gate metrics over HTTP
type Server struct {
	server   *http.Server
	registry *prometheus.Registry
}

// NewServer creates a metrics server for the passed registry,
// adding the Go runtime metrics to it
func NewServer(addr string, registry *prometheus.Registry) (*Server, error) {
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("while registering Go exporters: %w", err)
	}

	serveMux := http.NewServeMux()
	serveMux.Handle(PathMetrics, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           serveMux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		registry: registry,
	}, nil
}

// Handler is the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe starts the web server handling metrics
func (s *Server) ListenAndServe() error {
	err := s.server.ListenAndServe()

	// The server has been shut down
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Shutdown stops the web metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
