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

// Package check implements the command running a canary gate
package check

import (
	"context"
	"time"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/cli-runtime/pkg/genericclioptions"

	"github.com/cloudnative-pg/canary-gate/internal/cmd/plugin"
	"github.com/cloudnative-pg/canary-gate/internal/configuration"
	"github.com/cloudnative-pg/canary-gate/internal/metrics"
	"github.com/cloudnative-pg/canary-gate/pkg/gate"
	"github.com/cloudnative-pg/canary-gate/pkg/rollout"
	"github.com/cloudnative-pg/canary-gate/pkg/sampler"
	"github.com/cloudnative-pg/canary-gate/pkg/tunnel"
)

// flagValues are the configuration values passed on the command line.
// They are applied only when explicitly set
type flagValues struct {
	prometheusService   string
	prometheusNamespace string
	prometheusPort      int
	localPort           int
	metric              string
	labels              map[string]string
	metricKind          string
	rangeSeconds        int
	unitMicroseconds    float64
	durationSeconds     int
	quantile            float64
	threshold           int
	annotation          string
	replicas            int32
}

// NewCmd creates the "check" subcommand
func NewCmd(configFlags *genericclioptions.ConfigFlags) *cobra.Command {
	var (
		values  flagValues
		options runOptions
		output  string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Checks the latency of a canary before promoting the staging ring",
		Long: "Opens a port-forward to Prometheus, samples a latency quantile for the " +
			"whole window and compares the last reading with the threshold. " +
			"The command fails unless the gate passes.",
		Args: cobra.NoArgs,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			return plugin.SetupKubernetesClient(configFlags)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			format, err := plugin.ParseOutputFormat(output)
			if err != nil {
				return err
			}
			if format == plugin.OutputFormatText {
				if err := plugin.ConfigureColor(cmd); err != nil {
					return err
				}
			}

			data, err := configuration.Load(options.configFile)
			if err != nil {
				return err
			}
			applyFlags(cmd.Flags(), &values, data)

			registry := prometheus.NewRegistry()
			env := environment{
				opener: func(spec tunnel.Spec) gate.TunnelOpener {
					return gate.ManagedTunnel(tunnel.NewManager(plugin.ClientInterface, plugin.Config, spec))
				},
				sampler:   sampler.New(),
				client:    plugin.Client,
				namespace: plugin.Namespace,
				registry:  registry,
			}

			stopMetrics, err := startMetricsServer(ctx, options.metricsBindAddress, registry)
			if err != nil {
				return err
			}
			defer stopMetrics()

			report, err := run(ctx, env, data, options)
			if err != nil {
				return err
			}

			if err := printReport(cmd.OutOrStdout(), report, format); err != nil {
				return err
			}
			if !report.Decision.Passed() {
				return ErrNotPassed
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.configFile, "config", "", "Configuration file (YAML)")
	flags.StringVar(&options.gateID, "gate-id", "",
		"Identifier of the gate, used to derive the local port. Defaults to a random UUID")
	flags.StringSliceVar(&options.promote, "promote", nil,
		"Name of a staging deployment to annotate, and scale if the gate passes. "+
			"Can be repeated, promotions are spaced by the configured promotion delay")
	flags.BoolVar(&options.applyOnFailure, "apply-on-failure", false,
		"Scale the staging deployment even if the gate does not pass")
	flags.StringVar(&options.metricsBindAddress, "metrics-bind-address", "",
		"Address exposing the gate metrics while the check runs, i.e. \":8080\"")
	flags.StringVarP(&output, "output", "o", string(plugin.OutputFormatText),
		"Output format. One of text, json, yaml")

	flags.StringVar(&values.prometheusService, "prometheus-service", configuration.DefaultPrometheusService,
		"Service exposing the Prometheus API")
	flags.StringVar(&values.prometheusNamespace, "prometheus-namespace", "default",
		"Namespace of the Prometheus service")
	flags.IntVar(&values.prometheusPort, "prometheus-port", 80, "Service port of the Prometheus API")
	flags.IntVar(&values.localPort, "local-port", 0,
		"Local port of the port-forward. Defaults to a port derived from the gate identifier")
	flags.StringVar(&values.metric, "metric", configuration.DefaultMetric, "Latency metric")
	flags.StringToStringVar(&values.labels, "label", nil, "Label selecting the metric series, i.e. app=my-app")
	flags.StringVar(&values.metricKind, "metric-kind", string(sampler.KindSummary),
		"Kind of the latency metric. One of summary, histogram")
	flags.IntVar(&values.rangeSeconds, "range", 0, "Rate window of histogram metrics, in seconds")
	flags.Float64Var(&values.unitMicroseconds, "unit-microseconds", 1,
		"Microseconds in one unit of the metric, i.e. 1000000 for metrics in seconds")
	flags.IntVar(&values.durationSeconds, "duration", 0, "Length of the sampling window, in seconds")
	flags.Float64Var(&values.quantile, "quantile", 0, "Latency quantile to check, i.e. 0.9")
	flags.IntVar(&values.threshold, "threshold", 0, "Highest acceptable latency, in microseconds")
	flags.StringVar(&values.annotation, "annotation", rollout.DefaultAnnotation,
		"Annotation receiving the decision on the staging deployment")
	flags.Int32Var(&values.replicas, "replicas", 10, "Replicas of the staging deployment once promoted")

	plugin.AddColorControlFlags(cmd)

	return cmd
}

// applyFlags overrides the configuration with the flags that were set
func applyFlags(flags *pflag.FlagSet, values *flagValues, data *configuration.Data) {
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}

	set("prometheus-service", func() { data.PrometheusService = values.prometheusService })
	set("prometheus-namespace", func() { data.PrometheusNamespace = values.prometheusNamespace })
	set("prometheus-port", func() { data.PrometheusPort = values.prometheusPort })
	set("local-port", func() { data.LocalPort = values.localPort })
	set("metric", func() { data.Metric = values.metric })
	set("label", func() { data.Labels = values.labels })
	set("metric-kind", func() { data.MetricKind = values.metricKind })
	set("range", func() { data.RangeSeconds = values.rangeSeconds })
	set("unit-microseconds", func() { data.UnitMicroseconds = values.unitMicroseconds })
	set("duration", func() { data.DurationSeconds = values.durationSeconds })
	set("quantile", func() { data.Quantile = values.quantile })
	set("threshold", func() { data.ThresholdMicroseconds = values.threshold })
	set("annotation", func() { data.Annotation = values.annotation })
	set("replicas", func() { data.StagingReplicas = values.replicas })
}

func startMetricsServer(
	ctx context.Context,
	addr string,
	registry *prometheus.Registry,
) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}

	contextLogger := log.FromContext(ctx)
	server, err := metrics.NewServer(addr, registry)
	if err != nil {
		return nil, err
	}

	go func() {
		contextLogger.Info("Starting metrics server", "address", addr)
		if err := server.ListenAndServe(); err != nil {
			contextLogger.Error(err, "Metrics server failed")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			contextLogger.Error(err, "while stopping the metrics server")
		}
	}, nil
}
