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
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/cli-runtime/pkg/genericclioptions"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
	"sigs.k8s.io/yaml"

	"github.com/cloudnative-pg/canary-gate/internal/cmd/plugin"
	"github.com/cloudnative-pg/canary-gate/internal/configuration"
	"github.com/cloudnative-pg/canary-gate/pkg/gate"
	"github.com/cloudnative-pg/canary-gate/pkg/rollout"
	"github.com/cloudnative-pg/canary-gate/pkg/sampler"
	"github.com/cloudnative-pg/canary-gate/pkg/tunnel"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// localTunnel points to a local Prometheus stub
type localTunnel struct {
	addr   *net.TCPAddr
	closed atomic.Int32
}

func (t *localTunnel) Addr() (string, int, error) {
	return t.addr.IP.String(), t.addr.Port, nil
}

func (t *localTunnel) Close() error {
	t.closed.Add(1)
	return nil
}

type localOpener struct {
	tunnel *localTunnel
	specs  []tunnel.Spec
}

func (opener *localOpener) Open(context.Context) (gate.Tunnel, error) {
	return opener.tunnel, nil
}

func prometheusReplying(value string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[` +
			`{"metric":{},"value":[1700000000,"` + value + `"]}]}}`))
	}))
}

func newDeployment(name string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: name},
		Spec:       appsv1.DeploymentSpec{Replicas: ptr.To[int32](1)},
	}
}

var _ = ginkgo.Describe("Running a check", func() {
	var (
		opener *localOpener
		data   *configuration.Data
		env    environment
	)

	useServer := func(server *httptest.Server) {
		ginkgo.DeferCleanup(server.Close)
		opener.tunnel = &localTunnel{addr: server.Listener.Addr().(*net.TCPAddr)}
	}

	ginkgo.BeforeEach(func() {
		opener = &localOpener{}
		data = &configuration.Data{
			PrometheusService:     configuration.DefaultPrometheusService,
			PrometheusNamespace:   "default",
			PrometheusPort:        80,
			Metric:                configuration.DefaultMetric,
			Labels:                map[string]string{"app": "canary-example-app"},
			MetricKind:            string(sampler.KindSummary),
			UnitMicroseconds:      1,
			DurationSeconds:       1,
			Quantile:              0.9,
			ThresholdMicroseconds: 100000,
			Annotation:            rollout.DefaultAnnotation,
			StagingReplicas:       10,
		}
		env = environment{
			opener: func(spec tunnel.Spec) gate.TunnelOpener {
				opener.specs = append(opener.specs, spec)
				return opener
			},
			sampler:   sampler.New(),
			namespace: "default",
			registry:  prometheus.NewRegistry(),
		}
	})

	ginkgo.It("passes a fast canary", func(ctx ginkgo.SpecContext) {
		useServer(prometheusReplying("95000"))

		report, err := run(ctx, env, data, runOptions{gateID: "canary"})
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Decision.Passed()).To(BeTrue())
		Expect(report.GateID).To(Equal("canary"))
		Expect(report.Promotions).To(BeEmpty())
		Expect(opener.tunnel.closed.Load()).To(BeEquivalentTo(1))
		Expect(opener.specs).To(HaveLen(1))
		Expect(opener.specs[0].LocalPort).To(Equal(tunnel.LocalPortFor("canary")))
	})

	ginkgo.It("promotes the staging deployment once the gate passes", func(ctx ginkgo.SpecContext) {
		useServer(prometheusReplying("95000"))
		staging := &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "staging-example-app"},
			Spec:       appsv1.DeploymentSpec{Replicas: ptr.To[int32](1)},
		}
		env.client = fake.NewClientBuilder().WithObjects(staging).Build()

		report, err := run(ctx, env, data, runOptions{gateID: "canary", promote: []string{"staging-example-app"}})
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Promotions).To(ConsistOf(Promotion{
			Deployment: "default/staging-example-app",
			Annotation: "Pass",
			Scaled:     true,
		}))

		var deployment appsv1.Deployment
		Expect(env.client.Get(ctx, client.ObjectKeyFromObject(staging), &deployment)).To(Succeed())
		Expect(deployment.Annotations).To(HaveKeyWithValue(rollout.DefaultAnnotation, "Pass"))
		Expect(*deployment.Spec.Replicas).To(BeEquivalentTo(10))
	})

	ginkgo.It("spaces the promotions of several deployments", func(ctx ginkgo.SpecContext) {
		useServer(prometheusReplying("95000"))
		data.PromotionDelay = 300 * time.Millisecond

		var (
			m          sync.Mutex
			patchTimes = make(map[string]time.Time)
		)
		env.client = fake.NewClientBuilder().
			WithObjects(newDeployment("staging-eu"), newDeployment("staging-us")).
			WithInterceptorFuncs(interceptor.Funcs{
				Patch: func(
					ctx context.Context,
					c client.WithWatch,
					obj client.Object,
					patch client.Patch,
					opts ...client.PatchOption,
				) error {
					m.Lock()
					patchTimes[obj.GetName()] = time.Now()
					m.Unlock()
					return c.Patch(ctx, obj, patch, opts...)
				},
			}).
			Build()

		report, err := run(ctx, env, data, runOptions{
			gateID:  "canary",
			promote: []string{"staging-eu", "staging-us"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Promotions).To(HaveLen(2))
		Expect(report.Promotions[0].Deployment).To(Equal("default/staging-eu"))
		Expect(report.Promotions[1].Deployment).To(Equal("default/staging-us"))

		m.Lock()
		defer m.Unlock()
		Expect(patchTimes).To(HaveLen(2))
		Expect(patchTimes["staging-us"].Sub(patchTimes["staging-eu"])).To(
			BeNumerically(">=", 250*time.Millisecond))
	})

	ginkgo.It("reports the decision of an interrupted check without promoting", func(ctx ginkgo.SpecContext) {
		useServer(prometheusReplying("95000"))
		data.DurationSeconds = 60
		staging := newDeployment("staging-example-app")
		env.client = fake.NewClientBuilder().WithObjects(staging).Build()

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		time.AfterFunc(200*time.Millisecond, cancel)

		report, err := run(runCtx, env, data, runOptions{
			gateID:  "canary",
			promote: []string{"staging-example-app"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Decision.Outcome).To(Equal(gate.OutcomeError))
		Expect(report.Decision.Cause).To(MatchError(context.Canceled))
		Expect(report.Promotions).To(BeEmpty())
		Expect(opener.tunnel.closed.Load()).To(BeEquivalentTo(1))

		var deployment appsv1.Deployment
		Expect(env.client.Get(ctx, client.ObjectKeyFromObject(staging), &deployment)).To(Succeed())
		Expect(deployment.Annotations).ToNot(HaveKey(rollout.DefaultAnnotation))
		Expect(*deployment.Spec.Replicas).To(BeEquivalentTo(1))
	})

	ginkgo.It("fails a slow canary", func(ctx ginkgo.SpecContext) {
		useServer(prometheusReplying("150000"))

		report, err := run(ctx, env, data, runOptions{gateID: "canary"})
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Decision.Outcome).To(Equal(gate.OutcomeFail))
		Expect(report.Decision.Reason).To(ContainSubstring("150000us > threshold 100000us"))
	})

	ginkgo.It("refuses to run without a policy", func(ctx ginkgo.SpecContext) {
		data.DurationSeconds = 0

		_, err := run(ctx, env, data, runOptions{})
		Expect(err).To(HaveOccurred())
		Expect(opener.specs).To(BeEmpty())
	})
})

var _ = ginkgo.Describe("Flags", func() {
	ginkgo.It("override the configuration only when set", func() {
		cmd := NewCmd(genericclioptions.NewConfigFlags(true))
		Expect(cmd.ParseFlags([]string{
			"--duration", "60",
			"--quantile", "0.9",
			"--threshold", "100000",
			"--label", "app=canary-example-app",
		})).To(Succeed())

		data := &configuration.Data{Metric: "from_file", DurationSeconds: 10}
		var values flagValues
		values.durationSeconds = 60
		values.quantile = 0.9
		values.threshold = 100000
		values.labels = map[string]string{"app": "canary-example-app"}
		values.metric = configuration.DefaultMetric

		applyFlags(cmd.Flags(), &values, data)
		Expect(data.Metric).To(Equal("from_file"))
		Expect(data.Policy()).To(Equal(gate.Policy{
			DurationSeconds:       60,
			Quantile:              0.9,
			ThresholdMicroseconds: 100000,
		}))
		Expect(data.Labels).To(HaveKeyWithValue("app", "canary-example-app"))
	})
})

var _ = ginkgo.Describe("Report output", func() {
	report := &Report{
		GateID: "canary",
		Tunnel: "default/p8s-prometheus-server:80",
		Policy: gate.Policy{DurationSeconds: 60, Quantile: 0.9, ThresholdMicroseconds: 100000},
		Decision: gate.Decision{
			Outcome: gate.OutcomeFail,
			Reason:  "p90 = 150000us > threshold 100000us",
			Sample:  &sampler.Sample{ValueMicroseconds: 150000},
		},
	}

	ginkgo.It("prints a table", func() {
		var buffer bytes.Buffer
		Expect(printReport(&buffer, report, plugin.OutputFormatText)).To(Succeed())
		Expect(buffer.String()).To(ContainSubstring("Fail: p90 = 150000us > threshold 100000us"))
		Expect(buffer.String()).To(ContainSubstring("canary"))
		Expect(buffer.String()).ToNot(ContainSubstring("Annotation"))
	})

	ginkgo.It("lists the promoted deployments", func() {
		promoted := *report
		promoted.Promotions = []Promotion{
			{Deployment: "default/staging-eu", Annotation: "Pass", Scaled: true},
			{Deployment: "default/staging-us", Annotation: "Pass", Scaled: true},
		}

		var buffer bytes.Buffer
		Expect(printReport(&buffer, &promoted, plugin.OutputFormatText)).To(Succeed())
		Expect(buffer.String()).To(ContainSubstring("default/staging-eu"))
		Expect(buffer.String()).To(ContainSubstring("default/staging-us"))
	})

	ginkgo.It("prints YAML", func() {
		var buffer bytes.Buffer
		Expect(printReport(&buffer, report, plugin.OutputFormatYAML)).To(Succeed())

		var decoded map[string]any
		Expect(yaml.Unmarshal(buffer.Bytes(), &decoded)).To(Succeed())
		Expect(decoded).To(HaveKeyWithValue("gateID", "canary"))
		Expect(decoded["decision"]).To(HaveKeyWithValue("outcome", "Fail"))
	})
})
