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

package configuration

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cloudnative-pg/canary-gate/pkg/sampler"
	"github.com/cloudnative-pg/canary-gate/pkg/tunnel"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Configuration", func() {
	writeFile := func(content string) string {
		path := filepath.Join(GinkgoT().TempDir(), "gate.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
		return path
	}

	It("has defaults for everything but the policy", func() {
		data, err := Load("")
		Expect(err).ToNot(HaveOccurred())

		Expect(data.PrometheusService).To(Equal(DefaultPrometheusService))
		Expect(data.PrometheusNamespace).To(Equal("default"))
		Expect(data.PrometheusPort).To(Equal(80))
		Expect(data.Metric).To(Equal(DefaultMetric))
		Expect(data.Annotation).To(Equal("example.com/p90ResponseTime"))
		Expect(data.StagingReplicas).To(BeEquivalentTo(10))
		Expect(data.Validate("canary")).ToNot(Succeed())
	})

	It("reads the environment", func() {
		GinkgoT().Setenv("CANARY_DURATION_SECONDS", "60")
		GinkgoT().Setenv("CANARY_QUANTILE", "0.9")
		GinkgoT().Setenv("CANARY_THRESHOLD_MICROSECONDS", "100000")
		GinkgoT().Setenv("CANARY_LABELS", "app:canary-example-app")
		GinkgoT().Setenv("CANARY_PROMOTION_DELAY", "2m")

		data, err := Load("")
		Expect(err).ToNot(HaveOccurred())
		Expect(data.Policy().DurationSeconds).To(Equal(60))
		Expect(data.Policy().Quantile).To(Equal(0.9))
		Expect(data.Policy().ThresholdMicroseconds).To(Equal(100000))
		Expect(data.Selector().Labels).To(HaveKeyWithValue("app", "canary-example-app"))
		Expect(data.PromotionDelay).To(Equal(2 * time.Minute))
		Expect(data.Validate("canary")).To(Succeed())
	})

	It("lets the file override the environment", func() {
		GinkgoT().Setenv("CANARY_QUANTILE", "0.5")
		path := writeFile(`
durationSeconds: 120
quantile: 0.99
thresholdMicroseconds: 250000
metric: http_request_duration_seconds
metricKind: histogram
unitMicroseconds: 1000000
labels:
  app: canary-example-app
`)

		data, err := Load(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(data.Quantile).To(Equal(0.99))

		selector := data.Selector()
		Expect(selector.Kind).To(Equal(sampler.KindHistogram))
		Expect(selector.UnitMicroseconds).To(BeNumerically("==", 1e6))
		Expect(data.Validate("canary")).To(Succeed())
	})

	It("refuses unknown fields in the file", func() {
		_, err := Load(writeFile("thresholdMillis: 100\n"))
		Expect(err).To(HaveOccurred())
	})

	It("reports a missing file", func() {
		_, err := Load(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
		Expect(err).To(HaveOccurred())
	})

	It("derives the local port from the gate identifier", func() {
		data := &Data{PrometheusService: "p8s-prometheus-server", PrometheusNamespace: "default", PrometheusPort: 80}
		Expect(data.TunnelSpec("canary").LocalPort).To(Equal(tunnel.LocalPortFor("canary")))

		data.LocalPort = 9090
		Expect(data.TunnelSpec("canary").LocalPort).To(Equal(9090))
	})

	It("builds the promotion options", func() {
		data := &Data{Annotation: "example.com/p90ResponseTime", StagingReplicas: 10}
		options := data.PromoteOptions(true)
		Expect(options.Annotation).To(Equal("example.com/p90ResponseTime"))
		Expect(*options.Replicas).To(BeEquivalentTo(10))
		Expect(options.ApplyOnFailure).To(BeTrue())
	})
})
