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

package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/client-go/tools/portforward"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeForwarder struct {
	pod          string
	ports        []string
	stopChannel  <-chan struct{}
	readyChannel chan struct{}

	neverReady bool
	failWith   error
	drop       chan error
	localPort  uint16

	closeCalls atomic.Int32
}

func (f *fakeForwarder) ForwardPorts() error {
	if f.failWith != nil {
		return f.failWith
	}
	if f.neverReady {
		<-f.stopChannel
		return nil
	}

	close(f.readyChannel)
	select {
	case <-f.stopChannel:
		return nil
	case err := <-f.drop:
		return err
	}
}

func (f *fakeForwarder) GetPorts() ([]portforward.ForwardedPort, error) {
	return []portforward.ForwardedPort{{Local: f.localPort, Remote: 9090}}, nil
}

func (f *fakeForwarder) Close() {
	f.closeCalls.Add(1)
}

func newPrometheusObjects() []runtime.Object {
	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "p8s-prometheus-server", Namespace: "monitoring"},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": "prometheus"},
			Ports: []corev1.ServicePort{
				{Name: "http", Port: 80, TargetPort: intstr.FromString("web")},
				{Name: "metrics", Port: 8080, TargetPort: intstr.FromInt32(8081)},
			},
		},
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "prometheus-0",
			Namespace: "monitoring",
			Labels:    map[string]string{"app": "prometheus"},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  "prometheus",
				Ports: []corev1.ContainerPort{{Name: "web", ContainerPort: 9090}},
			}},
		},
		Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}
	return []runtime.Object{service, pod}
}

func newTestManager(clientset *fake.Clientset, spec Spec, forwarder *fakeForwarder) *Manager {
	manager := NewManager(clientset, &rest.Config{}, spec)
	manager.newForwarder = func(
		pod, _ string,
		ports []string,
		stopChannel <-chan struct{},
		readyChannel chan struct{},
		_, _ io.Writer,
	) (portForwarder, error) {
		forwarder.pod = pod
		forwarder.ports = ports
		forwarder.stopChannel = stopChannel
		forwarder.readyChannel = readyChannel
		return forwarder, nil
	}
	return manager
}

var _ = Describe("Tunnel manager", func() {
	var (
		clientset *fake.Clientset
		forwarder *fakeForwarder
		spec      Spec
	)

	BeforeEach(func() {
		clientset = fake.NewClientset(newPrometheusObjects()...)
		forwarder = &fakeForwarder{localPort: 24242, drop: make(chan error, 1)}
		spec = Spec{
			ServiceName: "p8s-prometheus-server",
			Namespace:   "monitoring",
			RemotePort:  80,
		}
	})

	It("forwards to the container port behind a named target port", func(ctx SpecContext) {
		manager := newTestManager(clientset, spec, forwarder)
		handle, err := manager.Open(ctx)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(handle.Close)

		Expect(forwarder.pod).To(Equal("prometheus-0"))
		Expect(forwarder.ports).To(Equal([]string{"0:9090"}))

		host, port, err := manager.Addr(handle)
		Expect(err).ToNot(HaveOccurred())
		Expect(host).To(Equal("localhost"))
		Expect(port).To(Equal(24242))

		address, err := handle.Address()
		Expect(err).ToNot(HaveOccurred())
		Expect(address).To(Equal("localhost:24242"))
	})

	It("forwards to a numeric target port", func(ctx SpecContext) {
		spec.RemotePort = 8080
		handle, err := newTestManager(clientset, spec, forwarder).Open(ctx)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(handle.Close)
		Expect(forwarder.ports).To(Equal([]string{"0:8081"}))
	})

	It("fails with a connection error when the service does not exist", func(ctx SpecContext) {
		spec.ServiceName = "missing"
		_, err := newTestManager(clientset, spec, forwarder).Open(ctx)
		Expect(err).To(MatchError(ErrConnection))
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("fails with a connection error when the service does not expose the port", func(ctx SpecContext) {
		spec.RemotePort = 443
		_, err := newTestManager(clientset, spec, forwarder).Open(ctx)
		Expect(err).To(MatchError(ErrConnection))
	})

	It("fails with a connection error when no pod is running", func(ctx SpecContext) {
		pod, err := clientset.CoreV1().Pods("monitoring").Get(ctx, "prometheus-0", metav1.GetOptions{})
		Expect(err).ToNot(HaveOccurred())
		pod.Status.Phase = corev1.PodPending
		_, err = clientset.CoreV1().Pods("monitoring").UpdateStatus(ctx, pod, metav1.UpdateOptions{})
		Expect(err).ToNot(HaveOccurred())

		_, err = newTestManager(clientset, spec, forwarder).Open(ctx)
		Expect(err).To(MatchError(ErrConnection))
	})

	It("fails with an auth error when the credentials are rejected", func(ctx SpecContext) {
		clientset.PrependReactor("get", "services",
			func(k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, apierrors.NewUnauthorized("invalid bearer token")
			})

		_, err := newTestManager(clientset, spec, forwarder).Open(ctx)
		Expect(err).To(MatchError(ErrAuth))
	})

	It("fails with a bind error when the local port is taken", func(ctx SpecContext) {
		listener, err := net.Listen("tcp", "localhost:0")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(listener.Close)

		spec.LocalPort = listener.Addr().(*net.TCPAddr).Port
		_, err = newTestManager(clientset, spec, forwarder).Open(ctx)
		Expect(err).To(MatchError(ErrBind))
		Expect(forwarder.readyChannel).To(BeNil())
	})

	It("classifies the errors raised by the forwarder", func(ctx SpecContext) {
		forwarder.failWith = errors.New("unable to listen on any of the requested ports: [{9090 9090}]")
		_, err := newTestManager(clientset, spec, forwarder).Open(ctx)
		Expect(err).To(MatchError(ErrBind))

		forwarder = &fakeForwarder{failWith: errors.New("error upgrading connection: Unauthorized")}
		_, err = newTestManager(clientset, spec, forwarder).Open(ctx)
		Expect(err).To(MatchError(ErrAuth))

		forwarder = &fakeForwarder{failWith: errors.New("error upgrading connection: EOF")}
		_, err = newTestManager(clientset, spec, forwarder).Open(ctx)
		Expect(err).To(MatchError(ErrConnection))
	})

	It("gives up when the forward is not ready in time", func(ctx SpecContext) {
		forwarder.neverReady = true
		timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := newTestManager(clientset, spec, forwarder).Open(timeoutCtx)
		Expect(err).To(MatchError(ErrConnection))
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(forwarder.closeCalls.Load()).To(BeEquivalentTo(1))
	})

	It("refuses to open a second tunnel while the first one is live", func(ctx SpecContext) {
		manager := newTestManager(clientset, spec, forwarder)
		handle, err := manager.Open(ctx)
		Expect(err).ToNot(HaveOccurred())

		_, err = manager.Open(ctx)
		Expect(err).To(MatchError(ErrAlreadyOpen))

		Expect(manager.Close(handle)).To(Succeed())
	})

	It("closes idempotently and rejects later use", func(ctx SpecContext) {
		handle, err := newTestManager(clientset, spec, forwarder).Open(ctx)
		Expect(err).ToNot(HaveOccurred())

		Expect(handle.Close()).To(Succeed())
		Expect(handle.Close()).To(Succeed())

		done := make(chan error)
		go func() { done <- handle.Close() }()
		Eventually(done).Should(Receive(BeNil()))

		Expect(forwarder.closeCalls.Load()).To(BeEquivalentTo(1))
		Expect(handle.Done()).To(BeClosed())

		_, _, err = handle.Addr()
		Expect(err).To(MatchError(ErrClosed))
	})

	It("surfaces a dropped connection instead of reconnecting", func(ctx SpecContext) {
		handle, err := newTestManager(clientset, spec, forwarder).Open(ctx)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(handle.Close)

		forwarder.drop <- errors.New("lost connection to pod")
		Eventually(handle.Done()).Should(BeClosed())

		_, _, err = handle.Addr()
		Expect(err).To(MatchError(ErrConnection))
		Expect(handle.Err()).To(MatchError("lost connection to pod"))
	})

	It("validates the spec before contacting the cluster", func(ctx SpecContext) {
		_, err := newTestManager(clientset, Spec{}, forwarder).Open(ctx)
		Expect(err).To(MatchError(ErrConnection))
		Expect(clientset.Actions()).To(BeEmpty())
	})
})

var _ = Describe("Local port derivation", func() {
	It("is stable for the same identifier", func() {
		Expect(LocalPortFor("canary-example-app")).To(Equal(LocalPortFor("canary-example-app")))
	})

	It("stays inside the reserved range", func() {
		for _, id := range []string{"", "a", "canary-example-app", "staging-example-app"} {
			port := LocalPortFor(id)
			Expect(port).To(BeNumerically(">=", portRangeStart))
			Expect(port).To(BeNumerically("<", portRangeStart+portRangeSize))
		}
	})

	It("spreads different identifiers", func() {
		Expect(LocalPortFor("gate-1")).ToNot(Equal(LocalPortFor("gate-2")))
	})
})
