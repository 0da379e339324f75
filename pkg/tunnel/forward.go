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
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
)

// portForwarder is the subset of *portforward.PortForwarder used
// by the tunnel
type portForwarder interface {
	ForwardPorts() error
	GetPorts() ([]portforward.ForwardedPort, error)
	Close()
}

// forwarderFactory creates a port forwarder against a pod
type forwarderFactory func(
	pod, namespace string,
	ports []string,
	stopChannel <-chan struct{},
	readyChannel chan struct{},
	outWriter, errWriter io.Writer,
) (portForwarder, error)

// newSPDYForwarderFactory returns a factory creating SPDY port-forwards
// through the Kubernetes API server
func newSPDYForwarderFactory(kubeInterface kubernetes.Interface, config *rest.Config) forwarderFactory {
	return func(
		pod, namespace string,
		ports []string,
		stopChannel <-chan struct{},
		readyChannel chan struct{},
		outWriter, errWriter io.Writer,
	) (portForwarder, error) {
		req := kubeInterface.CoreV1().
			RESTClient().
			Post().
			Resource("pods").
			Namespace(namespace).
			Name(pod).
			SubResource("portforward")

		transport, upgrader, err := spdy.RoundTripperFor(config)
		if err != nil {
			return nil, err
		}
		dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())

		return portforward.NewOnAddresses(
			dialer,
			[]string{localHost},
			ports,
			stopChannel,
			readyChannel,
			outWriter,
			errWriter,
		)
	}
}

// target is a pod port reachable behind the Service
type target struct {
	podName string
	podPort int
}

// resolveTarget finds a running pod behind the Service and the pod
// port matching the requested Service port
func resolveTarget(
	ctx context.Context,
	kubeInterface kubernetes.Interface,
	spec Spec,
) (*target, error) {
	serviceObj, err := kubeInterface.CoreV1().Services(spec.Namespace).Get(ctx, spec.ServiceName, metav1.GetOptions{})
	if err != nil {
		return nil, classifyAPIError(err, fmt.Sprintf("getting service %s/%s", spec.Namespace, spec.ServiceName))
	}

	servicePort, err := getServicePort(serviceObj, spec.RemotePort)
	if err != nil {
		return nil, err
	}

	podObj, err := getPodFromService(ctx, kubeInterface, serviceObj)
	if err != nil {
		return nil, err
	}

	podPort, err := getPodPort(podObj, servicePort)
	if err != nil {
		return nil, err
	}

	return &target{podName: podObj.Name, podPort: podPort}, nil
}

func getServicePort(serviceObj *corev1.Service, port int) (*corev1.ServicePort, error) {
	for i := range serviceObj.Spec.Ports {
		if int(serviceObj.Spec.Ports[i].Port) == port {
			return &serviceObj.Spec.Ports[i], nil
		}
	}
	return nil, fmt.Errorf("%w: service %s does not expose port %d", ErrConnection, serviceObj.Name, port)
}

// getPodFromService returns the first ready pod selected by the service,
// falling back to the first running one
func getPodFromService(
	ctx context.Context,
	kubeInterface kubernetes.Interface,
	serviceObj *corev1.Service,
) (*corev1.Pod, error) {
	if len(serviceObj.Spec.Selector) == 0 {
		return nil, fmt.Errorf("%w: service %s has no selector", ErrConnection, serviceObj.Name)
	}

	podList, err := kubeInterface.CoreV1().Pods(serviceObj.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(serviceObj.Spec.Selector).String(),
	})
	if err != nil {
		return nil, classifyAPIError(err, fmt.Sprintf("listing pods for service %s", serviceObj.Name))
	}

	var running *corev1.Pod
	for i := range podList.Items {
		pod := &podList.Items[i]
		if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
			continue
		}
		if isPodReady(pod) {
			return pod, nil
		}
		if running == nil {
			running = pod
		}
	}

	if running == nil {
		return nil, fmt.Errorf("%w: no running pods found for service %s", ErrConnection, serviceObj.Name)
	}
	return running, nil
}

func isPodReady(pod *corev1.Pod) bool {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}

// getPodPort translates the service target port into a container port
func getPodPort(pod *corev1.Pod, servicePort *corev1.ServicePort) (int, error) {
	switch {
	case servicePort.TargetPort.Type == intstr.Int && servicePort.TargetPort.IntVal != 0:
		return int(servicePort.TargetPort.IntVal), nil

	case servicePort.TargetPort.Type == intstr.String && servicePort.TargetPort.StrVal != "":
		for _, container := range pod.Spec.Containers {
			for _, port := range container.Ports {
				if port.Name == servicePort.TargetPort.StrVal {
					return int(port.ContainerPort), nil
				}
			}
		}
		return 0, fmt.Errorf("%w: pod %s has no container port named %q",
			ErrConnection, pod.Name, servicePort.TargetPort.StrVal)

	default:
		return int(servicePort.Port), nil
	}
}

// probeLocalPort checks that the requested local port can be bound
func probeLocalPort(port int) error {
	if port == 0 {
		return nil
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(localHost, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBind, err)
	}
	return listener.Close()
}
