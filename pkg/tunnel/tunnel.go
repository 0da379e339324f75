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

// Package tunnel manages a single port-forward session from the local
// machine to a service running inside a Kubernetes cluster
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// closeTimeout is the amount of time Close waits for the forwarding
// goroutine to terminate
const closeTimeout = 5 * time.Second

// localHost is the address every tunnel binds to
const localHost = "localhost"

// Spec identifies exactly one forwarding target
type Spec struct {
	// ServiceName is the name of the Service to forward to
	ServiceName string `json:"serviceName"`

	// Namespace is the namespace of the Service
	Namespace string `json:"namespace"`

	// RemotePort is the Service port to forward to
	RemotePort int `json:"remotePort"`

	// LocalPort is the port bound on localhost. Zero lets the
	// kernel choose a free port
	LocalPort int `json:"localPort"`
}

// Validate checks the spec for obvious mistakes
func (spec Spec) Validate() error {
	var errs []error
	if spec.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if spec.Namespace == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	if spec.RemotePort <= 0 || spec.RemotePort > 65535 {
		errs = append(errs, fmt.Errorf("invalid remote port %d", spec.RemotePort))
	}
	if spec.LocalPort < 0 || spec.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid local port %d", spec.LocalPort))
	}
	return errors.Join(errs...)
}

// String implements fmt.Stringer
func (spec Spec) String() string {
	return fmt.Sprintf("%s/%s:%d -> %s:%d",
		spec.Namespace, spec.ServiceName, spec.RemotePort, localHost, spec.LocalPort)
}

// Manager establishes and supervises one port-forward session towards
// the target described by its Spec. A Manager owns at most one live
// Handle at any time, and never retries on its own: reconnection
// policy belongs to the caller.
type Manager struct {
	kubeInterface kubernetes.Interface
	spec          Spec

	// newForwarder builds the forwarder for a resolved target. Mainly
	// replaced by the unit tests to avoid a real SPDY connection
	newForwarder forwarderFactory

	m      sync.Mutex
	handle *Handle
}

// NewManager creates a tunnel manager for the passed target
func NewManager(kubeInterface kubernetes.Interface, config *rest.Config, spec Spec) *Manager {
	return &Manager{
		kubeInterface: kubeInterface,
		spec:          spec,
		newForwarder:  newSPDYForwarderFactory(kubeInterface, config),
	}
}

// Spec returns the target of this manager
func (manager *Manager) Spec() Spec {
	return manager.spec
}

// Open establishes the forwarding session and waits for it to be ready.
// The returned error wraps ErrConnection, ErrBind or ErrAuth.
func (manager *Manager) Open(ctx context.Context) (*Handle, error) {
	manager.m.Lock()
	defer manager.m.Unlock()

	if manager.handle != nil && !manager.handle.isClosed() {
		return nil, ErrAlreadyOpen
	}

	if err := manager.spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	contextLogger := log.FromContext(ctx).WithValues(
		"service", manager.spec.ServiceName,
		"namespace", manager.spec.Namespace,
	)

	target, err := resolveTarget(ctx, manager.kubeInterface, manager.spec)
	if err != nil {
		return nil, err
	}

	if err := probeLocalPort(manager.spec.LocalPort); err != nil {
		return nil, err
	}

	stopChannel := make(chan struct{})
	readyChannel := make(chan struct{})
	portMap := fmt.Sprintf("%d:%d", manager.spec.LocalPort, target.podPort)
	contextLogger.Debug("Starting port-forward", "pod", target.podName, "ports", portMap)

	forwarder, err := manager.newForwarder(
		target.podName,
		manager.spec.Namespace,
		[]string{portMap},
		stopChannel,
		readyChannel,
		logWriter{logger: contextLogger, stream: "stdout"},
		logWriter{logger: contextLogger, stream: "stderr"},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: while creating the port-forward: %w", ErrConnection, err)
	}

	handle := &Handle{
		spec:        manager.spec,
		forwarder:   forwarder,
		stopChannel: stopChannel,
		done:        make(chan struct{}),
	}
	go handle.forward()

	select {
	case <-readyChannel:
	case <-handle.done:
		return nil, classifyForwardError(handle.err)
	case <-ctx.Done():
		if closeErr := handle.Close(); closeErr != nil {
			contextLogger.Error(closeErr, "while closing a port-forward that never became ready")
		}
		return nil, fmt.Errorf("%w: waiting for the port-forward to be ready: %w", ErrConnection, ctx.Err())
	}

	ports, err := forwarder.GetPorts()
	if err == nil && len(ports) == 0 {
		err = errors.New("no forwarded ports")
	}
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("%w: while reading the forwarded ports: %w", ErrConnection, err)
	}
	handle.localPort = int(ports[0].Local)

	contextLogger.Info("Port-forward ready", "localPort", handle.localPort)
	manager.handle = handle
	return handle, nil
}

// Addr returns the local address of an open handle
func (manager *Manager) Addr(handle *Handle) (string, int, error) {
	return handle.Addr()
}

// Close terminates the passed handle. It is safe to call it many times
func (manager *Manager) Close(handle *Handle) error {
	return handle.Close()
}

// Handle is a live tunnel. It is valid between a successful Open and
// the first Close
type Handle struct {
	spec        Spec
	forwarder   portForwarder
	stopChannel chan struct{}
	localPort   int

	// done is closed when the forwarding goroutine terminates, err
	// is written before that
	done chan struct{}
	err  error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (handle *Handle) forward() {
	defer close(handle.done)
	handle.err = handle.forwarder.ForwardPorts()
}

func (handle *Handle) isClosed() bool {
	return handle.closed.Load()
}

// Addr returns the local host and port of the tunnel. Using a closed
// or dropped tunnel is an error
func (handle *Handle) Addr() (string, int, error) {
	if handle == nil || handle.isClosed() {
		return "", 0, ErrClosed
	}

	select {
	case <-handle.done:
		return "", 0, fmt.Errorf("%w: port-forward terminated: %w", ErrConnection, handle.Err())
	default:
	}

	return localHost, handle.localPort, nil
}

// Address returns the tunnel local address in the host:port form
func (handle *Handle) Address() (string, error) {
	host, port, err := handle.Addr()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Done is closed when the underlying forwarding session terminates
func (handle *Handle) Done() <-chan struct{} {
	return handle.done
}

// Err returns the error that terminated the forwarding session, if any
func (handle *Handle) Err() error {
	select {
	case <-handle.done:
		if handle.err == nil && !handle.isClosed() {
			return errors.New("connection lost")
		}
		return handle.err
	default:
		return nil
	}
}

// Close stops the forwarding session and releases the local port.
// It is idempotent and can be called from any goroutine
func (handle *Handle) Close() error {
	if handle == nil {
		return nil
	}

	handle.closeOnce.Do(func() {
		handle.closed.Store(true)
		close(handle.stopChannel)
		handle.forwarder.Close()

		select {
		case <-handle.done:
		case <-time.After(closeTimeout):
			handle.closeErr = fmt.Errorf("port-forward to %s did not terminate in %s", handle.spec, closeTimeout)
		}
	})

	return handle.closeErr
}

// logWriter sends the port-forward output to the logger
type logWriter struct {
	logger log.Logger
	stream string
}

func (w logWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w.logger.Debug(msg, "stream", w.stream)
	}
	return len(p), nil
}
