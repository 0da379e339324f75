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

// Package plugin contains the common behaviors of the kubectl-canary subcommands
package plugin

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/cli-runtime/pkg/genericclioptions"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/cloudnative-pg/canary-gate/pkg/versions"
)

var (
	// Namespace to operate in
	Namespace string

	// KubeContext to operate with
	KubeContext string

	// Config is the Kubernetes configuration used
	Config *rest.Config

	// Client is the controller-runtime client
	Client client.Client

	// ClientInterface contains the interface used in the plugin
	ClientInterface kubernetes.Interface
)

// SetupKubernetesClient creates the Kubernetes clients used by the
// kubectl-canary subcommands
func SetupKubernetesClient(configFlags *genericclioptions.ConfigFlags) error {
	var err error

	kubeconfig := configFlags.ToRawKubeConfigLoader()

	Config, err = kubeconfig.ClientConfig()
	if err != nil {
		return err
	}
	Config.UserAgent = UserAgent()

	if err = createClient(Config); err != nil {
		return err
	}

	Namespace, _, err = kubeconfig.Namespace()
	if err != nil {
		return err
	}

	if configFlags.Context != nil {
		KubeContext = *configFlags.Context
	}

	ClientInterface, err = kubernetes.NewForConfig(Config)
	return err
}

// UserAgent is the user agent of the API requests
func UserAgent() string {
	return fmt.Sprintf("kubectl-canary/v%s (%s)", versions.Version, versions.Info.Commit)
}

func createClient(cfg *rest.Config) error {
	var err error

	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)

	Client, err = client.New(cfg, client.Options{Scheme: scheme})
	return err
}
