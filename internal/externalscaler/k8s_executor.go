// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package externalscaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"github.com/cardinalhq/leaserunner/internal/logctx"
)

// KubernetesExecutor sets the replica count of a Deployment.
type KubernetesExecutor struct {
	client     kubernetes.Interface
	namespace  string
	deployment string
}

var _ Executor = (*KubernetesExecutor)(nil)

func NewKubernetesExecutor(client kubernetes.Interface, namespace, deployment string) (*KubernetesExecutor, error) {
	if client == nil {
		return nil, errors.New("kubernetes client cannot be nil")
	}
	if namespace == "" || deployment == "" {
		return nil, errors.New("kubernetes namespace and deployment are required")
	}
	return &KubernetesExecutor{client: client, namespace: namespace, deployment: deployment}, nil
}

// NewKubernetesClient uses the in-cluster config, falling back to
// kubeconfig (or the default home kubeconfig when empty).
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return cs, nil
}

func (e *KubernetesExecutor) Name() string {
	return "kubernetes"
}

func (e *KubernetesExecutor) CurrentCapacity(ctx context.Context) (int, error) {
	d, err := e.client.AppsV1().Deployments(e.namespace).Get(ctx, e.deployment, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to get deployment %s/%s: %w", e.namespace, e.deployment, err)
	}
	if d.Spec.Replicas == nil {
		return 1, nil
	}
	return int(*d.Spec.Replicas), nil
}

func (e *KubernetesExecutor) AssertDesiredCapacity(ctx context.Context, n int) error {
	replicas := int32(n)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		deployments := e.client.AppsV1().Deployments(e.namespace)
		d, err := deployments.Get(ctx, e.deployment, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if d.Spec.Replicas != nil && *d.Spec.Replicas == replicas {
			return nil
		}
		d.Spec.Replicas = &replicas
		_, err = deployments.Update(ctx, d, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to scale deployment %s/%s to %d: %w", e.namespace, e.deployment, n, err)
	}
	logctx.FromContext(ctx).Debug("Scaled deployment",
		slog.String("namespace", e.namespace),
		slog.String("deployment", e.deployment),
		slog.Int("replicas", n))
	return nil
}
