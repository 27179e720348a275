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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"
)

func workerDeployment(replicas *int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "workers", Namespace: "jobs"},
		Spec:       appsv1.DeploymentSpec{Replicas: replicas},
	}
}

func TestNewKubernetesExecutor_Validation(t *testing.T) {
	_, err := NewKubernetesExecutor(nil, "jobs", "workers")
	assert.Error(t, err)
	_, err = NewKubernetesExecutor(fake.NewClientset(), "", "workers")
	assert.Error(t, err)
}

func TestKubernetesExecutor_ScalesDeployment(t *testing.T) {
	client := fake.NewClientset(workerDeployment(ptr.To[int32](2)))
	e, err := NewKubernetesExecutor(client, "jobs", "workers")
	require.NoError(t, err)
	ctx := context.Background()

	n, err := e.CurrentCapacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, e.AssertDesiredCapacity(ctx, 6))
	d, err := client.AppsV1().Deployments("jobs").Get(ctx, "workers", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(6), *d.Spec.Replicas)

	// asserting the same size again does not write
	before := len(client.Actions())
	require.NoError(t, e.AssertDesiredCapacity(ctx, 6))
	for _, a := range client.Actions()[before:] {
		assert.NotEqual(t, "update", a.GetVerb())
	}
}

func TestKubernetesExecutor_NilReplicasMeansOne(t *testing.T) {
	client := fake.NewClientset(workerDeployment(nil))
	e, err := NewKubernetesExecutor(client, "jobs", "workers")
	require.NoError(t, err)

	n, err := e.CurrentCapacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKubernetesExecutor_MissingDeployment(t *testing.T) {
	e, err := NewKubernetesExecutor(fake.NewClientset(), "jobs", "workers")
	require.NoError(t, err)

	_, err = e.CurrentCapacity(context.Background())
	assert.Error(t, err)
	assert.Error(t, e.AssertDesiredCapacity(context.Background(), 3))
}
