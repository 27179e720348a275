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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"

	"github.com/cardinalhq/leaserunner/internal/logctx"
)

// ECSClient is the subset of the ECS API the executor uses.
type ECSClient interface {
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

var _ ECSClient = (*ecs.Client)(nil)

// ECSExecutor sets the desired count of an ECS service.
type ECSExecutor struct {
	client  ECSClient
	cluster string
	service string
}

var _ Executor = (*ECSExecutor)(nil)

func NewECSExecutor(client ECSClient, cluster, service string) (*ECSExecutor, error) {
	if client == nil {
		return nil, errors.New("ECS client cannot be nil")
	}
	if cluster == "" || service == "" {
		return nil, errors.New("ECS cluster and service are required")
	}
	return &ECSExecutor{client: client, cluster: cluster, service: service}, nil
}

func (e *ECSExecutor) Name() string {
	return "ecs"
}

func (e *ECSExecutor) CurrentCapacity(ctx context.Context) (int, error) {
	out, err := e.client.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(e.cluster),
		Services: []string{e.service},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to describe ECS service %s/%s: %w", e.cluster, e.service, err)
	}
	if len(out.Services) == 0 {
		reason := "not found"
		if len(out.Failures) > 0 && out.Failures[0].Reason != nil {
			reason = *out.Failures[0].Reason
		}
		return 0, fmt.Errorf("ECS service %s/%s: %s", e.cluster, e.service, reason)
	}
	return int(out.Services[0].DesiredCount), nil
}

func (e *ECSExecutor) AssertDesiredCapacity(ctx context.Context, n int) error {
	_, err := e.client.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(e.cluster),
		Service:      aws.String(e.service),
		DesiredCount: aws.Int32(int32(n)),
	})
	if err != nil {
		return fmt.Errorf("failed to update ECS service %s/%s desired count: %w", e.cluster, e.service, err)
	}
	logctx.FromContext(ctx).Debug("Updated ECS service desired count",
		slog.String("cluster", e.cluster),
		slog.String("service", e.service),
		slog.Int("desiredCount", n))
	return nil
}
