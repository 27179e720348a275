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

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	ExecutorKindDryRun     = "dryrun"
	ExecutorKindECS        = "ecs"
	ExecutorKindKubernetes = "kubernetes"
)

type ScalingConfig struct {
	// MaxPoolSize bounds the elastic pool. The edge node is not counted.
	MaxPoolSize int `mapstructure:"max_pool_size" yaml:"max_pool_size"`

	// JobsPerWorker is how many outstanding jobs one pool member absorbs.
	JobsPerWorker int `mapstructure:"jobs_per_worker" yaml:"jobs_per_worker"`

	TickInterval     time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	ScaleOutCooldown time.Duration `mapstructure:"scale_out_cooldown" yaml:"scale_out_cooldown"`

	// ScaleInCooldown is how long occupancy must stay low before capacity
	// is removed. It must exceed the maximum lease lifetime.
	ScaleInCooldown time.Duration `mapstructure:"scale_in_cooldown" yaml:"scale_in_cooldown"`

	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
}

// ExecutorConfig names where the desired capacity is asserted.
type ExecutorConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`

	ECSCluster string `mapstructure:"ecs_cluster" yaml:"ecs_cluster"`
	ECSService string `mapstructure:"ecs_service" yaml:"ecs_service"`
	ECSRegion  string `mapstructure:"ecs_region" yaml:"ecs_region"`
	ECSRoleARN string `mapstructure:"ecs_role_arn" yaml:"ecs_role_arn"`

	Namespace  string `mapstructure:"namespace" yaml:"namespace"`
	Deployment string `mapstructure:"deployment" yaml:"deployment"`
	Kubeconfig string `mapstructure:"kubeconfig" yaml:"kubeconfig"`
}

// GetDefaultScalingConfig returns the default scaling configuration
func GetDefaultScalingConfig() ScalingConfig {
	return ScalingConfig{
		MaxPoolSize:      4,
		JobsPerWorker:    1,
		TickInterval:     30 * time.Second,
		ScaleOutCooldown: time.Minute,

		// Longer than the default lease cap so a pool member is never
		// removed while it can still hold a live lease.
		ScaleInCooldown: 3*time.Hour + 45*time.Minute,

		Executor: ExecutorConfig{Kind: ExecutorKindDryRun},
	}
}

// Validate checks the scaling section against the lease lifetime cap.
func (s *ScalingConfig) Validate(maxLeaseLifetime time.Duration) error {
	var result *multierror.Error

	if s.MaxPoolSize < 0 {
		result = multierror.Append(result, errors.New("scaling.max_pool_size must not be negative"))
	}
	if s.JobsPerWorker < 1 {
		result = multierror.Append(result, errors.New("scaling.jobs_per_worker must be at least 1"))
	}
	if s.TickInterval <= 0 {
		result = multierror.Append(result, errors.New("scaling.tick_interval must be positive"))
	}
	if s.ScaleOutCooldown < 0 {
		result = multierror.Append(result, errors.New("scaling.scale_out_cooldown must not be negative"))
	}
	if s.ScaleInCooldown <= maxLeaseLifetime {
		result = multierror.Append(result, fmt.Errorf("scaling.scale_in_cooldown %s must exceed lease.max_lifetime %s", s.ScaleInCooldown, maxLeaseLifetime))
	}

	switch s.Executor.Kind {
	case ExecutorKindDryRun:
	case ExecutorKindECS:
		if s.Executor.ECSCluster == "" || s.Executor.ECSService == "" {
			result = multierror.Append(result, errors.New("scaling.executor.ecs_cluster and ecs_service are required"))
		}
	case ExecutorKindKubernetes:
		if s.Executor.Deployment == "" {
			result = multierror.Append(result, errors.New("scaling.executor.deployment is required"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown scaling.executor.kind %q", s.Executor.Kind))
	}

	return result.ErrorOrNil()
}
