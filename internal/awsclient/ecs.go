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

package awsclient

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
)

type ecsConfig struct {
	RoleARN string
	Region  string
}

// ECSOption is a functional option for GetECS.
type ECSOption func(*ecsConfig)

func WithECSRole(roleARN string) ECSOption {
	return func(c *ecsConfig) {
		c.RoleARN = roleARN
	}
}

func WithECSRegion(region string) ECSOption {
	return func(c *ecsConfig) {
		c.Region = region
	}
}

// GetECS returns an ECS client sharing the manager's credential cache.
func (m *Manager) GetECS(_ context.Context, opts ...ECSOption) (*ecs.Client, error) {
	var ec ecsConfig
	for _, o := range opts {
		o(&ec)
	}
	return ecs.NewFromConfig(m.configFor(ec.Region, ec.RoleARN)), nil
}
