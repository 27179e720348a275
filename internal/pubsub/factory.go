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

package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/cardinalhq/leaserunner/config"
	"github.com/cardinalhq/leaserunner/internal/awsclient"
	"github.com/cardinalhq/leaserunner/internal/azureclient"
)

// NewBroker creates the Broker implementation named by cfg.Kind.
func NewBroker(ctx context.Context, cfg config.BrokerConfig, provisional time.Duration, clk clock.Clock) (Broker, error) {
	switch BackendType(cfg.Kind) {
	case BackendTypeSQS:
		return newSQSBroker(ctx, cfg.SQS, provisional, clk)
	case BackendTypeAzure:
		return newAzureBroker(ctx, cfg.Azure, provisional, clk)
	case BackendTypeMemory:
		slog.Warn("Using in-memory broker; jobs are not shared between processes")
		return NewMemoryBroker(clk), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Kind)
	}
}

func newSQSBroker(ctx context.Context, cfg config.SQSConfig, provisional time.Duration, clk clock.Clock) (*SQSBroker, error) {
	awsMgr, err := awsclient.NewManager(ctx)
	if err != nil {
		slog.Error("Failed to create AWS manager", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create AWS manager: %w", err)
	}

	sqsClient, err := awsMgr.GetSQS(ctx,
		awsclient.WithSQSRole(cfg.RoleARN),
		awsclient.WithSQSRegion(cfg.Region),
		awsclient.WithSQSEndpoint(cfg.Endpoint),
	)
	if err != nil {
		slog.Error("Failed to create SQS client", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	opts := []SQSBrokerOption{
		WithSQSClock(clk),
		WithSQSProvisionalLease(provisional),
	}
	if cfg.DeadLetterURL != "" {
		opts = append(opts, WithSQSDeadLetterQueue(cfg.DeadLetterURL))
	}

	slog.Info("SQS broker initialized", slog.String("queueURL", cfg.QueueURL))
	return NewSQSBroker(sqsClient.Client, cfg.QueueURL, opts...)
}

func newAzureBroker(ctx context.Context, cfg config.AzureQueueConfig, provisional time.Duration, clk clock.Clock) (*AzureQueueBroker, error) {
	azureMgr, err := azureclient.NewManager(ctx)
	if err != nil {
		slog.Error("Failed to create Azure manager", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create Azure manager: %w", err)
	}

	queue, err := azureMgr.GetQueue(ctx,
		azureclient.WithQueueStorageAccount(cfg.StorageAccount),
		azureclient.WithQueueName(cfg.QueueName),
		azureclient.WithQueueEndpoint(cfg.Endpoint),
	)
	if err != nil {
		slog.Error("Failed to create Azure Queue client", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create Azure Queue client: %w", err)
	}

	opts := []AzureQueueOption{
		WithAzureClock(clk),
		WithAzureProvisionalLease(provisional),
	}
	if cfg.PoisonQueueName != "" {
		poison, err := azureMgr.GetQueue(ctx,
			azureclient.WithQueueStorageAccount(cfg.StorageAccount),
			azureclient.WithQueueName(cfg.PoisonQueueName),
			azureclient.WithQueueEndpoint(cfg.Endpoint),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure poison queue client: %w", err)
		}
		opts = append(opts, WithAzurePoisonQueue(poison.QueueClient))
	}

	slog.Info("Azure Queue broker initialized",
		slog.String("storageAccount", cfg.StorageAccount),
		slog.String("queue", cfg.QueueName))
	return NewAzureQueueBroker(queue.QueueClient, opts...), nil
}
