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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/cardinalhq/leaserunner/config"
	"github.com/cardinalhq/leaserunner/internal/awsclient"
	"github.com/cardinalhq/leaserunner/internal/externalscaler"
	"github.com/cardinalhq/leaserunner/internal/healthcheck"
	"github.com/cardinalhq/leaserunner/ledger"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openLedger connects to the outcome ledger. With the in-memory broker and
// no database configured, an in-memory ledger is used instead.
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, func(), error) {
	dbURL, err := ledger.DatabaseURL(cfg.Ledger.DatabaseURL)
	if err != nil {
		if errors.Is(err, ledger.ErrDatabaseNotConfigured) && cfg.Broker.Kind == config.BrokerKindMemory {
			slog.Warn("Using in-memory outcome ledger; outcomes are not shared between processes")
			return ledger.NewMemoryLedger(clock.RealClock{}), func() {}, nil
		}
		return nil, nil, err
	}

	pool, err := ledger.NewConnectionPool(ctx, dbURL)
	if err != nil {
		return nil, nil, err
	}

	var ldg ledger.Ledger = ledger.NewPostgresLedger(pool)
	closeFn := pool.Close
	if cfg.Ledger.CacheTTL > 0 {
		cached := ledger.NewCachedLedger(ldg, cfg.Ledger.CacheTTL)
		ldg = cached
		closeFn = func() {
			cached.Close()
			pool.Close()
		}
	}
	return ldg, closeFn, nil
}

func newExecutor(ctx context.Context, cfg config.ExecutorConfig) (externalscaler.Executor, error) {
	switch cfg.Kind {
	case config.ExecutorKindECS:
		mgr, err := awsclient.NewManager(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS manager: %w", err)
		}
		client, err := mgr.GetECS(ctx,
			awsclient.WithECSRegion(cfg.ECSRegion),
			awsclient.WithECSRole(cfg.ECSRoleARN),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create ECS client: %w", err)
		}
		return externalscaler.NewECSExecutor(client, cfg.ECSCluster, cfg.ECSService)

	case config.ExecutorKindKubernetes:
		client, err := externalscaler.NewKubernetesClient(cfg.Kubeconfig)
		if err != nil {
			return nil, err
		}
		namespace := cfg.Namespace
		if namespace == "" {
			namespace = "default"
		}
		return externalscaler.NewKubernetesExecutor(client, namespace, cfg.Deployment)

	case config.ExecutorKindDryRun:
		slog.Warn("Using dry-run executor; pool size changes are only logged")
		return externalscaler.NewDryRunExecutor(0), nil

	default:
		return nil, fmt.Errorf("unsupported executor kind: %s", cfg.Kind)
	}
}

// startHealthServer serves probes in the background until ctx ends.
func startHealthServer(ctx context.Context) *healthcheck.Server {
	health := healthcheck.NewServer(healthcheck.GetConfigFromEnv())
	go func() {
		if err := health.Start(ctx); err != nil {
			slog.Error("Health check server stopped", slog.Any("error", err))
		}
	}()
	return health
}
