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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/cardinalhq/leaserunner/internal/externalscaler"
	"github.com/cardinalhq/leaserunner/internal/healthcheck"
	"github.com/cardinalhq/leaserunner/internal/pubsub"
)

func init() {
	cmd := &cobra.Command{
		Use:   "scaler",
		Short: "Size the elastic worker pool from queue occupancy",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "leaserunner-scaler"
			doneCtx, doneFx, err := setupTelemetry(servicename)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			health := startHealthServer(doneCtx)

			broker, err := pubsub.NewBroker(doneCtx, cfg.Broker, cfg.Worker.ProvisionalLease, clock.RealClock{})
			if err != nil {
				return err
			}

			exec, err := newExecutor(doneCtx, cfg.Scaling.Executor)
			if err != nil {
				return err
			}

			ctrl, err := externalscaler.NewController(broker, exec, externalscaler.Config{
				MaxPoolSize:      cfg.Scaling.MaxPoolSize,
				JobsPerWorker:    cfg.Scaling.JobsPerWorker,
				TickInterval:     cfg.Scaling.TickInterval,
				ScaleOutCooldown: cfg.Scaling.ScaleOutCooldown,
				ScaleInCooldown:  cfg.Scaling.ScaleInCooldown,
				MaxLeaseLifetime: cfg.Lease.MaxLifetime,
			}, externalscaler.WithReadiness(health))
			if err != nil {
				return err
			}

			exporter, err := externalscaler.NewMetricsExporter(ctrl)
			if err != nil {
				return err
			}
			defer func() {
				if err := exporter.Close(); err != nil {
					slog.Warn("Failed to unregister scaler metrics", slog.Any("error", err))
				}
			}()

			health.SetStatus(healthcheck.StatusHealthy)
			return ctrl.Run(doneCtx)
		},
	}

	rootCmd.AddCommand(cmd)
}
