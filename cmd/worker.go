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
	"time"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/cardinalhq/leaserunner/internal/healthcheck"
	"github.com/cardinalhq/leaserunner/internal/jobbody"
	"github.com/cardinalhq/leaserunner/internal/jobevents"
	"github.com/cardinalhq/leaserunner/internal/pubsub"
	"github.com/cardinalhq/leaserunner/leasemgr"
)

func init() {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Receive jobs, hold their leases, and run the job command",
		Long: `Run the worker loop. The edge node and every member of the elastic pool
run this same command against the shared broker and outcome ledger.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "leaserunner-worker"
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
			if concurrency > 0 {
				cfg.Worker.Concurrency = concurrency
			}

			est, err := cfg.Estimator()
			if err != nil {
				return err
			}

			health := startHealthServer(doneCtx)

			broker, err := pubsub.NewBroker(doneCtx, cfg.Broker, cfg.Worker.ProvisionalLease, clock.RealClock{})
			if err != nil {
				return err
			}

			ldg, closeLedger, err := openLedger(doneCtx, cfg)
			if err != nil {
				return fmt.Errorf("failed to open outcome ledger: %w", err)
			}
			defer closeLedger()

			proc, err := jobbody.NewCommandProcessor(cfg.Worker.Command)
			if err != nil {
				return err
			}

			emitter, err := jobevents.NewLogEmitter()
			if err != nil {
				return err
			}

			pool, err := leasemgr.NewPool(cfg.Worker.Concurrency, func(slot int) *leasemgr.Loop {
				return leasemgr.NewLoop(broker, ldg, proc,
					leasemgr.WithEstimator(est),
					leasemgr.WithEmitter(emitter),
					leasemgr.WithHeldBy(fmt.Sprintf("%s/%d", myInstanceID, slot)),
					leasemgr.WithPollWait(cfg.Worker.PollWait),
					leasemgr.WithMaxAttempts(cfg.Worker.MaxAttempts),
					leasemgr.WithReceiveBackoff(time.Second, cfg.Worker.ReceiveBackoffMax),
					leasemgr.WithReadiness(health),
				)
			})
			if err != nil {
				return err
			}

			health.SetStatus(healthcheck.StatusHealthy)
			slog.Info("Worker started",
				slog.String("broker", broker.Name()),
				slog.Int("slots", pool.Size()),
				slog.Duration("maxLeaseLifetime", est.MaxLeaseLifetime()))

			return pool.Run(doneCtx)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Number of jobs held at once (overrides worker.concurrency)")

	rootCmd.AddCommand(cmd)
}
