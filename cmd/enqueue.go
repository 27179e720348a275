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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/cardinalhq/leaserunner/internal/pubsub"
)

func init() {
	var (
		size    int64
		payload string
		jobID   string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish one job to the configured broker",
		RunE: func(_ *cobra.Command, _ []string) error {
			job, err := buildJob(jobID, size, payload, time.Now())
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := handleSignals(context.Background())
			defer cancel()

			broker, err := pubsub.NewBroker(ctx, cfg.Broker, cfg.Worker.ProvisionalLease, clock.RealClock{})
			if err != nil {
				return err
			}
			if err := broker.Send(ctx, job); err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}

			slog.Info("Enqueued job",
				slog.String("jobID", job.ID.String()),
				slog.Int64("declaredSizeBytes", job.DeclaredSizeBytes),
				slog.String("broker", broker.Name()))
			return nil
		},
	}

	cmd.Flags().Int64Var(&size, "size", 0, "Declared size of the job input in bytes")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload passed through to the job command")
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job id (a new UUID when empty)")
	_ = cmd.MarkFlagRequired("size")

	rootCmd.AddCommand(cmd)
}

func buildJob(jobID string, size int64, payload string, now time.Time) (pubsub.Job, error) {
	if size <= 0 {
		return pubsub.Job{}, errors.New("--size must be positive")
	}

	id := uuid.New()
	if jobID != "" {
		parsed, err := uuid.Parse(jobID)
		if err != nil {
			return pubsub.Job{}, fmt.Errorf("invalid --job-id: %w", err)
		}
		id = parsed
	}

	job := pubsub.Job{
		ID:                id,
		DeclaredSizeBytes: size,
		EnqueuedAt:        now.UTC(),
	}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return pubsub.Job{}, errors.New("--payload must be valid JSON")
		}
		job.Payload = json.RawMessage(payload)
	}
	return job, nil
}
