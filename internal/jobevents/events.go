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

// Package jobevents carries the structured events emitted while a job is
// leased: heartbeat extensions and stats, duplicates, dead-lettering.
package jobevents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/leaserunner/internal/logctx"
)

const (
	EventHeartbeatExtended        = "heartbeat_extended"
	EventHeartbeatExtensionFailed = "heartbeat_extension_failed"
	EventHeartbeatStats           = "heartbeat_stats"
	EventDuplicateDetected        = "job_duplicate_detected"
	EventDeadLettered             = "job_dead_lettered"
	EventLeaseAlreadyReleased     = "lease_already_released"
	EventJobFinished              = "job_finished"
)

// Job outcomes recorded on EventJobFinished.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// HeartbeatStats is the heartbeat session snapshot carried on events.
type HeartbeatStats struct {
	ExtensionCount int
	TotalExtended  time.Duration
	LastError      string
	IsRunning      bool
	ExpiresAt      time.Time
}

func (s HeartbeatStats) attrs() []slog.Attr {
	return []slog.Attr{
		slog.Int("extension_count", s.ExtensionCount),
		slog.Float64("total_extended_seconds", s.TotalExtended.Seconds()),
		slog.String("last_error", s.LastError),
		slog.Bool("is_running", s.IsRunning),
		slog.Time("expires_at", s.ExpiresAt),
	}
}

// Emitter receives job lifecycle events.
type Emitter interface {
	HeartbeatExtended(ctx context.Context, jobID uuid.UUID, stats HeartbeatStats)
	HeartbeatExtensionFailed(ctx context.Context, jobID uuid.UUID, err error, stats HeartbeatStats)
	HeartbeatStats(ctx context.Context, jobID uuid.UUID, stats HeartbeatStats)
	DuplicateDetected(ctx context.Context, jobID uuid.UUID, state string, attempt int)
	DeadLettered(ctx context.Context, jobID uuid.UUID, attempt int, reason string)
	LeaseAlreadyReleased(ctx context.Context, jobID uuid.UUID)
	JobFinished(ctx context.Context, jobID uuid.UUID, outcome string, elapsed time.Duration)
}

// LogEmitter writes events as slog records and counts them with
// OpenTelemetry instruments.
type LogEmitter struct {
	extensions     metric.Int64Counter
	extensionFails metric.Int64Counter
	duplicates     metric.Int64Counter
	deadLetters    metric.Int64Counter
	outcomes       metric.Int64Counter
	duration       metric.Float64Histogram
}

var _ Emitter = (*LogEmitter)(nil)

// NewLogEmitter creates the instruments on the global meter provider.
func NewLogEmitter() (*LogEmitter, error) {
	meter := otel.Meter("github.com/cardinalhq/leaserunner/jobevents")
	e := &LogEmitter{}
	var err error

	if e.extensions, err = meter.Int64Counter(
		"leaserunner.heartbeat.extensions",
		metric.WithDescription("Number of successful lease extensions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create heartbeat.extensions counter: %w", err)
	}
	if e.extensionFails, err = meter.Int64Counter(
		"leaserunner.heartbeat.failures",
		metric.WithDescription("Number of failed lease extension attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create heartbeat.failures counter: %w", err)
	}
	if e.duplicates, err = meter.Int64Counter(
		"leaserunner.job.duplicates",
		metric.WithDescription("Number of deliveries skipped because the job was already resolved or running elsewhere"),
	); err != nil {
		return nil, fmt.Errorf("failed to create job.duplicates counter: %w", err)
	}
	if e.deadLetters, err = meter.Int64Counter(
		"leaserunner.job.dead_lettered",
		metric.WithDescription("Number of jobs moved to the dead-letter destination"),
	); err != nil {
		return nil, fmt.Errorf("failed to create job.dead_lettered counter: %w", err)
	}
	if e.outcomes, err = meter.Int64Counter(
		"leaserunner.job.outcomes",
		metric.WithDescription("Number of job attempts by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create job.outcomes counter: %w", err)
	}
	if e.duration, err = meter.Float64Histogram(
		"leaserunner.job.duration",
		metric.WithUnit("s"),
		metric.WithDescription("The duration in seconds of a job attempt"),
	); err != nil {
		return nil, fmt.Errorf("failed to create job.duration histogram: %w", err)
	}

	return e, nil
}

func (e *LogEmitter) log(ctx context.Context, level slog.Level, event string, jobID uuid.UUID, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{slog.String("event", event), slog.String("job_id", jobID.String())}, attrs...)
	logctx.FromContext(ctx).LogAttrs(ctx, level, event, attrs...)
}

func (e *LogEmitter) HeartbeatExtended(ctx context.Context, jobID uuid.UUID, stats HeartbeatStats) {
	e.extensions.Add(ctx, 1)
	e.log(ctx, slog.LevelDebug, EventHeartbeatExtended, jobID, stats.attrs()...)
}

func (e *LogEmitter) HeartbeatExtensionFailed(ctx context.Context, jobID uuid.UUID, err error, stats HeartbeatStats) {
	e.extensionFails.Add(ctx, 1)
	e.log(ctx, slog.LevelWarn, EventHeartbeatExtensionFailed, jobID, append(stats.attrs(), slog.Any("error", err))...)
}

func (e *LogEmitter) HeartbeatStats(ctx context.Context, jobID uuid.UUID, stats HeartbeatStats) {
	e.log(ctx, slog.LevelInfo, EventHeartbeatStats, jobID, stats.attrs()...)
}

func (e *LogEmitter) DuplicateDetected(ctx context.Context, jobID uuid.UUID, state string, attempt int) {
	e.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	e.log(ctx, slog.LevelInfo, EventDuplicateDetected, jobID,
		slog.String("state", state),
		slog.Int("recorded_attempt", attempt))
}

func (e *LogEmitter) DeadLettered(ctx context.Context, jobID uuid.UUID, attempt int, reason string) {
	e.deadLetters.Add(ctx, 1)
	e.log(ctx, slog.LevelWarn, EventDeadLettered, jobID,
		slog.Int("attempt", attempt),
		slog.String("reason", reason))
}

func (e *LogEmitter) LeaseAlreadyReleased(ctx context.Context, jobID uuid.UUID) {
	e.log(ctx, slog.LevelInfo, EventLeaseAlreadyReleased, jobID)
}

func (e *LogEmitter) JobFinished(ctx context.Context, jobID uuid.UUID, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	e.outcomes.Add(ctx, 1, attrs)
	e.duration.Record(ctx, elapsed.Seconds(), attrs)
	e.log(ctx, slog.LevelInfo, EventJobFinished, jobID,
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed))
}
