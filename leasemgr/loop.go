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

// Package leasemgr runs the worker loop: receive a job under a lease, keep
// the lease alive while the job body runs, then resolve it.
package leasemgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/cardinalhq/leaserunner/internal/estimator"
	"github.com/cardinalhq/leaserunner/internal/heartbeat"
	"github.com/cardinalhq/leaserunner/internal/jobevents"
	"github.com/cardinalhq/leaserunner/internal/logctx"
	"github.com/cardinalhq/leaserunner/internal/pubsub"
	"github.com/cardinalhq/leaserunner/ledger"
)

// Outcome is how one polling cycle ended.
type Outcome string

const (
	// OutcomeIdle means nothing was received within the poll wait.
	OutcomeIdle Outcome = "idle"
	// OutcomeReceiveFailed means the broker could not be reached; the loop
	// backed off before returning.
	OutcomeReceiveFailed Outcome = "receive_failed"
	// OutcomeSucceeded means the body succeeded and the delivery was resolved.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed means the body failed and the lease was left to expire.
	OutcomeFailed Outcome = "failed"
	// OutcomeDeadLettered means the job exhausted its attempts.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeDuplicate means the ledger showed the job finished or owned by a
	// newer claim, so the body was not run.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeAbandoned means shutdown began while the body was running.
	OutcomeAbandoned Outcome = "abandoned"
)

const readinessCondition = "broker"

// Processor runs the job body. It is opaque to the loop: only its error
// and elapsed time matter.
type Processor interface {
	Process(ctx context.Context, job pubsub.Job) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job pubsub.Job) error

func (f ProcessorFunc) Process(ctx context.Context, job pubsub.Job) error {
	return f(ctx, job)
}

// Readiness receives named readiness conditions. healthcheck.Server satisfies it.
type Readiness interface {
	SetReadyCondition(name string, ready bool)
}

// Loop is one worker slot. A Loop handles one job at a time and must not
// be shared between goroutines; run several Loops in a Pool instead.
type Loop struct {
	broker pubsub.Broker
	ledger ledger.Ledger
	proc   Processor
	hb     *heartbeat.Controller

	est            *estimator.Estimator
	clk            clock.WithTicker
	events         jobevents.Emitter
	readiness      Readiness
	heldBy         string
	pollWait       time.Duration
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration

	bo *backoff.ExponentialBackOff
}

func NewLoop(broker pubsub.Broker, ldg ledger.Ledger, proc Processor, opts ...Options) *Loop {
	l := &Loop{
		broker:         broker,
		ledger:         ldg,
		proc:           proc,
		est:            estimator.Default(),
		clk:            clock.RealClock{},
		events:         &jobevents.Collector{},
		heldBy:         "worker",
		pollWait:       20 * time.Second,
		maxAttempts:    3,
		backoffInitial: time.Second,
		backoffMax:     time.Minute,
	}
	for _, opt := range opts {
		opt.apply(l)
	}

	l.hb = heartbeat.NewController(broker,
		heartbeat.WithClock(l.clk),
		heartbeat.WithEmitter(l.events))

	l.bo = backoff.NewExponentialBackOff()
	l.bo.InitialInterval = l.backoffInitial
	l.bo.MaxInterval = l.backoffMax
	l.bo.Reset()

	return l
}

// Run polls until ctx is cancelled. Broker outages are retried forever.
func (l *Loop) Run(ctx context.Context) error {
	ll := logctx.FromContext(ctx).With(slog.String("held_by", l.heldBy))
	ctx = logctx.WithLogger(ctx, ll)
	ll.Info("Starting worker loop",
		slog.String("broker", l.broker.Name()),
		slog.Duration("pollWait", l.pollWait),
		slog.Int("maxAttempts", l.maxAttempts))

	for {
		if ctx.Err() != nil {
			ll.Info("Worker loop stopped")
			return nil
		}
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			ll.Error("Worker cycle failed (continuing)", slog.Any("error", err))
		}
	}
}

// RunOnce performs a single polling cycle. It returns an error only when
// ctx ends the cycle early.
func (l *Loop) RunOnce(ctx context.Context) (Outcome, error) {
	d, err := l.broker.Receive(ctx, pubsub.ReceiveOptions{
		Wait:     l.pollWait,
		LeaseFor: l.initialLease,
		HeldBy:   l.heldBy,
	})
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeIdle, ctx.Err()
		}
		return l.backOff(ctx, err)
	}

	l.bo.Reset()
	l.setReady(true)
	if d == nil {
		return OutcomeIdle, nil
	}
	return l.handle(ctx, *d)
}

func (l *Loop) backOff(ctx context.Context, cause error) (Outcome, error) {
	l.setReady(false)
	wait := l.bo.NextBackOff()
	logctx.FromContext(ctx).Warn("Failed to receive from broker (retrying)",
		slog.Any("error", cause),
		slog.Duration("backoff", wait))

	select {
	case <-ctx.Done():
		return OutcomeReceiveFailed, ctx.Err()
	case <-l.clk.After(wait):
	}
	return OutcomeReceiveFailed, nil
}

func (l *Loop) setReady(ready bool) {
	if l.readiness != nil {
		l.readiness.SetReadyCondition(readinessCondition, ready)
	}
}

// estimate falls back to the largest bucket when the declared size is unusable.
func (l *Loop) estimate(job pubsub.Job) (estimator.Estimate, error) {
	est, err := l.est.Estimate(job.DeclaredSizeBytes)
	if err != nil {
		return l.est.Largest(), err
	}
	return est, nil
}

func (l *Loop) initialLease(job pubsub.Job) time.Duration {
	est, _ := l.estimate(job)
	return est.InitialLease
}

func (l *Loop) handle(ctx context.Context, d pubsub.Delivery) (Outcome, error) {
	jobID := d.Job.ID
	ctx, ll := logctx.WithJob(ctx, jobID, d.Job.Attempt, l.heldBy)

	est, err := l.estimate(d.Job)
	if err != nil {
		ll.Warn("Invalid declared size; using the largest lease bucket",
			slog.Int64("declaredSizeBytes", d.Job.DeclaredSizeBytes),
			slog.Any("error", err))
	}

	if dup, ok := l.checkDuplicate(ctx, d); ok {
		return dup, nil
	}

	if l.maxAttempts > 0 && d.Job.Attempt > l.maxAttempts {
		reason := fmt.Sprintf("delivered %d times, limit is %d", d.Job.Attempt, l.maxAttempts)
		return l.deadLetter(ctx, d, reason), nil
	}

	if err := l.ledger.MarkRunning(ctx, jobID, ledger.Claim{Attempt: d.Job.Attempt, HeldBy: l.heldBy}); err != nil {
		ll.Warn("Failed to record running claim (continuing)", slog.Any("error", err))
	}

	ll.Info("Processing job",
		slog.Int64("declaredSizeBytes", d.Job.DeclaredSizeBytes),
		slog.Time("expiresAt", d.Lease.ExpiresAt),
		slog.Duration("heartbeatInterval", est.HeartbeatInterval),
		slog.Duration("extension", est.Extension))

	session := l.hb.Start(ctx, jobID, d.Lease, heartbeat.Cadence{
		Interval:    est.HeartbeatInterval,
		Extension:   est.Extension,
		MaxLifetime: l.est.MaxLeaseLifetime(),
	})
	started := l.clk.Now()

	var bodyErr error
	select {
	case bodyErr = <-l.runBody(ctx, d.Job):
	case <-ctx.Done():
		// The lease keeps whatever time it has left and then expires.
		session.Stop()
		l.events.HeartbeatStats(ctx, jobID, session.Snapshot().Stats())
		l.events.JobFinished(ctx, jobID, jobevents.OutcomeAbandoned, l.clk.Since(started))
		ll.Warn("Shutdown while job body was running; lease left to expire",
			slog.Time("expiresAt", session.Lease().ExpiresAt))
		return OutcomeAbandoned, ctx.Err()
	}

	session.Stop()
	elapsed := l.clk.Since(started)
	l.events.HeartbeatStats(ctx, jobID, session.Snapshot().Stats())

	// resolution must finish even if shutdown begins now
	rctx := context.WithoutCancel(ctx)
	d.Lease = session.Lease()

	if bodyErr == nil {
		l.complete(rctx, d)
		l.events.JobFinished(rctx, jobID, jobevents.OutcomeSucceeded, elapsed)
		return OutcomeSucceeded, nil
	}

	ll.Warn("Job body failed", slog.Any("error", bodyErr), slog.Duration("elapsed", elapsed))
	l.events.JobFinished(rctx, jobID, jobevents.OutcomeFailed, elapsed)

	if l.maxAttempts > 0 && d.Job.Attempt >= l.maxAttempts {
		return l.deadLetter(rctx, d, bodyErr.Error()), nil
	}

	// Redelivery happens when the lease runs out; nothing to do here.
	ll.Info("Lease left to expire for redelivery", slog.Time("expiresAt", d.Lease.ExpiresAt))
	return OutcomeFailed, nil
}

// checkDuplicate consults the ledger. A ledger outage never blocks work:
// the success marker is still conditional when the job finishes.
func (l *Loop) checkDuplicate(ctx context.Context, d pubsub.Delivery) (Outcome, bool) {
	ll := logctx.FromContext(ctx)
	rec, err := l.ledger.Check(ctx, d.Job.ID)
	if err != nil {
		ll.Warn("Failed to check outcome ledger (continuing)", slog.Any("error", err))
		return "", false
	}

	switch {
	case rec.State.Terminal():
		l.events.DuplicateDetected(ctx, d.Job.ID, string(rec.State), rec.Attempt)
		l.release(ctx, d.Job.ID, d.Lease)
		return OutcomeDuplicate, true

	case rec.State == ledger.StateRunning && rec.Attempt > d.Job.Attempt:
		// The newer holder resolves the delivery; ours simply expires.
		l.events.DuplicateDetected(ctx, d.Job.ID, string(rec.State), rec.Attempt)
		return OutcomeDuplicate, true
	}
	return "", false
}

func (l *Loop) runBody(ctx context.Context, job pubsub.Job) <-chan error {
	result := make(chan error, 1)
	bodyCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("job body panicked: %v", r)
			}
		}()
		result <- l.proc.Process(bodyCtx, job)
	}()
	return result
}

// complete records the success before deleting, so a crash in between
// leaves a redelivery the ledger resolves as a duplicate.
func (l *Loop) complete(ctx context.Context, d pubsub.Delivery) {
	ll := logctx.FromContext(ctx)

	applied, err := l.ledger.MarkSucceeded(ctx, d.Job.ID)
	switch {
	case err != nil:
		ll.Error("Failed to record success (continuing)", slog.Any("error", err))
	case !applied:
		ll.Info("Success was already recorded by another delivery")
	}

	l.release(ctx, d.Job.ID, d.Lease)
}

func (l *Loop) release(ctx context.Context, jobID uuid.UUID, lease pubsub.Lease) {
	err := l.broker.Delete(ctx, lease)
	switch {
	case err == nil:
	case errors.Is(err, pubsub.ErrInvalidToken):
		l.events.LeaseAlreadyReleased(ctx, jobID)
	default:
		logctx.FromContext(ctx).Error("Failed to delete delivery; it will be redelivered and resolved by the ledger",
			slog.Any("error", err))
	}
}

// deadLetter records the terminal failure only once the broker has moved
// the job. Otherwise the job stays on the broker and its lease runs out, so
// a failed marker would let the next delivery delete it unseen.
func (l *Loop) deadLetter(ctx context.Context, d pubsub.Delivery, reason string) Outcome {
	ll := logctx.FromContext(ctx)

	err := l.broker.DeadLetter(ctx, d, reason)
	switch {
	case err == nil:
	case errors.Is(err, pubsub.ErrNoDeadLetter):
		ll.Warn("No dead-letter destination configured; lease left to expire for the broker redrive policy",
			slog.String("reason", reason),
			slog.Time("expiresAt", d.Lease.ExpiresAt))
		return OutcomeFailed
	case errors.Is(err, pubsub.ErrInvalidToken):
		l.events.LeaseAlreadyReleased(ctx, d.Job.ID)
		return OutcomeFailed
	default:
		ll.Error("Failed to dead-letter job; lease left to expire", slog.Any("error", err))
		return OutcomeFailed
	}

	if err := l.ledger.MarkFailed(ctx, d.Job.ID, reason); err != nil {
		ll.Error("Failed to record failure", slog.Any("error", err))
	}
	l.events.DeadLettered(ctx, d.Job.ID, d.Job.Attempt, reason)
	return OutcomeDeadLettered
}
