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

// Package externalscaler asserts the size of the elastic worker pool from
// broker occupancy. It never talks to individual workers.
package externalscaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/cardinalhq/leaserunner/internal/logctx"
	"github.com/cardinalhq/leaserunner/internal/pubsub"
)

// ErrCooldownTooShort means the scale-in cooldown would let the pool shrink
// while a lease could still be alive.
var ErrCooldownTooShort = errors.New("scale-in cooldown must exceed the maximum lease lifetime")

// OccupancySource reads the scaling signal. pubsub.Broker satisfies it.
type OccupancySource interface {
	Occupancy(ctx context.Context) (pubsub.Occupancy, error)
}

// Executor realizes a desired pool size. Implementations must be idempotent;
// the new size may take minutes to materialize.
type Executor interface {
	Name() string
	CurrentCapacity(ctx context.Context) (int, error)
	AssertDesiredCapacity(ctx context.Context, n int) error
}

type Config struct {
	MaxPoolSize      int
	JobsPerWorker    int
	TickInterval     time.Duration
	ScaleOutCooldown time.Duration
	ScaleInCooldown  time.Duration

	// MaxLeaseLifetime is the longest any lease can live, including every
	// extension. ScaleInCooldown must exceed it.
	MaxLeaseLifetime time.Duration
}

func (c Config) validate() error {
	if c.MaxPoolSize < 0 {
		return fmt.Errorf("max pool size must not be negative, got %d", c.MaxPoolSize)
	}
	if c.JobsPerWorker < 1 {
		return fmt.Errorf("jobs per worker must be at least 1, got %d", c.JobsPerWorker)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.ScaleOutCooldown < 0 {
		return fmt.Errorf("scale-out cooldown must not be negative, got %s", c.ScaleOutCooldown)
	}
	if c.ScaleInCooldown <= c.MaxLeaseLifetime {
		return fmt.Errorf("%w: %s <= %s", ErrCooldownTooShort, c.ScaleInCooldown, c.MaxLeaseLifetime)
	}
	return nil
}

// Decision is the result of one tick.
type Decision struct {
	Occupancy pubsub.Occupancy
	Desired   int
	// Asserted is the capacity in force after the tick, or -1 if none is known.
	Asserted int
	// Changed is true when the executor was called this tick.
	Changed bool
}

type Option func(*Controller)

func WithClock(clk clock.WithTicker) Option {
	return func(c *Controller) {
		c.clk = clk
	}
}

// WithReadiness reports occupancy reads under the "occupancy" condition.
func WithReadiness(r Readiness) Option {
	return func(c *Controller) {
		c.readiness = r
	}
}

// Readiness receives named readiness conditions. healthcheck.Server satisfies it.
type Readiness interface {
	SetReadyCondition(name string, ready bool)
}

// Controller is the scaling control loop.
type Controller struct {
	source    OccupancySource
	exec      Executor
	cfg       Config
	clk       clock.WithTicker
	readiness Readiness

	mu           sync.Mutex
	asserted     int
	lastScaleOut time.Time
	lowSince     time.Time
	lowPeak      int
	lowActive    bool
	lastSample   pubsub.Occupancy
	lastDesired  int
}

func NewController(source OccupancySource, exec Executor, cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		source:   source,
		exec:     exec,
		cfg:      cfg,
		clk:      clock.RealClock{},
		asserted: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Desired maps a combined occupancy to a pool size. It is monotone in
// total and clamped to [0, MaxPoolSize].
func (c *Controller) Desired(total int) int {
	if total <= 0 {
		return 0
	}
	n := (total + c.cfg.JobsPerWorker - 1) / c.cfg.JobsPerWorker
	return min(n, c.cfg.MaxPoolSize)
}

// Tick reads occupancy once and asserts a new capacity if one is due.
// On a failed read nothing is asserted and the last assertion stands.
func (c *Controller) Tick(ctx context.Context) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ll := logctx.FromContext(ctx)

	occ, err := c.source.Occupancy(ctx)
	if err != nil {
		c.setReady(false)
		ll.Warn("Failed to read occupancy; holding capacity", slog.Any("error", err),
			slog.Int("asserted", c.asserted))
		return Decision{Desired: c.lastDesired, Asserted: c.asserted}, fmt.Errorf("failed to read occupancy: %w", err)
	}
	c.setReady(true)

	if c.asserted < 0 {
		c.adoptCurrentCapacity(ctx)
	}

	now := c.clk.Now()
	desired := c.Desired(occ.Total())
	c.lastSample = occ
	c.lastDesired = desired

	target := c.asserted
	scaleOut := false
	switch {
	case c.asserted < 0:
		target = desired
		scaleOut = true
	case desired > c.asserted:
		c.lowActive = false
		if c.lastScaleOut.IsZero() || now.Sub(c.lastScaleOut) >= c.cfg.ScaleOutCooldown {
			target = desired
			scaleOut = true
		}
	case desired < c.asserted:
		if !c.lowActive {
			c.lowActive = true
			c.lowSince = now
			c.lowPeak = desired
		}
		c.lowPeak = max(c.lowPeak, desired)
		if now.Sub(c.lowSince) >= c.cfg.ScaleInCooldown {
			target = c.lowPeak
		}
	default:
		c.lowActive = false
	}

	decision := Decision{Occupancy: occ, Desired: desired, Asserted: c.asserted}
	if target == c.asserted {
		return decision, nil
	}

	if err := c.exec.AssertDesiredCapacity(ctx, target); err != nil {
		ll.Error("Failed to assert desired capacity (will retry)",
			slog.String("executor", c.exec.Name()),
			slog.Int("target", target),
			slog.Any("error", err))
		recordAssertion(ctx, c.exec.Name(), direction(c.asserted, target), err)
		return decision, fmt.Errorf("failed to assert capacity %d: %w", target, err)
	}

	ll.Info("Asserted desired capacity",
		slog.String("executor", c.exec.Name()),
		slog.Int("from", c.asserted),
		slog.Int("to", target),
		slog.Int("claimed", occ.Claimed),
		slog.Int("unclaimed", occ.Unclaimed))
	recordAssertion(ctx, c.exec.Name(), direction(c.asserted, target), nil)

	if scaleOut {
		c.lastScaleOut = now
	}
	if target < c.asserted {
		c.lowActive = false
	}
	c.asserted = target

	decision.Asserted = target
	decision.Changed = true
	return decision, nil
}

// adoptCurrentCapacity seeds the baseline from the executor so a restarted
// controller does not shrink a busy pool on its first tick.
func (c *Controller) adoptCurrentCapacity(ctx context.Context) {
	current, err := c.exec.CurrentCapacity(ctx)
	if err != nil {
		logctx.FromContext(ctx).Warn("Failed to read current capacity", slog.Any("error", err))
		return
	}
	c.asserted = current
}

func (c *Controller) setReady(ready bool) {
	if c.readiness != nil {
		c.readiness.SetReadyCondition("occupancy", ready)
	}
}

// Run ticks every TickInterval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ll := logctx.FromContext(ctx)
	ll.Info("Starting scaling controller",
		slog.String("executor", c.exec.Name()),
		slog.Int("maxPoolSize", c.cfg.MaxPoolSize),
		slog.Duration("scaleOutCooldown", c.cfg.ScaleOutCooldown),
		slog.Duration("scaleInCooldown", c.cfg.ScaleInCooldown))

	ticker := c.clk.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			ll.Debug("Tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			ll.Info("Scaling controller stopped")
			return nil
		case <-ticker.C():
		}
	}
}

// State is a snapshot for metrics.
type State struct {
	Occupancy pubsub.Occupancy
	Desired   int
	Asserted  int
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Occupancy: c.lastSample, Desired: c.lastDesired, Asserted: c.asserted}
}

func direction(from, to int) string {
	if to > from {
		return "out"
	}
	return "in"
}
