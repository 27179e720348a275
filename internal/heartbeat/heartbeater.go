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

package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/cardinalhq/leaserunner/internal/jobevents"
	"github.com/cardinalhq/leaserunner/internal/pubsub"
)

var (
	// ErrLeaseLapsed means the lease expired before the next heartbeat could extend it.
	ErrLeaseLapsed = errors.New("lease expired before it could be extended")

	// ErrLifetimeCap means the lease reached its maximum lifetime.
	ErrLifetimeCap = errors.New("lease reached its maximum lifetime")
)

// Extender extends a held lease. pubsub.Broker satisfies it.
type Extender interface {
	Extend(ctx context.Context, lease pubsub.Lease, additional time.Duration) (pubsub.Lease, error)
}

// Cadence is how often a session extends a lease and by how much.
type Cadence struct {
	Interval  time.Duration
	Extension time.Duration

	// MaxLifetime caps how far past ClaimedAt the lease may be pushed.
	// Zero means no cap.
	MaxLifetime time.Duration
}

// Controller starts heartbeat sessions against one Extender.
type Controller struct {
	ext    Extender
	clk    clock.WithTicker
	events jobevents.Emitter
	ll     *slog.Logger
}

type Option func(*Controller)

func WithClock(clk clock.WithTicker) Option {
	return func(c *Controller) {
		c.clk = clk
	}
}

func WithEmitter(e jobevents.Emitter) Option {
	return func(c *Controller) {
		c.events = e
	}
}

func WithLogger(ll *slog.Logger) Option {
	return func(c *Controller) {
		c.ll = ll
	}
}

func NewController(ext Extender, opts ...Option) *Controller {
	c := &Controller{
		ext:    ext,
		clk:    clock.RealClock{},
		events: &jobevents.Collector{},
		ll:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ll = c.ll.With("component", "heartbeater")
	return c
}

// Session keeps one lease alive until stopped. It never touches the job
// body; a lost lease only halts the session.
type Session struct {
	c       *Controller
	jobID   uuid.UUID
	cadence Cadence
	ll      *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	lease   pubsub.Lease
	count   int
	total   time.Duration
	lastErr error
	running bool
	haltErr error
}

// Snapshot is the observable state of a session.
type Snapshot struct {
	ExtensionCount int
	TotalExtended  time.Duration
	LastError      error
	IsRunning      bool
	ExpiresAt      time.Time
}

// Stats converts the snapshot for event emission.
func (s Snapshot) Stats() jobevents.HeartbeatStats {
	st := jobevents.HeartbeatStats{
		ExtensionCount: s.ExtensionCount,
		TotalExtended:  s.TotalExtended,
		IsRunning:      s.IsRunning,
		ExpiresAt:      s.ExpiresAt,
	}
	if s.LastError != nil {
		st.LastError = s.LastError.Error()
	}
	return st
}

// Start begins extending lease in a goroutine. The first extension happens
// one interval after Start.
func (c *Controller) Start(ctx context.Context, jobID uuid.UUID, lease pubsub.Lease, cadence Cadence) *Session {
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		c:       c,
		jobID:   jobID,
		cadence: cadence,
		ll:      c.ll.With(slog.String("job_id", jobID.String())),
		cancel:  cancel,
		done:    make(chan struct{}),
		lease:   lease,
		running: true,
	}

	// created here so a test clock sees the waiter as soon as Start returns
	ticker := c.clk.NewTicker(cadence.Interval)
	go s.run(sessionCtx, ticker)

	return s
}

func (s *Session) run(ctx context.Context, ticker clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()
	defer s.setRunning(false)

	s.ll.Debug("Starting heartbeat loop",
		slog.Duration("interval", s.cadence.Interval),
		slog.Duration("extension", s.cadence.Extension))

	for {
		select {
		case <-ctx.Done():
			s.ll.Debug("Heartbeat stopped")
			return
		case <-ticker.C():
			if !s.beat(ctx) {
				return
			}
		}
	}
}

// beat issues one extension. It returns false when the session must halt.
func (s *Session) beat(ctx context.Context) bool {
	lease := s.Lease()
	now := s.c.clk.Now()

	if !now.Before(lease.ExpiresAt) {
		s.halt(ErrLeaseLapsed)
		return false
	}

	additional := s.cadence.Extension
	if s.cadence.MaxLifetime > 0 {
		capAt := lease.ClaimedAt.Add(s.cadence.MaxLifetime)
		additional = min(additional, capAt.Sub(lease.ExpiresAt))
		if additional <= 0 {
			s.halt(ErrLifetimeCap)
			return false
		}
	}

	extended, err := s.c.ext.Extend(ctx, lease, additional)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.recordError(err)
		s.c.events.HeartbeatExtensionFailed(ctx, s.jobID, err, s.Snapshot().Stats())
		if errors.Is(err, pubsub.ErrInvalidToken) {
			s.halt(err)
			return false
		}
		s.ll.Error("Failed to extend lease (continuing)", slog.Any("error", err))
		return true
	}

	s.mu.Lock()
	s.lease = extended
	s.count++
	s.total += additional
	s.mu.Unlock()

	s.c.events.HeartbeatExtended(ctx, s.jobID, s.Snapshot().Stats())
	return true
}

func (s *Session) halt(reason error) {
	s.mu.Lock()
	s.haltErr = reason
	s.lastErr = reason
	s.mu.Unlock()
	s.ll.Warn("Heartbeat halted; the lease will not be extended again", slog.Any("error", reason))
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *Session) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// Stop halts the session and waits for any in-flight extension to finish.
// It is safe to call more than once and after the session halted on its own.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
	})
	<-s.done
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session halted on its own, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haltErr
}

// Lease returns the most recently confirmed lease, whose token is the one
// to use for resolving the delivery.
func (s *Session) Lease() pubsub.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ExtensionCount: s.count,
		TotalExtended:  s.total,
		LastError:      s.lastErr,
		IsRunning:      s.running,
		ExpiresAt:      s.lease.ExpiresAt,
	}
}
