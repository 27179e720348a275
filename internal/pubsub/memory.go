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
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

const defaultMemoryLease = 30 * time.Second

// MemoryStats counts broker operations for tests and the local runner.
type MemoryStats struct {
	Receives    int
	Extensions  int
	Deletes     int
	DeadLetters int
}

// DeadLettered is a job moved aside after exhausting its attempts.
type DeadLettered struct {
	Job    Job
	Reason string
}

type memMessage struct {
	job       Job
	receives  int
	visibleAt time.Time

	token     string
	claimedAt time.Time
	heldBy    string
}

// MemoryBroker is an in-process Broker driven by an injectable clock.
// Leases behave like a visibility timeout: a claimed message becomes
// receivable again exactly when its lease expires. Every receive and every
// extension issues a fresh token, so stale tokens are always rejected.
type MemoryBroker struct {
	clk clock.Clock

	mu         sync.Mutex
	msgs       []*memMessage
	byToken    map[string]*memMessage
	dlq        []DeadLettered
	deadLetter bool
	changed    chan struct{}
	stats      MemoryStats

	extendFailures []error
}

var _ Broker = (*MemoryBroker)(nil)

type MemoryOption func(*MemoryBroker)

// WithMemoryDeadLetter enables the dead-letter destination.
func WithMemoryDeadLetter() MemoryOption {
	return func(b *MemoryBroker) {
		b.deadLetter = true
	}
}

func NewMemoryBroker(clk clock.Clock, opts ...MemoryOption) *MemoryBroker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	b := &MemoryBroker{
		clk:     clk,
		byToken: make(map[string]*memMessage),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) Name() string {
	return string(BackendTypeMemory)
}

// notifyLocked wakes any long-polling receivers.
func (b *MemoryBroker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *MemoryBroker) Send(_ context.Context, job Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := b.clk.Now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	job.Attempt = 0

	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, &memMessage{job: job, visibleAt: now})
	b.notifyLocked()
	return nil
}

func (b *MemoryBroker) Receive(ctx context.Context, opts ReceiveOptions) (*Delivery, error) {
	deadline := b.clk.Now().Add(opts.Wait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		now := b.clk.Now()
		if d := b.claimLocked(now, opts); d != nil {
			b.mu.Unlock()
			return d, nil
		}
		if !now.Before(deadline) {
			b.mu.Unlock()
			return nil, nil
		}
		wait := deadline.Sub(now)
		if next, ok := b.nextVisibleLocked(now); ok && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		case <-b.clk.After(wait):
		}
	}
}

func (b *MemoryBroker) claimLocked(now time.Time, opts ReceiveOptions) *Delivery {
	for _, m := range b.msgs {
		if now.Before(m.visibleAt) {
			continue
		}
		if m.token != "" {
			delete(b.byToken, m.token)
		}
		m.receives++
		job := m.job
		job.Attempt = m.receives

		leaseFor := defaultMemoryLease
		if opts.LeaseFor != nil {
			leaseFor = opts.LeaseFor(job)
		}

		m.token = uuid.NewString()
		m.claimedAt = now
		m.heldBy = opts.HeldBy
		m.visibleAt = now.Add(leaseFor)
		b.byToken[m.token] = m
		b.stats.Receives++

		return &Delivery{
			Job: job,
			Lease: Lease{
				Token:     m.token,
				ClaimedAt: now,
				ExpiresAt: m.visibleAt,
				HeldBy:    opts.HeldBy,
			},
		}
	}
	return nil
}

func (b *MemoryBroker) nextVisibleLocked(now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for _, m := range b.msgs {
		if !m.visibleAt.After(now) {
			continue
		}
		if !found || m.visibleAt.Before(next) {
			next = m.visibleAt
			found = true
		}
	}
	return next, found
}

// liveLocked returns the message held under token, or nil when the token
// is unknown, superseded, or its lease has lapsed.
func (b *MemoryBroker) liveLocked(token string, now time.Time) *memMessage {
	m, ok := b.byToken[token]
	if !ok || m.token != token {
		return nil
	}
	if !now.Before(m.visibleAt) {
		return nil
	}
	return m
}

func (b *MemoryBroker) Extend(_ context.Context, lease Lease, additional time.Duration) (Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.extendFailures) > 0 {
		err := b.extendFailures[0]
		b.extendFailures = b.extendFailures[1:]
		if err != nil {
			return lease, err
		}
	}

	now := b.clk.Now()
	m := b.liveLocked(lease.Token, now)
	if m == nil {
		return lease, ErrInvalidToken
	}

	delete(b.byToken, m.token)
	m.token = uuid.NewString()
	m.visibleAt = m.visibleAt.Add(additional)
	b.byToken[m.token] = m
	b.stats.Extensions++

	lease.Token = m.token
	lease.ExpiresAt = m.visibleAt
	return lease, nil
}

func (b *MemoryBroker) Delete(_ context.Context, lease Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.liveLocked(lease.Token, b.clk.Now())
	if m == nil {
		return ErrInvalidToken
	}
	b.removeLocked(m)
	b.stats.Deletes++
	return nil
}

func (b *MemoryBroker) DeadLetter(_ context.Context, d Delivery, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.deadLetter {
		return ErrNoDeadLetter
	}
	m := b.liveLocked(d.Lease.Token, b.clk.Now())
	if m == nil {
		return ErrInvalidToken
	}
	job := m.job
	job.Attempt = m.receives
	b.dlq = append(b.dlq, DeadLettered{Job: job, Reason: reason})
	b.removeLocked(m)
	b.stats.DeadLetters++
	return nil
}

func (b *MemoryBroker) removeLocked(m *memMessage) {
	delete(b.byToken, m.token)
	for i, x := range b.msgs {
		if x == m {
			b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
			break
		}
	}
}

func (b *MemoryBroker) Occupancy(context.Context) (Occupancy, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	var occ Occupancy
	for _, m := range b.msgs {
		if now.Before(m.visibleAt) {
			occ.Claimed++
		} else {
			occ.Unclaimed++
		}
	}
	return occ, nil
}

// FailExtends makes the next len(errs) Extend calls return the given errors
// in order. A nil entry lets that call through.
func (b *MemoryBroker) FailExtends(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.extendFailures = append(b.extendFailures, errs...)
}

func (b *MemoryBroker) Stats() MemoryStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *MemoryBroker) DeadLettered() []DeadLettered {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLettered, len(b.dlq))
	copy(out, b.dlq)
	return out
}

// Len returns the number of jobs still on the queue, claimed or not.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}
