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

package jobevents

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one recorded emission.
type Event struct {
	Name    string
	JobID   uuid.UUID
	Stats   HeartbeatStats
	State   string
	Outcome string
	Attempt int
	Reason  string
	Err     error
}

// Collector records events in memory. It is safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

var _ Emitter = (*Collector)(nil)

func (c *Collector) add(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Events returns a copy of everything recorded so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Named returns the recorded events with the given name.
func (c *Collector) Named(name string) []Event {
	var out []Event
	for _, e := range c.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (c *Collector) Count(name string) int {
	return len(c.Named(name))
}

func (c *Collector) HeartbeatExtended(_ context.Context, jobID uuid.UUID, stats HeartbeatStats) {
	c.add(Event{Name: EventHeartbeatExtended, JobID: jobID, Stats: stats})
}

func (c *Collector) HeartbeatExtensionFailed(_ context.Context, jobID uuid.UUID, err error, stats HeartbeatStats) {
	c.add(Event{Name: EventHeartbeatExtensionFailed, JobID: jobID, Stats: stats, Err: err})
}

func (c *Collector) HeartbeatStats(_ context.Context, jobID uuid.UUID, stats HeartbeatStats) {
	c.add(Event{Name: EventHeartbeatStats, JobID: jobID, Stats: stats})
}

func (c *Collector) DuplicateDetected(_ context.Context, jobID uuid.UUID, state string, attempt int) {
	c.add(Event{Name: EventDuplicateDetected, JobID: jobID, State: state, Attempt: attempt})
}

func (c *Collector) DeadLettered(_ context.Context, jobID uuid.UUID, attempt int, reason string) {
	c.add(Event{Name: EventDeadLettered, JobID: jobID, Attempt: attempt, Reason: reason})
}

func (c *Collector) LeaseAlreadyReleased(_ context.Context, jobID uuid.UUID) {
	c.add(Event{Name: EventLeaseAlreadyReleased, JobID: jobID})
}

func (c *Collector) JobFinished(_ context.Context, jobID uuid.UUID, outcome string, _ time.Duration) {
	c.add(Event{Name: EventJobFinished, JobID: jobID, Outcome: outcome})
}
