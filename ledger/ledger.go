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

// Package ledger records durable job outcomes. The broker's lease is only
// advisory; the ledger is what makes a job's success take effect once.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the recorded lifecycle state of a job.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Terminal reports whether no further work should ever run for the job.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ParseState converts a stored state name.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateNotStarted, StateRunning, StateSucceeded, StateFailed:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Record is what the ledger knows about a job.
type Record struct {
	State     State
	Attempt   int
	ClaimedBy string
	Reason    string
	UpdatedAt time.Time
}

// Claim identifies the delivery that is about to run a job.
type Claim struct {
	Attempt int
	HeldBy  string
}

// Ledger is the durable outcome store consulted by the worker loop.
//
// Check returns a Record with StateNotStarted for unknown jobs.
// MarkRunning never overrides a terminal state and never lowers the
// recorded attempt. MarkSucceeded is idempotent and reports whether this
// call is the one that recorded the success. MarkFailed never overrides a
// success.
type Ledger interface {
	Check(ctx context.Context, jobID uuid.UUID) (Record, error)
	MarkRunning(ctx context.Context, jobID uuid.UUID, claim Claim) error
	MarkSucceeded(ctx context.Context, jobID uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, jobID uuid.UUID, reason string) error
}
