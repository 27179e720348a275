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

package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// MemoryLedger is an in-process Ledger. It is used by tests and by
// single-node runs that have no database.
type MemoryLedger struct {
	clk clock.PassiveClock

	mu      sync.Mutex
	records map[uuid.UUID]Record
	applied map[uuid.UUID]int
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger(clk clock.PassiveClock) *MemoryLedger {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryLedger{
		clk:     clk,
		records: make(map[uuid.UUID]Record),
		applied: make(map[uuid.UUID]int),
	}
}

func (l *MemoryLedger) Check(_ context.Context, jobID uuid.UUID) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[jobID]
	if !ok {
		return Record{State: StateNotStarted}, nil
	}
	return rec, nil
}

func (l *MemoryLedger) MarkRunning(_ context.Context, jobID uuid.UUID, claim Claim) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[jobID]
	if ok && rec.State.Terminal() {
		return nil
	}
	if ok && claim.Attempt < rec.Attempt {
		return nil
	}
	l.records[jobID] = Record{
		State:     StateRunning,
		Attempt:   claim.Attempt,
		ClaimedBy: claim.HeldBy,
		UpdatedAt: l.clk.Now(),
	}
	return nil
}

func (l *MemoryLedger) MarkSucceeded(_ context.Context, jobID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.records[jobID]
	if rec.State == StateSucceeded {
		return false, nil
	}
	rec.State = StateSucceeded
	rec.Reason = ""
	rec.UpdatedAt = l.clk.Now()
	l.records[jobID] = rec
	l.applied[jobID]++
	return true, nil
}

func (l *MemoryLedger) MarkFailed(_ context.Context, jobID uuid.UUID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.records[jobID]
	if rec.State == StateSucceeded {
		return nil
	}
	rec.State = StateFailed
	rec.Reason = reason
	rec.UpdatedAt = l.clk.Now()
	l.records[jobID] = rec
	return nil
}

// SuccessEffects returns how many MarkSucceeded calls took effect for jobID.
func (l *MemoryLedger) SuccessEffects(jobID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied[jobID]
}
