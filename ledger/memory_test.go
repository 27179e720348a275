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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestMemoryLedger_UnknownJobIsNotStarted(t *testing.T) {
	l := NewMemoryLedger(nil)
	rec, err := l.Check(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, rec.State)
}

func TestMemoryLedger_MarkRunning(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakePassiveClock(time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC))
	l := NewMemoryLedger(clk)
	jobID := uuid.New()

	require.NoError(t, l.MarkRunning(ctx, jobID, Claim{Attempt: 2, HeldBy: "edge"}))
	rec, err := l.Check(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rec.State)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, "edge", rec.ClaimedBy)
	assert.Equal(t, clk.Now(), rec.UpdatedAt)

	// an older delivery never takes the claim back
	require.NoError(t, l.MarkRunning(ctx, jobID, Claim{Attempt: 1, HeldBy: "pool-1"}))
	rec, _ = l.Check(ctx, jobID)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, "edge", rec.ClaimedBy)

	require.NoError(t, l.MarkRunning(ctx, jobID, Claim{Attempt: 3, HeldBy: "pool-1"}))
	rec, _ = l.Check(ctx, jobID)
	assert.Equal(t, 3, rec.Attempt)
	assert.Equal(t, "pool-1", rec.ClaimedBy)
}

func TestMemoryLedger_TerminalStatesStick(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	jobID := uuid.New()

	applied, err := l.MarkSucceeded(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, applied)

	require.NoError(t, l.MarkRunning(ctx, jobID, Claim{Attempt: 5}))
	require.NoError(t, l.MarkFailed(ctx, jobID, "too late"))

	rec, err := l.Check(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, rec.State)
	assert.Empty(t, rec.Reason)
}

func TestMemoryLedger_MarkSucceededTakesEffectOnce(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	jobID := uuid.New()

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			applied, err := l.MarkSucceeded(ctx, jobID)
			assert.NoError(t, err)
			results[i] = applied
		}(i)
	}
	wg.Wait()

	count := 0
	for _, applied := range results {
		if applied {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, l.SuccessEffects(jobID))
}

func TestMemoryLedger_FailedCanBeSucceededLater(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(nil)
	jobID := uuid.New()

	require.NoError(t, l.MarkFailed(ctx, jobID, "exhausted"))
	rec, _ := l.Check(ctx, jobID)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, "exhausted", rec.Reason)

	applied, err := l.MarkSucceeded(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, applied)
	rec, _ = l.Check(ctx, jobID)
	assert.Equal(t, StateSucceeded, rec.State)
}

func TestParseState(t *testing.T) {
	for _, s := range []State{StateNotStarted, StateRunning, StateSucceeded, StateFailed} {
		got, err := ParseState(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("paused")
	assert.Error(t, err)

	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.False(t, StateNotStarted.Terminal())
}
