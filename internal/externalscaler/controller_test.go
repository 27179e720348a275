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

package externalscaler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/cardinalhq/leaserunner/internal/pubsub"
)

var epoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu  sync.Mutex
	occ pubsub.Occupancy
	err error
}

func (s *fakeSource) set(claimed, unclaimed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occ = pubsub.Occupancy{Claimed: claimed, Unclaimed: unclaimed}
	s.err = nil
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) Occupancy(context.Context) (pubsub.Occupancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occ, s.err
}

func testConfig() Config {
	return Config{
		MaxPoolSize:      10,
		JobsPerWorker:    1,
		TickInterval:     30 * time.Second,
		ScaleOutCooldown: time.Minute,
		ScaleInCooldown:  2*time.Hour + 15*time.Minute,
		MaxLeaseLifetime: 2 * time.Hour,
	}
}

type fixture struct {
	clk    *clocktesting.FakeClock
	source *fakeSource
	exec   *DryRunExecutor
	ctrl   *Controller
}

func newFixture(t *testing.T, initial int) *fixture {
	t.Helper()
	clk := clocktesting.NewFakeClock(epoch)
	source := &fakeSource{}
	exec := NewDryRunExecutor(initial)
	ctrl, err := NewController(source, exec, testConfig(), WithClock(clk))
	require.NoError(t, err)
	return &fixture{clk: clk, source: source, exec: exec, ctrl: ctrl}
}

func (f *fixture) tick(t *testing.T) Decision {
	t.Helper()
	d, err := f.ctrl.Tick(context.Background())
	require.NoError(t, err)
	return d
}

func TestNewController_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.ScaleInCooldown = cfg.MaxLeaseLifetime
	_, err := NewController(&fakeSource{}, NewDryRunExecutor(0), cfg)
	assert.ErrorIs(t, err, ErrCooldownTooShort)

	cfg = testConfig()
	cfg.JobsPerWorker = 0
	_, err = NewController(&fakeSource{}, NewDryRunExecutor(0), cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.TickInterval = 0
	_, err = NewController(&fakeSource{}, NewDryRunExecutor(0), cfg)
	assert.Error(t, err)
}

func TestDesired(t *testing.T) {
	f := newFixture(t, 0)
	prev := 0
	for total := 0; total <= 25; total++ {
		d := f.ctrl.Desired(total)
		assert.GreaterOrEqual(t, d, prev, "desired must not decrease as occupancy grows")
		assert.LessOrEqual(t, d, 10)
		prev = d
	}
	assert.Equal(t, 0, f.ctrl.Desired(0))
	assert.Equal(t, 3, f.ctrl.Desired(3))
	assert.Equal(t, 10, f.ctrl.Desired(25))

	cfg := testConfig()
	cfg.JobsPerWorker = 2
	ctrl, err := NewController(&fakeSource{}, NewDryRunExecutor(0), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, ctrl.Desired(3))
	assert.Equal(t, 1, ctrl.Desired(1))
}

func TestTick_ScaleOutIsPrompt(t *testing.T) {
	f := newFixture(t, 0)

	d := f.tick(t)
	assert.False(t, d.Changed)
	assert.Equal(t, 0, d.Asserted)

	f.clk.Step(30 * time.Second)
	f.source.set(2, 5)
	d = f.tick(t)
	assert.True(t, d.Changed)
	assert.Equal(t, 7, d.Asserted)

	// more work arrives inside the scale-out cooldown
	f.source.set(4, 46)
	f.clk.Step(30 * time.Second)
	d = f.tick(t)
	assert.False(t, d.Changed)
	assert.Equal(t, 7, d.Asserted)

	f.clk.Step(30 * time.Second)
	d = f.tick(t)
	assert.True(t, d.Changed)
	assert.Equal(t, 10, d.Asserted, "capped at the max pool size")

	assert.Equal(t, []int{7, 10}, f.exec.Assertions())
}

func TestTick_ScaleInWaitsOutLeaseLifetime(t *testing.T) {
	f := newFixture(t, 0)
	f.source.set(4, 0)
	f.tick(t)
	require.Equal(t, []int{4}, f.exec.Assertions())

	// occupancy drops to zero at T
	f.clk.Step(time.Minute)
	dropped := f.clk.Now()
	f.source.set(0, 0)

	for f.clk.Now().Before(dropped.Add(testConfig().ScaleInCooldown)) {
		d := f.tick(t)
		require.False(t, d.Changed, "scaled in at %s after the drop", f.clk.Since(dropped))
		require.Equal(t, 4, d.Asserted)
		f.clk.Step(30 * time.Second)
	}

	assert.GreaterOrEqual(t, f.clk.Since(dropped), testConfig().MaxLeaseLifetime)
	d := f.tick(t)
	assert.True(t, d.Changed)
	assert.Equal(t, 0, d.Asserted)
	assert.Equal(t, []int{4, 0}, f.exec.Assertions())
}

func TestTick_ScaleInUsesPeakOfWindow(t *testing.T) {
	f := newFixture(t, 0)
	f.source.set(4, 0)
	f.tick(t)

	f.source.set(1, 0)
	f.clk.Step(time.Minute)
	start := f.clk.Now()
	f.tick(t)

	f.source.set(3, 0)
	f.clk.SetTime(start.Add(time.Hour))
	f.tick(t)

	f.source.set(0, 0)
	f.clk.SetTime(start.Add(2 * time.Hour))
	f.tick(t)

	f.clk.SetTime(start.Add(testConfig().ScaleInCooldown))
	d := f.tick(t)
	assert.True(t, d.Changed)
	assert.Equal(t, 3, d.Asserted)
}

func TestTick_RiseResetsScaleInWindow(t *testing.T) {
	f := newFixture(t, 0)
	f.source.set(4, 0)
	f.tick(t)
	start := f.clk.Now()

	f.source.set(0, 0)
	f.tick(t)

	f.clk.SetTime(start.Add(time.Hour))
	f.source.set(2, 2)
	f.tick(t)

	f.clk.SetTime(start.Add(90 * time.Minute))
	f.source.set(0, 0)
	f.tick(t)

	f.clk.SetTime(start.Add(testConfig().ScaleInCooldown))
	assert.False(t, f.tick(t).Changed)

	f.clk.SetTime(start.Add(90*time.Minute + testConfig().ScaleInCooldown))
	d := f.tick(t)
	assert.True(t, d.Changed)
	assert.Equal(t, 0, d.Asserted)
}

func TestTick_DoesNotReassertUnchanged(t *testing.T) {
	f := newFixture(t, 0)
	f.source.set(1, 2)
	for range 10 {
		f.tick(t)
		f.clk.Step(30 * time.Second)
	}
	assert.Equal(t, []int{3}, f.exec.Assertions())
}

func TestTick_ReadFailureHoldsCapacity(t *testing.T) {
	f := newFixture(t, 0)
	f.source.set(4, 0)
	f.tick(t)

	f.source.fail(errors.New("throttled"))
	for range 10 {
		f.clk.Step(time.Hour)
		d, err := f.ctrl.Tick(context.Background())
		require.Error(t, err)
		assert.False(t, d.Changed)
		assert.Equal(t, 4, d.Asserted)
	}
	assert.Equal(t, []int{4}, f.exec.Assertions())
}

func TestTick_ExecutorFailureIsRetried(t *testing.T) {
	f := newFixture(t, 0)
	f.exec.FailNext(errors.New("service busy"))
	f.source.set(0, 3)

	d, err := f.ctrl.Tick(context.Background())
	require.Error(t, err)
	assert.False(t, d.Changed)
	assert.Equal(t, 0, d.Asserted)

	f.clk.Step(30 * time.Second)
	d = f.tick(t)
	assert.True(t, d.Changed)
	assert.Equal(t, 3, d.Asserted)
}

func TestTick_RestartAdoptsCurrentCapacity(t *testing.T) {
	f := newFixture(t, 6)
	f.source.set(0, 0)

	d := f.tick(t)
	assert.False(t, d.Changed)
	assert.Equal(t, 6, d.Asserted)
	assert.Empty(t, f.exec.Assertions())
}

type blindExecutor struct {
	*DryRunExecutor
}

func (blindExecutor) CurrentCapacity(context.Context) (int, error) {
	return 0, errors.New("access denied")
}

func TestTick_UnknownCapacityAssertsImmediately(t *testing.T) {
	exec := blindExecutor{NewDryRunExecutor(0)}
	ctrl, err := NewController(&fakeSource{occ: pubsub.Occupancy{Claimed: 2}}, exec, testConfig(),
		WithClock(clocktesting.NewFakeClock(epoch)))
	require.NoError(t, err)

	d, err := ctrl.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Changed)
	assert.Equal(t, 2, d.Asserted)
}

type readinessRecorder struct {
	mu    sync.Mutex
	ready map[string]bool
}

func (r *readinessRecorder) SetReadyCondition(name string, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready == nil {
		r.ready = map[string]bool{}
	}
	r.ready[name] = ready
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	source := &fakeSource{}
	source.set(0, 3)
	exec := NewDryRunExecutor(0)
	ready := &readinessRecorder{}
	ctrl, err := NewController(source, exec, testConfig(), WithClock(clk), WithReadiness(ready))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(exec.Assertions()) == 1
	}, time.Second, time.Millisecond)

	source.set(0, 5)
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Minute)
	require.Eventually(t, func() bool {
		return len(exec.Assertions()) == 2
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}

	assert.Equal(t, []int{3, 5}, exec.Assertions())
	assert.Equal(t, State{Occupancy: pubsub.Occupancy{Unclaimed: 5}, Desired: 5, Asserted: 5}, ctrl.State())
	ready.mu.Lock()
	assert.True(t, ready.ready["occupancy"])
	ready.mu.Unlock()
}
