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
	"log/slog"
	"sync"

	"github.com/cardinalhq/leaserunner/internal/logctx"
)

// DryRunExecutor only logs and records assertions.
type DryRunExecutor struct {
	mu       sync.Mutex
	current  int
	asserted []int
	failNext []error
}

var _ Executor = (*DryRunExecutor)(nil)

// NewDryRunExecutor starts with the given pool size.
func NewDryRunExecutor(initial int) *DryRunExecutor {
	return &DryRunExecutor{current: initial}
}

func (e *DryRunExecutor) Name() string {
	return "dryrun"
}

func (e *DryRunExecutor) CurrentCapacity(context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, nil
}

func (e *DryRunExecutor) AssertDesiredCapacity(ctx context.Context, n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.failNext) > 0 {
		err := e.failNext[0]
		e.failNext = e.failNext[1:]
		return err
	}
	logctx.FromContext(ctx).Info("Dry run: would set pool size",
		slog.Int("from", e.current),
		slog.Int("to", n))
	e.current = n
	e.asserted = append(e.asserted, n)
	return nil
}

// Assertions returns every capacity asserted so far, in order.
func (e *DryRunExecutor) Assertions() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.asserted))
	copy(out, e.asserted)
	return out
}

// FailNext makes the next assertions return errs in order.
func (e *DryRunExecutor) FailNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = append(e.failNext, errs...)
}
