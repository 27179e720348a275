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

package leasemgr

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/leaserunner/internal/logctx"
)

// Pool runs a fixed number of Loops against the same broker. Each slot
// holds at most one lease at a time.
type Pool struct {
	loops []*Loop
}

// NewPool builds concurrency loops. newLoop receives the slot index and
// is expected to give each slot its own identity.
func NewPool(concurrency int, newLoop func(slot int) *Loop) (*Pool, error) {
	if concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1, got %d", concurrency)
	}
	p := &Pool{loops: make([]*Loop, 0, concurrency)}
	for i := range concurrency {
		p.loops = append(p.loops, newLoop(i))
	}
	return p, nil
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.loops)
}

// Run blocks until ctx is cancelled and every slot has returned. A slot
// that is mid-job at shutdown stops heartbeating and leaves its lease to
// expire.
func (p *Pool) Run(ctx context.Context) error {
	logctx.FromContext(ctx).Info("Starting worker pool", slog.Int("slots", len(p.loops)))

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range p.loops {
		g.Go(func() error {
			return l.Run(gctx)
		})
	}
	return g.Wait()
}
