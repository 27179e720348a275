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
	"time"

	"k8s.io/utils/clock"

	"github.com/cardinalhq/leaserunner/internal/estimator"
	"github.com/cardinalhq/leaserunner/internal/jobevents"
)

type Options interface {
	apply(l *Loop)
}

type optionFunc func(l *Loop)

func (f optionFunc) apply(l *Loop) {
	f(l)
}

// WithEstimator sets the lease table. Without this option the default
// bucket table is used.
func WithEstimator(est *estimator.Estimator) Options {
	return optionFunc(func(l *Loop) {
		l.est = est
	})
}

func WithClock(clk clock.WithTicker) Options {
	return optionFunc(func(l *Loop) {
		l.clk = clk
	})
}

func WithEmitter(e jobevents.Emitter) Options {
	return optionFunc(func(l *Loop) {
		l.events = e
	})
}

// WithHeldBy sets the worker identity recorded on leases and ledger claims.
func WithHeldBy(id string) Options {
	return optionFunc(func(l *Loop) {
		l.heldBy = id
	})
}

// WithPollWait sets the broker long-poll duration.
// Without this option, the default is 20 seconds.
func WithPollWait(d time.Duration) Options {
	return optionFunc(func(l *Loop) {
		if d < 0 {
			d = 0
		}
		l.pollWait = d
	})
}

// WithMaxAttempts sets how many deliveries a job gets before it is
// dead-lettered. Zero disables the limit.
func WithMaxAttempts(n int) Options {
	return optionFunc(func(l *Loop) {
		if n < 0 {
			n = 0
		}
		l.maxAttempts = n
	})
}

// WithReceiveBackoff bounds the wait between failed receive calls.
func WithReceiveBackoff(initial, maxWait time.Duration) Options {
	return optionFunc(func(l *Loop) {
		if initial > 0 {
			l.backoffInitial = initial
		}
		if maxWait > 0 {
			l.backoffMax = maxWait
		}
	})
}

// WithReadiness reports broker reachability under the "broker" condition.
func WithReadiness(r Readiness) Options {
	return optionFunc(func(l *Loop) {
		l.readiness = r
	})
}
