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

// Package estimator maps a job's declared size to lease timing.
//
// The table is intentionally coarse. Each bucket only needs enough margin
// that a single missed heartbeat does not let the lease lapse.
package estimator

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	MiB int64 = 1024 * 1024
	GiB int64 = 1024 * MiB
)

// DefaultMaxLeaseLifetime bounds how far heartbeats may push a lease past its
// claim time. It covers a body running three times the largest initial lease.
const DefaultMaxLeaseLifetime = 3*time.Hour + 30*time.Minute

// lifetimeFactor is how many initial leases a body may run before the cap bites.
const lifetimeFactor = 3

var ErrInvalidSize = errors.New("declared size must be positive")

// Estimate is the lease timing for one job.
type Estimate struct {
	InitialLease      time.Duration
	HeartbeatInterval time.Duration
	Extension         time.Duration
}

// Bucket covers sizes up to and including MaxBytes. A MaxBytes of zero
// marks the open-ended final bucket.
type Bucket struct {
	MaxBytes          int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
	InitialLease      time.Duration `mapstructure:"initial_lease" yaml:"initial_lease"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	Extension         time.Duration `mapstructure:"extension" yaml:"extension"`
}

func (b Bucket) estimate() Estimate {
	return Estimate{
		InitialLease:      b.InitialLease,
		HeartbeatInterval: b.HeartbeatInterval,
		Extension:         b.Extension,
	}
}

// DefaultBuckets is sized for single-GPU transcodes of match footage.
func DefaultBuckets() []Bucket {
	return []Bucket{
		{MaxBytes: 100 * MiB, InitialLease: 5 * time.Minute, HeartbeatInterval: time.Minute, Extension: 90 * time.Second},
		{MaxBytes: 500 * MiB, InitialLease: 10 * time.Minute, HeartbeatInterval: 2 * time.Minute, Extension: 150 * time.Second},
		{MaxBytes: 2 * GiB, InitialLease: 20 * time.Minute, HeartbeatInterval: 3 * time.Minute, Extension: 4 * time.Minute},
		{MaxBytes: 4 * GiB, InitialLease: 35 * time.Minute, HeartbeatInterval: 4 * time.Minute, Extension: 5 * time.Minute},
		{MaxBytes: 6 * GiB, InitialLease: 50 * time.Minute, HeartbeatInterval: 5 * time.Minute, Extension: 6 * time.Minute},
		{MaxBytes: 0, InitialLease: time.Hour, HeartbeatInterval: 5 * time.Minute, Extension: 7 * time.Minute},
	}
}

type Estimator struct {
	buckets     []Bucket
	maxLifetime time.Duration
}

// Default returns an Estimator over DefaultBuckets.
func Default() *Estimator {
	e, err := New(DefaultBuckets(), DefaultMaxLeaseLifetime)
	if err != nil {
		panic(err)
	}
	return e
}

// New validates the bucket table and returns an Estimator for it.
// Buckets must be ordered by MaxBytes, end with an open-ended bucket,
// widen monotonically, and satisfy
// HeartbeatInterval < Extension < InitialLease with room for one missed beat.
// maxLifetime must allow three initial leases of the largest bucket.
func New(buckets []Bucket, maxLifetime time.Duration) (*Estimator, error) {
	if len(buckets) == 0 {
		return nil, errors.New("at least one bucket is required")
	}
	if buckets[len(buckets)-1].MaxBytes != 0 {
		return nil, errors.New("last bucket must be open-ended (max_bytes 0)")
	}

	var prev *Bucket
	for i := range buckets {
		b := buckets[i]
		if b.HeartbeatInterval <= 0 {
			return nil, fmt.Errorf("bucket %d: heartbeat interval must be positive", i)
		}
		if b.HeartbeatInterval >= b.Extension {
			return nil, fmt.Errorf("bucket %d: heartbeat interval %s must be shorter than extension %s", i, b.HeartbeatInterval, b.Extension)
		}
		if b.Extension >= b.InitialLease {
			return nil, fmt.Errorf("bucket %d: extension %s must be shorter than initial lease %s", i, b.Extension, b.InitialLease)
		}
		// The first beat plus one missed beat must still land inside the initial lease.
		if 2*b.HeartbeatInterval >= b.InitialLease {
			return nil, fmt.Errorf("bucket %d: initial lease %s leaves no room for a missed heartbeat", i, b.InitialLease)
		}
		if b.InitialLease > maxLifetime {
			return nil, fmt.Errorf("bucket %d: initial lease %s exceeds max lease lifetime %s", i, b.InitialLease, maxLifetime)
		}
		if maxLifetime < lifetimeFactor*b.InitialLease {
			return nil, fmt.Errorf("bucket %d: max lease lifetime %s must be at least %d times initial lease %s",
				i, maxLifetime, lifetimeFactor, b.InitialLease)
		}
		if prev != nil {
			if i < len(buckets)-1 && b.MaxBytes <= prev.MaxBytes {
				return nil, fmt.Errorf("bucket %d: max_bytes must increase", i)
			}
			if b.InitialLease < prev.InitialLease || b.HeartbeatInterval < prev.HeartbeatInterval || b.Extension < prev.Extension {
				return nil, fmt.Errorf("bucket %d: timings must not shrink for larger sizes", i)
			}
		}
		if i < len(buckets)-1 && b.MaxBytes <= 0 {
			return nil, fmt.Errorf("bucket %d: only the last bucket may be open-ended", i)
		}
		prev = &buckets[i]
	}

	return &Estimator{
		buckets:     slices.Clone(buckets),
		maxLifetime: maxLifetime,
	}, nil
}

// Estimate returns the lease timing for a job of the given declared size.
func (e *Estimator) Estimate(sizeBytes int64) (Estimate, error) {
	if sizeBytes <= 0 {
		return Estimate{}, fmt.Errorf("%w: %d", ErrInvalidSize, sizeBytes)
	}
	for _, b := range e.buckets {
		if b.MaxBytes == 0 || sizeBytes <= b.MaxBytes {
			return b.estimate(), nil
		}
	}
	// unreachable: New guarantees an open-ended last bucket
	return e.Largest(), nil
}

// Largest returns the timing of the widest bucket.
func (e *Estimator) Largest() Estimate {
	return e.buckets[len(e.buckets)-1].estimate()
}

// MaxLeaseLifetime is the longest a single delivery can stay leased,
// counting the initial lease and every extension.
func (e *Estimator) MaxLeaseLifetime() time.Duration {
	return e.maxLifetime
}

// Buckets returns a copy of the table.
func (e *Estimator) Buckets() []Bucket {
	return slices.Clone(e.buckets)
}
