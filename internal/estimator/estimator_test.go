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

package estimator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBuckets_LeaseMargin(t *testing.T) {
	e := Default()
	for i, b := range e.Buckets() {
		assert.Less(t, b.HeartbeatInterval, b.Extension, "bucket %d", i)
		assert.Less(t, b.Extension, b.InitialLease, "bucket %d", i)
		assert.Less(t, 2*b.HeartbeatInterval, b.InitialLease, "bucket %d", i)
	}
}

func TestEstimate_FourGiBMatch(t *testing.T) {
	est, err := Default().Estimate(4 * GiB)
	require.NoError(t, err)
	assert.Equal(t, 2100*time.Second, est.InitialLease)
	assert.Equal(t, 240*time.Second, est.HeartbeatInterval)
	assert.Equal(t, 300*time.Second, est.Extension)
}

func TestEstimate_Buckets(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		initial time.Duration
	}{
		{"tiny clip", 1, 5 * time.Minute},
		{"100MiB boundary", 100 * MiB, 5 * time.Minute},
		{"just over 100MiB", 100*MiB + 1, 10 * time.Minute},
		{"1GiB", GiB, 20 * time.Minute},
		{"just over 4GiB", 4*GiB + 1, 50 * time.Minute},
		{"6GiB", 6 * GiB, 50 * time.Minute},
		{"huge", 40 * GiB, time.Hour},
	}

	e := Default()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est, err := e.Estimate(tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.initial, est.InitialLease)
		})
	}
}

func TestEstimate_WidensWithSize(t *testing.T) {
	e := Default()
	sizes := []int64{MiB, 200 * MiB, GiB, 3 * GiB, 5 * GiB, 10 * GiB}
	var prev Estimate
	for _, s := range sizes {
		est, err := e.Estimate(s)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, est.InitialLease, prev.InitialLease)
		assert.GreaterOrEqual(t, est.HeartbeatInterval, prev.HeartbeatInterval)
		assert.GreaterOrEqual(t, est.Extension, prev.Extension)
		prev = est
	}
}

func TestEstimate_RejectsNonPositive(t *testing.T) {
	e := Default()
	for _, s := range []int64{0, -1, -4 * GiB} {
		_, err := e.Estimate(s)
		assert.ErrorIs(t, err, ErrInvalidSize)
	}
}

func TestNew_Validation(t *testing.T) {
	ok := Bucket{MaxBytes: 0, InitialLease: 10 * time.Minute, HeartbeatInterval: time.Minute, Extension: 2 * time.Minute}

	tests := []struct {
		name    string
		buckets []Bucket
		max     time.Duration
		wantErr string
	}{
		{"empty", nil, time.Hour, "at least one bucket"},
		{"not open-ended", []Bucket{{MaxBytes: GiB, InitialLease: 10 * time.Minute, HeartbeatInterval: time.Minute, Extension: 2 * time.Minute}}, time.Hour, "open-ended"},
		{"interval not below extension", []Bucket{{InitialLease: 10 * time.Minute, HeartbeatInterval: 2 * time.Minute, Extension: 2 * time.Minute}}, time.Hour, "shorter than extension"},
		{"extension not below initial", []Bucket{{InitialLease: 2 * time.Minute, HeartbeatInterval: 30 * time.Second, Extension: 2 * time.Minute}}, time.Hour, "shorter than initial"},
		{"no room for missed beat", []Bucket{{InitialLease: 3 * time.Minute, HeartbeatInterval: 100 * time.Second, Extension: 150 * time.Second}}, time.Hour, "missed heartbeat"},
		{"initial beyond lifetime", []Bucket{ok}, 5 * time.Minute, "exceeds max lease lifetime"},
		{"lifetime below three initial leases", []Bucket{ok}, 25 * time.Minute, "at least 3 times"},
		{"shrinking timings", []Bucket{
			{MaxBytes: GiB, InitialLease: 20 * time.Minute, HeartbeatInterval: time.Minute, Extension: 2 * time.Minute},
			ok,
		}, time.Hour, "must not shrink"},
		{"unordered sizes", []Bucket{
			{MaxBytes: 2 * GiB, InitialLease: 5 * time.Minute, HeartbeatInterval: time.Minute, Extension: 2 * time.Minute},
			{MaxBytes: GiB, InitialLease: 6 * time.Minute, HeartbeatInterval: time.Minute, Extension: 2 * time.Minute},
			ok,
		}, time.Hour, "must increase"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.buckets, tt.max)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLargestAndLifetime(t *testing.T) {
	e := Default()
	assert.Equal(t, time.Hour, e.Largest().InitialLease)
	assert.Equal(t, DefaultMaxLeaseLifetime, e.MaxLeaseLifetime())
}

func TestDefault_LifetimeCoversThreeInitialLeases(t *testing.T) {
	e := Default()
	for i, b := range e.Buckets() {
		assert.GreaterOrEqual(t, e.MaxLeaseLifetime(), 3*b.InitialLease, "bucket %d", i)
	}

	_, err := New(DefaultBuckets(), 3*time.Hour)
	require.NoError(t, err)
	_, err = New(DefaultBuckets(), 2*time.Hour)
	assert.Error(t, err)
}
