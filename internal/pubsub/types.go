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

package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// BackendType represents supported queue backend types
type BackendType string

const (
	BackendTypeSQS    BackendType = "sqs"
	BackendTypeAzure  BackendType = "azure"
	BackendTypeMemory BackendType = "memory"
)

var (
	// ErrInvalidToken means the lease token no longer identifies a live
	// claim. The job has returned to the queue or been claimed by someone
	// else, and every further operation with this token is useless.
	ErrInvalidToken = errors.New("lease token is no longer valid")

	// ErrNoDeadLetter is returned by DeadLetter when the backend has no
	// dead-letter destination configured.
	ErrNoDeadLetter = errors.New("no dead-letter destination configured")
)

// Job is one unit of work as carried on the queue.
type Job struct {
	ID                uuid.UUID       `json:"job_id"`
	DeclaredSizeBytes int64           `json:"declared_size_bytes"`
	EnqueuedAt        time.Time       `json:"enqueued_at"`
	Payload           json.RawMessage `json:"payload,omitempty"`

	// Attempt is the delivery count reported by the broker, starting at 1.
	Attempt int `json:"-"`
}

// Lease is a worker's time-bounded claim on a delivered job.
// ExpiresAt only moves forward while the lease is held.
type Lease struct {
	Token     string
	ClaimedAt time.Time
	ExpiresAt time.Time
	HeldBy    string
}

// Remaining returns how long the lease has left at now.
func (l Lease) Remaining(now time.Time) time.Duration {
	return l.ExpiresAt.Sub(now)
}

// Delivery is a received job with its lease.
type Delivery struct {
	Job   Job
	Lease Lease
}

// Occupancy is the scaling signal. Claimed counts deliveries currently
// under lease, Unclaimed counts jobs waiting to be received.
type Occupancy struct {
	Claimed   int
	Unclaimed int
}

func (o Occupancy) Total() int {
	return o.Claimed + o.Unclaimed
}

// ReceiveOptions controls a single Receive call.
type ReceiveOptions struct {
	// Wait is the long-poll duration. Zero returns immediately.
	Wait time.Duration

	// LeaseFor picks the initial lease once the job's declared size is known.
	LeaseFor func(Job) time.Duration

	// HeldBy is recorded on the returned lease.
	HeldBy string
}

// Broker is a queue with per-delivery leases.
//
// Receive returns (nil, nil) when nothing became available within the wait.
// Extend adds to the current expiry, never resetting it relative to now,
// and returns the lease with the token to use next time.
type Broker interface {
	Receive(ctx context.Context, opts ReceiveOptions) (*Delivery, error)
	Extend(ctx context.Context, lease Lease, additional time.Duration) (Lease, error)
	Delete(ctx context.Context, lease Lease) error
	DeadLetter(ctx context.Context, d Delivery, reason string) error
	Occupancy(ctx context.Context) (Occupancy, error)
	Send(ctx context.Context, job Job) error
	Name() string
}
