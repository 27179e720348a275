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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx used by the ledger. *pgxpool.Pool, *pgx.Conn
// and pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const checkQuery = `
SELECT state, attempt, claimed_by, reason, updated_at
FROM job_outcomes
WHERE job_id = $1`

const markRunningQuery = `
INSERT INTO job_outcomes (job_id, state, attempt, claimed_by, updated_at)
VALUES ($1, 'running', $2, $3, now())
ON CONFLICT (job_id) DO UPDATE
SET state = 'running',
    attempt = EXCLUDED.attempt,
    claimed_by = EXCLUDED.claimed_by,
    updated_at = now()
WHERE job_outcomes.state NOT IN ('succeeded', 'failed')
  AND job_outcomes.attempt <= EXCLUDED.attempt`

const markSucceededQuery = `
INSERT INTO job_outcomes (job_id, state, updated_at)
VALUES ($1, 'succeeded', now())
ON CONFLICT (job_id) DO UPDATE
SET state = 'succeeded',
    reason = '',
    updated_at = now()
WHERE job_outcomes.state <> 'succeeded'
RETURNING job_id`

const markFailedQuery = `
INSERT INTO job_outcomes (job_id, state, reason, updated_at)
VALUES ($1, 'failed', $2, now())
ON CONFLICT (job_id) DO UPDATE
SET state = 'failed',
    reason = EXCLUDED.reason,
    updated_at = now()
WHERE job_outcomes.state <> 'succeeded'`

// PostgresLedger stores outcomes in the job_outcomes table. Every write is a
// single conditional upsert, so concurrent workers never need a lock.
type PostgresLedger struct {
	db DBTX
}

var _ Ledger = (*PostgresLedger)(nil)

func NewPostgresLedger(db DBTX) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Check(ctx context.Context, jobID uuid.UUID) (Record, error) {
	var (
		state     string
		attempt   int32
		claimedBy string
		reason    string
		updatedAt time.Time
	)
	err := l.db.QueryRow(ctx, checkQuery, jobID).Scan(&state, &attempt, &claimedBy, &reason, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{State: StateNotStarted}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read outcome for job %s: %w", jobID, err)
	}

	st, err := ParseState(state)
	if err != nil {
		return Record{}, err
	}
	return Record{
		State:     st,
		Attempt:   int(attempt),
		ClaimedBy: claimedBy,
		Reason:    reason,
		UpdatedAt: updatedAt,
	}, nil
}

func (l *PostgresLedger) MarkRunning(ctx context.Context, jobID uuid.UUID, claim Claim) error {
	if _, err := l.db.Exec(ctx, markRunningQuery, jobID, int32(claim.Attempt), claim.HeldBy); err != nil {
		return fmt.Errorf("failed to mark job %s running: %w", jobID, err)
	}
	return nil
}

func (l *PostgresLedger) MarkSucceeded(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var returned uuid.UUID
	err := l.db.QueryRow(ctx, markSucceededQuery, jobID).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s succeeded: %w", jobID, err)
	}
	return true, nil
}

func (l *PostgresLedger) MarkFailed(ctx context.Context, jobID uuid.UUID, reason string) error {
	if _, err := l.db.Exec(ctx, markFailedQuery, jobID, reason); err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", jobID, err)
	}
	return nil
}
