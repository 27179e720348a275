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
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// CachedLedger remembers terminal records so redelivered duplicates of
// finished jobs are resolved without a database round trip. Non-terminal
// records are never cached; running claims must always be read fresh.
type CachedLedger struct {
	next  Ledger
	cache *ttlcache.Cache[uuid.UUID, Record]
}

var _ Ledger = (*CachedLedger)(nil)

func NewCachedLedger(next Ledger, ttl time.Duration) *CachedLedger {
	c := &CachedLedger{
		next: next,
		cache: ttlcache.New(
			ttlcache.WithTTL[uuid.UUID, Record](ttl),
			ttlcache.WithDisableTouchOnHit[uuid.UUID, Record](),
		),
	}
	go c.cache.Start()
	return c
}

// Close stops the cache's expiry goroutine.
func (c *CachedLedger) Close() {
	c.cache.Stop()
}

func (c *CachedLedger) Check(ctx context.Context, jobID uuid.UUID) (Record, error) {
	if item := c.cache.Get(jobID); item != nil {
		return item.Value(), nil
	}
	rec, err := c.next.Check(ctx, jobID)
	if err != nil {
		return rec, err
	}
	if rec.State.Terminal() {
		c.cache.Set(jobID, rec, ttlcache.DefaultTTL)
	}
	return rec, nil
}

func (c *CachedLedger) MarkRunning(ctx context.Context, jobID uuid.UUID, claim Claim) error {
	return c.next.MarkRunning(ctx, jobID, claim)
}

func (c *CachedLedger) MarkSucceeded(ctx context.Context, jobID uuid.UUID) (bool, error) {
	applied, err := c.next.MarkSucceeded(ctx, jobID)
	if err != nil {
		return false, err
	}
	c.cache.Set(jobID, Record{State: StateSucceeded, UpdatedAt: time.Now()}, ttlcache.DefaultTTL)
	return applied, nil
}

func (c *CachedLedger) MarkFailed(ctx context.Context, jobID uuid.UUID, reason string) error {
	// a failure never overrides a success, so the stored state is unknown here
	c.cache.Delete(jobID)
	return c.next.MarkFailed(ctx, jobID, reason)
}
