/*
Outpost MTA - queue-first outbound mail relay.
Copyright © 2024 The Outpost MTA Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package scheduler

import (
	"context"
	"time"

	"github.com/outpost-mta/outpost/internal/msgid"
)

const (
	sweepInterval = time.Minute
	gaugeInterval = 10 * time.Second

	// How many rows or bodies one maintenance tick processes at most.
	// Leftovers wait for the next tick.
	gcBatch = 100
)

// Run drives the maintenance loops until the context is canceled: the
// lock sweep and garbage collection every minute, gauge refresh every
// ten seconds. Housekeeping errors are logged and retried next tick,
// they never reach delivery paths.
func (s *Scheduler) Run(ctx context.Context) {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	gauges := time.NewTicker(gaugeInterval)
	defer gauges.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.maintain(ctx)
		case <-gauges.C:
			s.updateGauges(ctx)
		}
	}
}

func (s *Scheduler) maintain(ctx context.Context) {
	now := time.Now()

	// Store locks live one minute past the in-memory TTL so a slow but
	// alive attempt is not yanked from under the worker.
	reclaimed, err := s.store.SweepLocks(ctx, s.cfg.Instance, now.Add(-(s.cfg.LockTTL + time.Minute)))
	if err != nil {
		s.log.Error("lock sweep failed", err)
	} else if reclaimed > 0 {
		s.log.Msg("reclaimed stale locks", "rows", reclaimed)
	}

	s.locks.Sweep(now)
	s.cache.Sweep(now)

	if s.cfg.DisableGC {
		return
	}
	s.expireOldRows(ctx, now)
	s.collectOrphanBodies(ctx, now)
}

// expireOldRows drops deliveries that exceeded the configured maximum
// queue time. Operator policy, no bounce is generated.
func (s *Scheduler) expireOldRows(ctx context.Context, now time.Time) {
	if s.cfg.MaxQueueTime == 0 {
		return
	}

	expired, err := s.store.Expired(ctx, now.Add(-s.cfg.MaxQueueTime), gcBatch)
	if err != nil {
		s.log.Error("expiry scan failed", err)
		return
	}
	for i := range expired {
		row := &expired[i]
		if err := s.ReleaseDelivery(ctx, row, true); err != nil {
			s.log.Error("failed to expire delivery", err, "id", row.ID, "seq", row.Seq)
			continue
		}
		deliveriesDropped.WithLabelValues("expired").Inc()
		s.log.Msg("delivery expired",
			"id", row.ID, "seq", row.Seq,
			"recipient", row.Recipient, "created", row.Created)
	}
}

// collectOrphanBodies removes bodies older than every surviving row
// minus the grace window. IDs embed the creation time, so the cutoff is
// expressed as an ID boundary.
func (s *Scheduler) collectOrphanBodies(ctx context.Context, now time.Time) {
	oldestRow, err := s.store.OldestCreated(ctx)
	if err != nil {
		s.log.Error("oldest row scan failed", err)
		return
	}

	cutoff := now
	if !oldestRow.IsZero() && oldestRow.Before(cutoff) {
		cutoff = oldestRow
	}
	boundary := msgid.ByTime(cutoff.Add(-s.cfg.BodyGrace))

	ids, err := s.bodies.IDsBefore(ctx, boundary, gcBatch)
	if err != nil {
		s.log.Error("orphan body scan failed", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := s.bodies.Delete(ctx, ids); err != nil {
		s.log.Error("orphan body delete failed", err)
		return
	}
	s.log.Msg("removed orphaned bodies", "count", len(ids))
}

func (s *Scheduler) updateGauges(ctx context.Context) {
	counts, err := s.store.Counts(ctx, "")
	if err != nil {
		s.log.Error("queue counts failed", err)
		return
	}
	queuedRows.Set(float64(counts.Queued))
	deferredRows.Set(float64(counts.Deferred))
	blacklistedEntries.Set(float64(s.cache.CountPrefix("blacklist:")))
	heldLocks.Set(float64(s.locks.Len()))
}
