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

// Package scheduler hands claimed deliveries to workers and applies the
// release/defer state transitions they report back.
//
// A delivery is in flight when the row is locked in the store AND a
// matching entry exists in the in-memory lock table. The store lock
// survives crashes and is reclaimed by the sweep; the in-memory lock
// enforces per-domain connection caps and dies with the process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/outpost-mta/outpost/framework/log"
	"github.com/outpost-mta/outpost/internal/blob"
	"github.com/outpost-mta/outpost/internal/hooks"
	"github.com/outpost-mta/outpost/internal/limiters"
	"github.com/outpost-mta/outpost/internal/locktable"
	"github.com/outpost-mta/outpost/internal/queue"
	"github.com/outpost-mta/outpost/internal/suppress"
	"github.com/outpost-mta/outpost/internal/ttlcache"
	"github.com/outpost-mta/outpost/internal/zones"
)

// How many claim attempts one Shift call makes before giving up. Each
// retry means the claimed row turned out unusable (saturated domain,
// GC'd body, suppressed recipient).
const maxShiftAttempts = 5

// How long a worker-reported bad destination address stays blacklisted
// for its domain.
const blacklistTTL = 6 * time.Hour

type Config struct {
	// Instance is the stable identity of this master in the shared
	// store.
	Instance string

	// LockTTL bounds one delivery attempt. The sweep reclaims store
	// locks older than this.
	LockTTL time.Duration

	// EmptyTTL is how long a zone is considered empty after a claim
	// found nothing.
	EmptyTTL time.Duration

	// DeleteDelay postpones body deletion after the last row of a
	// message is released.
	DeleteDelay time.Duration

	// BodyGrace protects freshly stored bodies whose rows are not
	// visible yet from the orphan collector.
	BodyGrace time.Duration

	// MaxQueueTime drops deliveries that sat in the queue longer than
	// this. Zero disables the check.
	MaxQueueTime time.Duration

	DisableGC bool
}

func (c *Config) applyDefaults() {
	if c.LockTTL == 0 {
		c.LockTTL = time.Hour
	}
	if c.EmptyTTL == 0 {
		c.EmptyTTL = 5 * time.Second
	}
	if c.DeleteDelay == 0 {
		c.DeleteDelay = 30 * time.Second
	}
	if c.BodyGrace == 0 {
		c.BodyGrace = 10 * time.Minute
	}
}

type Scheduler struct {
	store  queue.Store
	bodies blob.Store
	locks  *locktable.Table
	cache  *ttlcache.Cache
	zones  *zones.Set
	list   suppress.List
	hooks  *hooks.Registry
	log    log.Logger
	cfg    Config

	// Per-zone throttling buckets built from the zone table.
	rates map[string]limiters.Rate

	// Per-zone count of rows finalized since startup, for the status API.
	processedMu sync.Mutex
	processed   map[string]int64
}

func New(store queue.Store, bodies blob.Store, zoneSet *zones.Set, list suppress.List, reg *hooks.Registry, cfg Config) *Scheduler {
	cfg.applyDefaults()

	rates := map[string]limiters.Rate{}
	for _, name := range zoneSet.Names() {
		zone, _ := zoneSet.Zone(name)
		if zone.Throttling.Messages > 0 && zone.Throttling.Window > 0 {
			rates[name] = limiters.NewRate(zone.Throttling.Messages, zone.Throttling.Window)
		}
	}

	return &Scheduler{
		store:  store,
		bodies: bodies,
		locks:  locktable.New(),
		cache:  ttlcache.New(),
		zones:  zoneSet,
		list:   list,
		hooks:  reg,
		log:    log.Logger{Name: "scheduler"},
		cfg:    cfg,

		rates:     rates,
		processed: map[string]int64{},
	}
}

// Locks exposes the lock table for the RPC server's holder cleanup.
func (s *Scheduler) Locks() *locktable.Table { return s.locks }

// Cache exposes the TTL cache holding the empty-zone markers and the
// destination blacklist reported back by workers.
func (s *Scheduler) Cache() *ttlcache.Cache { return s.cache }

func blacklistKey(domain, addr string) string {
	return "blacklist:" + domain + ":" + addr
}

// Blacklist records a destination address a worker could not connect to.
// Every delivery of the domain handed out within the back-off window
// carries the mark, so the zone's workers skip the address.
func (s *Scheduler) Blacklist(domain, addr string) {
	s.cache.Set(blacklistKey(domain, addr), true, blacklistTTL)
}

// BlacklistedAddrs returns the destination addresses currently
// blacklisted for the domain.
func (s *Scheduler) BlacklistedAddrs(domain string) []string {
	return s.cache.KeysPrefix("blacklist:" + domain + ":")
}

// Processed reports how many rows of the zone were finalized since
// startup. Empty zone means all zones.
func (s *Scheduler) Processed(zone string) int64 {
	s.processedMu.Lock()
	defer s.processedMu.Unlock()
	if zone == "" {
		var total int64
		for _, n := range s.processed {
			total += n
		}
		return total
	}
	return s.processed[zone]
}

func emptyKey(zone string) string { return "empty:" + zone }

// Shift claims the next eligible delivery of the zone for the holder.
// Returns nil without error when nothing is available right now.
func (s *Scheduler) Shift(ctx context.Context, zone, holder string) (*queue.Delivery, error) {
	if s.cache.Has(emptyKey(zone)) {
		return nil, nil
	}
	if rate, ok := s.rates[zone]; ok && !rate.TryTake() {
		// Zone throttled; the worker polls again later.
		return nil, nil
	}

	for attempt := 0; attempt < maxShiftAttempts; attempt++ {
		delivery, err := s.store.Claim(ctx, zone, s.cfg.Instance, s.locks.SkipDomains(zone))
		if err != nil {
			return nil, err
		}
		if delivery == nil {
			s.cache.Set(emptyKey(zone), true, s.cfg.EmptyTTL)
			return nil, nil
		}

		maxConn := s.zones.DomainConfig(delivery.Domain).MaxConnections
		if !s.locks.Lock(delivery.LockKey, zone, delivery.Domain, holder, maxConn, s.cfg.LockTTL) {
			// Saturated between the skip-set snapshot and the claim.
			// Put the row back and try the next one.
			if err := s.store.Unlock(ctx, delivery.ID, delivery.Seq); err != nil {
				s.log.Error("failed to unlock after lock refusal", err, "id", delivery.ID, "seq", delivery.Seq)
			}
			continue
		}

		meta, err := s.bodies.Meta(ctx, delivery.ID)
		if errors.Is(err, blob.ErrNoSuchBody) {
			// Body was garbage collected under us; the rows are dead.
			removed, rmErr := s.store.RemoveMessage(ctx, delivery.ID)
			s.locks.Release(delivery.LockKey)
			if rmErr != nil {
				return nil, rmErr
			}
			s.log.Msg("deleted deliveries of a message without a body",
				"id", delivery.ID, "rows", removed)
			deliveriesDropped.WithLabelValues("no_body").Inc()
			continue
		}
		if err != nil {
			s.locks.Release(delivery.LockKey)
			if unlockErr := s.store.Unlock(ctx, delivery.ID, delivery.Seq); unlockErr != nil {
				s.log.Error("failed to unlock after meta error", unlockErr, "id", delivery.ID)
			}
			return nil, fmt.Errorf("scheduler: load meta %s: %w", delivery.ID, err)
		}

		if entry, hit := s.list.Match(delivery.Recipient, delivery.Domain); hit {
			s.log.Msg("delivery suppressed",
				"id", delivery.ID, "seq", delivery.Seq,
				"recipient", delivery.Recipient, "entry", entry.ID)
			deliveriesDropped.WithLabelValues("suppressed").Inc()
			if err := s.ReleaseDelivery(ctx, delivery, false); err != nil {
				return nil, err
			}
			continue
		}

		delivery.Meta = meta
		deliveriesClaimed.WithLabelValues(zone).Inc()
		return delivery, nil
	}
	return nil, nil
}

// Delivery loads one row by (id, seq). Used by the RPC server to apply
// worker-reported outcomes to the authoritative row. Returns nil when
// the row no longer exists.
func (s *Scheduler) Delivery(ctx context.Context, id, seq string) (*queue.Delivery, error) {
	rows, err := s.store.Message(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].Seq == seq {
			row := rows[i]
			row.LockKey = queue.LockKeyFor(id, seq)
			return &row, nil
		}
	}
	return nil, nil
}

// ReleaseDelivery finalizes a row: delivered, permanently failed or
// dropped. The body is removed once no rows reference the message,
// after DeleteDelay unless skipDelayDelete asks for immediate cleanup.
// Safe to call twice for the same row.
func (s *Scheduler) ReleaseDelivery(ctx context.Context, d *queue.Delivery, skipDelayDelete bool) error {
	if err := s.store.Remove(ctx, d.ID, d.Seq); err != nil {
		return fmt.Errorf("scheduler: release %s.%s: %w", d.ID, d.Seq, err)
	}
	s.locks.Release(queue.LockKeyFor(d.ID, d.Seq))

	s.processedMu.Lock()
	s.processed[d.SendingZone]++
	s.processedMu.Unlock()

	remaining, err := s.store.CountForMessage(ctx, d.ID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	if skipDelayDelete || s.cfg.DeleteDelay == 0 {
		return s.deleteBody(ctx, d.ID)
	}
	time.AfterFunc(s.cfg.DeleteDelay, func() {
		// Re-check: a DSN re-push may have created new rows meanwhile.
		n, err := s.store.CountForMessage(context.Background(), d.ID)
		if err != nil || n > 0 {
			return
		}
		if err := s.deleteBody(context.Background(), d.ID); err != nil {
			s.log.Error("delayed body delete failed", err, "id", d.ID)
		}
	})
	return nil
}

func (s *Scheduler) deleteBody(ctx context.Context, id string) error {
	if err := s.bodies.Delete(ctx, []string{id}); err != nil {
		return fmt.Errorf("scheduler: delete body %s: %w", id, err)
	}
	s.log.DebugMsg("body removed", "id", id)
	return nil
}

// DeferDelivery returns a claimed row to the queue with a future
// attempt time. extra carries whitelisted patches requested by the
// worker alongside the deferral itself.
func (s *Scheduler) DeferDelivery(ctx context.Context, d *queue.Delivery, ttl time.Duration, response, logLine string, extra map[string]interface{}) error {
	next := time.Now().Add(ttl)
	err := s.store.Defer(ctx, d.ID, d.Seq, queue.DeferUpdate{
		Next:     next,
		Response: response,
		Log:      logLine,
		Set:      extra,
	})
	if err != nil {
		return fmt.Errorf("scheduler: defer %s.%s: %w", d.ID, d.Seq, err)
	}
	s.locks.Release(queue.LockKeyFor(d.ID, d.Seq))
	deliveriesDeferred.WithLabelValues(d.SendingZone).Inc()

	if d.Deferred != nil {
		// Not the first failure; let delay-notification policy see the
		// aggregate.
		s.hooks.Delayed(ctx, *d, response)
	}
	return nil
}

// Bounce runs the bounce hooks for a permanently failed delivery. The
// DSN generator is one such hook.
func (s *Scheduler) Bounce(ctx context.Context, d queue.Delivery, response string) {
	deliveriesBounced.WithLabelValues(d.SendingZone).Inc()
	s.hooks.Bounce(ctx, d, response)
}

// Update applies a whitelisted patch to one row, or to all rows of the
// message when seq is empty. The HTTP API exposes it as the message
// update endpoint.
func (s *Scheduler) Update(ctx context.Context, id, seq string, set map[string]interface{}) error {
	return s.store.Update(ctx, id, seq, set)
}

// ReleaseHolder drops every in-memory lock of a disconnected worker and
// unlocks the corresponding rows so the next Shift can pick them up.
func (s *Scheduler) ReleaseHolder(ctx context.Context, holder string) {
	keys := s.locks.HolderKeys(holder)
	released := s.locks.ReleaseHolder(holder)
	for _, key := range keys {
		id, seq, ok := queue.ParseLockKey(key)
		if !ok {
			continue
		}
		if err := s.store.Unlock(ctx, id, seq); err != nil {
			s.log.Error("failed to unlock row of a dead holder", err, "id", id, "seq", seq)
		}
	}
	if released > 0 {
		s.log.Msg("released locks of a disconnected worker", "holder", holder, "locks", released)
	}
}
