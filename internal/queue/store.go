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

package queue

import (
	"context"
	"strings"
	"time"
)

// DeferUpdate describes the state transition applied to a claimed row
// when a delivery attempt fails temporarily.
type DeferUpdate struct {
	// Next attempt time; also becomes the row's queued time.
	Next time.Time

	// SMTP-style response string of the failure, e.g. "450 4.2.0 greylisted".
	Response string

	// One human-readable log line describing the attempt.
	Log string

	// Additional patches requested by the worker. Only fields matched by
	// AllowedPatchField are applied.
	Set map[string]interface{}
	Inc map[string]int64
}

// AllowedPatchField reports whether workers may patch the field through
// DEFER/RELEASE extra updates. Everything that would break claim
// invariants (locking, assignment, identity) is rejected.
func AllowedPatchField(name string) bool {
	switch name {
	case "id", "seq", "locked", "lockTime", "assigned", "sendingZone":
		return false
	}
	return name == "queued" || name == "domain" ||
		strings.HasPrefix(name, "_deferred.") || strings.HasPrefix(name, "meta.")
}

// Counts is the point-in-time zone statistic exported by the API and the
// gauges.
type Counts struct {
	Queued   int64
	Deferred int64
}

// Store is the document store holding delivery rows. The Mongo
// implementation is the canonical one; tests use an in-memory double.
type Store interface {
	// InsertMany atomically inserts the batch (unordered). Either all
	// rows become visible to schedulers or the whole push fails.
	InsertMany(ctx context.Context, deliveries []*Delivery) error

	// Claim atomically picks the oldest eligible row of the zone,
	// marking it locked and assigned to instance. Domains from
	// skipDomains are excluded. Returns nil when no row matches.
	Claim(ctx context.Context, zone, instance string, skipDomains []string) (*Delivery, error)

	// Unlock clears the lock of a claimed row without touching anything
	// else, returning it to the pool.
	Unlock(ctx context.Context, id, seq string) error

	// Remove deletes the single row. Final for that (id, seq).
	Remove(ctx context.Context, id, seq string) error

	// RemoveMessage deletes all rows of the message and reports how many
	// were removed.
	RemoveMessage(ctx context.Context, id string) (int64, error)

	// CountForMessage reports how many rows still reference the message.
	CountForMessage(ctx context.Context, id string) (int64, error)

	// Defer applies the temporary-failure transition: clears the lock,
	// advances queued, accumulates the _deferred struct.
	Defer(ctx context.Context, id, seq string, upd DeferUpdate) error

	// Update applies a generic patch to one row (or all rows of the
	// message when seq is empty). Fields are filtered through
	// AllowedPatchField.
	Update(ctx context.Context, id, seq string, set map[string]interface{}) error

	// Message returns all rows of the message.
	Message(ctx context.Context, id string) ([]Delivery, error)

	// List returns up to limit rows of the zone, active (queued <= now)
	// or deferred (queued > now), oldest first.
	List(ctx context.Context, zone string, deferred bool, limit int) ([]Delivery, error)

	// Counts returns the queued/deferred totals for the zone ("" means
	// all zones).
	Counts(ctx context.Context, zone string) (Counts, error)

	// DomainCounts returns per-domain queued row counts for the zone.
	DomainCounts(ctx context.Context, zone string, limit int) (map[string]int64, error)

	// OldestCreated returns the created time of the oldest surviving
	// row; zero time if the queue is empty.
	OldestCreated(ctx context.Context) (time.Time, error)

	// SweepLocks unlocks rows of this instance whose lock is older than
	// the TTL. Used by the maintenance loop to recover from crashes.
	SweepLocks(ctx context.Context, instance string, lockedBefore time.Time) (int64, error)

	// Expired returns up to limit unlocked rows created before the
	// deadline, for max-queue-time garbage collection.
	Expired(ctx context.Context, createdBefore time.Time, limit int) ([]Delivery, error)
}
