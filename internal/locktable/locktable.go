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

// Package locktable implements the master-resident in-memory lock table
// that tracks in-flight deliveries.
//
// Two invariants are maintained here:
//   - one lock per delivery key, so a claimed row is never handed out
//     twice;
//   - per-(zone, domain) lock counts, so that once a domain accumulates
//     maxConnections concurrent deliveries it enters the zone's skip set
//     and is excluded from further claims until a lock is released.
//
// All locks owned by one holder (a worker connection) can be dropped at
// once when the worker goes away.
package locktable

import (
	"sync"
	"time"
)

// Entry is a single held lock. Key is the delivery-scoped string in the
// form "lock <id> <seq>"; it is also what workers echo back in RELEASE and
// DEFER payloads.
type Entry struct {
	Key            string
	Zone           string
	Domain         string
	Holder         string
	MaxConnections int

	deadline time.Time
}

type zoneDomain struct {
	zone   string
	domain string
}

type Table struct {
	mu sync.Mutex

	locks    map[string]*Entry
	byHolder map[string]map[string]*Entry

	// Lock counts and the derived skip set, per (zone, domain).
	counts map[zoneDomain]int
	skip   map[string]map[string]struct{} // zone -> saturated domains
}

func New() *Table {
	return &Table{
		locks:    map[string]*Entry{},
		byHolder: map[string]map[string]*Entry{},
		counts:   map[zoneDomain]int{},
		skip:     map[string]map[string]struct{}{},
	}
}

// Lock acquires the delivery lock for key. It fails if the key is already
// locked (and not expired) or if the (zone, domain) pair is saturated.
//
// maxConnections <= 0 means no per-domain cap.
func (t *Table) Lock(key, zone, domain, holder string, maxConnections int, ttl time.Duration) bool {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.locks[key]; ok {
		if existing.deadline.After(now) {
			return false
		}
		// Expired lock left behind by a stuck worker. Reclaim lazily.
		t.releaseLocked(existing)
	}

	if domains, ok := t.skip[zone]; ok {
		if _, saturated := domains[domain]; saturated {
			return false
		}
	}

	entry := &Entry{
		Key:            key,
		Zone:           zone,
		Domain:         domain,
		Holder:         holder,
		MaxConnections: maxConnections,
		deadline:       now.Add(ttl),
	}
	t.locks[key] = entry

	holderSet := t.byHolder[holder]
	if holderSet == nil {
		holderSet = map[string]*Entry{}
		t.byHolder[holder] = holderSet
	}
	holderSet[key] = entry

	zd := zoneDomain{zone, domain}
	t.counts[zd]++
	if maxConnections > 0 && t.counts[zd] >= maxConnections {
		domains := t.skip[zone]
		if domains == nil {
			domains = map[string]struct{}{}
			t.skip[zone] = domains
		}
		domains[domain] = struct{}{}
	}

	return true
}

// Release drops the lock for key. Unknown keys are ignored, so calling it
// twice is safe.
func (t *Table) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.locks[key]
	if !ok {
		return
	}
	t.releaseLocked(entry)
}

// ReleaseHolder drops every lock owned by holder and returns the amount
// released. It is called when a worker connection closes for any reason.
func (t *Table) ReleaseHolder(holder string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.byHolder[holder]
	for _, entry := range entries {
		t.releaseLocked(entry)
	}
	return len(entries)
}

// HolderKeys returns the keys currently held by holder.
func (t *Table) HolderKeys(holder string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.byHolder[holder]
	if len(entries) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	return keys
}

// SkipDomains returns the domains of zone that are currently at or above
// their maxConnections limit.
func (t *Table) SkipDomains(zone string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	domains := t.skip[zone]
	if len(domains) == 0 {
		return nil
	}
	out := make([]string, 0, len(domains))
	for domain := range domains {
		out = append(out, domain)
	}
	return out
}

// Locked reports whether key is currently held. Meant for tests and the
// status API.
func (t *Table) Locked(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.locks[key]
	return ok
}

// Len returns the total count of held locks.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// Sweep drops locks whose TTL deadline has passed. Expiry also happens
// lazily in Lock, Sweep just bounds how long a dead entry can linger.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	released := 0
	for _, entry := range t.locks {
		if !entry.deadline.After(now) {
			t.releaseLocked(entry)
			released++
		}
	}
	return released
}

func (t *Table) releaseLocked(entry *Entry) {
	delete(t.locks, entry.Key)

	if holderSet := t.byHolder[entry.Holder]; holderSet != nil {
		delete(holderSet, entry.Key)
		if len(holderSet) == 0 {
			delete(t.byHolder, entry.Holder)
		}
	}

	zd := zoneDomain{entry.Zone, entry.Domain}
	t.counts[zd]--
	if t.counts[zd] <= 0 {
		delete(t.counts, zd)
	}
	if entry.MaxConnections > 0 && t.counts[zd] < entry.MaxConnections {
		if domains := t.skip[entry.Zone]; domains != nil {
			delete(domains, entry.Domain)
			if len(domains) == 0 {
				delete(t.skip, entry.Zone)
			}
		}
	}
}
