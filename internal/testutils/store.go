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

package testutils

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/outpost-mta/outpost/internal/queue"
)

// Store is an in-memory queue.Store double mirroring the document store
// claim semantics. It is not a mock: tests drive the real scheduler and
// router against it.
type Store struct {
	mu   sync.Mutex
	rows []*queue.Delivery
	next int
}

func NewStore() *Store {
	return &Store{}
}

// Rows returns a snapshot of all rows, insertion-ordered.
func (s *Store) Rows() []queue.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.Delivery, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, *row)
	}
	return out
}

func (s *Store) InsertMany(_ context.Context, deliveries []*queue.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deliveries {
		copied := *d
		s.rows = append(s.rows, &copied)
	}
	return nil
}

func (s *Store) Claim(_ context.Context, zone, instance string, skipDomains []string) (*queue.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	skip := map[string]struct{}{}
	for _, domain := range skipDomains {
		skip[domain] = struct{}{}
	}

	var best *queue.Delivery
	for _, row := range s.rows {
		if row.SendingZone != zone || row.Locked || row.Queued.After(now) {
			continue
		}
		if row.Assigned != queue.Unassigned && row.Assigned != instance {
			continue
		}
		if _, ok := skip[row.Domain]; ok {
			continue
		}
		if best == nil || row.Queued.Before(best.Queued) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Locked = true
	best.LockTime = now.UnixMilli()
	best.Assigned = instance

	claimed := *best
	claimed.LockKey = queue.LockKeyFor(claimed.ID, claimed.Seq)
	return &claimed, nil
}

func (s *Store) find(id, seq string) *queue.Delivery {
	for _, row := range s.rows {
		if row.ID == id && row.Seq == seq {
			return row
		}
	}
	return nil
}

func (s *Store) Unlock(_ context.Context, id, seq string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row := s.find(id, seq); row != nil {
		row.Locked = false
		row.LockTime = 0
	}
	return nil
}

func (s *Store) Remove(_ context.Context, id, seq string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rows {
		if row.ID == id && row.Seq == seq {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) RemoveMessage(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*queue.Delivery
	var removed int64
	for _, row := range s.rows {
		if row.ID == id {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return removed, nil
}

func (s *Store) CountForMessage(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if row.ID == id {
			n++
		}
	}
	return n, nil
}

func (s *Store) Defer(_ context.Context, id, seq string, upd queue.DeferUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.find(id, seq)
	if row == nil {
		return nil
	}

	now := time.Now()
	if row.Deferred == nil {
		row.Deferred = &queue.Deferred{First: now}
	}
	row.Deferred.Last = now
	row.Deferred.Next = upd.Next
	row.Deferred.Response = upd.Response
	row.Deferred.Count++
	if upd.Log != "" {
		row.Deferred.Log = append(row.Deferred.Log, upd.Log)
		if len(row.Deferred.Log) > 20 {
			row.Deferred.Log = row.Deferred.Log[len(row.Deferred.Log)-20:]
		}
	}
	row.Queued = upd.Next
	row.Locked = false
	row.LockTime = 0

	s.applyPatch(row, upd.Set)
	return nil
}

func (s *Store) applyPatch(row *queue.Delivery, set map[string]interface{}) {
	for field, value := range set {
		if !queue.AllowedPatchField(field) {
			continue
		}
		switch field {
		case "queued":
			if t, ok := value.(time.Time); ok {
				row.Queued = t
			}
		case "domain":
			if d, ok := value.(string); ok {
				row.Domain = d
			}
		default:
			if strings.HasPrefix(field, "meta.") {
				if row.Meta == nil {
					row.Meta = map[string]interface{}{}
				}
				row.Meta[strings.TrimPrefix(field, "meta.")] = value
			}
		}
	}
}

func (s *Store) Update(_ context.Context, id, seq string, set map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID != id {
			continue
		}
		if seq != "" && row.Seq != seq {
			continue
		}
		s.applyPatch(row, set)
	}
	return nil
}

func (s *Store) Message(_ context.Context, id string) ([]queue.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queue.Delivery
	for _, row := range s.rows {
		if row.ID == id {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) List(_ context.Context, zone string, deferred bool, limit int) ([]queue.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []queue.Delivery
	for _, row := range s.rows {
		if row.SendingZone != zone {
			continue
		}
		if deferred != row.Queued.After(now) {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queued.Before(out[j].Queued) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Counts(_ context.Context, zone string) (queue.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var c queue.Counts
	for _, row := range s.rows {
		if zone != "" && row.SendingZone != zone {
			continue
		}
		if row.Queued.After(now) {
			c.Deferred++
		} else {
			c.Queued++
		}
	}
	return c, nil
}

func (s *Store) DomainCounts(_ context.Context, zone string, limit int) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]int64{}
	for _, row := range s.rows {
		if row.SendingZone == zone {
			out[row.Domain]++
		}
	}
	_ = limit
	return out, nil
}

func (s *Store) OldestCreated(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest time.Time
	for _, row := range s.rows {
		if oldest.IsZero() || row.Created.Before(oldest) {
			oldest = row.Created
		}
	}
	return oldest, nil
}

func (s *Store) SweepLocks(_ context.Context, instance string, lockedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, row := range s.rows {
		if row.Locked && row.Assigned == instance && row.LockTime <= lockedBefore.UnixMilli() {
			row.Locked = false
			row.LockTime = 0
			n++
		}
	}
	return n, nil
}

func (s *Store) Expired(_ context.Context, createdBefore time.Time, limit int) ([]queue.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []queue.Delivery
	for _, row := range s.rows {
		if row.Locked || row.Created.After(createdBefore) {
			continue
		}
		out = append(out, *row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ queue.Store = &Store{}
