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

// Package suppress implements the recipient suppression list. Suppressed
// deliveries are dropped by the scheduler at claim time instead of being
// handed to a worker.
package suppress

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/outpost-mta/outpost/framework/address"
	"github.com/outpost-mta/outpost/framework/dns"
	"github.com/outpost-mta/outpost/framework/log"
)

// CollectionName is the suppression entries collection.
const CollectionName = "suppressed"

// Entry suppresses either one full address or a whole recipient domain.
// Exactly one of Address and Domain is set.
type Entry struct {
	ID      string    `bson:"_id" json:"id"`
	Address string    `bson:"address,omitempty" json:"address,omitempty"`
	Domain  string    `bson:"domain,omitempty" json:"domain,omitempty"`
	Comment string    `bson:"comment,omitempty" json:"comment,omitempty"`
	Created time.Time `bson:"created" json:"created"`
}

// List is what the scheduler consults for every claimed delivery.
type List interface {
	// Match reports whether the recipient is suppressed. Both arguments
	// are expected in canonical (lookup) form.
	Match(recipient, domain string) (Entry, bool)
}

// Static is an immutable in-memory list.
type Static struct {
	byAddress map[string]Entry
	byDomain  map[string]Entry
}

func NewStatic(entries []Entry) *Static {
	s := &Static{
		byAddress: map[string]Entry{},
		byDomain:  map[string]Entry{},
	}
	for _, e := range entries {
		switch {
		case e.Address != "":
			if addr, err := address.ForLookup(e.Address); err == nil {
				s.byAddress[addr] = e
			}
		case e.Domain != "":
			if domain, err := dns.ForLookup(e.Domain); err == nil {
				s.byDomain[domain] = e
			}
		}
	}
	return s
}

func (s *Static) Match(recipient, domain string) (Entry, bool) {
	if e, ok := s.byAddress[recipient]; ok {
		return e, true
	}
	e, ok := s.byDomain[domain]
	return e, ok
}

func (s *Static) Len() int {
	return len(s.byAddress) + len(s.byDomain)
}

// Mongo keeps the canonical list in the document store and serves Match
// from an in-memory snapshot refreshed periodically. A fresh entry
// therefore takes up to the refresh interval to apply on other
// instances; the instance that inserted it applies it immediately.
type Mongo struct {
	coll *mongo.Collection
	log  log.Logger

	mu      sync.RWMutex
	current *Static
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		coll:    db.Collection(CollectionName),
		log:     log.Logger{Name: "suppress"},
		current: NewStatic(nil),
	}
}

func (m *Mongo) Match(recipient, domain string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Match(recipient, domain)
}

// Reload replaces the in-memory snapshot with the store contents.
func (m *Mongo) Reload(ctx context.Context) error {
	cursor, err := m.coll.Find(ctx, bson.M{})
	if err != nil {
		return err
	}
	var entries []Entry
	if err := cursor.All(ctx, &entries); err != nil {
		return err
	}

	next := NewStatic(entries)
	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	m.log.DebugMsg("suppression list reloaded", "entries", next.Len())
	return nil
}

// Run reloads the snapshot on the interval until the context is
// canceled. Errors are logged, the previous snapshot stays in effect.
func (m *Mongo) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.Reload(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("suppression list reload failed", err)
			}
		}
	}
}

// Add inserts an entry and applies it to the local snapshot right away.
// Values are normalized to lookup form before storing.
func (m *Mongo) Add(ctx context.Context, e Entry) (Entry, error) {
	if e.Address != "" {
		addr, err := address.ForLookup(e.Address)
		if err != nil {
			return Entry{}, err
		}
		e.Address = addr
		e.Domain = ""
	} else {
		domain, err := dns.ForLookup(e.Domain)
		if err != nil {
			return Entry{}, err
		}
		e.Domain = domain
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Created.IsZero() {
		e.Created = time.Now()
	}

	if _, err := m.coll.InsertOne(ctx, e); err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	switch {
	case e.Address != "":
		m.current.byAddress[e.Address] = e
	case e.Domain != "":
		m.current.byDomain[e.Domain] = e
	}
	m.mu.Unlock()
	return e, nil
}

// Remove deletes the entry by ID. The snapshot catches up on the next
// reload.
func (m *Mongo) Remove(ctx context.Context, id string) (bool, error) {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

// Entries lists stored entries, optionally filtered by a substring of
// the suppressed value.
func (m *Mongo) Entries(ctx context.Context, filter string, limit int) ([]Entry, error) {
	query := bson.M{}
	if filter != "" {
		pattern := primitiveRegex(filter)
		query = bson.M{"$or": []bson.M{
			{"address": pattern},
			{"domain": pattern},
		}}
	}
	cursor, err := m.coll.Find(ctx, query, options.Find().
		SetSort(bson.D{{Key: "created", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func primitiveRegex(substr string) bson.M {
	return bson.M{"$regex": regexp.QuoteMeta(substr), "$options": "i"}
}

var _ List = &Mongo{}
var _ List = &Static{}
