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

// Package ttlcache is a tiny in-process map of short-lived facts with a
// per-entry TTL.
//
// The scheduler stores "empty:<zone>" markers here to pace probing of
// drained zones and "blacklist:<domain>:<sourceIP>" markers to keep a
// source address away from a destination for the back-off window.
//
// Eviction is lazy on lookup; Sweep bounds memory between lookups and is
// driven by the maintenance loop.
package ttlcache

import (
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
}

func New() *Cache {
	return &Cache{entries: map[string]entry{}}
}

func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Get returns the live value for key, evicting it if expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !ent.expiresAt.After(time.Now()) {
		delete(c.entries, key)
		return nil, false
	}
	return ent.value, true
}

// Has is Get without the value.
func (c *Cache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// CountPrefix returns the amount of live keys starting with prefix. Used
// to export the blacklist size gauge.
func (c *Cache) CountPrefix(prefix string) int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, ent := range c.entries {
		if !ent.expiresAt.After(now) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count
}

// KeysPrefix returns the live keys starting with prefix, with the prefix
// trimmed off. Order is unspecified.
func (c *Cache) KeysPrefix(prefix string) []string {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for key, ent := range c.entries {
		if !ent.expiresAt.After(now) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, strings.TrimPrefix(key, prefix))
		}
	}
	return keys
}

// Sweep removes all expired entries.
func (c *Cache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, ent := range c.entries {
		if !ent.expiresAt.After(now) {
			delete(c.entries, key)
		}
	}
}
