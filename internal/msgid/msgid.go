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

// Package msgid generates queue message identifiers whose lexicographic
// order matches creation order at millisecond granularity.
//
// An identifier is <12 hex ms timestamp><4 hex counter><8 hex random>.
// The counter disambiguates IDs generated within the same millisecond and
// the random suffix is derived from a host-unique seed so that multiple
// instances sharing one queue store do not collide.
package msgid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

type Generator struct {
	mu      sync.Mutex
	lastMs  int64
	counter uint32
	rnd     uint32
}

// New returns a Generator seeded from crypto/rand mixed with the hostname
// and PID. Seeding failure is not fatal, the time-based prefix still keeps
// IDs unique within one instance.
func New() *Generator {
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	base := binary.BigEndian.Uint32(seed[:])

	hostname, _ := os.Hostname()
	for _, ch := range hostname {
		base = base*31 + uint32(ch)
	}
	base ^= uint32(os.Getpid())

	return &Generator{rnd: base}
}

// Get returns a new message identifier.
func (g *Generator) Get() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := time.Now().UnixMilli()
	if ms == g.lastMs {
		g.counter++
	} else {
		g.lastMs = ms
		g.counter = 0
	}
	g.rnd++

	return fmt.Sprintf("%012x%04x%08x", ms, g.counter&0xffff, g.rnd)
}

// Short returns only the intra-millisecond suffix of a fresh identifier.
// Workers use it to make their lock holder name unique across restarts
// that end up reusing a PID.
func (g *Generator) Short() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := time.Now().UnixMilli()
	if ms == g.lastMs {
		g.counter++
	} else {
		g.lastMs = ms
		g.counter = 0
	}
	g.rnd++

	return fmt.Sprintf("%04x%08x", g.counter&0xffff, g.rnd)
}

// ByTime synthesizes the lowest possible identifier for the passed
// instant. Every ID generated at or after t compares greater or equal to
// it, which makes it usable as a range boundary for garbage collection.
func ByTime(t time.Time) string {
	return fmt.Sprintf("%012x%04x%08x", t.UnixMilli(), 0, 0)
}
