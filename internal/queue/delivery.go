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

// Package queue implements the durable delivery queue: one row per
// (message, recipient) pair kept in a document store, with atomic claim,
// deferral and release operations.
//
// A row is eligible for claiming iff locked=false, queued <= now and it
// is either unassigned or assigned to this instance. Deletion of a row is
// final; deferral clears the lock and advances the queued time.
package queue

import (
	"fmt"
	"strings"
	"time"
)

// Unassigned is the literal stored in the assigned field of rows that no
// instance owns.
const Unassigned = "no"

// Deferred accumulates the retry history of a delivery row.
type Deferred struct {
	First    time.Time `bson:"first"`
	Last     time.Time `bson:"last"`
	Next     time.Time `bson:"next"`
	Count    int       `bson:"count"`
	Response string    `bson:"response"`
	Log      []string  `bson:"log,omitempty"`
}

// Delivery is the fundamental scheduling unit: one recipient of one
// message. (ID, Seq) is unique.
type Delivery struct {
	ID  string `bson:"id"`
	Seq string `bson:"seq"`

	Recipient string `bson:"recipient"`
	Domain    string `bson:"domain"`

	SendingZone string `bson:"sendingZone"`

	Locked   bool   `bson:"locked"`
	LockTime int64  `bson:"lockTime"`
	Assigned string `bson:"assigned"`

	// Earliest time the delivery may be attempted.
	Queued  time.Time `bson:"queued"`
	Created time.Time `bson:"created"`

	Deferred *Deferred `bson:"_deferred,omitempty"`

	SessionID string `bson:"sessionId,omitempty"`

	// In-memory only. LockKey is set once the row is claimed and is
	// echoed by workers in RELEASE/DEFER payloads. Meta carries the body
	// metadata merged in by the scheduler.
	LockKey string                 `bson:"-"`
	Meta    map[string]interface{} `bson:"-"`
}

// LockKeyFor returns the lock table key for a row. The string form is
// kept for parity with the RPC payload, the lock table itself keys by it
// verbatim.
func LockKeyFor(id, seq string) string {
	return "lock " + id + " " + seq
}

// ParseLockKey splits a lock table key back into (id, seq).
func ParseLockKey(key string) (id, seq string, ok bool) {
	rest, found := strings.CutPrefix(key, "lock ")
	if !found {
		return "", "", false
	}
	id, seq, found = strings.Cut(rest, " ")
	if !found || id == "" || seq == "" {
		return "", "", false
	}
	return id, seq, true
}

// FormatSeq renders a per-message recipient index as the 3-hex seq field.
func FormatSeq(n int) string {
	return fmt.Sprintf("%03x", n)
}
