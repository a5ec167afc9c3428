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

package rpc

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/outpost-mta/outpost/internal/queue"
)

const (
	CmdHello   = "HELLO"
	CmdGet     = "GET"
	CmdRelease = "RELEASE"
	CmdDefer   = "DEFER"
	CmdBounce  = "BOUNCE"
)

// Request is the worker-to-master envelope. Field presence depends on
// the command.
type Request struct {
	Cmd string `msgpack:"cmd"`
	Req uint64 `msgpack:"req"`

	// HELLO
	Zone string `msgpack:"zone,omitempty"`

	// HELLO carries the worker identity; RELEASE/DEFER/BOUNCE address a
	// delivery.
	ID   string `msgpack:"id,omitempty"`
	Seq  string `msgpack:"seq,omitempty"`
	Lock string `msgpack:"_lock,omitempty"`

	// DEFER
	TTLMillis int64  `msgpack:"ttl,omitempty"`
	Response  string `msgpack:"response,omitempty"`
	Log       string `msgpack:"log,omitempty"`

	// DEFER: destination addresses the worker could not connect to for
	// the delivery's domain, fed into the master's blacklist cache.
	Blacklist []string `msgpack:"blacklist,omitempty"`
}

// Delivery is the wire form of a handed-out delivery row.
type Delivery struct {
	ID          string `msgpack:"id"`
	Seq         string `msgpack:"seq"`
	Recipient   string `msgpack:"recipient"`
	Domain      string `msgpack:"domain"`
	SendingZone string `msgpack:"sendingZone"`
	Lock        string `msgpack:"_lock"`

	DeferCount int    `msgpack:"deferCount,omitempty"`
	SessionID  string `msgpack:"sessionId,omitempty"`

	// Destination addresses currently blacklisted for Domain, so every
	// worker of the zone skips them, not just the one that saw the
	// connection failure.
	Blacklisted []string `msgpack:"blacklisted,omitempty"`

	Meta map[string]interface{} `msgpack:"meta,omitempty"`
}

func deliveryPayload(d *queue.Delivery) *Delivery {
	out := &Delivery{
		ID:          d.ID,
		Seq:         d.Seq,
		Recipient:   d.Recipient,
		Domain:      d.Domain,
		SendingZone: d.SendingZone,
		Lock:        d.LockKey,
		SessionID:   d.SessionID,
		Meta:        d.Meta,
	}
	if d.Deferred != nil {
		out.DeferCount = d.Deferred.Count
	}
	return out
}

// Reply is the master-to-worker envelope, matched to the request by Req.
type Reply struct {
	Req   uint64 `msgpack:"req"`
	Error string `msgpack:"error,omitempty"`

	// GET: the claimed delivery, nil when the zone has nothing.
	Delivery *Delivery `msgpack:"response,omitempty"`

	// RELEASE/DEFER/BOUNCE/HELLO acknowledgement ("id.seq" or "ok").
	OK string `msgpack:"ok,omitempty"`
}

func encodeRequest(req *Request) ([]byte, error) { return msgpack.Marshal(req) }
func decodeRequest(b []byte) (*Request, error) {
	var req Request
	if err := msgpack.Unmarshal(b, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func encodeReply(rep *Reply) ([]byte, error) { return msgpack.Marshal(rep) }
func decodeReply(b []byte) (*Reply, error) {
	var rep Reply
	if err := msgpack.Unmarshal(b, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
