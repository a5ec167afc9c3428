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

// Package router turns an accepted message envelope into delivery rows.
// One row per recipient; the whole batch is inserted atomically so
// schedulers never observe a partially pushed message.
package router

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/outpost-mta/outpost/framework/address"
	"github.com/outpost-mta/outpost/framework/dns"
	"github.com/outpost-mta/outpost/framework/exterrors"
	"github.com/outpost-mta/outpost/framework/log"
	"github.com/outpost-mta/outpost/internal/hooks"
	"github.com/outpost-mta/outpost/internal/queue"
	"github.com/outpost-mta/outpost/internal/zones"
)

// MaxReceivedHeaders is the loop detection threshold. Messages that
// accumulated more Received fields than this are silently dropped.
const MaxReceivedHeaders = 25

// Envelope is the submission input for one message.
type Envelope struct {
	MessageID string

	From   string
	To     []string
	Origin string

	Headers []zones.HeaderField

	// Explicitly requested zone; used only if such a zone exists.
	SendingZone string

	// If set and in the future, deliveries start out deferred until
	// this time.
	DeferDelivery time.Time

	SessionID string
}

// QueuedObserver is notified once per inserted delivery row, after the
// batch became visible.
type QueuedObserver interface {
	OnQueued(d queue.Delivery)
}

type Router struct {
	store queue.Store
	zones *zones.Set
	hooks *hooks.Registry
	log   log.Logger

	// Optional; nil means no notifications.
	Observer QueuedObserver
}

func New(store queue.Store, zoneSet *zones.Set, reg *hooks.Registry) *Router {
	return &Router{
		store: store,
		zones: zoneSet,
		hooks: reg,
		log:   log.Logger{Name: "router"},
	}
}

// senderDomain extracts the domain used for sender-based routing. The
// From header wins over the envelope sender, matching how recipients
// see the message.
func (r *Router) senderDomain(env *Envelope) string {
	fromHeader := ""
	for _, h := range env.Headers {
		if strings.EqualFold(h.Key, "From") {
			fromHeader = h.Value
		}
	}
	if fromHeader != "" {
		if parsed, err := mail.ParseAddress(fromHeader); err == nil {
			if _, domain, err := address.Split(parsed.Address); err == nil {
				if d, err := dns.ForLookup(domain); err == nil {
					return d
				}
			}
		}
	}
	if _, domain, err := address.Split(env.From); err == nil {
		if d, err := dns.ForLookup(domain); err == nil {
			return d
		}
	}
	return ""
}

func (r *Router) resolveZone(env *Envelope, senderDomain, recipientDomain string) string {
	if env.SendingZone != "" {
		if _, ok := r.zones.Zone(env.SendingZone); ok {
			return env.SendingZone
		}
	}
	if zone := r.zones.ByHeaders(env.Headers); zone != "" {
		if _, ok := r.zones.Zone(zone); ok {
			return zone
		}
	}
	if zone := r.zones.BySender(senderDomain); zone != "" {
		return zone
	}
	if zone := r.zones.ByRecipient(recipientDomain); zone != "" {
		return zone
	}
	if zone := r.zones.ByOrigin(env.Origin); zone != "" {
		return zone
	}
	return r.zones.Default()
}

func countReceived(headers []zones.HeaderField) int {
	n := 0
	for _, h := range headers {
		if strings.EqualFold(h.Key, "Received") {
			n++
		}
	}
	return n
}

// Push routes the envelope and inserts one delivery row per recipient.
// The returned rows reflect what was inserted. A looped message
// (too many Received fields) or a routing hook drop returns (nil, nil):
// the submitter sees success but nothing is queued.
func (r *Router) Push(ctx context.Context, env Envelope) ([]queue.Delivery, error) {
	if env.MessageID == "" {
		return nil, fmt.Errorf("router: message without an id")
	}
	if len(env.To) == 0 {
		return nil, &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "No recipients",
			TargetName:   "router",
		}
	}

	if countReceived(env.Headers) > MaxReceivedHeaders {
		r.log.Msg("dropping looped message", "id", env.MessageID, "received", countReceived(env.Headers))
		return nil, nil
	}

	now := time.Now()
	deferred := env.DeferDelivery.After(now)
	queuedAt := now
	if deferred {
		queuedAt = env.DeferDelivery
	}

	senderDomain := r.senderDomain(&env)

	rows := make([]*queue.Delivery, 0, len(env.To))
	for i, rcpt := range env.To {
		canonical, err := address.ForLookup(rcpt)
		if err != nil {
			return nil, &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
				Message:      "Invalid recipient address",
				TargetName:   "router",
				Err:          err,
			}
		}
		_, domain, err := address.Split(canonical)
		if err != nil {
			return nil, err
		}

		row := &queue.Delivery{
			ID:          env.MessageID,
			Seq:         queue.FormatSeq(i + 1),
			Recipient:   canonical,
			Domain:      domain,
			SendingZone: r.resolveZone(&env, senderDomain, domain),
			Assigned:    queue.Unassigned,
			Queued:      queuedAt,
			Created:     now,
			SessionID:   env.SessionID,
		}
		if deferred {
			row.Deferred = &queue.Deferred{
				First:    now,
				Last:     now,
				Next:     env.DeferDelivery,
				Count:    0,
				Response: "Deferred by router",
			}
		}
		rows = append(rows, row)
	}

	meta := map[string]interface{}{
		"from":      env.From,
		"origin":    env.Origin,
		"sessionId": env.SessionID,
	}
	if err := r.hooks.Route(ctx, meta, rows); err != nil {
		if err == hooks.ErrDrop {
			r.log.Msg("message dropped by routing hook", "id", env.MessageID)
			return nil, nil
		}
		return nil, err
	}

	// All rows are staged in memory up to this point; the unordered
	// batch write is the only visibility boundary.
	if err := r.store.InsertMany(ctx, rows); err != nil {
		return nil, fmt.Errorf("router: push %s: %w", env.MessageID, err)
	}

	out := make([]queue.Delivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
		r.log.DebugMsg("delivery queued",
			"id", row.ID, "seq", row.Seq,
			"recipient", row.Recipient, "zone", row.SendingZone)
		if r.Observer != nil {
			r.Observer.OnQueued(*row)
		}
	}
	return out, nil
}
