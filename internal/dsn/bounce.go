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

package dsn

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/outpost-mta/outpost/framework/exterrors"
	"github.com/outpost-mta/outpost/framework/log"
	"github.com/outpost-mta/outpost/internal/blob"
	"github.com/outpost-mta/outpost/internal/hooks"
	"github.com/outpost-mta/outpost/internal/msgid"
	"github.com/outpost-mta/outpost/internal/queue"
	"github.com/outpost-mta/outpost/internal/router"
)

// Bouncer composes a DSN for permanently failed deliveries and submits
// it back through the router as a regular message.
type Bouncer struct {
	router   *router.Router
	bodies   blob.Store
	ids      *msgid.Generator
	hostname string
	log      log.Logger
}

func NewBouncer(rtr *router.Router, bodies blob.Store, ids *msgid.Generator, hostname string) *Bouncer {
	return &Bouncer{
		router:   rtr,
		bodies:   bodies,
		ids:      ids,
		hostname: hostname,
		log:      log.Logger{Name: "dsn"},
	}
}

// Register attaches the bouncer to the bounce hook point.
func (b *Bouncer) Register(reg *hooks.Registry) {
	reg.OnBounce(b.OnBounce)
}

// statusFromResponse derives the RFC 3463 status from an SMTP response
// line like "550 5.1.1 No such user".
func statusFromResponse(response string) exterrors.EnhancedCode {
	fields := strings.Fields(response)
	if len(fields) >= 2 {
		var a, c, d int
		if n, err := fmt.Sscanf(fields[1], "%d.%d.%d", &a, &c, &d); err == nil && n == 3 && a >= 2 && a <= 5 {
			return exterrors.EnhancedCode{a, c, d}
		}
	}
	status := exterrors.EnhancedCode{5, 0, 0}
	if len(fields) >= 1 && len(fields[0]) == 3 && fields[0][0] >= '2' && fields[0][0] <= '5' {
		status[0] = int(fields[0][0] - '0')
	}
	return status
}

// OnBounce implements the bounce hook. Failures to generate or queue
// the DSN are logged; the original delivery is released regardless.
func (b *Bouncer) OnBounce(ctx context.Context, d queue.Delivery, response string) {
	meta, err := b.bodies.Meta(ctx, d.ID)
	if err != nil {
		b.log.Error("cannot load meta for bounce", err, "id", d.ID)
		return
	}

	sender, _ := meta["from"].(string)
	if sender == "" {
		// Null reverse-path: the message is already a notification.
		b.log.DebugMsg("not bouncing a message with a null sender", "id", d.ID)
		return
	}
	if isDSN, _ := meta["dsn"].(bool); isDSN {
		b.log.DebugMsg("not bouncing a bounce", "id", d.ID)
		return
	}

	id := b.ids.Get()
	env := Envelope{
		MsgID: "<" + id + "@" + b.hostname + ">",
		From:  "MAILER-DAEMON@" + b.hostname,
		To:    sender,
	}
	mtaInfo := ReportingMTAInfo{
		ReportingMTA:    b.hostname,
		XSender:         sender,
		XMessageID:      d.ID,
		ArrivalDate:     d.Created,
		LastAttemptDate: time.Now(),
	}
	rcptInfo := RecipientInfo{
		FinalRecipient: d.Recipient,
		Action:         ActionFailed,
		Status:         statusFromResponse(response),
		DiagnosticCode: response,
	}

	var bodyBuf bytes.Buffer
	header, err := Generate(env, mtaInfo, []RecipientInfo{rcptInfo}, textproto.Header{}, &bodyBuf)
	if err != nil {
		b.log.Error("DSN generation failed", err, "id", d.ID)
		return
	}

	body, err := b.bodies.Create(ctx, id, blob.UnknownSize, map[string]interface{}{
		"from":   "",
		"origin": "127.0.0.1",
		"dsn":    true,
	})
	if err != nil {
		b.log.Error("cannot store DSN body", err, "id", id)
		return
	}
	if err := textproto.WriteHeader(body, header); err != nil {
		body.Close()
		b.log.Error("cannot write DSN header", err, "id", id)
		return
	}
	if _, err := body.Write(bodyBuf.Bytes()); err != nil {
		body.Close()
		b.log.Error("cannot write DSN body", err, "id", id)
		return
	}
	if err := body.Sync(); err != nil {
		body.Close()
		b.log.Error("cannot finalize DSN body", err, "id", id)
		return
	}
	body.Close()

	if _, err := b.router.Push(ctx, router.Envelope{
		MessageID: id,
		From:      "",
		To:        []string{sender},
		SessionID: d.SessionID,
	}); err != nil {
		b.log.Error("cannot queue DSN", err, "id", id)
		if delErr := b.bodies.Delete(ctx, []string{id}); delErr != nil {
			b.log.Error("cannot delete unqueued DSN body", delErr, "id", id)
		}
		return
	}

	b.log.Msg("bounce queued",
		"id", id, "failed_id", d.ID, "failed_seq", d.Seq, "to", sender)
}
