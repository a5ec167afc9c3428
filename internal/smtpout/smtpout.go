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

// Package smtpout performs one outbound delivery attempt: resolve the
// destination into dialing candidates, establish a connection from the
// zone's source pool and run the SMTP transaction.
package smtpout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/outpost-mta/outpost/framework/exterrors"
	"github.com/outpost-mta/outpost/framework/log"
	"github.com/outpost-mta/outpost/internal/blob"
	"github.com/outpost-mta/outpost/internal/rpc"
	"github.com/outpost-mta/outpost/internal/smtpout/dial"
	"github.com/outpost-mta/outpost/internal/smtpout/resolve"
	"github.com/outpost-mta/outpost/internal/zones"
)

// Envelope is the SMTP envelope of one attempt. A delivery row always
// targets exactly one recipient.
type Envelope struct {
	From      string
	Recipient string
}

// Sender runs the mail transaction over an established connection. The
// SMTP implementation is the default; tests substitute their own.
type Sender interface {
	Send(ctx context.Context, conn *dial.Result, env Envelope, body io.Reader) error
}

// Courier glues resolution, dialing and sending into one delivery
// attempt.
type Courier struct {
	Resolver *resolve.Resolver
	Dialer   *dial.Dialer
	Sender   Sender
	Bodies   blob.Store
	Zone     *zones.Zone

	// Global DNS policy, merged with the zone's own flags.
	Deny       []*net.IPNet
	IgnoreIPv6 bool

	Log log.Logger

	// Overridable for tests.
	dialFn func(ctx context.Context, zone *zones.Zone, domain, selectionKey string, candidates []resolve.Candidate) (*dial.Result, error)
}

// Deliver attempts the delivery once. A nil return means the remote
// accepted the message; any error is classified by Classify before
// being reported back as DEFER or BOUNCE.
func (c *Courier) Deliver(ctx context.Context, d *rpc.Delivery) error {
	from, _ := d.Meta["from"].(string)

	body, err := c.Bodies.Open(ctx, d.ID)
	if err != nil {
		if errors.Is(err, blob.ErrNoSuchBody) {
			// The master GC'd the body under us; nothing left to send.
			return &exterrors.SMTPError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 4, 7},
				Message:      "Message body is gone",
				TargetName:   "smtpout",
				Err:          err,
			}
		}
		return exterrors.WithTemporary(fmt.Errorf("smtpout: open body %s: %w", d.ID, err), true)
	}
	defer body.Close()

	// Marks collected by the master from the zone's other workers.
	for _, addr := range d.Blacklisted {
		if ip := net.ParseIP(addr); ip != nil {
			c.Dialer.Mark(d.Domain, ip, "reported by master")
		}
	}

	candidates, err := c.Resolver.Resolve(ctx, d.Domain, resolve.Options{
		IgnoreIPv6:  c.IgnoreIPv6 || c.Zone.IgnoreIPv6,
		Deny:        c.Deny,
		Blacklisted: c.Dialer.Blacklisted(d.Domain),
	})
	if err != nil {
		return err
	}

	dialFn := c.dialFn
	if dialFn == nil {
		dialFn = c.Dialer.Dial
	}
	// Greylisting-friendly: retries of the same recipient keep hitting
	// the same source address.
	conn, err := dialFn(ctx, c.Zone, d.Domain, d.Domain+"|"+d.Recipient, candidates)
	if err != nil {
		return err
	}
	defer conn.Conn.Close()

	if err := c.Sender.Send(ctx, conn, Envelope{From: from, Recipient: d.Recipient}, body); err != nil {
		return err
	}

	c.Log.Msg("delivered",
		"id", d.ID, "seq", d.Seq, "recipient", d.Recipient,
		"mx", conn.Candidate.Hostname, "ip", conn.Candidate.IP.String())
	return nil
}

// NewMarks returns the destination addresses blacklisted locally for the
// delivery's domain that the master does not know about yet. Reported
// with DEFER so other workers skip them too.
func (c *Courier) NewMarks(d *rpc.Delivery) []string {
	known := make(map[string]struct{}, len(d.Blacklisted))
	for _, addr := range d.Blacklisted {
		known[addr] = struct{}{}
	}

	var marks []string
	for _, addr := range c.Dialer.Marks(d.Domain) {
		if _, ok := known[addr]; !ok {
			marks = append(marks, addr)
		}
	}
	return marks
}

const (
	retryBase = 15 * time.Minute
	retryMax  = 32 * time.Hour
)

// RetryDelay returns how long a delivery waits before attempt count+1:
// 15 minutes after the first failure, doubling up to 32 hours. Rows that
// keep failing eventually hit the max-queue-time GC.
func RetryDelay(count int) time.Duration {
	if count < 1 {
		count = 1
	}
	delay := retryBase
	for i := 1; i < count; i++ {
		delay *= 2
		if delay >= retryMax {
			return retryMax
		}
	}
	return delay
}

// Classify renders err as an SMTP-style response line for the
// DEFER/BOUNCE payloads and reports whether the failure is temporary.
func Classify(err error) (response string, temporary bool) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		response := fmt.Sprintf("%d ", smtpErr.Code)
		if smtpErr.EnhancedCode[0] > 0 {
			response += fmt.Sprintf("%d.%d.%d ",
				smtpErr.EnhancedCode[0], smtpErr.EnhancedCode[1], smtpErr.EnhancedCode[2])
		}
		return response + smtpErr.Message, smtpErr.Temporary()
	}

	var extErr *exterrors.SMTPError
	if errors.As(err, &extErr) {
		return extErr.ResponseString(), extErr.Temporary()
	}

	// Anything below the SMTP layer (dial, TLS, mid-DATA I/O) is worth a
	// retry unless the error explicitly says otherwise.
	if exterrors.IsTemporaryOrUnspec(err) {
		return "450 4.4.2 " + err.Error(), true
	}
	return "550 5.0.0 " + err.Error(), false
}
