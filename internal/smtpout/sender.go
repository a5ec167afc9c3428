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

package smtpout

import (
	"context"
	"io"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/outpost-mta/outpost/internal/smtpout/dial"
)

// SMTPSender is the production Sender: one EHLO/MAIL/RCPT/DATA
// transaction per delivery attempt, then QUIT.
type SMTPSender struct {
	// EHLO name used when the chosen pool entry carries none.
	Hostname string

	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration
}

func (s *SMTPSender) Send(ctx context.Context, conn *dial.Result, env Envelope, body io.Reader) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.Conn.SetDeadline(deadline)
	}

	cl := smtp.NewClient(conn.Conn)
	defer cl.Close()
	if s.CommandTimeout != 0 {
		cl.CommandTimeout = s.CommandTimeout
	}
	if s.SubmissionTimeout != 0 {
		cl.SubmissionTimeout = s.SubmissionTimeout
	}

	helloName := conn.LocalName
	if helloName == "" {
		helloName = s.Hostname
	}
	if err := cl.Hello(helloName); err != nil {
		return err
	}
	if err := cl.Mail(env.From, &smtp.MailOptions{}); err != nil {
		return err
	}
	if err := cl.Rcpt(env.Recipient, &smtp.RcptOptions{}); err != nil {
		return err
	}

	wc, err := cl.Data()
	if err != nil {
		return err
	}
	if _, err := io.Copy(wc, body); err != nil {
		_ = wc.Close()
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return cl.Quit()
}
