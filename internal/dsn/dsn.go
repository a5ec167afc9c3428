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

// Package dsn generates RFC 3464 delivery status notifications and
// feeds them back into the queue when a delivery fails permanently.
package dsn

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/outpost-mta/outpost/framework/exterrors"
)

// ReportingMTAInfo describes this MTA in the machine-readable part.
type ReportingMTAInfo struct {
	ReportingMTA string

	// Original envelope sender, included as an X-Outpost-Sender field.
	XSender string

	// Queue ID of the failed message.
	XMessageID string

	ArrivalDate     time.Time
	LastAttemptDate time.Time
}

func (info ReportingMTAInfo) WriteTo(w io.Writer) error {
	if info.ReportingMTA == "" {
		return errors.New("dsn: Reporting-MTA field is mandatory")
	}

	// The per-message DSN block reuses the MIME header syntax.
	h := textproto.Header{}
	h.Add("Reporting-MTA", "dns; "+info.ReportingMTA)
	if info.XSender != "" {
		h.Add("X-Outpost-Sender", "rfc822; "+info.XSender)
	}
	if info.XMessageID != "" {
		h.Add("X-Outpost-MsgID", info.XMessageID)
	}
	if !info.ArrivalDate.IsZero() {
		h.Add("Arrival-Date", info.ArrivalDate.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}
	if !info.LastAttemptDate.IsZero() {
		h.Add("Last-Attempt-Date", info.LastAttemptDate.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}
	return textproto.WriteHeader(w, h)
}

type Action string

const (
	ActionFailed  Action = "failed"
	ActionDelayed Action = "delayed"
)

// RecipientInfo is one per-recipient block of the status part.
type RecipientInfo struct {
	FinalRecipient string
	RemoteMTA      string

	Action Action
	Status exterrors.EnhancedCode

	// DiagnosticCode is the SMTP-style response line of the failure.
	DiagnosticCode string
}

func (info RecipientInfo) WriteTo(w io.Writer) error {
	if info.FinalRecipient == "" {
		return errors.New("dsn: Final-Recipient is required")
	}
	if info.Action == "" {
		return errors.New("dsn: Action is required")
	}
	if info.Status[0] == 0 {
		return errors.New("dsn: Status is required")
	}

	h := textproto.Header{}
	h.Add("Final-Recipient", "rfc822; "+info.FinalRecipient)
	h.Add("Action", string(info.Action))
	h.Add("Status", fmt.Sprintf("%d.%d.%d", info.Status[0], info.Status[1], info.Status[2]))
	if info.DiagnosticCode != "" {
		// CR/LF from a multiline remote response cannot appear inside
		// the field value.
		diag := strings.ReplaceAll(strings.ReplaceAll(info.DiagnosticCode, "\n", " "), "\r", " ")
		h.Add("Diagnostic-Code", "smtp; "+diag)
	}
	if info.RemoteMTA != "" {
		h.Add("Remote-MTA", "dns; "+info.RemoteMTA)
	}
	return textproto.WriteHeader(w, h)
}

// Envelope is the DSN message's own envelope.
type Envelope struct {
	MsgID string
	From  string
	To    string
}

// Generate writes the complete multipart/report body to outWriter and
// returns the header of the DSN message itself.
func Generate(envelope Envelope, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo, failedHeader textproto.Header, outWriter io.Writer) (textproto.Header, error) {
	partWriter := textproto.NewMultipartWriter(outWriter)

	reportHeader := textproto.Header{}
	reportHeader.Add("Date", time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	reportHeader.Add("Message-Id", envelope.MsgID)
	reportHeader.Add("Content-Transfer-Encoding", "8bit")
	reportHeader.Add("Content-Type", "multipart/report; report-type=delivery-status; boundary="+partWriter.Boundary())
	reportHeader.Add("MIME-Version", "1.0")
	reportHeader.Add("Auto-Submitted", "auto-replied")
	reportHeader.Add("To", envelope.To)
	reportHeader.Add("From", envelope.From)
	reportHeader.Add("Subject", "Undelivered Mail Returned to Sender")

	defer partWriter.Close()

	if err := writeHumanReadablePart(partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}
	if err := writeMachineReadablePart(partWriter, mtaInfo, rcptsInfo); err != nil {
		return textproto.Header{}, err
	}
	if failedHeader.Fields().Next() {
		if err := writeFailedHeader(partWriter, failedHeader); err != nil {
			return textproto.Header{}, err
		}
	}
	return reportHeader, nil
}

func writeFailedHeader(w *textproto.MultipartWriter, header textproto.Header) error {
	partHeader := textproto.Header{}
	partHeader.Add("Content-Description", "Undelivered message header")
	partHeader.Add("Content-Type", "message/rfc822-headers")
	partHeader.Add("Content-Transfer-Encoding", "8bit")
	headerWriter, err := w.CreatePart(partHeader)
	if err != nil {
		return err
	}
	return textproto.WriteHeader(headerWriter, header)
}

func writeMachineReadablePart(w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	machineHeader := textproto.Header{}
	machineHeader.Add("Content-Type", "message/delivery-status")
	machineHeader.Add("Content-Description", "Delivery report")
	machineWriter, err := w.CreatePart(machineHeader)
	if err != nil {
		return err
	}

	if err := mtaInfo.WriteTo(machineWriter); err != nil {
		return err
	}
	for _, rcpt := range rcptsInfo {
		if err := rcpt.WriteTo(machineWriter); err != nil {
			return err
		}
	}
	return nil
}

var failedText = template.Must(template.New("dsn-text").Parse(`
This is the mail delivery system at {{.ReportingMTA}}.

Unfortunately, your message could not be delivered to one or more
recipients. The usual cause of this problem is an invalid recipient
address or maintenance at the recipient side.

Contact the postmaster for further assistance, provide the Message ID (below):

Message ID: {{.XMessageID}}
Arrival: {{.ArrivalDate}}
Last delivery attempt: {{.LastAttemptDate}}

`))

func writeHumanReadablePart(w *textproto.MultipartWriter, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo) error {
	humanHeader := textproto.Header{}
	humanHeader.Add("Content-Transfer-Encoding", "8bit")
	humanHeader.Add("Content-Type", `text/plain; charset="utf-8"`)
	humanHeader.Add("Content-Description", "Notification")
	humanWriter, err := w.CreatePart(humanHeader)
	if err != nil {
		return err
	}

	if err := failedText.Execute(humanWriter, mtaInfo); err != nil {
		return err
	}
	for _, rcpt := range rcptsInfo {
		diag := rcpt.DiagnosticCode
		if diag == "" {
			diag = "no diagnostic available"
		}
		if _, err := fmt.Fprintf(humanWriter, "Delivery to %s failed: %s\n", rcpt.FinalRecipient, diag); err != nil {
			return err
		}
	}
	return nil
}
