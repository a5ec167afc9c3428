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

package exterrors

import (
	"fmt"
)

// EnhancedCode is a SMTP enhanced status code as defined in RFC 3463.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the error that can be converted to a meaningful SMTP
// status response and also decides whether the affected delivery is
// deferred (4xx) or failed permanently (5xx).
type SMTPError struct {
	// SMTP status code. 4xx is retried, 5xx is not.
	Code int

	// Enhanced SMTP status code. If the first number is zero, it is
	// replaced by 4 or 5 depending on Code.
	EnhancedCode EnhancedCode

	// Message shown to the queue operator and included in bounces.
	Message string

	// Underlying error value. Can be nil.
	Err error

	// The name of the component that generated the error, for logging.
	TargetName string

	// Human-readable description of the underlying error, if it provides
	// a better explanation than Err.Error().
	Reason string

	// Additional fields for structured logging.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+4)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.enchCode()
	ctx["smtp_msg"] = se.Message
	if se.TargetName != "" {
		ctx["target"] = se.TargetName
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	} else if se.Err != nil {
		ctx["reason"] = se.Err.Error()
	}
	return ctx
}

func (se *SMTPError) enchCode() EnhancedCode {
	ec := se.EnhancedCode
	if ec[0] == 0 {
		ec[0] = se.Code / 100
	}
	return ec
}

// ResponseString returns the error formatted the way a remote server
// would have returned it, e.g. "450 4.4.1 connection failed". This string
// is stored in the _deferred.response field of a delivery row.
func (se *SMTPError) ResponseString() string {
	return fmt.Sprintf("%d %s %s", se.Code, se.enchCode(), se.Message)
}

func (se *SMTPError) Error() string {
	if se.Message != "" {
		return se.Message
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return se.ResponseString()
}

func (se *SMTPError) FormatLog() string {
	msg := se.Message
	if se.Reason != "" {
		msg = se.Reason
	} else if se.Err != nil {
		msg = se.Err.Error()
	}
	return fmt.Sprintf("%d %s %s", se.Code, se.enchCode(), msg)
}

// SMTPCode returns the appropriate SMTP status code for the passed error:
// temporaryCode if it is a temporary error and permanentCode otherwise.
// If err is an *SMTPError, its own code takes precedence.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if smtpErr, ok := err.(*SMTPError); ok {
		return smtpErr.Code
	}
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode is SMTPCode for enhanced status codes. The first number of
// the base code is adjusted to match the class of the status code picked.
func SMTPEnchCode(err error, base EnhancedCode) EnhancedCode {
	if smtpErr, ok := err.(*SMTPError); ok {
		return smtpErr.enchCode()
	}
	if base[0] != 0 {
		return base
	}
	if IsTemporaryOrUnspec(err) {
		base[0] = 4
	} else {
		base[0] = 5
	}
	return base
}
