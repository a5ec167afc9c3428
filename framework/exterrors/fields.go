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

// fielder is implemented by errors that carry structured context for the
// log output (delivery id, domain, SMTP response and the like).
type fielder interface {
	Fields() map[string]interface{}
}

type fieldsErr struct {
	err    error
	fields map[string]interface{}
}

func (f fieldsErr) Error() string { return f.err.Error() }

func (f fieldsErr) Unwrap() error { return f.err }

func (f fieldsErr) Fields() map[string]interface{} { return f.fields }

// WithFields attaches structured context to err. The original error is
// left reachable through Unwrap.
func WithFields(err error, fields map[string]interface{}) error {
	return fieldsErr{err: err, fields: fields}
}

// Fields flattens the structured context of the whole wrap chain into one
// map. When the same key appears at several wrapping depths, the
// outermost value is kept: whoever wrapped last knew more about the
// operation that failed.
func Fields(err error) map[string]interface{} {
	merged := make(map[string]interface{}, 5)

	for err != nil {
		if f, ok := err.(fielder); ok {
			for key, value := range f.Fields() {
				if _, seen := merged[key]; !seen {
					merged[key] = value
				}
			}
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}

	return merged
}
