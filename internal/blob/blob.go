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

// Package blob abstracts the message body store. One body per message ID,
// written exactly once by the router and read many times by workers.
// Bodies are content-addressed by the queue ID, which is time-prefixed,
// so lexicographic order on keys is chronological order.
package blob

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Body is a body being written. Sync is called after all data has been
// written successfully; Close without a prior Sync means the write is
// abandoned and the partial data must be discarded.
type Body interface {
	Sync() error
	io.Writer
	io.Closer
}

var ErrNoSuchBody = errors.New("blob: no such body")

// UnknownSize is passed to Create when the body length is not known
// upfront.
const UnknownSize int64 = -1

// Store is the body store. Both implementations (GridFS and S3) keep the
// RFC 5322 payload under BodyKey and the envelope metadata separately.
type Store interface {
	// Create opens a new body for writing. meta is stored alongside and
	// becomes visible once the body is synced.
	Create(ctx context.Context, id string, size int64, meta map[string]interface{}) (Body, error)

	// Open returns a reader over the stored body. ErrNoSuchBody if the
	// message is unknown.
	Open(ctx context.Context, id string) (io.ReadCloser, error)

	// Exists reports whether a synced body is present.
	Exists(ctx context.Context, id string) (bool, error)

	// Meta returns the stored envelope metadata. ErrNoSuchBody if the
	// message is unknown.
	Meta(ctx context.Context, id string) (map[string]interface{}, error)

	// SetMeta patches individual metadata fields of an existing body.
	SetMeta(ctx context.Context, id string, set map[string]interface{}) error

	// Delete removes bodies and their metadata. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// IDsBefore returns up to limit message IDs created before the
	// boundary ID, oldest first. Used by garbage collection to find
	// orphaned bodies.
	IDsBefore(ctx context.Context, boundary string, limit int) ([]string, error)
}

// BodyKey is the store key of the message payload.
func BodyKey(id string) string {
	return "message " + id
}

// IDFromBodyKey is the inverse of BodyKey, second value false if the key
// is not a body key.
func IDFromBodyKey(key string) (string, bool) {
	return strings.CutPrefix(key, "message ")
}
