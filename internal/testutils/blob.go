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

package testutils

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/outpost-mta/outpost/internal/blob"
)

type memBody struct {
	store *Blobs
	id    string
	meta  map[string]interface{}
	buf   bytes.Buffer
}

func (b *memBody) Write(p []byte) (int, error) { return b.buf.Write(p) }

func (b *memBody) Sync() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.store.bodies[b.id] = append([]byte(nil), b.buf.Bytes()...)
	meta := map[string]interface{}{}
	for k, v := range b.meta {
		meta[k] = v
	}
	b.store.metas[b.id] = meta
	return nil
}

func (b *memBody) Close() error { return nil }

// Blobs is an in-memory blob.Store double. Bodies become visible only
// after Sync, matching the real backends.
type Blobs struct {
	mu     sync.Mutex
	bodies map[string][]byte
	metas  map[string]map[string]interface{}
}

func NewBlobs() *Blobs {
	return &Blobs{
		bodies: map[string][]byte{},
		metas:  map[string]map[string]interface{}{},
	}
}

func (s *Blobs) Create(_ context.Context, id string, _ int64, meta map[string]interface{}) (blob.Body, error) {
	return &memBody{store: s, id: id, meta: meta}, nil
}

func (s *Blobs) Open(_ context.Context, id string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.bodies[id]
	if !ok {
		return nil, blob.ErrNoSuchBody
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (s *Blobs) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bodies[id]
	return ok, nil
}

func (s *Blobs) Meta(_ context.Context, id string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metas[id]
	if !ok {
		return nil, blob.ErrNoSuchBody
	}
	out := map[string]interface{}{}
	for k, v := range meta {
		out[k] = v
	}
	return out, nil
}

func (s *Blobs) SetMeta(_ context.Context, id string, set map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metas[id]
	if !ok {
		return blob.ErrNoSuchBody
	}
	for k, v := range set {
		meta[k] = v
	}
	return nil
}

func (s *Blobs) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.bodies, id)
		delete(s.metas, id)
	}
	return nil
}

// IDs returns all synced body IDs, sorted.
func (s *Blobs) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.bodies))
	for id := range s.bodies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Blobs) IDsBefore(_ context.Context, boundary string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.bodies {
		if id < boundary {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

var _ blob.Store = &Blobs{}
