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

package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/outpost-mta/outpost/framework/log"
)

// S3Config is the body store section for the S3 backend.
type S3Config struct {
	Endpoint     string `mapstructure:"endpoint"`
	Secure       bool   `mapstructure:"secure"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	ObjectPrefix string `mapstructure:"object_prefix"`
}

// S3 stores bodies in an S3-compatible object store. The body lives
// under the body key, the envelope metadata as a JSON sibling object.
// Useful when the document store should not carry multi-megabyte blobs.
type S3 struct {
	cl           *minio.Client
	bucketName   string
	objectPrefix string
	log          log.Logger
}

func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("blob: s3: endpoint not set")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob: s3: bucket not set")
	}

	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: s3: %w", err)
	}

	return &S3{
		cl:           cl,
		bucketName:   cfg.Bucket,
		objectPrefix: cfg.ObjectPrefix,
		log:          log.Logger{Name: "blob/s3"},
	}, nil
}

func metaKey(id string) string {
	return "meta " + id
}

type s3Body struct {
	store *S3
	ctx   context.Context
	id    string
	meta  map[string]interface{}

	pw      *io.PipeWriter
	didSync bool
	errCh   chan error
}

func (b *s3Body) Write(p []byte) (int, error) {
	return b.pw.Write(p)
}

func (b *s3Body) Sync() error {
	b.pw.Close()
	b.didSync = true
	if err := <-b.errCh; err != nil {
		return err
	}
	// Metadata becomes visible only after the body made it, so a
	// present meta object implies a complete body.
	return b.store.putMeta(b.ctx, b.id, b.meta)
}

func (b *s3Body) Close() error {
	if !b.didSync {
		b.pw.CloseWithError(fmt.Errorf("blob: s3: body closed without sync"))
	}
	return nil
}

func (s *S3) putMeta(ctx context.Context, id string, meta map[string]interface{}) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("blob: s3: marshal meta: %w", err)
	}
	_, err = s.cl.PutObject(ctx, s.bucketName, s.objectPrefix+metaKey(id),
		bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
			ContentType: "application/json",
		})
	return err
}

func (s *S3) Create(ctx context.Context, id string, size int64, meta map[string]interface{}) (Body, error) {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)

	go func() {
		partSize := uint64(0)
		if size == UnknownSize {
			// minio-go allocates a 500 MiB part buffer otherwise.
			partSize = 1 * 1024 * 1024
		}
		_, err := s.cl.PutObject(ctx, s.bucketName, s.objectPrefix+BodyKey(id), pr, size,
			minio.PutObjectOptions{
				ContentType: "message/rfc822",
				PartSize:    partSize,
			})
		if err != nil {
			pr.CloseWithError(fmt.Errorf("s3 PutObject: %w", err))
		}
		errCh <- err
	}()

	return &s3Body{
		store: s,
		ctx:   ctx,
		id:    id,
		meta:  meta,
		pw:    pw,
		errCh: errCh,
	}, nil
}

func (s *S3) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	obj, err := s.cl.GetObject(ctx, s.bucketName, s.objectPrefix+BodyKey(id), minio.GetObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return nil, ErrNoSuchBody
		}
		return nil, err
	}
	// GetObject defers the request; probe so the caller gets
	// ErrNoSuchBody here rather than on first read.
	if _, err := obj.Stat(); err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return nil, ErrNoSuchBody
		}
		return nil, err
	}
	return obj, nil
}

func (s *S3) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.cl.StatObject(ctx, s.bucketName, s.objectPrefix+BodyKey(id), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3) Meta(ctx context.Context, id string) (map[string]interface{}, error) {
	obj, err := s.cl.GetObject(ctx, s.bucketName, s.objectPrefix+metaKey(id), minio.GetObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return nil, ErrNoSuchBody
		}
		return nil, err
	}
	defer obj.Close()

	var meta map[string]interface{}
	if err := json.NewDecoder(obj).Decode(&meta); err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return nil, ErrNoSuchBody
		}
		return nil, fmt.Errorf("blob: s3: decode meta: %w", err)
	}
	return meta, nil
}

func (s *S3) SetMeta(ctx context.Context, id string, set map[string]interface{}) error {
	meta, err := s.Meta(ctx, id)
	if err != nil {
		return err
	}
	for field, value := range set {
		meta[field] = value
	}
	return s.putMeta(ctx, id, meta)
}

func (s *S3) Delete(ctx context.Context, ids []string) error {
	var lastErr error
	for _, id := range ids {
		for _, key := range []string{BodyKey(id), metaKey(id)} {
			err := s.cl.RemoveObject(ctx, s.bucketName, s.objectPrefix+key, minio.RemoveObjectOptions{})
			if err != nil {
				lastErr = err
				s.log.Error("failed to delete object", err, "key", key)
			}
		}
	}
	return lastErr
}

func (s *S3) IDsBefore(ctx context.Context, boundary string, limit int) ([]string, error) {
	var ids []string
	// Listing is lexicographic and body keys embed the creation time,
	// so the scan can stop at the boundary.
	for obj := range s.cl.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix: s.objectPrefix + BodyKey(""),
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		id, ok := IDFromBodyKey(obj.Key[len(s.objectPrefix):])
		if !ok {
			continue
		}
		if id >= boundary {
			break
		}
		ids = append(ids, id)
		if len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

var _ Store = &S3{}
