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
	"context"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/outpost-mta/outpost/framework/log"
)

// BucketName is the GridFS bucket holding message bodies.
const BucketName = "mail"

// GridFS stores bodies in a GridFS bucket of the same database that
// holds the delivery rows. Envelope metadata lives in the files
// collection metadata document under the "data" field.
type GridFS struct {
	bucket *gridfs.Bucket
	files  *mongo.Collection
	log    log.Logger
}

func NewGridFS(db *mongo.Database) (*GridFS, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(BucketName))
	if err != nil {
		return nil, fmt.Errorf("blob: gridfs: %w", err)
	}
	return &GridFS{
		bucket: bucket,
		files:  db.Collection(BucketName + ".files"),
		log:    log.Logger{Name: "blob/gridfs"},
	}, nil
}

type gridfsBody struct {
	us      *gridfs.UploadStream
	didSync bool
}

func (b *gridfsBody) Write(p []byte) (int, error) {
	return b.us.Write(p)
}

func (b *gridfsBody) Sync() error {
	b.didSync = true
	return b.us.Close()
}

func (b *gridfsBody) Close() error {
	if b.didSync {
		return nil
	}
	// Abandoned upload. Abort drops the chunks written so far.
	return b.us.Abort()
}

func (s *GridFS) Create(_ context.Context, id string, _ int64, meta map[string]interface{}) (Body, error) {
	us, err := s.bucket.OpenUploadStream(BodyKey(id), options.GridFSUpload().SetMetadata(bson.M{
		"contentType": "message/rfc822",
		"data":        meta,
	}))
	if err != nil {
		return nil, fmt.Errorf("blob: gridfs create: %w", err)
	}
	return &gridfsBody{us: us}, nil
}

func (s *GridFS) Open(_ context.Context, id string) (io.ReadCloser, error) {
	ds, err := s.bucket.OpenDownloadStreamByName(BodyKey(id))
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, ErrNoSuchBody
		}
		return nil, err
	}
	return ds, nil
}

func (s *GridFS) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.files.CountDocuments(ctx, bson.M{"filename": BodyKey(id)})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *GridFS) Meta(ctx context.Context, id string) (map[string]interface{}, error) {
	var row struct {
		Metadata struct {
			Data map[string]interface{} `bson:"data"`
		} `bson:"metadata"`
	}
	err := s.files.FindOne(ctx, bson.M{"filename": BodyKey(id)},
		options.FindOne().SetProjection(bson.M{"metadata": 1})).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoSuchBody
	}
	if err != nil {
		return nil, err
	}
	return row.Metadata.Data, nil
}

func (s *GridFS) SetMeta(ctx context.Context, id string, set map[string]interface{}) error {
	patch := bson.M{}
	for field, value := range set {
		patch["metadata.data."+field] = value
	}
	if len(patch) == 0 {
		return nil
	}
	res, err := s.files.UpdateOne(ctx, bson.M{"filename": BodyKey(id)}, bson.M{"$set": patch})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNoSuchBody
	}
	return nil
}

func (s *GridFS) Delete(ctx context.Context, ids []string) error {
	var lastErr error
	for _, id := range ids {
		var row struct {
			ID interface{} `bson:"_id"`
		}
		err := s.files.FindOne(ctx, bson.M{"filename": BodyKey(id)},
			options.FindOne().SetProjection(bson.M{"_id": 1})).Decode(&row)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		if err := s.bucket.Delete(row.ID); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
			lastErr = err
			s.log.Error("failed to delete body", err, "id", id)
		}
	}
	return lastErr
}

func (s *GridFS) IDsBefore(ctx context.Context, boundary string, limit int) ([]string, error) {
	cursor, err := s.files.Find(ctx,
		bson.M{"filename": bson.M{"$gte": BodyKey(""), "$lt": BodyKey(boundary)}},
		options.Find().
			SetSort(bson.D{{Key: "filename", Value: 1}}).
			SetLimit(int64(limit)).
			SetProjection(bson.M{"filename": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var row struct {
			Filename string `bson:"filename"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		if id, ok := IDFromBodyKey(row.Filename); ok {
			ids = append(ids, id)
		}
	}
	return ids, cursor.Err()
}

var _ Store = &GridFS{}
