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

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionName is the deliveries collection within the configured
// database.
const CollectionName = "deliveries"

// MongoStore is the document-store implementation of Store.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(CollectionName)}
}

// EnsureIndexes creates the indexes the claim scan and reference lookups
// depend on. Safe to call on every startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "id", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "sendingZone", Value: 1},
				{Key: "queued", Value: 1},
				{Key: "locked", Value: 1},
				{Key: "assigned", Value: 1},
				{Key: "domain", Value: 1},
			},
		},
	})
	return err
}

func (s *MongoStore) InsertMany(ctx context.Context, deliveries []*Delivery) error {
	docs := make([]interface{}, 0, len(deliveries))
	for _, d := range deliveries {
		docs = append(docs, d)
	}
	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return err
}

func (s *MongoStore) Claim(ctx context.Context, zone, instance string, skipDomains []string) (*Delivery, error) {
	now := time.Now()

	filter := bson.M{
		"sendingZone": zone,
		"queued":      bson.M{"$lte": now},
		"locked":      false,
		"assigned":    bson.M{"$in": []string{Unassigned, instance}},
	}
	if len(skipDomains) != 0 {
		filter["domain"] = bson.M{"$nin": skipDomains}
	}

	update := bson.M{"$set": bson.M{
		"locked":   true,
		"lockTime": now.UnixMilli(),
		"assigned": instance,
	}}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "queued", Value: 1}, {Key: "_id", Value: 1}})

	var delivery Delivery
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&delivery)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	delivery.LockKey = LockKeyFor(delivery.ID, delivery.Seq)
	return &delivery, nil
}

func (s *MongoStore) Unlock(ctx context.Context, id, seq string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"id": id, "seq": seq},
		bson.M{"$set": bson.M{"locked": false, "lockTime": 0}})
	return err
}

func (s *MongoStore) Remove(ctx context.Context, id, seq string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"id": id, "seq": seq})
	return err
}

func (s *MongoStore) RemoveMessage(ctx context.Context, id string) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"id": id})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) CountForMessage(ctx context.Context, id string) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.M{"id": id})
}

func (s *MongoStore) Defer(ctx context.Context, id, seq string, upd DeferUpdate) error {
	now := time.Now()

	set := bson.M{
		"_deferred.last":     now,
		"_deferred.next":     upd.Next,
		"_deferred.response": upd.Response,
		"queued":             upd.Next,
		"locked":             false,
		"lockTime":           0,
	}
	inc := bson.M{"_deferred.count": 1}
	for field, value := range upd.Set {
		if AllowedPatchField(field) {
			set[field] = value
		}
	}
	for field, value := range upd.Inc {
		if AllowedPatchField(field) {
			inc[field] = value
		}
	}

	update := bson.M{
		"$set": set,
		"$inc": inc,
		// $min assigns on first defer and never moves it afterwards.
		"$min": bson.M{"_deferred.first": now},
	}
	if upd.Log != "" {
		update["$push"] = bson.M{"_deferred.log": bson.M{
			"$each":  []string{upd.Log},
			"$slice": -20,
		}}
	}

	_, err := s.coll.UpdateOne(ctx, bson.M{"id": id, "seq": seq}, update)
	return err
}

func (s *MongoStore) Update(ctx context.Context, id, seq string, set map[string]interface{}) error {
	filtered := bson.M{}
	for field, value := range set {
		if AllowedPatchField(field) {
			filtered[field] = value
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	filter := bson.M{"id": id}
	if seq != "" {
		filter["seq"] = seq
		_, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": filtered})
		return err
	}
	_, err := s.coll.UpdateMany(ctx, filter, bson.M{"$set": filtered})
	return err
}

func (s *MongoStore) Message(ctx context.Context, id string) ([]Delivery, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"id": id},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []Delivery
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) List(ctx context.Context, zone string, deferred bool, limit int) ([]Delivery, error) {
	now := time.Now()
	queued := bson.M{"$lte": now}
	if deferred {
		queued = bson.M{"$gt": now}
	}

	cursor, err := s.coll.Find(ctx,
		bson.M{"sendingZone": zone, "queued": queued},
		options.Find().
			SetSort(bson.D{{Key: "queued", Value: 1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var out []Delivery
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Counts(ctx context.Context, zone string) (Counts, error) {
	now := time.Now()

	base := bson.M{}
	if zone != "" {
		base["sendingZone"] = zone
	}

	queuedFilter := bson.M{"queued": bson.M{"$lte": now}}
	deferredFilter := bson.M{"queued": bson.M{"$gt": now}}
	for k, v := range base {
		queuedFilter[k] = v
		deferredFilter[k] = v
	}

	queued, err := s.coll.CountDocuments(ctx, queuedFilter)
	if err != nil {
		return Counts{}, err
	}
	deferred, err := s.coll.CountDocuments(ctx, deferredFilter)
	if err != nil {
		return Counts{}, err
	}
	return Counts{Queued: queued, Deferred: deferred}, nil
}

func (s *MongoStore) DomainCounts(ctx context.Context, zone string, limit int) (map[string]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"sendingZone": zone}}},
		{{Key: "$group", Value: bson.M{"_id": "$domain", "count": bson.M{"$sum": 1}}}},
		{{Key: "$sort", Value: bson.M{"count": -1}}},
		{{Key: "$limit", Value: limit}},
	}
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Domain string `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Domain] = row.Count
	}
	return out, nil
}

func (s *MongoStore) OldestCreated(ctx context.Context) (time.Time, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created", Value: 1}}).
		SetProjection(bson.M{"created": 1})

	var row struct {
		Created time.Time `bson:"created"`
	}
	err := s.coll.FindOne(ctx, bson.M{}, opts).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return row.Created, nil
}

func (s *MongoStore) SweepLocks(ctx context.Context, instance string, lockedBefore time.Time) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{
			"locked":   true,
			"assigned": instance,
			"lockTime": bson.M{"$lte": lockedBefore.UnixMilli()},
		},
		bson.M{"$set": bson.M{"locked": false, "lockTime": 0}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) Expired(ctx context.Context, createdBefore time.Time, limit int) ([]Delivery, error) {
	cursor, err := s.coll.Find(ctx,
		bson.M{"locked": false, "created": bson.M{"$lte": createdBefore}},
		options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var out []Delivery
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Store = &MongoStore{}
