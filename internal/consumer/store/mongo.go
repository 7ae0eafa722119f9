package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sourcesystems/csvpipeline/internal/model"
)

const (
	DefaultDatabase          = "files"
	DefaultRecordsCollection = "records"
	DefaultFailedCollection  = "failed_records"
)

// failedDocument is the dead-letter wrapper document.  Document is kept raw so that an entry that no longer decodes
// as a record can still be paged over and reported.
type failedDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Error     string             `bson:"error"`
	Document  bson.RawValue      `bson:"document,omitempty"`
	Timestamp time.Time          `bson:"timestamp"`
}

type newFailedDocument struct {
	ID        primitive.ObjectID `bson:"_id"`
	Error     string             `bson:"error"`
	Document  *model.Record      `bson:"document"`
	Timestamp time.Time          `bson:"timestamp"`
}

// MongoStore keeps records and dead-lettered records in two collections of one database.
type MongoStore struct {
	records *mongo.Collection
	failed  *mongo.Collection
}

func NewMongoStore(db *mongo.Database, recordsCollection string, failedCollection string) *MongoStore {
	return &MongoStore{
		records: db.Collection(recordsCollection),
		failed:  db.Collection(failedCollection),
	}
}

// InsertMany inserts unordered, so one bad document doesn't stop the others.
func (s *MongoStore) InsertMany(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]interface{}, len(records))
	for i := range records {
		docs[i] = records[i]
	}
	_, err := s.records.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return toPartialInsertError(err, len(records))
}

func (s *MongoStore) NewID() string {
	return primitive.NewObjectID().Hex()
}

// Insert sets _id on the client, so a retry after an insert whose outcome was lost hits the duplicate key error
// rather than writing a second entry.
func (s *MongoStore) Insert(ctx context.Context, failed model.FailedRecord) error {
	id := primitive.NewObjectID()
	if failed.ID != "" {
		oid, err := primitive.ObjectIDFromHex(failed.ID)
		if err != nil {
			return errors.Wrapf(err, "invalid dead-letter id %q", failed.ID)
		}
		id = oid
	}
	_, err := s.failed.InsertOne(ctx, newFailedDocument{
		ID:        id,
		Error:     failed.Error,
		Document:  failed.Record,
		Timestamp: failed.FailedAt,
	})
	return ignoreDuplicateKey(err)
}

func (s *MongoStore) Page(ctx context.Context, afterID string, limit int) ([]model.FailedRecord, error) {
	filter := bson.M{}
	if afterID != "" {
		oid, err := primitive.ObjectIDFromHex(afterID)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid dead-letter id %q", afterID)
		}
		filter = bson.M{"_id": bson.M{"$gt": oid}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
	cursor, err := s.failed.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer cursor.Close(ctx)

	var page []model.FailedRecord
	for cursor.Next(ctx) {
		var doc failedDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.WithStack(err)
		}
		page = append(page, doc.toFailedRecord())
	}
	return page, errors.WithStack(cursor.Err())
}

func (s *MongoStore) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return errors.Wrapf(err, "invalid dead-letter id %q", id)
		}
		oids = append(oids, oid)
	}
	_, err := s.failed.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": oids}})
	return errors.WithStack(err)
}

// Ping checks that the database is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	return errors.WithStack(s.records.Database().Client().Ping(ctx, nil))
}

func (d failedDocument) toFailedRecord() model.FailedRecord {
	failed := model.FailedRecord{
		ID:       d.ID.Hex(),
		Error:    d.Error,
		FailedAt: d.Timestamp,
	}
	if d.Document.Type == bson.TypeEmbeddedDocument {
		var record model.Record
		if err := d.Document.Unmarshal(&record); err == nil {
			failed.Record = &record
		}
	}
	return failed
}

func ignoreDuplicateKey(err error) error {
	if err == nil || mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return errors.WithStack(err)
}

// toPartialInsertError converts the error of an unordered InsertMany.  Write errors identify the documents that
// failed, and everything else was inserted; any other error leaves the outcome of the whole insert unknown.
func toPartialInsertError(err error, numRecords int) error {
	if err == nil {
		return nil
	}
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return errors.WithStack(err)
	}
	indices := make([]int, 0, len(bwe.WriteErrors))
	for _, we := range bwe.WriteErrors {
		if we.Index < 0 || we.Index >= numRecords {
			return errors.WithStack(err)
		}
		indices = append(indices, we.Index)
	}
	return &PartialInsertError{FailedIndices: indices, Err: err}
}
