package store

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/sourcesystems/csvpipeline/internal/model"
)

func TestToPartialInsertError(t *testing.T) {
	writeErrors := mongo.BulkWriteException{
		WriteErrors: []mongo.BulkWriteError{
			{WriteError: mongo.WriteError{Index: 1, Code: 11000, Message: "duplicate key"}},
			{WriteError: mongo.WriteError{Index: 3, Code: 121, Message: "document failed validation"}},
		},
	}

	err := toPartialInsertError(writeErrors, 5)
	var partial *PartialInsertError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, []int{1, 3}, partial.FailedIndices)
	assert.Contains(t, partial.Error(), "2 records could not be inserted")
}

func TestToPartialInsertError_WholeInsertFailed(t *testing.T) {
	tests := map[string]error{
		"network error": errors.New("connection reset"),
		"write concern error": mongo.BulkWriteException{
			WriteErrors:       []mongo.BulkWriteError{{WriteError: mongo.WriteError{Index: 0}}},
			WriteConcernError: &mongo.WriteConcernError{Code: 64, Message: "waiting for replication timed out"},
		},
		"index out of range": mongo.BulkWriteException{
			WriteErrors: []mongo.BulkWriteError{{WriteError: mongo.WriteError{Index: 9}}},
		},
	}
	for name, err := range tests {
		t.Run(name, func(t *testing.T) {
			converted := toPartialInsertError(err, 5)
			require.Error(t, converted)
			var partial *PartialInsertError
			assert.False(t, errors.As(converted, &partial))
		})
	}
	assert.NoError(t, toPartialInsertError(nil, 5))
}

func TestIgnoreDuplicateKey(t *testing.T) {
	duplicate := mongo.WriteException{
		WriteErrors: []mongo.WriteError{{Index: 0, Code: 11000, Message: "E11000 duplicate key error"}},
	}
	assert.NoError(t, ignoreDuplicateKey(duplicate))
	assert.NoError(t, ignoreDuplicateKey(nil))

	other := mongo.WriteException{
		WriteErrors: []mongo.WriteError{{Index: 0, Code: 121, Message: "document failed validation"}},
	}
	assert.Error(t, ignoreDuplicateKey(other))
	assert.Error(t, ignoreDuplicateKey(errors.New("connection reset")))
}

func TestMongoStore_NewIDIsObjectID(t *testing.T) {
	s := &MongoStore{}
	id := s.NewID()
	_, err := primitive.ObjectIDFromHex(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, s.NewID())
}

func TestFailedDocument_Decode(t *testing.T) {
	capturedAt := time.Date(2022, 3, 1, 15, 4, 5, 0, time.UTC)
	failedAt := time.Date(2022, 3, 1, 16, 0, 0, 0, time.UTC)
	oid := primitive.NewObjectID()

	tests := map[string]struct {
		document       interface{}
		expectedRecord *model.Record
	}{
		"record": {
			document:       model.Record{Name: "a", Email: "a@example.com", CapturedAt: capturedAt},
			expectedRecord: &model.Record{Name: "a", Email: "a@example.com", CapturedAt: capturedAt},
		},
		"null document": {
			document:       nil,
			expectedRecord: nil,
		},
		"not a document": {
			document:       "garbage",
			expectedRecord: nil,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			raw, err := bson.Marshal(bson.M{
				"_id":       oid,
				"error":     "store timeout",
				"document":  tc.document,
				"timestamp": failedAt,
			})
			require.NoError(t, err)

			var doc failedDocument
			require.NoError(t, bson.Unmarshal(raw, &doc))
			failed := doc.toFailedRecord()

			assert.Equal(t, oid.Hex(), failed.ID)
			assert.Equal(t, "store timeout", failed.Error)
			assert.True(t, failedAt.Equal(failed.FailedAt))
			if tc.expectedRecord == nil {
				assert.Nil(t, failed.Record)
			} else {
				require.NotNil(t, failed.Record)
				assert.Equal(t, tc.expectedRecord.Name, failed.Record.Name)
				assert.True(t, tc.expectedRecord.CapturedAt.Equal(failed.Record.CapturedAt))
			}
		})
	}
}
