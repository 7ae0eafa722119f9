package model

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Record is a single row of an ingested file.  Records are values and are never modified once created.
type Record struct {
	Name       string    `json:"name" bson:"name"`
	Email      string    `json:"email" bson:"email"`
	Phone      string    `json:"phone" bson:"phone"`
	NationalID string    `json:"nationalId" bson:"nationalId"`
	CapturedAt time.Time `json:"capturedAt" bson:"capturedAt"`
}

// Batch is an ordered group of records moving together through the pipeline.
type Batch []Record

// FailedRecord is a dead-lettered record together with the reason its insert failed.  ID comes from the
// dead-letter store's NewID.  Record is nil if the stored document could not be decoded.
type FailedRecord struct {
	ID       string
	Record   *Record
	Error    string
	FailedAt time.Time
}

// MarshalBatch encodes a batch as a JSON array of records.  This is the wire format of the record channel.
func MarshalBatch(batch Batch) ([]byte, error) {
	if batch == nil {
		batch = Batch{}
	}
	payload, err := json.Marshal(batch)
	return payload, errors.WithStack(err)
}

func UnmarshalBatch(payload []byte) (Batch, error) {
	var batch Batch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, errors.WithStack(err)
	}
	return batch, nil
}
