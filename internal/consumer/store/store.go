package store

import (
	"context"
	"fmt"

	"github.com/sourcesystems/csvpipeline/internal/model"
)

// RecordStore is the primary store for ingested records.
type RecordStore interface {
	// InsertMany inserts all records.  If only some of them could be inserted it returns a *PartialInsertError.
	InsertMany(ctx context.Context, records []model.Record) error
}

// DeadLetterStore holds records whose insert into the RecordStore failed.
type DeadLetterStore interface {
	// NewID returns a fresh id for an entry, so that callers can retry an Insert without creating duplicates.
	NewID() string
	// Insert stores failed under failed.ID, or under a new id if that is empty.  Inserting an id that is already
	// present is a no-op.
	Insert(ctx context.Context, failed model.FailedRecord) error
	// Page returns up to limit entries whose ids sort after afterID, in id order.  An empty afterID starts from the
	// beginning.
	Page(ctx context.Context, afterID string, limit int) ([]model.FailedRecord, error)
	// DeleteMany removes the entries with the given ids.  Unknown ids are ignored.
	DeleteMany(ctx context.Context, ids []string) error
}

// PartialInsertError reports that only some records of an InsertMany were stored.  FailedIndices are positions in
// the slice passed to InsertMany; all other records were inserted.
type PartialInsertError struct {
	FailedIndices []int
	Err           error
}

func (e *PartialInsertError) Error() string {
	return fmt.Sprintf("%d records could not be inserted: %v", len(e.FailedIndices), e.Err)
}

func (e *PartialInsertError) Unwrap() error {
	return e.Err
}
