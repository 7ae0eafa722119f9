package store

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/sourcesystems/csvpipeline/internal/model"
)

const (
	recordsTable = "records"
	failedTable  = "failed_records"
	idIndex      = "id"
)

type recordRow struct {
	ID     string
	Record model.Record
}

type failedRow struct {
	ID       string
	Record   *model.Record
	Error    string
	FailedAt time.Time
}

// MemoryStore is an in-process RecordStore and DeadLetterStore.  Ids are ULIDs, so they sort in insertion order.
// Inserts are all-or-nothing.
type MemoryStore struct {
	db *memdb.MemDB

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			recordsTable: {
				Name: recordsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
			failedTable: {
				Name: failedTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
		},
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryStore{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

func (s *MemoryStore) InsertMany(ctx context.Context, records []model.Record) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	for _, r := range records {
		if err := txn.Insert(recordsTable, &recordRow{ID: s.newID(), Record: r}); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, failed model.FailedRecord) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	id := failed.ID
	if id == "" {
		id = s.newID()
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(failedTable, idIndex, id)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return nil
	}
	row := &failedRow{ID: id, Record: failed.Record, Error: failed.Error, FailedAt: failed.FailedAt}
	if err := txn.Insert(failedTable, row); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Page(ctx context.Context, afterID string, limit int) ([]model.FailedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.LowerBound(failedTable, idIndex, afterID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var page []model.FailedRecord
	for obj := it.Next(); obj != nil && len(page) < limit; obj = it.Next() {
		row := obj.(*failedRow)
		if row.ID == afterID {
			continue
		}
		page = append(page, model.FailedRecord{ID: row.ID, Record: row.Record, Error: row.Error, FailedAt: row.FailedAt})
	}
	return page, nil
}

func (s *MemoryStore) DeleteMany(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	for _, id := range ids {
		if _, err := txn.DeleteAll(failedTable, idIndex, id); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

// Records returns every record in the primary table, in insertion order.
func (s *MemoryStore) Records() []model.Record {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(recordsTable, idIndex)
	if err != nil {
		return nil
	}
	var records []model.Record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*recordRow).Record)
	}
	return records
}

// FailedRecords returns every dead-lettered entry, in insertion order.
func (s *MemoryStore) FailedRecords() []model.FailedRecord {
	page, err := s.Page(context.Background(), "", int(^uint(0)>>1))
	if err != nil {
		return nil
	}
	return page
}

func (s *MemoryStore) NewID() string {
	return s.newID()
}

func (s *MemoryStore) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Now(), s.entropy).String()
}
