package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcesystems/csvpipeline/internal/model"
)

func failedRecord(name string) model.FailedRecord {
	return model.FailedRecord{
		Record:   &model.Record{Name: name},
		Error:    "store timeout",
		FailedAt: time.Date(2022, 3, 1, 15, 4, 5, 0, time.UTC),
	}
}

func TestMemoryStore_InsertMany(t *testing.T) {
	s, err := NewMemoryStore()
	require.NoError(t, err)

	require.NoError(t, s.InsertMany(context.Background(), []model.Record{{Name: "a"}, {Name: "b"}}))
	require.NoError(t, s.InsertMany(context.Background(), []model.Record{{Name: "c"}}))

	assert.Equal(t, []model.Record{{Name: "a"}, {Name: "b"}, {Name: "c"}}, s.Records())
}

func TestMemoryStore_PagesInInsertionOrder(t *testing.T) {
	s, err := NewMemoryStore()
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, s.Insert(ctx, failedRecord(fmt.Sprintf("r%d", i))))
	}

	var names []string
	after := ""
	pages := 0
	for {
		page, err := s.Page(ctx, after, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		pages++
		for _, f := range page {
			assert.NotEmpty(t, f.ID)
			assert.Equal(t, "store timeout", f.Error)
			names = append(names, f.Record.Name)
		}
		after = page[len(page)-1].ID
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"r0", "r1", "r2", "r3", "r4", "r5", "r6"}, names)
}

func TestMemoryStore_InsertIsIdempotentPerID(t *testing.T) {
	s, err := NewMemoryStore()
	require.NoError(t, err)
	ctx := context.Background()

	failed := failedRecord("a")
	failed.ID = s.NewID()
	require.NoError(t, s.Insert(ctx, failed))
	require.NoError(t, s.Insert(ctx, failed))
	require.NoError(t, s.Insert(ctx, failedRecord("b")))

	entries := s.FailedRecords()
	require.Len(t, entries, 2)
	assert.Equal(t, failed.ID, entries[0].ID)
	assert.Equal(t, "a", entries[0].Record.Name)
	assert.Equal(t, "b", entries[1].Record.Name)
}

func TestMemoryStore_DeleteMany(t *testing.T) {
	s, err := NewMemoryStore()
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Insert(ctx, failedRecord(fmt.Sprintf("r%d", i))))
	}
	all := s.FailedRecords()
	require.Len(t, all, 3)

	require.NoError(t, s.DeleteMany(ctx, []string{all[0].ID, all[2].ID, "unknown"}))

	remaining := s.FailedRecords()
	require.Len(t, remaining, 1)
	assert.Equal(t, all[1].ID, remaining[0].ID)
}

func TestMemoryStore_MalformedEntry(t *testing.T) {
	s, err := NewMemoryStore()
	require.NoError(t, err)

	require.NoError(t, s.Insert(context.Background(), model.FailedRecord{Error: "bad"}))
	all := s.FailedRecords()
	require.Len(t, all, 1)
	assert.Nil(t, all[0].Record)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s, err := NewMemoryStore()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.InsertMany(ctx, []model.Record{{Name: "a"}}), context.Canceled)
	assert.Empty(t, s.Records())
}
