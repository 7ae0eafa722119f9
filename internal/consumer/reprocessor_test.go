package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	"github.com/sourcesystems/csvpipeline/internal/common/schedule"
	"github.com/sourcesystems/csvpipeline/internal/consumer/configuration"
	"github.com/sourcesystems/csvpipeline/internal/consumer/metrics"
	"github.com/sourcesystems/csvpipeline/internal/consumer/store"
	"github.com/sourcesystems/csvpipeline/internal/model"
)

var defaultReprocessorConfig = configuration.ReprocessorConfig{Interval: time.Minute, PageSize: 10, Parallelism: 3}

type failingPageStore struct {
	*store.MemoryStore
}

func (s *failingPageStore) Page(_ context.Context, _ string, _ int) ([]model.FailedRecord, error) {
	return nil, errors.New("cursor killed")
}

func newReprocessorFixture(t *testing.T, config configuration.ReprocessorConfig) (*Reprocessor, *fakeRecordStore, *store.MemoryStore) {
	recordStore, err := store.NewMemoryStore()
	require.NoError(t, err)
	deadLetters, err := store.NewMemoryStore()
	require.NoError(t, err)
	records := &fakeRecordStore{MemoryStore: recordStore}
	return NewReprocessor(records, deadLetters, config, metrics.Get()), records, deadLetters
}

func seedDeadLetters(t *testing.T, s *store.MemoryStore, records []model.Record) {
	for i := range records {
		record := records[i]
		require.NoError(t, s.Insert(context.Background(), model.FailedRecord{Record: &record, Error: "store timeout", FailedAt: testTime}))
	}
}

func TestReprocessor_MovesAllRecords(t *testing.T) {
	config := defaultReprocessorConfig
	config.Parallelism = 1
	r, records, deadLetters := newReprocessorFixture(t, config)
	seedDeadLetters(t, deadLetters, testRecords("a", 25))

	require.NoError(t, r.Run(csvcontext.Background()))

	assert.Equal(t, names(testRecords("a", 25)), names(records.Records()))
	assert.Empty(t, deadLetters.FailedRecords())
	assert.Equal(t, int32(3), records.calls.Load())
}

func TestReprocessor_Empty(t *testing.T) {
	r, records, _ := newReprocessorFixture(t, defaultReprocessorConfig)

	require.NoError(t, r.Run(csvcontext.Background()))
	assert.Equal(t, int32(0), records.calls.Load())
}

func TestReprocessor_ExactMultipleOfPageSize(t *testing.T) {
	r, records, deadLetters := newReprocessorFixture(t, defaultReprocessorConfig)
	seedDeadLetters(t, deadLetters, testRecords("a", 20))

	require.NoError(t, r.Run(csvcontext.Background()))
	assert.Len(t, records.Records(), 20)
	assert.Empty(t, deadLetters.FailedRecords())
}

func TestReprocessor_SkipsMalformedEntries(t *testing.T) {
	r, records, deadLetters := newReprocessorFixture(t, defaultReprocessorConfig)
	seedDeadLetters(t, deadLetters, testRecords("a", 2))
	require.NoError(t, deadLetters.Insert(context.Background(), model.FailedRecord{Error: "undecodable", FailedAt: testTime}))
	seedDeadLetters(t, deadLetters, testRecords("b", 1))

	require.NoError(t, r.Run(csvcontext.Background()))

	assert.Equal(t, []string{"a0", "a1", "b0"}, names(records.Records()))
	remaining := deadLetters.FailedRecords()
	require.Len(t, remaining, 1)
	assert.Nil(t, remaining[0].Record)
	assert.Equal(t, "undecodable", remaining[0].Error)
}

func TestReprocessor_FailedPageIsLeftInPlace(t *testing.T) {
	r, records, deadLetters := newReprocessorFixture(t, defaultReprocessorConfig)
	seedDeadLetters(t, deadLetters, testRecords("a", 25))
	records.insertFn = func(_ int, batch []model.Record) error {
		if batch[0].Name == "a10" {
			return errors.New("store timeout")
		}
		return nil
	}

	err := r.Run(csvcontext.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store timeout")

	assert.Len(t, records.Records(), 15)
	remaining := deadLetters.FailedRecords()
	require.Len(t, remaining, 10)
	assert.Equal(t, "a10", remaining[0].Record.Name)
	assert.Equal(t, "a19", remaining[9].Record.Name)

	// The next run picks them up.
	records.insertFn = nil
	require.NoError(t, r.Run(csvcontext.Background()))
	assert.Len(t, records.Records(), 25)
	assert.Empty(t, deadLetters.FailedRecords())
}

func TestReprocessor_PartialInsertRemovesOnlyInsertedEntries(t *testing.T) {
	r, records, deadLetters := newReprocessorFixture(t, defaultReprocessorConfig)
	seedDeadLetters(t, deadLetters, testRecords("a", 4))
	records.insertFn = func(_ int, _ []model.Record) error {
		return &store.PartialInsertError{FailedIndices: []int{2}, Err: errors.New("duplicate key")}
	}

	err := r.Run(csvcontext.Background())
	require.Error(t, err)

	assert.Equal(t, []string{"a0", "a1", "a3"}, names(records.Records()))
	assert.Equal(t, []string{"a2"}, deadLetteredNames(deadLetters.FailedRecords()))
}

func TestReprocessor_PageReadFailure(t *testing.T) {
	recordStore, err := store.NewMemoryStore()
	require.NoError(t, err)
	deadLetters, err := store.NewMemoryStore()
	require.NoError(t, err)
	r := NewReprocessor(recordStore, &failingPageStore{deadLetters}, defaultReprocessorConfig, metrics.Get())

	err = r.Run(csvcontext.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cursor killed")
}

func TestReprocessor_ParallelismIsBounded(t *testing.T) {
	config := defaultReprocessorConfig
	config.PageSize = 2
	config.Parallelism = 2
	r, records, deadLetters := newReprocessorFixture(t, config)
	records.insertDelay = 5 * time.Millisecond
	seedDeadLetters(t, deadLetters, testRecords("a", 20))

	require.NoError(t, r.Run(csvcontext.Background()))

	assert.Equal(t, int32(10), records.calls.Load())
	assert.LessOrEqual(t, records.maxActive.Load(), int32(2))
	assert.Len(t, records.Records(), 20)
	assert.Empty(t, deadLetters.FailedRecords())
}

func TestReprocessor_ConcurrentRunIsSkipped(t *testing.T) {
	r, records, deadLetters := newReprocessorFixture(t, defaultReprocessorConfig)
	seedDeadLetters(t, deadLetters, testRecords("a", 3))
	started := make(chan struct{})
	release := make(chan struct{})
	records.insertFn = func(_ int, _ []model.Record) error {
		close(started)
		<-release
		return nil
	}
	guard := schedule.NewGuard("reprocessor", r.Run)

	assert.True(t, guard.Trigger(csvcontext.Background()))
	<-started
	ran, err := guard.Run(csvcontext.Background())
	assert.False(t, ran)
	assert.NoError(t, err)

	close(release)
	guard.Wait()
	assert.Equal(t, int32(1), records.calls.Load())
	assert.Len(t, records.Records(), 3)
}
