package consumer

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	"github.com/sourcesystems/csvpipeline/internal/common/logging"
	"github.com/sourcesystems/csvpipeline/internal/consumer/configuration"
	"github.com/sourcesystems/csvpipeline/internal/consumer/metrics"
	"github.com/sourcesystems/csvpipeline/internal/consumer/store"
	"github.com/sourcesystems/csvpipeline/internal/model"
)

// Reprocessor moves dead-lettered records back into the primary store.
type Reprocessor struct {
	records     store.RecordStore
	deadLetters store.DeadLetterStore
	config      configuration.ReprocessorConfig
	metrics     *metrics.Metrics
}

func NewReprocessor(
	records store.RecordStore,
	deadLetters store.DeadLetterStore,
	config configuration.ReprocessorConfig,
	m *metrics.Metrics,
) *Reprocessor {
	return &Reprocessor{
		records:     records,
		deadLetters: deadLetters,
		config:      config,
		metrics:     m,
	}
}

// Run makes a single pass over the dead-letter store.  Pages are read in id order and handled by up to Parallelism
// workers.  A page whose records cannot be inserted is left where it is for the next run.  The returned error
// aggregates the pages that failed.
func (r *Reprocessor) Run(ctx *csvcontext.Context) error {
	start := time.Now()
	// Workers report page failures through result, so the group never cancels its context.
	g, groupCtx := csvcontext.ErrGroup(ctx)
	g.SetLimit(r.config.Parallelism)

	var mu sync.Mutex
	var result *multierror.Error
	reprocessed := 0

	afterID := ""
	numPages := 0
	var pageErr error
	for {
		page, err := r.deadLetters.Page(ctx, afterID, r.config.PageSize)
		if err != nil {
			pageErr = errors.WithMessagef(err, "failed to read dead-letter entries after %q", afterID)
			break
		}
		if len(page) == 0 {
			break
		}
		numPages++
		afterID = page[len(page)-1].ID
		pageCtx := csvcontext.WithLogField(groupCtx, "page", numPages)
		g.Go(func() error {
			n, err := r.reprocessPage(pageCtx, page)
			mu.Lock()
			defer mu.Unlock()
			reprocessed += n
			if err != nil {
				result = multierror.Append(result, err)
			}
			return nil
		})
		if len(page) < r.config.PageSize {
			break
		}
	}
	_ = g.Wait()

	if pageErr != nil {
		result = multierror.Append(result, pageErr)
	}
	ctx.Log.Infof("Reprocessed %d dead-lettered records from %d pages in %s", reprocessed, numPages, time.Since(start))
	return result.ErrorOrNil()
}

// reprocessPage returns the number of records moved back to the primary store.
func (r *Reprocessor) reprocessPage(ctx *csvcontext.Context, page []model.FailedRecord) (int, error) {
	records := make([]model.Record, 0, len(page))
	ids := make([]string, 0, len(page))
	for _, entry := range page {
		if entry.Record == nil {
			continue
		}
		records = append(records, *entry.Record)
		ids = append(ids, entry.ID)
	}
	if malformed := len(page) - len(records); malformed > 0 {
		r.metrics.RecordMalformedDeadLetters(malformed)
		ctx.Log.Warnf("Skipping %d dead-letter entries without a record", malformed)
	}
	if len(records) == 0 {
		return 0, nil
	}

	err := r.records.InsertMany(ctx, records)
	var partial *store.PartialInsertError
	switch {
	case errors.As(err, &partial):
		// Only the entries whose records made it in are removed.
		failed := make(map[int]bool, len(partial.FailedIndices))
		for _, i := range partial.FailedIndices {
			failed[i] = true
		}
		inserted := make([]string, 0, len(ids)-len(failed))
		for i, id := range ids {
			if !failed[i] {
				inserted = append(inserted, id)
			}
		}
		logging.WithStacktrace(ctx.Log, err).Warnf("%d of %d records could not be reinserted", len(failed), len(ids))
		r.metrics.RecordReprocessPageError()
		ids = inserted
	case err != nil:
		r.metrics.RecordReprocessPageError()
		logging.WithStacktrace(ctx.Log, err).Warnf("Failed to reinsert %d records; leaving them dead-lettered", len(records))
		return 0, errors.WithMessagef(err, "failed to reinsert page starting at %s", page[0].ID)
	}

	if len(ids) > 0 {
		if deleteErr := r.deadLetters.DeleteMany(ctx, ids); deleteErr != nil {
			// The records are in the primary store, so the next run will insert them again.
			r.metrics.RecordReprocessPageError()
			logging.WithStacktrace(ctx.Log, deleteErr).Errorf("Failed to remove %d reinserted dead-letter entries", len(ids))
			return len(ids), errors.WithMessage(deleteErr, "failed to remove reinserted dead-letter entries")
		}
	}
	r.metrics.RecordReprocessed(len(ids))
	if partial != nil {
		return len(ids), partial
	}
	return len(ids), nil
}
