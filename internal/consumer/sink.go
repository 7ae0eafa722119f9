package consumer

import (
	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/sourcesystems/csvpipeline/internal/common/breaker"
	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	"github.com/sourcesystems/csvpipeline/internal/common/logging"
	"github.com/sourcesystems/csvpipeline/internal/common/util"
	"github.com/sourcesystems/csvpipeline/internal/consumer/configuration"
	"github.com/sourcesystems/csvpipeline/internal/consumer/metrics"
	"github.com/sourcesystems/csvpipeline/internal/consumer/store"
	"github.com/sourcesystems/csvpipeline/internal/model"
)

// Sink inserts received records into the primary store.  Records are inserted in sub-batches, with at most
// Parallelism inserts in flight across all concurrent calls to Receive.  Each insert goes through a circuit breaker,
// and the records of any sub-batch that could not be inserted are written to the dead-letter store instead.
type Sink struct {
	records     store.RecordStore
	deadLetters store.DeadLetterStore
	breaker     *breaker.CircuitBreaker
	inFlight    *semaphore.Weighted
	config      configuration.SinkConfig
	clock       clock.PassiveClock
	metrics     *metrics.Metrics
}

func NewSink(
	records store.RecordStore,
	deadLetters store.DeadLetterStore,
	cb *breaker.CircuitBreaker,
	config configuration.SinkConfig,
	clock clock.PassiveClock,
	m *metrics.Metrics,
) *Sink {
	return &Sink{
		records:     records,
		deadLetters: deadLetters,
		breaker:     cb,
		inFlight:    semaphore.NewWeighted(int64(config.Parallelism)),
		config:      config,
		clock:       clock,
		metrics:     m,
	}
}

// Receive stores the records of batches, which may hold the contents of several messages.  Once it returns nil every
// record is either in the primary store or in the dead-letter store; failed inserts are not reported as errors.  An
// error means some records are in neither, either because ctx was cancelled before their sub-batch was attempted or
// because they could not be dead-lettered, and the batches should be delivered again.
func (s *Sink) Receive(ctx *csvcontext.Context, batches [][]model.Record) error {
	records := util.Flatten(batches)
	if len(records) == 0 {
		return nil
	}
	subBatches := util.Partition(records, s.config.BatchSize)
	ctx.Log.Infof("Received %d records; inserting in %d sub-batches", len(records), len(subBatches))

	// The group's first error is only used to report failure; one sub-batch failing must not cancel the others.
	var g errgroup.Group
	var acquireErr error
	for i, subBatch := range subBatches {
		if err := s.inFlight.Acquire(ctx, 1); err != nil {
			acquireErr = errors.WithMessagef(err, "%d of %d sub-batches were not attempted", len(subBatches)-i, len(subBatches))
			break
		}
		subBatch := subBatch
		subBatchCtx := csvcontext.WithLogFields(ctx, logrus.Fields{"subBatch": i + 1, "batchSize": len(subBatch)})
		g.Go(func() error {
			defer s.inFlight.Release(1)
			return s.insert(subBatchCtx, subBatch)
		})
	}
	err := g.Wait()
	if acquireErr != nil {
		err = multierror.Append(acquireErr, err).ErrorOrNil()
	}
	return err
}

// insert returns an error only if some records could be neither inserted nor dead-lettered.
func (s *Sink) insert(ctx *csvcontext.Context, subBatch []model.Record) error {
	var partial *store.PartialInsertError
	err := s.breaker.Execute(func() error {
		err := s.records.InsertMany(ctx, subBatch)
		if errors.As(err, &partial) {
			// The store is up; it rejected individual documents.
			return nil
		}
		return err
	})
	if err == nil && partial == nil {
		s.metrics.RecordInserted(len(subBatch))
		return nil
	}

	s.metrics.RecordInsertFailed()
	failed := subBatch
	cause := metrics.DeadLetterCauseInsertFailed
	switch {
	case errors.Is(err, breaker.ErrBreakerOpen):
		cause = metrics.DeadLetterCauseBreakerOpen
	case err == nil:
		err = partial
		failed = make([]model.Record, 0, len(partial.FailedIndices))
		for _, i := range partial.FailedIndices {
			failed = append(failed, subBatch[i])
		}
		s.metrics.RecordInserted(len(subBatch) - len(failed))
	}
	logging.WithStacktrace(ctx.Log, err).Warnf("Insert failed; dead-lettering %d records", len(failed))
	return s.deadLetter(ctx, failed, err, cause)
}

// deadLetter writes each record individually so that one bad record cannot take the others with it.  Each entry's id
// is fixed before the first attempt, so retries cannot store it twice.
func (s *Sink) deadLetter(ctx *csvcontext.Context, records []model.Record, cause error, causeLabel metrics.DeadLetterCause) error {
	failedAt := s.clock.Now()
	var result *multierror.Error
	for i := range records {
		record := records[i]
		failed := model.FailedRecord{ID: s.deadLetters.NewID(), Record: &record, Error: cause.Error(), FailedAt: failedAt}
		err := retry.Do(
			func() error { return s.deadLetters.Insert(ctx, failed) },
			retry.Attempts(s.config.DeadLetterAttempts),
			retry.Delay(s.config.DeadLetterBackoff),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		if err != nil {
			s.metrics.RecordDeadLetterError()
			logging.WithStacktrace(ctx.Log, err).
				WithField("record", record).
				Error("Failed to write record to the dead-letter store")
			result = multierror.Append(result, err)
			continue
		}
		s.metrics.RecordDeadLettered(causeLabel)
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.WithMessagef(err, "%d of %d records could not be dead-lettered", len(result.Errors), len(records))
	}
	return nil
}
