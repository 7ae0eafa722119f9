package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	commonmetrics "github.com/sourcesystems/csvpipeline/internal/common/ingest/metrics"
)

const MetricsPrefix = "csvpipeline_consumer_"

var recordsInsertedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "records_inserted",
		Help: "Number of records inserted into the primary store by the sink",
	},
)

var recordsDeadLetteredCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "records_dead_lettered",
		Help: "Number of records written to the dead-letter store, grouped by cause",
	},
	[]string{"cause"},
)

var deadLetterErrorsCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "dead_letter_errors",
		Help: "Number of records that could not be written to the dead-letter store",
	},
)

var subBatchInsertsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "sub_batch_inserts",
		Help: "Number of sub-batch inserts, grouped by outcome",
	},
	[]string{"outcome"},
)

var recordsReprocessedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "records_reprocessed",
		Help: "Number of dead-lettered records reinserted into the primary store",
	},
)

var malformedDeadLettersCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "malformed_dead_letters",
		Help: "Number of dead-letter entries skipped because they do not contain a record",
	},
)

var reprocessPageErrorsCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "reprocess_page_errors",
		Help: "Number of dead-letter pages left in place because reinsertion failed",
	},
)

type DeadLetterCause string

const (
	DeadLetterCauseInsertFailed DeadLetterCause = "insert_failed"
	DeadLetterCauseBreakerOpen  DeadLetterCause = "breaker_open"
)

type Metrics struct {
	*commonmetrics.Metrics
}

var m = &Metrics{
	commonmetrics.NewMetrics(MetricsPrefix),
}

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordInserted(numRecords int) {
	recordsInsertedCounter.Add(float64(numRecords))
	subBatchInsertsCounter.With(map[string]string{"outcome": "success"}).Inc()
}

func (m *Metrics) RecordInsertFailed() {
	subBatchInsertsCounter.With(map[string]string{"outcome": "failure"}).Inc()
}

func (m *Metrics) RecordDeadLettered(cause DeadLetterCause) {
	recordsDeadLetteredCounter.With(map[string]string{"cause": string(cause)}).Inc()
}

func (m *Metrics) RecordDeadLetterError() {
	deadLetterErrorsCounter.Inc()
}

func (m *Metrics) RecordReprocessed(numRecords int) {
	recordsReprocessedCounter.Add(float64(numRecords))
}

func (m *Metrics) RecordMalformedDeadLetters(n int) {
	malformedDeadLettersCounter.Add(float64(n))
}

func (m *Metrics) RecordReprocessPageError() {
	reprocessPageErrorsCounter.Inc()
}
