package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "csvpipeline_producer_"

var filesProcessedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "files_processed",
		Help: "Number of files claimed from the watch directory, grouped by outcome",
	},
	[]string{"outcome"},
)

var batchesPublishedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "batches_published",
		Help: "Number of sub-batches accepted by the record channel",
	},
)

var recordsPublishedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "records_published",
		Help: "Number of records accepted by the record channel",
	},
)

var publishErrorsCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "publish_errors",
		Help: "Number of sub-batches the record channel did not accept",
	},
)

type FileOutcome string

const (
	FileOutcomeSuccess    FileOutcome = "success"
	FileOutcomeMoveFailed FileOutcome = "move_failed"
	FileOutcomeReadFailed FileOutcome = "read_failed"
	FileOutcomePublishErr FileOutcome = "publish_failed"
)

type Metrics struct{}

var m = &Metrics{}

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordFileProcessed(outcome FileOutcome) {
	filesProcessedCounter.With(map[string]string{"outcome": string(outcome)}).Inc()
}

func (m *Metrics) RecordBatchPublished(numRecords int) {
	batchesPublishedCounter.Inc()
	recordsPublishedCounter.Add(float64(numRecords))
}

func (m *Metrics) RecordPublishError() {
	publishErrorsCounter.Inc()
}
