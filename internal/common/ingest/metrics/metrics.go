package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PulsarMessageError string

const (
	PulsarMessageErrorDeserialization PulsarMessageError = "deserialization"
	PulsarMessageErrorProcessing      PulsarMessageError = "processing"
)

type Metrics struct {
	pulsarConnectionError prometheus.Counter
	pulsarMessageError    *prometheus.CounterVec
	batchesProcessed      *prometheus.CounterVec
}

func NewMetrics(prefix string) *Metrics {
	pulsarMessageErrorOpts := prometheus.CounterOpts{
		Name: prefix + "pulsar_message_errors",
		Help: "Number of Pulsar message errors grouped by error type",
	}
	pulsarConnectionErrorOpts := prometheus.CounterOpts{
		Name: prefix + "pulsar_connection_errors",
		Help: "Number of Pulsar connection errors",
	}
	batchesProcessedOpts := prometheus.CounterOpts{
		Name: prefix + "batches_processed",
		Help: "Number of received message batches handed to the sink, grouped by outcome",
	}
	return &Metrics{
		pulsarMessageError:    promauto.NewCounterVec(pulsarMessageErrorOpts, []string{"error"}),
		pulsarConnectionError: promauto.NewCounter(pulsarConnectionErrorOpts),
		batchesProcessed:      promauto.NewCounterVec(batchesProcessedOpts, []string{"outcome"}),
	}
}

func (m *Metrics) RecordPulsarMessageError(error PulsarMessageError) {
	m.pulsarMessageError.With(map[string]string{"error": string(error)}).Inc()
}

func (m *Metrics) RecordPulsarConnectionError() {
	m.pulsarConnectionError.Inc()
}

func (m *Metrics) RecordBatchProcessed(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.batchesProcessed.With(map[string]string{"outcome": outcome}).Inc()
}
