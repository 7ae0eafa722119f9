package configuration

import (
	"time"

	"github.com/sourcesystems/csvpipeline/internal/common/breaker"
	commonconfig "github.com/sourcesystems/csvpipeline/internal/common/config"
)

type ConsumerConfiguration struct {
	// Port on which prometheus metrics and the health endpoint are served
	MetricsPort uint16
	// General Pulsar configuration
	Pulsar commonconfig.PulsarConfig
	// Pulsar subscription name
	SubscriptionName string `validate:"required"`
	// Number of messages that are handed to the sink together
	ReceiveBatchSize int `validate:"gt=0"`
	// Maximum time to wait for ReceiveBatchSize messages before handing over a smaller batch
	ReceiveBatchDuration time.Duration `validate:"gt=0"`
	// Where records are stored
	Store StoreConfig
	// How received records are inserted
	Sink SinkConfig
	// Protects the primary store from being called while it is failing
	CircuitBreaker breaker.Config
	// How dead-lettered records are retried
	Reprocessor ReprocessorConfig
}

type StoreBackend string

const (
	StoreBackendMongo  StoreBackend = "mongo"
	StoreBackendMemory StoreBackend = "memory"
)

type StoreConfig struct {
	// "mongo", or "memory" for local experiments; records are lost when the process exits
	Backend StoreBackend `validate:"oneof=mongo memory"`
	Mongo   MongoConfig
}

type MongoConfig struct {
	URI               string
	Database          string
	RecordsCollection string
	FailedCollection  string
	ConnectTimeout    time.Duration
	// Timeout applied to each store call
	OperationTimeout time.Duration
}

type SinkConfig struct {
	// Maximum number of records in one insert
	BatchSize int `validate:"gt=0"`
	// Maximum number of inserts in flight across the whole sink
	Parallelism int `validate:"gt=0"`
	// Number of attempts made to write a record to the dead-letter store
	DeadLetterAttempts uint `validate:"gt=0"`
	// Delay between dead-letter write attempts
	DeadLetterBackoff time.Duration
}

type ReprocessorConfig struct {
	// Time between reprocessing runs
	Interval time.Duration `validate:"gt=0"`
	// Number of dead-letter entries handled together
	PageSize int `validate:"gt=0"`
	// Maximum number of pages handled concurrently
	Parallelism int `validate:"gt=0"`
}
