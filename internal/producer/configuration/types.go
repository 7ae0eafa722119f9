package configuration

import (
	"time"

	commonconfig "github.com/sourcesystems/csvpipeline/internal/common/config"
)

type ProducerConfiguration struct {
	// Port on which prometheus metrics and the health endpoint are served
	MetricsPort uint16
	// General Pulsar configuration
	Pulsar commonconfig.PulsarConfig
	// Which files are ingested and how they are read
	Ingestion IngestionConfig
	// How batches are sent to the record channel
	Publish PublishConfig
	// When ingestion runs
	Scheduler SchedulerConfig
}

type IngestionConfig struct {
	// Directory that is polled for new files
	WatchDir string `validate:"required"`
	// Directory files are moved to before they are read.  Created if it doesn't exist
	ProcessedDir string `validate:"required"`
	// Only files with this extension are ingested.  Matched case-insensitively
	Extension string `validate:"required,startswith=."`
	// Maximum number of records read from a file at a time
	BatchSize int `validate:"gt=0"`
	// Field separator, e.g. ";" or ","
	Delimiter commonconfig.Delimiter
	// Header column name to record field (name, email, phone or nationalId)
	Headers map[string]string
}

type PublishConfig struct {
	// Maximum number of records in a single message
	BatchSize int `validate:"gt=0"`
}

type SchedulerConfig struct {
	// Time between ingestion runs.  A run still in progress when the next is due causes that run to be skipped
	Interval time.Duration `validate:"gt=0"`
	// Optional lock making ingestion single-flight across producer replicas
	RedisLock RedisLockConfig
}

type RedisLockConfig struct {
	Enabled bool
	Key     string
	// Expiry of the lock, after which a crashed holder no longer blocks other replicas
	TTL time.Duration
	// Only validated when the lock is enabled
	Redis commonconfig.RedisConfig `validate:"-"`
}
