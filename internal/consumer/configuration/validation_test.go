package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sourcesystems/csvpipeline/internal/common/breaker"
	commonconfig "github.com/sourcesystems/csvpipeline/internal/common/config"
)

func validConfig() ConsumerConfiguration {
	return ConsumerConfiguration{
		MetricsPort: 9001,
		Pulsar: commonconfig.PulsarConfig{
			URL:   "pulsar://localhost:6650",
			Topic: "persistent://public/default/csv-records",
		},
		SubscriptionName:     "csvpipeline-consumer",
		ReceiveBatchSize:     10,
		ReceiveBatchDuration: 500 * time.Millisecond,
		Store: StoreConfig{
			Backend: StoreBackendMongo,
			Mongo: MongoConfig{
				URI:               "mongodb://localhost:27017",
				Database:          "files",
				RecordsCollection: "records",
				FailedCollection:  "failed_records",
				ConnectTimeout:    10 * time.Second,
			},
		},
		Sink:           SinkConfig{BatchSize: 100, Parallelism: 4, DeadLetterAttempts: 3},
		CircuitBreaker: breaker.Config{VolumeThreshold: 4, FailureRatio: 0.5, Delay: 10 * time.Second},
		Reprocessor:    ReprocessorConfig{Interval: time.Minute, PageSize: 100, Parallelism: 5},
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		modify  func(c *ConsumerConfiguration)
		wantErr bool
	}{
		"valid": {
			modify: func(c *ConsumerConfiguration) {},
		},
		"memory backend needs no mongo": {
			modify: func(c *ConsumerConfiguration) {
				c.Store = StoreConfig{Backend: StoreBackendMemory}
			},
		},
		"unknown backend": {
			modify:  func(c *ConsumerConfiguration) { c.Store.Backend = "postgres" },
			wantErr: true,
		},
		"mongo without uri": {
			modify:  func(c *ConsumerConfiguration) { c.Store.Mongo.URI = "" },
			wantErr: true,
		},
		"mongo without connect timeout": {
			modify:  func(c *ConsumerConfiguration) { c.Store.Mongo.ConnectTimeout = 0 },
			wantErr: true,
		},
		"zero parallelism": {
			modify:  func(c *ConsumerConfiguration) { c.Sink.Parallelism = 0 },
			wantErr: true,
		},
		"failure ratio above one": {
			modify:  func(c *ConsumerConfiguration) { c.CircuitBreaker.FailureRatio = 1.5 },
			wantErr: true,
		},
		"zero volume threshold": {
			modify:  func(c *ConsumerConfiguration) { c.CircuitBreaker.VolumeThreshold = 0 },
			wantErr: true,
		},
		"zero reprocess interval": {
			modify:  func(c *ConsumerConfiguration) { c.Reprocessor.Interval = 0 },
			wantErr: true,
		},
		"missing subscription": {
			modify:  func(c *ConsumerConfiguration) { c.SubscriptionName = "" },
			wantErr: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			tc.modify(&c)
			err := c.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
