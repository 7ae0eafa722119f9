package configuration

import (
	"github.com/go-playground/validator/v10"

	"github.com/sourcesystems/csvpipeline/internal/producer/reader"
)

func (c ProducerConfiguration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(redisLockValidation, RedisLockConfig{})
	if err := validate.Struct(c); err != nil {
		return err
	}
	return reader.Config{Headers: c.Ingestion.Headers}.Validate()
}

// The redis settings are only required when the lock is enabled.
func redisLockValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(RedisLockConfig)
	if !c.Enabled {
		return
	}
	if c.Key == "" {
		sl.ReportError(c.Key, "Key", "Key", "required", "")
	}
	if c.TTL <= 0 {
		sl.ReportError(c.TTL, "TTL", "TTL", "gt", "0")
	}
	if len(c.Redis.Addrs) == 0 {
		sl.ReportError(c.Redis.Addrs, "Addrs", "Addrs", "required", "")
	}
}

// ReaderConfig returns the reader settings derived from the ingestion settings.
func (c IngestionConfig) ReaderConfig() reader.Config {
	return reader.Config{
		BatchSize: c.BatchSize,
		Delimiter: c.Delimiter,
		Headers:   c.Headers,
	}
}
