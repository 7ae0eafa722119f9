package configuration

import (
	"github.com/go-playground/validator/v10"
)

func (c ConsumerConfiguration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(storeValidation, StoreConfig{})
	return validate.Struct(c)
}

// The mongo settings are only required for the mongo backend.
func storeValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(StoreConfig)
	if c.Backend != StoreBackendMongo {
		return
	}
	if c.Mongo.URI == "" {
		sl.ReportError(c.Mongo.URI, "Mongo.URI", "URI", "required", "")
	}
	if c.Mongo.Database == "" {
		sl.ReportError(c.Mongo.Database, "Mongo.Database", "Database", "required", "")
	}
	if c.Mongo.RecordsCollection == "" || c.Mongo.FailedCollection == "" {
		sl.ReportError(c.Mongo.RecordsCollection, "Mongo.RecordsCollection", "RecordsCollection", "required", "")
	}
	if c.Mongo.ConnectTimeout <= 0 {
		sl.ReportError(c.Mongo.ConnectTimeout, "Mongo.ConnectTimeout", "ConnectTimeout", "gt", "0")
	}
}
