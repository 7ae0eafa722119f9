package reader

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	commonconfig "github.com/sourcesystems/csvpipeline/internal/common/config"
	"github.com/sourcesystems/csvpipeline/internal/model"
)

// Record fields that a header column can be mapped to.
const (
	FieldName       = "name"
	FieldEmail      = "email"
	FieldPhone      = "phone"
	FieldNationalID = "nationalId"
)

var recordFields = []string{FieldName, FieldEmail, FieldPhone, FieldNationalID}

// DefaultHeaders maps the column names used by the upstream export to record fields.
var DefaultHeaders = map[string]string{
	"nome":     FieldName,
	"email":    FieldEmail,
	"telefone": FieldPhone,
	"cpf":      FieldNationalID,
}

type Config struct {
	// Maximum number of records in a batch
	BatchSize int `validate:"gt=0"`
	// Field separator
	Delimiter commonconfig.Delimiter
	// Header column name to record field.  Column names are matched case-insensitively.
	Headers map[string]string
}

// Validate checks that every configured column maps to a known record field.
func (c Config) Validate() error {
	columns := maps.Keys(c.Headers)
	slices.Sort(columns)
	for _, column := range columns {
		if field := c.Headers[column]; !slices.Contains(recordFields, field) {
			return errors.Errorf("column %q is mapped to unknown field %q; valid fields are %v", column, field, recordFields)
		}
	}
	return nil
}

// StreamingReader turns a delimited file into a sequence of batches.  Rows are only read when a batch is pulled, so
// at most one batch of the file is held in memory.  The file is opened on the first pull and closed as soon as it
// is exhausted or a pull fails.  A StreamingReader cannot be restarted.
type StreamingReader struct {
	fs     afero.Fs
	path   string
	config Config
	clock  clock.PassiveClock

	file    afero.File
	csv     *csv.Reader
	columns map[string]int
	row     int
	done    bool
}

func NewStreamingReader(fs afero.Fs, path string, config Config, clock clock.PassiveClock) *StreamingReader {
	if config.Delimiter == 0 {
		config.Delimiter = ';'
	}
	if len(config.Headers) == 0 {
		config.Headers = DefaultHeaders
	}
	return &StreamingReader{
		fs:     fs,
		path:   path,
		config: config,
		clock:  clock,
	}
}

// Next returns the next batch of at most BatchSize records.  The final batch may be short.  Once the file is
// exhausted Next returns io.EOF, as it does on every later call.  Any other error means the file could not be
// opened or parsed; the file has been closed and later calls return io.EOF.
func (r *StreamingReader) Next(ctx context.Context) (model.Batch, error) {
	if r.done {
		return nil, io.EOF
	}
	if r.csv == nil {
		if err := r.open(); err != nil {
			r.finish()
			return nil, err
		}
	}

	batch := make(model.Batch, 0, r.config.BatchSize)
	for len(batch) < r.config.BatchSize {
		if err := ctx.Err(); err != nil {
			r.finish()
			return nil, errors.WithStack(err)
		}
		row, err := r.csv.Read()
		if err == io.EOF {
			r.finish()
			break
		}
		r.row++
		if err != nil {
			r.finish()
			return nil, errors.Wrapf(err, "failed to parse %s", r.path)
		}
		record, err := r.toRecord(row)
		if err != nil {
			r.finish()
			return nil, err
		}
		batch = append(batch, record)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Close releases the file if it is still open.  It is safe to call more than once.
func (r *StreamingReader) Close() error {
	r.done = true
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return errors.WithStack(err)
}

func (r *StreamingReader) open() error {
	file, err := r.fs.Open(r.path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", r.path)
	}
	r.file = file

	reader := csv.NewReader(file)
	reader.Comma = rune(r.config.Delimiter)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true
	r.csv = reader

	header, err := reader.Read()
	if err == io.EOF {
		return errors.Errorf("%s has no header row", r.path)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read header of %s", r.path)
	}
	r.columns, err = r.mapColumns(header)
	return err
}

func (r *StreamingReader) mapColumns(header []string) (map[string]int, error) {
	headers := make(map[string]string, len(r.config.Headers))
	for column, field := range r.config.Headers {
		headers[normalise(column)] = field
	}

	columns := make(map[string]int, len(recordFields))
	for i, column := range header {
		if i == 0 {
			column = strings.TrimPrefix(column, "\ufeff")
		}
		if field, ok := headers[normalise(column)]; ok {
			if _, dup := columns[field]; !dup {
				columns[field] = i
			}
		}
	}

	var missing []string
	for column, field := range r.config.Headers {
		if _, ok := columns[field]; !ok {
			missing = append(missing, column)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, errors.Errorf("%s is missing columns %v", r.path, missing)
	}
	return columns, nil
}

func (r *StreamingReader) toRecord(row []string) (model.Record, error) {
	values := make(map[string]string, len(r.columns))
	for field, i := range r.columns {
		if i >= len(row) {
			return model.Record{}, errors.Errorf(
				"failed to parse %s: row %d has %d fields but column %q is at position %d",
				r.path, r.row, len(row), field, i+1)
		}
		values[field] = strings.TrimSpace(row[i])
	}
	return model.Record{
		Name:       values[FieldName],
		Email:      values[FieldEmail],
		Phone:      values[FieldPhone],
		NationalID: values[FieldNationalID],
		CapturedAt: r.clock.Now(),
	}, nil
}

func (r *StreamingReader) finish() {
	_ = r.Close()
}

func normalise(column string) string {
	return strings.ToLower(strings.TrimSpace(column))
}
