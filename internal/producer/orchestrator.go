package producer

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	"github.com/sourcesystems/csvpipeline/internal/model"
	"github.com/sourcesystems/csvpipeline/internal/producer/configuration"
	"github.com/sourcesystems/csvpipeline/internal/producer/metrics"
	"github.com/sourcesystems/csvpipeline/internal/producer/reader"
)

// BatchPublisher delivers a batch, returning once it has been accepted.
type BatchPublisher interface {
	Publish(ctx *csvcontext.Context, batch model.Batch) error
	// Closed reports whether the publisher can no longer deliver batches.
	Closed() bool
}

// Orchestrator ingests the files in the watch directory.  Files are handled one at a time in name order: each is
// first moved to the processed directory and then streamed to the publisher one batch at a time.  A failure affects
// only the file it happened in.
type Orchestrator struct {
	fs        afero.Fs
	config    configuration.IngestionConfig
	publisher BatchPublisher
	clock     clock.PassiveClock
	metrics   *metrics.Metrics
}

func NewOrchestrator(
	fs afero.Fs,
	config configuration.IngestionConfig,
	publisher BatchPublisher,
	clock clock.PassiveClock,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		fs:        fs,
		config:    config,
		publisher: publisher,
		clock:     clock,
		metrics:   m,
	}
}

// ProcessAllFiles processes every matching file currently in the watch directory.  The returned error, if any,
// aggregates the failures of individual files; those files have already been logged and the remaining files were
// still processed.  Once the publisher is closed no further file is claimed, so unprocessed files stay in the watch
// directory for the next run.
func (o *Orchestrator) ProcessAllFiles(ctx *csvcontext.Context) error {
	files, err := o.pendingFiles()
	if err != nil {
		ctx.Log.WithError(err).Warnf("Watch directory %s cannot be listed; nothing to ingest", o.config.WatchDir)
		return nil
	}
	if len(files) == 0 {
		ctx.Log.Debugf("No files to ingest in %s", o.config.WatchDir)
		return nil
	}

	ctx.Log.Infof("Ingesting %d files from %s", len(files), o.config.WatchDir)
	var result *multierror.Error
	for i, name := range files {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, errors.WithMessage(err, "ingestion run cancelled"))
			break
		}
		if o.publisher.Closed() {
			ctx.Log.Warnf("Record channel is closed; leaving %d files in %s", len(files)-i, o.config.WatchDir)
			result = multierror.Append(result, errors.WithMessagef(ErrChannelClosed, "%d files left unprocessed", len(files)-i))
			break
		}
		fileCtx := csvcontext.WithLogField(ctx, "file", name)
		if err := o.processFile(fileCtx, name); err != nil {
			fileCtx.Log.WithError(err).Error("Failed to ingest file")
			result = multierror.Append(result, errors.WithMessagef(err, "file %s", name))
		}
	}
	return result.ErrorOrNil()
}

// pendingFiles lists the names of matching files in the watch directory, sorted by name.
func (o *Orchestrator) pendingFiles() ([]string, error) {
	info, err := o.fs.Stat(o.config.WatchDir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", o.config.WatchDir)
	}
	entries, err := afero.ReadDir(o.fs, o.config.WatchDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.Mode().IsRegular() && strings.EqualFold(filepath.Ext(entry.Name()), o.config.Extension) {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

func (o *Orchestrator) processFile(ctx *csvcontext.Context, name string) error {
	claimed, err := o.claim(name)
	if err != nil {
		o.metrics.RecordFileProcessed(metrics.FileOutcomeMoveFailed)
		return err
	}
	ctx.Log.Infof("Moved file to %s", claimed)

	r := reader.NewStreamingReader(o.fs, claimed, o.config.ReaderConfig(), o.clock)
	defer r.Close()

	batches, records := 0, 0
	for {
		batch, err := r.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			o.metrics.RecordFileProcessed(metrics.FileOutcomeReadFailed)
			return errors.WithMessagef(err, "aborted after publishing %d batches", batches)
		}
		if err := o.publisher.Publish(ctx, batch); err != nil {
			o.metrics.RecordFileProcessed(metrics.FileOutcomePublishErr)
			ctx.Log.WithFields(logrus.Fields{"batchSize": len(batch), "batch": batches + 1}).Warn("Failed to publish batch")
			return errors.WithMessagef(err, "aborted after publishing %d batches", batches)
		}
		batches++
		records += len(batch)
	}
	o.metrics.RecordFileProcessed(metrics.FileOutcomeSuccess)
	ctx.Log.Infof("Ingested %d records in %d batches", records, batches)
	return nil
}

// claim moves the file into the processed directory, replacing any file of the same name there, and returns its
// new path.
func (o *Orchestrator) claim(name string) (string, error) {
	if err := o.fs.MkdirAll(o.config.ProcessedDir, os.ModePerm); err != nil {
		return "", errors.Wrapf(err, "failed to create %s", o.config.ProcessedDir)
	}
	src := filepath.Join(o.config.WatchDir, name)
	dst := filepath.Join(o.config.ProcessedDir, name)
	if err := o.fs.Rename(src, dst); err != nil {
		return "", errors.Wrapf(err, "failed to move %s to %s", src, dst)
	}
	return dst, nil
}
