package producer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	"github.com/sourcesystems/csvpipeline/internal/common/util"
	"github.com/sourcesystems/csvpipeline/internal/model"
	"github.com/sourcesystems/csvpipeline/internal/producer/metrics"
)

// ErrChannelClosed is returned by a Channel that can no longer accept batches.
var ErrChannelClosed = errors.New("record channel is closed")

// Channel is the outbound side of the record channel.
type Channel interface {
	// Send blocks until the batch has been accepted by the channel, which is how the channel applies backpressure.
	Send(ctx context.Context, batch model.Batch) error
	// Closed reports whether the channel has been shut down.
	Closed() bool
}

// Publisher splits batches into sub-batches of at most batchSize records and sends them to a Channel one at a time,
// in order.
type Publisher struct {
	channel   Channel
	batchSize int
	metrics   *metrics.Metrics
}

func NewPublisher(channel Channel, batchSize int, m *metrics.Metrics) *Publisher {
	return &Publisher{
		channel:   channel,
		batchSize: batchSize,
		metrics:   m,
	}
}

// Publish returns once every sub-batch has been accepted, or with an error as soon as one is not; later sub-batches
// are then not sent.  Publishing an empty batch is a no-op; a non-empty batch for a closed channel fails with
// ErrChannelClosed.
func (p *Publisher) Publish(ctx *csvcontext.Context, batch model.Batch) error {
	if len(batch) == 0 {
		ctx.Log.Warn("Empty batch; nothing to publish")
		return nil
	}
	if p.channel.Closed() {
		p.metrics.RecordPublishError()
		return errors.WithMessagef(ErrChannelClosed, "cannot publish batch of %d records", len(batch))
	}

	subBatches := util.Partition(batch, p.batchSize)
	for i, subBatch := range subBatches {
		ctx.Log.Debugf("Publishing sub-batch %d of %d with %d records", i+1, len(subBatches), len(subBatch))
		if err := p.channel.Send(ctx, subBatch); err != nil {
			p.metrics.RecordPublishError()
			return errors.WithMessagef(err, "failed to publish sub-batch %d of %d with %d records", i+1, len(subBatches), len(subBatch))
		}
		p.metrics.RecordBatchPublished(len(subBatch))
	}
	ctx.Log.Infof("Published %d records in %d sub-batches", len(batch), len(subBatches))
	return nil
}

// Closed reports whether the underlying channel has been shut down, after which every Publish of records fails.
func (p *Publisher) Closed() bool {
	return p.channel.Closed()
}
