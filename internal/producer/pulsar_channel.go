package producer

import (
	"context"
	"sync/atomic"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sourcesystems/csvpipeline/internal/model"
)

// PulsarChannel sends batches to a pulsar topic, one message per batch.
type PulsarChannel struct {
	producer pulsar.Producer
	closed   atomic.Bool
}

func NewPulsarChannel(producer pulsar.Producer) *PulsarChannel {
	return &PulsarChannel{producer: producer}
}

// Send blocks until the broker has acknowledged the message.  When the producer's pending queue is full this also
// blocks, which throttles the reader.
func (c *PulsarChannel) Send(ctx context.Context, batch model.Batch) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	payload, err := model.MarshalBatch(batch)
	if err != nil {
		return err
	}
	_, err = c.producer.Send(ctx, &pulsar.ProducerMessage{Payload: payload})
	if err != nil {
		var pulsarErr *pulsar.Error
		if errors.As(err, &pulsarErr) && pulsarErr.Result() == pulsar.ProducerClosed {
			c.closed.Store(true)
			return errors.WithMessage(ErrChannelClosed, err.Error())
		}
		return errors.WithStack(err)
	}
	return nil
}

func (c *PulsarChannel) Closed() bool {
	return c.closed.Load()
}

// Close flushes anything pending and closes the underlying producer.  Sends after Close fail with ErrChannelClosed.
func (c *PulsarChannel) Close() {
	if c.closed.Swap(true) {
		return
	}
	if err := c.producer.Flush(); err != nil {
		log.WithError(err).Warn("Failed to flush pulsar producer")
	}
	c.producer.Close()
}
