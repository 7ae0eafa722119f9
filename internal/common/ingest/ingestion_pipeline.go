package ingest

import (
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	commonconfig "github.com/sourcesystems/csvpipeline/internal/common/config"
	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	commonmetrics "github.com/sourcesystems/csvpipeline/internal/common/ingest/metrics"
	"github.com/sourcesystems/csvpipeline/internal/common/logging"
	"github.com/sourcesystems/csvpipeline/internal/common/pulsarutils"
)

// Decoder converts the payload of a single pulsar message into the item it carries.
type Decoder[T any] func(payload []byte) (T, error)

// Sink should be implemented by the struct responsible for putting the data in its final resting place, e.g. a
// database.
type Sink[T any] interface {
	// Store should persist the items.  The sink is responsible for dealing with failed items and should only return
	// an error when it could not attempt the whole batch, e.g. because ctx was cancelled.
	Store(ctx *csvcontext.Context, items []T) error
}

// SinkFunc adapts an ordinary function to a Sink.
type SinkFunc[T any] func(ctx *csvcontext.Context, items []T) error

func (f SinkFunc[T]) Store(ctx *csvcontext.Context, items []T) error {
	return f(ctx, items)
}

// decodedBatch is a batch of decoded items along with the ids of every message in the batch, including those which
// could not be decoded, as all of them must be acked.
type decodedBatch[T any] struct {
	items      []T
	messageIds []pulsar.MessageID
}

// IngestionPipeline is a pipeline that reads messages from pulsar and inserts them into a sink. The pipeline will
// handle the following automatically:
//   - Receiving messages from pulsar
//   - Combining messages into batches for efficient processing
//   - Decoding message payloads
//   - Acking processed messages, and nacking those the sink failed to store
type IngestionPipeline[T any] struct {
	pulsarConfig           commonconfig.PulsarConfig
	metrics                *commonmetrics.Metrics
	pulsarSubscriptionName string
	pulsarBatchSize        int
	pulsarBatchDuration    time.Duration
	decode                 Decoder[T]
	sink                   Sink[T]
	consumer               pulsar.Consumer
}

// NewIngestionPipeline creates an IngestionPipeline.  consumer may be nil, in which case the pipeline subscribes to
// pulsarConfig.Topic when run.
func NewIngestionPipeline[T any](
	pulsarConfig commonconfig.PulsarConfig,
	pulsarSubscriptionName string,
	pulsarBatchSize int,
	pulsarBatchDuration time.Duration,
	decode Decoder[T],
	sink Sink[T],
	metrics *commonmetrics.Metrics,
	consumer pulsar.Consumer,
) *IngestionPipeline[T] {
	return &IngestionPipeline[T]{
		pulsarConfig:           pulsarConfig,
		metrics:                metrics,
		pulsarSubscriptionName: pulsarSubscriptionName,
		pulsarBatchSize:        pulsarBatchSize,
		pulsarBatchDuration:    pulsarBatchDuration,
		decode:                 decode,
		sink:                   sink,
		consumer:               consumer,
	}
}

// Run will run the ingestion pipeline until the supplied context is shut down
func (ingester *IngestionPipeline[T]) Run(ctx *csvcontext.Context) error {
	if ingester.consumer == nil {
		consumer, closePulsar, err := ingester.subscribe()
		if err != nil {
			return err
		}
		ingester.consumer = consumer
		defer closePulsar()
	}

	// Waitgroup that will fire when the pipeline has been torn down
	wg := &sync.WaitGroup{}
	wg.Add(1)

	pulsarMsgs := pulsarutils.Receive(
		ctx,
		ingester.consumer,
		ingester.pulsarConfig.ReceiveTimeout,
		ingester.pulsarConfig.BackoffTime,
		ingester.metrics)

	// The rest of the pipeline gets until 2 batch durations after ctx is done to flush what has already been received
	pipelineShutdownContext, cancel := csvcontext.WithCancel(csvcontext.New(csvcontext.Background(), ctx.Log))
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			time.Sleep(2 * ingester.pulsarBatchDuration)
			ctx.Log.Infof("Waited for %v: forcing cancel", 2*ingester.pulsarBatchDuration)
			cancel()
		case <-pipelineShutdownContext.Done():
		}
	}()

	// Batch up messages
	batchedMsgs := make(chan []pulsar.Message)
	batcher := NewBatcher[pulsar.Message](pulsarMsgs, ingester.pulsarBatchSize, ingester.pulsarBatchDuration, func(b []pulsar.Message) { batchedMsgs <- b })
	go func() {
		batcher.Run(pipelineShutdownContext)
		close(batchedMsgs)
	}()

	// Decode
	decoded := make(chan *decodedBatch[T])
	go func() {
		for msgs := range batchedMsgs {
			decoded <- ingester.decodeBatch(ctx, msgs)
		}
		close(decoded)
	}()

	// Publish items to sink then ACK on pulsar
	go func() {
		defer wg.Done()
		for batch := range decoded {
			start := time.Now()
			err := ingester.sink.Store(pipelineShutdownContext, batch.items)
			ingester.metrics.RecordBatchProcessed(err == nil)
			if err != nil {
				// Some items are in neither the sink nor its dead-letter store, so the whole batch is redelivered.
				logging.WithStacktrace(ctx.Log, err).Warnf("Error storing batch of %d messages; requesting redelivery", len(batch.messageIds))
				pulsarutils.NackAll(ingester.consumer, batch.messageIds)
				continue
			}
			ctx.Log.Infof("Stored %d pulsar messages in %dms", len(batch.messageIds), time.Since(start).Milliseconds())
			pulsarutils.AckAll(ingester.consumer, batch.messageIds)
		}
	}()

	ctx.Log.Info("Ingestion pipeline set up. Running until shutdown event received")
	wg.Wait()
	ctx.Log.Info("Shutdown event received - closing")
	return nil
}

func (ingester *IngestionPipeline[T]) decodeBatch(ctx *csvcontext.Context, batch []pulsar.Message) *decodedBatch[T] {
	items := make([]T, 0, len(batch))
	messageIds := make([]pulsar.MessageID, len(batch))
	for i, msg := range batch {
		// Poison messages are acked with the rest of the batch so they never block the subscription
		messageIds[i] = msg.ID()

		item, err := ingester.decode(msg.Payload())
		if err != nil {
			ingester.metrics.RecordPulsarMessageError(commonmetrics.PulsarMessageErrorDeserialization)
			ctx.Log.WithError(err).Warnf("Could not decode msg %s", msg.ID())
			continue
		}
		items = append(items, item)
	}
	return &decodedBatch[T]{items: items, messageIds: messageIds}
}

func (ingester *IngestionPipeline[T]) subscribe() (pulsar.Consumer, func(), error) {
	pulsarClient, err := pulsarutils.NewPulsarClient(&ingester.pulsarConfig)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "Error creating pulsar client")
	}

	consumer, err := pulsarClient.Subscribe(pulsar.ConsumerOptions{
		Topic:                       ingester.pulsarConfig.Topic,
		SubscriptionName:            ingester.pulsarSubscriptionName,
		Type:                        pulsar.Shared,
		ReceiverQueueSize:           ingester.pulsarConfig.ReceiverQueueSize,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
	})
	if err != nil {
		pulsarClient.Close()
		return nil, nil, errors.WithMessage(err, "Error creating pulsar consumer")
	}

	return consumer, func() {
		consumer.Close()
		pulsarClient.Close()
	}, nil
}
