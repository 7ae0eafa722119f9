package pulsarutils

import (
	gocontext "context"
	"errors"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/sirupsen/logrus"

	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	commonmetrics "github.com/sourcesystems/csvpipeline/internal/common/ingest/metrics"
	"github.com/sourcesystems/csvpipeline/internal/common/logging"
)

// Receive returns a channel on which messages received from consumer are published.  The channel is closed once ctx
// is cancelled.  Receive errors are assumed to be transient: they are logged and retried after backoffTime.
func Receive(
	ctx *csvcontext.Context,
	consumer pulsar.Consumer,
	receiveTimeout time.Duration,
	backoffTime time.Duration,
	m *commonmetrics.Metrics,
) chan pulsar.Message {
	out := make(chan pulsar.Message)
	go func() {
		// Periodically log the number of processed messages.
		logInterval := 60 * time.Second
		lastLogged := time.Now()
		numReceived := 0
		var lastMessageId pulsar.MessageID
		lastPublishTime := time.Now()

		for {
			if time.Since(lastLogged) > logInterval {
				ctx.Log.WithFields(
					logrus.Fields{
						"received":      numReceived,
						"interval":      logInterval,
						"lastMessageId": lastMessageId,
						"timeLag":       time.Since(lastPublishTime),
					},
				).Info("message statistics")
				numReceived = 0
				lastLogged = time.Now()
			}

			select {
			case <-ctx.Done():
				ctx.Log.Infof("Shutting down pulsar receiver")
				close(out)
				return
			default:
				ctxWithTimeout, cancel := csvcontext.WithTimeout(ctx, receiveTimeout)
				msg, err := consumer.Receive(ctxWithTimeout)
				cancel()
				if errors.Is(err, gocontext.DeadlineExceeded) || errors.Is(err, gocontext.Canceled) {
					ctx.Log.Debugf("No message received")
					break // expected
				}
				// Any other error means this function can't proceed; try again in the hope that the problem is transient.
				if err != nil {
					m.RecordPulsarConnectionError()
					logging.
						WithStacktrace(ctx.Log, err).
						WithField("lastMessageId", lastMessageId).
						Warnf("Pulsar receive failed; backing off for %s", backoffTime)
					time.Sleep(backoffTime)
					continue
				}

				numReceived++
				lastPublishTime = msg.PublishTime()
				lastMessageId = msg.ID()
				select {
				case out <- msg:
				case <-ctx.Done():
					// Not acked, so pulsar will redeliver it.
					close(out)
					return
				}
			}
		}
	}()
	return out
}

// AckAll acks every id on consumer.
func AckAll(consumer pulsar.Consumer, ids []pulsar.MessageID) {
	for _, id := range ids {
		consumer.AckID(id)
	}
}

// NackAll negatively acks every id on consumer so that pulsar redelivers the messages after the consumer's
// redelivery delay.
func NackAll(consumer pulsar.Consumer, ids []pulsar.MessageID) {
	for _, id := range ids {
		consumer.NackID(id)
	}
}
