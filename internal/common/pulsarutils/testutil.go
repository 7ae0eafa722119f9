package pulsarutils

import (
	"fmt"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
)

// TestMessageID is a pulsar.MessageID identified only by a sequence number, so two ids built from the same number
// are equal and can be used as map keys.
type TestMessageID struct {
	pulsar.MessageID
	seq int
}

func (id TestMessageID) String() string {
	return fmt.Sprintf("test-message-%d", id.seq)
}

// TestMessage is a received message with a fixed id, payload and publish time.  Only the accessors the ingestion
// code reads are implemented.
type TestMessage struct {
	pulsar.Message
	id          pulsar.MessageID
	payload     []byte
	publishTime time.Time
}

func NewMessageId(seq int) pulsar.MessageID {
	return TestMessageID{seq: seq}
}

func NewPulsarMessage(seq int, publishTime time.Time, payload []byte) TestMessage {
	return TestMessage{
		id:          NewMessageId(seq),
		publishTime: publishTime,
		payload:     payload,
	}
}

func (m TestMessage) ID() pulsar.MessageID {
	return m.id
}

func (m TestMessage) Payload() []byte {
	return m.payload
}

func (m TestMessage) PublishTime() time.Time {
	return m.publishTime
}
