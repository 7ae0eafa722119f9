package config

import (
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
)

type PulsarConfig struct {
	// Pulsar URL
	URL string `validate:"required"`
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Authentication type. For now only "JWT" auth is valid
	AuthenticationType string
	// Path to the JWT token (must exist). This must be set if AuthenticationType is "JWT"
	JwtTokenPath string
	// Topic carrying batches of records from the producer to the consumer
	Topic string `validate:"required"`
	// Compression to use.  Valid values are "None", "LZ4", "Zlib", "Zstd".  Default is "None"
	CompressionType pulsar.CompressionType
	// Maximum number of messages queued client side before Send blocks
	MaxPendingMessages int
	// Time after which a send is considered failed if it has not been acknowledged by the broker
	SendTimeout time.Duration
	// Size of the consumer's receive queue
	ReceiverQueueSize int
	// Time the receive loop waits for a message before checking for shutdown
	ReceiveTimeout time.Duration
	// Time to wait after a failed receive or ack before trying again
	BackoffTime time.Duration
}
