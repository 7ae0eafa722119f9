package consumer

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"k8s.io/utils/clock"

	"github.com/sourcesystems/csvpipeline/internal/common"
	"github.com/sourcesystems/csvpipeline/internal/common/breaker"
	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	"github.com/sourcesystems/csvpipeline/internal/common/health"
	"github.com/sourcesystems/csvpipeline/internal/common/ingest"
	"github.com/sourcesystems/csvpipeline/internal/common/task"
	"github.com/sourcesystems/csvpipeline/internal/consumer/configuration"
	"github.com/sourcesystems/csvpipeline/internal/consumer/metrics"
	"github.com/sourcesystems/csvpipeline/internal/consumer/store"
	"github.com/sourcesystems/csvpipeline/internal/model"
)

const shutdownTimeout = 30 * time.Second

// stores is the primary and dead-letter store of the configured backend.
type stores struct {
	records     store.RecordStore
	deadLetters store.DeadLetterStore
	checker     health.Checker
	close       func()
}

// Run consumes record batches from pulsar and reprocesses dead-lettered records on the configured interval until ctx
// is cancelled.
func Run(ctx *csvcontext.Context, config configuration.ConsumerConfiguration) error {
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	mux := http.NewServeMux()
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := common.ServeHttp(config.MetricsPort, mux)
	defer shutdownHttpServer()

	s, err := openStores(ctx, config.Store)
	if err != nil {
		return err
	}
	defer s.close()
	healthChecks.Add(s.checker)

	m := metrics.Get()
	sink := NewSink(
		s.records,
		s.deadLetters,
		breaker.New("primary-store", config.CircuitBreaker),
		config.Sink,
		clock.RealClock{},
		m,
	)
	pipeline := ingest.NewIngestionPipeline[[]model.Record](
		config.Pulsar,
		config.SubscriptionName,
		config.ReceiveBatchSize,
		config.ReceiveBatchDuration,
		decodeBatch,
		ingest.SinkFunc[[]model.Record](sink.Receive),
		m.Metrics,
		nil,
	)

	reprocessor := NewReprocessor(s.records, s.deadLetters, config.Reprocessor, m)
	taskManager := task.NewBackgroundTaskManager(metrics.MetricsPrefix)
	taskManager.Register(ctx, reprocessor.Run, config.Reprocessor.Interval, "reprocessor")
	startupCompleteCheck.MarkComplete()

	err = pipeline.Run(ctx)
	if taskManager.StopAll(shutdownTimeout) {
		ctx.Log.Warnf("Reprocessor did not finish within %s", shutdownTimeout)
	}
	return err
}

// RunReprocessor makes a single reprocessing pass and returns.
func RunReprocessor(ctx *csvcontext.Context, config configuration.ConsumerConfiguration) error {
	s, err := openStores(ctx, config.Store)
	if err != nil {
		return err
	}
	defer s.close()
	return NewReprocessor(s.records, s.deadLetters, config.Reprocessor, metrics.Get()).Run(ctx)
}

func decodeBatch(payload []byte) ([]model.Record, error) {
	return model.UnmarshalBatch(payload)
}

func openStores(ctx *csvcontext.Context, config configuration.StoreConfig) (*stores, error) {
	switch config.Backend {
	case configuration.StoreBackendMemory:
		ctx.Log.Warn("Using the in-memory store; records will be lost when the process exits")
		memoryStore, err := store.NewMemoryStore()
		if err != nil {
			return nil, err
		}
		return &stores{
			records:     memoryStore,
			deadLetters: memoryStore,
			checker:     health.CheckerFunc(func() error { return nil }),
			close:       func() {},
		}, nil
	case configuration.StoreBackendMongo:
		return openMongo(ctx, config.Mongo)
	default:
		return nil, errors.Errorf("unknown store backend %q", config.Backend)
	}
}

func openMongo(ctx *csvcontext.Context, config configuration.MongoConfig) (*stores, error) {
	clientOptions := options.Client().
		ApplyURI(config.URI).
		SetConnectTimeout(config.ConnectTimeout).
		SetServerSelectionTimeout(config.ConnectTimeout).
		SetSocketTimeout(config.OperationTimeout)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.WithMessage(err, "error connecting to mongo")
	}
	disconnect := func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			ctx.Log.WithError(err).Warn("Failed to disconnect from mongo cleanly")
		}
	}

	mongoStore := store.NewMongoStore(client.Database(config.Database), config.RecordsCollection, config.FailedCollection)
	pingCtx, cancel := csvcontext.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := mongoStore.Ping(pingCtx); err != nil {
		disconnect()
		return nil, errors.WithMessage(err, "mongo is unreachable")
	}
	ctx.Log.Infof("Connected to mongo database %s", config.Database)

	return &stores{
		records:     mongoStore,
		deadLetters: mongoStore,
		checker: health.CheckerFunc(func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
			defer cancel()
			return mongoStore.Ping(checkCtx)
		}),
		close: disconnect,
	}, nil
}
