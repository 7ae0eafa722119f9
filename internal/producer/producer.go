package producer

import (
	"context"
	"net/http"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/sourcesystems/csvpipeline/internal/common"
	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	"github.com/sourcesystems/csvpipeline/internal/common/health"
	"github.com/sourcesystems/csvpipeline/internal/common/pulsarutils"
	"github.com/sourcesystems/csvpipeline/internal/common/schedule"
	"github.com/sourcesystems/csvpipeline/internal/common/task"
	"github.com/sourcesystems/csvpipeline/internal/common/util"
	"github.com/sourcesystems/csvpipeline/internal/producer/configuration"
	"github.com/sourcesystems/csvpipeline/internal/producer/metrics"
)

const shutdownTimeout = 30 * time.Second

// Run ingests files from the watch directory on the configured interval until ctx is cancelled.
func Run(ctx *csvcontext.Context, config configuration.ProducerConfiguration) error {
	startupCompleteCheck := health.NewStartupCompleteChecker()
	mux := http.NewServeMux()
	health.SetupHttpMux(mux, startupCompleteCheck)
	shutdownHttpServer := common.ServeHttp(config.MetricsPort, mux)
	defer shutdownHttpServer()

	pulsarClient, err := pulsarutils.NewPulsarClient(&config.Pulsar)
	if err != nil {
		return errors.WithMessage(err, "error creating pulsar client")
	}
	defer pulsarClient.Close()

	pulsarProducer, err := pulsarClient.CreateProducer(pulsar.ProducerOptions{
		Name:               "csvpipeline-producer-" + uuid.NewString(),
		Topic:              config.Pulsar.Topic,
		CompressionType:    config.Pulsar.CompressionType,
		MaxPendingMessages: config.Pulsar.MaxPendingMessages,
		SendTimeout:        config.Pulsar.SendTimeout,
	})
	if err != nil {
		return errors.WithMessagef(err, "error creating pulsar producer for topic %s", config.Pulsar.Topic)
	}
	channel := NewPulsarChannel(pulsarProducer)
	defer channel.Close()

	m := metrics.Get()
	orchestrator := NewOrchestrator(
		afero.NewOsFs(),
		config.Ingestion,
		NewPublisher(channel, config.Publish.BatchSize, m),
		clock.RealClock{},
		m,
	)

	var guardOpts []schedule.GuardOption
	if config.Scheduler.RedisLock.Enabled {
		db := redis.NewUniversalClient(config.Scheduler.RedisLock.Redis.AsUniversalOptions())
		defer util.CloseResource(ctx.Log, "redis", db)
		if err := db.Ping().Err(); err != nil {
			return errors.WithMessage(err, "error connecting to redis")
		}
		lock := schedule.NewRedisLock(db, config.Scheduler.RedisLock.Key, config.Scheduler.RedisLock.TTL)
		guardOpts = append(guardOpts, schedule.WithLock(lock))
	}

	ingest := func(ctx *csvcontext.Context) error {
		if err := orchestrator.ProcessAllFiles(ctx); err != nil {
			ctx.Log.WithError(err).Warn("Ingestion run completed with failures")
		}
		return nil
	}

	// A run in progress at shutdown is allowed to finish, so that a claimed file is not left half published.
	runCtx := csvcontext.New(context.Background(), ctx.Log)
	taskManager := task.NewBackgroundTaskManager(metrics.MetricsPrefix)
	taskManager.Register(runCtx, ingest, config.Scheduler.Interval, "ingestion", guardOpts...)
	startupCompleteCheck.MarkComplete()
	ctx.Log.Infof("Watching %s every %s", config.Ingestion.WatchDir, config.Scheduler.Interval)

	<-ctx.Done()
	ctx.Log.Info("Shutting down; waiting for the current ingestion run to finish")
	if taskManager.StopAll(shutdownTimeout) {
		ctx.Log.Warnf("Ingestion run did not finish within %s", shutdownTimeout)
	}
	return nil
}
