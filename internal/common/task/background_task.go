package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"

	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	"github.com/sourcesystems/csvpipeline/internal/common/schedule"
)

type task struct {
	guard       *schedule.Guard
	interval    time.Duration
	metricName  string
	stopChannel chan struct{}
}

// BackgroundTaskManager runs functions on a fixed interval.  Each function runs under its own schedule.Guard, so a
// tick that fires while the previous run is still in progress is skipped rather than queued.
// BackgroundTaskManager is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	clock         clock.WithTicker
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return NewBackgroundTaskManagerWithClock(metricsPrefix, clock.RealClock{})
}

func NewBackgroundTaskManagerWithClock(metricsPrefix string, clock clock.WithTicker) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		clock:         clock,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts running backgroundTask immediately and then once per interval until StopAll is called.  The returned
// guard can be used to run the same work on demand without overlapping the scheduled runs.
func (m *BackgroundTaskManager) Register(
	ctx *csvcontext.Context,
	backgroundTask func(ctx *csvcontext.Context) error,
	interval time.Duration,
	metricName string,
	opts ...schedule.GuardOption,
) *schedule.Guard {
	taskDurationHistogram := promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + metricName + "_latency_seconds",
			Help:    "Background loop " + metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	timed := func(ctx *csvcontext.Context) error {
		start := m.clock.Now()
		defer func() {
			taskDurationHistogram.Observe(m.clock.Since(start).Seconds())
		}()
		return backgroundTask(ctx)
	}

	t := &task{
		guard:       schedule.NewGuard(metricName, timed, opts...),
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(csvcontext.WithLogField(ctx, "task", metricName), t)
	m.tasks = append(m.tasks, t)
	return t.guard
}

// StopAll stops all scheduling loops and waits up to timeout for in-flight runs to complete.  It returns true if the
// timeout expired first.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(ctx *csvcontext.Context, task *task) {
	ticker := m.clock.NewTicker(task.interval)
	task.guard.Trigger(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				task.guard.Trigger(ctx)
			case <-task.stopChannel:
				task.guard.Wait()
				return
			case <-ctx.Done():
				task.guard.Wait()
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		close(task.stopChannel)
	}
}
