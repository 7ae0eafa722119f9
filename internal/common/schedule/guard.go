package schedule

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
	"github.com/sourcesystems/csvpipeline/internal/common/logging"
)

var skippedRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "csvpipeline_scheduler_skipped_runs_total",
	Help: "Number of scheduled runs skipped because the previous run was still in progress",
}, []string{"guard"})

// Lock excludes concurrent runs across processes.  TryAcquire returns ok=false if another holder owns the lock.
type Lock interface {
	TryAcquire(ctx *csvcontext.Context) (release func(), ok bool, err error)
}

// Guard ensures that at most one invocation of its work is active at any time.  Invocations that arrive while a run
// is in progress are dropped, not queued.
type Guard struct {
	name    string
	work    func(ctx *csvcontext.Context) error
	lock    Lock
	running atomic.Bool
	wg      sync.WaitGroup
}

type GuardOption func(*Guard)

// WithLock makes the guard additionally take lock before running, so that replicas sharing the lock are also
// single-flight.
func WithLock(lock Lock) GuardOption {
	return func(g *Guard) {
		g.lock = lock
	}
}

func NewGuard(name string, work func(ctx *csvcontext.Context) error, opts ...GuardOption) *Guard {
	g := &Guard{name: name, work: work}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run executes the work synchronously if no other run is in progress.  ran is false if the call was skipped, in
// which case nothing else happened.  A panic in the work is recovered and returned as an error.
func (g *Guard) Run(ctx *csvcontext.Context) (ran bool, err error) {
	if !g.running.CompareAndSwap(false, true) {
		skippedRuns.WithLabelValues(g.name).Inc()
		return false, nil
	}
	g.wg.Add(1)
	defer g.wg.Done()
	defer g.running.Store(false)
	return g.runLocked(ctx)
}

// Trigger starts the work in a new goroutine if no other run is in progress and returns immediately.  Failures are
// logged.  The return value reports whether a run was started.
func (g *Guard) Trigger(ctx *csvcontext.Context) bool {
	if !g.running.CompareAndSwap(false, true) {
		skippedRuns.WithLabelValues(g.name).Inc()
		ctx.Log.Debugf("%s is still running; skipping this run", g.name)
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.running.Store(false)
		ran, err := g.runLocked(ctx)
		if err != nil {
			logging.WithStacktrace(ctx.Log, err).Errorf("%s failed", g.name)
		} else if !ran {
			ctx.Log.Debugf("%s is held by another process; skipping this run", g.name)
		}
	}()
	return true
}

// Running reports whether a run is in progress in this process.
func (g *Guard) Running() bool {
	return g.running.Load()
}

// Wait blocks until the run in progress, if any, has finished.
func (g *Guard) Wait() {
	g.wg.Wait()
}

func (g *Guard) runLocked(ctx *csvcontext.Context) (ran bool, err error) {
	if g.lock != nil {
		release, ok, err := g.lock.TryAcquire(ctx)
		if err != nil {
			return false, errors.WithMessagef(err, "failed to acquire lock for %s", g.name)
		}
		if !ok {
			skippedRuns.WithLabelValues(g.name).Inc()
			return false, nil
		}
		defer release()
	}
	return true, g.safeRun(ctx)
}

func (g *Guard) safeRun(ctx *csvcontext.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%s panicked: %v\n%s", g.name, r, debug.Stack())
		}
	}()
	return g.work(ctx)
}

func (g *Guard) String() string {
	return fmt.Sprintf("Guard(%s, running=%t)", g.name, g.Running())
}
