package breaker

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"
)

// ErrBreakerOpen is returned without calling the protected function when the breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "csvpipeline_circuit_breaker_state",
	Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
}, []string{"breaker"})

type Config struct {
	// Number of most recent calls considered when deciding whether to open.
	VolumeThreshold int `validate:"gt=0"`
	// Fraction of failures within the window at or above which the breaker opens.
	FailureRatio float64 `validate:"gt=0,lte=1"`
	// How long the breaker stays open before letting a trial call through.
	Delay time.Duration `validate:"gt=0"`
}

// CircuitBreaker stops calling a failing dependency.  While closed it records the outcome of the last VolumeThreshold
// calls and opens once that window is full and the failure ratio reaches FailureRatio.  Once open, calls fail fast
// with ErrBreakerOpen until Delay has elapsed, after which a single trial call is allowed: success closes the
// breaker, failure re-opens it.
type CircuitBreaker struct {
	name   string
	config Config
	clock  clock.PassiveClock

	mu            sync.Mutex
	state         State
	outcomes      []bool // ring buffer, true = failure
	next          int
	filled        int
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

func New(name string, config Config) *CircuitBreaker {
	return NewWithClock(name, config, clock.RealClock{})
}

func NewWithClock(name string, config Config, clock clock.PassiveClock) *CircuitBreaker {
	if config.VolumeThreshold < 1 {
		config.VolumeThreshold = 1
	}
	cb := &CircuitBreaker{
		name:     name,
		config:   config,
		clock:    clock,
		outcomes: make([]bool, config.VolumeThreshold),
	}
	stateGauge.WithLabelValues(name).Set(float64(Closed))
	return cb
}

// Execute calls fn if the breaker allows it and records the outcome.  If the breaker rejects the call, fn is not
// called and ErrBreakerOpen is returned.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.before()
	if err != nil {
		return err
	}
	err = fn()
	cb.after(trial, err == nil)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == Open && cb.coolDownElapsed() {
		return HalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) before() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Closed:
		return false, nil
	case Open:
		if !cb.coolDownElapsed() {
			return false, ErrBreakerOpen
		}
		cb.setState(HalfOpen)
		fallthrough
	case HalfOpen:
		if cb.trialInFlight {
			return false, ErrBreakerOpen
		}
		cb.trialInFlight = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) after(trial bool, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if trial {
		cb.trialInFlight = false
		if success {
			cb.reset()
			cb.setState(Closed)
		} else {
			cb.trip()
		}
		return
	}
	if cb.state != Closed {
		// Call admitted while closed that completed after the breaker changed state.
		return
	}
	cb.record(!success)
	if cb.filled == len(cb.outcomes) &&
		float64(cb.failures)/float64(cb.filled) >= cb.config.FailureRatio {
		cb.trip()
	}
}

func (cb *CircuitBreaker) record(failure bool) {
	if cb.filled == len(cb.outcomes) {
		if cb.outcomes[cb.next] {
			cb.failures--
		}
	} else {
		cb.filled++
	}
	cb.outcomes[cb.next] = failure
	if failure {
		cb.failures++
	}
	cb.next = (cb.next + 1) % len(cb.outcomes)
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.clock.Now()
	cb.reset()
	cb.setState(Open)
}

func (cb *CircuitBreaker) reset() {
	for i := range cb.outcomes {
		cb.outcomes[i] = false
	}
	cb.next = 0
	cb.filled = 0
	cb.failures = 0
}

func (cb *CircuitBreaker) coolDownElapsed() bool {
	return cb.clock.Since(cb.openedAt) >= cb.config.Delay
}

func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	stateGauge.WithLabelValues(cb.name).Set(float64(state))
}
