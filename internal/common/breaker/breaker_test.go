package breaker

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"
)

var (
	errStore = errors.New("store timeout")
	succeed  = func() error { return nil }
	fail     = func() error { return errStore }
)

func testBreaker(volume int, ratio float64, delay time.Duration) (*CircuitBreaker, *clock.FakeClock) {
	fakeClock := clock.NewFakeClock(time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewWithClock("test", Config{VolumeThreshold: volume, FailureRatio: ratio, Delay: delay}, fakeClock), fakeClock
}

func TestCircuitBreaker_OpensAfterFailureRatioReached(t *testing.T) {
	cb, _ := testBreaker(4, 0.5, 30*time.Second)

	assert.NoError(t, cb.Execute(succeed))
	assert.ErrorIs(t, cb.Execute(fail), errStore)
	assert.NoError(t, cb.Execute(succeed))
	assert.Equal(t, Closed, cb.State())
	assert.ErrorIs(t, cb.Execute(fail), errStore)
	assert.Equal(t, Open, cb.State())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_StaysClosedBelowVolumeThreshold(t *testing.T) {
	cb, _ := testBreaker(4, 0.5, 30*time.Second)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errStore)
	}
	assert.Equal(t, Closed, cb.State())
}

func TestCircuitBreaker_RollingWindowForgetsOldFailures(t *testing.T) {
	cb, _ := testBreaker(4, 0.75, 30*time.Second)

	assert.Error(t, cb.Execute(fail))
	assert.Error(t, cb.Execute(fail))
	assert.NoError(t, cb.Execute(succeed))
	assert.NoError(t, cb.Execute(succeed))
	// Window is now {fail, fail, ok, ok}; each success pushes a failure out.
	assert.NoError(t, cb.Execute(succeed))
	assert.Error(t, cb.Execute(fail))
	assert.Equal(t, Closed, cb.State())
}

func TestCircuitBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	cb, fakeClock := testBreaker(2, 0.5, 30*time.Second)

	assert.Error(t, cb.Execute(fail))
	assert.Error(t, cb.Execute(fail))
	require.Equal(t, Open, cb.State())

	fakeClock.Step(29 * time.Second)
	assert.ErrorIs(t, cb.Execute(succeed), ErrBreakerOpen)

	fakeClock.Step(time.Second)
	assert.Equal(t, HalfOpen, cb.State())
	assert.NoError(t, cb.Execute(succeed))
	assert.Equal(t, Closed, cb.State())

	// The window starts afresh after closing.
	assert.Error(t, cb.Execute(fail))
	assert.Equal(t, Closed, cb.State())
}

func TestCircuitBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	cb, fakeClock := testBreaker(2, 0.5, 30*time.Second)

	assert.Error(t, cb.Execute(fail))
	assert.Error(t, cb.Execute(fail))
	fakeClock.Step(30 * time.Second)

	assert.ErrorIs(t, cb.Execute(fail), errStore)
	assert.Equal(t, Open, cb.State())
	assert.ErrorIs(t, cb.Execute(succeed), ErrBreakerOpen)
}

func TestCircuitBreaker_SingleTrialCall(t *testing.T) {
	cb, fakeClock := testBreaker(1, 1, time.Second)

	assert.Error(t, cb.Execute(fail))
	fakeClock.Step(time.Second)

	trialStarted := make(chan struct{})
	finishTrial := make(chan struct{})
	trialDone := make(chan error)
	go func() {
		trialDone <- cb.Execute(func() error {
			close(trialStarted)
			<-finishTrial
			return nil
		})
	}()
	<-trialStarted

	assert.ErrorIs(t, cb.Execute(succeed), ErrBreakerOpen)

	close(finishTrial)
	assert.NoError(t, <-trialDone)
	assert.Equal(t, Closed, cb.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
}
