package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clock "k8s.io/utils/clock/testing"

	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
)

const (
	defaultMaxItems   = 3
	defaultMaxTimeOut = 5 * time.Second
)

type resultHolder struct {
	mu     sync.Mutex
	output [][]int
}

func (r *resultHolder) add(a []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, a)
}

func (r *resultHolder) get() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int{}, r.output...)
}

func TestBatch_MaxItems(t *testing.T) {
	ctx, cancel := csvcontext.WithTimeout(csvcontext.Background(), 5*time.Second)
	defer cancel()
	testClock := clock.NewFakeClock(time.Now())
	inputChan := make(chan int)
	result := &resultHolder{}
	batcher := NewBatcher[int](inputChan, defaultMaxItems, defaultMaxTimeOut, result.add)
	batcher.clock = testClock

	go batcher.Run(ctx)

	// Post 6 items on the input channel without advancing the clock
	// And we should get two batches on the output
	for i := 1; i <= 6; i++ {
		inputChan <- i
	}
	assert.Eventually(t, func() bool { return len(result.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}}, result.get())
}

func TestBatch_Time(t *testing.T) {
	ctx, cancel := csvcontext.WithTimeout(csvcontext.Background(), 5*time.Second)
	defer cancel()
	testClock := clock.NewFakeClock(time.Now())
	inputChan := make(chan int)
	result := &resultHolder{}
	batcher := NewBatcher[int](inputChan, defaultMaxItems, defaultMaxTimeOut, result.add)
	batcher.clock = testClock

	go batcher.Run(ctx)

	inputChan <- 1
	inputChan <- 2
	testClock.Step(5 * time.Second)
	assert.Eventually(t, func() bool { return len(result.get()) == 1 }, time.Second, 5*time.Millisecond)

	inputChan <- 3
	inputChan <- 4
	testClock.Step(5 * time.Second)
	assert.Eventually(t, func() bool { return len(result.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}}, result.get())
}

func TestBatch_FlushesOnInputClose(t *testing.T) {
	testClock := clock.NewFakeClock(time.Now())
	inputChan := make(chan int)
	result := &resultHolder{}
	batcher := NewBatcher[int](inputChan, defaultMaxItems, defaultMaxTimeOut, result.add)
	batcher.clock = testClock

	done := make(chan struct{})
	go func() {
		batcher.Run(csvcontext.Background())
		close(done)
	}()

	inputChan <- 1
	inputChan <- 2
	close(inputChan)
	<-done
	assert.Equal(t, [][]int{{1, 2}}, result.get())
}
