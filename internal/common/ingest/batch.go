package ingest

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/sourcesystems/csvpipeline/internal/common/csvcontext"
)

// Batcher batches up items from a channel.  Batches are created whenever maxItems have been
// received or maxTimeout has elapsed since the last batch was created (whichever occurs first).
type Batcher[T any] struct {
	input      chan T
	maxItems   int
	maxTimeout time.Duration
	clock      clock.Clock
	callback   func([]T)
	buffer     []T
}

func NewBatcher[T any](input chan T, maxItems int, maxTimeout time.Duration, callback func([]T)) *Batcher[T] {
	return &Batcher[T]{
		input:      input,
		maxItems:   maxItems,
		maxTimeout: maxTimeout,
		callback:   callback,
		clock:      clock.RealClock{},
	}
}

// Run batches until ctx is cancelled or the input channel is closed.  When the input closes, anything buffered is
// passed to the callback before returning.
func (b *Batcher[T]) Run(ctx *csvcontext.Context) {
	for {
		b.buffer = []T{}
		expire := b.clock.After(b.maxTimeout)
		for appendToBatch := true; appendToBatch; {
			select {
			case <-ctx.Done():
				ctx.Log.Info("Batcher: context is done")
				return
			case value, ok := <-b.input:
				if !ok {
					if len(b.buffer) > 0 {
						b.callback(b.buffer)
					}
					return
				}

				b.buffer = append(b.buffer, value)
				if len(b.buffer) == b.maxItems {
					b.callback(b.buffer)
					appendToBatch = false
				}

			case <-expire:
				if len(b.buffer) > 0 {
					b.callback(b.buffer)
				}
				appendToBatch = false
			}
		}
	}
}
