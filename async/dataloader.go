// Package async overlaps batch loading with training. An AsyncDataLoader
// runs a wrapped batch source in a background goroutine and hands finished
// batches to the training loop through a bounded channel.
package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tsawler/go-meanteacher/training"
)

// AsyncDataLoaderConfig holds configuration for the data loader
type AsyncDataLoaderConfig struct {
	PrefetchDepth int // Number of batches to prefetch (default: 2)
}

// Stats reports how the pipeline has behaved since creation.
type Stats struct {
	Batches  uint64        // batches handed to the consumer
	Epochs   uint64        // background passes started
	WaitTime time.Duration // time the consumer spent blocked in TryNext
}

type loadResult struct {
	batch *training.Batch
	err   error
}

// AsyncDataLoader prefetches batches of a training.BatchSource and is itself
// a BatchSource. The wrapped source is only touched by one goroutine at a
// time. AsyncDataLoader is meant for a single consumer.
type AsyncDataLoader struct {
	source        training.BatchSource
	prefetchDepth int

	mutex   sync.Mutex
	batches chan loadResult
	cancel  context.CancelFunc
	done    chan struct{}
	stats   Stats
}

// NewAsyncDataLoader wraps source. Loading starts on the first Reset or
// TryNext call.
func NewAsyncDataLoader(source training.BatchSource, config AsyncDataLoaderConfig) (*AsyncDataLoader, error) {
	if source == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}
	return &AsyncDataLoader{source: source, prefetchDepth: config.PrefetchDepth}, nil
}

// Len returns the number of batches per pass of the wrapped source.
func (adl *AsyncDataLoader) Len() int {
	return adl.source.Len()
}

// Reset abandons the current pass, resets the wrapped source and starts
// prefetching the next pass.
func (adl *AsyncDataLoader) Reset() {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	adl.stopLocked()
	adl.source.Reset()
	adl.startLocked()
}

// TryNext blocks until the next prefetched batch is ready. ok is false once
// the pass is exhausted or after an error has been returned.
func (adl *AsyncDataLoader) TryNext() (*training.Batch, bool, error) {
	adl.mutex.Lock()
	if adl.batches == nil {
		adl.startLocked()
	}
	batches := adl.batches
	adl.mutex.Unlock()

	start := time.Now()
	res, ok := <-batches
	wait := time.Since(start)

	adl.mutex.Lock()
	adl.stats.WaitTime += wait
	if ok && res.err == nil {
		adl.stats.Batches++
	}
	adl.mutex.Unlock()

	if !ok {
		return nil, false, nil
	}
	if res.err != nil {
		return nil, false, fmt.Errorf("data loader error: %w", res.err)
	}
	return res.batch, true, nil
}

// Stop halts background loading. The loader restarts on the next Reset or
// TryNext.
func (adl *AsyncDataLoader) Stop() {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()
	adl.stopLocked()
}

// Stats returns a snapshot of the loader statistics.
func (adl *AsyncDataLoader) Stats() Stats {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()
	return adl.stats
}

func (adl *AsyncDataLoader) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	batches := make(chan loadResult, adl.prefetchDepth)
	done := make(chan struct{})
	adl.batches, adl.cancel, adl.done = batches, cancel, done
	adl.stats.Epochs++

	go adl.worker(ctx, batches, done)
}

// worker loads one pass of the source; it closes batches when the pass
// ends, fails or is cancelled.
func (adl *AsyncDataLoader) worker(ctx context.Context, batches chan<- loadResult, done chan<- struct{}) {
	defer close(done)
	defer close(batches)
	for {
		if ctx.Err() != nil {
			return
		}
		batch, ok, err := adl.source.TryNext()
		if err == nil && !ok {
			return
		}
		select {
		case batches <- loadResult{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (adl *AsyncDataLoader) stopLocked() {
	if adl.cancel == nil {
		return
	}
	adl.cancel()
	<-adl.done
	adl.batches, adl.cancel, adl.done = nil, nil, nil
}
