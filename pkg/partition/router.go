/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package partition

import (
	"context"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/numaproj/snapshotter/pkg/event"
	"github.com/numaproj/snapshotter/pkg/shared/logging"
)

// KeySeparator joins the keys of an event into its partition key.
const KeySeparator = ":"

// Key returns the partition key of the event. An event without keys belongs to the global partition.
func Key(e *event.Event) string {
	return strings.Join(e.Keys, KeySeparator)
}

// Processor is the limiter the router feeds.
type Processor interface {
	// PartitionKey maps an event key to the key of the partition holding its state.
	PartitionKey(key string) string
	// PartitionCreated is called once per partition, before its first chunk.
	PartitionCreated(ctx context.Context, key string) error
	// Process processes a chunk of events of one partition.
	Process(ctx context.Context, key string, chunk *event.Chunk) error
}

// ErrorHandler decides what happens when the processor fails. Returning an error stops the router.
type ErrorHandler func(key string, err error) error

type options struct {
	// workers is the number of goroutines processing partitions
	workers int
	// bufferSize is the capacity of the channel of each worker
	bufferSize int
	// batchSize is the maximum number of events drained from a worker channel at once
	batchSize int
	// errorHandler is called with every processing error
	errorHandler ErrorHandler
}

// Option configures a Router.
type Option func(*options) error

// WithWorkers sets the number of workers. Events of one partition always go to the same worker.
func WithWorkers(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("workers must be positive, got %d", n)
		}
		o.workers = n
		return nil
	}
}

// WithBufferSize sets the capacity of the channel in front of each worker.
func WithBufferSize(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return fmt.Errorf("buffer size must not be negative, got %d", n)
		}
		o.bufferSize = n
		return nil
	}
}

// WithBatchSize caps how many already queued events a worker takes at once.
func WithBatchSize(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("batch size must be positive, got %d", n)
		}
		o.batchSize = n
		return nil
	}
}

// WithErrorHandler sets the handler called when the processor returns an error.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) error {
		o.errorHandler = h
		return nil
	}
}

// Router shards events onto workers by partition key.
type Router struct {
	processor Processor
	opts      *options
	workers   []*worker
	log       *zap.SugaredLogger
}

type worker struct {
	index int
	ch    chan keyedEvent
	// created holds the partitions the worker already announced
	created map[string]struct{}
}

type keyedEvent struct {
	key   string
	event *event.Event
}

// NewRouter returns a router feeding processor.
func NewRouter(ctx context.Context, processor Processor, opts ...Option) (*Router, error) {
	o := &options{workers: 4, bufferSize: 256, batchSize: 64}
	for _, opt := range opts {
		if opt != nil {
			if err := opt(o); err != nil {
				return nil, err
			}
		}
	}
	log := logging.FromContext(ctx)
	if o.errorHandler == nil {
		o.errorHandler = func(key string, err error) error {
			log.Errorw("Failed to process partition", zap.String("key", key), zap.Error(err))
			return nil
		}
	}
	r := &Router{
		processor: processor,
		opts:      o,
		workers:   make([]*worker, o.workers),
		log:       log,
	}
	for i := range r.workers {
		r.workers[i] = &worker{
			index:   i,
			ch:      make(chan keyedEvent, o.bufferSize),
			created: make(map[string]struct{}),
		}
	}
	return r, nil
}

func (r *Router) workerFor(key string) *worker {
	return r.workers[xxhash.Sum64String(key)%uint64(len(r.workers))]
}

// Seed marks partitions as already created, so they are not announced again. It is used for the
// partitions restored from a checkpoint and must be called before Run.
func (r *Router) Seed(keys ...string) {
	for _, key := range keys {
		r.workerFor(key).created[key] = struct{}{}
	}
}

// Run routes the events of in until in is closed or ctx is done. It returns once every routed event
// has been processed.
func (r *Router) Run(ctx context.Context, in <-chan *event.Event) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		w := w
		g.Go(func() error {
			return r.runWorker(gCtx, w)
		})
	}
	g.Go(func() error {
		defer func() {
			for _, w := range r.workers {
				close(w.ch)
			}
		}()
		for {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case e, ok := <-in:
				if !ok {
					return nil
				}
				key := r.processor.PartitionKey(Key(e))
				select {
				case r.workerFor(key).ch <- keyedEvent{key: key, event: e}:
				case <-gCtx.Done():
					return gCtx.Err()
				}
			}
		}
	})
	return g.Wait()
}

func (r *Router) runWorker(ctx context.Context, w *worker) error {
	log := r.log.With("worker", w.index)
	for first := range w.ch {
		batch := []keyedEvent{first}
	drain:
		for len(batch) < r.opts.batchSize {
			select {
			case ke, ok := <-w.ch:
				if !ok {
					break drain
				}
				batch = append(batch, ke)
			default:
				break drain
			}
		}
		if err := r.processBatch(ctx, w, batch); err != nil {
			// the dispatcher stops on the cancelled group context
			log.Errorw("Stopping worker", zap.Error(err))
			return err
		}
	}
	return nil
}

// processBatch processes runs of consecutive events of the same partition as one chunk each.
func (r *Router) processBatch(ctx context.Context, w *worker, batch []keyedEvent) error {
	for start := 0; start < len(batch); {
		key := batch[start].key
		end := start + 1
		for end < len(batch) && batch[end].key == key {
			end++
		}
		chunk := event.NewChunk()
		for _, ke := range batch[start:end] {
			chunk.Add(ke.event)
		}
		start = end

		if _, ok := w.created[key]; !ok {
			w.created[key] = struct{}{}
			if err := r.processor.PartitionCreated(ctx, key); err != nil {
				if hErr := r.opts.errorHandler(key, err); hErr != nil {
					return hErr
				}
			}
		}
		if err := r.processor.Process(ctx, key, chunk); err != nil {
			if hErr := r.opts.errorHandler(key, err); hErr != nil {
				return hErr
			}
		}
	}
	return nil
}
