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

package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/numaproj/snapshotter/pkg/checkpoint"
	"github.com/numaproj/snapshotter/pkg/event"
	"github.com/numaproj/snapshotter/pkg/metrics"
	"github.com/numaproj/snapshotter/pkg/scheduler"
	"github.com/numaproj/snapshotter/pkg/shared/logging"
	"github.com/numaproj/snapshotter/pkg/state"
)

// GlobalPartition is the partition key used when the limiter does not group by key.
const GlobalPartition = ""

// Callback receives the output chunks of the limiter, in generation order. An empty chunk is a heartbeat.
type Callback func(ctx context.Context, key string, chunk *event.Chunk) error

// Limiter is the periodic snapshot output rate limiter.
type Limiter struct {
	name      string
	interval  int64
	groupBy   bool
	clock     clock.PassiveClock
	holder    *state.Holder[*rateLimiterState]
	scheduler scheduler.Scheduler
	callbacks []Callback
	cbLock    sync.RWMutex
	stopped   *atomic.Bool
	log       *zap.SugaredLogger
}

var _ metrics.HealthChecker = (*Limiter)(nil)

// NewLimiter returns a limiter emitting the latest Current event of each partition once per interval.
// name identifies the limiter in logs and metrics.
func NewLimiter(ctx context.Context, name string, interval time.Duration, opts ...Option) (*Limiter, error) {
	if interval < time.Millisecond {
		return nil, fmt.Errorf("%w, got %v", ErrInvalidInterval, interval)
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			if err := opt(o); err != nil {
				return nil, err
			}
		}
	}

	holder, err := state.NewHolder[*rateLimiterState](ctx, name, newRateLimiterState, o.stateOptions...)
	if err != nil {
		return nil, err
	}
	l := &Limiter{
		name:      name,
		interval:  interval.Milliseconds(),
		groupBy:   o.groupBy,
		clock:     o.clock,
		holder:    holder,
		callbacks: o.callbacks,
		stopped:   atomic.NewBool(false),
		log:       logging.FromContext(ctx).With("limiter", name),
	}
	factory := o.schedulerFactory
	if factory == nil {
		factory = scheduler.NewTimerFactory(name, scheduler.WithClock(o.clock))
	}
	l.scheduler = factory(l.Process)
	return l, nil
}

// Name returns the name of the limiter.
func (l *Limiter) Name() string {
	return l.name
}

// Interval returns the flush interval.
func (l *Limiter) Interval() time.Duration {
	return time.Duration(l.interval) * time.Millisecond
}

// AddCallback registers a downstream callback.
func (l *Limiter) AddCallback(cb Callback) {
	l.cbLock.Lock()
	defer l.cbLock.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

// Start starts the scheduler of the limiter if it owns a delivery loop.
func (l *Limiter) Start(ctx context.Context) {
	if r, ok := l.scheduler.(scheduler.Runner); ok {
		r.Start(ctx)
	}
}

// Stop stops the scheduler and closes the state holder. Process fails after Stop.
func (l *Limiter) Stop() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}
	if r, ok := l.scheduler.(scheduler.Runner); ok {
		r.Stop()
	}
	l.holder.Close()
}

// IsHealthy returns an error once the limiter is stopped.
func (l *Limiter) IsHealthy(_ context.Context) error {
	if l.stopped.Load() {
		return fmt.Errorf("limiter %q is stopped", l.name)
	}
	return nil
}

// Partitions returns the keys of the live partitions.
func (l *Limiter) Partitions() []string {
	return l.holder.Keys()
}

// PartitionKey maps a key to the partition the limiter keeps state for.
func (l *Limiter) PartitionKey(key string) string {
	if !l.groupBy {
		return GlobalPartition
	}
	return key
}

// PartitionCreated arms the first flush of a new partition one interval from now.
func (l *Limiter) PartitionCreated(ctx context.Context, key string) (err error) {
	key = l.PartitionKey(key)
	s, _, cErr := l.holder.Checkout(ctx, key)
	if cErr != nil {
		metrics.ErrorsCount.WithLabelValues(l.name, "state_access").Inc()
		return fmt.Errorf("%w: checkout of partition %q: %w", ErrStateAccess, key, cErr)
	}
	defer func() {
		err = multierr.Append(err, l.checkin(key, s))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduledTime = l.clock.Now().UnixMilli() + l.interval
	return l.arm(key, s.scheduledTime)
}

// Process runs the chunk of one partition through the limiter. Current events are consumed and removed
// from the chunk, Timer events are consumed and discarded, other events are left in the chunk. The output
// chunks are handed to the callbacks before Process returns.
func (l *Limiter) Process(ctx context.Context, key string, chunk *event.Chunk) error {
	start := time.Now()
	key = l.PartitionKey(key)
	outputs, err := l.processChunk(ctx, key, chunk)
	// a scheduler failure does not revoke the flushes already decided
	err = multierr.Append(err, l.sendToCallbacks(ctx, key, outputs))
	metrics.ProcessingTime.WithLabelValues(l.name).Observe(float64(time.Since(start).Microseconds()))
	return err
}

func (l *Limiter) processChunk(ctx context.Context, key string, chunk *event.Chunk) (outputs []*event.Chunk, err error) {
	s, _, cErr := l.holder.Checkout(ctx, key)
	if cErr != nil {
		metrics.ErrorsCount.WithLabelValues(l.name, "state_access").Inc()
		return nil, fmt.Errorf("%w: checkout of partition %q: %w", ErrStateAccess, key, cErr)
	}
	defer func() {
		err = multierr.Append(err, l.checkin(key, s))
	}()

	// the whole chunk is drained under one lock so a Timer and a Current event of the same
	// partition never interleave
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending.IsEmpty() {
		// events restored from a snapshot go first, they arrived before anything in this chunk
		pending := s.pending
		s.pending = event.NewChunk()
		pending.Retain(func(e *event.Event) bool {
			err = multierr.Append(err, l.apply(key, e, s, &outputs))
			return false
		})
	}
	chunk.Retain(func(e *event.Event) bool {
		err = multierr.Append(err, l.apply(key, e, s, &outputs))
		return e.Type != event.Current && e.Type != event.Timer
	})
	return outputs, err
}

// apply classifies one event, runs the flush decision and updates the retained event. Must be called
// with the state lock held.
func (l *Limiter) apply(key string, e *event.Event, s *rateLimiterState, outputs *[]*event.Chunk) error {
	metrics.ProcessedEventsCount.WithLabelValues(l.name, e.Type.String()).Inc()
	err := l.tryFlush(key, e, s, outputs)
	if e.Type == event.Current {
		// the flush decision sees the previously retained event
		s.lastEvent = e.Clone()
	}
	return err
}

// tryFlush emits the retained event if the flush time of the partition has been reached and advances
// the flush time by exactly one interval. Must be called with the state lock held.
func (l *Limiter) tryFlush(key string, e *event.Event, s *rateLimiterState, outputs *[]*event.Chunk) error {
	if e.Timestamp < s.scheduledTime {
		return nil
	}
	out := event.NewChunk()
	if s.lastEvent != nil {
		out.Add(s.lastEvent.Clone())
	} else {
		metrics.HeartbeatCount.WithLabelValues(l.name).Inc()
	}
	*outputs = append(*outputs, out)
	metrics.FlushCount.WithLabelValues(l.name).Inc()
	s.scheduledTime += l.interval
	return l.arm(key, s.scheduledTime)
}

func (l *Limiter) arm(key string, at int64) error {
	if err := l.scheduler.NotifyAt(key, at); err != nil {
		metrics.ErrorsCount.WithLabelValues(l.name, "scheduler_arm").Inc()
		l.log.Errorw("Failed to arm the scheduler, the next snapshot of the partition may be missed",
			zap.String("key", key), zap.Int64("at", at), zap.Error(err))
		return fmt.Errorf("%w: partition %q at %d: %w", ErrSchedulerArm, key, at, err)
	}
	return nil
}

func (l *Limiter) checkin(key string, s *rateLimiterState) error {
	if err := l.holder.Checkin(key, s); err != nil {
		metrics.ErrorsCount.WithLabelValues(l.name, "state_access").Inc()
		return fmt.Errorf("%w: checkin of partition %q: %w", ErrStateAccess, key, err)
	}
	return nil
}

// sendToCallbacks hands every output chunk, in order, to every callback. A failing callback does not
// prevent the others from receiving the chunk.
func (l *Limiter) sendToCallbacks(ctx context.Context, key string, outputs []*event.Chunk) error {
	if len(outputs) == 0 {
		return nil
	}
	l.cbLock.RLock()
	callbacks := l.callbacks
	l.cbLock.RUnlock()

	var err error
	for _, out := range outputs {
		for _, cb := range callbacks {
			if cbErr := cb(ctx, key, out); cbErr != nil {
				metrics.ErrorsCount.WithLabelValues(l.name, "callback").Inc()
				err = multierr.Append(err, fmt.Errorf("callback failed for partition %q: %w", key, cbErr))
			}
		}
	}
	return err
}

// SnapshotState captures every live partition. The returned map is keyed by partition key and holds
// encoded Snapshot values.
func (l *Limiter) SnapshotState(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := l.holder.Range(ctx, func(key string, s *rateLimiterState) error {
		data, err := s.Snapshot().MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode snapshot of partition %q: %w", key, err)
		}
		out[key] = data
		return nil
	})
	return out, err
}

// RestoreState rebuilds the partitions from encoded snapshots produced by SnapshotState and re-arms the
// scheduler for every restored flush time. A partition which fails to restore is reported and skipped,
// the remaining ones are still restored. Decode failures wrap checkpoint.ErrUnrestorable.
func (l *Limiter) RestoreState(ctx context.Context, snapshots map[string][]byte) error {
	var err error
	for key, data := range snapshots {
		snap := new(Snapshot)
		if dErr := snap.UnmarshalBinary(data); dErr != nil {
			metrics.ErrorsCount.WithLabelValues(l.name, "restore").Inc()
			err = multierr.Append(err, fmt.Errorf("%w: failed to decode snapshot of partition %q: %w", checkpoint.ErrUnrestorable, key, dErr))
			continue
		}
		err = multierr.Append(err, l.restorePartition(ctx, key, snap))
	}
	l.log.Infow("Restored partitions", zap.Int("count", len(snapshots)), zap.Error(err))
	return err
}

func (l *Limiter) restorePartition(ctx context.Context, key string, snap *Snapshot) (err error) {
	s, _, cErr := l.holder.Checkout(ctx, key)
	if cErr != nil {
		metrics.ErrorsCount.WithLabelValues(l.name, "state_access").Inc()
		return fmt.Errorf("%w: checkout of partition %q: %w", ErrStateAccess, key, cErr)
	}
	defer func() {
		err = multierr.Append(err, l.checkin(key, s))
	}()
	s.Restore(snap)
	if snap.ScheduledTime != 0 {
		// an overdue flush time fires on the next scheduler tick
		return l.arm(key, snap.ScheduledTime)
	}
	return nil
}
