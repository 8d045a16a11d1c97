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

package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/numaproj/snapshotter/pkg/event"
	"github.com/numaproj/snapshotter/pkg/metrics"
	"github.com/numaproj/snapshotter/pkg/shared/logging"
)

// Timer is a Scheduler backed by a single delivery goroutine and a min-heap of wake-ups.
// Wake-ups are delivered one at a time, in (time, arming order) order.
type Timer struct {
	name    string
	process ProcessFunc
	opts    *options
	mu      sync.Mutex
	queue   wakeupHeap
	// armed dedups identical (key, time) requests that are still queued
	armed   map[wakeupID]struct{}
	seq     uint64
	pending *atomic.Int64
	stopped bool
	started bool
	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	log     *zap.SugaredLogger
}

var _ Scheduler = (*Timer)(nil)
var _ Runner = (*Timer)(nil)

// NewTimer returns a Timer which delivers Timer events to process. name is used for logging and metrics.
func NewTimer(name string, process ProcessFunc, opts ...Option) *Timer {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return &Timer{
		name:    name,
		process: process,
		opts:    o,
		queue:   make(wakeupHeap, 0, o.bufferSize),
		armed:   make(map[wakeupID]struct{}),
		pending: atomic.NewInt64(0),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		log:     logging.NewLogger().With("scheduler", name),
	}
}

// NewTimerFactory returns a Factory building Timers with the given options.
func NewTimerFactory(name string, opts ...Option) Factory {
	return func(process ProcessFunc) Scheduler {
		return NewTimer(name, process, opts...)
	}
}

// NotifyAt queues a wake-up for key at the given epoch milliseconds. Wake-ups can be queued before Start.
func (s *Timer) NotifyAt(key string, at int64) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	id := wakeupID{at: at, key: key}
	if _, ok := s.armed[id]; ok {
		s.mu.Unlock()
		return nil
	}
	s.armed[id] = struct{}{}
	s.seq++
	heap.Push(&s.queue, &wakeup{at: at, key: key, seq: s.seq})
	s.mu.Unlock()

	s.pending.Inc()
	metrics.PendingTimers.WithLabelValues(s.name).Inc()
	// nudge the loop, it may be sleeping until a later wake-up
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued wake-ups.
func (s *Timer) Pending() int64 {
	return s.pending.Load()
}

// Start starts the delivery loop. Calling Start more than once has no effect.
func (s *Timer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.log = logging.FromContext(ctx).With("scheduler", s.name)
	go s.run(ctx)
}

// Stop stops the delivery loop and waits for the in-flight delivery to finish. Queued wake-ups are dropped.
func (s *Timer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stopCh)
	s.mu.Unlock()
	if started {
		<-s.doneCh
	}
	metrics.PendingTimers.WithLabelValues(s.name).Sub(float64(s.pending.Swap(0)))
}

func (s *Timer) run(ctx context.Context) {
	defer close(s.doneCh)
	s.log.Infow("Starting scheduler")
	for {
		due, next, ok := s.popDue()
		if len(due) > 0 {
			for _, w := range due {
				s.deliver(ctx, w)
			}
			continue
		}

		var timerCh <-chan time.Time
		var timer interface{ Stop() bool }
		if ok {
			wait := time.Duration(next-s.opts.clock.Now().UnixMilli()) * time.Millisecond
			t := s.opts.clock.NewTimer(wait)
			timer, timerCh = t, t.C()
		}
		select {
		case <-ctx.Done():
			s.log.Infow("Context done, stopping scheduler")
			stopTimer(timer)
			return
		case <-s.stopCh:
			s.log.Infow("Stopping scheduler")
			stopTimer(timer)
			return
		case <-s.wakeCh:
		case <-timerCh:
		}
		stopTimer(timer)
	}
}

func stopTimer(t interface{ Stop() bool }) {
	if t != nil {
		t.Stop()
	}
}

// popDue removes every wake-up which is due and returns them in delivery order, along with the time
// of the next wake-up if any is left.
func (s *Timer) popDue() ([]*wakeup, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.clock.Now().UnixMilli()
	var due []*wakeup
	for len(s.queue) > 0 && s.queue[0].at <= now {
		w := heap.Pop(&s.queue).(*wakeup)
		delete(s.armed, wakeupID{at: w.at, key: w.key})
		due = append(due, w)
	}
	if len(s.queue) == 0 {
		return due, 0, false
	}
	return due, s.queue[0].at, true
}

func (s *Timer) deliver(ctx context.Context, w *wakeup) {
	s.pending.Dec()
	metrics.PendingTimers.WithLabelValues(s.name).Dec()
	metrics.DeliveredTimersCount.WithLabelValues(s.name).Inc()
	metrics.DeliveryLag.WithLabelValues(s.name).Observe(float64(s.opts.clock.Now().UnixMilli() - w.at))
	if err := s.process(ctx, w.key, event.NewChunk(event.NewTimerEvent(w.at))); err != nil {
		s.log.Errorw("Failed to deliver timer event", zap.String("key", w.key), zap.Int64("at", w.at), zap.Error(err))
	}
}
