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

package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/numaproj/snapshotter/pkg/metrics"
	"github.com/numaproj/snapshotter/pkg/shared/logging"
)

type entry[S State] struct {
	state S
	// refs is the number of outstanding checkouts
	refs int
}

// Holder manages the lifecycle of the per partition states of one component.
// The holder lock is never held while the caller works on a state, so states of different
// partitions never contend with each other.
type Holder[S State] struct {
	name    string
	factory Factory[S]
	opts    *options
	states  map[string]*entry[S]
	closed  bool
	log     *zap.SugaredLogger
	sync.Mutex
}

// NewHolder returns a new Holder. name is used for logging and metrics.
func NewHolder[S State](ctx context.Context, name string, factory Factory[S], opts ...Option) (*Holder[S], error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			if err := opt(o); err != nil {
				return nil, err
			}
		}
	}
	if factory == nil {
		return nil, fmt.Errorf("state factory for %q is nil", name)
	}
	return &Holder[S]{
		name:    name,
		factory: factory,
		opts:    o,
		states:  make(map[string]*entry[S]),
		log:     logging.FromContext(ctx).With("stateHolder", name),
	}, nil
}

// Checkout returns the state of the partition, creating it if it does not exist. isNew is true if the
// state was created by this call. Every successful Checkout must be paired with a Checkin.
func (h *Holder[S]) Checkout(_ context.Context, key string) (s S, isNew bool, err error) {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return s, false, ErrHolderClosed
	}
	e, ok := h.states[key]
	if !ok {
		if h.opts.maxPartitions > 0 && len(h.states) >= h.opts.maxPartitions {
			return s, false, fmt.Errorf("failed to create state for partition %q, limit %d: %w", key, h.opts.maxPartitions, ErrTooManyPartitions)
		}
		e = &entry[S]{state: h.factory()}
		h.states[key] = e
		isNew = true
		metrics.ActivePartitionCount.WithLabelValues(h.name).Inc()
	}
	e.refs++
	return e.state, isNew, nil
}

// Checkin returns a state obtained from Checkout. The state is destroyed when it is the last
// outstanding checkout and the state reports it can be destroyed.
func (h *Holder[S]) Checkin(key string, _ S) error {
	h.Lock()
	defer h.Unlock()
	e, ok := h.states[key]
	if !ok || e.refs == 0 {
		return fmt.Errorf("failed to check in state for partition %q: %w", key, ErrUnknownPartition)
	}
	e.refs--
	if e.refs == 0 && e.state.CanDestroy() {
		h.destroy(key)
	}
	return nil
}

// destroy must be called with the holder lock held.
func (h *Holder[S]) destroy(key string) {
	delete(h.states, key)
	if !h.closed {
		metrics.ActivePartitionCount.WithLabelValues(h.name).Dec()
	}
	metrics.DestroyedPartitionCount.WithLabelValues(h.name).Inc()
	h.log.Debugw("Destroyed partition state", zap.String("key", key))
}

// Range checks out every live state, calls fn for each of them in key order and checks them back in.
// Errors returned by fn do not stop the iteration, they are combined in the returned error.
func (h *Holder[S]) Range(ctx context.Context, fn func(key string, s S) error) error {
	keys := h.Keys()
	var err error
	for _, key := range keys {
		s, gone, cErr := h.checkoutExisting(key)
		if cErr != nil {
			err = multierr.Append(err, cErr)
			continue
		}
		if gone {
			// destroyed between listing and checkout
			continue
		}
		err = multierr.Append(err, fn(key, s))
		err = multierr.Append(err, h.Checkin(key, s))
		if ctx.Err() != nil {
			return multierr.Append(err, ctx.Err())
		}
	}
	return err
}

// checkoutExisting checks out a state only if it is still alive, gone is true if it was destroyed.
func (h *Holder[S]) checkoutExisting(key string) (s S, gone bool, err error) {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return s, false, ErrHolderClosed
	}
	e, ok := h.states[key]
	if !ok {
		return s, true, nil
	}
	e.refs++
	return e.state, false, nil
}

// Keys returns the keys of the live states, sorted.
func (h *Holder[S]) Keys() []string {
	h.Lock()
	defer h.Unlock()
	keys := make([]string, 0, len(h.states))
	for k := range h.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live states.
func (h *Holder[S]) Len() int {
	h.Lock()
	defer h.Unlock()
	return len(h.states)
}

// Close closes the holder, further checkouts fail with ErrHolderClosed. Checkins are still accepted.
func (h *Holder[S]) Close() {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	metrics.ActivePartitionCount.WithLabelValues(h.name).Sub(float64(len(h.states)))
	h.log.Infow("Closed state holder", zap.Int("partitions", len(h.states)))
}
