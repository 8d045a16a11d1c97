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
	"k8s.io/utils/clock"

	"github.com/numaproj/snapshotter/pkg/scheduler"
	"github.com/numaproj/snapshotter/pkg/state"
)

type options struct {
	// groupBy keeps one state per partition key, otherwise every event maps to the global partition
	groupBy bool
	// clock is the source of the wall clock time used when a partition is created
	clock clock.WithTicker
	// schedulerFactory builds the scheduler owned by the limiter, nil means a scheduler.Timer
	schedulerFactory scheduler.Factory
	// stateOptions are passed to the state holder
	stateOptions []state.Option
	// callbacks receive the output chunks
	callbacks []Callback
}

func defaultOptions() *options {
	return &options{
		groupBy: true,
		clock:   clock.RealClock{},
	}
}

// Option to apply different options
type Option func(*options) error

// WithGroupBy sets whether the limiter keeps one state per partition key
func WithGroupBy(groupBy bool) Option {
	return func(o *options) error {
		o.groupBy = groupBy
		return nil
	}
}

// WithClock sets the clock, it is also handed to the default scheduler
func WithClock(c clock.WithTicker) Option {
	return func(o *options) error {
		o.clock = c
		return nil
	}
}

// WithSchedulerFactory sets the factory building the scheduler of the limiter
func WithSchedulerFactory(f scheduler.Factory) Option {
	return func(o *options) error {
		o.schedulerFactory = f
		return nil
	}
}

// WithStateOptions sets the options of the partition state holder
func WithStateOptions(opts ...state.Option) Option {
	return func(o *options) error {
		o.stateOptions = append(o.stateOptions, opts...)
		return nil
	}
}

// WithCallback registers a downstream callback
func WithCallback(cb Callback) Option {
	return func(o *options) error {
		o.callbacks = append(o.callbacks, cb)
		return nil
	}
}
