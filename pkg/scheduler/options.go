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
	"k8s.io/utils/clock"
)

type options struct {
	// clock is the source of time for the delivery loop
	clock clock.WithTicker
	// bufferSize is the initial capacity of the wake-up queue
	bufferSize int
}

func defaultOptions() *options {
	return &options{
		clock:      clock.RealClock{},
		bufferSize: 64,
	}
}

// Option to apply different options
type Option func(*options)

// WithClock sets the clock used to decide when a wake-up is due
func WithClock(c clock.WithTicker) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithBufferSize sets the initial capacity of the wake-up queue
func WithBufferSize(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}
