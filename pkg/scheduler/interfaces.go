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

// Package scheduler turns a requested wake-up time into an asynchronous Timer event delivered
// into the processing entry point of a limiter.
//
// A wake-up is never delivered before the requested time. Re-arming does not cancel earlier
// requests, a consumer is expected to ignore Timer events that arrive before the time it is
// currently waiting for.
package scheduler

import (
	"context"
	"errors"

	"github.com/numaproj/snapshotter/pkg/event"
)

// ErrSchedulerStopped is returned when a wake-up is requested after the scheduler has been stopped.
var ErrSchedulerStopped = errors.New("scheduler is stopped")

// Scheduler accepts wake-up requests.
type Scheduler interface {
	// NotifyAt requests a Timer event with Timestamp at (epoch milliseconds) to be delivered for the
	// partition key at or after at.
	NotifyAt(key string, at int64) error
}

// Runner is implemented by schedulers that own a delivery loop.
type Runner interface {
	// Start starts the delivery loop, it returns immediately.
	Start(ctx context.Context)
	// Stop stops the delivery loop and waits for it to exit.
	Stop()
}

// ProcessFunc is the entry point the Timer events are delivered to. The chunk always holds a single
// Timer event.
type ProcessFunc func(ctx context.Context, key string, chunk *event.Chunk) error

// Factory builds the scheduler for a limiter given the limiter's entry point.
type Factory func(process ProcessFunc) Scheduler
