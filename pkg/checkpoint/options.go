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

package checkpoint

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

type options struct {
	// interval is the time between two checkpoints
	interval time.Duration
	// retryBackoff bounds the retries of a failed write
	retryBackoff wait.Backoff
	// clock stamps the checkpoints
	clock clock.PassiveClock
}

func defaultOptions() *options {
	return &options{
		interval: 30 * time.Second,
		retryBackoff: wait.Backoff{
			Steps:    5,
			Duration: 100 * time.Millisecond,
			Factor:   2.0,
			Jitter:   0.1,
		},
		clock: clock.RealClock{},
	}
}

type Option func(*options) error

// WithInterval sets the time between two checkpoints. cron schedules have a one second resolution.
func WithInterval(d time.Duration) Option {
	return func(o *options) error {
		if d < time.Second {
			return fmt.Errorf("checkpoint interval must be at least 1s, got %v", d)
		}
		o.interval = d
		return nil
	}
}

// WithRetryBackoff sets the backoff used to retry a failed write.
func WithRetryBackoff(b wait.Backoff) Option {
	return func(o *options) error {
		if b.Steps < 1 {
			return fmt.Errorf("retry backoff needs at least one step")
		}
		o.retryBackoff = b
		return nil
	}
}

// WithClock sets the clock used to stamp the checkpoints.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) error {
		o.clock = c
		return nil
	}
}
