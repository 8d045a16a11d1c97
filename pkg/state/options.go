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

type options struct {
	// maxPartitions bounds the number of live states, 0 means unbounded
	maxPartitions int
}

func defaultOptions() *options {
	return &options{
		maxPartitions: 0,
	}
}

// Option to apply different options
type Option func(*options) error

// WithMaxPartitions sets the maximum number of live partition states
func WithMaxPartitions(n int) Option {
	return func(o *options) error {
		o.maxPartitions = n
		return nil
	}
}
