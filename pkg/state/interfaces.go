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

// Package state holds the per partition states of a component. A state is lazily materialized the
// first time its partition is checked out, is exclusively owned by the Holder for its lifetime, and
// is destroyed once it is checked in, no checkout is outstanding and it reports itself destroyable.
package state

import "errors"

var (
	// ErrHolderClosed is returned when a state is checked out from a closed holder.
	ErrHolderClosed = errors.New("state holder is closed")
	// ErrTooManyPartitions is returned when a checkout would exceed the configured partition limit.
	ErrTooManyPartitions = errors.New("too many partitions")
	// ErrUnknownPartition is returned when a state is checked in for a partition with no outstanding checkout.
	ErrUnknownPartition = errors.New("partition has no outstanding checkout")
)

// State is a per partition state.
type State interface {
	// CanDestroy returns true if the state is back to its pristine condition and can be garbage collected.
	// It must not have side effects.
	CanDestroy() bool
}

// Factory creates a pristine state.
type Factory[S State] func() S
