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

// Package snapshot implements the periodic snapshot output rate limiter.
//
// Instead of forwarding every result, the limiter retains the most recent Current event of every
// partition and emits a clone of it once per configured interval, aligned to the wall clock time the
// partition was created at. A partition which has not seen any Current event emits an empty chunk, a
// heartbeat marking that the period elapsed.
//
// Each partition owns one state (next flush time, retained event, pending buffer) guarded by its own
// mutex, and one armed wake-up in the scheduler. Timer events produced by the scheduler are fed into the
// same Process entry point as regular events. A Timer delivered before the partition's current flush
// time is a no-op, so re-arming never needs to cancel an earlier wake-up.
//
// The limiter catches up one interval per flush decision: an event far past the flush time causes a
// single flush, the following Timer events drive the remaining ones.
package snapshot
