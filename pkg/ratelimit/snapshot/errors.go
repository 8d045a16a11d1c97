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

import "errors"

var (
	// ErrStateAccess is returned when the partition state cannot be checked out or checked in.
	ErrStateAccess = errors.New("partition state access failed")
	// ErrSchedulerArm is returned when the scheduler refuses a wake-up. The flush which requested it stands.
	ErrSchedulerArm = errors.New("failed to arm the scheduler")
	// ErrInvalidInterval is returned when the limiter is built with an interval below one millisecond.
	ErrInvalidInterval = errors.New("interval must be at least one millisecond")
	// ErrSnapshotVersion is returned when restoring a snapshot written with an unknown format version.
	ErrSnapshotVersion = errors.New("unsupported snapshot version")
	// ErrCorruptSnapshot is returned when a snapshot cannot be decoded.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)
