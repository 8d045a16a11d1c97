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

// Package checkpoint persists the partition snapshots of a limiter and restores them on startup.
//
// A Checkpoint holds the encoded snapshot of every live partition of one limiter at one point in
// time. Stores keep whole checkpoints, the newest complete one is used for recovery.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Latest when the store holds no checkpoint, and by Delete for an unknown id.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrChecksumMismatch is returned when a checkpoint entry does not match its checksum.
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
	// ErrUnrestorable marks a single checkpoint entry that cannot be restored. Recover skips such
	// entries and restores the rest.
	ErrUnrestorable = errors.New("checkpoint entry cannot be restored")
)

// Checkpoint is the state of one limiter at one point in time.
type Checkpoint struct {
	// ID uniquely identifies the checkpoint.
	ID string
	// CreatedAt is the time the partitions were captured.
	CreatedAt time.Time
	// Limiter is the name of the limiter the checkpoint belongs to.
	Limiter string
	// Entries maps a partition key to its encoded snapshot.
	Entries map[string][]byte
}

// Store persists checkpoints.
type Store interface {
	// Name returns the store type, used in logs and metrics.
	Name() string
	// Write persists the checkpoint. A checkpoint is either fully written or not visible at all.
	Write(ctx context.Context, cp *Checkpoint) error
	// Latest returns the most recent complete checkpoint, or ErrNotFound.
	Latest(ctx context.Context) (*Checkpoint, error)
	// Delete removes the checkpoint with the given id.
	Delete(ctx context.Context, id string) error
	// Close releases the resources of the store.
	Close() error
}

// Snapshotter is the state a Checkpointer captures and restores. RestoreState wraps the error of an
// entry it could not decode with ErrUnrestorable.
type Snapshotter interface {
	Name() string
	SnapshotState(ctx context.Context) (map[string][]byte, error)
	RestoreState(ctx context.Context, snapshots map[string][]byte) error
}
