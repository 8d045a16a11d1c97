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
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/numaproj/snapshotter/pkg/event"
	"github.com/numaproj/snapshotter/pkg/state"
)

// rateLimiterState is the state of a single partition. Every field is guarded by mu.
type rateLimiterState struct {
	mu sync.Mutex
	// scheduledTime is the epoch milliseconds at or after which the next flush happens, 0 before the
	// partition is created
	scheduledTime int64
	// lastEvent is a copy of the most recent Current event, nil until the first one
	lastEvent *event.Event
	// pending holds events whose flush decision has not been applied yet. It is only filled by a
	// restore and drained by the next Process call of the partition.
	pending *event.Chunk
}

var _ state.State = (*rateLimiterState)(nil)

func newRateLimiterState() *rateLimiterState {
	return &rateLimiterState{pending: event.NewChunk()}
}

// CanDestroy returns true if the state is back to the condition it was created in.
func (s *rateLimiterState) CanDestroy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.IsEmpty() && s.scheduledTime == 0 && s.lastEvent == nil
}

// Snapshot captures the state. The returned snapshot shares no memory with the state.
func (s *rateLimiterState) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Snapshot{
		RetainedEvent:  s.lastEvent.Clone(),
		ScheduledTime:  s.scheduledTime,
		BufferedEvents: s.pending.Clone().Events(),
	}
}

// Restore replaces the state with the content of a snapshot produced by Snapshot.
func (s *rateLimiterState) Restore(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduledTime = snap.ScheduledTime
	s.lastEvent = snap.RetainedEvent.Clone()
	s.pending.Clear()
	for _, e := range snap.BufferedEvents {
		s.pending.Add(e.Clone())
	}
}

// Snapshot is the persisted form of a partition state.
type Snapshot struct {
	// RetainedEvent is the most recent Current event, nil if none was seen
	RetainedEvent *event.Event
	// ScheduledTime is the epoch milliseconds of the next flush
	ScheduledTime int64
	// BufferedEvents are events whose flush decision is still to be applied, in arrival order
	BufferedEvents []*event.Event
}

const snapshotVersion uint8 = 2

type snapshotPreamble struct {
	Version       uint8
	HasRetained   bool
	ScheduledTime int64
}

// MarshalBinary encodes the snapshot. The layout is
//
//	+-----------------+---------------------+----------------------+-----------------------+-----------------------+
//	| version (uint8) | has-retained (bool) | scheduled-time int64 | retained event (0..1) | buffered events (0..n) |
//	+-----------------+---------------------+----------------------+-----------------------+-----------------------+
//
// Both event lists are encoded with event.WriteEvents.
func (s Snapshot) MarshalBinary() ([]byte, error) {
	var buf = new(bytes.Buffer)
	var preamble = snapshotPreamble{
		Version:       snapshotVersion,
		HasRetained:   s.RetainedEvent != nil,
		ScheduledTime: s.ScheduledTime,
	}
	if err := binary.Write(buf, binary.LittleEndian, preamble); err != nil {
		return nil, err
	}
	var retained []*event.Event
	if s.RetainedEvent != nil {
		retained = []*event.Event{s.RetainedEvent}
	}
	if err := event.WriteEvents(buf, retained); err != nil {
		return nil, fmt.Errorf("failed to encode the retained event: %w", err)
	}
	if err := event.WriteEvents(buf, s.BufferedEvents); err != nil {
		return nil, fmt.Errorf("failed to encode the buffered events: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a snapshot encoded by MarshalBinary.
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	var r = bytes.NewReader(data)
	var preamble = new(snapshotPreamble)
	if err := binary.Read(r, binary.LittleEndian, preamble); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if preamble.Version != snapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, preamble.Version)
	}
	retained, err := event.ReadEvents(r)
	if err != nil {
		return fmt.Errorf("%w: retained event: %w", ErrCorruptSnapshot, err)
	}
	if preamble.HasRetained != (len(retained) == 1) || len(retained) > 1 {
		return fmt.Errorf("%w: expected retained event presence %t, found %d events", ErrCorruptSnapshot, preamble.HasRetained, len(retained))
	}
	buffered, err := event.ReadEvents(r)
	if err != nil {
		return fmt.Errorf("%w: buffered events: %w", ErrCorruptSnapshot, err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, r.Len())
	}
	s.RetainedEvent = nil
	if len(retained) == 1 {
		s.RetainedEvent = retained[0]
	}
	s.ScheduledTime = preamble.ScheduledTime
	s.BufferedEvents = buffered
	return nil
}
