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

// Package event defines the events flowing through the snapshot rate limiter and the ordered
// chunks they travel in.
package event

import (
	"time"
)

// Type is the tag of an event.
type Type int16

const (
	Current Type = 1 << iota // a newly computed result
	Expired                  // retraction of a previously emitted result
	Timer                    // synthetic wake-up delivered by the scheduler
)

func (t Type) String() string {
	switch t {
	case Current:
		return "Current"
	case Expired:
		return "Expired"
	case Timer:
		return "Timer"
	default:
		return "Unknown"
	}
}

// ParseType converts the string form of a Type back to the Type.
func ParseType(s string) (Type, bool) {
	switch s {
	case "Current", "current", "CURRENT":
		return Current, true
	case "Expired", "expired", "EXPIRED":
		return Expired, true
	case "Timer", "timer", "TIMER":
		return Timer, true
	default:
		return 0, false
	}
}

// Header is the header of the event.
type Header struct {
	// Type tags the event.
	Type Type
	// Timestamp is the event time in epoch milliseconds. For Timer events it is the
	// time the wake-up was requested for.
	Timestamp int64
	// ID identifies the event, it is empty for Timer events.
	ID string
	// Keys are the group-by keys of the event.
	Keys []string
}

// Body is the body of the event.
type Body struct {
	Payload []byte
}

// Event is a single record flowing through the limiter. It is treated as immutable once it
// has been handed to the limiter.
type Event struct {
	Header
	Body
}

// NewTimerEvent returns a Timer event for the given wake-up time.
func NewTimerEvent(at int64) *Event {
	return &Event{Header: Header{Type: Timer, Timestamp: at}}
}

// EventTime returns the timestamp as time.Time.
func (e *Event) EventTime() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// Clone returns a deep copy of the event, the clone shares no memory with the original.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := &Event{
		Header: Header{
			Type:      e.Type,
			Timestamp: e.Timestamp,
			ID:        e.ID,
		},
	}
	if e.Keys != nil {
		c.Keys = make([]string, len(e.Keys))
		copy(c.Keys, e.Keys)
	}
	if e.Payload != nil {
		c.Payload = make([]byte, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	return c
}
