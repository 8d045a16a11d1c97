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

package event

// Chunk is an ordered sequence of events. The iteration order is the delivery order and is
// preserved by every operation. A Chunk is not safe for concurrent use.
type Chunk struct {
	events []*Event
}

// NewChunk returns a chunk holding the given events in order.
func NewChunk(events ...*Event) *Chunk {
	c := &Chunk{events: make([]*Event, 0, len(events))}
	c.events = append(c.events, events...)
	return c
}

// Add appends an event at the tail of the chunk.
func (c *Chunk) Add(e *Event) {
	c.events = append(c.events, e)
}

// Len returns the number of events in the chunk.
func (c *Chunk) Len() int {
	if c == nil {
		return 0
	}
	return len(c.events)
}

// IsEmpty returns true if the chunk holds no events. An empty chunk emitted by the limiter is a
// heartbeat.
func (c *Chunk) IsEmpty() bool {
	return c.Len() == 0
}

// First returns the head of the chunk or nil.
func (c *Chunk) First() *Event {
	if c.Len() == 0 {
		return nil
	}
	return c.events[0]
}

// Events returns a copy of the event list, the events themselves are shared.
func (c *Chunk) Events() []*Event {
	if c == nil {
		return nil
	}
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

// Retain visits every event in order and keeps only the ones for which keep returns true.
// Events are visited exactly once, even those that end up removed.
func (c *Chunk) Retain(keep func(e *Event) bool) {
	kept := c.events[:0]
	for _, e := range c.events {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	// drop the references held by the tail
	for i := len(kept); i < len(c.events); i++ {
		c.events[i] = nil
	}
	c.events = kept
}

// Clear removes all the events.
func (c *Chunk) Clear() {
	c.events = c.events[:0]
}

// Clone returns a deep copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	out := &Chunk{events: make([]*Event, 0, c.Len())}
	if c == nil {
		return out
	}
	for _, e := range c.events {
		out.events = append(out.events, e.Clone())
	}
	return out
}
