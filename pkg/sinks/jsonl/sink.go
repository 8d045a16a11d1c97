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

// Package jsonl writes the output chunks of a limiter as JSON lines, one line per chunk.
package jsonl

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/goccy/go-json"

	"github.com/numaproj/snapshotter/pkg/event"
)

// Line is the JSON form of one output chunk. A heartbeat has no events.
type Line struct {
	Limiter string        `json:"limiter"`
	Key     string        `json:"key"`
	Events  []EventRecord `json:"events"`
}

type EventRecord struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
	Keys      []string        `json:"keys,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Sink writes lines to a writer. It is safe for concurrent use.
type Sink struct {
	mu  sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder
}

func NewSink(w io.Writer) *Sink {
	bw := bufio.NewWriter(w)
	return &Sink{w: bw, enc: json.NewEncoder(bw)}
}

// ToRecord converts an event to its JSON form.
func ToRecord(e *event.Event) EventRecord {
	rec := EventRecord{
		Type:      e.Type.String(),
		Timestamp: e.Timestamp,
		ID:        e.ID,
		Keys:      e.Keys,
	}
	if len(e.Payload) > 0 {
		if json.Valid(e.Payload) {
			rec.Payload = json.RawMessage(e.Payload)
		} else {
			// not JSON, written as a string
			rec.Payload, _ = json.Marshal(string(e.Payload))
		}
	}
	return rec
}

// Write writes one chunk and flushes it.
func (s *Sink) Write(limiter, key string, chunk *event.Chunk) error {
	line := Line{Limiter: limiter, Key: key, Events: make([]EventRecord, 0, chunk.Len())}
	for _, e := range chunk.Events() {
		line.Events = append(line.Events, ToRecord(e))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(line); err != nil {
		return err
	}
	return s.w.Flush()
}

// Callback returns a limiter callback writing to the sink.
func (s *Sink) Callback(limiter string) func(ctx context.Context, key string, chunk *event.Chunk) error {
	return func(_ context.Context, key string, chunk *event.Chunk) error {
		return s.Write(limiter, key, chunk)
	}
}
