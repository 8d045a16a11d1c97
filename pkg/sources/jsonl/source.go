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

// Package jsonl reads events from a stream of JSON lines.
//
// Every line is one record
//
//	{"type":"CURRENT","timestamp":1700000000000,"id":"e-1","keys":["IBM"],"payload":{"price":75.6}}
//
// type defaults to CURRENT, a missing timestamp is stamped with the read time and a missing id is
// replaced by a random UUID.
package jsonl

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/numaproj/snapshotter/pkg/event"
	"github.com/numaproj/snapshotter/pkg/shared/logging"
)

// Record is the JSON form of an event.
type Record struct {
	Type      string          `json:"type,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	ID        string          `json:"id,omitempty"`
	Keys      []string        `json:"keys,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type options struct {
	// skipInvalid drops lines that cannot be decoded instead of failing
	skipInvalid bool
	// maxLineSize is the longest line accepted
	maxLineSize int
	clock       clock.PassiveClock
}

type Option func(*options) error

func WithSkipInvalid(skip bool) Option {
	return func(o *options) error {
		o.skipInvalid = skip
		return nil
	}
}

func WithMaxLineSize(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("max line size must be positive, got %d", n)
		}
		o.maxLineSize = n
		return nil
	}
}

func WithClock(c clock.PassiveClock) Option {
	return func(o *options) error {
		o.clock = c
		return nil
	}
}

// Source decodes events from a reader.
type Source struct {
	r    io.Reader
	opts *options
	log  *zap.SugaredLogger
}

func NewSource(ctx context.Context, r io.Reader, opts ...Option) (*Source, error) {
	o := &options{maxLineSize: 1024 * 1024, clock: clock.RealClock{}}
	for _, opt := range opts {
		if opt != nil {
			if err := opt(o); err != nil {
				return nil, err
			}
		}
	}
	return &Source{r: r, opts: o, log: logging.FromContext(ctx)}, nil
}

// Decode converts one line into an event.
func (s *Source) Decode(line []byte) (*event.Event, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	t := event.Current
	if rec.Type != "" {
		var ok bool
		if t, ok = event.ParseType(rec.Type); !ok || t == event.Timer {
			return nil, fmt.Errorf("unsupported event type %q", rec.Type)
		}
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = s.opts.clock.Now().UnixMilli()
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return &event.Event{
		Header: event.Header{Type: t, Timestamp: rec.Timestamp, ID: rec.ID, Keys: rec.Keys},
		Body:   event.Body{Payload: []byte(rec.Payload)},
	}, nil
}

// Read decodes every line of the reader into out, in order, until the reader is exhausted or ctx is
// done. Blank lines are ignored. out is not closed.
func (s *Source) Read(ctx context.Context, out chan<- *event.Event) error {
	scanner := bufio.NewScanner(s.r)
	// the scanner never accepts less than the capacity of its initial buffer
	scanner.Buffer(make([]byte, 0, min(64*1024, s.opts.maxLineSize)), s.opts.maxLineSize)
	var lineNo int
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := s.Decode(line)
		if err != nil {
			if s.opts.skipInvalid {
				s.log.Warnw("Skipping invalid line", zap.Int("line", lineNo), zap.Error(err))
				continue
			}
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
