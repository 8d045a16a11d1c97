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

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestType_String(t *testing.T) {
	assert.Equal(t, "Current", Current.String())
	assert.Equal(t, "Expired", Expired.String())
	assert.Equal(t, "Timer", Timer.String())
	assert.Equal(t, "Unknown", Type(0).String())

	for _, tp := range []Type{Current, Expired, Timer} {
		got, ok := ParseType(tp.String())
		assert.True(t, ok)
		assert.Equal(t, tp, got)
	}
	_, ok := ParseType("late")
	assert.False(t, ok)
}

func TestEvent_Clone(t *testing.T) {
	e := &Event{
		Header: Header{Type: Current, Timestamp: 500, ID: "a", Keys: []string{"k1"}},
		Body:   Body{Payload: []byte("hello")},
	}
	c := e.Clone()
	assert.Equal(t, e, c)
	assert.NotSame(t, e, c)

	// the clone must not observe mutations of the original
	e.Payload[0] = 'j'
	e.Keys[0] = "k2"
	e.Timestamp = 600
	assert.Equal(t, []byte("hello"), c.Payload)
	assert.Equal(t, []string{"k1"}, c.Keys)
	assert.Equal(t, int64(500), c.Timestamp)

	var nilEvent *Event
	assert.Nil(t, nilEvent.Clone())
}

func TestNewTimerEvent(t *testing.T) {
	e := NewTimerEvent(1000)
	assert.Equal(t, Timer, e.Type)
	assert.Equal(t, int64(1000), e.Timestamp)
	assert.Equal(t, int64(1000), e.EventTime().UnixMilli())
	assert.Empty(t, e.Payload)
}

func TestChunk_Retain(t *testing.T) {
	a := &Event{Header: Header{Type: Current, Timestamp: 1}}
	b := &Event{Header: Header{Type: Expired, Timestamp: 2}}
	c := &Event{Header: Header{Type: Current, Timestamp: 3}}
	d := &Event{Header: Header{Type: Timer, Timestamp: 4}}
	chunk := NewChunk(a, b, c, d)

	var visited []int64
	chunk.Retain(func(e *Event) bool {
		visited = append(visited, e.Timestamp)
		return e.Type != Current
	})
	assert.Equal(t, []int64{1, 2, 3, 4}, visited)
	assert.Equal(t, []*Event{b, d}, chunk.Events())
	assert.Equal(t, 2, chunk.Len())
	assert.Same(t, b, chunk.First())

	chunk.Clear()
	assert.True(t, chunk.IsEmpty())
	assert.Nil(t, chunk.First())
}

func TestChunk_Clone(t *testing.T) {
	a := &Event{Header: Header{Type: Current, Timestamp: 1}, Body: Body{Payload: []byte("x")}}
	chunk := NewChunk(a)
	cloned := chunk.Clone()
	a.Payload[0] = 'y'
	assert.Equal(t, []byte("x"), cloned.First().Payload)

	var nilChunk *Chunk
	assert.True(t, nilChunk.IsEmpty())
	assert.Equal(t, 0, nilChunk.Clone().Len())
}

func TestEvent_Binary(t *testing.T) {
	tests := []struct {
		name  string
		event Event
	}{
		{
			name: "current_with_keys",
			event: Event{
				Header: Header{Type: Current, Timestamp: 1676617200000, ID: "id-1", Keys: []string{"a", "bb"}},
				Body:   Body{Payload: []byte("payload")},
			},
		},
		{
			name:  "timer_without_payload",
			event: Event{Header: Header{Type: Timer, Timestamp: 2000}},
		},
		{
			name: "expired_without_keys",
			event: Event{
				Header: Header{Type: Expired, Timestamp: 3, ID: "x"},
				Body:   Body{Payload: []byte{0, 1, 2}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.event.MarshalBinary()
			require.NoError(t, err)
			got := new(Event)
			require.NoError(t, got.UnmarshalBinary(data))
			assert.Equal(t, tt.event, *got)
		})
	}
}

func TestEvent_BinaryLongFields(t *testing.T) {
	for _, n := range []int{32767, 32768, 40000, 65535, 65546, 1 << 20} {
		e := Event{
			Header: Header{Type: Current, Timestamp: 10, ID: strings.Repeat("a", n), Keys: []string{strings.Repeat("k", n), "short"}},
			Body:   Body{Payload: []byte("p")},
		}
		data, err := e.MarshalBinary()
		require.NoError(t, err)
		got := new(Event)
		require.NoError(t, got.UnmarshalBinary(data))
		assert.Len(t, got.ID, n)
		require.Len(t, got.Keys, 2)
		assert.Len(t, got.Keys[0], n)
		assert.Equal(t, e, *got)
	}
}

func TestWriteReadEvents(t *testing.T) {
	events := []*Event{
		{Header: Header{Type: Current, Timestamp: 10, ID: "1"}, Body: Body{Payload: []byte("a")}},
		{Header: Header{Type: Expired, Timestamp: 20, ID: "2", Keys: []string{"k"}}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteEvents(&buf, events))
	got, err := ReadEvents(&buf)
	require.NoError(t, err)
	assert.Equal(t, events, got)

	buf.Reset()
	assert.Error(t, WriteEvents(&buf, []*Event{nil}))

	// truncated input
	buf.Reset()
	require.NoError(t, WriteEvents(&buf, events))
	_, err = ReadEvents(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	assert.Error(t, err)
}
