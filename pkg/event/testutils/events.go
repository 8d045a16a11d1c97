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

package testutils

import (
	"fmt"

	"github.com/numaproj/snapshotter/pkg/event"
)

// BuildTestCurrentEvents builds count Current events starting at startTime, one every step
// milliseconds, all keyed with keys.
func BuildTestCurrentEvents(count int64, startTime int64, step int64, keys ...string) []*event.Event {
	var events = make([]*event.Event, 0, count)
	for i := int64(0); i < count; i++ {
		events = append(events, &event.Event{
			Header: event.Header{
				Type:      event.Current,
				Timestamp: startTime + i*step,
				ID:        fmt.Sprintf("%d", i),
				Keys:      keys,
			},
			Body: event.Body{Payload: []byte(fmt.Sprintf("payload_%d", i))},
		})
	}
	return events
}

// CurrentEvent builds a single Current event.
func CurrentEvent(ts int64, payload string, keys ...string) *event.Event {
	return &event.Event{
		Header: event.Header{Type: event.Current, Timestamp: ts, ID: fmt.Sprintf("id-%d", ts), Keys: keys},
		Body:   event.Body{Payload: []byte(payload)},
	}
}

// ExpiredEvent builds a single Expired event.
func ExpiredEvent(ts int64, payload string, keys ...string) *event.Event {
	return &event.Event{
		Header: event.Header{Type: event.Expired, Timestamp: ts, ID: fmt.Sprintf("exp-%d", ts), Keys: keys},
		Body:   event.Body{Payload: []byte(payload)},
	}
}
