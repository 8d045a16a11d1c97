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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

type headerPreamble struct {
	Kind      Type
	Timestamp int64
	IDLen     int32
	KeysLen   int32
}

// length converts a length to its encoded form, refusing the ones that do not fit.
func length(what string, n int) (int32, error) {
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%s length %d exceeds %d", what, n, math.MaxInt32)
	}
	return int32(n), nil
}

// MarshalBinary encodes Header to a binary format
func (h Header) MarshalBinary() (data []byte, err error) {
	var buf = new(bytes.Buffer)
	idLen, err := length("id", len(h.ID))
	if err != nil {
		return nil, err
	}
	keysLen, err := length("keys", len(h.Keys))
	if err != nil {
		return nil, err
	}
	var preamble = headerPreamble{
		Kind:      h.Type,
		Timestamp: h.Timestamp,
		IDLen:     idLen,
		KeysLen:   keysLen,
	}
	if err = binary.Write(buf, binary.LittleEndian, preamble); err != nil {
		return nil, err
	}
	if err = binary.Write(buf, binary.LittleEndian, []byte(h.ID)); err != nil {
		return nil, err
	}
	for _, k := range h.Keys {
		kLen, err := length("key", len(k))
		if err != nil {
			return nil, err
		}
		if err = binary.Write(buf, binary.LittleEndian, kLen); err != nil {
			return nil, err
		}
		if err = binary.Write(buf, binary.LittleEndian, []byte(k)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes Header from the binary format
func (h *Header) UnmarshalBinary(data []byte) (err error) {
	var r = bytes.NewReader(data)
	var preamble = new(headerPreamble)
	if err = binary.Read(r, binary.LittleEndian, preamble); err != nil {
		return err
	}
	if preamble.IDLen < 0 || preamble.KeysLen < 0 {
		return fmt.Errorf("invalid header preamble, id length %d, key count %d", preamble.IDLen, preamble.KeysLen)
	}
	id, err := readBytes(r, int64(preamble.IDLen))
	if err != nil {
		return err
	}
	var keys []string
	if preamble.KeysLen > 0 {
		keys = make([]string, 0, min(preamble.KeysLen, 1024))
		for i := int32(0); i < preamble.KeysLen; i++ {
			var kLen int32
			if err = binary.Read(r, binary.LittleEndian, &kLen); err != nil {
				return err
			}
			k, err := readBytes(r, int64(kLen))
			if err != nil {
				return err
			}
			keys = append(keys, string(k))
		}
	}
	h.Type = preamble.Kind
	h.Timestamp = preamble.Timestamp
	h.ID = string(id)
	h.Keys = keys
	return nil
}

type bodyPreamble struct {
	PLen int64
}

// MarshalBinary encodes Body to a binary format
func (b Body) MarshalBinary() (data []byte, err error) {
	var buf = new(bytes.Buffer)
	var preamble = bodyPreamble{
		PLen: int64(len(b.Payload)),
	}
	if err = binary.Write(buf, binary.LittleEndian, preamble); err != nil {
		return nil, err
	}
	if err = binary.Write(buf, binary.LittleEndian, b.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes Body from the binary format
func (b *Body) UnmarshalBinary(data []byte) (err error) {
	var r = bytes.NewReader(data)
	var preamble = new(bodyPreamble)
	if err = binary.Read(r, binary.LittleEndian, preamble); err != nil {
		return err
	}
	if preamble.PLen != 0 {
		if b.Payload, err = readBytes(r, preamble.PLen); err != nil {
			return err
		}
	}
	return nil
}

type eventPreamble struct {
	HLen int32
	BLen int64
}

// MarshalBinary encodes Event to the binary format
func (e Event) MarshalBinary() (data []byte, err error) {
	var buf = new(bytes.Buffer)
	if err = e.writeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes Event from the binary format
func (e *Event) UnmarshalBinary(data []byte) error {
	return e.readFrom(bytes.NewReader(data))
}

func (e Event) writeTo(w io.Writer) error {
	header, err := e.Header.MarshalBinary()
	if err != nil {
		return err
	}
	body, err := e.Body.MarshalBinary()
	if err != nil {
		return err
	}
	var preamble = eventPreamble{
		HLen: int32(len(header)),
		BLen: int64(len(body)),
	}
	if err = binary.Write(w, binary.LittleEndian, preamble); err != nil {
		return err
	}
	n, err := w.Write(header)
	if err != nil {
		return err
	} else if n != int(preamble.HLen) {
		return fmt.Errorf("expected to write header size of %d but got %d", preamble.HLen, n)
	}
	n, err = w.Write(body)
	if err != nil {
		return err
	} else if int64(n) != preamble.BLen {
		return fmt.Errorf("expected to write body size of %d but got %d", preamble.BLen, n)
	}
	return nil
}

func (e *Event) readFrom(r io.Reader) error {
	var preamble = new(eventPreamble)
	if err := binary.Read(r, binary.LittleEndian, preamble); err != nil {
		return err
	}
	header, err := readBytes(r, int64(preamble.HLen))
	if err != nil {
		return fmt.Errorf("expected to read header size of %d: %w", preamble.HLen, err)
	}
	body, err := readBytes(r, preamble.BLen)
	if err != nil {
		return fmt.Errorf("expected to read body size of %d: %w", preamble.BLen, err)
	}
	if err := e.Header.UnmarshalBinary(header); err != nil {
		return err
	}
	return e.Body.UnmarshalBinary(body)
}

// WriteEvents encodes a list of events as a count followed by the events. A nil entry is not allowed.
func WriteEvents(w io.Writer, events []*Event) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(events))); err != nil {
		return err
	}
	for i, e := range events {
		if e == nil {
			return fmt.Errorf("event at index %d is nil", i)
		}
		if err := e.writeTo(w); err != nil {
			return err
		}
	}
	return nil
}

// ReadEvents decodes a list of events written by WriteEvents.
func ReadEvents(r io.Reader) ([]*Event, error) {
	var count int32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("invalid event count %d", count)
	}
	events := make([]*Event, 0, min(count, 1024))
	for i := int32(0); i < count; i++ {
		e := new(Event)
		if err := e.readFrom(r); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// readBytes reads exactly n bytes. The buffer grows with the data actually read, so a corrupt length
// fails with io.ErrUnexpectedEOF instead of allocating it upfront.
func readBytes(r io.Reader, n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid length %d", n)
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, n); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}
