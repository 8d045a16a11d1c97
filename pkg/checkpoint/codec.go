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

package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sort"
	"time"
)

const codecVersion uint8 = 2

// headerPreamble is the fixed part of the checkpoint header, followed by the id and the limiter name.
type headerPreamble struct {
	Version    uint8
	CreatedAt  int64
	IDLen      int32
	LimiterLen int32
	Count      int32
}

// entryPreamble precedes the key and value of every entry. Checksum covers the key and the value.
type entryPreamble struct {
	KeyLen   int32
	ValueLen int64
	Checksum uint32
}

func calculateChecksum(key string, value []byte) uint32 {
	h := crc32.NewIEEE()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write(value)
	return h.Sum32()
}

// MarshalBinary encodes the checkpoint. The format is
//
//	+--------+------------+--------+-------------+-------+----+---------+---------+
//	| version| created at | id-len | limiter-len | count | id | limiter | entries |
//	+--------+------------+--------+-------------+-------+----+---------+---------+
//
// and each entry is
//
//	+------------------+--------------------+-----------------+-----+-------+
//	| key-len (int32)  | value-len (int64)  | crc32 (uint32)  | key | value |
//	+------------------+--------------------+-----------------+-----+-------+
//
// Entries are written in key order so the same checkpoint always encodes to the same bytes.
func (cp *Checkpoint) MarshalBinary() ([]byte, error) {
	var buf = new(bytes.Buffer)
	if len(cp.ID) > math.MaxInt32 || len(cp.Limiter) > math.MaxInt32 || len(cp.Entries) > math.MaxInt32 {
		return nil, fmt.Errorf("checkpoint %q is too large to encode", cp.ID[:min(len(cp.ID), 64)])
	}
	var preamble = headerPreamble{
		Version:    codecVersion,
		CreatedAt:  cp.CreatedAt.UnixMilli(),
		IDLen:      int32(len(cp.ID)),
		LimiterLen: int32(len(cp.Limiter)),
		Count:      int32(len(cp.Entries)),
	}
	if err := binary.Write(buf, binary.LittleEndian, preamble); err != nil {
		return nil, err
	}
	buf.WriteString(cp.ID)
	buf.WriteString(cp.Limiter)

	keys := make([]string, 0, len(cp.Entries))
	for k := range cp.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := cp.Entries[k]
		if len(k) > math.MaxInt32 {
			return nil, fmt.Errorf("partition key length %d exceeds %d", len(k), math.MaxInt32)
		}
		ep := entryPreamble{
			KeyLen:   int32(len(k)),
			ValueLen: int64(len(v)),
			Checksum: calculateChecksum(k, v),
		}
		if err := binary.Write(buf, binary.LittleEndian, ep); err != nil {
			return nil, err
		}
		buf.WriteString(k)
		buf.Write(v)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a checkpoint written by MarshalBinary.
func (cp *Checkpoint) UnmarshalBinary(data []byte) error {
	var r = bytes.NewReader(data)
	var preamble = new(headerPreamble)
	if err := binary.Read(r, binary.LittleEndian, preamble); err != nil {
		return fmt.Errorf("failed to read checkpoint header: %w", err)
	}
	if preamble.Version != codecVersion {
		return fmt.Errorf("unsupported checkpoint version %d", preamble.Version)
	}
	if preamble.IDLen < 0 || preamble.LimiterLen < 0 || preamble.Count < 0 {
		return fmt.Errorf("invalid checkpoint header %+v", *preamble)
	}
	id, err := readBytes(r, int64(preamble.IDLen))
	if err != nil {
		return fmt.Errorf("failed to read checkpoint id: %w", err)
	}
	limiter, err := readBytes(r, int64(preamble.LimiterLen))
	if err != nil {
		return fmt.Errorf("failed to read limiter name: %w", err)
	}

	entries := make(map[string][]byte, min(int(preamble.Count), r.Len()))
	for i := int32(0); i < preamble.Count; i++ {
		var ep = new(entryPreamble)
		if err := binary.Read(r, binary.LittleEndian, ep); err != nil {
			return fmt.Errorf("failed to read entry %d: %w", i, err)
		}
		if ep.KeyLen < 0 || ep.ValueLen < 0 || ep.ValueLen > int64(r.Len()) {
			return fmt.Errorf("invalid entry %d header %+v", i, *ep)
		}
		key, err := readBytes(r, int64(ep.KeyLen))
		if err != nil {
			return fmt.Errorf("failed to read key of entry %d: %w", i, err)
		}
		value, err := readBytes(r, ep.ValueLen)
		if err != nil {
			return fmt.Errorf("failed to read value of entry %d: %w", i, err)
		}
		if calculateChecksum(string(key), value) != ep.Checksum {
			return fmt.Errorf("entry %q: %w", key, ErrChecksumMismatch)
		}
		entries[string(key)] = value
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after %d entries", r.Len(), preamble.Count)
	}

	cp.ID = string(id)
	cp.Limiter = string(limiter)
	cp.CreatedAt = time.UnixMilli(preamble.CreatedAt)
	cp.Entries = entries
	return nil
}

// readBytes reads exactly n bytes without trusting n for the allocation.
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
