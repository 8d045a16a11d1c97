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

// Package memory implements an in-memory checkpoint store. Checkpoints do not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/numaproj/snapshotter/pkg/checkpoint"
)

type memoryStore struct {
	sync.RWMutex
	// checkpoints are kept in write order
	checkpoints []*checkpoint.Checkpoint
	retention   int
	closed      bool
}

var _ checkpoint.Store = (*memoryStore)(nil)

// NewMemoryStore returns a store keeping the last retention checkpoints, 0 keeps all of them.
func NewMemoryStore(retention int) checkpoint.Store {
	return &memoryStore{retention: retention}
}

func (s *memoryStore) Name() string {
	return "memory"
}

func (s *memoryStore) Write(_ context.Context, cp *checkpoint.Checkpoint) error {
	// a copy, the caller may keep using cp
	data, err := cp.MarshalBinary()
	if err != nil {
		return err
	}
	stored := new(checkpoint.Checkpoint)
	if err := stored.UnmarshalBinary(data); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	s.checkpoints = append(s.checkpoints, stored)
	if s.retention > 0 && len(s.checkpoints) > s.retention {
		s.checkpoints = s.checkpoints[len(s.checkpoints)-s.retention:]
	}
	return nil
}

func (s *memoryStore) Latest(_ context.Context) (*checkpoint.Checkpoint, error) {
	s.RLock()
	defer s.RUnlock()
	if len(s.checkpoints) == 0 {
		return nil, checkpoint.ErrNotFound
	}
	return s.checkpoints[len(s.checkpoints)-1], nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.Lock()
	defer s.Unlock()
	for i, cp := range s.checkpoints {
		if cp.ID == id {
			s.checkpoints = append(s.checkpoints[:i], s.checkpoints[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", id, checkpoint.ErrNotFound)
}

func (s *memoryStore) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	return nil
}
