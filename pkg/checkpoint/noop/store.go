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

// Package noop implements a checkpoint store that discards every checkpoint.
package noop

import (
	"context"

	"github.com/numaproj/snapshotter/pkg/checkpoint"
)

type noopStore struct{}

var _ checkpoint.Store = (*noopStore)(nil)

func NewNoopStore() checkpoint.Store {
	return &noopStore{}
}

func (n *noopStore) Name() string {
	return "noop"
}

func (n *noopStore) Write(context.Context, *checkpoint.Checkpoint) error {
	return nil
}

func (n *noopStore) Latest(context.Context) (*checkpoint.Checkpoint, error) {
	return nil, checkpoint.ErrNotFound
}

func (n *noopStore) Delete(context.Context, string) error {
	return nil
}

func (n *noopStore) Close() error {
	return nil
}
