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

// Package fs implements a checkpoint store on the local file system, one segment file per checkpoint.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/numaproj/snapshotter/pkg/checkpoint"
	"github.com/numaproj/snapshotter/pkg/shared/logging"
)

const (
	// SegmentPrefix starts the file name of every segment.
	SegmentPrefix = "segment"
	// SegmentSuffix ends the file name of every complete segment.
	SegmentSuffix = ".ckpt"
	tmpSuffix     = ".tmp"
)

type options struct {
	// retention is the number of checkpoints kept, 0 keeps all of them
	retention int
	// fileMode of the segment files
	fileMode os.FileMode
}

// Option configures the file system store.
type Option func(*options) error

// WithRetention keeps only the last n checkpoints, 0 keeps all of them.
func WithRetention(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return fmt.Errorf("retention must not be negative, got %d", n)
		}
		o.retention = n
		return nil
	}
}

// WithFileMode sets the permissions of the segment files.
func WithFileMode(mode os.FileMode) Option {
	return func(o *options) error {
		o.fileMode = mode
		return nil
	}
}

type fsStore struct {
	dir  string
	opts *options
	log  *zap.SugaredLogger
}

var _ checkpoint.Store = (*fsStore)(nil)

// NewFSStore returns a store writing segments under dir. The directory is created if needed, and
// segments left half written by a crash are removed.
func NewFSStore(ctx context.Context, dir string, opts ...Option) (checkpoint.Store, error) {
	o := &options{retention: 3, fileMode: 0644}
	for _, opt := range opts {
		if opt != nil {
			if err := opt(o); err != nil {
				return nil, err
			}
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %q: %w", dir, err)
	}
	s := &fsStore{
		dir:  dir,
		opts: o,
		log:  logging.FromContext(ctx).With("checkpointDir", dir),
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if strings.HasSuffix(f.Name(), tmpSuffix) {
			s.log.Warnw("Removing incomplete checkpoint segment", zap.String("file", f.Name()))
			if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *fsStore) Name() string {
	return "fs"
}

// segmentFileName sorts by creation time, the id breaks ties.
func segmentFileName(cp *checkpoint.Checkpoint) string {
	return fmt.Sprintf("%s_%020d_%s%s", SegmentPrefix, cp.CreatedAt.UnixMilli(), cp.ID, SegmentSuffix)
}

// Write writes the segment to a temporary file, syncs it and renames it into place, so a segment is
// either complete or absent.
func (s *fsStore) Write(_ context.Context, cp *checkpoint.Checkpoint) (err error) {
	data, err := cp.MarshalBinary()
	if err != nil {
		return err
	}
	name := segmentFileName(cp)
	tmpPath := filepath.Join(s.dir, name+tmpSuffix)
	fp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, s.opts.fileMode)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()
	wrote, err := fp.Write(data)
	if err != nil {
		_ = fp.Close()
		return err
	}
	if wrote != len(data) {
		_ = fp.Close()
		return fmt.Errorf("expected to write %d, but wrote only %d", len(data), wrote)
	}
	if err = fp.Sync(); err != nil {
		_ = fp.Close()
		return err
	}
	if err = fp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		return err
	}
	s.applyRetention()
	return nil
}

// segments returns the complete segment files, newest first.
func (s *fsStore) segments() ([]string, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, f := range files {
		if f.IsDir() || !strings.HasPrefix(f.Name(), SegmentPrefix+"_") || !strings.HasSuffix(f.Name(), SegmentSuffix) {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Latest returns the newest segment that decodes, a corrupt segment is skipped.
func (s *fsStore) Latest(_ context.Context) (*checkpoint.Checkpoint, error) {
	names, err := s.segments()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		cp := new(checkpoint.Checkpoint)
		if err := cp.UnmarshalBinary(data); err != nil {
			s.log.Errorw("Skipping corrupt checkpoint segment", zap.String("file", name), zap.Error(err))
			continue
		}
		return cp, nil
	}
	return nil, checkpoint.ErrNotFound
}

func (s *fsStore) Delete(_ context.Context, id string) error {
	names, err := s.segments()
	if err != nil {
		return err
	}
	for _, name := range names {
		if strings.HasSuffix(name, "_"+id+SegmentSuffix) {
			return os.Remove(filepath.Join(s.dir, name))
		}
	}
	return fmt.Errorf("%s: %w", id, checkpoint.ErrNotFound)
}

func (s *fsStore) applyRetention() {
	if s.opts.retention == 0 {
		return
	}
	names, err := s.segments()
	if err != nil {
		s.log.Errorw("Failed to list checkpoint segments", zap.Error(err))
		return
	}
	for i := s.opts.retention; i < len(names); i++ {
		if err := os.Remove(filepath.Join(s.dir, names[i])); err != nil {
			s.log.Errorw("Failed to remove old checkpoint segment", zap.String("file", names[i]), zap.Error(err))
		}
	}
}

func (s *fsStore) Close() error {
	return nil
}
