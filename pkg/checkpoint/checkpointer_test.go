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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/numaproj/snapshotter/pkg/shared/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTarget struct {
	name     string
	mu       sync.Mutex
	state    map[string][]byte
	restored map[string][]byte
	err      error
}

func (f *fakeTarget) Name() string {
	return f.name
}

func (f *fakeTarget) SnapshotState(context.Context) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string][]byte, len(f.state))
	for k, v := range f.state {
		out[k] = v
	}
	return out, nil
}

func (f *fakeTarget) RestoreState(_ context.Context, snapshots map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = snapshots
	return f.err
}

// fakeStore fails the first failures writes.
type fakeStore struct {
	mu       sync.Mutex
	failures int
	writes   int
	written  []*Checkpoint
}

func (s *fakeStore) Name() string {
	return "fake"
}

func (s *fakeStore) Write(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writes <= s.failures {
		return errors.New("unavailable")
	}
	s.written = append(s.written, cp)
	return nil
}

func (s *fakeStore) Latest(context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.written) == 0 {
		return nil, ErrNotFound
	}
	return s.written[len(s.written)-1], nil
}

func (s *fakeStore) Delete(context.Context, string) error {
	return nil
}

func (s *fakeStore) Close() error {
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func testContext() (context.Context, context.CancelFunc) {
	ctx := logging.WithLogger(context.Background(), zap.NewNop().Sugar())
	return context.WithTimeout(ctx, 10*time.Second)
}

var fastRetry = wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 1}

func TestCheckpointer_CheckpointAndRecover(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	fc := testingclock.NewFakePassiveClock(time.UnixMilli(5000))
	target := &fakeTarget{name: "q1", state: map[string][]byte{"a": []byte("sa"), "b": []byte("sb")}}
	store := &fakeStore{}

	c, err := NewCheckpointer(ctx, target, store, WithClock(fc))
	require.NoError(t, err)
	cp, err := c.Checkpoint(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, "q1", cp.Limiter)
	assert.Equal(t, int64(5000), cp.CreatedAt.UnixMilli())
	assert.Len(t, cp.Entries, 2)

	restoredTarget := &fakeTarget{name: "q1"}
	c2, err := NewCheckpointer(ctx, restoredTarget, store)
	require.NoError(t, err)
	require.NoError(t, c2.Recover(ctx))
	assert.Equal(t, target.state, restoredTarget.restored)
}

func TestCheckpointer_RecoverEmptyStore(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	target := &fakeTarget{name: "q1"}
	c, err := NewCheckpointer(ctx, target, &fakeStore{})
	require.NoError(t, err)
	assert.NoError(t, c.Recover(ctx))
	assert.Nil(t, target.restored)
}

func TestCheckpointer_RecoverOtherLimiter(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	store := &fakeStore{written: []*Checkpoint{{ID: "x", Limiter: "other", Entries: map[string][]byte{}}}}
	c, err := NewCheckpointer(ctx, &fakeTarget{name: "q1"}, store)
	require.NoError(t, err)
	assert.ErrorContains(t, c.Recover(ctx), "belongs to limiter")
}

func TestCheckpointer_RecoverSkipsUnrestorableEntries(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	entries := map[string][]byte{"a": []byte("sa"), "bad": {0xff}}
	store := &fakeStore{written: []*Checkpoint{{ID: "x", Limiter: "q1", Entries: entries}}}

	t.Run("unrestorable entry is skipped", func(t *testing.T) {
		target := &fakeTarget{name: "q1", err: fmt.Errorf("%w: partition %q: bad version", ErrUnrestorable, "bad")}
		c, err := NewCheckpointer(ctx, target, store)
		require.NoError(t, err)
		assert.NoError(t, c.Recover(ctx))
		assert.Equal(t, entries, target.restored)
	})
	t.Run("other errors are returned", func(t *testing.T) {
		stateErr := errors.New("state store unavailable")
		target := &fakeTarget{name: "q1", err: multierr.Combine(
			fmt.Errorf("%w: partition %q", ErrUnrestorable, "bad"),
			stateErr,
		)}
		c, err := NewCheckpointer(ctx, target, store)
		require.NoError(t, err)
		err = c.Recover(ctx)
		assert.ErrorIs(t, err, stateErr)
		assert.NotErrorIs(t, err, ErrUnrestorable)
	})
}

func TestCheckpointer_RetriesFailedWrite(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	store := &fakeStore{failures: 2}
	c, err := NewCheckpointer(ctx, &fakeTarget{name: "q1"}, store, WithRetryBackoff(fastRetry))
	require.NoError(t, err)
	_, err = c.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, store.writes)
	assert.Equal(t, 1, store.count())
}

func TestCheckpointer_GivesUpAfterBackoff(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	store := &fakeStore{failures: 10}
	c, err := NewCheckpointer(ctx, &fakeTarget{name: "q1"}, store, WithRetryBackoff(fastRetry))
	require.NoError(t, err)
	_, err = c.Checkpoint(ctx)
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.Equal(t, 0, store.count())
}

func TestCheckpointer_SnapshotError(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	boom := errors.New("boom")
	store := &fakeStore{}
	c, err := NewCheckpointer(ctx, &fakeTarget{name: "q1", err: boom}, store)
	require.NoError(t, err)
	_, err = c.Checkpoint(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.writes)
}

func TestCheckpointer_InvalidOptions(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	_, err := NewCheckpointer(ctx, &fakeTarget{name: "q1"}, &fakeStore{}, WithInterval(100*time.Millisecond))
	assert.Error(t, err)
	_, err = NewCheckpointer(ctx, &fakeTarget{name: "q1"}, &fakeStore{}, WithRetryBackoff(wait.Backoff{}))
	assert.Error(t, err)
}

func TestCheckpointer_StartStop(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	store := &fakeStore{}
	c, err := NewCheckpointer(ctx, &fakeTarget{name: "q1", state: map[string][]byte{"k": {1}}}, store, WithInterval(time.Second))
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	assert.Eventually(t, func() bool { return store.count() >= 1 }, 5*time.Second, 50*time.Millisecond)
	c.Stop()
}
