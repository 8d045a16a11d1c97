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

package snapshot

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
	"go.uber.org/zap"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/numaproj/snapshotter/pkg/checkpoint"
	"github.com/numaproj/snapshotter/pkg/checkpoint/memory"
	"github.com/numaproj/snapshotter/pkg/event"
	"github.com/numaproj/snapshotter/pkg/event/testutils"
	"github.com/numaproj/snapshotter/pkg/scheduler"
	"github.com/numaproj/snapshotter/pkg/shared/logging"
	"github.com/numaproj/snapshotter/pkg/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type armRequest struct {
	key string
	at  int64
}

// recordingScheduler records wake-up requests without delivering them.
type recordingScheduler struct {
	mu      sync.Mutex
	armed   []armRequest
	err     error
	process scheduler.ProcessFunc
}

func (r *recordingScheduler) NotifyAt(key string, at int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.armed = append(r.armed, armRequest{key: key, at: at})
	return nil
}

func (r *recordingScheduler) requests() []armRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]armRequest, len(r.armed))
	copy(out, r.armed)
	return out
}

func (r *recordingScheduler) factory() scheduler.Factory {
	return func(process scheduler.ProcessFunc) scheduler.Scheduler {
		r.process = process
		return r
	}
}

type output struct {
	key   string
	chunk *event.Chunk
}

type sink struct {
	mu      sync.Mutex
	outputs []output
}

func (s *sink) callback(_ context.Context, key string, chunk *event.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, output{key: key, chunk: chunk})
	return nil
}

func (s *sink) get() []output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]output, len(s.outputs))
	copy(out, s.outputs)
	return out
}

func testContext() (context.Context, context.CancelFunc) {
	ctx := logging.WithLogger(context.Background(), zap.NewNop().Sugar())
	return context.WithTimeout(ctx, 10*time.Second)
}

type testLimiter struct {
	*Limiter
	clock *testingclock.FakeClock
	sched *recordingScheduler
	sink  *sink
}

func newTestLimiter(t *testing.T, ctx context.Context, opts ...Option) *testLimiter {
	t.Helper()
	tl := &testLimiter{
		clock: testingclock.NewFakeClock(time.UnixMilli(0)),
		sched: &recordingScheduler{},
		sink:  &sink{},
	}
	opts = append([]Option{
		WithClock(tl.clock),
		WithSchedulerFactory(tl.sched.factory()),
		WithCallback(tl.sink.callback),
	}, opts...)
	l, err := NewLimiter(ctx, t.Name(), time.Second, opts...)
	require.NoError(t, err)
	tl.Limiter = l
	t.Cleanup(l.Stop)
	return tl
}

// inspect returns a copy of the partition state.
func (tl *testLimiter) inspect(t *testing.T, key string) *Snapshot {
	t.Helper()
	s, _, err := tl.holder.Checkout(context.Background(), key)
	require.NoError(t, err)
	snap := s.Snapshot()
	require.NoError(t, tl.holder.Checkin(key, s))
	return snap
}

func timer(at int64) *event.Chunk {
	return event.NewChunk(event.NewTimerEvent(at))
}

func TestNewLimiter_InvalidInterval(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	for _, interval := range []time.Duration{0, -time.Second, time.Microsecond} {
		_, err := NewLimiter(ctx, "invalid", interval)
		assert.ErrorIs(t, err, ErrInvalidInterval)
	}
}

func TestNewLimiter_OptionError(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	boom := errors.New("boom")
	_, err := NewLimiter(ctx, "option", time.Second, func(*options) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestLimiter_PeriodicSnapshot(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	const key = "k1"

	// created at t=0, the first flush is one interval away
	require.NoError(t, tl.PartitionCreated(ctx, key))
	assert.Equal(t, []armRequest{{key: key, at: 1000}}, tl.sched.requests())
	assert.Equal(t, int64(1000), tl.inspect(t, key).ScheduledTime)

	// below the flush time, retained only
	chunk := event.NewChunk(testutils.CurrentEvent(500, "v500", key))
	require.NoError(t, tl.Process(ctx, key, chunk))
	assert.True(t, chunk.IsEmpty())
	assert.Empty(t, tl.sink.get())
	snap := tl.inspect(t, key)
	require.NotNil(t, snap.RetainedEvent)
	assert.Equal(t, int64(500), snap.RetainedEvent.Timestamp)

	// timer at the flush time emits the retained event
	require.NoError(t, tl.Process(ctx, key, timer(1000)))
	outputs := tl.sink.get()
	require.Len(t, outputs, 1)
	assert.Equal(t, key, outputs[0].key)
	require.Equal(t, 1, outputs[0].chunk.Len())
	assert.Equal(t, "v500", string(outputs[0].chunk.First().Payload))
	assert.Equal(t, int64(2000), tl.inspect(t, key).ScheduledTime)
	assert.Equal(t, armRequest{key: key, at: 2000}, tl.sched.requests()[1])

	// no new Current event, the retained one is emitted again
	require.NoError(t, tl.Process(ctx, key, timer(2000)))
	outputs = tl.sink.get()
	require.Len(t, outputs, 2)
	require.Equal(t, 1, outputs[1].chunk.Len())
	assert.Equal(t, "v500", string(outputs[1].chunk.First().Payload))
	assert.NotSame(t, outputs[0].chunk.First(), outputs[1].chunk.First())
	assert.Equal(t, int64(3000), tl.inspect(t, key).ScheduledTime)
	assert.Len(t, tl.sched.requests(), 3)
}

func TestLimiter_HeartbeatWithoutRetainedEvent(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)

	require.NoError(t, tl.PartitionCreated(ctx, "k"))
	require.NoError(t, tl.Process(ctx, "k", timer(1000)))
	outputs := tl.sink.get()
	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].chunk.IsEmpty())
	assert.Equal(t, int64(2000), tl.inspect(t, "k").ScheduledTime)
}

func TestLimiter_NoFlushBelowScheduledTime(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	require.NoError(t, tl.PartitionCreated(ctx, "k"))

	events := testutils.BuildTestCurrentEvents(10, 0, 99, "k")
	chunk := event.NewChunk(events...)
	require.NoError(t, tl.Process(ctx, "k", chunk))

	assert.Empty(t, tl.sink.get())
	assert.True(t, chunk.IsEmpty())
	snap := tl.inspect(t, "k")
	assert.Equal(t, events[9].ID, snap.RetainedEvent.ID)
	assert.Equal(t, int64(1000), snap.ScheduledTime)
	assert.Len(t, tl.sched.requests(), 1)
}

func TestLimiter_CurrentEventFlushesPreviouslyRetained(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	require.NoError(t, tl.PartitionCreated(ctx, "k"))

	chunk := event.NewChunk(
		testutils.CurrentEvent(100, "a", "k"),
		testutils.CurrentEvent(1000, "b", "k"),
		testutils.CurrentEvent(1500, "c", "k"),
	)
	require.NoError(t, tl.Process(ctx, "k", chunk))

	// the flush decision for "b" sees "a"
	outputs := tl.sink.get()
	require.Len(t, outputs, 1)
	assert.Equal(t, "a", string(outputs[0].chunk.First().Payload))
	snap := tl.inspect(t, "k")
	assert.Equal(t, "c", string(snap.RetainedEvent.Payload))
	assert.Equal(t, int64(2000), snap.ScheduledTime)
}

func TestLimiter_CatchUpOneIntervalPerFlush(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	require.NoError(t, tl.PartitionCreated(ctx, "k"))

	require.NoError(t, tl.Process(ctx, "k", event.NewChunk(testutils.CurrentEvent(5500, "late", "k"))))
	assert.Len(t, tl.sink.get(), 1)
	assert.Equal(t, int64(2000), tl.inspect(t, "k").ScheduledTime)

	// one more flush per late event
	require.NoError(t, tl.Process(ctx, "k", timer(5500)))
	require.NoError(t, tl.Process(ctx, "k", timer(5500)))
	assert.Len(t, tl.sink.get(), 3)
	assert.Equal(t, int64(4000), tl.inspect(t, "k").ScheduledTime)
}

func TestLimiter_StaleTimerIsNoop(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	require.NoError(t, tl.PartitionCreated(ctx, "k"))
	require.NoError(t, tl.Process(ctx, "k", timer(1000)))
	require.Len(t, tl.sink.get(), 1)

	// delivered again after the flush time moved on
	require.NoError(t, tl.Process(ctx, "k", timer(1000)))
	assert.Len(t, tl.sink.get(), 1)
	assert.Equal(t, int64(2000), tl.inspect(t, "k").ScheduledTime)
	assert.Len(t, tl.sched.requests(), 2)
}

func TestLimiter_FlushedEventIsDetached(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	require.NoError(t, tl.PartitionCreated(ctx, "k"))

	in := testutils.CurrentEvent(10, "original", "k")
	require.NoError(t, tl.Process(ctx, "k", event.NewChunk(in)))
	in.Payload[0] = 'X'
	require.NoError(t, tl.Process(ctx, "k", timer(1000)))

	outputs := tl.sink.get()
	require.Len(t, outputs, 1)
	emitted := outputs[0].chunk.First()
	assert.Equal(t, "original", string(emitted.Payload))

	// a newer Current event does not change what was emitted
	require.NoError(t, tl.Process(ctx, "k", event.NewChunk(testutils.CurrentEvent(1200, "newer", "k"))))
	assert.Equal(t, "original", string(emitted.Payload))
	emitted.Payload[0] = 'Y'
	assert.Equal(t, "newer", string(tl.inspect(t, "k").RetainedEvent.Payload))
}

func TestLimiter_ExpiredEventsPassThrough(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	require.NoError(t, tl.PartitionCreated(ctx, "k"))

	expired := testutils.ExpiredEvent(1000, "gone", "k")
	chunk := event.NewChunk(testutils.CurrentEvent(10, "cur", "k"), expired, event.NewTimerEvent(1000))
	require.NoError(t, tl.Process(ctx, "k", chunk))

	require.Equal(t, 1, chunk.Len())
	assert.Same(t, expired, chunk.First())
	// the Expired event triggered the flush, the Timer event is then stale
	outputs := tl.sink.get()
	require.Len(t, outputs, 1)
	assert.Equal(t, "cur", string(outputs[0].chunk.First().Payload))
	assert.Equal(t, "cur", string(tl.inspect(t, "k").RetainedEvent.Payload))
}

func TestLimiter_SchedulerArmFailure(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	require.NoError(t, tl.PartitionCreated(ctx, "k"))
	require.NoError(t, tl.Process(ctx, "k", event.NewChunk(testutils.CurrentEvent(10, "v", "k"))))

	tl.sched.mu.Lock()
	tl.sched.err = scheduler.ErrSchedulerStopped
	tl.sched.mu.Unlock()

	err := tl.Process(ctx, "k", timer(1000))
	assert.ErrorIs(t, err, ErrSchedulerArm)
	assert.ErrorIs(t, err, scheduler.ErrSchedulerStopped)
	// the flush stands
	require.Len(t, tl.sink.get(), 1)
	assert.Equal(t, int64(2000), tl.inspect(t, "k").ScheduledTime)
}

func TestLimiter_PartitionCreatedArmFailure(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	tl.sched.err = errors.New("rejected")
	err := tl.PartitionCreated(ctx, "k")
	assert.ErrorIs(t, err, ErrSchedulerArm)
	assert.Equal(t, int64(1000), tl.inspect(t, "k").ScheduledTime)
}

func TestLimiter_StateAccessFailure(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx, WithStateOptions(state.WithMaxPartitions(1)))
	require.NoError(t, tl.PartitionCreated(ctx, "a"))

	chunk := event.NewChunk(testutils.CurrentEvent(10, "v", "b"))
	err := tl.Process(ctx, "b", chunk)
	assert.ErrorIs(t, err, ErrStateAccess)
	assert.ErrorIs(t, err, state.ErrTooManyPartitions)
	// nothing was consumed
	assert.Equal(t, 1, chunk.Len())
	assert.Equal(t, []string{"a"}, tl.Partitions())

	assert.ErrorIs(t, tl.PartitionCreated(ctx, "b"), ErrStateAccess)
}

func TestLimiter_ProcessAfterStop(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	require.NoError(t, tl.PartitionCreated(ctx, "k"))
	tl.Stop()
	err := tl.Process(ctx, "k", timer(1000))
	assert.ErrorIs(t, err, ErrStateAccess)
	assert.ErrorIs(t, err, state.ErrHolderClosed)
}

func TestLimiter_CallbackErrors(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	boom := errors.New("boom")
	var calls int
	tl.AddCallback(func(context.Context, string, *event.Chunk) error {
		calls++
		return boom
	})
	require.NoError(t, tl.PartitionCreated(ctx, "k"))

	err := tl.Process(ctx, "k", event.NewChunk(event.NewTimerEvent(1000), event.NewTimerEvent(2000)))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
	// the other callback still got every chunk
	assert.Len(t, tl.sink.get(), 2)
}

func TestLimiter_WithoutGroupBy(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx, WithGroupBy(false))
	require.NoError(t, tl.PartitionCreated(ctx, "a"))

	require.NoError(t, tl.Process(ctx, "a", event.NewChunk(testutils.CurrentEvent(10, "from-a", "a"))))
	require.NoError(t, tl.Process(ctx, "b", event.NewChunk(testutils.CurrentEvent(20, "from-b", "b"))))
	assert.Equal(t, []string{GlobalPartition}, tl.Partitions())

	require.NoError(t, tl.Process(ctx, GlobalPartition, timer(1000)))
	outputs := tl.sink.get()
	require.Len(t, outputs, 1)
	assert.Equal(t, GlobalPartition, outputs[0].key)
	assert.Equal(t, "from-b", string(outputs[0].chunk.First().Payload))
}

func TestLimiter_PristinePartitionIsDestroyed(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)

	// an Expired event on an uncreated partition leaves it pristine
	require.NoError(t, tl.Process(ctx, "k", event.NewChunk(testutils.ExpiredEvent(10, "x", "k"))))
	assert.Empty(t, tl.Partitions())

	require.NoError(t, tl.PartitionCreated(ctx, "k"))
	assert.Equal(t, []string{"k"}, tl.Partitions())
}

func TestLimiter_ConcurrentPartitions(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)

	const partitions = 8
	var wg sync.WaitGroup
	for i := 0; i < partitions; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, tl.PartitionCreated(ctx, key))
		wg.Add(2)
		go func() {
			defer wg.Done()
			for ts := int64(0); ts < 3000; ts += 10 {
				assert.NoError(t, tl.Process(ctx, key, event.NewChunk(testutils.CurrentEvent(ts, "v", key))))
			}
		}()
		go func() {
			defer wg.Done()
			for at := int64(1000); at <= 3000; at += 1000 {
				assert.NoError(t, tl.Process(ctx, key, timer(at)))
			}
		}()
	}
	wg.Wait()

	// one flush per interval boundary whichever event reached it first
	perKey := make(map[string]int)
	for _, o := range tl.sink.get() {
		perKey[o.key]++
	}
	for i := 0; i < partitions; i++ {
		key := fmt.Sprintf("k%d", i)
		assert.Equal(t, 3, perKey[key])
		assert.Equal(t, int64(4000), tl.inspect(t, key).ScheduledTime)
	}
}

func TestLimiter_SnapshotRestore(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	require.NoError(t, tl.PartitionCreated(ctx, "a"))
	require.NoError(t, tl.PartitionCreated(ctx, "b"))
	require.NoError(t, tl.Process(ctx, "a", event.NewChunk(testutils.CurrentEvent(300, "va", "a"))))

	snapshots, err := tl.SnapshotState(ctx)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	restored := newTestLimiter(t, ctx)
	require.NoError(t, restored.RestoreState(ctx, snapshots))
	assert.Equal(t, []string{"a", "b"}, restored.Partitions())
	assert.ElementsMatch(t, []armRequest{{key: "a", at: 1000}, {key: "b", at: 1000}}, restored.sched.requests())

	a := restored.inspect(t, "a")
	require.NotNil(t, a.RetainedEvent)
	assert.Equal(t, "va", string(a.RetainedEvent.Payload))
	assert.Equal(t, int64(300), a.RetainedEvent.Timestamp)
	assert.Equal(t, int64(1000), a.ScheduledTime)
	b := restored.inspect(t, "b")
	assert.Nil(t, b.RetainedEvent)
	assert.Equal(t, int64(1000), b.ScheduledTime)

	// the restored partition flushes the restored event
	require.NoError(t, restored.Process(ctx, "a", timer(1000)))
	outputs := restored.sink.get()
	require.Len(t, outputs, 1)
	assert.Equal(t, "va", string(outputs[0].chunk.First().Payload))
}

func TestLimiter_RestoreBufferedEvents(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	snap := Snapshot{
		ScheduledTime:  1000,
		BufferedEvents: []*event.Event{testutils.CurrentEvent(900, "buffered", "k")},
	}
	data, err := snap.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, tl.RestoreState(ctx, map[string][]byte{"k": data}))

	// buffered events are applied before the incoming chunk
	require.NoError(t, tl.Process(ctx, "k", timer(1000)))
	outputs := tl.sink.get()
	require.Len(t, outputs, 1)
	assert.Equal(t, "buffered", string(outputs[0].chunk.First().Payload))
	after := tl.inspect(t, "k")
	assert.Empty(t, after.BufferedEvents)
	assert.Equal(t, "buffered", string(after.RetainedEvent.Payload))
}

func TestLimiter_RestoreCorruptSnapshot(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	good, err := Snapshot{ScheduledTime: 2000}.MarshalBinary()
	require.NoError(t, err)

	err = tl.RestoreState(ctx, map[string][]byte{"bad": {0x01, 0x02}, "good": good})
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
	assert.ErrorIs(t, err, checkpoint.ErrUnrestorable)
	assert.Equal(t, []string{"good"}, tl.Partitions())
}

func TestLimiter_RecoverSkipsCorruptEntry(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	good, err := Snapshot{RetainedEvent: testutils.CurrentEvent(500, "v500", "good"), ScheduledTime: 2000}.MarshalBinary()
	require.NoError(t, err)

	store := memory.NewMemoryStore(0)
	defer func() { _ = store.Close() }()
	require.NoError(t, store.Write(ctx, &checkpoint.Checkpoint{
		ID:        "cp-1",
		CreatedAt: time.UnixMilli(1500),
		Limiter:   tl.Name(),
		Entries:   map[string][]byte{"bad": {0x02, 0x01, 0xff}, "good": good},
	}))
	c, err := checkpoint.NewCheckpointer(ctx, tl.Limiter, store)
	require.NoError(t, err)

	require.NoError(t, c.Recover(ctx))
	assert.Equal(t, []string{"good"}, tl.Partitions())
	restored := tl.inspect(t, "good")
	assert.Equal(t, int64(2000), restored.ScheduledTime)
	assert.Equal(t, "v500", string(restored.RetainedEvent.Payload))
	assert.Equal(t, []armRequest{{key: "good", at: 2000}}, tl.sched.requests())
}

func TestLimiter_WithTimerScheduler(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	fc := testingclock.NewFakeClock(time.UnixMilli(0))
	s := &sink{}
	l, err := NewLimiter(ctx, "timer", time.Second, WithClock(fc), WithCallback(s.callback))
	require.NoError(t, err)
	l.Start(ctx)
	defer l.Stop()

	require.NoError(t, l.PartitionCreated(ctx, "k"))
	require.NoError(t, l.Process(ctx, "k", event.NewChunk(testutils.CurrentEvent(200, "v", "k"))))

	for i := 1; i <= 2; i++ {
		assert.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
		fc.Step(time.Second)
		assert.Eventually(t, func() bool { return len(s.get()) == i }, time.Second, time.Millisecond)
	}
	for _, o := range s.get() {
		assert.Equal(t, "v", string(o.chunk.First().Payload))
	}
}

func TestLimiter_IsHealthy(t *testing.T) {
	ctx, cancel := testContext()
	defer cancel()
	tl := newTestLimiter(t, ctx)
	assert.NoError(t, tl.IsHealthy(ctx))
	tl.Stop()
	assert.Error(t, tl.IsHealthy(ctx))
}
