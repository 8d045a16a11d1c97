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

package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/snapshotter/pkg/checkpoint"
)

// the tests need a redis server, REDIS_ADDR=localhost:6379
func newTestStore(t *testing.T, opts ...Option) checkpoint.Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is not set")
	}
	opts = append([]Option{WithKeyPrefix(fmt.Sprintf("test-%d", time.Now().UnixNano()))}, opts...)
	s, err := NewRedisStore(context.Background(), &redis.UniversalOptions{Addrs: []string{addr}}, "q1", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore_WriteLatestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithRetention(0))

	_, err := s.Latest(ctx)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	require.NoError(t, s.Write(ctx, &checkpoint.Checkpoint{ID: "a", CreatedAt: time.UnixMilli(1000), Limiter: "q1", Entries: map[string][]byte{"k": []byte("v1")}}))
	require.NoError(t, s.Write(ctx, &checkpoint.Checkpoint{ID: "b", CreatedAt: time.UnixMilli(2000), Limiter: "q1", Entries: map[string][]byte{"k": []byte("v2")}}))
	cp, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", cp.ID)
	assert.Equal(t, "v2", string(cp.Entries["k"]))

	require.NoError(t, s.Delete(ctx, "b"))
	assert.ErrorIs(t, s.Delete(ctx, "b"), checkpoint.ErrNotFound)
	cp, err = s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", cp.ID)
}

func TestRedisStore_Retention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithRetention(1))
	require.NoError(t, s.Write(ctx, &checkpoint.Checkpoint{ID: "a", CreatedAt: time.UnixMilli(1000), Limiter: "q1", Entries: map[string][]byte{}}))
	require.NoError(t, s.Write(ctx, &checkpoint.Checkpoint{ID: "b", CreatedAt: time.UnixMilli(2000), Limiter: "q1", Entries: map[string][]byte{}}))
	assert.ErrorIs(t, s.Delete(ctx, "a"), checkpoint.ErrNotFound)
}

func TestNewRedisStore_InvalidOptions(t *testing.T) {
	_, err := NewRedisStore(context.Background(), &redis.UniversalOptions{}, "q1", WithKeyPrefix(""))
	assert.Error(t, err)
	_, err = NewRedisStore(context.Background(), &redis.UniversalOptions{}, "q1", WithRetention(-1))
	assert.Error(t, err)
}
