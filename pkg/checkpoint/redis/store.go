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

// Package redis implements a checkpoint store on redis. Every checkpoint is a string key, and a sorted
// set scored by creation time indexes the checkpoints of a limiter.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/numaproj/snapshotter/pkg/checkpoint"
	"github.com/numaproj/snapshotter/pkg/shared/logging"
)

const DefaultKeyPrefix = "snapshotter"

type options struct {
	// keyPrefix is prepended to every key
	keyPrefix string
	// retention is the number of checkpoints kept, 0 keeps all of them
	retention int64
}

type Option func(*options) error

func WithKeyPrefix(prefix string) Option {
	return func(o *options) error {
		if prefix == "" {
			return fmt.Errorf("key prefix must not be empty")
		}
		o.keyPrefix = prefix
		return nil
	}
}

// WithRetention keeps only the last n checkpoints, 0 keeps all of them.
func WithRetention(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return fmt.Errorf("retention must not be negative, got %d", n)
		}
		o.retention = int64(n)
		return nil
	}
}

type redisStore struct {
	client  redis.UniversalClient
	limiter string
	opts    *options
	log     *zap.SugaredLogger
}

var _ checkpoint.Store = (*redisStore)(nil)

// NewRedisStore returns a store for the checkpoints of the given limiter. The store owns the client
// and closes it on Close.
func NewRedisStore(ctx context.Context, redisOptions *redis.UniversalOptions, limiter string, opts ...Option) (checkpoint.Store, error) {
	o := &options{keyPrefix: DefaultKeyPrefix, retention: 3}
	for _, opt := range opts {
		if opt != nil {
			if err := opt(o); err != nil {
				return nil, err
			}
		}
	}
	return &redisStore{
		client:  redis.NewUniversalClient(redisOptions),
		limiter: limiter,
		opts:    o,
		log:     logging.FromContext(ctx).With("limiter", limiter, "store", "redis"),
	}, nil
}

func (s *redisStore) Name() string {
	return "redis"
}

func (s *redisStore) key(id string) string {
	return fmt.Sprintf("%s:%s:%s", s.opts.keyPrefix, s.limiter, id)
}

func (s *redisStore) indexKey() string {
	return fmt.Sprintf("%s:%s:index", s.opts.keyPrefix, s.limiter)
}

// Write stores the checkpoint and indexes it in one transaction.
func (s *redisStore) Write(ctx context.Context, cp *checkpoint.Checkpoint) error {
	data, err := cp.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(cp.ID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(cp.CreatedAt.UnixMilli()), Member: cp.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", cp.ID, err)
	}
	return s.applyRetention(ctx)
}

func (s *redisStore) applyRetention(ctx context.Context) error {
	if s.opts.retention == 0 {
		return nil
	}
	count, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return err
	}
	if count <= s.opts.retention {
		return nil
	}
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, count-s.opts.retention-1).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Latest returns the newest indexed checkpoint that can be read. Index entries without a value and
// corrupt values are skipped.
func (s *redisStore) Latest(ctx context.Context) (*checkpoint.Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.key(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			s.log.Warnw("Indexed checkpoint has no value", zap.String("id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		cp := new(checkpoint.Checkpoint)
		if err := cp.UnmarshalBinary(data); err != nil {
			s.log.Errorw("Skipping corrupt checkpoint", zap.String("id", id), zap.Error(err))
			continue
		}
		return cp, nil
	}
	return nil, checkpoint.ErrNotFound
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	var zrem *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		zrem = pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	if zrem.Val() == 0 {
		return fmt.Errorf("%s: %w", id, checkpoint.ErrNotFound)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
