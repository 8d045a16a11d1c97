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
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/numaproj/snapshotter/pkg/metrics"
	"github.com/numaproj/snapshotter/pkg/shared/logging"
)

// Checkpointer periodically captures the partitions of a limiter into a Store, and restores the
// latest checkpoint on startup.
type Checkpointer struct {
	target Snapshotter
	store  Store
	opts   *options
	cron   *cron.Cron
	// mu serializes checkpoints, a scheduled one and a final one on shutdown may overlap
	mu  sync.Mutex
	log *zap.SugaredLogger
}

// NewCheckpointer returns a Checkpointer writing the state of target to store.
func NewCheckpointer(ctx context.Context, target Snapshotter, store Store, opts ...Option) (*Checkpointer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			if err := opt(o); err != nil {
				return nil, err
			}
		}
	}
	log := logging.FromContext(ctx).With("limiter", target.Name(), "store", store.Name())
	cl := cronLogger{log: log}
	return &Checkpointer{
		target: target,
		store:  store,
		opts:   o,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:    log,
	}, nil
}

// Recover restores the latest checkpoint of the store into the target. A store without checkpoints is
// not an error. Entries the target reports as ErrUnrestorable are logged, counted and skipped so one
// bad partition does not block a restart, any other restore error is returned.
func (c *Checkpointer) Recover(ctx context.Context) error {
	cp, err := c.store.Latest(ctx)
	if errors.Is(err, ErrNotFound) {
		c.log.Infow("No checkpoint found, starting with an empty state")
		return nil
	}
	if err != nil {
		c.recordError("recover")
		return fmt.Errorf("failed to read the latest checkpoint: %w", err)
	}
	if cp.Limiter != c.target.Name() {
		c.recordError("recover")
		return fmt.Errorf("latest checkpoint %s belongs to limiter %q, expected %q", cp.ID, cp.Limiter, c.target.Name())
	}
	var fatal error
	var skipped int
	for _, rErr := range multierr.Errors(c.target.RestoreState(ctx, cp.Entries)) {
		if errors.Is(rErr, ErrUnrestorable) {
			skipped++
			c.recordError("skip_entry")
			c.log.Errorw("Skipping checkpoint entry", zap.String("id", cp.ID), zap.Error(rErr))
			continue
		}
		fatal = multierr.Append(fatal, rErr)
	}
	if fatal != nil {
		c.recordError("restore")
		return fmt.Errorf("failed to restore checkpoint %s: %w", cp.ID, fatal)
	}
	c.log.Infow("Recovered from checkpoint", zap.String("id", cp.ID), zap.Time("createdAt", cp.CreatedAt),
		zap.Int("partitions", len(cp.Entries)-skipped), zap.Int("skipped", skipped))
	return nil
}

// Checkpoint captures every partition of the target and writes them to the store, retrying a failed
// write until the backoff is exhausted or ctx is done.
func (c *Checkpointer) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	entries, err := c.target.SnapshotState(ctx)
	if err != nil {
		c.recordError("snapshot")
		return nil, fmt.Errorf("failed to capture the partitions: %w", err)
	}
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		CreatedAt: c.opts.clock.Now(),
		Limiter:   c.target.Name(),
		Entries:   entries,
	}

	attempt := 0
	var lastErr error
	backoffErr := wait.ExponentialBackoff(c.opts.retryBackoff, func() (bool, error) {
		// no point retrying after we have been asked to stop
		if err := ctx.Err(); err != nil {
			return false, err
		}
		attempt++
		if lastErr = c.store.Write(ctx, cp); lastErr != nil {
			c.log.Errorw("Failed to write checkpoint, retrying", zap.String("id", cp.ID), zap.Int("attempt", attempt), zap.Error(lastErr))
			return false, nil
		}
		return true, nil
	})
	if backoffErr != nil {
		c.recordError("write")
		if lastErr != nil {
			return nil, fmt.Errorf("failed to write checkpoint %s after %d attempts: %w", cp.ID, attempt, lastErr)
		}
		return nil, fmt.Errorf("failed to write checkpoint %s: %w", cp.ID, backoffErr)
	}

	var size int
	for k, v := range entries {
		size += len(k) + len(v)
	}
	metrics.CheckpointCount.WithLabelValues(cp.Limiter, c.store.Name()).Inc()
	metrics.CheckpointBytes.WithLabelValues(cp.Limiter, c.store.Name()).Set(float64(size))
	metrics.CheckpointTime.WithLabelValues(cp.Limiter, c.store.Name()).Observe(float64(time.Since(start).Milliseconds()))
	c.log.Debugw("Wrote checkpoint", zap.String("id", cp.ID), zap.Int("partitions", len(entries)), zap.Int("attempts", attempt))
	return cp, nil
}

// Start schedules a checkpoint every interval. It returns immediately.
func (c *Checkpointer) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", c.opts.interval)
	if _, err := c.cron.AddFunc(spec, func() {
		if _, err := c.Checkpoint(ctx); err != nil {
			c.log.Errorw("Scheduled checkpoint failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule checkpoints %q: %w", spec, err)
	}
	c.cron.Start()
	c.log.Infow("Started checkpointer", zap.Duration("interval", c.opts.interval))
	return nil
}

// Stop stops scheduling checkpoints and waits for a running one to finish.
func (c *Checkpointer) Stop() {
	<-c.cron.Stop().Done()
	c.log.Infow("Stopped checkpointer")
}

func (c *Checkpointer) recordError(reason string) {
	metrics.CheckpointErrors.WithLabelValues(c.target.Name(), c.store.Name(), reason).Inc()
}

// cronLogger routes the cron scheduler logs to zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, zap.Error(err))...)
}
