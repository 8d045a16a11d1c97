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

package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/numaproj/snapshotter"
	"github.com/numaproj/snapshotter/pkg/checkpoint"
	"github.com/numaproj/snapshotter/pkg/config"
	"github.com/numaproj/snapshotter/pkg/event"
	"github.com/numaproj/snapshotter/pkg/metrics"
	"github.com/numaproj/snapshotter/pkg/partition"
	"github.com/numaproj/snapshotter/pkg/ratelimit/snapshot"
	"github.com/numaproj/snapshotter/pkg/shared/logging"
	"github.com/numaproj/snapshotter/pkg/sinks/jsonl"
	jsonlsource "github.com/numaproj/snapshotter/pkg/sources/jsonl"
	"github.com/numaproj/snapshotter/pkg/state"
)

func NewRunCommand() *cobra.Command {
	var (
		configFile string
		exitOnEOF  bool
	)

	command := &cobra.Command{
		Use:   "run",
		Short: "Rate limit JSON line events from stdin into periodic snapshots on stdout",
	}
	load := addConfigFlags(command, &configFile, map[string]string{
		"limiter.interval": "interval",
		"limiter.groupBy":  "group-by",
		"router.workers":   "workers",
		"metrics.enabled":  "metrics",
		"metrics.port":     "metrics-port",
	})
	command.Flags().Duration("interval", 0, "snapshot interval")
	command.Flags().Bool("group-by", true, "keep one snapshot per event key")
	command.Flags().Int("workers", 0, "number of partition workers")
	command.Flags().Bool("metrics", true, "serve metrics and health endpoints")
	command.Flags().Int("metrics-port", 0, "port of the metrics server")
	command.Flags().BoolVar(&exitOnEOF, "exit-on-eof", true, "stop once the input is exhausted, otherwise keep emitting until interrupted")

	command.RunE = func(cmd *cobra.Command, args []string) error {
		conf, v, err := load()
		if err != nil {
			return err
		}
		log := logging.NewLogger().Named("run").With("limiter", conf.Limiter.Name)
		if err := logging.SetLevel(conf.LogLevel); err != nil {
			return err
		}
		version := snapshotter.GetVersion()
		log.Infow("Starting snapshotter", "version", version.Version)
		metrics.BuildInfo.WithLabelValues(version.Version, version.Platform).Set(1)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx = logging.WithLogger(ctx, log)

		if v.ConfigFileUsed() != "" {
			config.Watch(v, func(c *config.Config) {
				if err := logging.SetLevel(c.LogLevel); err != nil {
					log.Errorw("Failed to apply the new log level", zap.Error(err))
					return
				}
				log.Infow("Reloaded configuration, only logLevel is applied without a restart", zap.String("file", v.ConfigFileUsed()))
			}, func(err error) {
				log.Errorw("Ignoring invalid configuration change", zap.Error(err))
			})
		}
		return run(ctx, cmd, conf, exitOnEOF)
	}
	return command
}

func run(ctx context.Context, cmd *cobra.Command, conf *config.Config, exitOnEOF bool) (err error) {
	log := logging.FromContext(ctx)

	sink := jsonl.NewSink(cmd.OutOrStdout())
	limiter, err := snapshot.NewLimiter(ctx, conf.Limiter.Name, conf.Limiter.Interval,
		snapshot.WithGroupBy(conf.Limiter.GroupBy),
		snapshot.WithStateOptions(state.WithMaxPartitions(conf.Limiter.MaxPartitions)),
		snapshot.WithCallback(sink.Callback(conf.Limiter.Name)),
	)
	if err != nil {
		return err
	}

	store, err := newStore(ctx, conf)
	if err != nil {
		return err
	}
	defer func() {
		if cErr := store.Close(); cErr != nil {
			log.Errorw("Failed to close the checkpoint store", zap.Error(cErr))
		}
	}()
	var checkpointOpts []checkpoint.Option
	if conf.Checkpoint.Store != config.StoreTypeNone {
		checkpointOpts = append(checkpointOpts, checkpoint.WithInterval(conf.Checkpoint.Interval))
	}
	checkpointer, err := checkpoint.NewCheckpointer(ctx, limiter, store, checkpointOpts...)
	if err != nil {
		return err
	}
	if err := checkpointer.Recover(ctx); err != nil {
		return err
	}

	limiter.Start(ctx)
	defer limiter.Stop()

	if conf.Metrics.Enabled {
		opts := metrics.NewMetricsOptions(ctx, conf.Metrics.Port, []metrics.HealthChecker{limiter})
		opts = append(opts, metrics.WithPprof(conf.Metrics.Pprof))
		shutdown, err := metrics.NewMetricsServer(opts...).Start(ctx)
		if err != nil {
			return err
		}
		defer func() {
			sCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sCtx)
		}()
	}

	if conf.Checkpoint.Store != config.StoreTypeNone {
		if err := checkpointer.Start(ctx); err != nil {
			return err
		}
		defer func() {
			checkpointer.Stop()
			// the context is likely done, the final checkpoint gets its own
			fCtx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), log), 30*time.Second)
			defer cancel()
			if _, cErr := checkpointer.Checkpoint(fCtx); cErr != nil {
				log.Errorw("Failed to write the final checkpoint", zap.Error(cErr))
				err = multierr.Append(err, cErr)
			}
		}()
	}

	router, err := partition.NewRouter(ctx, limiter,
		partition.WithWorkers(conf.Router.Workers),
		partition.WithBatchSize(conf.Router.BatchSize),
		partition.WithBufferSize(conf.Router.BufferSize),
		partition.WithErrorHandler(func(key string, pErr error) error {
			if errors.Is(pErr, snapshot.ErrStateAccess) {
				return pErr
			}
			log.Errorw("Failed to process partition", zap.String("key", key), zap.Error(pErr))
			return nil
		}),
	)
	if err != nil {
		return err
	}
	// restored partitions already have their timer armed
	router.Seed(limiter.Partitions()...)

	source, err := jsonlsource.NewSource(ctx, cmd.InOrStdin(), jsonlsource.WithSkipInvalid(conf.Input.SkipInvalid))
	if err != nil {
		return err
	}

	events := make(chan *event.Event, conf.Router.BufferSize)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		if err := source.Read(gCtx, events); err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		log.Infow("Input exhausted")
		return nil
	})
	g.Go(func() error {
		return router.Run(gCtx, events)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if !exitOnEOF {
		<-ctx.Done()
	}
	log.Infow("Shutting down", zap.Strings("partitions", limiter.Partitions()))
	return nil
}
