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
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/numaproj/snapshotter/pkg/checkpoint"
	fsstore "github.com/numaproj/snapshotter/pkg/checkpoint/fs"
	memorystore "github.com/numaproj/snapshotter/pkg/checkpoint/memory"
	noopstore "github.com/numaproj/snapshotter/pkg/checkpoint/noop"
	redisstore "github.com/numaproj/snapshotter/pkg/checkpoint/redis"
	"github.com/numaproj/snapshotter/pkg/config"
)

// newStore builds the checkpoint store of the configuration.
func newStore(ctx context.Context, conf *config.Config) (checkpoint.Store, error) {
	c := conf.Checkpoint
	switch c.Store {
	case config.StoreTypeNone:
		return noopstore.NewNoopStore(), nil
	case config.StoreTypeMemory:
		return memorystore.NewMemoryStore(c.Retention), nil
	case config.StoreTypeFS:
		return fsstore.NewFSStore(ctx, c.Dir, fsstore.WithRetention(c.Retention))
	case config.StoreTypeRedis:
		opts := &redis.UniversalOptions{
			Addrs:      c.Redis.Addrs,
			Username:   c.Redis.Username,
			Password:   c.Redis.Password,
			MasterName: c.Redis.MasterName,
		}
		return redisstore.NewRedisStore(ctx, opts, conf.Limiter.Name, redisstore.WithKeyPrefix(c.Redis.KeyPrefix), redisstore.WithRetention(c.Retention))
	default:
		return nil, fmt.Errorf("unsupported checkpoint store %q", c.Store)
	}
}

// addConfigFlags registers the flags shared by the commands reading the configuration. The returned
// loader binds them, along with the extra configuration key to flag bindings, before loading.
func addConfigFlags(command *cobra.Command, configFile *string, extra map[string]string) func() (*config.Config, *viper.Viper, error) {
	flags := command.Flags()
	flags.StringVarP(configFile, "config", "c", "", "path of the configuration file, defaults to ./snapshotter.yaml")
	flags.String("name", "", "name of the limiter")
	flags.String("checkpoint-store", "", "checkpoint store, one of none, memory, fs, redis")
	flags.String("checkpoint-dir", "", "directory of the fs checkpoint store")
	flags.StringSlice("redis-addrs", nil, "addresses of the redis checkpoint store")

	bindings := map[string]string{
		"limiter.name":           "name",
		"checkpoint.store":       "checkpoint-store",
		"checkpoint.dir":         "checkpoint-dir",
		"checkpoint.redis.addrs": "redis-addrs",
	}
	for key, flag := range extra {
		bindings[key] = flag
	}
	return func() (*config.Config, *viper.Viper, error) {
		v := config.NewViper(*configFile)
		for key, flag := range bindings {
			if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
				return nil, nil, err
			}
		}
		conf, err := config.Load(v)
		return conf, v, err
	}
}
