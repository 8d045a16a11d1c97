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

// Package config loads the snapshotter configuration from snapshotter.yaml, SNAPSHOTTER_ environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const (
	EnvPrefix  = "SNAPSHOTTER"
	ConfigName = "snapshotter"
)

type StoreType string

const (
	StoreTypeNone   StoreType = "none"
	StoreTypeMemory StoreType = "memory"
	StoreTypeFS     StoreType = "fs"
	StoreTypeRedis  StoreType = "redis"
)

type Config struct {
	LogLevel   string           `mapstructure:"logLevel"`
	Limiter    LimiterConfig    `mapstructure:"limiter"`
	Router     RouterConfig     `mapstructure:"router"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Input      InputConfig      `mapstructure:"input"`
}

type LimiterConfig struct {
	// Name identifies the limiter in the output, the metrics and the checkpoints.
	Name string `mapstructure:"name"`
	// Interval is the snapshot period.
	Interval time.Duration `mapstructure:"interval"`
	// GroupBy keeps one partition per event key, otherwise all events share one partition.
	GroupBy bool `mapstructure:"groupBy"`
	// MaxPartitions bounds the live partitions, 0 is unbounded.
	MaxPartitions int `mapstructure:"maxPartitions"`
}

type RouterConfig struct {
	Workers    int `mapstructure:"workers"`
	BatchSize  int `mapstructure:"batchSize"`
	BufferSize int `mapstructure:"bufferSize"`
}

type CheckpointConfig struct {
	Store     StoreType     `mapstructure:"store"`
	Interval  time.Duration `mapstructure:"interval"`
	Retention int           `mapstructure:"retention"`
	Dir       string        `mapstructure:"dir"`
	Redis     RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addrs      []string `mapstructure:"addrs"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	MasterName string   `mapstructure:"masterName"`
	KeyPrefix  string   `mapstructure:"keyPrefix"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
	Pprof   bool `mapstructure:"pprof"`
}

type InputConfig struct {
	// SkipInvalid drops input lines that cannot be decoded instead of stopping.
	SkipInvalid bool `mapstructure:"skipInvalid"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("limiter.name", "snapshot")
	v.SetDefault("limiter.interval", time.Second)
	v.SetDefault("limiter.groupBy", true)
	v.SetDefault("limiter.maxPartitions", 0)
	v.SetDefault("router.workers", 4)
	v.SetDefault("router.batchSize", 64)
	v.SetDefault("router.bufferSize", 256)
	v.SetDefault("checkpoint.store", string(StoreTypeNone))
	v.SetDefault("checkpoint.interval", 30*time.Second)
	v.SetDefault("checkpoint.retention", 3)
	v.SetDefault("checkpoint.dir", "/var/lib/snapshotter")
	v.SetDefault("checkpoint.redis.addrs", []string{})
	v.SetDefault("checkpoint.redis.username", "")
	v.SetDefault("checkpoint.redis.password", "")
	v.SetDefault("checkpoint.redis.masterName", "")
	v.SetDefault("checkpoint.redis.keyPrefix", "snapshotter")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2469)
	v.SetDefault("metrics.pprof", false)
	v.SetDefault("input.skipInvalid", false)
}

// NewViper returns a viper instance with the defaults set, reading configFile if given, otherwise
// snapshotter.yaml from the working directory or /etc/snapshotter if present.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/snapshotter")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. A missing default config file is not an error, a missing explicit
// one is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to load configuration file. %w", err)
		}
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("failed unmarshal configuration file. %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate returns every problem of the configuration.
func (c *Config) Validate() error {
	var err error
	if c.Limiter.Name == "" {
		err = multierr.Append(err, fmt.Errorf("limiter.name must not be empty"))
	}
	if c.Limiter.Interval < time.Millisecond {
		err = multierr.Append(err, fmt.Errorf("limiter.interval must be at least 1ms, got %v", c.Limiter.Interval))
	}
	if c.Limiter.MaxPartitions < 0 {
		err = multierr.Append(err, fmt.Errorf("limiter.maxPartitions must not be negative"))
	}
	if c.Router.Workers < 1 {
		err = multierr.Append(err, fmt.Errorf("router.workers must be positive"))
	}
	if c.Router.BatchSize < 1 {
		err = multierr.Append(err, fmt.Errorf("router.batchSize must be positive"))
	}
	if c.Router.BufferSize < 0 {
		err = multierr.Append(err, fmt.Errorf("router.bufferSize must not be negative"))
	}
	switch c.Checkpoint.Store {
	case StoreTypeNone, StoreTypeMemory:
	case StoreTypeFS:
		if c.Checkpoint.Dir == "" {
			err = multierr.Append(err, fmt.Errorf("checkpoint.dir is required for the fs store"))
		}
	case StoreTypeRedis:
		if len(c.Checkpoint.Redis.Addrs) == 0 {
			err = multierr.Append(err, fmt.Errorf("checkpoint.redis.addrs is required for the redis store"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unsupported checkpoint store %q", c.Checkpoint.Store))
	}
	if c.Checkpoint.Store != StoreTypeNone {
		if c.Checkpoint.Interval < time.Second {
			err = multierr.Append(err, fmt.Errorf("checkpoint.interval must be at least 1s, got %v", c.Checkpoint.Interval))
		}
		if c.Checkpoint.Retention < 0 {
			err = multierr.Append(err, fmt.Errorf("checkpoint.retention must not be negative"))
		}
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		err = multierr.Append(err, fmt.Errorf("metrics.port %d is out of range", c.Metrics.Port))
	}
	return err
}

// Watch calls onChange with the new configuration every time the config file changes. Invalid
// changes are reported to onError and otherwise ignored.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		conf, err := unmarshal(v)
		if err != nil {
			onError(fmt.Errorf("failed to reload %s: %w", e.Name, err))
			return
		}
		onChange(conf)
	})
	v.WatchConfig()
}
