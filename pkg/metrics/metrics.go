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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelVersion   = "version"
	LabelPlatform  = "platform"
	LabelLimiter   = "limiter"
	LabelEventType = "event_type"
	LabelReason    = "reason"
	LabelStore     = "store"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "A metric with a constant value '1', labeled by Snapshotter binary version and platform",
	}, []string{LabelVersion, LabelPlatform})
)

// Rate limiter metrics
var (
	// ProcessedEventsCount is used to indicate the number of events processed by the limiter, by event type
	ProcessedEventsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "ratelimiter",
		Name:      "processed_events_total",
		Help:      "Total number of events processed by the snapshot rate limiter",
	}, []string{LabelLimiter, LabelEventType})

	// FlushCount is used to indicate the number of snapshot flushes
	FlushCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "ratelimiter",
		Name:      "flush_total",
		Help:      "Total number of snapshot flushes",
	}, []string{LabelLimiter})

	// HeartbeatCount is used to indicate the number of flushes which emitted an empty chunk
	HeartbeatCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "ratelimiter",
		Name:      "heartbeat_total",
		Help:      "Total number of empty chunks emitted because no event was retained",
	}, []string{LabelLimiter})

	// ErrorsCount is used to indicate the number of errors, by reason
	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "ratelimiter",
		Name:      "errors_total",
		Help:      "Total number of rate limiter errors",
	}, []string{LabelLimiter, LabelReason})

	// ProcessingTime is a histogram to observe the time spent in one Process call
	ProcessingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "ratelimiter",
		Name:      "processing_time",
		Help:      "Processing latency of one chunk (100 microseconds to 1 second)",
		Buckets:   prometheus.ExponentialBucketsRange(100, 1000000, 10),
	}, []string{LabelLimiter})
)

// Partition state metrics
var (
	// ActivePartitionCount is used to indicate the number of live partition states
	ActivePartitionCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "state",
		Name:      "active_partitions",
		Help:      "Total number of active partition states",
	}, []string{LabelLimiter})

	// DestroyedPartitionCount is used to indicate the number of partition states garbage collected
	DestroyedPartitionCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "state",
		Name:      "destroyed_partitions_total",
		Help:      "Total number of partition states destroyed",
	}, []string{LabelLimiter})
)

// Scheduler metrics
var (
	// PendingTimers is used to indicate the number of armed timers not yet delivered
	PendingTimers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "scheduler",
		Name:      "pending_timers",
		Help:      "Total number of armed timers waiting for delivery",
	}, []string{LabelLimiter})

	// DeliveredTimersCount is used to indicate the number of timer events delivered
	DeliveredTimersCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "scheduler",
		Name:      "delivered_timers_total",
		Help:      "Total number of timer events delivered",
	}, []string{LabelLimiter})

	// DeliveryLag is a histogram to observe how late timer events are delivered
	DeliveryLag = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "scheduler",
		Name:      "delivery_lag",
		Help:      "Delay between the requested and the actual delivery time of a timer (in milliseconds)",
		Buckets:   prometheus.ExponentialBucketsRange(1, 60000, 10),
	}, []string{LabelLimiter})
)

// Checkpoint metrics
var (
	// CheckpointCount is used to indicate the number of checkpoints written
	CheckpointCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "checkpoint",
		Name:      "written_total",
		Help:      "Total number of checkpoints written",
	}, []string{LabelLimiter, LabelStore})

	// CheckpointErrors is used to indicate the number of checkpoint errors
	CheckpointErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "checkpoint",
		Name:      "errors_total",
		Help:      "Total number of checkpoint errors",
	}, []string{LabelLimiter, LabelStore, LabelReason})

	// CheckpointTime is a histogram to observe the time to capture and persist a checkpoint
	CheckpointTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "checkpoint",
		Name:      "time",
		Help:      "Checkpoint latency (1 to 60000 milliseconds)",
		Buckets:   prometheus.ExponentialBucketsRange(1, 60000, 10),
	}, []string{LabelLimiter, LabelStore})

	// CheckpointBytes is used to indicate the size of the last checkpoint
	CheckpointBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "checkpoint",
		Name:      "last_size_bytes",
		Help:      "Size of the last checkpoint written",
	}, []string{LabelLimiter, LabelStore})
)
