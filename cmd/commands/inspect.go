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
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/numaproj/snapshotter/pkg/checkpoint"
	"github.com/numaproj/snapshotter/pkg/ratelimit/snapshot"
	"github.com/numaproj/snapshotter/pkg/shared/logging"
	"github.com/numaproj/snapshotter/pkg/sinks/jsonl"
)

type inspection struct {
	ID         string                `json:"id"`
	Limiter    string                `json:"limiter"`
	CreatedAt  time.Time             `json:"createdAt"`
	Partitions []partitionInspection `json:"partitions"`
}

type partitionInspection struct {
	Key            string              `json:"key"`
	ScheduledTime  int64               `json:"scheduledTime"`
	RetainedEvent  *jsonl.EventRecord  `json:"retainedEvent,omitempty"`
	BufferedEvents []jsonl.EventRecord `json:"bufferedEvents,omitempty"`
	Error          string              `json:"error,omitempty"`
}

func NewInspectCommand() *cobra.Command {
	var configFile string
	command := &cobra.Command{
		Use:   "inspect",
		Short: "Print the partitions of the latest checkpoint",
	}
	load := addConfigFlags(command, &configFile, nil)
	command.RunE = func(cmd *cobra.Command, args []string) error {
		conf, _, err := load()
		if err != nil {
			return err
		}
		log := logging.NewLogger().Named("inspect")
		ctx := logging.WithLogger(cmd.Context(), log)
		store, err := newStore(ctx, conf)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		cp, err := store.Latest(ctx)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return fmt.Errorf("no checkpoint found in the %s store", store.Name())
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(inspect(cp))
	}
	return command
}

func inspect(cp *checkpoint.Checkpoint) *inspection {
	out := &inspection{ID: cp.ID, Limiter: cp.Limiter, CreatedAt: cp.CreatedAt.UTC(), Partitions: []partitionInspection{}}
	for key, data := range cp.Entries {
		p := partitionInspection{Key: key}
		snap := new(snapshot.Snapshot)
		if err := snap.UnmarshalBinary(data); err != nil {
			p.Error = err.Error()
			out.Partitions = append(out.Partitions, p)
			continue
		}
		p.ScheduledTime = snap.ScheduledTime
		if snap.RetainedEvent != nil {
			rec := jsonl.ToRecord(snap.RetainedEvent)
			p.RetainedEvent = &rec
		}
		for _, e := range snap.BufferedEvents {
			p.BufferedEvents = append(p.BufferedEvents, jsonl.ToRecord(e))
		}
		out.Partitions = append(out.Partitions, p)
	}
	sort.Slice(out.Partitions, func(i, j int) bool {
		return out.Partitions[i].Key < out.Partitions[j].Key
	})
	return out
}
