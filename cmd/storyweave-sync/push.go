// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/storyweave/storyweave/transport"
)

func pushCommand(ctx context.Context, stdout io.Writer) *command {
	var common options
	var projectID string
	return &command{
		name:    "push",
		summary: "Submit an operation batch from a JSONC file",
		usage:   "storyweave-sync push [flags] <batch.jsonc>",
		examples: []example{
			{
				description: "Push a batch, letting the dispatcher pick the channel",
				command:     "storyweave-sync push --config storyweave.yaml chapter-3.jsonc",
			},
		},
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("push", pflag.ContinueOnError)
			common.addFlags(flagSet)
			flagSet.StringVar(&projectID, "project", "", "override the batch file's projectId")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 1 {
				return usagef("push takes exactly one batch file")
			}
			cfg, logger, err := common.load()
			if err != nil {
				return err
			}
			batch, err := readBatchFile(args[0], cfg.Sync.ActorID, time.Now())
			if err != nil {
				return err
			}
			if projectID != "" {
				batch.ProjectID = projectID
			}

			session, err := openSyncSession(ctx, cfg, logger, batch.ProjectID)
			if err != nil {
				return err
			}
			defer session.Close(ctx)

			result, err := session.dispatcher.SendOperations(ctx, batch)
			if err != nil {
				return fmt.Errorf("push %s: %w", args[0], err)
			}
			return writeJSON(stdout, result)
		},
	}
}

// readBatchFile parses a batch written by hand. Comments and trailing
// commas are allowed. Operations without an id, clientTimestamp or
// actorId get a fresh ID, now, and actorID.
func readBatchFile(path, actorID string, now time.Time) (transport.OperationBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return transport.OperationBatch{}, fmt.Errorf("reading batch: %w", err)
	}
	var batch transport.OperationBatch
	if err := json.Unmarshal(jsonc.ToJSON(data), &batch); err != nil {
		return transport.OperationBatch{}, fmt.Errorf("parsing batch %s: %w", path, err)
	}
	for i := range batch.Operations {
		operation := &batch.Operations[i]
		if operation.ID == "" {
			operation.ID = transport.NewID(now)
		}
		if operation.ClientTimestamp.IsZero() {
			operation.ClientTimestamp = now.UTC()
		}
		if operation.ActorID == "" {
			operation.ActorID = actorID
		}
	}
	return batch, nil
}
