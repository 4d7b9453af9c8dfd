// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

func pullCommand(ctx context.Context, stdout io.Writer) *command {
	var common options
	var projectID string
	var since int64
	return &command{
		name:    "pull",
		summary: "Fetch a project's operations after a version",
		usage:   "storyweave-sync pull --project <id> [--since <version>] [flags]",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("pull", pflag.ContinueOnError)
			common.addFlags(flagSet)
			flagSet.StringVar(&projectID, "project", "", "project ID (required)")
			flagSet.Int64Var(&since, "since", 0, "return operations after this version")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 0 {
				return usagef("pull takes no arguments")
			}
			if err := requireFlags(map[string]string{"project": projectID}); err != nil {
				return err
			}
			if since < 0 {
				return usagef("--since must not be negative")
			}
			cfg, logger, err := common.load()
			if err != nil {
				return err
			}
			// Reads always go over HTTP, so no stream is dialed.
			session, err := openSyncSession(ctx, cfg, logger, "")
			if err != nil {
				return err
			}
			defer session.Close(ctx)

			result, err := session.dispatcher.GetOperations(ctx, projectID, since)
			if err != nil {
				return fmt.Errorf("pull %s: %w", projectID, err)
			}
			return writeJSON(stdout, result)
		},
	}
}
