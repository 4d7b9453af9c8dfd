// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Storyweave-sync is the command-line client for the sync and media
// services. It pushes hand-written operation batches, pulls a
// project's operations, resolves media URLs through the resolution
// cache, and builds thumbnail proxy URLs.
//
// Configuration comes from --config, else the file named by
// STORYWEAVE_CONFIG, else STORYWEAVE_* environment variables alone.
// Results are printed to stdout as JSON or tab-separated lines; logs
// go to stderr.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/storyweave/storyweave/lib/process"
	"github.com/storyweave/storyweave/lib/version"
)

const binaryName = "storyweave-sync"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "--version" {
		fmt.Fprintf(stdout, "%s %s\n", binaryName, version.Full())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return newRootCommand(ctx, stdout).execute(args)
}

func newRootCommand(ctx context.Context, stdout io.Writer) *command {
	return &command{
		name:    binaryName,
		summary: "Storyweave sync client: push and pull operations, resolve media URLs.",
		subcommands: []*command{
			pushCommand(ctx, stdout),
			pullCommand(ctx, stdout),
			resolveCommand(ctx, stdout),
			thumbnailCommand(stdout),
			flagsCommand(stdout),
		},
	}
}
