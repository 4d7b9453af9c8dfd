// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the storyweave
// binaries. The variables are injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/storyweave/storyweave/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds and tests see the defaults.
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" when the tree had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the release version.
	Version = "0.1.0-dev"
)

// Info returns the --version line, e.g. "0.1.0-dev (abc1234-dirty, 2026-10-01T12:00:00Z)".
func Info() string {
	commit := GitCommit
	if GitDirty == "true" {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, BuildTime)
}

// Full adds the Go toolchain and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent is the User-Agent sent by the HTTP clients, e.g.
// "storyweave-sync/0.1.0-dev (abc1234)".
func UserAgent(binary string) string {
	return fmt.Sprintf("%s/%s (%s)", binary, Version, GitCommit)
}
