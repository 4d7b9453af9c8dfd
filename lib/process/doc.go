// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by the storyweave
// binaries: reporting the error returned from run() before the
// structured logger exists, and choosing the exit code.
package process
