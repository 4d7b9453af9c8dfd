// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/storyweave/storyweave/lib/featureflag"
)

func flagsCommand(stdout io.Writer) *command {
	var common options
	return &command{
		name:    "flags",
		summary: "Show the feature flags the configuration resolves to",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("flags", pflag.ContinueOnError)
			common.addFlags(flagSet)
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 0 {
				return usagef("flags takes no arguments")
			}
			cfg, _, err := common.load()
			if err != nil {
				return err
			}
			flags := featureflag.New(cfg.Features.Flags())
			tw := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
			for _, name := range flags.Names() {
				fmt.Fprintf(tw, "%s\t%t\n", name, flags.Enabled(name))
			}
			return tw.Flush()
		},
	}
}
