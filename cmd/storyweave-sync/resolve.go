// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/storyweave/storyweave/media"
)

func resolveCommand(ctx context.Context, stdout io.Writer) *command {
	var common options
	var owner, container, slot string
	var resources, variantNames []string
	return &command{
		name:    "resolve",
		summary: "Resolve signed media URLs for one or more resources",
		usage:   "storyweave-sync resolve --owner <id> --container <id> --resource <id>... --slot <id> [--variant <name>...]",
		examples: []example{
			{
				description: "Thumbnails and originals for two covers in one call",
				command:     "storyweave-sync resolve --owner u1 --container novel --resource a,b --slot cover --variant thumbnail,original",
			},
		},
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("resolve", pflag.ContinueOnError)
			common.addFlags(flagSet)
			flagSet.StringVar(&owner, "owner", "", "owner ID (required)")
			flagSet.StringVar(&container, "container", "", "container ID (required)")
			flagSet.StringSliceVar(&resources, "resource", nil, "resource IDs (required, repeatable)")
			flagSet.StringVar(&slot, "slot", "", "slot ID (required)")
			flagSet.StringSliceVar(&variantNames, "variant", []string{string(media.VariantOptimized)}, "variants: thumbnail, optimized, original")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 0 {
				return usagef("resolve takes no positional arguments")
			}
			if err := requireFlags(map[string]string{"owner": owner, "container": container, "slot": slot}); err != nil {
				return err
			}
			if len(resources) == 0 {
				return usagef("at least one --resource is required")
			}
			variants := make([]media.Variant, 0, len(variantNames))
			for _, name := range variantNames {
				variant, err := media.ParseVariant(name)
				if err != nil {
					return usagef("%v", err)
				}
				variants = append(variants, variant)
			}

			cfg, logger, err := common.load()
			if err != nil {
				return err
			}
			tracerProvider, shutdown, err := setupTracing(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdown(context.WithoutCancel(ctx))
			cache, err := newMediaCache(cfg, logger, tracerProvider)
			if err != nil {
				return err
			}

			coordsList := make([]media.Coordinates, len(resources))
			for i, resource := range resources {
				coordsList[i] = media.Coordinates{OwnerID: owner, ContainerID: container, ResourceID: resource, SlotID: slot}
			}
			urls, resolveErr := cache.ResolveBatch(ctx, coordsList, variants)

			keys := make([]media.Key, 0, len(urls))
			for key := range urls {
				keys = append(keys, key)
			}
			slices.SortFunc(keys, func(a, b media.Key) int {
				return strings.Compare(a.String(), b.String())
			})
			tw := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
			for _, key := range keys {
				fmt.Fprintf(tw, "%s\t%s\n", key, urls[key])
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if resolveErr != nil {
				return fmt.Errorf("resolved %d of %d: %w", len(urls), len(coordsList)*len(variants), resolveErr)
			}
			return nil
		},
	}
}
