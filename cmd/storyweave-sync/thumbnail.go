// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/storyweave/storyweave/media"
)

func thumbnailCommand(stdout io.Writer) *command {
	var common options
	var owner, container, resource, slot, storagePath, fingerprint string
	return &command{
		name:    "thumbnail-url",
		summary: "Print the cache-busting proxy URL for a resource's thumbnail",
		usage:   "storyweave-sync thumbnail-url --owner <id> --container <id> --resource <id> --slot <id> --storage-path <path>",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("thumbnail-url", pflag.ContinueOnError)
			common.addFlags(flagSet)
			flagSet.StringVar(&owner, "owner", "", "owner ID (required)")
			flagSet.StringVar(&container, "container", "", "container ID (required)")
			flagSet.StringVar(&resource, "resource", "", "resource ID (required)")
			flagSet.StringVar(&slot, "slot", "", "slot ID (required)")
			flagSet.StringVar(&storagePath, "storage-path", "", "storage path of the current file; versions the URL")
			flagSet.StringVar(&fingerprint, "fingerprint", "", "explicit version token instead of --storage-path")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 0 {
				return usagef("thumbnail-url takes no positional arguments")
			}
			if err := requireFlags(map[string]string{
				"owner": owner, "container": container, "resource": resource, "slot": slot,
			}); err != nil {
				return err
			}
			if (storagePath == "") == (fingerprint == "") {
				return usagef("exactly one of --storage-path or --fingerprint is required")
			}
			cfg, _, err := common.load()
			if err != nil {
				return err
			}
			builder, err := media.NewProxyURLBuilder(cfg.Media.ProxyURL)
			if err != nil {
				return err
			}

			coords := media.Coordinates{OwnerID: owner, ContainerID: container, ResourceID: resource, SlotID: slot}
			var url string
			if fingerprint != "" {
				url, err = builder.ThumbnailWithFingerprint(coords, fingerprint)
			} else {
				url, err = builder.Thumbnail(coords, storagePath)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(stdout, url)
			return err
		},
	}
}
