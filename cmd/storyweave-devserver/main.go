// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Storyweave-devserver runs the sync and media server for local
// development. The operation log lives in memory and is lost on exit
// unless --db names a SQLite file to keep it in.
//
// Point storyweave-sync at it with:
//
//	sync:
//	  api_url: http://127.0.0.1:8470
//	  stream_url: ws://127.0.0.1:8470/v1/stream
//	media:
//	  resolve_url: http://127.0.0.1:8470
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/storyweave/storyweave/internal/devserver"
	"github.com/storyweave/storyweave/lib/codec"
	"github.com/storyweave/storyweave/lib/process"
	"github.com/storyweave/storyweave/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		listenAddress   string
		token           string
		databasePath    string
		urlLifetime     time.Duration
		compressionName string
		logLevel        string
		showVersion     bool
	)

	flagSet := pflag.NewFlagSet("storyweave-devserver", pflag.ContinueOnError)
	flagSet.StringVar(&listenAddress, "listen", "127.0.0.1:8470", "TCP address to listen on")
	flagSet.StringVar(&token, "token", os.Getenv("STORYWEAVE_SYNC_TOKEN"), "bearer token clients must present (empty accepts any)")
	flagSet.StringVar(&databasePath, "db", "", "SQLite file for the operation log (empty keeps it in memory)")
	flagSet.DurationVar(&urlLifetime, "url-lifetime", devserver.DefaultURLLifetime, "lifetime of minted media URLs")
	flagSet.StringVar(&compressionName, "compression", "none", "compression for stream frames the server writes: none, lz4, zstd")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("storyweave-devserver %s\n", version.Full())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q", logLevel)
	}
	compression, err := codec.ParseCompression(compressionName)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var log devserver.OperationLog
	if databasePath != "" {
		store, err := devserver.OpenSQLite(databasePath, logger)
		if err != nil {
			return err
		}
		logger.Info("operation log opened", "path", databasePath)
		log = store
	}

	server := devserver.New(devserver.Config{
		Log:               log,
		Token:             token,
		URLLifetime:       urlLifetime,
		Compression:       compression,
		CompressThreshold: 1024,
		Logger:            logger,
	})
	return server.ListenAndServe(ctx, listenAddress)
}
