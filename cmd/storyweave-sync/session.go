// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/trace"

	"github.com/storyweave/storyweave/dispatch"
	"github.com/storyweave/storyweave/lib/codec"
	"github.com/storyweave/storyweave/lib/config"
	"github.com/storyweave/storyweave/lib/featureflag"
	"github.com/storyweave/storyweave/lib/tracing"
	"github.com/storyweave/storyweave/lib/version"
	"github.com/storyweave/storyweave/media"
	"github.com/storyweave/storyweave/transport"
)

// options are the flags every leaf command accepts.
type options struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func (o *options) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&o.configPath, "config", "", "path to storyweave.yaml (default: $STORYWEAVE_CONFIG, else environment only)")
	flagSet.StringVar(&o.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flagSet.BoolVar(&o.logJSON, "log-json", false, "write JSON log records instead of text")
}

// load resolves the configuration source, validates it, and builds
// the stderr logger.
func (o *options) load() (*config.Config, *slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, nil, usagef("invalid --log-level %q", o.logLevel)
	}
	handlerOptions := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOptions)
	if o.logJSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOptions)
	}
	logger := slog.New(handler)

	var cfg *config.Config
	var err error
	switch {
	case o.configPath != "":
		cfg, err = config.LoadFile(o.configPath)
	case os.Getenv(config.ConfigEnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg, err = config.FromEnvironment()
	}
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, logger, nil
}

// syncSession is the client stack for one command: tracing, feature
// flags, both channels, and the dispatcher over them.
type syncSession struct {
	dispatcher *dispatch.Dispatcher
	streaming  *transport.StreamingChannel
	shutdown   func(context.Context) error
	logger     *slog.Logger
}

// openSyncSession builds the stack. The stream is dialed only when
// realtime collaboration is enabled, a stream URL is configured, and
// the command works on a single project. A failed dial is logged and
// the session carries on over HTTP.
func openSyncSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, projectID string) (*syncSession, error) {
	tracerProvider, shutdown, err := setupTracing(ctx, cfg)
	if err != nil {
		return nil, err
	}
	flags := featureflag.New(cfg.Features.Flags())

	persistent, err := transport.NewPersistentChannel(transport.PersistentConfig{
		BaseURL:        cfg.Sync.APIURL,
		Token:          cfg.Sync.Token,
		UserAgent:      version.UserAgent(binaryName),
		RequestTimeout: cfg.Sync.RequestTimeout,
		HealthInterval: cfg.Sync.HealthInterval,
		Logger:         logger,
	})
	if err != nil {
		shutdown(ctx)
		return nil, err
	}

	session := &syncSession{shutdown: shutdown, logger: logger}
	var streaming transport.StreamingConn
	if projectID != "" && cfg.Sync.StreamURL != "" && flags.Enabled(featureflag.RealtimeCollaboration) {
		channel, err := dialStream(ctx, cfg, logger, projectID)
		if err != nil {
			logger.Warn("stream unavailable, continuing over HTTP", "error", err)
		} else {
			session.streaming = channel
			streaming = channel
		}
	}

	session.dispatcher, err = dispatch.New(dispatch.Config{
		Persistent:     persistent,
		Streaming:      streaming,
		Flags:          flags,
		TracerProvider: tracerProvider,
		Logger:         logger,
	})
	if err != nil {
		session.Close(ctx)
		return nil, err
	}
	return session, nil
}

func dialStream(ctx context.Context, cfg *config.Config, logger *slog.Logger, projectID string) (*transport.StreamingChannel, error) {
	compression, err := codec.ParseCompression(cfg.Sync.Compression)
	if err != nil {
		return nil, err
	}
	return transport.DialStreaming(ctx, transport.StreamingConfig{
		URL:               cfg.Sync.StreamURL,
		Token:             cfg.Sync.Token,
		ProjectID:         projectID,
		SendTimeout:       cfg.Sync.SendTimeout,
		WriteTimeout:      cfg.Sync.WriteTimeout,
		PingInterval:      cfg.Sync.PingInterval,
		ReadTimeout:       cfg.Sync.ReadTimeout,
		Compression:       compression,
		CompressThreshold: cfg.Sync.CompressThreshold,
		Logger:            logger,
	})
}

// Close releases the stream and flushes spans.
func (s *syncSession) Close(ctx context.Context) {
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.streaming != nil {
		s.streaming.Close()
	}
	if err := s.shutdown(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("flushing traces", "error", err)
	}
}

func setupTracing(ctx context.Context, cfg *config.Config) (trace.TracerProvider, func(context.Context) error, error) {
	return tracing.Setup(ctx, tracing.Options{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
}

// newMediaCache builds the resolution cache over the media service.
func newMediaCache(cfg *config.Config, logger *slog.Logger, tracerProvider trace.TracerProvider) (*media.Cache, error) {
	if cfg.Media.ResolveURL == "" {
		return nil, usagef("media.resolve_url is not configured")
	}
	resolver, err := media.NewHTTPResolver(media.HTTPResolverConfig{
		BaseURL:    cfg.Media.ResolveURL,
		Token:      cfg.Media.Token,
		UserAgent:  version.UserAgent(binaryName),
		HTTPClient: transport.NewHTTPClient(cfg.Media.ResolveTimeout),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return media.NewCache(media.CacheConfig{
		Resolver:       resolver,
		TTL:            cfg.Media.CacheTTL,
		SweepInterval:  cfg.Media.SweepInterval,
		ResolveTimeout: cfg.Media.ResolveTimeout,
		TracerProvider: tracerProvider,
		Logger:         logger,
	})
}

// writeJSON prints value indented, followed by a newline.
func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// requireFlags returns a usage error naming every empty flag.
func requireFlags(values map[string]string) error {
	var missing []string
	for name, value := range values {
		if value == "" {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return usagef("missing required flags: %s", strings.Join(missing, ", "))
}
