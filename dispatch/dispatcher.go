// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch is the single entry point for submitting operation
// batches. A Dispatcher holds a persistent channel that is always
// attempted and an optional streaming channel that is preferred when
// it is usable, and decides per call which one carries a batch.
//
// The only recovery the Dispatcher performs is one fallback: a batch
// the streaming channel failed to deliver is handed, unmodified, to
// the persistent channel. Anything the persistent channel returns,
// success or error, goes back to the caller as is. There is no retry
// loop and no outbound queue; a caller whose batch failed on both
// channels still owns it and decides what to do next.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/storyweave/storyweave/lib/featureflag"
	"github.com/storyweave/storyweave/transport"
)

const tracerName = "github.com/storyweave/storyweave/dispatch"

// Config configures a Dispatcher.
type Config struct {
	// Persistent is required. It carries every read and every write
	// the streaming channel does not.
	Persistent transport.Channel

	// Streaming is optional and can be rebound later with
	// SetStreamingChannel.
	Streaming transport.StreamingConn

	// PreferStreaming is the initial strategy. Ignored when Flags is
	// set: the streaming_preferred flag drives it instead.
	PreferStreaming bool

	// Flags, when set, binds the streaming preference to
	// featureflag.StreamingPreferred for the Dispatcher's lifetime.
	Flags *featureflag.Set

	// OnResult, when set, is called after every SendOperations with
	// the returned result and error. It runs on the caller's
	// goroutine.
	OnResult func(result transport.SyncResult, err error)

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Dispatcher routes operation batches between the streaming and
// persistent channels. It is safe for concurrent use.
type Dispatcher struct {
	persistent  transport.Channel
	onResult    func(transport.SyncResult, error)
	tracer      trace.Tracer
	logger      *slog.Logger
	unsubscribe func()

	mu              sync.Mutex
	streaming       transport.StreamingConn
	preferStreaming bool
	stats           Stats
}

// New returns a Dispatcher. Call Close to release the feature flag
// subscription when Flags is set.
func New(config Config) (*Dispatcher, error) {
	if config.Persistent == nil {
		return nil, errors.New("dispatch: persistent channel is required")
	}
	provider := config.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dispatcher := &Dispatcher{
		persistent:      config.Persistent,
		onResult:        config.OnResult,
		tracer:          provider.Tracer(tracerName),
		logger:          logger,
		streaming:       config.Streaming,
		preferStreaming: config.PreferStreaming,
		stats:           newStats(),
	}
	if config.Flags != nil {
		dispatcher.unsubscribe = config.Flags.Subscribe(featureflag.StreamingPreferred, dispatcher.SetStreamingPreference)
	}
	return dispatcher, nil
}

// Close detaches the Dispatcher from its feature flags. It does not
// close either channel; their owner does.
func (d *Dispatcher) Close() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
}

// SendOperations delivers batch through exactly one channel per level:
// streaming when it is preferred, present, online, and connected, and
// persistent otherwise or after a streaming failure. The result's Path
// and FallbackReason record which route was taken.
//
// A streaming failure falls back unless the server rejected the batch:
// a *transport.RejectedError from either channel is returned unchanged
// and never resent. A persistent-channel error is likewise returned
// unchanged, so callers match it with errors.Is and errors.As exactly
// as if they had called the channel directly.
func (d *Dispatcher) SendOperations(ctx context.Context, batch transport.OperationBatch) (result transport.SyncResult, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.SendOperations", trace.WithAttributes(
		attribute.String("storyweave.project_id", batch.ProjectID),
		attribute.Int("storyweave.operation_count", len(batch.Operations)),
		attribute.Int64("storyweave.base_version", batch.BaseVersion),
	))
	started := time.Now()
	defer func() {
		span.SetAttributes(
			attribute.String("storyweave.path", string(result.Path)),
			attribute.String("storyweave.fallback_reason", string(result.FallbackReason)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		d.record(result, err)
		if d.onResult != nil {
			d.onResult(result, err)
		}
	}()

	streaming, reason := d.selectStreaming()
	if streaming != nil {
		result, err = streaming.SendOperations(ctx, batch)
		if err == nil {
			result.Path = transport.PathStreaming
			result.FallbackReason = ""
			d.logger.Debug("batch sent",
				"project_id", batch.ProjectID,
				"operation_count", len(batch.Operations),
				"path", string(transport.PathStreaming),
				"sync_version", result.SyncVersion,
				"duration", time.Since(started),
			)
			return result, nil
		}
		if transport.IsRejected(err) {
			// The server has judged the batch; the other channel
			// would get the same answer.
			result.Path = transport.PathStreaming
			result.FallbackReason = ""
			result.Success = false
			result.Error = err.Error()
			d.logger.Warn("batch rejected",
				"project_id", batch.ProjectID,
				"operation_count", len(batch.Operations),
				"path", string(transport.PathStreaming),
				"error", err,
			)
			return result, err
		}
		reason = transport.FallbackStreamingFailed
		span.AddEvent("streaming failed", trace.WithAttributes(attribute.String("error", err.Error())))
		d.logger.Warn("streaming send failed, falling back to persistent channel",
			"project_id", batch.ProjectID,
			"operation_count", len(batch.Operations),
			"fallback_reason", string(reason),
			"error", err,
		)
		d.noteStreamingFailure(err)
	}

	result, err = d.persistent.SendOperations(ctx, batch)
	result.Path = transport.PathPersistent
	result.FallbackReason = reason
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		d.logger.Warn("persistent send failed",
			"project_id", batch.ProjectID,
			"operation_count", len(batch.Operations),
			"fallback_reason", string(reason),
			"error", err,
		)
		return result, err
	}
	d.logger.Debug("batch sent",
		"project_id", batch.ProjectID,
		"operation_count", len(batch.Operations),
		"path", string(transport.PathPersistent),
		"fallback_reason", string(reason),
		"sync_version", result.SyncVersion,
		"duration", time.Since(started),
	)
	return result, nil
}

// selectStreaming returns the streaming channel when it should carry
// the next write, or nil and the reason it should not.
func (d *Dispatcher) selectStreaming() (transport.StreamingConn, transport.FallbackReason) {
	d.mu.Lock()
	streaming, prefer := d.streaming, d.preferStreaming
	d.mu.Unlock()

	if !prefer {
		return nil, transport.FallbackPersistentPreferred
	}
	if streaming == nil || !streaming.IsOnline() || !streaming.IsConnected() {
		return nil, transport.FallbackStreamingUnavailable
	}
	return streaming, ""
}

// GetOperations always reads through the persistent channel.
func (d *Dispatcher) GetOperations(ctx context.Context, projectID string, sinceVersion int64) (transport.SyncResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.GetOperations", trace.WithAttributes(
		attribute.String("storyweave.project_id", projectID),
		attribute.Int64("storyweave.since_version", sinceVersion),
	))
	defer span.End()

	result, err := d.persistent.GetOperations(ctx, projectID, sinceVersion)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	result.Path = transport.PathPersistent
	return result, nil
}

// IsOnline reports the persistent channel's liveness, the durable
// source of truth for connectivity.
func (d *Dispatcher) IsOnline() bool {
	return d.persistent.IsOnline()
}

// SetStreamingChannel rebinds the streaming slot, typically after a
// reconnect. Pass a nil interface to unbind. Batches already in flight
// on the previous channel are not retried.
func (d *Dispatcher) SetStreamingChannel(channel transport.StreamingConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = channel
}

// SetStreamingPreference switches strategy without touching any
// connection.
func (d *Dispatcher) SetStreamingPreference(prefer bool) {
	d.mu.Lock()
	changed := d.preferStreaming != prefer
	d.preferStreaming = prefer
	d.mu.Unlock()
	if changed {
		d.logger.Info("streaming preference changed", "prefer_streaming", prefer)
	}
}

// StreamingPreferred reports the current strategy.
func (d *Dispatcher) StreamingPreferred() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.preferStreaming
}
