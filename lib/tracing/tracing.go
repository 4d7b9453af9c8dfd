// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracing sets up OpenTelemetry trace export for the sync
// client. Export is opt-in: with no collector endpoint, [Setup]
// returns the global (no-op unless someone else registered one)
// provider and a shutdown function that does nothing.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures Setup.
type Options struct {
	// Endpoint is an OTLP/HTTP collector URL such as
	// "http://localhost:4318". Empty disables export.
	Endpoint string

	// ServiceName and ServiceVersion are reported on every span.
	ServiceName    string
	ServiceVersion string

	// SampleRatio is the fraction of root traces kept. Values at or
	// above 1 keep everything.
	SampleRatio float64
}

// Setup registers a batching OTLP exporter as the global tracer
// provider and returns it. The shutdown function flushes pending spans
// and should be deferred by the caller.
func Setup(ctx context.Context, options Options) (trace.TracerProvider, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	if options.Endpoint == "" {
		return otel.GetTracerProvider(), noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(options.Endpoint),
	)
	if err != nil {
		return nil, noop, err
	}

	attributes := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(options.ServiceName)),
	}
	if options.ServiceVersion != "" {
		attributes = append(attributes, resource.WithAttributes(semconv.ServiceVersion(options.ServiceVersion)))
	}
	res, err := resource.New(ctx, attributes...)
	if err != nil {
		return nil, noop, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(options.SampleRatio)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return provider, provider.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
