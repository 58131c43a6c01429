// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer provides OpenTelemetry tracing for activation attempts.
//
// # Description
//
// One span per attempt, with one event per state the attempt enters. When
// disabled, returns noop spans.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer.
//
// # Inputs
//
//   - tp: Tracer provider. Uses the global provider if nil.
//   - logger: Logger for debug output. Uses slog.Default() if nil.
//   - enabled: When false, all spans are noop.
func NewTracer(tp trace.TracerProvider, logger *slog.Logger, enabled bool) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  tp.Tracer(InstrumentationName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartAttempt starts the span for one activation attempt.
func (t *Tracer) StartAttempt(ctx context.Context, attemptID string, isMain bool) (context.Context, trace.Span) {
	if t == nil || !t.enabled {
		return ctx, noop.Span{}
	}
	ctx, span := t.tracer.Start(ctx, "patchloader.activate",
		trace.WithAttributes(
			attribute.String("activation.attempt_id", attemptID),
			attribute.Bool("activation.main_process", isMain),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.DebugContext(ctx, "starting activation attempt",
		slog.String("attempt_id", attemptID),
		slog.Bool("main_process", isMain),
	)
	return ctx, span
}

// Transition adds a state event to span.
func (t *Tracer) Transition(span trace.Span, state string) {
	if span == nil {
		return
	}
	span.AddEvent("state", trace.WithAttributes(attribute.String("activation.state", state)))
}

// EndAttempt completes the attempt span.
//
// # Inputs
//
//   - span: The span to end.
//   - outcome: "done" or "failed".
//   - reason: Failure reason, empty for done.
//   - version: Resolved version, may be empty.
//   - err: Underlying error, may be nil.
func (t *Tracer) EndAttempt(span trace.Span, outcome, reason, version string, err error) {
	if span == nil {
		return
	}
	defer span.End()

	span.SetAttributes(
		attribute.String("activation.outcome", outcome),
		attribute.String("activation.reason", reason),
		attribute.String("activation.version", version),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
