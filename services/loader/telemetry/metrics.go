// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the OpenTelemetry metric instruments and the
// tracer used by the loader.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the meter and tracer name.
const InstrumentationName = "aleutian.patchloader"

// Metrics groups the loader's metric instruments.
//
// # Description
//
// A nil *Metrics is valid and records nothing. Recording is also skipped
// while SetMetricsEnabled(false) is in effect.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Metrics struct {
	activationTotal    metric.Int64Counter
	activationDuration metric.Float64Histogram
	ledgerRewriteTotal metric.Int64Counter
	safeModeRefusals   metric.Int64Counter
}

var (
	defaultMetrics    *Metrics
	defaultMetricsErr error
	defaultOnce       sync.Once
)

// metricsEnabled controls whether metrics are recorded.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// NewMetrics creates the instruments on the given provider.
//
// # Inputs
//
//   - mp: Meter provider. Uses the global provider if nil.
//
// # Outputs
//
//   - *Metrics: Ready-to-use instruments.
//   - error: Non-nil if an instrument could not be created.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)

	var (
		m   Metrics
		err error
	)
	m.activationTotal, err = meter.Int64Counter(
		"patchloader_activation_total",
		metric.WithDescription("Total number of activation attempts by outcome and reason"),
	)
	if err != nil {
		return nil, err
	}

	m.activationDuration, err = meter.Float64Histogram(
		"patchloader_activation_duration_seconds",
		metric.WithDescription("Duration of activation attempts in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ledgerRewriteTotal, err = meter.Int64Counter(
		"patchloader_ledger_rewrite_total",
		metric.WithDescription("Total number of ledger rewrites by status"),
	)
	if err != nil {
		return nil, err
	}

	m.safeModeRefusals, err = meter.Int64Counter(
		"patchloader_safemode_refusals_total",
		metric.WithDescription("Total number of attempts refused by the safe-mode guard"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Default returns instruments on the global meter provider, created once.
// Returns nil if creation failed.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = NewMetrics(nil)
	})
	if defaultMetricsErr != nil {
		return nil
	}
	return defaultMetrics
}

func (m *Metrics) active() bool {
	return m != nil && metricsEnabled.Load()
}

// RecordActivation records one finished activation attempt.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - outcome: "done" or "failed".
//   - reason: Failure reason, empty for done.
//   - duration: Attempt wall time.
func (m *Metrics) RecordActivation(ctx context.Context, outcome, reason string, duration time.Duration) {
	if !m.active() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	)
	m.activationTotal.Add(ctx, 1, attrs)
	m.activationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordLedgerRewrite records a ledger rewrite.
func (m *Metrics) RecordLedgerRewrite(ctx context.Context, success bool) {
	if !m.active() {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.ledgerRewriteTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSafeModeRefusal records an attempt refused by the safe-mode guard.
func (m *Metrics) RecordSafeModeRefusal(ctx context.Context) {
	if !m.active() {
		return
	}
	m.safeModeRefusals.Add(ctx, 1)
}
