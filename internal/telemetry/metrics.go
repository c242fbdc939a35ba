// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Call outcomes recorded on mcproxy_tool_calls_total.
const (
	OutcomeOK          = "ok"
	OutcomeToolError   = "tool_error"
	OutcomeUnavailable = "unavailable"
	OutcomeRateLimited = "rate_limited"
	OutcomeCanceled    = "canceled"
	OutcomeError       = "error"
)

// UpstreamStateFunc reports the current health state code per upstream.
type UpstreamStateFunc func() map[string]int64

// Metrics holds the proxy's instruments. All methods are safe on a nil
// receiver, which records nothing.
type Metrics struct {
	toolCalls    metric.Int64Counter
	callDuration metric.Float64Histogram
	rateLimited  metric.Int64Counter
	failovers    metric.Int64Counter
	connections  metric.Int64UpDownCounter
	stateGauge   metric.Int64ObservableGauge

	meter metric.Meter

	mu        sync.Mutex
	stateFunc UpstreamStateFunc
	reg       metric.Registration
}

// NewMetrics creates the instruments on the given meter provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(ServiceName)
	m := &Metrics{meter: meter}

	var err error
	m.toolCalls, err = meter.Int64Counter(
		"mcproxy_tool_calls_total",
		metric.WithDescription("Total number of tool calls handled"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.callDuration, err = meter.Float64Histogram(
		"mcproxy_tool_call_duration_seconds",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.rateLimited, err = meter.Int64Counter(
		"mcproxy_rate_limited_total",
		metric.WithDescription("Total number of calls rejected by the rate limiter"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.failovers, err = meter.Int64Counter(
		"mcproxy_failovers_total",
		metric.WithDescription("Total number of calls retried on another upstream"),
		metric.WithUnit("{failover}"),
	)
	if err != nil {
		return nil, err
	}

	m.connections, err = meter.Int64UpDownCounter(
		"mcproxy_connections_active",
		metric.WithDescription("Agent connections currently open"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	m.stateGauge, err = meter.Int64ObservableGauge(
		"mcproxy_upstream_state",
		metric.WithDescription("Upstream health state (0=disconnected, 1=connecting, 2=healthy, 3=unhealthy)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordCall records one tool call and its duration.
func (m *Metrics) RecordCall(ctx context.Context, tool, upstream, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("upstream", upstream),
		attribute.String("outcome", outcome),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.callDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRateLimited records a rejected call.
func (m *Metrics) RecordRateLimited(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordFailover records a retry away from a failed upstream.
func (m *Metrics) RecordFailover(ctx context.Context, tool, from string) {
	if m == nil {
		return
	}
	m.failovers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("upstream", from),
	))
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}

// ObserveUpstreams sets the callback that reports upstream states at
// collection time. A later call replaces the earlier callback.
func (m *Metrics) ObserveUpstreams(fn UpstreamStateFunc) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reg != nil {
		if err := m.reg.Unregister(); err != nil {
			return err
		}
		m.reg = nil
	}
	m.stateFunc = fn
	if fn == nil {
		return nil
	}

	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for name, state := range fn() {
			o.ObserveInt64(m.stateGauge, state, metric.WithAttributes(attribute.String("upstream", name)))
		}
		return nil
	}, m.stateGauge)
	if err != nil {
		return err
	}
	m.reg = reg
	return nil
}
