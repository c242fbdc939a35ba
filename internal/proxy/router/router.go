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

// Package router picks the upstream that serves each tool call.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/mcproxy/internal/log"
	"github.com/tombee/mcproxy/internal/proxy/registry"
	"github.com/tombee/mcproxy/internal/proxy/transport"
	"github.com/tombee/mcproxy/internal/proxy/upstream"
	"github.com/tombee/mcproxy/internal/telemetry"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

// maxAttempts is the first try plus one failover.
const maxAttempts = 2

// skippedReason is recorded for candidates that were not Healthy.
const skippedReason = "unhealthy"

// Upstream is a connection the router can call.
type Upstream interface {
	State() upstream.State
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Pool looks up connections by upstream name.
type Pool interface {
	Upstream(name string) (Upstream, bool)
}

// Catalog returns the current registry snapshot.
type Catalog interface {
	Load() *registry.Snapshot
}

// Result is the outcome of a routed call.
type Result struct {
	// Upstream served the call, or made the last failed attempt.
	Upstream string

	// Raw is the upstream's tools/call result, passed through verbatim.
	Raw json.RawMessage
}

// Options configures a Router.
type Options struct {
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Router resolves exposed tool names to upstream calls.
type Router struct {
	catalog Catalog
	pool    Pool
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	// counters holds one *atomic.Uint64 per exposed name.
	counters sync.Map
}

// New creates a router.
func New(catalog Catalog, pool Pool, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(telemetry.ServiceName)
	}
	return &Router{
		catalog: catalog,
		pool:    pool,
		metrics: opts.Metrics,
		tracer:  tracer,
		logger:  log.WithComponent(logger, "router"),
	}
}

type pick struct {
	cand registry.Candidate
	conn Upstream
}

// Route calls the exposed tool on the best Healthy upstream.
//
// A transport failure is retried once on the next Healthy candidate.
// Application errors, including JSON-RPC errors from the upstream, are
// returned untouched. When no Healthy candidate remains the error is a
// *perrors.UnavailableError.
func (r *Router) Route(ctx context.Context, tool string, args json.RawMessage) (Result, error) {
	candidates, ok := r.catalog.Load().Lookup(tool)
	if !ok {
		return Result{}, &perrors.NotFoundError{Resource: "tool", ID: tool}
	}

	tried := make(map[string]bool, maxAttempts)
	var attempts []perrors.Attempt
	var last Result

	for n := 0; n < maxAttempts; n++ {
		p, ok := r.pick(tool, candidates, tried)
		if !ok {
			break
		}
		tried[p.cand.Upstream] = true
		last = Result{Upstream: p.cand.Upstream}

		raw, err := r.call(ctx, tool, p, args)
		if err == nil || !transport.IsFailure(err) {
			return Result{Upstream: p.cand.Upstream, Raw: raw}, err
		}
		if ctx.Err() != nil {
			return last, ctx.Err()
		}

		attempts = append(attempts, perrors.Attempt{Upstream: p.cand.Upstream, Error: err.Error()})
		if n+1 < maxAttempts {
			r.metrics.RecordFailover(ctx, tool, p.cand.Upstream)
			r.logger.Warn("upstream call failed, failing over",
				log.ToolKey, tool,
				log.UpstreamKey, p.cand.Upstream,
				"error", err)
		}
	}

	for _, c := range candidates {
		if tried[c.Upstream] {
			continue
		}
		reason := skippedReason
		if conn, ok := r.pool.Upstream(c.Upstream); ok && conn.State() == upstream.StateHealthy {
			reason = "not attempted"
		}
		attempts = append(attempts, perrors.Attempt{Upstream: c.Upstream, Error: reason})
	}
	return last, &perrors.UnavailableError{Tool: tool, Attempts: attempts}
}

func (r *Router) call(ctx context.Context, tool string, p pick, args json.RawMessage) (json.RawMessage, error) {
	ctx, span := r.tracer.Start(ctx, "tools/call "+tool,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mcp.tool", tool),
			attribute.String("mcp.upstream", p.cand.Upstream),
			attribute.String("mcp.upstream_tool", p.cand.Tool),
		))
	defer span.End()

	raw, err := p.conn.CallTool(ctx, p.cand.Tool, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return raw, err
}

// pick selects among Healthy, untried candidates: the lowest priority tier,
// round-robin within it.
func (r *Router) pick(tool string, candidates []registry.Candidate, tried map[string]bool) (pick, bool) {
	var tier []pick
	for _, c := range candidates {
		if tried[c.Upstream] {
			continue
		}
		conn, ok := r.pool.Upstream(c.Upstream)
		if !ok || conn.State() != upstream.StateHealthy {
			continue
		}
		switch {
		case len(tier) == 0 || c.Priority < tier[0].cand.Priority:
			tier = append(tier[:0], pick{cand: c, conn: conn})
		case c.Priority == tier[0].cand.Priority:
			tier = append(tier, pick{cand: c, conn: conn})
		}
	}
	if len(tier) == 0 {
		return pick{}, false
	}
	if len(tier) == 1 {
		return tier[0], true
	}
	n := r.counter(tool).Add(1) - 1
	return tier[n%uint64(len(tier))], true
}

func (r *Router) counter(tool string) *atomic.Uint64 {
	if c, ok := r.counters.Load(tool); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := r.counters.LoadOrStore(tool, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// IsUnavailable reports whether err means no upstream could serve the call.
func IsUnavailable(err error) bool {
	var ue *perrors.UnavailableError
	return errors.As(err, &ue)
}

// IsUnknownTool reports whether err means the tool name is not exposed.
func IsUnknownTool(err error) bool {
	var nf *perrors.NotFoundError
	return errors.As(err, &nf) && nf.Resource == "tool"
}
