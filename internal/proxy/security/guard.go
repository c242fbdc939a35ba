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

// Package security enforces per-agent rate limits, authenticates agents,
// and writes redacted audit records around every tool call.
package security

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/log"
	"github.com/tombee/mcproxy/internal/proxy/router"
	"github.com/tombee/mcproxy/internal/proxy/transport"
	"github.com/tombee/mcproxy/internal/telemetry"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

// Call identifies one tool invocation.
type Call struct {
	// ID is the JSON-RPC id used as correlation id.
	ID    string
	Agent string
	Tool  string
	Args  json.RawMessage
}

// Dispatcher performs the routed call.
type Dispatcher func(ctx context.Context, tool string, args json.RawMessage) (router.Result, error)

// Options configures a Guard.
type Options struct {
	// Sink overrides the sinks built from the audit_log setting.
	Sink    Sink
	Now     func() time.Time
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

type settings struct {
	cfg      config.SecurityConfig
	limiter  *RateLimiter
	redactor *Redactor
	agents   *Agents
	sink     Sink
}

// Guard wraps dispatch with the security layer. Settings can be swapped
// while calls are in flight.
type Guard struct {
	current atomic.Pointer[settings]
	mu      sync.Mutex // serializes Update

	ownSink bool
	now     func() time.Time
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewGuard creates a guard for the security settings and agent keys.
func NewGuard(cfg config.SecurityConfig, agents []config.AgentKey, opts Options) (*Guard, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	g := &Guard{
		ownSink: opts.Sink == nil,
		now:     now,
		metrics: opts.Metrics,
		logger:  log.WithComponent(logger, "security"),
	}

	s, err := g.build(nil, cfg, agents)
	if err != nil {
		return nil, err
	}
	if opts.Sink != nil {
		s.sink = opts.Sink
	}
	g.current.Store(s)
	return g, nil
}

func (g *Guard) build(prev *settings, cfg config.SecurityConfig, agents []config.AgentKey) (*settings, error) {
	redactor, err := NewRedactor(cfg.RedactPatterns)
	if err != nil {
		return nil, err
	}
	s := &settings{cfg: cfg, redactor: redactor, agents: NewAgents(agents)}

	// Counts survive a reload that leaves the limit alone.
	if prev != nil && prev.cfg.RateLimitPerMinute == cfg.RateLimitPerMinute {
		s.limiter = prev.limiter
	} else {
		s.limiter = NewRateLimiter(cfg.RateLimitPerMinute, g.now)
	}

	switch {
	case prev != nil && (!g.ownSink || prev.cfg.AuditLog == cfg.AuditLog):
		s.sink = prev.sink
	case g.ownSink:
		s.sink, err = NewSink(g.logger, cfg.AuditLog)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Update swaps in new settings. In-flight calls finish under the old ones.
func (g *Guard) Update(cfg config.SecurityConfig, agents []config.AgentKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.current.Load()
	next, err := g.build(prev, cfg, agents)
	if err != nil {
		return err
	}
	g.current.Store(next)
	if next.sink != prev.sink && prev.sink != nil {
		if err := prev.sink.Close(); err != nil {
			g.logger.Warn("failed to close previous audit sink", "error", err)
		}
	}
	g.logger.Info("security settings updated",
		"rate_limit_per_minute", cfg.RateLimitPerMinute,
		"agents", len(agents))
	return nil
}

// Close closes the audit sink.
func (g *Guard) Close() error {
	if s := g.current.Load(); s != nil && s.sink != nil {
		return s.sink.Close()
	}
	return nil
}

// AuthRequired reports whether agents must present an API key.
func (g *Guard) AuthRequired() bool {
	return g.current.Load().agents.Enabled()
}

// Authenticate resolves an Authorization header to an agent id.
func (g *Guard) Authenticate(header string) (string, error) {
	return g.current.Load().agents.Authenticate(header)
}

// Redact applies the configured redaction patterns.
func (g *Guard) Redact(s string) string {
	return g.current.Load().redactor.Redact(s)
}

// Do rate-limits, logs, and dispatches one call. A rejected call never
// reaches next. Cancelling ctx while next runs releases the rate-limit
// unit.
func (g *Guard) Do(ctx context.Context, call Call, next Dispatcher) (router.Result, error) {
	s := g.current.Load()

	reservation, err := s.limiter.Acquire(call.Agent, call.Tool)
	if err != nil {
		g.metrics.RecordRateLimited(ctx, call.Tool)
		g.metrics.RecordCall(ctx, call.Tool, "", telemetry.OutcomeRateLimited, 0)
		g.write(ctx, s, Record{
			Kind:  KindRejected,
			ID:    call.ID,
			Agent: call.Agent,
			Tool:  call.Tool,
			Error: err.Error(),
		})
		return router.Result{}, err
	}

	if s.cfg.LogRequests {
		g.write(ctx, s, Record{
			Kind:    KindRequest,
			ID:      call.ID,
			Agent:   call.Agent,
			Tool:    call.Tool,
			Payload: s.redactor.Redact(string(call.Args)),
		})
	}

	start := g.now()
	res, err := next(ctx, call.Tool, call.Args)
	elapsed := g.now().Sub(start)

	if ctx.Err() != nil {
		reservation.Release()
	}

	outcome := Outcome(ctx, res.Raw, err)
	g.metrics.RecordCall(ctx, call.Tool, res.Upstream, outcome, elapsed)

	if s.cfg.LogResponses {
		rec := Record{
			Kind:       KindResponse,
			ID:         call.ID,
			Agent:      call.Agent,
			Tool:       call.Tool,
			Upstream:   res.Upstream,
			DurationMS: elapsed.Milliseconds(),
		}
		if len(res.Raw) > 0 {
			rec.Payload = s.redactor.Redact(string(res.Raw))
		}
		if err != nil {
			rec.Error = s.redactor.Redact(err.Error())
		}
		g.write(ctx, s, rec)
	}
	return res, err
}

func (g *Guard) write(ctx context.Context, s *settings, rec Record) {
	if s.sink == nil {
		return
	}
	rec.Time = g.now().UTC()
	// Audit records are written even when the caller went away.
	if err := s.sink.Write(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.Warn("failed to write audit record", "error", err)
	}
}

// Prune drops idle rate-limit buckets.
func (g *Guard) Prune() int {
	return g.current.Load().limiter.Prune()
}

// Outcome classifies a call result for metrics.
func Outcome(ctx context.Context, raw json.RawMessage, err error) string {
	var (
		rpcErr *transport.RPCError
		rlErr  *perrors.RateLimitError
	)
	switch {
	case err == nil && isToolError(raw):
		return telemetry.OutcomeToolError
	case err == nil:
		return telemetry.OutcomeOK
	case errors.As(err, &rlErr):
		return telemetry.OutcomeRateLimited
	case router.IsUnavailable(err):
		return telemetry.OutcomeUnavailable
	case errors.As(err, &rpcErr):
		return telemetry.OutcomeToolError
	case ctx.Err() != nil:
		return telemetry.OutcomeCanceled
	default:
		return telemetry.OutcomeError
	}
}

func isToolError(raw json.RawMessage) bool {
	if !bytes.Contains(raw, []byte(`"isError"`)) {
		return false
	}
	var res struct {
		IsError bool `json:"isError"`
	}
	return json.Unmarshal(raw, &res) == nil && res.IsError
}
