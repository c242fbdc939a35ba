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

package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/log"
	"github.com/tombee/mcproxy/internal/proxy/router"
	"github.com/tombee/mcproxy/internal/proxy/transport"
	"github.com/tombee/mcproxy/internal/telemetry"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memorySink struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

func (s *memorySink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	clk := newClock()
	l := NewRateLimiter(3, clk.Now)

	for i := 0; i < 3; i++ {
		_, err := l.Acquire("agent", "search")
		require.NoError(t, err, "call %d", i+1)
	}

	_, err := l.Acquire("agent", "search")
	var rl *perrors.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "agent:search", rl.Key)
	assert.Equal(t, 3, rl.Limit)
	assert.Equal(t, clk.Now().Add(Window), rl.ResetAt.UTC())

	// Other keys have their own budget.
	_, err = l.Acquire("agent", "fetch")
	assert.NoError(t, err)
	_, err = l.Acquire("other", "search")
	assert.NoError(t, err)

	clk.Advance(Window)
	_, err = l.Acquire("agent", "search")
	assert.NoError(t, err, "a new window starts a new budget")
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, nil)
	for i := 0; i < 1000; i++ {
		r, err := l.Acquire("a", "t")
		require.NoError(t, err)
		r.Release()
	}
}

func TestRateLimiter_Release(t *testing.T) {
	clk := newClock()
	l := NewRateLimiter(1, clk.Now)

	r, err := l.Acquire("a", "t")
	require.NoError(t, err)
	_, err = l.Acquire("a", "t")
	require.Error(t, err)

	r.Release()
	r.Release()
	r2, err := l.Acquire("a", "t")
	require.NoError(t, err, "released unit is available again")

	// After rollover a release must not credit the new window.
	clk.Advance(Window)
	_, err = l.Acquire("a", "t")
	require.NoError(t, err)
	r2.Release()
	_, err = l.Acquire("a", "t")
	assert.Error(t, err)
}

func TestRateLimiter_Concurrent(t *testing.T) {
	l := NewRateLimiter(50, newClock().Now)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire("a", "t"); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestRateLimiter_ConcurrentRollover(t *testing.T) {
	clk := newClock()
	l := NewRateLimiter(50, clk.Now)

	// A part-used window, so calls racing the reset would be admitted and
	// then wiped if the reset were not atomic.
	for i := 0; i < 10; i++ {
		_, err := l.Acquire("a", "t")
		require.NoError(t, err)
	}
	clk.Advance(Window)

	for round := 0; round < 20; round++ {
		var (
			wg      sync.WaitGroup
			allowed atomic.Int64
		)
		start := make(chan struct{})
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := l.Acquire("a", "t"); err == nil {
					allowed.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int64(50), allowed.Load(), "round %d", round)

		// Leave the next window part-used as well.
		clk.Advance(Window)
		for i := 0; i < 10; i++ {
			_, err := l.Acquire("a", "t")
			require.NoError(t, err)
		}
		clk.Advance(Window)
	}
}

func TestRateLimiter_Prune(t *testing.T) {
	clk := newClock()
	l := NewRateLimiter(5, clk.Now)
	_, _ = l.Acquire("a", "t")
	_, _ = l.Acquire("b", "t")

	assert.Zero(t, l.Prune())
	clk.Advance(3 * Window)
	_, _ = l.Acquire("b", "t")
	assert.Equal(t, 1, l.Prune())
}

func TestRedactor(t *testing.T) {
	r, err := NewRedactor(config.DefaultRedactPatterns)
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"query string", "api_key=SECRET123", "[REDACTED]"},
		{"json", `{"api_key":"SECRET123","q":"go"}`, `{"[REDACTED]","q":"go"}`},
		{"spaced json", `{"password": "hunter2"}`, `{"[REDACTED]"}`},
		{"case insensitive", "API-KEY: abc", "[REDACTED]"},
		{"bare word", "the token expired", "the [REDACTED] expired"},
		{"ampersand stops value", "token=abc&page=2", "[REDACTED]&page=2"},
		{"nothing to redact", `{"q":"weather"}`, `{"q":"weather"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Redact(tt.input)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "SECRET123")
		})
	}

	for _, bad := range []string{"(", "[", "a)|(b"} {
		_, err = NewRedactor([]string{bad})
		assert.Error(t, err, "pattern %q", bad)
	}

	var nilRedactor *Redactor
	assert.Equal(t, "x", nilRedactor.Redact("x"))
}

func TestAgents(t *testing.T) {
	hash, err := HashKey("s3cret-key")
	require.NoError(t, err)
	a := NewAgents([]config.AgentKey{{ID: "claude", KeyHash: hash}})
	require.True(t, a.Enabled())

	id, err := a.Authenticate("Bearer s3cret-key")
	require.NoError(t, err)
	assert.Equal(t, "claude", id)

	// Cached path.
	id, err = a.Authenticate("bearer s3cret-key")
	require.NoError(t, err)
	assert.Equal(t, "claude", id)

	for _, header := range []string{"", "Bearer ", "Basic abc", "Bearer wrong"} {
		_, err := a.Authenticate(header)
		var ae *perrors.AuthError
		assert.ErrorAs(t, err, &ae, "header %q", header)
	}

	assert.False(t, NewAgents(nil).Enabled())
}

func okDispatch(upstreamName string, raw string) Dispatcher {
	return func(ctx context.Context, tool string, args json.RawMessage) (router.Result, error) {
		return router.Result{Upstream: upstreamName, Raw: json.RawMessage(raw)}, nil
	}
}

func newTestGuard(t *testing.T, cfg config.SecurityConfig, clk *clock) (*Guard, *memorySink) {
	t.Helper()
	sink := &memorySink{}
	g, err := NewGuard(cfg, nil, Options{Sink: sink, Now: clk.Now, Logger: log.Discard()})
	require.NoError(t, err)
	return g, sink
}

func securityConfig(limit int) config.SecurityConfig {
	return config.SecurityConfig{
		LogRequests:        true,
		LogResponses:       true,
		RedactPatterns:     config.DefaultRedactPatterns,
		RateLimitPerMinute: limit,
	}
}

func TestGuard_RateLimitsBeforeDispatch(t *testing.T) {
	clk := newClock()
	g, sink := newTestGuard(t, securityConfig(3), clk)

	dispatched := 0
	next := func(ctx context.Context, tool string, args json.RawMessage) (router.Result, error) {
		dispatched++
		return router.Result{Upstream: "a", Raw: json.RawMessage(`{}`)}, nil
	}
	call := Call{ID: "1", Agent: "agent", Tool: "search"}

	for i := 0; i < 3; i++ {
		_, err := g.Do(context.Background(), call, next)
		require.NoError(t, err)
	}
	_, err := g.Do(context.Background(), call, next)
	var rl *perrors.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3, dispatched, "rejected calls never reach an upstream")

	records := sink.all()
	assert.Equal(t, KindRejected, records[len(records)-1].Kind)

	clk.Advance(Window + time.Second)
	_, err = g.Do(context.Background(), call, next)
	assert.NoError(t, err)
	assert.Equal(t, 4, dispatched)
}

func TestGuard_RedactsBeforeWrite(t *testing.T) {
	g, sink := newTestGuard(t, securityConfig(0), newClock())

	_, err := g.Do(context.Background(), Call{
		ID:    "7",
		Agent: "agent",
		Tool:  "search",
		Args:  json.RawMessage(`{"q":"go","api_key":"SECRET123"}`),
	}, okDispatch("a", `{"content":[{"type":"text","text":"api_key=SECRET123"}]}`))
	require.NoError(t, err)

	records := sink.all()
	require.Len(t, records, 2)
	assert.Equal(t, KindRequest, records[0].Kind)
	assert.Equal(t, "7", records[0].ID)
	assert.Equal(t, KindResponse, records[1].Kind)
	assert.Equal(t, "a", records[1].Upstream)
	for _, rec := range records {
		assert.NotContains(t, rec.Payload, "SECRET123")
		assert.Contains(t, rec.Payload, Redacted)
	}
}

func TestGuard_LoggingSwitches(t *testing.T) {
	cfg := securityConfig(0)
	cfg.LogRequests = false
	cfg.LogResponses = false
	g, sink := newTestGuard(t, cfg, newClock())

	_, err := g.Do(context.Background(), Call{Agent: "a", Tool: "t"}, okDispatch("u", `{}`))
	require.NoError(t, err)
	assert.Empty(t, sink.all())
}

func TestGuard_ErrorsAreRedactedAndReturned(t *testing.T) {
	g, sink := newTestGuard(t, securityConfig(0), newClock())
	appErr := &transport.RPCError{Code: -32050, Message: "bad password=hunter2"}

	_, err := g.Do(context.Background(), Call{Agent: "a", Tool: "t"},
		func(context.Context, string, json.RawMessage) (router.Result, error) {
			return router.Result{Upstream: "u"}, appErr
		})
	assert.Same(t, appErr, err)

	records := sink.all()
	require.Len(t, records, 2)
	assert.NotContains(t, records[1].Error, "hunter2")
}

func TestGuard_CancellationReleasesUnit(t *testing.T) {
	g, _ := newTestGuard(t, securityConfig(1), newClock())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := g.Do(ctx, Call{Agent: "a", Tool: "t"},
		func(ctx context.Context, _ string, _ json.RawMessage) (router.Result, error) {
			cancel()
			return router.Result{}, ctx.Err()
		})
	require.ErrorIs(t, err, context.Canceled)

	_, err = g.Do(context.Background(), Call{Agent: "a", Tool: "t"}, okDispatch("u", `{}`))
	assert.NoError(t, err, "the cancelled call gave its unit back")
}

func TestGuard_Update(t *testing.T) {
	clk := newClock()
	g, sink := newTestGuard(t, securityConfig(1), clk)
	call := Call{Agent: "a", Tool: "t"}

	_, err := g.Do(context.Background(), call, okDispatch("u", `{}`))
	require.NoError(t, err)

	// Same limit: the spent budget carries over.
	cfg := securityConfig(1)
	cfg.RedactPatterns = []string{"secret"}
	require.NoError(t, g.Update(cfg, nil))
	_, err = g.Do(context.Background(), call, okDispatch("u", `{}`))
	assert.Error(t, err)
	assert.Equal(t, "[REDACTED]", g.Redact("secret=1"))

	// New limit: a fresh limiter.
	require.NoError(t, g.Update(securityConfig(5), nil))
	_, err = g.Do(context.Background(), call, okDispatch("u", `{}`))
	assert.NoError(t, err)

	hash, err := HashKey("k")
	require.NoError(t, err)
	require.NoError(t, g.Update(securityConfig(5), []config.AgentKey{{ID: "bot", KeyHash: hash}}))
	assert.True(t, g.AuthRequired())
	id, err := g.Authenticate("Bearer k")
	require.NoError(t, err)
	assert.Equal(t, "bot", id)

	bad := securityConfig(5)
	bad.RedactPatterns = []string{"["}
	assert.Error(t, g.Update(bad, nil))
	assert.False(t, sink.closed, "a caller-provided sink is never replaced")
}

func TestOutcome(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		raw  string
		err  error
		want string
	}{
		{"ok", context.Background(), `{"content":[]}`, nil, telemetry.OutcomeOK},
		{"tool error result", context.Background(), `{"content":[],"isError":true}`, nil, telemetry.OutcomeToolError},
		{"rpc error", context.Background(), "", &transport.RPCError{Code: 1}, telemetry.OutcomeToolError},
		{"unavailable", context.Background(), "", &perrors.UnavailableError{Tool: "x"}, telemetry.OutcomeUnavailable},
		{"rate limited", context.Background(), "", &perrors.RateLimitError{}, telemetry.OutcomeRateLimited},
		{"canceled", canceled, "", context.Canceled, telemetry.OutcomeCanceled},
		{"other", context.Background(), "", errors.New("boom"), telemetry.OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome(tt.ctx, json.RawMessage(tt.raw), tt.err))
		})
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "calls.jsonl")
	sink, err := NewSink(log.Discard(), path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Write(ctx, Record{Kind: KindRequest, Agent: "a", Tool: "t", Payload: "{}"}))
	require.NoError(t, sink.Write(ctx, Record{Kind: KindResponse, Agent: "a", Tool: "t", DurationMS: 12}))
	require.NoError(t, sink.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var kinds []Kind
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		assert.False(t, rec.Time.IsZero())
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []Kind{KindRequest, KindResponse}, kinds)
}
