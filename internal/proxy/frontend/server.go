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

// Package frontend serves the agent-facing JSON-RPC endpoint over HTTP or
// SSE, plus the operational endpoints used by the CLI.
package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/log"
	"github.com/tombee/mcproxy/internal/proxy/registry"
	"github.com/tombee/mcproxy/internal/proxy/router"
	"github.com/tombee/mcproxy/internal/proxy/security"
	"github.com/tombee/mcproxy/internal/proxy/transport"
	"github.com/tombee/mcproxy/internal/telemetry"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

const (
	// maxBodyBytes bounds a single JSON-RPC message from an agent.
	maxBodyBytes = 4 << 20

	// AgentHeader names the caller when no API keys are configured.
	AgentHeader = "X-Agent-ID"

	// SessionHeader carries the HTTP session created by initialize.
	SessionHeader = transport.SessionHeader

	sessionIdleTimeout = time.Hour
)

// Backend is the proxy core the frontend dispatches into.
type Backend interface {
	Tools() []registry.Descriptor
	CallTool(ctx context.Context, call security.Call) (router.Result, error)
	Status() Status
	Reconnect(name string) error
}

// Authenticator verifies agent API keys.
type Authenticator interface {
	AuthRequired() bool
	Authenticate(header string) (string, error)
}

// Config configures a Server.
type Config struct {
	Transport      config.FrontendTransport
	MaxConnections int
	ServerName     string
	Version        string

	// KeepAlive is the SSE comment interval. Default: 30s
	KeepAlive time.Duration

	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler

	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Server is the agent-facing listener.
type Server struct {
	cfg     Config
	backend Backend
	auth    Authenticator
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics

	sem    *semaphore.Weighted
	active atomic.Int64
	calls  tracker

	streams  sync.Map // session id -> *stream
	sessions sync.Map // http session id -> *clientInfo

	handler http.Handler
	server  *http.Server
	closing chan struct{}
	once    sync.Once

	mu sync.RWMutex
	ln net.Listener
}

// New creates a server. auth may be nil when agents are never
// authenticated.
func New(cfg Config, backend Backend, auth Authenticator) *Server {
	if cfg.Transport == "" {
		cfg.Transport = config.FrontendSSE
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = config.DefaultMaxConnections
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "mcproxy"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(telemetry.ServiceName)
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		auth:    auth,
		logger:  log.WithComponent(logger, "frontend"),
		tracer:  tracer,
		metrics: cfg.Metrics,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConnections)),
		closing: make(chan struct{}),
	}
	s.handler = s.routes()
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: SSE streams stay open for the session.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(log.HTTPMiddleware(s.logger))

	switch s.cfg.Transport {
	case config.FrontendHTTP:
		r.Post("/mcp", s.admit(s.handleHTTP))
		r.Delete("/mcp", s.handleHTTPDelete)
	default:
		r.Get("/sse", s.admit(s.handleSSE))
		r.Post("/message", s.handleMessage)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/upstreams/{name}/reconnect", s.handleReconnect)
	if s.cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.MetricsHandler)
	}
	return r
}

// Handler returns the root handler. Useful with httptest.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("proxy frontend listening",
		"listen_addr", ln.Addr().String(),
		"transport", s.cfg.Transport,
		"max_connections", s.cfg.MaxConnections)

	go s.sweep()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("proxy frontend stopped", log.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Connections returns the number of admitted agent connections.
func (s *Server) Connections() int { return int(s.active.Load()) }

// Shutdown stops admitting agents, waits for in-flight calls until ctx is
// done, then closes SSE streams and the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("proxy frontend shutting down", "active_connections", s.Connections())

	drainErr := s.calls.drain(ctx)
	if drainErr != nil {
		s.logger.Warn("shutdown grace expired with calls in flight", "in_flight", s.calls.count())
	}
	s.once.Do(func() { close(s.closing) })

	s.server.SetKeepAlivesEnabled(false)
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	} else if err != nil {
		_ = s.server.Close()
		return err
	}
	return drainErr
}

// admit enforces max_connections. Rejected connections get 503 at once.
func (s *Server) admit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.sem.TryAcquire(1) {
			err := &perrors.CapacityError{Max: s.cfg.MaxConnections}
			s.logger.Warn("agent connection rejected", "error", err)
			writeRPC(w, http.StatusServiceUnavailable,
				errorResponse(nil, transport.CodeCapacity, err.Error(), nil))
			return
		}
		s.active.Add(1)
		s.metrics.ConnectionOpened(r.Context())
		defer func() {
			s.metrics.ConnectionClosed(context.WithoutCancel(r.Context()))
			s.active.Add(-1)
			s.sem.Release(1)
		}()
		next(w, r)
	}
}

// resolveAgent applies API key authentication, then the X-Agent-ID header.
func (s *Server) resolveAgent(r *http.Request) (string, error) {
	if s.auth != nil && s.auth.AuthRequired() {
		return s.auth.Authenticate(r.Header.Get("Authorization"))
	}
	return r.Header.Get(AgentHeader), nil
}

func (s *Server) unauthorized(w http.ResponseWriter, err error) {
	s.logger.Warn("agent authentication failed", "error", err)
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcproxy"`)
	writeRPC(w, http.StatusUnauthorized, errorResponse(nil, transport.CodeUnauthorized, "unauthorized", nil))
}

// handleHTTP serves POST /mcp: one message in, one response out.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.calls.begin() {
		writeRPC(w, http.StatusServiceUnavailable,
			errorResponse(nil, transport.CodeCapacity, "proxy is shutting down", nil))
		return
	}
	defer s.calls.end()

	agent, err := s.resolveAgent(r)
	if err != nil {
		s.unauthorized(w, err)
		return
	}

	req, errResp := decodeRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if errResp != nil {
		writeRPC(w, http.StatusOK, errResp)
		return
	}

	c := caller{agent: agent}
	var newSession string
	if id := r.Header.Get(SessionHeader); id != "" {
		if v, ok := s.sessions.Load(id); ok {
			c.client = v.(*clientInfo)
			c.client.touch()
		}
	}
	if req.Method == "initialize" && c.client == nil {
		c.client = &clientInfo{}
		c.client.touch()
		newSession = newID()
		s.sessions.Store(newSession, c.client)
	}

	resp := s.handle(r.Context(), c, req)
	if newSession != "" {
		w.Header().Set(SessionHeader, newSession)
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(w, http.StatusOK, resp)
}

func (s *Server) handleHTTPDelete(w http.ResponseWriter, r *http.Request) {
	if id := r.Header.Get(SessionHeader); id != "" {
		s.sessions.Delete(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// sweep drops HTTP sessions that have been idle too long.
func (s *Server) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case now := <-ticker.C:
			s.sessions.Range(func(k, v any) bool {
				if now.Sub(v.(*clientInfo).lastSeen()) > sessionIdleTimeout {
					s.sessions.Delete(k)
				}
				return true
			})
		}
	}
}

// decodeRequest parses one JSON-RPC message. Batches are not supported.
func decodeRequest(body io.Reader) (*transport.Request, *transport.Response) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errorResponse(nil, transport.CodeInvalidRequest, "failed to read request body: "+err.Error(), nil)
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return nil, errorResponse(nil, transport.CodeInvalidRequest, "batch requests are not supported", nil)
	}
	var req transport.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errorResponse(nil, transport.CodeParseError, "parse error: "+err.Error(), nil)
	}
	return &req, nil
}

func writeRPC(w http.ResponseWriter, status int, resp *transport.Response) {
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", log.Error(err))
	}
}

// tracker counts in-flight calls and lets shutdown wait for them.
type tracker struct {
	mu       sync.Mutex
	n        int
	draining bool
	idle     chan struct{}
}

func (t *tracker) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.n++
	return true
}

func (t *tracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *tracker) drain(ctx context.Context) error {
	t.mu.Lock()
	t.draining = true
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
