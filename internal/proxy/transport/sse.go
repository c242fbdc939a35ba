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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
)

// SSEConfig configures an event-stream transport.
type SSEConfig struct {
	URL     string
	Headers map[string]string

	// Client opens the event stream and sends POSTs to the message
	// endpoint. It must not have an overall timeout.
	Client *http.Client

	Tokens TokenSource
	Logger *slog.Logger
}

// SSE holds one event stream open and POSTs calls to the endpoint the
// server announces on it. Responses arrive as "message" events and are
// matched to calls by id. Calls are serialized.
type SSE struct {
	cfg    SSEConfig
	logger *slog.Logger

	conn *mcptransport.SSE
	rpc  session

	// life ends when the event stream closes or the transport is closed
	life context.Context
	end  context.CancelFunc

	// slot serializes calls
	slot chan struct{}

	connected atomic.Bool
	alive     atomic.Bool
	closeOnce sync.Once
}

// NewSSE creates an unconnected SSE transport.
func NewSSE(cfg SSEConfig) *SSE {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	life, end := context.WithCancel(context.Background())
	return &SSE{
		cfg:    cfg,
		logger: logger,
		life:   life,
		end:    end,
		slot:   make(chan struct{}, 1),
	}
}

// Connect opens the stream and waits for the endpoint event.
func (s *SSE) Connect(ctx context.Context) error {
	if !s.connected.CompareAndSwap(false, true) {
		return newError(KindConnect, "connect", errors.New("already connected"))
	}

	conn, err := mcptransport.NewSSE(s.cfg.URL,
		mcptransport.WithHTTPClient(authClient(s.cfg.Client, s.cfg.Tokens, s.streamEnded)),
		mcptransport.WithHeaders(s.cfg.Headers),
		mcptransport.WithSSELogger(logAdapter{s.logger}),
	)
	if err != nil {
		return newError(KindConnect, "connect", err)
	}

	// The stream must outlive ctx, which only bounds the handshake.
	started := make(chan error, 1)
	go func() { started <- conn.Start(s.life) }()

	select {
	case err := <-started:
		if err != nil {
			s.end()
			return classify(ctx, KindConnect, "connect", err)
		}
	case <-ctx.Done():
		s.end()
		<-started
		return fromContext(ctx, "connect")
	case <-s.life.Done():
		<-started
		return newError(KindConnect, "connect", errors.New("stream closed before endpoint event"))
	}

	s.conn = conn
	s.rpc.conn = conn
	s.alive.Store(true)
	if s.life.Err() != nil {
		s.alive.Store(false)
	}
	s.logger.Debug("sse endpoint announced", "endpoint", conn.GetEndpoint().String())
	return nil
}

func (s *SSE) streamEnded() {
	s.alive.Store(false)
	s.end()
	s.logger.Debug("upstream event stream ended")
}

// Call POSTs a request to the endpoint and waits for the matching event.
func (s *SSE) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := s.check(method); err != nil {
		return nil, err
	}

	select {
	case s.slot <- struct{}{}:
		defer func() { <-s.slot }()
	case <-ctx.Done():
		return nil, fromContext(ctx, method)
	case <-s.life.Done():
		return nil, newError(KindIO, method, ErrClosed)
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.life, cancel)
	defer stop()

	raw, err := s.rpc.call(cctx, KindIO, method, params)
	if err != nil && s.life.Err() != nil && ctx.Err() == nil {
		return nil, newError(KindIO, method, errors.New("event stream closed while waiting for response"))
	}
	return raw, err
}

// Notify POSTs a notification to the endpoint.
func (s *SSE) Notify(ctx context.Context, method string, params any) error {
	if err := s.check(method); err != nil {
		return err
	}
	return s.rpc.notify(ctx, method, params)
}

func (s *SSE) check(op string) error {
	if !s.connected.Load() || s.conn == nil {
		return newError(KindConnect, op, ErrNotConnected)
	}
	if !s.alive.Load() {
		return newError(KindIO, op, ErrClosed)
	}
	return nil
}

// Close cancels the stream and fails any call still waiting on it.
func (s *SSE) Close() error {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		s.end()
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
	return nil
}

// Alive reports whether the event stream is still open.
func (s *SSE) Alive() bool { return s.alive.Load() }

// Concurrent is false: calls are serialized per stream.
func (s *SSE) Concurrent() bool { return false }
