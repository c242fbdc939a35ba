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
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
)

// HTTPConfig configures a streamable HTTP transport.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
	Tokens  TokenSource
	Logger  *slog.Logger
}

// HTTP sends every JSON-RPC call as one POST. The reply may be a JSON body
// or an event stream. Calls may run concurrently.
type HTTP struct {
	cfg    HTTPConfig
	logger *slog.Logger

	conn *mcptransport.StreamableHTTP
	rpc  session

	connected atomic.Bool
	closed    atomic.Bool
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg HTTPConfig) *HTTP {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{cfg: cfg, logger: logger}
}

// Connect validates the endpoint. No request is made until the first call.
func (h *HTTP) Connect(ctx context.Context) error {
	u, err := url.Parse(h.cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return newError(KindConnect, "connect", fmt.Errorf("invalid url %q", h.cfg.URL))
	}

	conn, err := mcptransport.NewStreamableHTTP(h.cfg.URL,
		mcptransport.WithHTTPBasicClient(authClient(h.cfg.Client, h.cfg.Tokens, nil)),
		mcptransport.WithHTTPHeaders(h.cfg.Headers),
		mcptransport.WithHTTPLogger(logAdapter{h.logger}),
	)
	if err != nil {
		return newError(KindConnect, "connect", err)
	}
	if err := conn.Start(ctx); err != nil {
		return classify(ctx, KindConnect, "connect", err)
	}
	h.conn = conn
	h.rpc.conn = conn
	h.connected.Store(true)
	return nil
}

// Call POSTs a request and returns the matching response.
func (h *HTTP) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := h.check(method); err != nil {
		return nil, err
	}
	return h.rpc.call(ctx, KindIO, method, params)
}

// Notify POSTs a notification. The upstream answers 202 with no body.
func (h *HTTP) Notify(ctx context.Context, method string, params any) error {
	if err := h.check(method); err != nil {
		return err
	}
	return h.rpc.notify(ctx, method, params)
}

func (h *HTTP) check(op string) error {
	if h.closed.Load() {
		return newError(KindIO, op, ErrClosed)
	}
	if !h.connected.Load() {
		return newError(KindConnect, op, ErrNotConnected)
	}
	return nil
}

// Close ends the MCP session on the upstream if one was assigned.
func (h *HTTP) Close() error {
	if !h.closed.CompareAndSwap(false, true) || h.conn == nil {
		return nil
	}
	if err := h.conn.Close(); err != nil {
		h.logger.Debug("failed to end upstream session", "error", err)
	}
	return nil
}

// Alive is true until Close.
func (h *HTTP) Alive() bool { return h.connected.Load() && !h.closed.Load() }

// Concurrent is true: each call is an independent request.
func (h *HTTP) Concurrent() bool { return true }
