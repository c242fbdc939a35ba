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
	"time"

	"github.com/tombee/mcproxy/internal/config"
)

// Transport is one JSON-RPC session with an upstream server.
//
// A Transport is single-use: after Close, or after the underlying process
// or stream ends, a new one must be created to reconnect.
type Transport interface {
	// Connect establishes the session. It does not perform the MCP
	// initialize handshake.
	Connect(ctx context.Context) error

	// Call sends a request and waits for its response. params may be any
	// JSON-encodable value or a json.RawMessage.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification and does not wait for a reply.
	Notify(ctx context.Context, method string, params any) error

	// Close tears the session down.
	Close() error

	// Alive reports whether the process or stream is still up.
	Alive() bool

	// Concurrent reports whether Call may be invoked concurrently without
	// being serialized by the transport.
	Concurrent() bool
}

// TokenSource supplies bearer tokens for authenticated upstreams.
type TokenSource interface {
	// Token returns a current access token, refreshing it if needed.
	Token(ctx context.Context) (string, error)

	// Invalidate drops the cached token after the upstream rejected it.
	Invalidate()
}

// Options carries the shared dependencies used to build transports.
type Options struct {
	// Client carries HTTP and SSE traffic, including the long-lived event
	// stream, so it must not have an overall timeout.
	Client *http.Client

	// Tokens authenticates HTTP and SSE requests when set.
	Tokens TokenSource

	// CallTimeout bounds a Pipe exchange that continues after its caller
	// went away.
	CallTimeout time.Duration

	Logger *slog.Logger
}

// New builds the transport configured for an upstream.
func New(u config.UpstreamConfig, opts Options) (Transport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch u.Transport {
	case config.TransportStdio:
		return NewPipe(PipeConfig{
			Command:     u.Command,
			Args:        u.Args,
			Env:         u.Env,
			CallTimeout: opts.CallTimeout,
			Logger:      logger,
		}), nil
	case config.TransportHTTP:
		return NewHTTP(HTTPConfig{
			URL:     u.URL,
			Headers: u.Headers,
			Client:  opts.Client,
			Tokens:  opts.Tokens,
			Logger:  logger,
		}), nil
	case config.TransportSSE:
		return NewSSE(SSEConfig{
			URL:     u.URL,
			Headers: u.Headers,
			Client:  opts.Client,
			Tokens:  opts.Tokens,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", u.Transport)
	}
}
