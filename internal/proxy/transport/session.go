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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// SessionHeader carries the MCP session id on streamable HTTP.
const SessionHeader = mcptransport.HeaderKeySessionID

// session issues JSON-RPC calls over an mcp-go transport and maps its
// results and errors onto this package's types.
type session struct {
	conn   mcptransport.Interface
	nextID atomic.Int64
}

// call sends one request. Failures that carry no better signal are
// reported as kind.
func (s *session) call(ctx context.Context, kind Kind, method string, params any) (json.RawMessage, error) {
	req := mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(s.nextID.Add(1)),
		Method:  method,
	}
	if params != nil {
		raw, err := marshalParams(params)
		if err != nil {
			return nil, newError(KindProtocol, method, fmt.Errorf("encode params: %w", err))
		}
		if len(raw) > 0 {
			req.Params = raw
		}
	}

	resp, err := s.conn.SendRequest(ctx, req)
	if err != nil {
		return nil, classify(ctx, kind, method, err)
	}
	return outcome(method, req.ID, resp)
}

func (s *session) notify(ctx context.Context, method string, params any) error {
	n := mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: method},
	}
	if params != nil {
		raw, err := marshalParams(params)
		if err != nil {
			return newError(KindProtocol, method, fmt.Errorf("encode params: %w", err))
		}
		if err := json.Unmarshal(raw, &n.Params); err != nil {
			return newError(KindProtocol, method, fmt.Errorf("encode params: %w", err))
		}
	}
	if err := s.conn.SendNotification(ctx, n); err != nil {
		return classify(ctx, KindIO, method, err)
	}
	return nil
}

// outcome turns a response into Call's return values.
func outcome(op string, id mcp.RequestId, resp *mcptransport.JSONRPCResponse) (json.RawMessage, error) {
	if resp == nil {
		return nil, newError(KindProtocol, op, errors.New("empty response"))
	}
	if resp.ID.String() != id.String() {
		return nil, newError(KindProtocol, op, errors.New("response id does not match request"))
	}
	if resp.Error != nil {
		rpcErr := &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		if resp.Error.Data != nil {
			data, err := json.Marshal(resp.Error.Data)
			if err == nil {
				rpcErr.Data = data
			}
		}
		return nil, rpcErr
	}
	if len(resp.Result) == 0 {
		return nil, newError(KindProtocol, op, errors.New("response has neither result nor error"))
	}
	return resp.Result, nil
}

// authClient returns a copy of base whose requests carry a bearer token
// from tokens. A 401 invalidates the token and fails the request with an
// auth error. When onStreamEnd is set it is called once the body of the
// first successful GET ends, which is how an event stream reports that the
// upstream went away.
func authClient(base *http.Client, tokens TokenSource, onStreamEnd func()) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	c := *base
	c.Transport = &authTransport{next: next, tokens: tokens, onStreamEnd: onStreamEnd}
	return &c
}

type authTransport struct {
	next        http.RoundTripper
	tokens      TokenSource
	onStreamEnd func()
	streamOnce  sync.Once
}

func (a *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if a.tokens != nil {
		token, err := a.tokens.Token(req.Context())
		if err != nil {
			return nil, newError(KindAuth, "token", err)
		}
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if a.tokens != nil {
			a.tokens.Invalidate()
		}
		return nil, newError(KindAuth, req.Method, fmt.Errorf("upstream returned %s", resp.Status))
	}
	if a.onStreamEnd != nil && req.Method == http.MethodGet && resp.StatusCode == http.StatusOK {
		a.streamOnce.Do(func() {
			resp.Body = &streamBody{ReadCloser: resp.Body, end: a.onStreamEnd}
		})
	}
	return resp, nil
}

// streamBody calls end once reading stops, whether by EOF, error or Close.
type streamBody struct {
	io.ReadCloser
	end  func()
	once sync.Once
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		b.once.Do(b.end)
	}
	return n, err
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.end)
	return err
}

// logAdapter routes mcp-go's transport logging into slog.
type logAdapter struct {
	logger *slog.Logger
}

func (l logAdapter) Infof(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l logAdapter) Errorf(format string, v ...any) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}
