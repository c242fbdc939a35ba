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

package frontend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/log"
	"github.com/tombee/mcproxy/internal/proxy/registry"
	"github.com/tombee/mcproxy/internal/proxy/router"
	"github.com/tombee/mcproxy/internal/proxy/security"
	"github.com/tombee/mcproxy/internal/proxy/transport"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

type stubBackend struct {
	mu         sync.Mutex
	calls      []security.Call
	reconnects []string
	call       func(ctx context.Context, c security.Call) (router.Result, error)
}

func (b *stubBackend) Tools() []registry.Descriptor {
	return []registry.Descriptor{
		{Name: "a:search", Description: "[a] search", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "search", Description: "search the web", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
	}
}

func (b *stubBackend) CallTool(ctx context.Context, c security.Call) (router.Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	fn := b.call
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, c)
	}
	return router.Result{Upstream: "a", Raw: json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`)}, nil
}

func (b *stubBackend) Status() Status {
	return Status{
		Version: "test",
		Tools:   2,
		Upstreams: []UpstreamStatus{
			{Name: "a", Transport: "stdio", Priority: 1, State: "healthy", Tools: 1},
			{Name: "b", Transport: "http", Priority: 2, State: "unhealthy", LastError: "connection refused"},
		},
	}
}

func (b *stubBackend) Reconnect(name string) error {
	if name != "a" && name != "b" {
		return &perrors.NotFoundError{Resource: "upstream", ID: name}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnects = append(b.reconnects, name)
	return nil
}

func (b *stubBackend) lastCall() security.Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[len(b.calls)-1]
}

func (b *stubBackend) reconnected() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reconnects...)
}

func (b *stubBackend) setCall(fn func(ctx context.Context, c security.Call) (router.Result, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.call = fn
}

type stubAuth struct{}

func (stubAuth) AuthRequired() bool { return true }

func (stubAuth) Authenticate(header string) (string, error) {
	if header == "Bearer good" {
		return "trusted-agent", nil
	}
	return "", &perrors.AuthError{Subject: "agent", Reason: "invalid API key"}
}

func newHTTPServer(t *testing.T, cfg Config, auth Authenticator) (*httptest.Server, *stubBackend) {
	t.Helper()
	backend := &stubBackend{}
	if cfg.Transport == "" {
		cfg.Transport = config.FrontendHTTP
	}
	cfg.Logger = log.Discard()
	srv := New(cfg, backend, auth)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, backend
}

func post(t *testing.T, url, body string, headers map[string]string) (*http.Response, transport.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out transport.Response
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(bytes.TrimSpace(data)) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func TestHTTP_InitializeListCall(t *testing.T) {
	ts, backend := newHTTPServer(t, Config{ServerName: "mcproxy", Version: "1.2.3"}, nil)

	resp, out := post(t, ts.URL+"/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"cursor","version":"1"}}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, out.Error)
	session := resp.Header.Get(SessionHeader)
	require.NotEmpty(t, session)

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Tools map[string]any `json:"tools"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(out.Result, &init))
	assert.Equal(t, "2024-11-05", init.ProtocolVersion)
	assert.NotNil(t, init.Capabilities.Tools)
	assert.Equal(t, "mcproxy", init.ServerInfo.Name)
	assert.Equal(t, "1.2.3", init.ServerInfo.Version)

	resp, _ = post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		map[string]string{SessionHeader: session})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, out = post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	require.Nil(t, out.Error)
	var list struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(out.Result, &list))
	require.Len(t, list.Tools, 2)
	assert.Equal(t, "a:search", list.Tools[0].Name)
	assert.Equal(t, "search", list.Tools[1].Name)
	assert.JSONEq(t, `{"type":"object","properties":{"q":{"type":"string"}}}`, string(list.Tools[1].InputSchema))

	_, out = post(t, ts.URL+"/mcp",
		`{"jsonrpc":"2.0","id":"c-3","method":"tools/call","params":{"name":"search","arguments":{"q":"go"}}}`,
		map[string]string{SessionHeader: session})
	require.Nil(t, out.Error)
	assert.JSONEq(t, `"c-3"`, string(out.ID))
	assert.JSONEq(t, `{"content":[{"type":"text","text":"ok"}]}`, string(out.Result))

	call := backend.lastCall()
	assert.Equal(t, "search", call.Tool)
	assert.JSONEq(t, `{"q":"go"}`, string(call.Args))
	assert.Equal(t, "cursor", call.Agent, "clientInfo.name identifies the agent")
	assert.Equal(t, `"c-3"`, call.ID)

	_, out = post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","id":4,"method":"ping"}`, nil)
	assert.JSONEq(t, `{}`, string(out.Result))
}

func TestHTTP_AgentIdentity(t *testing.T) {
	ts, backend := newHTTPServer(t, Config{}, nil)
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`

	post(t, ts.URL+"/mcp", body, map[string]string{AgentHeader: "ci-bot"})
	assert.Equal(t, "ci-bot", backend.lastCall().Agent)

	post(t, ts.URL+"/mcp", body, nil)
	assert.Equal(t, AnonymousAgent, backend.lastCall().Agent)
}

func TestHTTP_Errors(t *testing.T) {
	ts, backend := newHTTPServer(t, Config{}, nil)

	tests := []struct {
		name  string
		body  string
		call  func(ctx context.Context, c security.Call) (router.Result, error)
		code  int
		check func(t *testing.T, e *transport.RPCError)
	}{
		{name: "parse error", body: `{"jsonrpc":`, code: transport.CodeParseError},
		{name: "batch", body: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, code: transport.CodeInvalidRequest},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, code: transport.CodeInvalidRequest},
		{name: "unknown method", body: `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, code: transport.CodeMethodNotFound},
		{name: "call without name", body: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, code: transport.CodeInvalidParams},
		{
			name: "unknown tool",
			body: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`,
			call: func(context.Context, security.Call) (router.Result, error) {
				return router.Result{}, &perrors.NotFoundError{Resource: "tool", ID: "nope"}
			},
			code: transport.CodeInvalidParams,
		},
		{
			name: "no upstream",
			body: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`,
			call: func(context.Context, security.Call) (router.Result, error) {
				return router.Result{}, &perrors.UnavailableError{Tool: "search", Attempts: []perrors.Attempt{{Upstream: "a", Error: "unhealthy"}}}
			},
			code: transport.CodeNoUpstream,
			check: func(t *testing.T, e *transport.RPCError) {
				assert.JSONEq(t, `{"tool":"search","attempts":[{"upstream":"a","error":"unhealthy"}]}`, string(e.Data))
			},
		},
		{
			name: "rate limited",
			body: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`,
			call: func(context.Context, security.Call) (router.Result, error) {
				return router.Result{}, &perrors.RateLimitError{Key: "anonymous:search", Limit: 3, ResetAt: time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC)}
			},
			code: transport.CodeRateLimited,
			check: func(t *testing.T, e *transport.RPCError) {
				assert.JSONEq(t, `{"key":"anonymous:search","limit":3,"reset_at":"2025-01-01T00:01:00Z"}`, string(e.Data))
			},
		},
		{
			name: "application error passes through",
			body: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`,
			call: func(context.Context, security.Call) (router.Result, error) {
				return router.Result{Upstream: "a"}, &transport.RPCError{Code: -32050, Message: "quota", Data: json.RawMessage(`{"left":0}`)}
			},
			code: -32050,
			check: func(t *testing.T, e *transport.RPCError) {
				assert.Equal(t, "quota", e.Message)
				assert.JSONEq(t, `{"left":0}`, string(e.Data))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend.setCall(tt.call)
			resp, out := post(t, ts.URL+"/mcp", tt.body, nil)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			require.NotNil(t, out.Error)
			assert.Equal(t, tt.code, out.Error.Code)
			if tt.check != nil {
				tt.check(t, out.Error)
			}
		})
	}
}

func TestHTTP_Authentication(t *testing.T) {
	ts, backend := newHTTPServer(t, Config{}, stubAuth{})
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`

	resp, out := post(t, ts.URL+"/mcp", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, out.Error)
	assert.Equal(t, transport.CodeUnauthorized, out.Error.Code)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	resp, out = post(t, ts.URL+"/mcp", body, map[string]string{"Authorization": "Bearer good", AgentHeader: "spoofed"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, out.Error)
	assert.Equal(t, "trusted-agent", backend.lastCall().Agent, "the key decides identity")
}

func TestHTTP_MaxConnections(t *testing.T) {
	ts, backend := newHTTPServer(t, Config{MaxConnections: 1}, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	backend.setCall(func(ctx context.Context, c security.Call) (router.Result, error) {
		close(entered)
		<-release
		return router.Result{Raw: json.RawMessage(`{}`)}, nil
	})

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`
	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(body))
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	<-entered

	resp, out := post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","id":2,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, out.Error)
	assert.Equal(t, transport.CodeCapacity, out.Error.Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)

	resp, _ = post(t, ts.URL+"/mcp", `{"jsonrpc":"2.0","id":3,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "the slot is freed when the request ends")
}

// sseClient reads events from an open GET /sse response.
type sseClient struct {
	resp   *http.Response
	reader *bufio.Reader
}

type sseEvent struct {
	typ  string
	data string
}

func openSSE(t *testing.T, url string, headers map[string]string) *sseClient {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return &sseClient{resp: resp, reader: bufio.NewReader(resp.Body)}
}

func (c *sseClient) next(t *testing.T) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := c.reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSE_SessionFlow(t *testing.T) {
	ts, backend := newHTTPServer(t, Config{Transport: config.FrontendSSE}, nil)

	client := openSSE(t, ts.URL+"/sse", nil)
	require.Equal(t, http.StatusOK, client.resp.StatusCode)
	assert.Equal(t, "text/event-stream", client.resp.Header.Get("Content-Type"))

	endpoint := client.next(t)
	require.Equal(t, "endpoint", endpoint.typ)
	require.True(t, strings.HasPrefix(endpoint.data, "/message?sessionId="))

	resp, _ := post(t, ts.URL+endpoint.data,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"claude-desktop"}}}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	ev := client.next(t)
	assert.Equal(t, "message", ev.typ)
	var out transport.Response
	require.NoError(t, json.Unmarshal([]byte(ev.data), &out))
	assert.JSONEq(t, `1`, string(out.ID))
	assert.Nil(t, out.Error)

	resp, _ = post(t, ts.URL+endpoint.data,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"search","arguments":{}}}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	ev = client.next(t)
	require.NoError(t, json.Unmarshal([]byte(ev.data), &out))
	assert.JSONEq(t, `2`, string(out.ID))
	assert.JSONEq(t, `{"content":[{"type":"text","text":"ok"}]}`, string(out.Result))
	assert.Equal(t, "claude-desktop", backend.lastCall().Agent)

	resp, out = post(t, ts.URL+endpoint.data, `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, out.Error)
	assert.Equal(t, transport.CodeParseError, out.Error.Code)
}

func TestSSE_UnknownSession(t *testing.T) {
	ts, _ := newHTTPServer(t, Config{Transport: config.FrontendSSE}, nil)
	resp, out := post(t, ts.URL+"/message?sessionId=missing", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, out.Error)
}

func TestSSE_MaxConnections(t *testing.T) {
	ts, _ := newHTTPServer(t, Config{Transport: config.FrontendSSE, MaxConnections: 1}, nil)

	first := openSSE(t, ts.URL+"/sse", nil)
	require.Equal(t, "endpoint", first.next(t).typ)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var out transport.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, transport.CodeCapacity, out.Error.Code)
}

func TestSSE_Authentication(t *testing.T) {
	ts, backend := newHTTPServer(t, Config{Transport: config.FrontendSSE}, stubAuth{})

	resp, err := http.Get(ts.URL + "/sse")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	client := openSSE(t, ts.URL+"/sse", map[string]string{"Authorization": "Bearer good"})
	endpoint := client.next(t)

	post(t, ts.URL+endpoint.data, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`,
		map[string]string{AgentHeader: "spoofed"})
	client.next(t)
	assert.Equal(t, "trusted-agent", backend.lastCall().Agent)
}

func TestOperationalEndpoints(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "mcproxy_tool_calls_total 1\n")
	})
	ts, backend := newHTTPServer(t, Config{MetricsHandler: metrics}, nil)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, string(config.FrontendHTTP), st.Transport)
	require.Len(t, st.Upstreams, 2)
	assert.Equal(t, "connection refused", st.Upstreams[1].LastError)
	assert.Equal(t, 1, st.Healthy())

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["upstreams_healthy"])

	resp, err = http.Post(ts.URL+"/upstreams/b/reconnect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"b"}, backend.reconnected())

	resp, err = http.Post(ts.URL+"/upstreams/zzz/reconnect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "mcproxy_tool_calls_total")
}

func TestServer_ShutdownDrainsCalls(t *testing.T) {
	backend := &stubBackend{}
	srv := New(Config{Transport: config.FrontendHTTP, Logger: log.Discard()}, backend, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	url := "http://" + srv.Addr() + "/mcp"

	entered := make(chan struct{})
	release := make(chan struct{})
	backend.setCall(func(ctx context.Context, c security.Call) (router.Result, error) {
		close(entered)
		<-release
		return router.Result{Raw: json.RawMessage(`{"content":[]}`)}, nil
	})

	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(url, "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`))
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	<-entered

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.Equal(t, http.StatusOK, <-done, "in-flight call completes during shutdown")
	assert.NoError(t, <-shutdownErr)
}

func TestTracker_DrainTimeout(t *testing.T) {
	var tr tracker
	require.True(t, tr.begin())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.drain(ctx), context.DeadlineExceeded)
	assert.False(t, tr.begin(), "draining refuses new calls")

	tr.end()
	assert.NoError(t, tr.drain(context.Background()))
}
