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

package proxytest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tombee/mcproxy/internal/proxy/transport"
)

// Handler answers one method on a Fake.
type Handler func(params json.RawMessage) (json.RawMessage, error)

// Fake is an in-memory transport.Transport. It answers initialize, ping,
// tools/list, and tools/call. tools/call replies with "<name>:<tool>" so
// tests can tell which upstream served a call.
//
// A Fake can be reconnected after Close or Kill, which lets one instance
// back an upstream across reconnects.
type Fake struct {
	name string

	mu         sync.Mutex
	tools      []string
	alive      bool
	failing    bool
	connectErr error
	handlers   map[string]Handler
	calls      map[string]int
	connects   int
}

// NewFake creates a fake upstream called name offering tools.
func NewFake(name string, tools ...string) *Fake {
	return &Fake{
		name:     name,
		tools:    tools,
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
	}
}

var _ transport.Transport = (*Fake)(nil)

// SetTools replaces the advertised tool names.
func (f *Fake) SetTools(tools ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

// SetFailing makes every call fail with a transport I/O error.
func (f *Fake) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

// SetConnectError makes Connect fail with err until cleared with nil.
func (f *Fake) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// Handle overrides the reply for one method.
func (f *Fake) Handle(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

// Kill simulates the process or stream dying.
func (f *Fake) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

// Calls returns how many times method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Connects returns how many times Connect was attempted.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return &transport.Error{Kind: transport.KindConnect, Op: "connect", Err: f.connectErr}
	}
	f.alive = true
	return nil
}

func (f *Fake) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls[method]++
	alive, failing := f.alive, f.failing
	h := f.handlers[method]
	tools := append([]string(nil), f.tools...)
	f.mu.Unlock()

	if !alive {
		return nil, &transport.Error{Kind: transport.KindIO, Op: method, Err: transport.ErrClosed}
	}
	if failing {
		return nil, &transport.Error{Kind: transport.KindIO, Op: method, Err: errors.New("connection reset")}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if h != nil {
		return h(raw)
	}

	switch method {
	case "initialize":
		return json.RawMessage(fmt.Sprintf(
			`{"protocolVersion":"2025-03-26","capabilities":{"tools":{}},"serverInfo":{"name":%q,"version":"test"}}`, f.name)), nil
	case "ping":
		return json.RawMessage(`{}`), nil
	case "tools/list":
		type tool struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		}
		list := make([]tool, 0, len(tools))
		for _, t := range tools {
			list = append(list, tool{Name: t, Description: t + " from " + f.name, InputSchema: json.RawMessage(`{"type":"object"}`)})
		}
		return json.Marshal(map[string]any{"tools": list})
	case "tools/call":
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &transport.RPCError{Code: transport.CodeInvalidParams, Message: err.Error()}
		}
		return json.Marshal(map[string]any{
			"content": []map[string]string{{"type": "text", "text": f.name + ":" + p.Name}},
		})
	default:
		return nil, &transport.RPCError{Code: transport.CodeMethodNotFound, Message: "method not found: " + method}
	}
}

func (f *Fake) Notify(ctx context.Context, method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if !f.alive {
		return &transport.Error{Kind: transport.KindIO, Op: method, Err: transport.ErrClosed}
	}
	return nil
}

func (f *Fake) Close() error {
	f.Kill()
	return nil
}

func (f *Fake) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *Fake) Concurrent() bool { return true }
