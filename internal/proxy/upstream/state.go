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

// Package upstream supervises the session with one configured MCP server.
//
// A Connection owns a transport and a health state machine. A supervisor
// goroutine per connection connects, checks health on the configured interval,
// reconnects with exponential backoff, and publishes state changes as
// Events. Live calls never change state directly; they report transport
// failures to the supervisor over a channel.
package upstream

import (
	"encoding/json"
	"time"
)

// State is the health of an upstream connection.
type State int32

const (
	// StateDisconnected means no session exists and none will be attempted
	// until an explicit reconnect.
	StateDisconnected State = iota
	// StateConnecting means the handshake is in progress.
	StateConnecting
	// StateHealthy means calls may be routed to the upstream.
	StateHealthy
	// StateUnhealthy means the upstream failed and is being checked or
	// reconnected.
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Tool is a tool as advertised by an upstream.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Snapshot is an immutable view of a connection's health. A new snapshot
// is published after every change.
type Snapshot struct {
	State                State
	Degraded             bool
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	ReconnectAttempts    int
	LastChecked          time.Time
	LastError            string

	// Tools is the last discovered tool set. It is replaced, never modified.
	Tools []Tool
}

// EventType identifies a connection event.
type EventType string

const (
	EventConnected    EventType = "upstream.connected"
	EventHealthy      EventType = "upstream.healthy"
	EventUnhealthy    EventType = "upstream.unhealthy"
	EventDisconnected EventType = "upstream.disconnected"
	EventToolsChanged EventType = "upstream.tools_changed"
)

// Event reports a state transition or a change of the tool set.
type Event struct {
	Type      EventType
	Upstream  string
	State     State
	Tools     int
	Err       error
	Timestamp time.Time
}
