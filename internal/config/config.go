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

// Package config loads, validates, and watches the proxy configuration file.
//
// The file is TOML by default; YAML and JSON files with the same structure
// are selected by extension. Loading is all-or-nothing: a file that fails
// validation is rejected as a whole and never partially applied.
package config

import (
	"path/filepath"
	"regexp"
	"time"
)

// FrontendTransport is the agent-facing wire transport.
type FrontendTransport string

const (
	// FrontendSSE serves the legacy MCP SSE transport (GET /sse + POST /message).
	FrontendSSE FrontendTransport = "sse"
	// FrontendHTTP serves JSON-RPC over plain POST /mcp.
	FrontendHTTP FrontendTransport = "http"
)

// UpstreamTransport is the transport used to reach one upstream server.
type UpstreamTransport string

const (
	// TransportStdio spawns the upstream as a subprocess and talks over its pipes.
	TransportStdio UpstreamTransport = "stdio"
	// TransportHTTP sends each JSON-RPC call as one POST.
	TransportHTTP UpstreamTransport = "http"
	// TransportSSE keeps one event stream open and POSTs calls to its endpoint.
	TransportSSE UpstreamTransport = "sse"
)

// Conflict strategies for tools offered by more than one upstream.
const (
	// ConflictPrefixAndBare exposes upstream:tool for every offering and the
	// bare name for the preferred one.
	ConflictPrefixAndBare = "prefix_and_bare"
	// ConflictQualifiedOnly exposes only upstream:tool names for conflicts.
	ConflictQualifiedOnly = "qualified_only"
)

// Upstream auth types.
const (
	// AuthOAuth attaches a bearer token from an OAuth token endpoint.
	AuthOAuth = "oauth"
	// AuthAWSSigV4 signs each request with AWS credentials.
	AuthAWSSigV4 = "aws_sigv4"
)

// Trace exporters.
const (
	TracesNone     = "none"
	TracesStdout   = "stdout"
	TracesOTLPGRPC = "otlp-grpc"
	TracesOTLPHTTP = "otlp-http"
)

// UpstreamNameRegex validates upstream names. ':' is reserved for qualified
// tool names so it can never appear here.
var UpstreamNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// Defaults.
const (
	DefaultPort                 = 3000
	DefaultHost                 = "127.0.0.1"
	DefaultMaxConnections       = 100
	DefaultCallTimeout          = 30
	DefaultHealthCheckTimeout   = 5
	DefaultShutdownGrace        = 10
	DefaultRateLimitPerMinute   = 60
	DefaultPriority             = 1
	DefaultHealthCheckInterval  = 30
	DefaultMaxReconnectAttempts = 10
	DefaultBackoffInitial       = 1
	DefaultBackoffMax           = 60
	DefaultExpiryMargin         = 60
)

// DefaultRedactPatterns are applied when security.redact_patterns is unset.
var DefaultRedactPatterns = []string{`api[_-]?key`, `password`, `token`}

// File is the root of the configuration document.
type File struct {
	MCP MCPSection `toml:"mcp" yaml:"mcp" json:"mcp"`
}

// MCPSection holds the [mcp] table.
type MCPSection struct {
	Proxy ProxyConfig `toml:"proxy" yaml:"proxy" json:"proxy"`
}

// ProxyConfig is the [mcp.proxy] table.
type ProxyConfig struct {
	// Enable must be true for `start` to run the proxy.
	Enable bool `toml:"enable" yaml:"enable" json:"enable"`

	// Host is the listen address. Default: 127.0.0.1
	Host string `toml:"host" yaml:"host" json:"host"`

	// Port is the listen port, 1..65535. Default: 3000
	Port int `toml:"port" yaml:"port" json:"port"`

	// Transport is the agent-facing transport, "sse" or "http". Default: sse
	Transport FrontendTransport `toml:"transport" yaml:"transport" json:"transport"`

	// MaxConnections bounds concurrent agent connections. Default: 100
	MaxConnections int `toml:"max_connections" yaml:"max_connections" json:"max_connections"`

	// CallTimeout bounds one upstream round trip, in seconds. Default: 30
	CallTimeout int `toml:"call_timeout" yaml:"call_timeout" json:"call_timeout"`

	// HealthCheckTimeout bounds one health check, in seconds. Default: 5
	HealthCheckTimeout int `toml:"health_check_timeout" yaml:"health_check_timeout" json:"health_check_timeout"`

	// ShutdownGrace is how long shutdown drains in-flight calls, in seconds. Default: 10
	ShutdownGrace int `toml:"shutdown_grace" yaml:"shutdown_grace" json:"shutdown_grace"`

	// ConflictStrategy is "prefix_and_bare" (default) or "qualified_only".
	ConflictStrategy string `toml:"conflict_strategy" yaml:"conflict_strategy" json:"conflict_strategy"`

	// Watch reloads the file when it changes. Default: true
	Watch bool `toml:"watch" yaml:"watch" json:"watch"`

	Security  SecurityConfig   `toml:"security" yaml:"security" json:"security"`
	Telemetry TelemetryConfig  `toml:"telemetry" yaml:"telemetry" json:"telemetry"`
	Agents    []AgentKey       `toml:"agents,omitempty" yaml:"agents,omitempty" json:"agents,omitempty"`
	Upstreams []UpstreamConfig `toml:"upstreams" yaml:"upstreams" json:"upstreams"`
}

// SecurityConfig is the [mcp.proxy.security] table.
type SecurityConfig struct {
	LogRequests        bool     `toml:"log_requests" yaml:"log_requests" json:"log_requests"`
	LogResponses       bool     `toml:"log_responses" yaml:"log_responses" json:"log_responses"`
	RedactPatterns     []string `toml:"redact_patterns" yaml:"redact_patterns" json:"redact_patterns"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute" yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`

	// AuditLog appends JSONL audit records to this path in addition to the process log.
	AuditLog string `toml:"audit_log,omitempty" yaml:"audit_log,omitempty" json:"audit_log,omitempty"`
}

// AgentKey authorizes one agent. KeyHash is a bcrypt hash of the bearer key.
type AgentKey struct {
	ID      string `toml:"id" yaml:"id" json:"id"`
	KeyHash string `toml:"key_hash" yaml:"key_hash" json:"key_hash"`
}

// TelemetryConfig is the [mcp.proxy.telemetry] table.
type TelemetryConfig struct {
	// Metrics serves Prometheus metrics on /metrics. Default: true
	Metrics bool `toml:"metrics" yaml:"metrics" json:"metrics"`

	// Traces selects the span exporter. Default: none
	Traces string `toml:"traces" yaml:"traces" json:"traces"`

	// OTLPEndpoint is host:port for the otlp exporters.
	OTLPEndpoint string `toml:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`

	// Insecure disables TLS towards the OTLP collector.
	Insecure bool `toml:"insecure,omitempty" yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// UpstreamConfig is one [[mcp.proxy.upstreams]] entry.
type UpstreamConfig struct {
	Name      string            `toml:"name" yaml:"name" json:"name"`
	Transport UpstreamTransport `toml:"transport" yaml:"transport" json:"transport"`

	// Command, Args and Env apply to stdio upstreams.
	Command string            `toml:"command,omitempty" yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `toml:"args,omitempty" yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty" yaml:"env,omitempty" json:"env,omitempty"`

	// URL and Headers apply to http and sse upstreams.
	URL     string            `toml:"url,omitempty" yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `toml:"headers,omitempty" yaml:"headers,omitempty" json:"headers,omitempty"`

	// Priority ranks upstreams offering the same tool; lower is preferred.
	Priority int `toml:"priority" yaml:"priority" json:"priority"`

	// HealthCheckInterval is the health check period in seconds.
	HealthCheckInterval int `toml:"health_check_interval" yaml:"health_check_interval" json:"health_check_interval"`

	// MaxReconnectAttempts is how many consecutive reconnects may fail before
	// the upstream is parked as disconnected. 0 means unlimited.
	MaxReconnectAttempts int `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`

	// BackoffInitial and BackoffMax bound the reconnect delay in seconds.
	// The delay doubles from BackoffInitial and is capped at BackoffMax.
	BackoffInitial int `toml:"backoff_initial" yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMax     int `toml:"backoff_max" yaml:"backoff_max" json:"backoff_max"`

	// Tools optionally restricts which advertised tools are exposed. Globs allowed.
	Tools []string `toml:"tools,omitempty" yaml:"tools,omitempty" json:"tools,omitempty"`

	Auth *AuthConfig `toml:"auth,omitempty" yaml:"auth,omitempty" json:"auth,omitempty"`
}

// AuthConfig is the optional [mcp.proxy.upstreams.auth] table.
type AuthConfig struct {
	AuthType     string   `toml:"auth_type" yaml:"auth_type" json:"auth_type"`
	TokenURL     string   `toml:"token_url" yaml:"token_url" json:"token_url"`
	ClientID     string   `toml:"client_id" yaml:"client_id" json:"client_id"`
	ClientSecret string   `toml:"client_secret" yaml:"client_secret" json:"client_secret"`
	Scopes       []string `toml:"scopes,omitempty" yaml:"scopes,omitempty" json:"scopes,omitempty"`

	// RefreshToken enables the refresh_token grant; otherwise client credentials are used.
	RefreshToken string `toml:"refresh_token,omitempty" yaml:"refresh_token,omitempty" json:"refresh_token,omitempty"`

	// ExpiryMargin refreshes tokens this many seconds before they expire. Default: 60
	ExpiryMargin int `toml:"expiry_margin,omitempty" yaml:"expiry_margin,omitempty" json:"expiry_margin,omitempty"`

	// Service and Region select the SigV4 signing scope for aws_sigv4.
	Service string `toml:"service,omitempty" yaml:"service,omitempty" json:"service,omitempty"`
	Region  string `toml:"region,omitempty" yaml:"region,omitempty" json:"region,omitempty"`

	// Profile picks a shared-config profile instead of the default chain.
	Profile string `toml:"profile,omitempty" yaml:"profile,omitempty" json:"profile,omitempty"`

	// VerifyIdentity calls STS GetCallerIdentity before each connect.
	VerifyIdentity bool `toml:"verify_identity,omitempty" yaml:"verify_identity,omitempty" json:"verify_identity,omitempty"`
}

// Default returns the configuration `init` writes and a missing file loads.
func Default() *File {
	return &File{
		MCP: MCPSection{
			Proxy: ProxyConfig{
				Enable:             false,
				Host:               DefaultHost,
				Port:               DefaultPort,
				Transport:          FrontendSSE,
				MaxConnections:     DefaultMaxConnections,
				CallTimeout:        DefaultCallTimeout,
				HealthCheckTimeout: DefaultHealthCheckTimeout,
				ShutdownGrace:      DefaultShutdownGrace,
				ConflictStrategy:   ConflictPrefixAndBare,
				Watch:              true,
				Security: SecurityConfig{
					LogRequests:        true,
					LogResponses:       true,
					RedactPatterns:     append([]string(nil), DefaultRedactPatterns...),
					RateLimitPerMinute: DefaultRateLimitPerMinute,
				},
				Telemetry: TelemetryConfig{
					Metrics: true,
					Traces:  TracesNone,
				},
			},
		},
	}
}

// DefaultPath returns the conventional config location under a workspace root.
func DefaultPath(root string) string {
	return filepath.Join(root, ".mcproxy", "proxy.toml")
}

// Proxy returns the [mcp.proxy] table.
func (f *File) Proxy() *ProxyConfig {
	return &f.MCP.Proxy
}

// Addr returns host:port for the frontend listener.
func (p *ProxyConfig) Addr() string {
	return joinHostPort(p.Host, p.Port)
}

// CallTimeoutDuration returns the per-call timeout.
func (p *ProxyConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(p.CallTimeout) * time.Second
}

// HealthCheckTimeoutDuration returns the per-check timeout.
func (p *ProxyConfig) HealthCheckTimeoutDuration() time.Duration {
	return time.Duration(p.HealthCheckTimeout) * time.Second
}

// ShutdownGraceDuration returns the shutdown drain period.
func (p *ProxyConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(p.ShutdownGrace) * time.Second
}

// Upstream returns the upstream with the given name.
func (p *ProxyConfig) Upstream(name string) (UpstreamConfig, bool) {
	for _, u := range p.Upstreams {
		if u.Name == name {
			return u, true
		}
	}
	return UpstreamConfig{}, false
}

// HealthCheckDuration returns the health check period.
func (u *UpstreamConfig) HealthCheckDuration() time.Duration {
	return time.Duration(u.HealthCheckInterval) * time.Second
}

// BackoffInitialDuration returns the first reconnect delay.
func (u *UpstreamConfig) BackoffInitialDuration() time.Duration {
	return time.Duration(u.BackoffInitial) * time.Second
}

// BackoffMaxDuration returns the reconnect delay cap.
func (u *UpstreamConfig) BackoffMaxDuration() time.Duration {
	return time.Duration(u.BackoffMax) * time.Second
}

// ExpiryMarginDuration returns the token refresh margin.
func (a *AuthConfig) ExpiryMarginDuration() time.Duration {
	return time.Duration(a.ExpiryMargin) * time.Second
}

// ApplyDefaults fills zero values on upstreams built in code.
// Load applies defaults only to keys absent from the file, so an explicit
// zero there is still rejected by Validate.
func (p *ProxyConfig) ApplyDefaults() {
	for i := range p.Upstreams {
		u := &p.Upstreams[i]
		if u.Priority == 0 {
			u.Priority = DefaultPriority
		}
		if u.HealthCheckInterval == 0 {
			u.HealthCheckInterval = DefaultHealthCheckInterval
		}
		if u.BackoffInitial == 0 {
			u.BackoffInitial = DefaultBackoffInitial
		}
		if u.BackoffMax == 0 {
			u.BackoffMax = DefaultBackoffMax
		}
		if u.Auth != nil && u.Auth.AuthType == AuthOAuth && u.Auth.ExpiryMargin == 0 {
			u.Auth.ExpiryMargin = DefaultExpiryMargin
		}
	}
}
