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

package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the whole document and reports every problem found.
func (f *File) Validate() error {
	var errs []string
	p := f.Proxy()

	if p.Host == "" {
		errs = append(errs, "mcp.proxy.host is required")
	}
	if p.Port < 1 || p.Port > 65535 {
		errs = append(errs, fmt.Sprintf("mcp.proxy.port must be between 1 and 65535 (got %d)", p.Port))
	}
	if p.Transport != FrontendSSE && p.Transport != FrontendHTTP {
		errs = append(errs, fmt.Sprintf("mcp.proxy.transport must be %q or %q (got %q)", FrontendSSE, FrontendHTTP, p.Transport))
	}
	positive := []struct {
		key string
		val int
	}{
		{"mcp.proxy.max_connections", p.MaxConnections},
		{"mcp.proxy.call_timeout", p.CallTimeout},
		{"mcp.proxy.health_check_timeout", p.HealthCheckTimeout},
		{"mcp.proxy.shutdown_grace", p.ShutdownGrace},
	}
	for _, v := range positive {
		if v.val <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive (got %d)", v.key, v.val))
		}
	}
	if p.ConflictStrategy != ConflictPrefixAndBare && p.ConflictStrategy != ConflictQualifiedOnly {
		errs = append(errs, fmt.Sprintf("mcp.proxy.conflict_strategy must be %q or %q (got %q)",
			ConflictPrefixAndBare, ConflictQualifiedOnly, p.ConflictStrategy))
	}

	errs = append(errs, p.Security.validate()...)
	errs = append(errs, p.Telemetry.validate()...)

	agentIDs := make(map[string]bool)
	for i, a := range p.Agents {
		prefix := fmt.Sprintf("mcp.proxy.agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, prefix+".id is required")
		} else if agentIDs[a.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, a.ID))
		}
		agentIDs[a.ID] = true
		if _, err := bcrypt.Cost([]byte(a.KeyHash)); err != nil {
			errs = append(errs, fmt.Sprintf("%s.key_hash is not a bcrypt hash: %v", prefix, err))
		}
	}

	names := make(map[string]bool)
	for i := range p.Upstreams {
		u := &p.Upstreams[i]
		if names[u.Name] {
			errs = append(errs, fmt.Sprintf("mcp.proxy.upstreams[%d]: duplicate name %q", i, u.Name))
		}
		names[u.Name] = true
		errs = append(errs, u.validate(i)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (s *SecurityConfig) validate() []string {
	var errs []string
	if s.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Sprintf("mcp.proxy.security.rate_limit_per_minute must be >= 0 (got %d)", s.RateLimitPerMinute))
	}
	for i, pattern := range s.RedactPatterns {
		if pattern == "" {
			errs = append(errs, fmt.Sprintf("mcp.proxy.security.redact_patterns[%d] is empty", i))
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Sprintf("mcp.proxy.security.redact_patterns[%d]: %v", i, err))
		}
	}
	return errs
}

func (t *TelemetryConfig) validate() []string {
	switch t.Traces {
	case TracesNone, TracesStdout, TracesOTLPGRPC, TracesOTLPHTTP:
		return nil
	default:
		return []string{fmt.Sprintf("mcp.proxy.telemetry.traces must be one of none, stdout, otlp-grpc, otlp-http (got %q)", t.Traces)}
	}
}

func (u *UpstreamConfig) validate(i int) []string {
	var errs []string
	prefix := fmt.Sprintf("mcp.proxy.upstreams[%d]", i)
	if u.Name != "" {
		prefix = fmt.Sprintf("upstream %q", u.Name)
	}

	if u.Name == "" {
		errs = append(errs, prefix+": name is required")
	} else if !UpstreamNameRegex.MatchString(u.Name) {
		errs = append(errs, prefix+": name must start with a letter and contain only letters, digits, '_' or '-' (max 64)")
	}

	switch u.Transport {
	case TransportStdio:
		if u.Command == "" {
			errs = append(errs, prefix+": command is required for stdio transport")
		}
		if u.URL != "" {
			errs = append(errs, prefix+": url is not used by stdio transport")
		}
		if u.Auth != nil {
			errs = append(errs, prefix+": auth is only supported for http and sse transports")
		}
	case TransportHTTP, TransportSSE:
		if u.URL == "" {
			errs = append(errs, fmt.Sprintf("%s: url is required for %s transport", prefix, u.Transport))
		} else if err := validateHTTPURL(u.URL); err != nil {
			errs = append(errs, fmt.Sprintf("%s: url %v", prefix, err))
		}
		if u.Command != "" {
			errs = append(errs, fmt.Sprintf("%s: command is not used by %s transport", prefix, u.Transport))
		}
	case "":
		errs = append(errs, prefix+": transport is required")
	default:
		errs = append(errs, fmt.Sprintf("%s: transport must be stdio, http or sse (got %q)", prefix, u.Transport))
	}

	if u.Priority <= 0 {
		errs = append(errs, fmt.Sprintf("%s: priority must be positive (got %d)", prefix, u.Priority))
	}
	if u.HealthCheckInterval <= 0 {
		errs = append(errs, fmt.Sprintf("%s: health_check_interval must be positive (got %d)", prefix, u.HealthCheckInterval))
	}
	if u.BackoffInitial <= 0 {
		errs = append(errs, fmt.Sprintf("%s: backoff_initial must be positive (got %d)", prefix, u.BackoffInitial))
	}
	if u.BackoffMax <= 0 {
		errs = append(errs, fmt.Sprintf("%s: backoff_max must be positive (got %d)", prefix, u.BackoffMax))
	}
	if u.BackoffInitial > 0 && u.BackoffMax > 0 && u.BackoffInitial > u.BackoffMax {
		errs = append(errs, fmt.Sprintf("%s: backoff_initial (%d) must not exceed backoff_max (%d)", prefix, u.BackoffInitial, u.BackoffMax))
	}
	if u.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Sprintf("%s: max_reconnect_attempts must be >= 0 (got %d)", prefix, u.MaxReconnectAttempts))
	}
	for _, pattern := range u.Tools {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Sprintf("%s: invalid tools pattern %q", prefix, pattern))
		}
	}

	if u.Auth != nil && u.Transport != TransportStdio {
		errs = append(errs, u.Auth.validate(prefix)...)
	}
	return errs
}

func (a *AuthConfig) validate(prefix string) []string {
	var errs []string
	switch a.AuthType {
	case AuthOAuth:
		if a.TokenURL == "" {
			errs = append(errs, prefix+": auth.token_url is required")
		} else if err := validateHTTPURL(a.TokenURL); err != nil {
			errs = append(errs, fmt.Sprintf("%s: auth.token_url %v", prefix, err))
		}
		if a.ClientID == "" {
			errs = append(errs, prefix+": auth.client_id is required")
		}
		if a.ExpiryMargin < 0 {
			errs = append(errs, fmt.Sprintf("%s: auth.expiry_margin must be >= 0 (got %d)", prefix, a.ExpiryMargin))
		}
	case AuthAWSSigV4:
		if a.Service == "" {
			errs = append(errs, prefix+": auth.service is required for aws_sigv4")
		}
		if a.Region == "" {
			errs = append(errs, prefix+": auth.region is required for aws_sigv4")
		}
	default:
		errs = append(errs, fmt.Sprintf("%s: auth.auth_type must be %q or %q (got %q)", prefix, AuthOAuth, AuthAWSSigV4, a.AuthType))
	}
	return errs
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https (got %q)", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host (got %q)", raw)
	}
	return nil
}
