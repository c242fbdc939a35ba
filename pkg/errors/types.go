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

package errors

import (
	"fmt"
	"strings"
	"time"
)

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "mcp.proxy.port")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "tool", "upstream")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "tools/call", "health check")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// RateLimitError is returned when an agent exceeds its per-tool call budget.
// The call is never forwarded to an upstream.
type RateLimitError struct {
	// Key is the limiting key, formatted as "agent:tool"
	Key string

	// Limit is the configured calls-per-window budget
	Limit int

	// ResetAt is when the current window ends
	ResetAt time.Time
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d calls per window, resets at %s",
		e.Key, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// ErrorType implements ErrorClassifier.
func (e *RateLimitError) ErrorType() string { return "rate_limited" }

// IsRetryable implements ErrorClassifier.
func (e *RateLimitError) IsRetryable() bool { return true }

// CapacityError is returned when the proxy refuses a new agent connection
// because max_connections is reached.
type CapacityError struct {
	Max int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("proxy at capacity: max_connections=%d reached", e.Max)
}

// ErrorType implements ErrorClassifier.
func (e *CapacityError) ErrorType() string { return "capacity" }

// IsRetryable implements ErrorClassifier.
func (e *CapacityError) IsRetryable() bool { return true }

// AuthError represents an authentication failure, either of an agent
// against the proxy or of the proxy against an upstream token endpoint.
type AuthError struct {
	// Subject names who failed to authenticate (agent id or upstream name)
	Subject string

	// Reason is a short description of the failure
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	msg := "authentication failed"
	if e.Subject != "" {
		msg += " for " + e.Subject
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *AuthError) ErrorType() string { return "auth" }

// IsRetryable implements ErrorClassifier.
func (e *AuthError) IsRetryable() bool { return false }

// Attempt records the outcome of routing a call to a single upstream.
type Attempt struct {
	Upstream string `json:"upstream"`
	Error    string `json:"error"`
}

// UnavailableError is returned when no healthy upstream can serve a tool.
type UnavailableError struct {
	// Tool is the exposed tool name the caller asked for
	Tool string

	// Attempts lists the last error per upstream that was tried or skipped
	Attempts []Attempt
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no upstream available for tool %q", e.Tool)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Upstream+": "+a.Error)
	}
	return fmt.Sprintf("no upstream available for tool %q (%s)", e.Tool, strings.Join(parts, "; "))
}

// ErrorType implements ErrorClassifier.
func (e *UnavailableError) ErrorType() string { return "unavailable" }

// IsRetryable implements ErrorClassifier.
func (e *UnavailableError) IsRetryable() bool { return true }
