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

// Package secrets resolves secret references used in proxy configuration,
// such as OAuth client secrets and upstream header values.
//
// Supported reference formats:
//   - ${VAR_NAME}              environment variable
//   - env:VAR_NAME             environment variable
//   - file:/path/to/secret     file contents, trailing newline trimmed
//   - keychain:name            system keychain entry
//
// Values that are not references are returned unchanged. Embedded ${VAR}
// occurrences inside a longer string ("Bearer ${TOKEN}") are expanded from
// the environment.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrSecretNotFound is returned when a provider has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

// Provider resolves keys for a single reference scheme.
type Provider interface {
	// Scheme returns the reference scheme, e.g. "env".
	Scheme() string

	// Resolve returns the secret value for key.
	Resolve(ctx context.Context, key string) (string, error)
}

// ResolutionError wraps a provider failure without echoing the secret value.
type ResolutionError struct {
	Reference string
	Cause     error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve secret %q: %v", e.Reference, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

var (
	legacyEnvVarRegex = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)
	embeddedEnvRegex  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	schemeRegex       = regexp.MustCompile(`^([a-z][a-z0-9]*):(.+)$`)
)

// Registry routes references to providers by scheme.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry with the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// NewDefaultRegistry registers the env, file, and keychain providers.
func NewDefaultRegistry() *Registry {
	return NewRegistry(NewEnvProvider(), NewFileProvider(), NewKeychainProvider("mcproxy"))
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	out := make([]string, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IsReference reports whether value is a whole-value secret reference for
// one of the registered schemes.
func (r *Registry) IsReference(value string) bool {
	_, _, ok := r.parse(value)
	return ok
}

// Resolve returns the secret a reference points to, expands embedded
// ${VAR} occurrences, or returns a plain value unchanged.
func (r *Registry) Resolve(ctx context.Context, value string) (string, error) {
	if value == "" {
		return "", nil
	}

	if scheme, key, ok := r.parse(value); ok {
		secret, err := r.providers[scheme].Resolve(ctx, key)
		if err != nil {
			return "", &ResolutionError{Reference: value, Cause: err}
		}
		return secret, nil
	}

	if !embeddedEnvRegex.MatchString(value) {
		return value, nil
	}

	env, ok := r.providers["env"]
	if !ok {
		return value, nil
	}
	var firstErr error
	expanded := embeddedEnvRegex.ReplaceAllStringFunc(value, func(m string) string {
		name := embeddedEnvRegex.FindStringSubmatch(m)[1]
		v, err := env.Resolve(ctx, name)
		if err != nil && firstErr == nil {
			firstErr = &ResolutionError{Reference: m, Cause: err}
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return expanded, nil
}

func (r *Registry) parse(value string) (scheme, key string, ok bool) {
	if m := legacyEnvVarRegex.FindStringSubmatch(value); m != nil {
		if _, exists := r.providers["env"]; exists {
			return "env", m[1], true
		}
		return "", "", false
	}
	m := schemeRegex.FindStringSubmatch(value)
	if m == nil {
		return "", "", false
	}
	// URLs such as https://... are values, not references.
	if strings.HasPrefix(m[2], "//") {
		return "", "", false
	}
	if _, exists := r.providers[m[1]]; !exists {
		return "", "", false
	}
	return m[1], m[2], true
}
