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

package security

import (
	"crypto/sha256"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/tombee/mcproxy/internal/config"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

// ErrMissingKey is returned when keys are configured but the request has
// no bearer token.
var ErrMissingKey = errors.New("missing bearer token")

// Agents verifies agent API keys against bcrypt hashes.
type Agents struct {
	keys []config.AgentKey

	// verified caches sha256(key) -> agent id so bcrypt runs once per key.
	verified sync.Map
}

// NewAgents creates a verifier. With no keys, Enabled is false and every
// request is let through.
func NewAgents(keys []config.AgentKey) *Agents {
	return &Agents{keys: keys}
}

// Enabled reports whether requests must carry a key.
func (a *Agents) Enabled() bool { return a != nil && len(a.keys) > 0 }

// ExtractBearer returns the token from an Authorization header value.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingKey
	}
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errors.New("invalid Authorization header format, expected 'Bearer <token>'")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", ErrMissingKey
	}
	return token, nil
}

// Authenticate resolves an Authorization header to an agent id.
func (a *Agents) Authenticate(header string) (string, error) {
	key, err := ExtractBearer(header)
	if err != nil {
		return "", &perrors.AuthError{Subject: "agent", Reason: "unauthorized", Cause: err}
	}

	digest := sha256.Sum256([]byte(key))
	if id, ok := a.verified.Load(digest); ok {
		return id.(string), nil
	}
	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(key)) == nil {
			a.verified.Store(digest, k.ID)
			return k.ID, nil
		}
	}
	return "", &perrors.AuthError{Subject: "agent", Reason: "invalid API key"}
}

// HashKey returns the bcrypt hash stored in key_hash.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
