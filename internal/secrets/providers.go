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

package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// EnvProvider resolves environment variables.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates a provider backed by the process environment.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// Scheme implements Provider.
func (e *EnvProvider) Scheme() string { return "env" }

// Resolve implements Provider. Unset and empty variables are both not found.
func (e *EnvProvider) Resolve(_ context.Context, key string) (string, error) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: environment variable %s is not set", ErrSecretNotFound, key)
	}
	return v, nil
}

// FileProvider reads secrets from files, typically mounted by an orchestrator.
type FileProvider struct{}

// NewFileProvider creates a file provider.
func NewFileProvider() *FileProvider {
	return &FileProvider{}
}

// Scheme implements Provider.
func (f *FileProvider) Scheme() string { return "file" }

// Resolve implements Provider.
func (f *FileProvider) Resolve(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: file does not exist", ErrSecretNotFound)
		}
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// KeychainProvider resolves entries from the system keychain
// (macOS Keychain, Secret Service on Linux, Windows Credential Manager).
type KeychainProvider struct {
	service string
}

// NewKeychainProvider creates a keychain provider for the given service name.
func NewKeychainProvider(service string) *KeychainProvider {
	return &KeychainProvider{service: service}
}

// Scheme implements Provider.
func (k *KeychainProvider) Scheme() string { return "keychain" }

// Resolve implements Provider.
func (k *KeychainProvider) Resolve(_ context.Context, key string) (string, error) {
	v, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: keychain entry %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("keychain unavailable: %w", err)
	}
	return v, nil
}
