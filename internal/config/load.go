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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/tombee/mcproxy/internal/secrets"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

// Format is an on-disk encoding of the configuration.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Environment overrides applied after the file is decoded.
const (
	EnvPort = "MCPROXY_PORT"
	EnvHost = "MCPROXY_HOST"
)

// Resolver turns secret references such as ${VAR} or keychain:name into values.
type Resolver interface {
	Resolve(ctx context.Context, value string) (string, error)
}

// FormatFromPath picks the encoding from a file extension. Unknown
// extensions are treated as TOML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatTOML
	}
}

// Load reads, resolves, and validates the configuration at path using the
// default secret providers. A missing file yields the defaults.
func Load(ctx context.Context, path string) (*File, error) {
	return LoadWith(ctx, path, secrets.NewDefaultRegistry())
}

// LoadWith is Load with an explicit secret resolver.
func LoadWith(ctx context.Context, path string, resolver Resolver) (*File, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults
	case err != nil:
		return nil, &perrors.ConfigError{Key: path, Reason: "cannot read file", Cause: err}
	default:
		cfg, err = Parse(data, FormatFromPath(path))
		if err != nil {
			return nil, &perrors.ConfigError{Key: path, Reason: err.Error(), Cause: err}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, &perrors.ConfigError{Key: EnvPort, Reason: err.Error(), Cause: err}
	}

	if resolver != nil {
		if err := resolveSecrets(ctx, cfg, resolver); err != nil {
			return nil, &perrors.ConfigError{Key: path, Reason: err.Error(), Cause: err}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &perrors.ConfigError{Key: path, Reason: err.Error(), Cause: err}
	}
	return cfg, nil
}

// Parse decodes data over the defaults. Upstream fields absent from the
// document get their defaults; fields present with a zero value are kept so
// Validate can reject them. Parse does not validate.
func Parse(data []byte, format Format) (*File, error) {
	cfg := Default()
	if err := decode(data, format, cfg); err != nil {
		return nil, err
	}

	var present presenceFile
	if err := decode(data, format, &present); err != nil {
		return nil, err
	}
	applyUpstreamDefaults(cfg, &present)
	return cfg, nil
}

func decode(data []byte, format Format, v any) error {
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), v); err != nil {
			return fmt.Errorf("parse toml: %w", err)
		}
	}
	return nil
}

// presenceFile mirrors the fields whose zero value is meaningful, so Parse
// can tell "absent" from "explicitly 0".
type presenceFile struct {
	MCP struct {
		Proxy struct {
			Upstreams []presenceUpstream `toml:"upstreams" yaml:"upstreams" json:"upstreams"`
		} `toml:"proxy" yaml:"proxy" json:"proxy"`
	} `toml:"mcp" yaml:"mcp" json:"mcp"`
}

type presenceUpstream struct {
	Priority             *int `toml:"priority" yaml:"priority" json:"priority"`
	HealthCheckInterval  *int `toml:"health_check_interval" yaml:"health_check_interval" json:"health_check_interval"`
	MaxReconnectAttempts *int `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	BackoffInitial       *int `toml:"backoff_initial" yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMax           *int `toml:"backoff_max" yaml:"backoff_max" json:"backoff_max"`
	Auth                 *struct {
		ExpiryMargin *int `toml:"expiry_margin" yaml:"expiry_margin" json:"expiry_margin"`
	} `toml:"auth" yaml:"auth" json:"auth"`
}

func applyUpstreamDefaults(cfg *File, present *presenceFile) {
	ups := cfg.MCP.Proxy.Upstreams
	seen := present.MCP.Proxy.Upstreams
	for i := range ups {
		var p presenceUpstream
		if i < len(seen) {
			p = seen[i]
		}
		if p.Priority == nil {
			ups[i].Priority = DefaultPriority
		}
		if p.HealthCheckInterval == nil {
			ups[i].HealthCheckInterval = DefaultHealthCheckInterval
		}
		if p.MaxReconnectAttempts == nil {
			ups[i].MaxReconnectAttempts = DefaultMaxReconnectAttempts
		}
		if p.BackoffInitial == nil {
			ups[i].BackoffInitial = DefaultBackoffInitial
		}
		if p.BackoffMax == nil {
			ups[i].BackoffMax = DefaultBackoffMax
		}
		if ups[i].Auth != nil && (p.Auth == nil || p.Auth.ExpiryMargin == nil) {
			ups[i].Auth.ExpiryMargin = DefaultExpiryMargin
		}
	}
}

func applyEnv(cfg *File) error {
	p := cfg.Proxy()
	if v := os.Getenv(EnvHost); v != "" {
		p.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		p.Port = port
	}
	return nil
}

// resolveSecrets replaces secret references in auth credentials, headers,
// and subprocess environment values.
func resolveSecrets(ctx context.Context, cfg *File, r Resolver) error {
	for i := range cfg.MCP.Proxy.Upstreams {
		u := &cfg.MCP.Proxy.Upstreams[i]
		for k, v := range u.Headers {
			resolved, err := r.Resolve(ctx, v)
			if err != nil {
				return fmt.Errorf("upstream %q header %s: %w", u.Name, k, err)
			}
			u.Headers[k] = resolved
		}
		for k, v := range u.Env {
			resolved, err := r.Resolve(ctx, v)
			if err != nil {
				return fmt.Errorf("upstream %q env %s: %w", u.Name, k, err)
			}
			u.Env[k] = resolved
		}
		if u.Auth == nil {
			continue
		}
		fields := []struct {
			name string
			ptr  *string
		}{
			{"client_id", &u.Auth.ClientID},
			{"client_secret", &u.Auth.ClientSecret},
			{"refresh_token", &u.Auth.RefreshToken},
		}
		for _, f := range fields {
			resolved, err := r.Resolve(ctx, *f.ptr)
			if err != nil {
				return fmt.Errorf("upstream %q auth.%s: %w", u.Name, f.name, err)
			}
			*f.ptr = resolved
		}
	}
	return nil
}

// Encode renders cfg in the given format.
func Encode(cfg *File, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(cfg)
	case FormatJSON:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	default:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

// Save writes cfg to path atomically. The encoding follows the extension.
func Save(path string, cfg *File) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := Encode(cfg, FormatFromPath(path))
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
