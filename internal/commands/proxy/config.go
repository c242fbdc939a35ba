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

package proxy

import (
	"context"

	"github.com/tombee/mcproxy/internal/commands/shared"
	"github.com/tombee/mcproxy/internal/config"
)

// loadConfig reads the config file with secrets resolved, for commands
// that run the proxy.
func loadConfig(ctx context.Context) (*config.File, error) {
	cfg, err := config.Load(ctx, shared.GetConfigPath())
	if err != nil {
		return nil, shared.NewConfigError("failed to load config", err)
	}
	return cfg, nil
}

// loadListener reads only what is needed to reach a running proxy. Secret
// references are left unresolved.
func loadListener(ctx context.Context) (*config.ProxyConfig, error) {
	cfg, err := config.LoadWith(ctx, shared.GetConfigPath(), nil)
	if err != nil {
		return nil, shared.NewConfigError("failed to load config", err)
	}
	return cfg.Proxy(), nil
}

func newClient(ctx context.Context) (*shared.Client, error) {
	p, err := loadListener(ctx)
	if err != nil {
		return nil, err
	}
	return shared.NewClient(p)
}
