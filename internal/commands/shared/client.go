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

package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/proxy/frontend"
	"github.com/tombee/mcproxy/pkg/httpclient"
)

// Client talks to a running proxy's operational endpoints.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets the listener configured in p. Wildcard hosts are
// reached through loopback.
func NewClient(p *config.ProxyConfig) (*Client, error) {
	cfg := httpclient.DefaultConfig()
	v, _, _ := GetVersion()
	cfg.UserAgent = "mcproxy-cli/" + v
	cfg.RetryAttempts = 0
	hc, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{base: BaseURL(p), http: hc}, nil
}

// BaseURL returns the http:// root of the proxy listener.
func BaseURL(p *config.ProxyConfig) string {
	host := p.Host
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(p.Port))}
	return u.String()
}

// HealthURL returns the /health endpoint.
func (c *Client) HealthURL() string { return c.base + "/health" }

// Status fetches /status.
func (c *Client) Status(ctx context.Context) (frontend.Status, error) {
	var st frontend.Status
	raw, err := c.do(ctx, http.MethodGet, "/status", http.StatusOK)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("invalid status response: %w", err)
	}
	return st, nil
}

// StatusRaw fetches /status without decoding it.
func (c *Client) StatusRaw(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/status", http.StatusOK)
}

// Reconnect asks the proxy to reconnect one upstream.
func (c *Client) Reconnect(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodPost, "/upstreams/"+url.PathEscape(name)+"/reconnect", http.StatusAccepted)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, want int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewNotRunningError("proxy is not reachable at "+c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return body, nil
}
