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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNotHealthy is returned when the endpoint never answered with 2xx.
var ErrNotHealthy = errors.New("proxy did not become healthy")

// HealthWait polls a /health endpoint with exponential backoff.
type HealthWait struct {
	URL     string
	Client  *http.Client
	Initial time.Duration
	Max     time.Duration
}

// NewHealthWait polls url starting at 50ms and backing off to 1s.
func NewHealthWait(url string) *HealthWait {
	return &HealthWait{
		URL:     url,
		Client:  &http.Client{Timeout: 2 * time.Second},
		Initial: 50 * time.Millisecond,
		Max:     time.Second,
	}
}

// check performs one request.
func (h *HealthWait) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until the endpoint is healthy or ctx is done. alive, when
// set, is consulted between attempts so a crashed child fails fast.
func (h *HealthWait) Wait(ctx context.Context, alive func() bool) (attempts int, err error) {
	interval := h.Initial
	for {
		attempts++
		last := h.check(ctx)
		if last == nil {
			return attempts, nil
		}
		if alive != nil && !alive() {
			return attempts, fmt.Errorf("%w: process exited: %v", ErrNotHealthy, last)
		}

		select {
		case <-ctx.Done():
			return attempts, fmt.Errorf("%w after %d attempts: %v", ErrNotHealthy, attempts, last)
		case <-time.After(interval):
		}
		interval *= 2
		if interval > h.Max {
			interval = h.Max
		}
	}
}
