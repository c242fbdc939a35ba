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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthWait(t *testing.T) {
	t.Run("succeeds once the endpoint answers", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		h := NewHealthWait(srv.URL)
		h.Initial = time.Millisecond
		attempts, err := h.Wait(context.Background(), nil)
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("times out", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()
		_, err := NewHealthWait(srv.URL).Wait(ctx, nil)
		if !errors.Is(err, ErrNotHealthy) {
			t.Errorf("Wait() error = %v, want ErrNotHealthy", err)
		}
	})

	t.Run("fails fast when the process is gone", func(t *testing.T) {
		h := NewHealthWait("http://127.0.0.1:1/health")
		start := time.Now()
		_, err := h.Wait(context.Background(), func() bool { return false })
		if !errors.Is(err, ErrNotHealthy) {
			t.Errorf("Wait() error = %v, want ErrNotHealthy", err)
		}
		if time.Since(start) > 2*time.Second {
			t.Error("Wait() did not fail fast")
		}
	})
}
