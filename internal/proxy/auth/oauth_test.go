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

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcproxy/internal/log"
)

type tokenServer struct {
	requests  atomic.Int32
	expiresIn int
	fail      atomic.Bool
	delay     time.Duration

	mu     sync.Mutex
	grants []string
	access func(n int32) string
}

func newTokenServer(t *testing.T, expiresIn int) (*tokenServer, *httptest.Server) {
	t.Helper()
	ts := &tokenServer{expiresIn: expiresIn}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.requests.Add(1)
		require.NoError(t, r.ParseForm())

		id, secret, ok := r.BasicAuth()
		if !ok {
			id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
		}
		if id != "proxy" || secret != "shh" || ts.fail.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid_client"}`)
			return
		}

		ts.mu.Lock()
		ts.grants = append(ts.grants, r.PostForm.Get("grant_type"))
		access, delay := ts.access, ts.delay
		ts.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		body := map[string]any{
			"token_type":    "Bearer",
			"access_token":  fmt.Sprintf("access-%d", n),
			"refresh_token": fmt.Sprintf("refresh-%d", n),
		}
		if access != nil {
			body["access_token"] = access(n)
		}
		if ts.expiresIn > 0 {
			body["expires_in"] = ts.expiresIn
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return ts, srv
}

func (ts *tokenServer) set(fn func(ts *tokenServer)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	fn(ts)
}

func (ts *tokenServer) grantTypes() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.grants...)
}

func newAuth(url string, mutate func(*Config)) *Authenticator {
	cfg := Config{
		Upstream:     "search",
		TokenURL:     url,
		ClientID:     "proxy",
		ClientSecret: "shh",
		Logger:       log.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestToken_ClientCredentialsCached(t *testing.T) {
	ts, srv := newTokenServer(t, 3600)
	a := newAuth(srv.URL, nil)

	tok, err := a.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	tok, err = a.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), ts.requests.Load())
	assert.Equal(t, []string{"client_credentials"}, ts.grantTypes())
}

func TestToken_RefreshesInsideMargin(t *testing.T) {
	// expires_in below the margin: every call is inside the margin.
	ts, srv := newTokenServer(t, 30)
	a := newAuth(srv.URL, func(c *Config) { c.ExpiryMargin = time.Minute })

	first, err := a.Token(context.Background())
	require.NoError(t, err)
	second, err := a.Token(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), ts.requests.Load())
	// The second refresh uses the refresh token issued by the first.
	assert.Equal(t, []string{"client_credentials", "refresh_token"}, ts.grantTypes())
}

func TestToken_RefreshTokenGrant(t *testing.T) {
	ts, srv := newTokenServer(t, 3600)
	a := newAuth(srv.URL, func(c *Config) { c.RefreshToken = "configured" })

	_, err := a.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"refresh_token"}, ts.grantTypes())
	assert.Equal(t, "refresh-1", a.Current().RefreshToken)
}

func TestToken_ExpiryFromJWT(t *testing.T) {
	exp := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	ts, srv := newTokenServer(t, 0)
	ts.set(func(ts *tokenServer) {
		ts.access = func(n int32) string {
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
				"sub": fmt.Sprintf("call-%d", n),
				"exp": exp.Unix(),
			}).SignedString([]byte("irrelevant"))
			require.NoError(t, err)
			return signed
		}
	})

	now := exp.Add(-time.Hour)
	a := newAuth(srv.URL, func(c *Config) { c.Now = func() time.Time { return now } })

	_, err := a.Token(context.Background())
	require.NoError(t, err)
	assert.True(t, a.Current().ExpiresAt.Equal(exp))

	_, err = a.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), ts.requests.Load(), "token still valid an hour before exp")

	now = exp.Add(-30 * time.Second)
	_, err = a.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), ts.requests.Load(), "token inside margin is refreshed")
}

func TestToken_OpaqueWithoutExpiryNeverExpires(t *testing.T) {
	ts, srv := newTokenServer(t, 0)
	a := newAuth(srv.URL, nil)

	for i := 0; i < 3; i++ {
		_, err := a.Token(context.Background())
		require.NoError(t, err)
	}
	assert.True(t, a.Current().ExpiresAt.IsZero())
	assert.Equal(t, int32(1), ts.requests.Load())
}

func TestToken_InvalidateForcesRefresh(t *testing.T) {
	ts, srv := newTokenServer(t, 3600)
	a := newAuth(srv.URL, nil)

	_, err := a.Token(context.Background())
	require.NoError(t, err)
	a.Invalidate()
	tok, err := a.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.Equal(t, int32(2), ts.requests.Load())
}

func TestToken_FailureIsAuthError(t *testing.T) {
	ts, srv := newTokenServer(t, 3600)
	ts.fail.Store(true)
	a := newAuth(srv.URL, nil)

	_, err := a.Token(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Contains(t, err.Error(), "search")
	assert.Nil(t, a.Current())
}

func TestToken_ConcurrentCallersShareRefresh(t *testing.T) {
	ts, srv := newTokenServer(t, 3600)
	ts.set(func(ts *tokenServer) { ts.delay = 100 * time.Millisecond })
	a := newAuth(srv.URL, nil)

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := a.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ts.requests.Load())
	for _, tok := range tokens {
		assert.Equal(t, "access-1", tok)
	}
}

func TestToken_CancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	ts, srv := newTokenServer(t, 3600)
	ts.set(func(ts *tokenServer) { ts.delay = 200 * time.Millisecond })
	a := newAuth(srv.URL, nil)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.Token(first)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return ts.requests.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	second := make(chan string, 1)
	go func() {
		tok, err := a.Token(context.Background())
		assert.NoError(t, err)
		second <- tok
	}()
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	assert.Equal(t, "access-1", <-second)
	assert.Equal(t, int32(1), ts.requests.Load())
	assert.NotNil(t, a.Current())
}

func TestToken_RefreshTimeout(t *testing.T) {
	ts, srv := newTokenServer(t, 3600)
	ts.set(func(ts *tokenServer) { ts.delay = 300 * time.Millisecond })
	a := newAuth(srv.URL, func(c *Config) { c.RefreshTimeout = 50 * time.Millisecond })

	_, err := a.Token(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Nil(t, a.Current())
}

func TestJWTExpiry(t *testing.T) {
	assert.True(t, jwtExpiry("opaque-token").IsZero())

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.True(t, jwtExpiry(noExp).IsZero())
}
