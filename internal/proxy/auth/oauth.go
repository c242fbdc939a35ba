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

// Package auth authenticates the proxy to upstreams, either with OAuth
// bearer tokens or by signing requests with AWS SigV4.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/tombee/mcproxy/internal/config"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

const (
	// DefaultExpiryMargin is how long before expiry a token is refreshed.
	DefaultExpiryMargin = 60 * time.Second

	// DefaultRefreshTimeout bounds one shared token refresh.
	DefaultRefreshTimeout = 30 * time.Second
)

// Token is an immutable OAuth token snapshot.
type Token struct {
	AccessToken  string
	RefreshToken string

	// ExpiresAt is zero for tokens that never expire.
	ExpiresAt time.Time

	// invalid marks a token the upstream rejected
	invalid bool
}

// Config configures an Authenticator.
type Config struct {
	// Upstream names the upstream in errors and logs.
	Upstream string

	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// RefreshToken selects the refresh_token grant. Without it the
	// client_credentials grant is used.
	RefreshToken string

	// ExpiryMargin defaults to DefaultExpiryMargin.
	ExpiryMargin time.Duration

	// RefreshTimeout defaults to DefaultRefreshTimeout.
	RefreshTimeout time.Duration

	// HTTPClient is used to reach the token endpoint.
	HTTPClient *http.Client

	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Authenticator holds the current token for one upstream and refreshes it
// on demand. It implements transport.TokenSource.
type Authenticator struct {
	cfg    Config
	logger *slog.Logger

	token atomic.Pointer[Token]
	group singleflight.Group
}

// New creates an Authenticator. No token is fetched until the first call.
func New(cfg Config) *Authenticator {
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = DefaultExpiryMargin
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger.With("component", "oauth", "upstream", cfg.Upstream),
	}
}

// FromConfig builds an Authenticator from an upstream's auth settings.
func FromConfig(upstream string, a *config.AuthConfig, client *http.Client, logger *slog.Logger) *Authenticator {
	return New(Config{
		Upstream:     upstream,
		TokenURL:     a.TokenURL,
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Scopes:       a.Scopes,
		RefreshToken: a.RefreshToken,
		ExpiryMargin: a.ExpiryMarginDuration(),
		HTTPClient:   client,
		Logger:       logger,
	})
}

// Token returns a usable access token. When the held token is missing,
// rejected, expired, or inside the expiry margin, exactly one refresh is
// attempted; concurrent callers share it. The refresh outlives the caller
// that started it, bounded by RefreshTimeout, so one cancelled caller does
// not fail the others waiting on the same refresh.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	if t := a.token.Load(); !a.needsRefresh(t) {
		return t.AccessToken, nil
	}

	ch := a.group.DoChan("refresh", func() (any, error) {
		// Another caller may have refreshed while we waited.
		if t := a.token.Load(); !a.needsRefresh(t) {
			return t, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.RefreshTimeout)
		defer cancel()
		return a.refresh(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*Token).AccessToken, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate marks the current token as rejected so the next call refreshes.
func (a *Authenticator) Invalidate() {
	for {
		cur := a.token.Load()
		if cur == nil || cur.invalid {
			return
		}
		next := *cur
		next.invalid = true
		if a.token.CompareAndSwap(cur, &next) {
			a.logger.Debug("access token invalidated")
			return
		}
	}
}

// Current returns the held token, or nil.
func (a *Authenticator) Current() *Token {
	return a.token.Load()
}

func (a *Authenticator) needsRefresh(t *Token) bool {
	if t == nil || t.invalid {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !a.cfg.Now().Add(a.cfg.ExpiryMargin).Before(t.ExpiresAt)
}

func (a *Authenticator) refresh(ctx context.Context) (*Token, error) {
	if a.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
	}

	refreshToken := a.cfg.RefreshToken
	if cur := a.token.Load(); cur != nil && cur.RefreshToken != "" {
		refreshToken = cur.RefreshToken
	}

	var (
		tok *oauth2.Token
		err error
	)
	if refreshToken != "" {
		oc := &oauth2.Config{
			ClientID:     a.cfg.ClientID,
			ClientSecret: a.cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: a.cfg.TokenURL},
			Scopes:       a.cfg.Scopes,
		}
		tok, err = oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	} else {
		cc := &clientcredentials.Config{
			ClientID:     a.cfg.ClientID,
			ClientSecret: a.cfg.ClientSecret,
			TokenURL:     a.cfg.TokenURL,
			Scopes:       a.cfg.Scopes,
		}
		tok, err = cc.Token(ctx)
	}
	if err != nil {
		a.logger.Warn("token refresh failed", "error", err)
		return nil, &perrors.AuthError{Subject: a.cfg.Upstream, Reason: "token refresh failed", Cause: err}
	}
	if tok.AccessToken == "" {
		return nil, &perrors.AuthError{Subject: a.cfg.Upstream, Reason: "token endpoint returned no access token"}
	}

	next := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}
	if next.ExpiresAt.IsZero() {
		next.ExpiresAt = jwtExpiry(tok.AccessToken)
	}
	a.token.Store(next)

	a.logger.Debug("access token refreshed", "expires_at", next.ExpiresAt)
	return next, nil
}

// jwtExpiry reads the exp claim of a JWT access token without verifying
// it. Opaque tokens and tokens without exp yield the zero time.
func jwtExpiry(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// IsAuthError reports whether err came from a failed token refresh.
func IsAuthError(err error) bool {
	var ae *perrors.AuthError
	return errors.As(err, &ae)
}
