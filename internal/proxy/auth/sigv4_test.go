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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/log"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

func staticCreds(id, secret string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: id, SecretAccessKey: secret, Source: "test"}, nil
	})
}

func newTestSigner(t *testing.T, cfg SigV4Config) *Signer {
	t.Helper()
	if cfg.Service == "" {
		cfg.Service = "lambda"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Credentials == nil {
		cfg.Credentials = staticCreds("AKIDEXAMPLE", "secret")
	}
	cfg.Upstream = "aws"
	cfg.Logger = log.Discard()
	s, err := NewSigner(context.Background(), cfg)
	require.NoError(t, err)
	return s
}

func TestSigner_SignsRequests(t *testing.T) {
	type seen struct {
		auth, date, hash string
		body             string
	}
	var got atomic.Pointer[seen]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.Store(&seen{
			auth: r.Header.Get("Authorization"),
			date: r.Header.Get("X-Amz-Date"),
			hash: r.Header.Get("X-Amz-Content-Sha256"),
			body: string(body),
		})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newTestSigner(t, SigV4Config{Now: func() time.Time { return now }})
	client := s.Client(srv.Client())

	tests := []struct {
		name   string
		method string
		body   string
	}{
		{"post with body", http.MethodPost, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`},
		{"get stream", http.MethodGet, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req, err := http.NewRequest(tt.method, srv.URL+"/mcp", body)
			require.NoError(t, err)
			resp, err := client.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			sum := sha256.Sum256([]byte(tt.body))
			rec := got.Load()
			require.NotNil(t, rec)
			assert.Equal(t, tt.body, rec.body)
			assert.Equal(t, hex.EncodeToString(sum[:]), rec.hash)
			assert.Equal(t, "20260102T030405Z", rec.date)
			assert.True(t, strings.HasPrefix(rec.auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20260102/us-east-1/lambda/aws4_request"), rec.auth)
			assert.Contains(t, rec.auth, "x-amz-content-sha256")
			assert.Contains(t, rec.auth, "Signature=")

			assert.Empty(t, req.Header.Get("Authorization"), "caller's request must not be mutated")
		})
	}
}

func TestSigner_CredentialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unsigned request reached the upstream")
	}))
	defer srv.Close()

	s := newTestSigner(t, SigV4Config{
		Credentials: aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{}, errors.New("no credentials in chain")
		}),
	})

	_, err := s.Client(srv.Client()).Post(srv.URL, "application/json", strings.NewReader("{}"))
	require.Error(t, err)
	var authErr *perrors.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "aws", authErr.Subject)
}

const callerIdentityResponse = `<GetCallerIdentityResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <GetCallerIdentityResult>
    <Arn>arn:aws:iam::123456789012:user/proxy</Arn>
    <UserId>AIDAEXAMPLE</UserId>
    <Account>123456789012</Account>
  </GetCallerIdentityResult>
  <ResponseMetadata>
    <RequestId>01234567-89ab-cdef-0123-456789abcdef</RequestId>
  </ResponseMetadata>
</GetCallerIdentityResponse>`

func TestSigner_Verify(t *testing.T) {
	var calls atomic.Int32
	sts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "GetCallerIdentity", r.PostForm.Get("Action"))
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, callerIdentityResponse)
	}))
	defer sts.Close()

	t.Run("disabled", func(t *testing.T) {
		s := newTestSigner(t, SigV4Config{STSEndpoint: sts.URL})
		arn, err := s.Verify(context.Background())
		require.NoError(t, err)
		assert.Empty(t, arn)
		assert.Zero(t, calls.Load())
	})

	t.Run("enabled", func(t *testing.T) {
		s := newTestSigner(t, SigV4Config{STSEndpoint: sts.URL, VerifyIdentity: true})
		arn, err := s.Verify(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "arn:aws:iam::123456789012:user/proxy", arn)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestSigV4FromConfig(t *testing.T) {
	cfg := SigV4FromConfig("aws", &config.AuthConfig{
		AuthType:       config.AuthAWSSigV4,
		Service:        "execute-api",
		Region:         "eu-west-1",
		Profile:        "mcp",
		VerifyIdentity: true,
	}, nil)
	assert.Equal(t, "execute-api", cfg.Service)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, "mcp", cfg.Profile)
	assert.True(t, cfg.VerifyIdentity)
}
