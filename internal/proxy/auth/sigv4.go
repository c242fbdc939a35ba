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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/tombee/mcproxy/internal/config"
	perrors "github.com/tombee/mcproxy/pkg/errors"
)

// SigV4Config configures request signing for an upstream behind AWS IAM,
// such as a Lambda function URL or an API Gateway endpoint.
type SigV4Config struct {
	Upstream string
	Service  string
	Region   string

	// Profile selects a shared-config profile. Empty uses the default
	// credential chain.
	Profile string

	// VerifyIdentity makes Verify call STS GetCallerIdentity.
	VerifyIdentity bool

	// Credentials overrides the credential chain.
	Credentials aws.CredentialsProvider

	// STSEndpoint overrides the STS endpoint.
	STSEndpoint string

	// Now is the signing clock; defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// SigV4FromConfig builds a SigV4Config from an upstream's auth settings.
func SigV4FromConfig(upstream string, a *config.AuthConfig, logger *slog.Logger) SigV4Config {
	return SigV4Config{
		Upstream:       upstream,
		Service:        a.Service,
		Region:         a.Region,
		Profile:        a.Profile,
		VerifyIdentity: a.VerifyIdentity,
		Logger:         logger,
	}
}

// Signer signs upstream requests with AWS credentials. Credentials are
// cached and refreshed by the SDK.
type Signer struct {
	cfg    SigV4Config
	aws    aws.Config
	signer *v4.Signer
	logger *slog.Logger
}

// NewSigner resolves the credential chain. It does not contact AWS.
func NewSigner(ctx context.Context, cfg SigV4Config) (*Signer, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Credentials != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(cfg.Credentials))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &perrors.AuthError{Subject: cfg.Upstream, Reason: "failed to load AWS configuration", Cause: err}
	}

	return &Signer{
		cfg:    cfg,
		aws:    awsCfg,
		signer: v4.NewSigner(),
		logger: logger.With("component", "sigv4", "upstream", cfg.Upstream),
	}, nil
}

// Verify checks the credentials with STS when VerifyIdentity is set and
// returns the caller ARN. It is a no-op otherwise.
func (s *Signer) Verify(ctx context.Context) (string, error) {
	if !s.cfg.VerifyIdentity {
		return "", nil
	}
	client := sts.NewFromConfig(s.aws, func(o *sts.Options) {
		if s.cfg.STSEndpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.STSEndpoint)
		}
	})
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", &perrors.AuthError{Subject: s.cfg.Upstream, Reason: "AWS identity check failed", Cause: err}
	}
	arn := aws.ToString(out.Arn)
	s.logger.Debug("AWS identity verified", "arn", arn)
	return arn, nil
}

// Client returns a copy of base whose requests are signed.
func (s *Signer) Client(base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	c := *base
	c.Transport = &signingTransport{signer: s, next: next}
	return &c
}

// Sign adds SigV4 headers to req, buffering its body to hash it.
func (s *Signer) Sign(ctx context.Context, req *http.Request) error {
	body, err := readBody(req)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	creds, err := s.aws.Credentials.Retrieve(ctx)
	if err != nil {
		return &perrors.AuthError{Subject: s.cfg.Upstream, Reason: "unable to resolve AWS credentials", Cause: err}
	}
	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, s.cfg.Service, s.cfg.Region, s.cfg.Now()); err != nil {
		return &perrors.AuthError{Subject: s.cfg.Upstream, Reason: "failed to sign request", Cause: err}
	}
	return nil
}

// readBody drains req.Body and replaces it with a rewindable copy.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.ContentLength = int64(len(data))
	return data, nil
}

type signingTransport struct {
	signer *Signer
	next   http.RoundTripper
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if err := t.signer.Sign(req.Context(), req); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}
