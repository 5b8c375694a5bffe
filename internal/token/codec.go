/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package token issues and decodes capability tokens: compact JWS signed
// with the service-wide Ed25519 key (alg EdDSA, one active key id).
package token

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by a capability token. The registered claims hold the agent
// id (sub), capability id (jti) and the issued-at/expiry pair.
type Claims struct {
	WorkspaceID   string         `json:"workspace_id"`
	Scopes        []string       `json:"scopes"`
	Limits        map[string]any `json:"limits,omitempty"`
	PolicyID      string         `json:"policy_id,omitempty"`
	PolicyVersion int            `json:"policy_version,omitempty"`
	jwt.RegisteredClaims
}

// DecodeStatus classifies a decode outcome. Expiry is the only failure the
// verify pipeline distinguishes; everything else is Invalid.
type DecodeStatus uint8

const (
	StatusOK DecodeStatus = iota
	StatusExpired
	StatusInvalid
)

// DecodeResult is the sum-typed outcome of Decode. Claims is non-nil only
// for StatusOK; Err carries the underlying failure for diagnostics.
type DecodeResult struct {
	Status DecodeStatus
	Claims *Claims
	Err    error
}

// IssueParams describes the capability a token attests to.
type IssueParams struct {
	AgentID       string
	WorkspaceID   string
	Scopes        []string
	Limits        map[string]any
	PolicyID      string
	PolicyVersion int
	JTI           string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// Codec signs and verifies capability tokens with the process-wide key.
type Codec struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	kid     string
	leeway  time.Duration
	log     logr.Logger
}

// NewCodec parses a PKCS#8 PEM Ed25519 private key and returns a codec
// signing with it under the given key id. leeway tolerates clock skew on
// exp/iat during decoding.
func NewCodec(pemKey []byte, kid string, leeway time.Duration, log logr.Logger) (*Codec, error) {
	if kid == "" {
		return nil, errors.New("token: key id must not be empty")
	}
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("token: signing key is not valid PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("token: parse signing key: %w", err)
	}
	private, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("token: signing key is %T, want Ed25519", parsed)
	}
	return &Codec{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
		kid:     kid,
		leeway:  leeway,
		log:     log.WithName("token"),
	}, nil
}

// KeyID returns the configured key id placed in token headers.
func (c *Codec) KeyID() string { return c.kid }

// Issue mints a signed capability token for p.
func (c *Codec) Issue(p IssueParams) (string, error) {
	claims := &Claims{
		WorkspaceID:   p.WorkspaceID,
		Scopes:        p.Scopes,
		Limits:        p.Limits,
		PolicyID:      p.PolicyID,
		PolicyVersion: p.PolicyVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.AgentID,
			IssuedAt:  jwt.NewNumericDate(p.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
			ID:        p.JTI,
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = c.kid

	signed, err := tok.SignedString(c.private)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Decode verifies tokenString against the service key and classifies the
// outcome. Unexpected failures are logged and reported as StatusInvalid;
// the pipeline fails closed on them.
func (c *Codec) Decode(tokenString string) DecodeResult {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithLeeway(c.leeway),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
		return DecodeResult{Status: StatusOK, Claims: claims}
	case errors.Is(err, jwt.ErrTokenExpired):
		return DecodeResult{Status: StatusExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return DecodeResult{Status: StatusInvalid, Err: err}
	default:
		c.log.Error(err, "unexpected capability token decode failure")
		return DecodeResult{Status: StatusInvalid, Err: err}
	}
}

func (c *Codec) keyFunc(t *jwt.Token) (any, error) {
	if kid, ok := t.Header["kid"].(string); ok && kid != c.kid {
		return nil, fmt.Errorf("token: unknown key id %q", kid)
	}
	return c.public, nil
}

// UnverifiedJTI extracts the jti claim without checking the signature.
// For log correlation only; never gate a decision on the result.
func UnverifiedJTI(tokenString string) string {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return ""
	}
	return claims.ID
}
