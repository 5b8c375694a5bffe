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

// Package signing checks detached Ed25519 signatures submitted by agents.
// Verification fails closed: malformed keys, malformed signatures, and any
// lower-level failure all report an invalid signature rather than an error.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/go-logr/logr"
)

// Verifier validates agent signatures against their registered public keys.
type Verifier struct {
	log logr.Logger
}

// NewVerifier returns a Verifier logging through log.
func NewVerifier(log logr.Logger) *Verifier {
	return &Verifier{log: log.WithName("signing")}
}

// Verify reports whether signatureB64 is a valid detached Ed25519 signature
// by publicKeyB64 over message. All malformed inputs are logged and mapped
// to false; no error ever reaches the caller.
func (v *Verifier) Verify(publicKeyB64 string, message []byte, signatureB64 string) bool {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		v.log.V(1).Info("rejected malformed public key encoding", "err", err.Error())
		return false
	}
	if len(publicKey) != ed25519.PublicKeySize {
		v.log.V(1).Info("rejected public key of wrong length", "length", len(publicKey))
		return false
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		v.log.V(1).Info("rejected malformed signature encoding", "err", err.Error())
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		v.log.V(1).Info("rejected signature of wrong length", "length", len(signature))
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// Fingerprint returns the stable identity of a public key: the lowercase hex
// SHA-256 of the raw 32 key bytes. Computed once at agent registration and
// stored alongside the key.
func Fingerprint(publicKeyB64 string) (string, error) {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return "", fmt.Errorf("signing: decode public key: %w", err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("signing: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:]), nil
}
