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

// Package agentauth is the agent-side SDK: Ed25519 keypair handling, action
// envelope signing, and an HTTP client for capability issuance and action
// verification. An agent generates a keypair once, registers the public half,
// and signs every action envelope with the private half.
package agentauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// KeyPair is an Ed25519 keypair in the wire encoding the API expects:
// standard base64 over the raw key bytes. PrivateKey is the 64-byte
// seed-then-public form, so the public half is recoverable from it.
type KeyPair struct {
	// PublicKey is base64 over the 32 raw public key bytes. This is the
	// value submitted at agent registration.
	PublicKey string

	// PrivateKey is base64 over the 64 raw private key bytes. It never
	// leaves the agent.
	PrivateKey string
}

// GenerateKeyPair creates a fresh Ed25519 keypair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("agentauth: generate keypair: %w", err)
	}
	return KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}, nil
}

// ParsePrivateKey decodes a base64 private key into a usable Ed25519 key.
func ParsePrivateKey(privateKeyB64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("agentauth: decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("agentauth: private key must be %d bytes, got %d",
			ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// Sign returns the base64 detached signature of message under key.
func Sign(key ed25519.PrivateKey, message []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, message))
}
