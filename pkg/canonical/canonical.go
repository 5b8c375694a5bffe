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

// Package canonical renders JSON-compatible values as deterministic bytes:
// object keys sorted, no insignificant whitespace, codepoints above U+007F
// kept as-is, numbers in their shortest exact form (RFC 8785). Signer and
// verifier both depend on producing identical bytes for equal values; the
// testdata/vectors.json suite is the cross-implementation reference.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Encode returns the canonical JSON encoding of v.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// EncodeRaw canonicalizes an already-serialized JSON document.
func EncodeRaw(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Digest returns the SHA-256 of the canonical encoding of v. This is the
// 32-byte message an agent's Ed25519 signature covers.
func Digest(v any) ([32]byte, error) {
	data, err := Encode(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// HashHex returns the lowercase hex SHA-256 of the canonical encoding of v.
func HashHex(v any) (string, error) {
	sum, err := Digest(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}
