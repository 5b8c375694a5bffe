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

package agentauth

import (
	"github.com/qurveai/limiq/pkg/canonical"
)

// Envelope is the exact value an action signature covers. The verifier
// rebuilds it from the verification request, canonicalizes it (RFC 8785),
// hashes it with SHA-256, and checks the signature over that digest. Any
// field that differs between signer and verifier fails the signature check.
type Envelope struct {
	AgentID       string         `json:"agent_id"`
	WorkspaceID   string         `json:"workspace_id"`
	ActionType    string         `json:"action_type"`
	TargetService string         `json:"target_service"`
	Payload       map[string]any `json:"payload"`
	CapabilityJTI string         `json:"capability_jti"`
}

// Digest returns the SHA-256 of the canonical envelope encoding. A nil
// Payload digests as an empty object, matching the verifier.
func (e Envelope) Digest() ([32]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return canonical.Digest(map[string]any{
		"agent_id":       e.AgentID,
		"workspace_id":   e.WorkspaceID,
		"action_type":    e.ActionType,
		"target_service": e.TargetService,
		"payload":        payload,
		"capability_jti": e.CapabilityJTI,
	})
}

// SignEnvelope produces the base64 detached signature over the envelope
// digest using the agent's base64 private key.
func SignEnvelope(privateKeyB64 string, env Envelope) (string, error) {
	key, err := ParsePrivateKey(privateKeyB64)
	if err != nil {
		return "", err
	}
	digest, err := env.Digest()
	if err != nil {
		return "", err
	}
	return Sign(key, digest[:]), nil
}
