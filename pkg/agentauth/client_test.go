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
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkspaceID = "0b1c2d3e-4f5a-4b6c-8d7e-9f0a1b2c3d4e"

func TestNewClient(t *testing.T) {
	t.Run("uses default HTTP timeout", func(t *testing.T) {
		client := NewClient("http://localhost:8000", testWorkspaceID)
		assert.Equal(t, DefaultHTTPTimeout, client.httpClient.Timeout)
	})

	t.Run("applies custom HTTP client", func(t *testing.T) {
		custom := &http.Client{Timeout: time.Minute}
		client := NewClient("http://localhost:8000", testWorkspaceID, WithHTTPClient(custom))
		assert.Equal(t, custom, client.httpClient)
	})

	t.Run("applies custom timeout", func(t *testing.T) {
		client := NewClient("http://localhost:8000", testWorkspaceID, WithTimeout(5*time.Second))
		assert.Equal(t, 5*time.Second, client.httpClient.Timeout)
	})
}

func TestClient_Verify(t *testing.T) {
	ctx := context.Background()

	t.Run("allow decision", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/verify", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, testWorkspaceID, r.Header.Get("X-Workspace-Id"))

			var req VerifyRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, testWorkspaceID, req.WorkspaceID)
			assert.Equal(t, "tool.invoke", req.ActionType)

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(VerifyResult{
				Decision:     DecisionAllow,
				AuditEventID: "event-7",
			})
		}))
		defer server.Close()

		client := NewClient(server.URL, testWorkspaceID)
		result, err := client.Verify(ctx, VerifyRequest{
			AgentID:         "7f8c3a2e-4d5b-4c6a-9e1f-2a3b4c5d6e7f",
			ActionType:      "tool.invoke",
			TargetService:   "payments",
			Signature:       "c2ln",
			CapabilityToken: "token",
		})
		require.NoError(t, err)
		assert.True(t, result.Allowed())
		assert.Nil(t, result.ReasonCode)
		assert.Equal(t, "event-7", result.AuditEventID)
	})

	t.Run("deny decision is not an error", func(t *testing.T) {
		reason := "SPEND_LIMIT_EXCEEDED"
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(VerifyResult{
				Decision:     DecisionDeny,
				ReasonCode:   &reason,
				AuditEventID: "event-8",
			})
		}))
		defer server.Close()

		client := NewClient(server.URL, testWorkspaceID)
		result, err := client.Verify(ctx, VerifyRequest{ActionType: "tool.invoke"})
		require.NoError(t, err)
		assert.False(t, result.Allowed())
		require.NotNil(t, result.ReasonCode)
		assert.Equal(t, "SPEND_LIMIT_EXCEEDED", *result.ReasonCode)
	})

	t.Run("error envelope becomes APIError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"detail":{"code":"WORKSPACE_MISMATCH","message":"workspace header does not match body"}}`))
		}))
		defer server.Close()

		client := NewClient(server.URL, testWorkspaceID)
		_, err := client.Verify(ctx, VerifyRequest{ActionType: "tool.invoke"})
		require.Error(t, err)

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
		assert.Equal(t, "WORKSPACE_MISMATCH", apiErr.Code)
		assert.Contains(t, apiErr.Error(), "WORKSPACE_MISMATCH")
	})

	t.Run("non-JSON error body keeps the raw text", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream exploded"))
		}))
		defer server.Close()

		client := NewClient(server.URL, testWorkspaceID)
		_, err := client.Verify(ctx, VerifyRequest{ActionType: "tool.invoke"})

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		assert.Empty(t, apiErr.Code)
		assert.Contains(t, apiErr.Message, "upstream exploded")
	})
}

func TestClient_VerifyAction(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	var received VerifyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(VerifyResult{Decision: DecisionAllow, AuditEventID: "event-9"})
	}))
	defer server.Close()

	client := NewClient(server.URL, testWorkspaceID)
	env := Envelope{
		AgentID:       "7f8c3a2e-4d5b-4c6a-9e1f-2a3b4c5d6e7f",
		ActionType:    "tool.invoke",
		TargetService: "payments",
		Payload:       map[string]any{"tool": "purchase"},
	}
	result, err := client.VerifyAction(context.Background(), kp.PrivateKey, env, "cap-token")
	require.NoError(t, err)
	assert.True(t, result.Allowed())

	assert.Equal(t, testWorkspaceID, received.WorkspaceID)
	assert.Equal(t, env.AgentID, received.AgentID)
	assert.Equal(t, "cap-token", received.CapabilityToken)

	// The submitted signature covers the workspace-stamped envelope.
	env.WorkspaceID = testWorkspaceID
	env.CapabilityJTI = ""
	digest, err := env.Digest()
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(received.Signature)
	require.NoError(t, err)
	pub, err := base64.StdEncoding.DecodeString(kp.PublicKey)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig))
}

func TestClient_RequestCapability(t *testing.T) {
	issued := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/capabilities/request", r.URL.Path)
		assert.Equal(t, testWorkspaceID, r.Header.Get("X-Workspace-Id"))

		var req CapabilityRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, testWorkspaceID, req.WorkspaceID)
		assert.Equal(t, []string{"tool.invoke:purchase"}, req.RequestedScopes)
		assert.Equal(t, 10, req.TTLMinutes)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(CapabilityGrant{
			Token:     "signed.jwt",
			JTI:       "9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d",
			IssuedAt:  issued,
			ExpiresAt: issued.Add(10 * time.Minute),
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, testWorkspaceID)
	grant, err := client.RequestCapability(context.Background(), CapabilityRequest{
		AgentID:         "7f8c3a2e-4d5b-4c6a-9e1f-2a3b4c5d6e7f",
		Action:          "tool.invoke",
		TargetService:   "payments",
		RequestedScopes: []string{"tool.invoke:purchase"},
		TTLMinutes:      10,
	})
	require.NoError(t, err)
	assert.Equal(t, "signed.jwt", grant.Token)
	assert.Equal(t, "9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d", grant.JTI)
	assert.True(t, grant.ExpiresAt.After(grant.IssuedAt))
}

func TestClient_RevokeCapability(t *testing.T) {
	t.Run("sends jti in the path and reason in the body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/capabilities/9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d/revoke", r.URL.Path)

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, testWorkspaceID, body["workspace_id"])
			assert.Equal(t, "compromised", body["reason"])

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"jti":"9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d","status":"revoked"}`))
		}))
		defer server.Close()

		client := NewClient(server.URL, testWorkspaceID)
		err := client.RevokeCapability(context.Background(),
			"9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d", "compromised")
		assert.NoError(t, err)
	})

	t.Run("unknown jti surfaces the NOT_FOUND code", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":{"code":"NOT_FOUND","message":"capability not found"}}`))
		}))
		defer server.Close()

		client := NewClient(server.URL, testWorkspaceID)
		err := client.RevokeCapability(context.Background(), "missing", "")

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "NOT_FOUND", apiErr.Code)
	})
}
