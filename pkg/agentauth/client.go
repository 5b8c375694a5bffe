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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultHTTPTimeout is the default timeout for API requests.
const DefaultHTTPTimeout = 30 * time.Second

// Decision values returned by Verify.
const (
	DecisionAllow = "ALLOW"
	DecisionDeny  = "DENY"
)

// APIError is returned when the API answers with a non-2xx status. Code is
// the machine-readable value from the error envelope, empty when the body
// was not parseable.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agentauth: api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentauth: api %d: %s", e.StatusCode, e.Message)
}

// Client talks to the verification API on behalf of a single workspace. It
// stamps the workspace id into the tenant header and the request body of
// every call, so the two can never disagree.
type Client struct {
	baseURL     string
	workspaceID string
	httpClient  *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the HTTP timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// NewClient creates a client bound to one API endpoint and workspace.
func NewClient(baseURL, workspaceID string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		workspaceID: workspaceID,
		httpClient: &http.Client{
			Timeout: DefaultHTTPTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// VerifyRequest is the body of a verification call. WorkspaceID is filled
// in by the client.
type VerifyRequest struct {
	WorkspaceID     string         `json:"workspace_id"`
	AgentID         string         `json:"agent_id"`
	ActionType      string         `json:"action_type"`
	TargetService   string         `json:"target_service"`
	Payload         map[string]any `json:"payload"`
	Signature       string         `json:"signature"`
	CapabilityToken string         `json:"capability_token"`
	RequestContext  map[string]any `json:"request_context,omitempty"`
}

// VerifyResult is the decision for one action. ReasonCode is nil on ALLOW.
type VerifyResult struct {
	Decision     string  `json:"decision"`
	ReasonCode   *string `json:"reason_code"`
	AuditEventID string  `json:"audit_event_id"`
}

// Allowed reports whether the action may proceed.
func (r *VerifyResult) Allowed() bool {
	return r.Decision == DecisionAllow
}

// CapabilityRequest asks for a capability token. WorkspaceID is filled in
// by the client.
type CapabilityRequest struct {
	WorkspaceID     string         `json:"workspace_id"`
	AgentID         string         `json:"agent_id"`
	Action          string         `json:"action"`
	TargetService   string         `json:"target_service"`
	RequestedScopes []string       `json:"requested_scopes,omitempty"`
	RequestedLimits map[string]any `json:"requested_limits,omitempty"`
	TTLMinutes      int            `json:"ttl_minutes,omitempty"`
}

// CapabilityGrant is an issued capability token and its validity window.
type CapabilityGrant struct {
	Token     string    `json:"token"`
	JTI       string    `json:"jti"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verify submits a signed action for a decision. A DENY is a normal result,
// not an error; errors mean the request itself failed.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	req.WorkspaceID = c.workspaceID
	var result VerifyResult
	if err := c.post(ctx, "/verify", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// VerifyAction signs the envelope and submits it for verification together
// with the capability token it names. The envelope's WorkspaceID is forced
// to the client's workspace before signing.
func (c *Client) VerifyAction(
	ctx context.Context,
	privateKeyB64 string,
	env Envelope,
	capabilityToken string,
) (*VerifyResult, error) {
	env.WorkspaceID = c.workspaceID
	signature, err := SignEnvelope(privateKeyB64, env)
	if err != nil {
		return nil, err
	}
	return c.Verify(ctx, VerifyRequest{
		AgentID:         env.AgentID,
		ActionType:      env.ActionType,
		TargetService:   env.TargetService,
		Payload:         env.Payload,
		Signature:       signature,
		CapabilityToken: capabilityToken,
	})
}

// RequestCapability asks for a capability token for one action.
func (c *Client) RequestCapability(ctx context.Context, req CapabilityRequest) (*CapabilityGrant, error) {
	req.WorkspaceID = c.workspaceID
	var grant CapabilityGrant
	if err := c.post(ctx, "/capabilities/request", req, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// RevokeCapability revokes a capability token by its jti.
func (c *Client) RevokeCapability(ctx context.Context, jti, reason string) error {
	body := struct {
		WorkspaceID string `json:"workspace_id"`
		Reason      string `json:"reason,omitempty"`
	}{
		WorkspaceID: c.workspaceID,
		Reason:      reason,
	}
	return c.post(ctx, "/capabilities/"+jti+"/revoke", body, nil)
}

// post sends a JSON body and decodes a JSON response. Non-2xx statuses are
// mapped to *APIError with the envelope's code and message when present.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("agentauth: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("agentauth: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Workspace-Id", c.workspaceID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("agentauth: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("agentauth: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var envelope struct {
			Detail struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"detail"`
		}
		if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Detail.Code != "" {
			apiErr.Code = envelope.Detail.Code
			apiErr.Message = envelope.Detail.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("agentauth: parse response: %w", err)
	}
	return nil
}
