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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/qurveai/limiq/internal/audit"
	"github.com/qurveai/limiq/internal/capability"
	"github.com/qurveai/limiq/internal/store"
	"github.com/qurveai/limiq/internal/verify"
)

const (
	testWorkspaceID  = "0b1c2d3e-4f5a-4b6c-8d7e-9f0a1b2c3d4e"
	testAgentID      = "7f8c3a2e-4d5b-4c6a-9e1f-2a3b4c5d6e7f"
	testPolicyID     = "3c4d5e6f-7a8b-4c9d-8e0f-1a2b3c4d5e6f"
	otherWorkspaceID = "ffeeddcc-bbaa-4998-8776-655443322110"
	testJTI          = "9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d"
)

var testTime = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

// --- fakes ------------------------------------------------------------------

type fakeStore struct {
	workspaces map[string]*store.Workspace
	agents     map[string]*store.Agent
	policies   map[string]*store.Policy
	bindings   []*store.AgentPolicyBinding

	createdWorkspaces []*store.Workspace
	createdAgents     []*store.Agent
	createdPolicies   []*store.Policy
	statusUpdates     []string

	createAgentErr  error
	createPolicyErr error
	pingErr         error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workspaces: make(map[string]*store.Workspace),
		agents:     make(map[string]*store.Agent),
		policies:   make(map[string]*store.Policy),
	}
}

func (f *fakeStore) WorkspaceByID(_ context.Context, id string) (*store.Workspace, error) {
	w, ok := f.workspaces[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}

func (f *fakeStore) AgentByID(_ context.Context, workspaceID, agentID string) (*store.Agent, error) {
	a, ok := f.agents[agentID]
	if !ok || a.WorkspaceID != workspaceID {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) PolicyByID(_ context.Context, workspaceID, policyID string) (*store.Policy, error) {
	p, ok := f.policies[policyID]
	if !ok || p.WorkspaceID != workspaceID {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) CreateWorkspace(_ context.Context, _ store.DB, w *store.Workspace) error {
	f.createdWorkspaces = append(f.createdWorkspaces, w)
	f.workspaces[w.ID] = w
	return nil
}

func (f *fakeStore) CreateAgent(_ context.Context, _ store.DB, a *store.Agent) error {
	if f.createAgentErr != nil {
		return f.createAgentErr
	}
	f.createdAgents = append(f.createdAgents, a)
	f.agents[a.ID] = a
	return nil
}

func (f *fakeStore) UpdateAgentStatus(_ context.Context, _ store.DB, workspaceID, agentID string, status store.Status) error {
	a, ok := f.agents[agentID]
	if !ok || a.WorkspaceID != workspaceID {
		return store.ErrNotFound
	}
	a.Status = status
	f.statusUpdates = append(f.statusUpdates, fmt.Sprintf("%s:%s", agentID, status))
	return nil
}

func (f *fakeStore) CreatePolicy(_ context.Context, _ store.DB, pol *store.Policy) error {
	if f.createPolicyErr != nil {
		return f.createPolicyErr
	}
	f.createdPolicies = append(f.createdPolicies, pol)
	f.policies[pol.ID] = pol
	return nil
}

func (f *fakeStore) CreateBinding(_ context.Context, _ store.DB, b *store.AgentPolicyBinding) error {
	f.bindings = append(f.bindings, b)
	return nil
}

func (f *fakeStore) WithTx(_ context.Context, fn func(db store.DB) error) error {
	return fn(nil)
}

func (f *fakeStore) DB() store.DB { return nil }

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

type fakeEngine struct {
	req    *verify.Request
	result *verify.Result
	err    error
}

func (f *fakeEngine) Verify(_ context.Context, req verify.Request) (*verify.Result, error) {
	f.req = &req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeIssuer struct {
	issueReq  *capability.IssueRequest
	issued    *capability.IssuedCapability
	issueErr  error
	revokeReq *capability.RevokeRequest
	revokeErr error
}

func (f *fakeIssuer) Issue(_ context.Context, req capability.IssueRequest) (*capability.IssuedCapability, error) {
	f.issueReq = &req
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	return f.issued, nil
}

func (f *fakeIssuer) Revoke(_ context.Context, req capability.RevokeRequest) error {
	f.revokeReq = &req
	return f.revokeErr
}

type fakeAuditLog struct {
	events  []audit.Event
	seq     int64
	listWS  string
	opts    *audit.ListOpts
	records []*audit.Record
	listErr error
	report  *audit.ChainReport
}

func (f *fakeAuditLog) Append(_ context.Context, _ store.DB, ev audit.Event) (*audit.Record, error) {
	f.events = append(f.events, ev)
	f.seq++
	return &audit.Record{ID: fmt.Sprintf("event-%d", f.seq), Seq: f.seq}, nil
}

func (f *fakeAuditLog) ListEvents(_ context.Context, _ store.DB, workspaceID string, opts audit.ListOpts) ([]*audit.Record, error) {
	f.listWS = workspaceID
	f.opts = &opts
	return f.records, f.listErr
}

func (f *fakeAuditLog) VerifyChain(_ context.Context, _ store.DB, _ string) (*audit.ChainReport, error) {
	if f.report == nil {
		return nil, errors.New("no report configured")
	}
	return f.report, nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(_ context.Context) error { return f.err }

// --- fixture ----------------------------------------------------------------

type fixture struct {
	handler *Handler
	store   *fakeStore
	engine  *fakeEngine
	issuer  *fakeIssuer
	audit   *fakeAuditLog
	cache   *fakePinger
}

func setupHandler(t *testing.T, cfg Config) *fixture {
	t.Helper()

	fs := newFakeStore()
	fs.workspaces[testWorkspaceID] = &store.Workspace{
		ID: testWorkspaceID, Name: "acme-prod", CreatedAt: testTime,
	}

	allow := verify.DecisionAllow
	fe := &fakeEngine{result: &verify.Result{Decision: allow, AuditEventID: "event-2"}}
	fi := &fakeIssuer{issued: &capability.IssuedCapability{
		CapabilityID: "cap-1",
		JTI:          testJTI,
		Token:        "signed." + testJTI,
		IssuedAt:     testTime,
		ExpiresAt:    testTime.Add(15 * time.Minute),
	}}
	fa := &fakeAuditLog{report: &audit.ChainReport{Valid: true, Events: 4}}
	fp := &fakePinger{}

	h := NewHandler(fs, fe, fi, fa, fp, cfg, logr.Discard())
	h.now = func() time.Time { return testTime }

	return &fixture{handler: h, store: fs, engine: fe, issuer: fi, audit: fa, cache: fp}
}

// serve routes the request through the registered mux so path patterns and
// PathValue behave as in production.
func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	f.handler.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(headerContentType, contentTypeJSON)
	return req
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	return v
}

func requireEnvelope(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d (body %s)", status, rec.Code, rec.Body.String())
	}
	resp := decodeJSON[ErrorResponse](t, rec)
	if resp.Detail.Code != code {
		t.Fatalf("expected code %q, got %q", code, resp.Detail.Code)
	}
	if resp.Detail.Message == "" {
		t.Fatal("expected a human message in the envelope")
	}
}

func verifyBody() VerifyRequest {
	return VerifyRequest{
		WorkspaceID:     testWorkspaceID,
		AgentID:         testAgentID,
		ActionType:      "invoke_tool",
		TargetService:   "payments-api",
		Payload:         map[string]any{"tool": "purchase", "amount": 18},
		Signature:       "c2lnbmF0dXJl",
		CapabilityToken: "header.payload.signature",
	}
}

// --- verify -----------------------------------------------------------------

func TestHandleVerify_Allow(t *testing.T) {
	f := setupHandler(t, Config{})

	req := jsonRequest(t, http.MethodPost, "/verify", verifyBody())
	req.Header.Set(headerWorkspaceID, testWorkspaceID)
	rec := f.serve(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}

	resp := decodeJSON[VerifyResponse](t, rec)
	if resp.Decision != verify.DecisionAllow {
		t.Fatalf("expected ALLOW, got %q", resp.Decision)
	}
	if resp.ReasonCode != nil {
		t.Fatalf("expected nil reason_code, got %q", *resp.ReasonCode)
	}
	if resp.AuditEventID != "event-2" {
		t.Fatalf("expected audit event id event-2, got %q", resp.AuditEventID)
	}

	if f.engine.req == nil {
		t.Fatal("engine was not called")
	}
	if f.engine.req.WorkspaceID != testWorkspaceID || f.engine.req.AgentID != testAgentID {
		t.Fatalf("engine got wrong identifiers: %+v", f.engine.req)
	}
	if f.engine.req.Payload["tool"] != "purchase" {
		t.Fatalf("payload not forwarded: %+v", f.engine.req.Payload)
	}
}

func TestHandleVerify_AllowSerializesNullReason(t *testing.T) {
	f := setupHandler(t, Config{})

	req := jsonRequest(t, http.MethodPost, "/verify", verifyBody())
	req.Header.Set(headerWorkspaceID, testWorkspaceID)
	rec := f.serve(req)

	if !strings.Contains(rec.Body.String(), `"reason_code":null`) {
		t.Fatalf("expected explicit null reason_code, got %s", rec.Body.String())
	}
}

func TestHandleVerify_Deny(t *testing.T) {
	f := setupHandler(t, Config{})
	reason := verify.ReasonSpendLimitExceeded
	f.engine.result = &verify.Result{
		Decision:     verify.DecisionDeny,
		ReasonCode:   &reason,
		AuditEventID: "event-3",
	}

	req := jsonRequest(t, http.MethodPost, "/verify", verifyBody())
	req.Header.Set(headerWorkspaceID, testWorkspaceID)
	rec := f.serve(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("DENY must still be 200, got %d", rec.Code)
	}
	resp := decodeJSON[VerifyResponse](t, rec)
	if resp.Decision != verify.DecisionDeny {
		t.Fatalf("expected DENY, got %q", resp.Decision)
	}
	if resp.ReasonCode == nil || *resp.ReasonCode != verify.ReasonSpendLimitExceeded {
		t.Fatalf("expected SPEND_LIMIT_EXCEEDED, got %v", resp.ReasonCode)
	}
}

func TestHandleVerify_HeaderMismatch(t *testing.T) {
	f := setupHandler(t, Config{})

	req := jsonRequest(t, http.MethodPost, "/verify", verifyBody())
	req.Header.Set(headerWorkspaceID, otherWorkspaceID)
	rec := f.serve(req)

	requireEnvelope(t, rec, http.StatusForbidden, codeWorkspaceMismatch)
	if f.engine.req != nil {
		t.Fatal("engine must not run on a header mismatch")
	}
}

func TestHandleVerify_MissingHeader(t *testing.T) {
	f := setupHandler(t, Config{})

	req := jsonRequest(t, http.MethodPost, "/verify", verifyBody())
	rec := f.serve(req)

	requireEnvelope(t, rec, http.StatusForbidden, codeWorkspaceMismatch)
}

func TestHandleVerify_InvalidBody(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*VerifyRequest)
	}{
		{"workspace_id not a uuid", func(b *VerifyRequest) { b.WorkspaceID = "not-a-uuid" }},
		{"agent_id missing", func(b *VerifyRequest) { b.AgentID = "" }},
		{"action_type missing", func(b *VerifyRequest) { b.ActionType = "" }},
		{"target_service missing", func(b *VerifyRequest) { b.TargetService = "" }},
		{"signature missing", func(b *VerifyRequest) { b.Signature = "" }},
		{"capability_token missing", func(b *VerifyRequest) { b.CapabilityToken = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupHandler(t, Config{})
			body := verifyBody()
			tt.mutate(&body)

			req := jsonRequest(t, http.MethodPost, "/verify", body)
			req.Header.Set(headerWorkspaceID, body.WorkspaceID)
			rec := f.serve(req)

			requireEnvelope(t, rec, http.StatusUnprocessableEntity, codeInvalidRequest)
			if f.engine.req != nil {
				t.Fatal("engine must not run on an invalid body")
			}
		})
	}
}

func TestHandleVerify_MalformedJSON(t *testing.T) {
	f := setupHandler(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader("{nope"))
	req.Header.Set(headerWorkspaceID, testWorkspaceID)
	rec := f.serve(req)

	requireEnvelope(t, rec, http.StatusUnprocessableEntity, codeInvalidRequest)
}

func TestHandleVerify_EngineFailure(t *testing.T) {
	f := setupHandler(t, Config{})
	f.engine.err = errors.New("db down")

	req := jsonRequest(t, http.MethodPost, "/verify", verifyBody())
	req.Header.Set(headerWorkspaceID, testWorkspaceID)
	rec := f.serve(req)

	requireEnvelope(t, rec, http.StatusInternalServerError, codeInternalError)
}

// --- capabilities -----------------------------------------------------------

func capabilityBody() CapabilityRequest {
	return CapabilityRequest{
		WorkspaceID:     testWorkspaceID,
		AgentID:         testAgentID,
		Action:          "invoke_tool",
		TargetService:   "payments-api",
		RequestedScopes: []string{"purchase"},
		TTLMinutes:      10,
	}
}

func TestHandleCapabilityRequest_OK(t *testing.T) {
	f := setupHandler(t, Config{})

	req := jsonRequest(t, http.MethodPost, "/capabilities/request", capabilityBody())
	req.Header.Set(headerWorkspaceID, testWorkspaceID)
	rec := f.serve(req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body %s)", rec.Code, rec.Body.String())
	}

	resp := decodeJSON[CapabilityResponse](t, rec)
	if resp.JTI != testJTI {
		t.Fatalf("expected jti %q, got %q", testJTI, resp.JTI)
	}
	if resp.Token != "signed."+testJTI {
		t.Fatalf("unexpected token %q", resp.Token)
	}
	if !resp.ExpiresAt.After(resp.IssuedAt) {
		t.Fatal("expires_at must be after issued_at")
	}

	if f.issuer.issueReq == nil {
		t.Fatal("issuer was not called")
	}
	if f.issuer.issueReq.TTLMinutes != 10 {
		t.Fatalf("ttl_minutes not forwarded, got %d", f.issuer.issueReq.TTLMinutes)
	}
	if len(f.issuer.issueReq.RequestedScopes) != 1 || f.issuer.issueReq.RequestedScopes[0] != "purchase" {
		t.Fatalf("scopes not forwarded: %v", f.issuer.issueReq.RequestedScopes)
	}
}

func TestHandleCapabilityRequest_AgentNotFound(t *testing.T) {
	f := setupHandler(t, Config{})
	f.issuer.issueErr = capability.ErrAgentNotFound

	req := jsonRequest(t, http.MethodPost, "/capabilities/request", capabilityBody())
	req.Header.Set(headerWorkspaceID, testWorkspaceID)
	rec := f.serve(req)

	requireEnvelope(t, rec, http.StatusNotFound, codeAgentNotFound)
}

func TestHandleCapabilityRequest_AgentRevoked(t *testing.T) {
	f := setupHandler(t, Config{})
	f.issuer.issueErr = capability.ErrAgentRevoked

	req := jsonRequest(t, http.MethodPost, "/capabilities/request", capabilityBody())
	req.Header.Set(headerWorkspaceID, testWorkspaceID)
	rec := f.serve(req)

	requireEnvelope(t, rec, http.StatusForbidden, codeAgentRevoked)
}

func TestHandleCapabilityRequest_HeaderMismatch(t *testing.T) {
	f := setupHandler(t, Config{})

	req := jsonRequest(t, http.MethodPost, "/capabilities/request", capabilityBody())
	req.Header.Set(headerWorkspaceID, otherWorkspaceID)
	rec := f.serve(req)

	requireEnvelope(t, rec, http.StatusForbidden, codeWorkspaceMismatch)
	if f.issuer.issueReq != nil {
		t.Fatal("issuer must not run on a header mismatch")
	}
}

func TestHandleCapabilityRequest_NegativeTTL(t *testing.T) {
	f := setupHandler(t, Config{})
	body := capabilityBody()
	body.TTLMinutes = -1

	req := jsonRequest(t, http.MethodPost, "/capabilities/request", body)
	req.Header.Set(headerWorkspaceID, testWorkspaceID)
	rec := f.serve(req)

	requireEnvelope(t, rec, http.StatusUnprocessableEntity, codeInvalidRequest)
}

func TestHandleCapabilityRevoke_OK(t *testing.T) {
	f := setupHandler(t, Config{})

	body := CapabilityRevokeBody{WorkspaceID: testWorkspaceID, Reason: "compromised key"}
	req := jsonRequest(t, http.MethodPost, "/capabilities/"+testJTI+"/revoke", body)
	req.Header.Set(headerWorkspaceID, testWorkspaceID)
	rec := f.serve(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	resp := decodeJSON[CapabilityRevokeResponse](t, rec)
	if resp.JTI != testJTI || resp.Status != "revoked" {
		t.Fatalf("unexpected revoke response: %+v", resp)
	}

	if f.issuer.revokeReq == nil {
		t.Fatal("issuer revoke was not called")
	}
	if f.issuer.revokeReq.JTI != testJTI {
		t.Fatalf("jti from path not forwarded, got %q", f.issuer.revokeReq.JTI)
	}
	if f.issuer.revokeReq.Reason != "compromised key" {
		t.Fatalf("reason not forwarded, got %q", f.issuer.revokeReq.Reason)
	}
}

func TestHandleCapabilityRevoke_NotFound(t *testing.T) {
	f := setupHandler(t, Config{})
	f.issuer.revokeErr = capability.ErrNotFound

	body := CapabilityRevokeBody{WorkspaceID: testWorkspaceID}
	req := jsonRequest(t, http.MethodPost, "/capabilities/"+testJTI+"/revoke", body)
	req.Header.Set(headerWorkspaceID, testWorkspaceID)
	rec := f.serve(req)

	requireEnvelope(t, rec, http.StatusNotFound, codeNotFound)
}
