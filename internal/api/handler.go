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

// Package api exposes the verification control plane over HTTP: the verify
// endpoint, capability issuance and revocation, the admin surface for
// workspaces, agents and policies, and the audit export routes.
//
// Input validation happens here, before any engine or store call, so a
// malformed request never produces an audit event. Decision outcomes are
// always 200; the error envelope is reserved for transport failures.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/qurveai/limiq/internal/audit"
	"github.com/qurveai/limiq/internal/capability"
	"github.com/qurveai/limiq/internal/store"
	"github.com/qurveai/limiq/internal/token"
	"github.com/qurveai/limiq/internal/verify"
)

// Request headers.
const (
	headerWorkspaceID    = "X-Workspace-Id"
	headerBootstrapToken = "X-Bootstrap-Token"
)

// VerifyEngine decides signed action requests.
type VerifyEngine interface {
	Verify(ctx context.Context, req verify.Request) (*verify.Result, error)
}

// CapabilityIssuer mints and revokes capability tokens.
type CapabilityIssuer interface {
	Issue(ctx context.Context, req capability.IssueRequest) (*capability.IssuedCapability, error)
	Revoke(ctx context.Context, req capability.RevokeRequest) error
}

// Store is the slice of the control-plane store the HTTP layer touches.
// *postgres.Provider satisfies it.
type Store interface {
	WorkspaceByID(ctx context.Context, workspaceID string) (*store.Workspace, error)
	AgentByID(ctx context.Context, workspaceID, agentID string) (*store.Agent, error)
	PolicyByID(ctx context.Context, workspaceID, policyID string) (*store.Policy, error)
	CreateWorkspace(ctx context.Context, db store.DB, w *store.Workspace) error
	CreateAgent(ctx context.Context, db store.DB, a *store.Agent) error
	UpdateAgentStatus(ctx context.Context, db store.DB, workspaceID, agentID string, status store.Status) error
	CreatePolicy(ctx context.Context, db store.DB, pol *store.Policy) error
	CreateBinding(ctx context.Context, db store.DB, b *store.AgentPolicyBinding) error
	WithTx(ctx context.Context, fn func(db store.DB) error) error
	DB() store.DB
	Ping(ctx context.Context) error
}

// AuditLog appends admin events and serves the export routes.
// *audit.Appender satisfies it.
type AuditLog interface {
	Append(ctx context.Context, db store.DB, ev audit.Event) (*audit.Record, error)
	ListEvents(ctx context.Context, db store.DB, workspaceID string, opts audit.ListOpts) ([]*audit.Record, error)
	VerifyChain(ctx context.Context, db store.DB, workspaceID string) (*audit.ChainReport, error)
}

// Pinger reports reachability of a dependency for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the handler.
type Config struct {
	// BootstrapToken guards workspace creation. Empty disables the guard.
	BootstrapToken string

	// AuditExportMaxRows caps the rows returned by one audit export.
	AuditExportMaxRows int
}

const defaultExportMaxRows = 10000

// Handler serves the control-plane HTTP surface.
type Handler struct {
	store  Store
	engine VerifyEngine
	issuer CapabilityIssuer
	audit  AuditLog
	cache  Pinger
	cfg    Config
	log    logr.Logger
	now    func() time.Time
}

// NewHandler creates the API handler.
func NewHandler(st Store, engine VerifyEngine, issuer CapabilityIssuer, auditLog AuditLog, cache Pinger, cfg Config, log logr.Logger) *Handler {
	if cfg.AuditExportMaxRows <= 0 {
		cfg.AuditExportMaxRows = defaultExportMaxRows
	}
	return &Handler{
		store:  st,
		engine: engine,
		issuer: issuer,
		audit:  auditLog,
		cache:  cache,
		cfg:    cfg,
		log:    log.WithName("api"),
		now:    time.Now,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /verify", h.handleVerify)
	mux.HandleFunc("POST /capabilities/request", h.handleCapabilityRequest)
	mux.HandleFunc("POST /capabilities/{jti}/revoke", h.handleCapabilityRevoke)
	mux.HandleFunc("POST /workspaces", h.handleCreateWorkspace)
	mux.HandleFunc("GET /workspaces/{workspaceID}", h.handleGetWorkspace)
	mux.HandleFunc("POST /agents", h.handleRegisterAgent)
	mux.HandleFunc("GET /agents/{agentID}", h.handleGetAgent)
	mux.HandleFunc("POST /agents/{agentID}/revoke", h.handleRevokeAgent)
	mux.HandleFunc("POST /agents/{agentID}/bind_policy", h.handleBindPolicy)
	mux.HandleFunc("POST /policies", h.handleCreatePolicy)
	mux.HandleFunc("GET /policies/{policyID}", h.handleGetPolicy)
	mux.HandleFunc("GET /audit/events", h.handleAuditEvents)
	mux.HandleFunc("GET /audit/verify", h.handleAuditVerify)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
}

// --- verify -----------------------------------------------------------------

// VerifyRequest is the body of POST /verify.
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

// VerifyResponse is the 200 body of POST /verify. ReasonCode is null for
// ALLOW and always serialized so clients can switch on it.
type VerifyResponse struct {
	Decision     string  `json:"decision"`
	ReasonCode   *string `json:"reason_code"`
	AuditEventID string  `json:"audit_event_id"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var body VerifyRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "invalid JSON body")
		return
	}
	if err := validateVerifyRequest(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	if !h.ensureWorkspaceHeader(w, r, body.WorkspaceID) {
		return
	}

	res, err := h.engine.Verify(r.Context(), verify.Request{
		WorkspaceID:     body.WorkspaceID,
		AgentID:         body.AgentID,
		ActionType:      body.ActionType,
		TargetService:   body.TargetService,
		Payload:         body.Payload,
		Signature:       body.Signature,
		CapabilityToken: body.CapabilityToken,
		RequestContext:  body.RequestContext,
	})
	if err != nil {
		h.log.Error(err, "verify pipeline failed",
			"workspace_id", body.WorkspaceID, "agent_id", body.AgentID)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	latency := time.Since(start)
	verifyDuration.WithLabelValues(res.Decision).Observe(latency.Seconds())

	reason := ""
	if res.ReasonCode != nil {
		reason = *res.ReasonCode
	}
	h.log.Info("verify_decision",
		"workspace_id", body.WorkspaceID,
		"agent_id", body.AgentID,
		"jti", token.UnverifiedJTI(body.CapabilityToken),
		"decision", res.Decision,
		"reason_code", reason,
		"audit_event_id", res.AuditEventID,
		"path", r.URL.Path,
		"method", r.Method,
		"latency_ms", float64(latency.Microseconds())/1000.0,
	)

	writeJSON(w, http.StatusOK, VerifyResponse{
		Decision:     res.Decision,
		ReasonCode:   res.ReasonCode,
		AuditEventID: res.AuditEventID,
	})
}

func validateVerifyRequest(body *VerifyRequest) error {
	if err := requireUUID("workspace_id", body.WorkspaceID); err != nil {
		return err
	}
	if err := requireUUID("agent_id", body.AgentID); err != nil {
		return err
	}
	if body.ActionType == "" {
		return errors.New("action_type is required")
	}
	if body.TargetService == "" {
		return errors.New("target_service is required")
	}
	if body.Signature == "" {
		return errors.New("signature is required")
	}
	if body.CapabilityToken == "" {
		return errors.New("capability_token is required")
	}
	return nil
}

// --- capabilities -----------------------------------------------------------

// CapabilityRequest is the body of POST /capabilities/request.
type CapabilityRequest struct {
	WorkspaceID     string         `json:"workspace_id"`
	AgentID         string         `json:"agent_id"`
	Action          string         `json:"action"`
	TargetService   string         `json:"target_service"`
	RequestedScopes []string       `json:"requested_scopes,omitempty"`
	RequestedLimits map[string]any `json:"requested_limits,omitempty"`
	TTLMinutes      int            `json:"ttl_minutes,omitempty"`
}

// CapabilityResponse is the 201 body of POST /capabilities/request.
type CapabilityResponse struct {
	Token     string    `json:"token"`
	JTI       string    `json:"jti"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CapabilityRevokeBody is the body of POST /capabilities/{jti}/revoke.
type CapabilityRevokeBody struct {
	WorkspaceID string `json:"workspace_id"`
	Reason      string `json:"reason,omitempty"`
}

// CapabilityRevokeResponse is the 200 body of POST /capabilities/{jti}/revoke.
type CapabilityRevokeResponse struct {
	JTI    string `json:"jti"`
	Status string `json:"status"`
}

func (h *Handler) handleCapabilityRequest(w http.ResponseWriter, r *http.Request) {
	var body CapabilityRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "invalid JSON body")
		return
	}
	if err := validateCapabilityRequest(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	if !h.ensureWorkspaceHeader(w, r, body.WorkspaceID) {
		return
	}

	issued, err := h.issuer.Issue(r.Context(), capability.IssueRequest{
		WorkspaceID:     body.WorkspaceID,
		AgentID:         body.AgentID,
		Action:          body.Action,
		TargetService:   body.TargetService,
		RequestedScopes: body.RequestedScopes,
		RequestedLimits: body.RequestedLimits,
		TTLMinutes:      body.TTLMinutes,
	})
	switch {
	case errors.Is(err, capability.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, codeAgentNotFound, "Agent not found")
		return
	case errors.Is(err, capability.ErrAgentRevoked):
		writeError(w, http.StatusForbidden, codeAgentRevoked, "Agent is revoked")
		return
	case err != nil:
		h.log.Error(err, "capability issuance failed",
			"workspace_id", body.WorkspaceID, "agent_id", body.AgentID)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, CapabilityResponse{
		Token:     issued.Token,
		JTI:       issued.JTI,
		IssuedAt:  issued.IssuedAt,
		ExpiresAt: issued.ExpiresAt,
	})
}

func validateCapabilityRequest(body *CapabilityRequest) error {
	if err := requireUUID("workspace_id", body.WorkspaceID); err != nil {
		return err
	}
	if err := requireUUID("agent_id", body.AgentID); err != nil {
		return err
	}
	if body.Action == "" {
		return errors.New("action is required")
	}
	if body.TargetService == "" {
		return errors.New("target_service is required")
	}
	if body.TTLMinutes < 0 {
		return errors.New("ttl_minutes must not be negative")
	}
	return nil
}

func (h *Handler) handleCapabilityRevoke(w http.ResponseWriter, r *http.Request) {
	jti := r.PathValue("jti")

	var body CapabilityRevokeBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "invalid JSON body")
		return
	}
	if err := requireUUID("workspace_id", body.WorkspaceID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	if !h.ensureWorkspaceHeader(w, r, body.WorkspaceID) {
		return
	}

	err := h.issuer.Revoke(r.Context(), capability.RevokeRequest{
		WorkspaceID: body.WorkspaceID,
		JTI:         jti,
		Reason:      body.Reason,
	})
	switch {
	case errors.Is(err, capability.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "Capability not found")
		return
	case err != nil:
		h.log.Error(err, "capability revocation failed",
			"workspace_id", body.WorkspaceID, "jti", jti)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, CapabilityRevokeResponse{JTI: jti, Status: "revoked"})
}

// --- shared helpers ---------------------------------------------------------

// decodeBody decodes the JSON request body into dst. Unknown fields are
// tolerated; absent fields keep their zero values and are caught by the
// per-route validators.
func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// requireUUID validates an identifier taken from a path, header, or body.
func requireUUID(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if _, err := uuid.Parse(value); err != nil {
		return fmt.Errorf("%s must be a UUID", field)
	}
	return nil
}

// ensureWorkspaceHeader enforces X-Workspace-Id against the workspace the
// request addresses. A mismatch is a transport 403; nothing is audited.
func (h *Handler) ensureWorkspaceHeader(w http.ResponseWriter, r *http.Request, workspaceID string) bool {
	if got := r.Header.Get(headerWorkspaceID); got != workspaceID {
		writeError(w, http.StatusForbidden, codeWorkspaceMismatch,
			"X-Workspace-Id header does not match workspace_id")
		return false
	}
	return true
}

// workspaceFromHeader reads the tenant for routes that carry no workspace in
// the body. A missing or malformed header reads the same as a mismatch.
func (h *Handler) workspaceFromHeader(w http.ResponseWriter, r *http.Request) (string, bool) {
	ws := r.Header.Get(headerWorkspaceID)
	if err := requireUUID(headerWorkspaceID, ws); err != nil {
		writeError(w, http.StatusForbidden, codeWorkspaceMismatch,
			"X-Workspace-Id header is required")
		return "", false
	}
	return ws, true
}
