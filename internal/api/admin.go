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
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/qurveai/limiq/internal/audit"
	"github.com/qurveai/limiq/internal/policy"
	"github.com/qurveai/limiq/internal/signing"
	"github.com/qurveai/limiq/internal/store"
)

// --- workspaces -------------------------------------------------------------

// WorkspaceCreateRequest is the body of POST /workspaces.
type WorkspaceCreateRequest struct {
	Name string `json:"name"`
}

func (h *Handler) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	if h.cfg.BootstrapToken != "" && r.Header.Get(headerBootstrapToken) != h.cfg.BootstrapToken {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid bootstrap token")
		return
	}

	var body WorkspaceCreateRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "name is required")
		return
	}

	ws := &store.Workspace{
		ID:        uuid.NewString(),
		Name:      body.Name,
		CreatedAt: h.now().UTC(),
	}

	err := h.store.WithTx(r.Context(), func(db store.DB) error {
		if err := h.store.CreateWorkspace(r.Context(), db, ws); err != nil {
			return err
		}
		_, err := h.audit.Append(r.Context(), db, audit.Event{
			WorkspaceID: ws.ID,
			EventType:   audit.EventWorkspaceCreated,
			SubjectType: audit.SubjectWorkspace,
			SubjectID:   ws.ID,
			Data:        map[string]any{"name": ws.Name},
		})
		return err
	})
	if err != nil {
		h.log.Error(err, "workspace creation failed", "name", body.Name)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, ws)
}

func (h *Handler) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("workspaceID")
	if err := requireUUID("workspace_id", id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	if !h.ensureWorkspaceHeader(w, r, id) {
		return
	}

	ws, err := h.store.WorkspaceByID(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeWorkspaceNotFound, "Workspace not found")
		return
	case err != nil:
		h.log.Error(err, "workspace lookup failed", "workspace_id", id)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, ws)
}

// --- agents -----------------------------------------------------------------

// AgentCreateRequest is the body of POST /agents. PublicKey is the base64
// encoding of a raw 32-byte Ed25519 key; the fingerprint is computed here,
// never accepted from the caller.
type AgentCreateRequest struct {
	WorkspaceID string            `json:"workspace_id"`
	Name        string            `json:"name"`
	PublicKey   string            `json:"public_key"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body AgentCreateRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "invalid JSON body")
		return
	}
	if err := requireUUID("workspace_id", body.WorkspaceID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "name is required")
		return
	}
	fingerprint, err := signing.Fingerprint(body.PublicKey)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest,
			"public_key must be a base64 Ed25519 public key")
		return
	}
	if !h.ensureWorkspaceHeader(w, r, body.WorkspaceID) {
		return
	}

	if _, err := h.store.WorkspaceByID(r.Context(), body.WorkspaceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeWorkspaceNotFound, "Workspace not found")
			return
		}
		h.log.Error(err, "workspace lookup failed", "workspace_id", body.WorkspaceID)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	agent := &store.Agent{
		ID:          uuid.NewString(),
		WorkspaceID: body.WorkspaceID,
		Name:        body.Name,
		PublicKey:   body.PublicKey,
		Fingerprint: fingerprint,
		Status:      store.StatusActive,
		Metadata:    body.Metadata,
		CreatedAt:   h.now().UTC(),
	}

	err = h.store.WithTx(r.Context(), func(db store.DB) error {
		if err := h.store.CreateAgent(r.Context(), db, agent); err != nil {
			return err
		}
		_, err := h.audit.Append(r.Context(), db, audit.Event{
			WorkspaceID: agent.WorkspaceID,
			EventType:   audit.EventAgentRegistered,
			SubjectType: audit.SubjectAgent,
			SubjectID:   agent.ID,
			Data:        map[string]any{"name": agent.Name, "fingerprint": agent.Fingerprint},
		})
		return err
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, codeInvalidRequest, "agent name or public key already registered")
		return
	case err != nil:
		h.log.Error(err, "agent registration failed", "workspace_id", body.WorkspaceID)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, agent)
}

func (h *Handler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("agentID")
	if err := requireUUID("agent_id", id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	ws, ok := h.workspaceFromHeader(w, r)
	if !ok {
		return
	}

	agent, err := h.store.AgentByID(r.Context(), ws, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "Agent not found")
		return
	case err != nil:
		h.log.Error(err, "agent lookup failed", "agent_id", id)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("agentID")
	if err := requireUUID("agent_id", id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	ws, ok := h.workspaceFromHeader(w, r)
	if !ok {
		return
	}

	agent, err := h.store.AgentByID(r.Context(), ws, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "Agent not found")
		return
	case err != nil:
		h.log.Error(err, "agent lookup failed", "agent_id", id)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	// Revoking an already-revoked agent repeats the same update and stays 200.
	err = h.store.WithTx(r.Context(), func(db store.DB) error {
		if err := h.store.UpdateAgentStatus(r.Context(), db, ws, id, store.StatusRevoked); err != nil {
			return err
		}
		_, err := h.audit.Append(r.Context(), db, audit.Event{
			WorkspaceID: ws,
			EventType:   audit.EventAgentRevoked,
			SubjectType: audit.SubjectAgent,
			SubjectID:   id,
			Data:        map[string]any{"name": agent.Name},
		})
		return err
	})
	if err != nil {
		h.log.Error(err, "agent revocation failed", "agent_id", id)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	agent.Status = store.StatusRevoked
	writeJSON(w, http.StatusOK, agent)
}

// --- bindings ---------------------------------------------------------------

// BindPolicyRequest is the body of POST /agents/{agentID}/bind_policy.
type BindPolicyRequest struct {
	WorkspaceID string `json:"workspace_id"`
	PolicyID    string `json:"policy_id"`
}

func (h *Handler) handleBindPolicy(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")
	if err := requireUUID("agent_id", agentID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}

	var body BindPolicyRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "invalid JSON body")
		return
	}
	if err := requireUUID("workspace_id", body.WorkspaceID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	if err := requireUUID("policy_id", body.PolicyID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	if !h.ensureWorkspaceHeader(w, r, body.WorkspaceID) {
		return
	}

	if _, err := h.store.AgentByID(r.Context(), body.WorkspaceID, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "Agent not found")
			return
		}
		h.log.Error(err, "agent lookup failed", "agent_id", agentID)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}
	pol, err := h.store.PolicyByID(r.Context(), body.WorkspaceID, body.PolicyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "Policy not found")
			return
		}
		h.log.Error(err, "policy lookup failed", "policy_id", body.PolicyID)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	binding := &store.AgentPolicyBinding{
		ID:          uuid.NewString(),
		WorkspaceID: body.WorkspaceID,
		AgentID:     agentID,
		PolicyID:    body.PolicyID,
		Status:      store.StatusActive,
		CreatedAt:   h.now().UTC(),
	}

	err = h.store.WithTx(r.Context(), func(db store.DB) error {
		if err := h.store.CreateBinding(r.Context(), db, binding); err != nil {
			return err
		}
		_, err := h.audit.Append(r.Context(), db, audit.Event{
			WorkspaceID: binding.WorkspaceID,
			EventType:   audit.EventAgentPolicyBound,
			SubjectType: audit.SubjectAgent,
			SubjectID:   agentID,
			Data: map[string]any{
				"policy_id":      pol.ID,
				"policy_version": pol.Version,
				"binding_id":     binding.ID,
			},
		})
		return err
	})
	if err != nil {
		h.log.Error(err, "policy binding failed", "agent_id", agentID, "policy_id", body.PolicyID)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, binding)
}

// --- policies ---------------------------------------------------------------

// PolicyCreateRequest is the body of POST /policies. Version is chosen by
// the caller; colliding with an existing (workspace, name, version) is a
// conflict, not an overwrite.
type PolicyCreateRequest struct {
	WorkspaceID   string         `json:"workspace_id"`
	Name          string         `json:"name"`
	Version       int            `json:"version"`
	SchemaVersion int            `json:"schema_version,omitempty"`
	PolicyJSON    map[string]any `json:"policy_json"`
}

func (h *Handler) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var body PolicyCreateRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "invalid JSON body")
		return
	}
	if err := requireUUID("workspace_id", body.WorkspaceID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "name is required")
		return
	}
	if body.Version < 1 {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "version must be at least 1")
		return
	}
	if body.PolicyJSON == nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "policy_json is required")
		return
	}
	if !h.ensureWorkspaceHeader(w, r, body.WorkspaceID) {
		return
	}

	if _, err := h.store.WorkspaceByID(r.Context(), body.WorkspaceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeWorkspaceNotFound, "Workspace not found")
			return
		}
		h.log.Error(err, "workspace lookup failed", "workspace_id", body.WorkspaceID)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	if _, err := policy.ValidateDocument(body.PolicyJSON); err != nil {
		var schemaErr *policy.SchemaError
		if errors.As(err, &schemaErr) {
			writeError(w, http.StatusUnprocessableEntity, codePolicySchemaInvalid, schemaErr.Error())
			return
		}
		h.log.Error(err, "policy validation failed", "workspace_id", body.WorkspaceID)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	doc, err := json.Marshal(body.PolicyJSON)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, "policy_json is not serializable")
		return
	}
	schemaVersion := body.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = policy.SchemaVersion
	}

	pol := &store.Policy{
		ID:            uuid.NewString(),
		WorkspaceID:   body.WorkspaceID,
		Name:          body.Name,
		Version:       body.Version,
		SchemaVersion: schemaVersion,
		IsActive:      true,
		Document:      doc,
		CreatedAt:     h.now().UTC(),
	}

	err = h.store.WithTx(r.Context(), func(db store.DB) error {
		if err := h.store.CreatePolicy(r.Context(), db, pol); err != nil {
			return err
		}
		_, err := h.audit.Append(r.Context(), db, audit.Event{
			WorkspaceID: pol.WorkspaceID,
			EventType:   audit.EventPolicyCreated,
			SubjectType: audit.SubjectPolicy,
			SubjectID:   pol.ID,
			Data: map[string]any{
				"workspace_id": pol.WorkspaceID,
				"name":         pol.Name,
				"version":      pol.Version,
			},
		})
		return err
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, codePolicyVersionExists, "Policy version already exists")
		return
	case err != nil:
		h.log.Error(err, "policy creation failed", "workspace_id", body.WorkspaceID, "name", body.Name)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, pol)
}

func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("policyID")
	if err := requireUUID("policy_id", id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	ws, ok := h.workspaceFromHeader(w, r)
	if !ok {
		return
	}

	pol, err := h.store.PolicyByID(r.Context(), ws, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "Policy not found")
		return
	case err != nil:
		h.log.Error(err, "policy lookup failed", "policy_id", id)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, pol)
}
