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

// Package verify implements the decision pipeline for signed agent actions.
// Every request produces at least two audit events in the workspace chain:
// one when verification starts and one carrying the decision. The gates run
// strictly in order and the first failing gate determines the deny reason,
// so a caller can never learn about a later gate (for example whether a
// policy is bound) from a request that already failed an earlier one.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qurveai/limiq/internal/audit"
	"github.com/qurveai/limiq/internal/policy"
	"github.com/qurveai/limiq/internal/store"
	"github.com/qurveai/limiq/internal/token"
	"github.com/qurveai/limiq/pkg/canonical"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "limiq_verify_decisions_total",
	Help: "Verification decisions by outcome and deny reason.",
}, []string{"decision", "reason_code"})

// Store is the persistence surface the engine reads from. Writes happen
// only through the audit appender inside WithTx.
type Store interface {
	AgentByID(ctx context.Context, workspaceID, agentID string) (*store.Agent, error)
	CapabilityByJTI(ctx context.Context, jti string) (*store.Capability, error)
	RevocationExists(ctx context.Context, jti string) (bool, error)
	ActiveBindingForAgent(ctx context.Context, workspaceID, agentID string) (*store.AgentPolicyBinding, error)
	PolicyByID(ctx context.Context, workspaceID, policyID string) (*store.Policy, error)
	WithTx(ctx context.Context, fn func(db store.DB) error) error
}

// DecisionCache serves the revocation blacklist and rate counters.
type DecisionCache interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	AllowRate(ctx context.Context, workspaceID, agentID, actionType string, limit int) (bool, error)
}

// TokenDecoder validates capability tokens.
type TokenDecoder interface {
	Decode(tokenString string) token.DecodeResult
}

// SignatureVerifier checks an agent's Ed25519 signature over a digest.
type SignatureVerifier interface {
	Verify(publicKeyB64 string, message []byte, signatureB64 string) bool
}

// Appender writes audit events inside the engine's transaction.
type Appender interface {
	Append(ctx context.Context, db store.DB, ev audit.Event) (*audit.Record, error)
}

// Request is a signed action submitted for verification.
type Request struct {
	WorkspaceID     string
	AgentID         string
	ActionType      string
	TargetService   string
	Payload         map[string]any
	Signature       string
	CapabilityToken string

	// RequestContext is caller-supplied metadata. It is logged but takes
	// no part in the decision.
	RequestContext map[string]any
}

// Result is the outcome of a verification. ReasonCode is nil for ALLOW.
type Result struct {
	Decision     string
	ReasonCode   *string
	AuditEventID string
}

// Engine runs the verification pipeline.
type Engine struct {
	store    Store
	cache    DecisionCache
	codec    TokenDecoder
	verifier SignatureVerifier
	audit    Appender
	log      logr.Logger
}

// NewEngine creates an Engine.
func NewEngine(st Store, cache DecisionCache, codec TokenDecoder, verifier SignatureVerifier, appender Appender, log logr.Logger) *Engine {
	return &Engine{
		store:    st,
		cache:    cache,
		codec:    codec,
		verifier: verifier,
		audit:    appender,
		log:      log.WithName("verify"),
	}
}

// Verify decides ALLOW or DENY for req. The request event, the decision
// event and the decision itself commit atomically: a result is returned
// only once both events are durable in the workspace chain.
func (e *Engine) Verify(ctx context.Context, req Request) (*Result, error) {
	var res *Result
	err := e.store.WithTx(ctx, func(db store.DB) error {
		r, err := e.run(ctx, db, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	reason := ""
	if res.ReasonCode != nil {
		reason = *res.ReasonCode
	}
	decisions.WithLabelValues(res.Decision, reason).Inc()
	if res.Decision == DecisionDeny {
		e.log.Info("action denied",
			"workspaceID", req.WorkspaceID, "agentID", req.AgentID,
			"actionType", req.ActionType, "reasonCode", reason)
	} else {
		e.log.V(1).Info("action allowed",
			"workspaceID", req.WorkspaceID, "agentID", req.AgentID,
			"actionType", req.ActionType)
	}
	return res, nil
}

func (e *Engine) run(ctx context.Context, db store.DB, req Request) (*Result, error) {
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	_, err := e.audit.Append(ctx, db, audit.Event{
		WorkspaceID: req.WorkspaceID,
		EventType:   audit.EventVerificationRequested,
		SubjectType: audit.SubjectAgent,
		SubjectID:   req.AgentID,
		Data: map[string]any{
			"workspace_id":   req.WorkspaceID,
			"agent_id":       req.AgentID,
			"action_type":    req.ActionType,
			"target_service": req.TargetService,
		},
	})
	if err != nil {
		return nil, err
	}

	agent, err := e.store.AgentByID(ctx, req.WorkspaceID, req.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return e.deny(ctx, db, req, ReasonAgentNotFound, nil)
	}
	if err != nil {
		return nil, err
	}
	if agent.Status != store.StatusActive {
		return e.deny(ctx, db, req, ReasonAgentRevoked, nil)
	}

	decoded := e.codec.Decode(req.CapabilityToken)
	switch decoded.Status {
	case token.StatusExpired:
		return e.deny(ctx, db, req, ReasonCapabilityExpired, nil)
	case token.StatusInvalid:
		return e.deny(ctx, db, req, ReasonCapabilityInvalid, nil)
	}
	claims := decoded.Claims
	jti := claims.ID
	withJTI := map[string]any{"jti": jti}

	if claims.Subject != req.AgentID || claims.WorkspaceID != req.WorkspaceID {
		return e.deny(ctx, db, req, ReasonWorkspaceMismatch, withJTI)
	}

	// The blacklist is a fast path only. A probe failure falls through to
	// the store, which stays the source of truth for revocation.
	revoked, cerr := e.cache.IsRevoked(ctx, jti)
	if cerr == nil && revoked {
		return e.deny(ctx, db, req, ReasonCapabilityRevoked, withJTI)
	}

	capability, err := e.store.CapabilityByJTI(ctx, jti)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if capability == nil || capability.Status != store.StatusActive {
		return e.deny(ctx, db, req, ReasonCapabilityRevoked, withJTI)
	}

	tombstoned, err := e.store.RevocationExists(ctx, jti)
	if err != nil {
		return nil, err
	}
	if tombstoned {
		return e.deny(ctx, db, req, ReasonCapabilityRevoked, withJTI)
	}

	tool := ""
	if v, ok := payload["tool"]; ok && v != nil {
		tool = fmt.Sprint(v)
	}
	if !policy.ScopesAllowAction(claims.Scopes, req.ActionType, tool) {
		return e.deny(ctx, db, req, ReasonCapabilityScopeMismatch, withJTI)
	}

	envelope := map[string]any{
		"agent_id":       req.AgentID,
		"workspace_id":   req.WorkspaceID,
		"action_type":    req.ActionType,
		"target_service": req.TargetService,
		"payload":        payload,
		"capability_jti": jti,
	}
	digest, err := canonical.Digest(envelope)
	if err != nil {
		return nil, fmt.Errorf("verify: canonicalize envelope: %w", err)
	}
	if !e.verifier.Verify(agent.PublicKey, digest[:], req.Signature) {
		return e.deny(ctx, db, req, ReasonSignatureInvalid, withJTI)
	}

	binding, err := e.store.ActiveBindingForAgent(ctx, req.WorkspaceID, req.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return e.deny(ctx, db, req, ReasonPolicyNotBound, withJTI)
	}
	if err != nil {
		return nil, err
	}

	pol, err := e.store.PolicyByID(ctx, req.WorkspaceID, binding.PolicyID)
	if errors.Is(err, store.ErrNotFound) {
		return e.deny(ctx, db, req, ReasonPolicyNotBound, withJTI)
	}
	if err != nil {
		return nil, err
	}
	if !pol.IsActive {
		return e.deny(ctx, db, req, ReasonPolicyNotBound, withJTI)
	}

	doc, err := policy.ParseDocument(pol.Document)
	if err != nil {
		return nil, fmt.Errorf("verify: policy %s: %w", pol.ID, err)
	}

	if !doc.AllowsSpend(payload) {
		return e.deny(ctx, db, req, ReasonSpendLimitExceeded, withJTI)
	}

	if limit, ok := doc.MaxActionsPerMin(); ok {
		allowed, err := e.cache.AllowRate(ctx, req.WorkspaceID, req.AgentID, req.ActionType, limit)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return e.deny(ctx, db, req, ReasonRateLimitExceeded, withJTI)
		}
	}

	return e.decision(ctx, db, req, DecisionAllow, nil, withJTI)
}

func (e *Engine) deny(ctx context.Context, db store.DB, req Request, reason string, extra map[string]any) (*Result, error) {
	data := map[string]any{"reason": reason}
	for k, v := range extra {
		data[k] = v
	}
	return e.decision(ctx, db, req, DecisionDeny, &reason, data)
}

func (e *Engine) decision(ctx context.Context, db store.DB, req Request, decision string, reasonCode *string, data map[string]any) (*Result, error) {
	eventType := audit.EventVerificationDenied
	if decision == DecisionAllow {
		eventType = audit.EventVerificationAllowed
	}

	enriched := map[string]any{
		"decision":       decision,
		"reason_code":    nil,
		"action_type":    req.ActionType,
		"target_service": req.TargetService,
	}
	if reasonCode != nil {
		enriched["reason_code"] = *reasonCode
	}
	for k, v := range data {
		enriched[k] = v
	}

	rec, err := e.audit.Append(ctx, db, audit.Event{
		WorkspaceID: req.WorkspaceID,
		EventType:   eventType,
		SubjectType: audit.SubjectAgent,
		SubjectID:   req.AgentID,
		Data:        enriched,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Decision: decision, ReasonCode: reasonCode, AuditEventID: rec.ID}, nil
}
