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

// Package capability mints and revokes capability records and their tokens.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qurveai/limiq/internal/audit"
	"github.com/qurveai/limiq/internal/store"
	"github.com/qurveai/limiq/internal/token"
)

// Sentinel errors mapped to transport responses by the API layer.
var (
	ErrAgentNotFound = errors.New("capability: agent not found")
	ErrAgentRevoked  = errors.New("capability: agent revoked")
	ErrNotFound      = errors.New("capability: capability not found")
)

var issued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "limiq_capabilities_issued_total",
	Help: "Capability tokens minted.",
})

// Store is the persistence surface the issuer needs.
type Store interface {
	AgentByID(ctx context.Context, workspaceID, agentID string) (*store.Agent, error)
	ActiveBindingForAgent(ctx context.Context, workspaceID, agentID string) (*store.AgentPolicyBinding, error)
	PolicyByID(ctx context.Context, workspaceID, policyID string) (*store.Policy, error)
	CapabilityByJTI(ctx context.Context, jti string) (*store.Capability, error)
	CreateCapability(ctx context.Context, db store.DB, c *store.Capability) error
	UpdateCapabilityStatus(ctx context.Context, db store.DB, jti string, status store.Status) error
	CreateRevocation(ctx context.Context, db store.DB, r *store.Revocation) error
	WithTx(ctx context.Context, fn func(db store.DB) error) error
}

// TokenMinter signs capability tokens.
type TokenMinter interface {
	Issue(p token.IssueParams) (string, error)
}

// Blacklist receives revoked jtis for the fast path.
type Blacklist interface {
	MarkRevoked(ctx context.Context, jti string, expiresAt time.Time) error
}

// Appender writes audit events inside the issuer's transaction.
type Appender interface {
	Append(ctx context.Context, db store.DB, ev audit.Event) (*audit.Record, error)
}

// Config bounds capability lifetimes. A requested TTL of zero falls back to
// DefaultTTL; anything outside [MinTTL, MaxTTL] is clamped, not rejected.
type Config struct {
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
}

// IssueRequest asks for a capability on behalf of an agent.
type IssueRequest struct {
	WorkspaceID     string
	AgentID         string
	Action          string
	TargetService   string
	RequestedScopes []string
	RequestedLimits map[string]any
	TTLMinutes      int
}

// IssuedCapability is the result of a successful issuance. The token's jti
// claim equals JTI, which equals the stored row's jti.
type IssuedCapability struct {
	CapabilityID string
	JTI          string
	Token        string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// RevokeRequest kills a capability by jti within a workspace.
type RevokeRequest struct {
	WorkspaceID string
	JTI         string
	Reason      string
}

// Issuer mints capability rows and tokens and handles revocation.
type Issuer struct {
	store     Store
	minter    TokenMinter
	blacklist Blacklist
	audit     Appender
	cfg       Config
	log       logr.Logger
	now       func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(st Store, minter TokenMinter, blacklist Blacklist, appender Appender, cfg Config, log logr.Logger) *Issuer {
	return &Issuer{
		store:     st,
		minter:    minter,
		blacklist: blacklist,
		audit:     appender,
		cfg:       cfg,
		log:       log.WithName("capability"),
		now:       time.Now,
	}
}

// Issue validates the agent, snapshots its active policy binding, and writes
// the capability row together with its audit event in one transaction. The
// token is minted before the transaction so a signing failure never leaves a
// row behind.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*IssuedCapability, error) {
	agent, err := i.store.AgentByID(ctx, req.WorkspaceID, req.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	if agent.Status != store.StatusActive {
		return nil, ErrAgentRevoked
	}

	scopes := req.RequestedScopes
	if scopes == nil {
		scopes = []string{}
	}
	ttl := i.clampTTL(time.Duration(req.TTLMinutes) * time.Minute)
	now := i.now().UTC().Truncate(time.Second)
	jti := uuid.NewString()

	policyID, policyVersion, err := i.bindingSnapshot(ctx, req.WorkspaceID, req.AgentID)
	if err != nil {
		return nil, err
	}

	params := token.IssueParams{
		AgentID:     req.AgentID,
		WorkspaceID: req.WorkspaceID,
		Scopes:      scopes,
		Limits:      req.RequestedLimits,
		JTI:         jti,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	if policyID != nil {
		params.PolicyID = *policyID
		params.PolicyVersion = *policyVersion
	}
	signed, err := i.minter.Issue(params)
	if err != nil {
		return nil, fmt.Errorf("capability: mint token: %w", err)
	}

	c := &store.Capability{
		ID:            uuid.NewString(),
		WorkspaceID:   req.WorkspaceID,
		AgentID:       req.AgentID,
		JTI:           jti,
		Scopes:        scopes,
		Limits:        req.RequestedLimits,
		PolicyID:      policyID,
		PolicyVersion: policyVersion,
		Status:        store.StatusActive,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}

	err = i.store.WithTx(ctx, func(db store.DB) error {
		if err := i.store.CreateCapability(ctx, db, c); err != nil {
			return err
		}
		_, err := i.audit.Append(ctx, db, audit.Event{
			WorkspaceID: req.WorkspaceID,
			EventType:   audit.EventCapabilityIssued,
			SubjectType: audit.SubjectCapability,
			SubjectID:   c.ID,
			Data: map[string]any{
				"jti":            jti,
				"agent_id":       req.AgentID,
				"action":         req.Action,
				"target_service": req.TargetService,
				"scopes":         scopes,
				"ttl_minutes":    int(ttl / time.Minute),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	issued.Inc()
	i.log.Info("capability issued",
		"workspaceID", req.WorkspaceID, "agentID", req.AgentID,
		"jti", jti, "ttlMinutes", int(ttl/time.Minute))
	return &IssuedCapability{
		CapabilityID: c.ID,
		JTI:          jti,
		Token:        signed,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}, nil
}

// Revoke flips the row, writes the durable tombstone and the audit event in
// one transaction, then pushes the jti to the blacklist. A blacklist failure
// is logged and swallowed: the store is authoritative and the verifier falls
// back to it. Revoking an already revoked capability is a no-op that still
// records the attempt.
func (i *Issuer) Revoke(ctx context.Context, req RevokeRequest) error {
	c, err := i.store.CapabilityByJTI(ctx, req.JTI)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if c.WorkspaceID != req.WorkspaceID {
		// Cross-tenant probes must be indistinguishable from unknown jtis.
		return ErrNotFound
	}

	err = i.store.WithTx(ctx, func(db store.DB) error {
		if err := i.store.UpdateCapabilityStatus(ctx, db, req.JTI, store.StatusRevoked); err != nil {
			return err
		}
		rev := &store.Revocation{
			ID:          uuid.NewString(),
			WorkspaceID: c.WorkspaceID,
			JTI:         req.JTI,
			Reason:      req.Reason,
			CreatedAt:   i.now().UTC(),
		}
		if err := i.store.CreateRevocation(ctx, db, rev); err != nil {
			return err
		}
		_, err := i.audit.Append(ctx, db, audit.Event{
			WorkspaceID: c.WorkspaceID,
			EventType:   audit.EventCapabilityRevoked,
			SubjectType: audit.SubjectCapability,
			SubjectID:   c.ID,
			Data:        map[string]any{"jti": req.JTI, "reason": req.Reason},
		})
		return err
	})
	if err != nil {
		return err
	}

	if err := i.blacklist.MarkRevoked(ctx, req.JTI, c.ExpiresAt); err != nil {
		i.log.Error(err, "blacklist write failed after revocation", "jti", req.JTI)
	}
	i.log.Info("capability revoked", "workspaceID", c.WorkspaceID, "jti", req.JTI)
	return nil
}

func (i *Issuer) clampTTL(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return i.cfg.DefaultTTL
	case requested < i.cfg.MinTTL:
		return i.cfg.MinTTL
	case requested > i.cfg.MaxTTL:
		return i.cfg.MaxTTL
	}
	return requested
}

// bindingSnapshot captures the agent's bound policy at issuance time. A
// missing binding is not an error: the capability is stored without a
// snapshot and verification later denies with POLICY_NOT_BOUND.
func (i *Issuer) bindingSnapshot(ctx context.Context, workspaceID, agentID string) (*string, *int, error) {
	binding, err := i.store.ActiveBindingForAgent(ctx, workspaceID, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	pol, err := i.store.PolicyByID(ctx, workspaceID, binding.PolicyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &pol.ID, &pol.Version, nil
}
