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

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/qurveai/limiq/internal/pgutil"
	"github.com/qurveai/limiq/internal/store"
)

// uniqueViolation reports whether err is a unique_violation (SQLSTATE 23505).
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateWorkspace inserts a workspace.
func CreateWorkspace(ctx context.Context, db store.DB, w *store.Workspace) error {
	query := `INSERT INTO workspaces (id, name, created_at) VALUES ($1, $2, $3)`

	if _, err := db.Exec(ctx, query, w.ID, w.Name, w.CreatedAt); err != nil {
		if uniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("postgres: create workspace: %w", err)
	}
	return nil
}

// CreateAgent inserts an agent. Returns store.ErrConflict when the name is
// already taken in the workspace.
func CreateAgent(ctx context.Context, db store.DB, a *store.Agent) error {
	query := `INSERT INTO agents (id, workspace_id, name, public_key, fingerprint, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := db.Exec(ctx, query,
		a.ID, a.WorkspaceID, a.Name, a.PublicKey, a.Fingerprint,
		a.Status, pgutil.MarshalJSONB(a.Metadata), a.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("postgres: create agent: %w", err)
	}
	return nil
}

// UpdateAgentStatus flips an agent's lifecycle status.
func UpdateAgentStatus(ctx context.Context, db store.DB, workspaceID, agentID string, status store.Status) error {
	query := `UPDATE agents SET status=$3 WHERE id=$1 AND workspace_id=$2`

	res, err := db.Exec(ctx, query, agentID, workspaceID, status)
	if err != nil {
		return fmt.Errorf("postgres: update agent status: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreatePolicy inserts a policy version. Returns store.ErrConflict when the
// (workspace, name, version) triple already exists.
func CreatePolicy(ctx context.Context, db store.DB, pol *store.Policy) error {
	query := `INSERT INTO policies (id, workspace_id, name, version, schema_version, is_active, policy_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := db.Exec(ctx, query,
		pol.ID, pol.WorkspaceID, pol.Name, pol.Version, pol.SchemaVersion,
		pol.IsActive, pol.Document, pol.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("postgres: create policy: %w", err)
	}
	return nil
}

// CreateBinding revokes any active binding the agent holds and inserts the
// new one, keeping at most one binding active per agent.
func CreateBinding(ctx context.Context, db store.DB, b *store.AgentPolicyBinding) error {
	revoke := `UPDATE agent_policy_bindings SET status=$4
		WHERE workspace_id=$1 AND agent_id=$2 AND status=$3`

	if _, err := db.Exec(ctx, revoke, b.WorkspaceID, b.AgentID, store.StatusActive, store.StatusRevoked); err != nil {
		return fmt.Errorf("postgres: revoke prior bindings: %w", err)
	}

	insert := `INSERT INTO agent_policy_bindings (id, workspace_id, agent_id, policy_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := db.Exec(ctx, insert, b.ID, b.WorkspaceID, b.AgentID, b.PolicyID, b.Status, b.CreatedAt); err != nil {
		return fmt.Errorf("postgres: create binding: %w", err)
	}
	return nil
}

// CreateCapability records an issued capability. Returns store.ErrConflict
// when the jti was already recorded.
func CreateCapability(ctx context.Context, db store.DB, c *store.Capability) error {
	scopes, err := json.Marshal(scopesEnvelope{Items: c.Scopes})
	if err != nil {
		return fmt.Errorf("postgres: encode capability scopes: %w", err)
	}
	limits := []byte("{}")
	if c.Limits != nil {
		if limits, err = json.Marshal(c.Limits); err != nil {
			return fmt.Errorf("postgres: encode capability limits: %w", err)
		}
	}

	query := `INSERT INTO capabilities (id, workspace_id, agent_id, jti, scopes, limits, policy_id, policy_version, status, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = db.Exec(ctx, query,
		c.ID, c.WorkspaceID, c.AgentID, c.JTI, scopes, limits,
		c.PolicyID, c.PolicyVersion, c.Status, c.IssuedAt, c.ExpiresAt,
	)
	if err != nil {
		if uniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("postgres: create capability: %w", err)
	}
	return nil
}

// UpdateCapabilityStatus flips a capability's lifecycle status by jti.
func UpdateCapabilityStatus(ctx context.Context, db store.DB, jti string, status store.Status) error {
	query := `UPDATE capabilities SET status=$2 WHERE jti=$1`

	res, err := db.Exec(ctx, query, jti, status)
	if err != nil {
		return fmt.Errorf("postgres: update capability status: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateRevocation writes a tombstone for a revoked jti.
func CreateRevocation(ctx context.Context, db store.DB, r *store.Revocation) error {
	query := `INSERT INTO revocations (id, workspace_id, jti, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := db.Exec(ctx, query, r.ID, r.WorkspaceID, r.JTI, pgutil.NullString(r.Reason), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create revocation: %w", err)
	}
	return nil
}

// --- Provider delegations -----------------------------------------------

// The write helpers above are package functions so they can run on either
// the pool or a transaction executor. The Provider mirrors them as methods
// so consumers can declare their store surface as an interface.

func (p *Provider) CreateWorkspace(ctx context.Context, db store.DB, w *store.Workspace) error {
	return CreateWorkspace(ctx, db, w)
}

func (p *Provider) CreateAgent(ctx context.Context, db store.DB, a *store.Agent) error {
	return CreateAgent(ctx, db, a)
}

func (p *Provider) UpdateAgentStatus(ctx context.Context, db store.DB, workspaceID, agentID string, status store.Status) error {
	return UpdateAgentStatus(ctx, db, workspaceID, agentID, status)
}

func (p *Provider) CreatePolicy(ctx context.Context, db store.DB, pol *store.Policy) error {
	return CreatePolicy(ctx, db, pol)
}

func (p *Provider) CreateBinding(ctx context.Context, db store.DB, b *store.AgentPolicyBinding) error {
	return CreateBinding(ctx, db, b)
}

func (p *Provider) CreateCapability(ctx context.Context, db store.DB, c *store.Capability) error {
	return CreateCapability(ctx, db, c)
}

func (p *Provider) UpdateCapabilityStatus(ctx context.Context, db store.DB, jti string, status store.Status) error {
	return UpdateCapabilityStatus(ctx, db, jti, status)
}

func (p *Provider) CreateRevocation(ctx context.Context, db store.DB, r *store.Revocation) error {
	return CreateRevocation(ctx, db, r)
}
