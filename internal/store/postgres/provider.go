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

// Package postgres implements the control-plane store over PostgreSQL.
// Reads run against the pool; writes are package-level functions over a
// store.DB so they compose inside a WithTx transaction together with the
// audit events that record them.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qurveai/limiq/internal/pgutil"
	"github.com/qurveai/limiq/internal/store"
)

// Provider serves control-plane reads and brackets writes in transactions.
type Provider struct {
	pool     *pgxpool.Pool
	db       store.DB
	ownsPool bool
}

// New creates a Provider that owns the underlying connection pool. The pool
// is created from cfg and verified with a PING. Close will shut down the
// pool.
func New(cfg Config) (*Provider, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.TLS != nil {
		poolCfg.ConnConfig.TLSConfig = cfg.TLS
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	return &Provider{pool: pool, db: pool, ownsPool: true}, nil
}

// NewFromPool wraps an existing connection pool. Close is a no-op because
// the caller retains ownership of the pool.
func NewFromPool(pool *pgxpool.Pool) *Provider {
	return &Provider{pool: pool, db: pool}
}

// NewFromDB wraps a bare executor. WithTx degrades to running the callback
// without a transaction, so this is only suitable for tests.
func NewFromDB(db store.DB) *Provider {
	return &Provider{db: db}
}

// Ping verifies connectivity.
func (p *Provider) Ping(ctx context.Context) error {
	if p.pool != nil {
		return p.pool.Ping(ctx)
	}
	var one int
	return p.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// DB exposes the pooled executor for read paths that live outside this
// package, such as audit exports.
func (p *Provider) DB() store.DB {
	return p.db
}

// Close releases the pool when this provider owns it.
func (p *Provider) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}

// WithTx runs fn inside a transaction. The store.DB handed to fn is the
// transaction, so write helpers and audit appends called with it commit or
// roll back together.
func (p *Provider) WithTx(ctx context.Context, fn func(db store.DB) error) error {
	if p.pool == nil {
		return fn(p.db)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// --- row scanners -----------------------------------------------------------

// Column lists for SELECTs (no trailing comma).
const (
	workspaceColumns  = `id, name, created_at`
	agentColumns      = `id, workspace_id, name, public_key, fingerprint, status, metadata, created_at`
	policyColumns     = `id, workspace_id, name, version, schema_version, is_active, policy_json, created_at`
	bindingColumns    = `id, workspace_id, agent_id, policy_id, status, created_at`
	capabilityColumns = `id, workspace_id, agent_id, jti, scopes, limits, policy_id, policy_version, status, issued_at, expires_at`
)

// scopesEnvelope is the JSONB shape scopes are stored in.
type scopesEnvelope struct {
	Items []string `json:"items"`
}

func scanWorkspace(row pgx.Row) (*store.Workspace, error) {
	var w store.Workspace
	if err := row.Scan(&w.ID, &w.Name, &w.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan workspace: %w", err)
	}
	return &w, nil
}

func scanAgent(row pgx.Row) (*store.Agent, error) {
	var a store.Agent
	var metadataJSON []byte

	err := row.Scan(
		&a.ID, &a.WorkspaceID, &a.Name, &a.PublicKey, &a.Fingerprint,
		&a.Status, &metadataJSON, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan agent: %w", err)
	}

	a.Metadata = pgutil.UnmarshalJSONB(metadataJSON)
	return &a, nil
}

func scanPolicy(row pgx.Row) (*store.Policy, error) {
	var pol store.Policy

	err := row.Scan(
		&pol.ID, &pol.WorkspaceID, &pol.Name, &pol.Version, &pol.SchemaVersion,
		&pol.IsActive, &pol.Document, &pol.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan policy: %w", err)
	}
	return &pol, nil
}

func scanBinding(row pgx.Row) (*store.AgentPolicyBinding, error) {
	var b store.AgentPolicyBinding

	err := row.Scan(&b.ID, &b.WorkspaceID, &b.AgentID, &b.PolicyID, &b.Status, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan binding: %w", err)
	}
	return &b, nil
}

func scanCapability(row pgx.Row) (*store.Capability, error) {
	var c store.Capability
	var scopesJSON, limitsJSON []byte

	err := row.Scan(
		&c.ID, &c.WorkspaceID, &c.AgentID, &c.JTI, &scopesJSON, &limitsJSON,
		&c.PolicyID, &c.PolicyVersion, &c.Status, &c.IssuedAt, &c.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan capability: %w", err)
	}

	var scopes scopesEnvelope
	if len(scopesJSON) > 0 {
		if err := json.Unmarshal(scopesJSON, &scopes); err != nil {
			return nil, fmt.Errorf("postgres: decode capability scopes: %w", err)
		}
	}
	c.Scopes = scopes.Items
	if c.Scopes == nil {
		c.Scopes = []string{}
	}

	if len(limitsJSON) > 0 {
		if err := json.Unmarshal(limitsJSON, &c.Limits); err != nil {
			return nil, fmt.Errorf("postgres: decode capability limits: %w", err)
		}
	}
	return &c, nil
}

// --- reads ------------------------------------------------------------------

func (p *Provider) WorkspaceByID(ctx context.Context, workspaceID string) (*store.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE id=$1 LIMIT 1`
	return scanWorkspace(p.db.QueryRow(ctx, query, workspaceID))
}

// AgentByID fetches an agent within its workspace. An agent belonging to a
// different workspace is reported as absent, not as a different error, so
// cross-tenant probing learns nothing.
func (p *Provider) AgentByID(ctx context.Context, workspaceID, agentID string) (*store.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id=$1 AND workspace_id=$2 LIMIT 1`
	return scanAgent(p.db.QueryRow(ctx, query, agentID, workspaceID))
}

func (p *Provider) PolicyByID(ctx context.Context, workspaceID, policyID string) (*store.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id=$1 AND workspace_id=$2 LIMIT 1`
	return scanPolicy(p.db.QueryRow(ctx, query, policyID, workspaceID))
}

// ActiveBindingForAgent returns the agent's single active policy binding.
func (p *Provider) ActiveBindingForAgent(ctx context.Context, workspaceID, agentID string) (*store.AgentPolicyBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM agent_policy_bindings
		WHERE workspace_id=$1 AND agent_id=$2 AND status=$3
		ORDER BY created_at DESC LIMIT 1`
	return scanBinding(p.db.QueryRow(ctx, query, workspaceID, agentID, store.StatusActive))
}

func (p *Provider) CapabilityByJTI(ctx context.Context, jti string) (*store.Capability, error) {
	query := `SELECT ` + capabilityColumns + ` FROM capabilities WHERE jti=$1 LIMIT 1`
	return scanCapability(p.db.QueryRow(ctx, query, jti))
}

// RevocationExists reports whether a tombstone exists for jti.
func (p *Provider) RevocationExists(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM revocations WHERE jti=$1)", jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check revocation: %w", err)
	}
	return exists, nil
}
