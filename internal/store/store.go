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

// Package store defines the durable records of the verification control
// plane and the executor contract their queries run against. Postgres is
// the source of truth for every record here; Redis only mirrors revocations
// and rate counters for fast-path reads.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Common errors returned by store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert collides with a uniqueness
	// constraint, such as a duplicate policy version.
	ErrConflict = errors.New("record already exists")
)

// DB is the executor shared by pooled connections and transactions.
// *pgxpool.Pool and pgx.Tx both satisfy it, so write helpers run unchanged
// inside or outside an enclosing transaction.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Status is the lifecycle state shared by agents, bindings, and
// capabilities.
type Status string

const (
	// StatusActive marks a record that participates in verification.
	StatusActive Status = "active"
	// StatusRevoked marks a record that has been withdrawn. Revoked
	// records are kept for audit, never deleted.
	StatusRevoked Status = "revoked"
)

// Workspace is a tenant boundary. Every other record hangs off one.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a registered actor identified by its Ed25519 public key.
type Agent struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Name        string            `json:"name"`
	// PublicKey is the base64 encoding of the raw 32-byte Ed25519 key.
	PublicKey string `json:"public_key"`
	// Fingerprint is the lowercase hex SHA-256 of the raw key bytes.
	Fingerprint string            `json:"fingerprint"`
	Status      Status            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Policy is an immutable versioned rule document. New rules mean a new
// version, never an update in place.
type Policy struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Version     int    `json:"version"`
	// SchemaVersion is the document schema generation the policy was
	// validated against.
	SchemaVersion int  `json:"schema_version"`
	IsActive      bool `json:"is_active"`
	// Document is the raw policy_json value as stored. RawMessage keeps it
	// a JSON object, not a base64 blob, when the record is serialized.
	Document  json.RawMessage `json:"policy_json"`
	CreatedAt time.Time       `json:"created_at"`
}

// AgentPolicyBinding attaches a policy to an agent. At most one binding
// per agent is active; binding a new policy revokes the previous one.
type AgentPolicyBinding struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	AgentID     string    `json:"agent_id"`
	PolicyID    string    `json:"policy_id"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Capability is the durable record of an issued capability token,
// keyed by the token's jti. The token itself is never stored.
type Capability struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	AgentID     string         `json:"agent_id"`
	JTI         string         `json:"jti"`
	Scopes      []string       `json:"scopes"`
	Limits      map[string]any `json:"limits,omitempty"`
	// PolicyID and PolicyVersion snapshot the binding in force at issue
	// time. Nil when the capability was issued without a binding.
	PolicyID      *string   `json:"policy_id,omitempty"`
	PolicyVersion *int      `json:"policy_version,omitempty"`
	Status        Status    `json:"status"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Revocation is a tombstone for a revoked jti. It outlives the capability
// row so a revocation survives even if the row is lost or rewritten.
type Revocation struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	JTI         string    `json:"jti"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsExpired reports whether the capability's expiry has passed.
func (c *Capability) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
