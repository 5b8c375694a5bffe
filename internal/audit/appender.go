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

// Package audit maintains the per-workspace hash-chained audit log. Every
// event links to its predecessor through a SHA-256 over the previous hash
// and the event's canonical JSON body, so editing or dropping a committed
// event breaks every hash after it. Appends run inside the caller's
// transaction and serialize per workspace through an advisory lock; the
// unique (workspace_id, seq) index is the backstop if two writers ever
// slip past it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qurveai/limiq/internal/store"
	"github.com/qurveai/limiq/pkg/canonical"
)

// GenesisHash is the prev_hash of the first event in every workspace chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// timeLayout fixes created_at to microsecond precision in the hash body.
// Postgres stores timestamptz at the same precision, so a record read back
// from the database re-hashes to the value computed at append time.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Event types recorded in the chain.
const (
	EventVerificationRequested = "action.verification.requested"
	EventVerificationAllowed   = "action.verification.allowed"
	EventVerificationDenied    = "action.verification.denied"
	EventCapabilityIssued      = "capability.issued"
	EventCapabilityRevoked     = "capability.revoked"
	EventPolicyCreated         = "policy.created"
	EventAgentRegistered       = "agent.registered"
	EventAgentRevoked          = "agent.revoked"
	EventAgentPolicyBound      = "agent.policy_bound"
	EventWorkspaceCreated      = "workspace.created"
)

// Subject types referenced by events.
const (
	SubjectAgent      = "agent"
	SubjectPolicy     = "policy"
	SubjectWorkspace  = "workspace"
	SubjectCapability = "capability"
)

var auditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "limiq_audit_events_total",
	Help: "Audit events appended to workspace chains.",
}, []string{"event_type"})

// Event is an audit fact to be appended.
type Event struct {
	WorkspaceID string
	EventType   string
	SubjectType string
	SubjectID   string
	Data        map[string]any
}

// Record is a committed chain entry as stored in audit_events.
type Record struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Seq         int64          `json:"seq"`
	EventType   string         `json:"event_type"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Data        map[string]any `json:"event_data"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ChainHash computes the hash of a record given its predecessor's hash.
// The preimage is the previous hash concatenated with the canonical JSON
// of the record body, so independent verifiers reproduce it from the
// stored columns alone.
func ChainHash(prevHash string, r *Record) (string, error) {
	data := r.Data
	if data == nil {
		data = map[string]any{}
	}
	body := map[string]any{
		"workspace_id": r.WorkspaceID,
		"seq":          r.Seq,
		"event_type":   r.EventType,
		"subject_type": r.SubjectType,
		"subject_id":   r.SubjectID,
		"event_data":   data,
		"created_at":   r.CreatedAt.UTC().Format(timeLayout),
	}
	canonicalBody, err := canonical.Encode(body)
	if err != nil {
		return "", fmt.Errorf("audit: encode event body: %w", err)
	}
	sum := sha256.Sum256(append([]byte(prevHash), canonicalBody...))
	return hex.EncodeToString(sum[:]), nil
}

// Appender writes chain entries.
type Appender struct {
	log logr.Logger
	now func() time.Time
}

// NewAppender creates an Appender.
func NewAppender(log logr.Logger) *Appender {
	return &Appender{
		log: log.WithName("audit"),
		now: time.Now,
	}
}

// Append writes ev as the next entry of its workspace chain and returns the
// committed record. It must run inside a transaction: the per-workspace
// advisory lock it takes is transaction-scoped, and the entry should commit
// or roll back with the operation it records.
func (a *Appender) Append(ctx context.Context, db store.DB, ev Event) (*Record, error) {
	lock := `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`
	if _, err := db.Exec(ctx, lock, ev.WorkspaceID); err != nil {
		return nil, fmt.Errorf("audit: acquire chain lock: %w", err)
	}

	prevSeq := int64(0)
	prevHash := GenesisHash
	head := `SELECT seq, hash FROM audit_events WHERE workspace_id=$1 ORDER BY seq DESC LIMIT 1`
	err := db.QueryRow(ctx, head, ev.WorkspaceID).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("audit: read chain head: %w", err)
	}

	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}

	rec := &Record{
		ID:          uuid.NewString(),
		WorkspaceID: ev.WorkspaceID,
		Seq:         prevSeq + 1,
		EventType:   ev.EventType,
		SubjectType: ev.SubjectType,
		SubjectID:   ev.SubjectID,
		Data:        data,
		PrevHash:    prevHash,
		CreatedAt:   a.now().UTC().Truncate(time.Microsecond),
	}
	if rec.Hash, err = ChainHash(prevHash, rec); err != nil {
		return nil, err
	}

	eventData, err := canonical.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("audit: encode event data: %w", err)
	}

	insert := `INSERT INTO audit_events (id, workspace_id, seq, event_type, subject_type, subject_id, event_data, prev_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = db.Exec(ctx, insert,
		rec.ID, rec.WorkspaceID, rec.Seq, rec.EventType, rec.SubjectType,
		rec.SubjectID, eventData, rec.PrevHash, rec.Hash, rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: insert event: %w", err)
	}

	auditEvents.WithLabelValues(rec.EventType).Inc()
	a.log.V(1).Info("audit event appended",
		"workspaceID", rec.WorkspaceID, "seq", rec.Seq, "eventType", rec.EventType)
	return rec, nil
}
