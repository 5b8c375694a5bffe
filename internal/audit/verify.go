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

package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/qurveai/limiq/internal/pgutil"
	"github.com/qurveai/limiq/internal/store"
)

const recordColumns = `id, workspace_id, seq, event_type, subject_type, subject_id, event_data, prev_hash, hash, created_at`

// Break reasons reported by chain verification.
const (
	BreakSequenceGap      = "sequence_gap"
	BreakPrevHashMismatch = "prev_hash_mismatch"
	BreakHashMismatch     = "hash_mismatch"
)

// ChainReport is the result of walking a workspace chain.
type ChainReport struct {
	Valid     bool   `json:"valid"`
	Events    int64  `json:"events"`
	BrokenSeq int64  `json:"broken_seq,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// VerifyRecords recomputes every hash in records, which must be ordered by
// ascending seq, and reports the first break. An empty slice is a valid
// chain of zero events.
func VerifyRecords(records []*Record) *ChainReport {
	report := &ChainReport{Events: int64(len(records))}
	prevHash := GenesisHash
	prevSeq := int64(0)
	for _, r := range records {
		if r.Seq != prevSeq+1 {
			report.BrokenSeq = r.Seq
			report.Reason = BreakSequenceGap
			return report
		}
		if r.PrevHash != prevHash {
			report.BrokenSeq = r.Seq
			report.Reason = BreakPrevHashMismatch
			return report
		}
		want, err := ChainHash(prevHash, r)
		if err != nil || want != r.Hash {
			report.BrokenSeq = r.Seq
			report.Reason = BreakHashMismatch
			return report
		}
		prevHash = r.Hash
		prevSeq = r.Seq
	}
	report.Valid = true
	return report
}

// VerifyChain loads the full chain for a workspace and verifies it.
func VerifyChain(ctx context.Context, db store.DB, workspaceID string) (*ChainReport, error) {
	query := `SELECT ` + recordColumns + ` FROM audit_events WHERE workspace_id=$1 ORDER BY seq ASC`
	rows, err := db.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("audit: load chain: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	return VerifyRecords(records), nil
}

// ListOpts filters an audit export. Zero values leave a filter unset.
type ListOpts struct {
	EventType string
	SubjectID string
	SinceSeq  int64
	Limit     int
	Offset    int
}

// ListEvents returns chain records for a workspace ordered by seq.
func ListEvents(ctx context.Context, db store.DB, workspaceID string, opts ListOpts) ([]*Record, error) {
	qb := &pgutil.QueryBuilder{}
	qb.Add("workspace_id = $?", workspaceID)
	if opts.EventType != "" {
		qb.Add("event_type = $?", opts.EventType)
	}
	if opts.SubjectID != "" {
		qb.Add("subject_id = $?", opts.SubjectID)
	}
	if opts.SinceSeq > 0 {
		qb.Add("seq > $?", opts.SinceSeq)
	}

	query := `SELECT ` + recordColumns + ` FROM audit_events WHERE 1=1` + qb.Where() + ` ORDER BY seq ASC`
	query = qb.AppendPagination(query, opts.Limit, opts.Offset)

	rows, err := db.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	var records []*Record
	for rows.Next() {
		var (
			r    Record
			data []byte
		)
		err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Seq, &r.EventType, &r.SubjectType,
			&r.SubjectID, &data, &r.PrevHash, &r.Hash, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		r.Data = map[string]any{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &r.Data); err != nil {
				return nil, fmt.Errorf("audit: decode event data: %w", err)
			}
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return records, nil
}

// ListEvents and VerifyChain are also exposed as Appender methods so callers
// holding an *Appender reach the whole audit log through one dependency.

func (a *Appender) ListEvents(ctx context.Context, db store.DB, workspaceID string, opts ListOpts) ([]*Record, error) {
	return ListEvents(ctx, db, workspaceID, opts)
}

func (a *Appender) VerifyChain(ctx context.Context, db store.DB, workspaceID string) (*ChainReport, error) {
	return VerifyChain(ctx, db, workspaceID)
}
