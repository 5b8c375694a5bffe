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
	"net/http"
	"strconv"

	"github.com/qurveai/limiq/internal/audit"
)

// AuditEventsResponse is the 200 body of GET /audit/events.
type AuditEventsResponse struct {
	Events []*audit.Record `json:"events"`
	Count  int             `json:"count"`
}

// AuditVerifyResponse is the 200 body of GET /audit/verify. BrokenSeq and
// Error are present only when the chain fails verification.
type AuditVerifyResponse struct {
	Valid         bool   `json:"valid"`
	EventsChecked int64  `json:"events_checked"`
	BrokenSeq     int64  `json:"broken_seq,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (h *Handler) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ws := q.Get("workspace_id")
	if err := requireUUID("workspace_id", ws); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	if !h.ensureWorkspaceHeader(w, r, ws) {
		return
	}

	limit := parseIntParam(r, "limit", h.cfg.AuditExportMaxRows)
	if limit > h.cfg.AuditExportMaxRows {
		limit = h.cfg.AuditExportMaxRows
	}

	opts := audit.ListOpts{
		EventType: q.Get("event_type"),
		SubjectID: q.Get("subject_id"),
		SinceSeq:  int64(parseIntParam(r, "since_seq", 0)),
		Limit:     limit,
		Offset:    parseIntParam(r, "offset", 0),
	}

	records, err := h.audit.ListEvents(r.Context(), h.store.DB(), ws, opts)
	if err != nil {
		h.log.Error(err, "audit export failed", "workspace_id", ws)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}

	writeJSON(w, http.StatusOK, AuditEventsResponse{Events: records, Count: len(records)})
}

func (h *Handler) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	ws := r.URL.Query().Get("workspace_id")
	if err := requireUUID("workspace_id", ws); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeInvalidRequest, err.Error())
		return
	}
	if !h.ensureWorkspaceHeader(w, r, ws) {
		return
	}

	report, err := h.audit.VerifyChain(r.Context(), h.store.DB(), ws)
	if err != nil {
		h.log.Error(err, "audit chain verification failed", "workspace_id", ws)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
		return
	}

	resp := AuditVerifyResponse{Valid: report.Valid, EventsChecked: report.Events}
	if !report.Valid {
		resp.BrokenSeq = report.BrokenSeq
		resp.Error = report.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- probes -----------------------------------------------------------------

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("postgres unavailable"))
		return
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("redis unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// parseIntParam returns an integer query parameter or the default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}
