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
	"net/http"
)

// Transport error codes. Decision reason codes never appear here; a DENY is
// a 200 VerifyResponse, not an error envelope.
const (
	codeWorkspaceMismatch   = "WORKSPACE_MISMATCH"
	codeWorkspaceNotFound   = "WORKSPACE_NOT_FOUND"
	codeAgentNotFound       = "AGENT_NOT_FOUND"
	codeAgentRevoked        = "AGENT_REVOKED"
	codePolicySchemaInvalid = "POLICY_SCHEMA_INVALID"
	codePolicyVersionExists = "POLICY_VERSION_ALREADY_EXISTS"
	codeInvalidRequest      = "INVALID_REQUEST"
	codeNotFound            = "NOT_FOUND"
	codeUnauthorized        = "UNAUTHORIZED"
	codeInternalError       = "INTERNAL_ERROR"
)

const (
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
)

// ErrorDetail is the code and message inside every error envelope.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the JSON envelope for transport errors.
type ErrorResponse struct {
	Detail ErrorDetail `json:"detail"`
}

// writeJSON writes data as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already out; nothing useful left to write.
		_ = err
	}
}

// writeError writes the error envelope with the given status and code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Detail: ErrorDetail{Code: code, Message: message}})
}
