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

package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema is the closed policy schema: unknown keys are rejected at
// every level so a typo cannot silently disable an intended limit.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["allowed_tools"],
  "properties": {
    "allowed_tools": {
      "type": "array",
      "items": {"type": "string"}
    },
    "resource_scopes": {
      "type": "array",
      "items": {"type": "string"}
    },
    "spend": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "currency": {"type": "string"},
        "max_per_tx": {"type": "number"}
      }
    },
    "rate_limits": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_actions_per_min": {"type": "integer"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(documentSchema)

// SchemaError reports why a policy document failed validation.
type SchemaError struct {
	Issues []string
}

func (e *SchemaError) Error() string {
	return "policy: schema violation: " + strings.Join(e.Issues, "; ")
}

// ValidateDocument checks raw against the closed schema and returns the
// typed Document on success. Failures are *SchemaError so the transport
// layer can map them to POLICY_SCHEMA_INVALID.
func ValidateDocument(raw map[string]any) (*Document, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("policy: validate document: %w", err)
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			issues = append(issues, issue.String())
		}
		return nil, &SchemaError{Issues: issues}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("policy: encode document: %w", err)
	}
	return ParseDocument(data)
}
