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

// Package policy validates policy documents against their closed schema and
// evaluates them against action payloads. Evaluation is pure; the rate-limit
// counter lives behind the cache and is consulted by the verify pipeline.
package policy

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the current policy document schema generation.
const SchemaVersion = 1

// Document is a validated policy. Optional sections are nil when absent;
// optional scalars inside them are nil pointers so "unset" and "zero" stay
// distinguishable.
type Document struct {
	AllowedTools   []string    `json:"allowed_tools"`
	ResourceScopes []string    `json:"resource_scopes,omitempty"`
	Spend          *Spend      `json:"spend,omitempty"`
	RateLimits     *RateLimits `json:"rate_limits,omitempty"`
}

// Spend caps a single transaction.
type Spend struct {
	Currency string   `json:"currency,omitempty"`
	MaxPerTx *float64 `json:"max_per_tx,omitempty"`
}

// RateLimits caps action frequency.
type RateLimits struct {
	MaxActionsPerMin *int `json:"max_actions_per_min,omitempty"`
}

// ParseDocument decodes a stored policy_json value. Stored documents were
// schema-validated at creation, so this only guards against corruption.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("policy: decode document: %w", err)
	}
	return &doc, nil
}

// MaxActionsPerMin returns the configured per-minute cap, or false when the
// document does not rate-limit.
func (d *Document) MaxActionsPerMin() (int, bool) {
	if d.RateLimits == nil || d.RateLimits.MaxActionsPerMin == nil {
		return 0, false
	}
	return *d.RateLimits.MaxActionsPerMin, true
}
