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

import "encoding/json"

// ScopesAllowAction reports whether the capability scopes cover the
// requested action. A scope matches either the action type itself or the
// concrete tool named in the payload, so a capability scoped to "purchase"
// covers an action of that type and one scoped to "stripe_charge" covers
// any action whose payload invokes that tool.
func ScopesAllowAction(scopes []string, actionType, tool string) bool {
	for _, scope := range scopes {
		if scope == actionType {
			return true
		}
		if tool != "" && scope == tool {
			return true
		}
	}
	return false
}

// AllowsSpend reports whether the action payload stays inside the spend
// limit. Documents without a max_per_tx cap always pass. When a cap is set
// the payload must carry a numeric amount at or below it, and a matching
// currency when the document pins one. A missing or non-numeric amount
// fails closed.
func (d *Document) AllowsSpend(payload map[string]any) bool {
	if d == nil || d.Spend == nil || d.Spend.MaxPerTx == nil {
		return true
	}
	amount, ok := payloadNumber(payload["amount"])
	if !ok {
		return false
	}
	if amount > *d.Spend.MaxPerTx {
		return false
	}
	if d.Spend.Currency != "" {
		currency, _ := payload["currency"].(string)
		if currency != d.Spend.Currency {
			return false
		}
	}
	return true
}

// payloadNumber extracts a numeric payload field. Decoded JSON yields
// float64, but payloads assembled in process may carry native ints or a
// json.Number from a decoder with UseNumber set.
func payloadNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
