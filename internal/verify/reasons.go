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

package verify

// Decisions returned for a verification request.
const (
	DecisionAllow = "ALLOW"
	DecisionDeny  = "DENY"
)

// Reason codes attached to DENY decisions. ALLOW carries no reason code.
const (
	ReasonAgentNotFound           = "AGENT_NOT_FOUND"
	ReasonAgentRevoked            = "AGENT_REVOKED"
	ReasonCapabilityExpired       = "CAPABILITY_EXPIRED"
	ReasonCapabilityInvalid       = "CAPABILITY_INVALID"
	ReasonCapabilityRevoked       = "CAPABILITY_REVOKED"
	ReasonCapabilityScopeMismatch = "CAPABILITY_SCOPE_MISMATCH"
	ReasonWorkspaceMismatch       = "WORKSPACE_MISMATCH"
	ReasonSignatureInvalid        = "SIGNATURE_INVALID"
	ReasonPolicyNotBound          = "POLICY_NOT_BOUND"
	ReasonSpendLimitExceeded      = "SPEND_LIMIT_EXCEEDED"
	ReasonRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
)
