package domain

import "encoding/json"

// Webhook is the verified envelope the upstream posts to /webhook.
type Webhook struct {
	Type           string          `json:"type"`
	Action         string          `json:"action,omitempty"`
	OrganizationID string          `json:"organizationId"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// CanonicalEvent is the normalized, delivery-ready form of a webhook. It is
// produced once per inbound webhook and fanned out unmodified to every
// registration of the workspace.
type CanonicalEvent struct {
	Kind        string          `json:"kind"`
	WorkspaceID string          `json:"workspaceId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	GeneratedAt int64           `json:"generatedAt"` // epoch millis
}
