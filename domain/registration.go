package domain

// EdgeWorkerRegistration is one registered delivery target for a workspace.
// Uniqueness is per (workspaceId, endpointUrl); re-registering the same
// pair updates the existing record.
type EdgeWorkerRegistration struct {
	WorkspaceID  string `json:"workspaceId"`
	EndpointURL  string `json:"endpointUrl"`
	AuthToken    string `json:"authToken"`
	RegisteredAt int64  `json:"registeredAt"` // epoch millis
	LastSeenAt   int64  `json:"lastSeenAt"`   // epoch millis, advanced on delivery and status callbacks
}

// StatusUpdate is the payload an edge worker posts back after picking up
// or finishing work on a delivered event.
type StatusUpdate struct {
	WorkspaceID string `json:"workspaceId"`
	EndpointURL string `json:"endpointUrl"`
	Status      string `json:"status"`
	Detail      string `json:"detail,omitempty"`
}
