// Package registry maintains the durable mapping from workspace to its
// currently registered edge-worker delivery endpoints.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentworkforce/edge-relay/domain"
	relayerrors "github.com/agentworkforce/edge-relay/errors"
	"github.com/agentworkforce/edge-relay/kv"
)

const keyPrefix = "registry:ws:"

// Registry stores registrations in the shared key-value service, one
// record per workspace holding the endpoint map. Concurrent writers for
// the same workspace race last-write-wins, like every other record in the
// shared store.
type Registry struct {
	store kv.Store
	now   func() time.Time
}

// NewRegistry creates a new [Registry].
func NewRegistry(store kv.Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

func workspaceKey(workspaceID string) string {
	return keyPrefix + workspaceID
}

func (r *Registry) load(ctx context.Context, workspaceID string) (map[string]*domain.EdgeWorkerRegistration, error) {
	payload, found, err := r.store.Get(ctx, workspaceKey(workspaceID))
	if err != nil {
		return nil, fmt.Errorf("load registry for %s: %w", workspaceID, err)
	}
	entries := make(map[string]*domain.EdgeWorkerRegistration)
	if !found {
		return entries, nil
	}
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decode registry for %s: %w", workspaceID, err)
	}
	return entries, nil
}

func (r *Registry) persist(ctx context.Context, workspaceID string, entries map[string]*domain.EdgeWorkerRegistration) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode registry for %s: %w", workspaceID, err)
	}
	if err := r.store.Put(ctx, workspaceKey(workspaceID), payload, 0); err != nil {
		return fmt.Errorf("persist registry for %s: %w", workspaceID, err)
	}
	return nil
}

// Register upserts a registration keyed by (workspaceId, endpointUrl).
// An existing record keeps its RegisteredAt and gets a fresh credential
// and LastSeenAt. Returns the stored record and whether it was created.
func (r *Registry) Register(ctx context.Context, reg *domain.EdgeWorkerRegistration) (*domain.EdgeWorkerRegistration, bool, error) {
	entries, err := r.load(ctx, reg.WorkspaceID)
	if err != nil {
		return nil, false, err
	}

	now := r.now().UnixMilli()
	stored, exists := entries[reg.EndpointURL]
	if exists {
		stored.AuthToken = reg.AuthToken
		stored.LastSeenAt = now
	} else {
		stored = &domain.EdgeWorkerRegistration{
			WorkspaceID:  reg.WorkspaceID,
			EndpointURL:  reg.EndpointURL,
			AuthToken:    reg.AuthToken,
			RegisteredAt: now,
			LastSeenAt:   now,
		}
		entries[reg.EndpointURL] = stored
	}

	if err := r.persist(ctx, reg.WorkspaceID, entries); err != nil {
		return nil, false, err
	}
	return stored, !exists, nil
}

// ListForWorkspace returns all registrations for a workspace, ordered by
// endpoint URL. An empty result is valid and means the workspace has no
// delivery target.
func (r *Registry) ListForWorkspace(ctx context.Context, workspaceID string) ([]*domain.EdgeWorkerRegistration, error) {
	entries, err := r.load(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	regs := make([]*domain.EdgeWorkerRegistration, 0, len(entries))
	for _, reg := range entries {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].EndpointURL < regs[j].EndpointURL })
	return regs, nil
}

// Touch advances LastSeenAt for one registration. Called after a
// successful delivery and on status callbacks.
func (r *Registry) Touch(ctx context.Context, workspaceID, endpointURL string) error {
	entries, err := r.load(ctx, workspaceID)
	if err != nil {
		return err
	}
	reg, ok := entries[endpointURL]
	if !ok {
		return relayerrors.NewNotFound("registration", workspaceID+"/"+endpointURL)
	}
	reg.LastSeenAt = r.now().UnixMilli()
	return r.persist(ctx, workspaceID, entries)
}
