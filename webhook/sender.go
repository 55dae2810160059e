package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/edge-relay/domain"
	relayerrors "github.com/agentworkforce/edge-relay/errors"
	"github.com/agentworkforce/edge-relay/registry"
)

// Sender transforms verified webhooks into canonical events and delivers
// them to every edge worker registered for the workspace.
type Sender struct {
	registry   *registry.Registry
	httpClient *http.Client
	now        func() time.Time
}

// NewSender creates a new [Sender].
func NewSender(reg *registry.Registry) *Sender {
	return &Sender{
		registry:   reg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

// Transform maps the upstream webhook shape to the canonical event shape.
// Pure mapping, no I/O.
func (s *Sender) Transform(webhook *domain.Webhook) *domain.CanonicalEvent {
	kind := webhook.Type
	if webhook.Action != "" {
		kind = webhook.Type + "." + webhook.Action
	}
	return &domain.CanonicalEvent{
		Kind:        kind,
		WorkspaceID: webhook.OrganizationID,
		Payload:     webhook.Data,
		GeneratedAt: s.now().UnixMilli(),
	}
}

// Dispatch delivers the event to every registration of its workspace
// concurrently. Each delivery is independent; a failing endpoint neither
// blocks nor fails the others. Returns the number of endpoints delivered
// to. Failed deliveries are logged, not retried; edge workers re-pull
// state on reconnect.
func (s *Sender) Dispatch(ctx context.Context, event *domain.CanonicalEvent) (int, error) {
	regs, err := s.registry.ListForWorkspace(ctx, event.WorkspaceID)
	if err != nil {
		return 0, err
	}
	if len(regs) == 0 {
		log.Warn().
			Str("workspace_id", event.WorkspaceID).
			Str("kind", event.Kind).
			Msg("No registered edge worker, dropping event")
		return 0, nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	var delivered atomic.Int32
	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg *domain.EdgeWorkerRegistration) {
			defer wg.Done()
			if err := s.deliver(ctx, reg, payload); err != nil {
				log.Error().Err(err).
					Str("workspace_id", reg.WorkspaceID).
					Str("endpoint", reg.EndpointURL).
					Str("kind", event.Kind).
					Msg("Event delivery failed")
				return
			}
			delivered.Add(1)
			if err := s.registry.Touch(ctx, reg.WorkspaceID, reg.EndpointURL); err != nil {
				log.Error().Err(err).
					Str("workspace_id", reg.WorkspaceID).
					Str("endpoint", reg.EndpointURL).
					Msg("Failed to record delivery in registry")
			}
		}(reg)
	}
	wg.Wait()

	log.Info().
		Str("workspace_id", event.WorkspaceID).
		Str("kind", event.Kind).
		Int("targets", len(regs)).
		Int32("delivered", delivered.Load()).
		Msg("Event dispatched")
	return int(delivered.Load()), nil
}

func (s *Sender) deliver(ctx context.Context, reg *domain.EdgeWorkerRegistration, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.EndpointURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+reg.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", reg.EndpointURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("edge worker %s returned %d", reg.EndpointURL, resp.StatusCode)
	}
	return nil
}

// HandleStatusUpdate records a status callback from an edge worker by
// advancing its LastSeenAt. Malformed updates are rejected without side
// effects.
func (s *Sender) HandleStatusUpdate(ctx context.Context, update *domain.StatusUpdate) error {
	if update.WorkspaceID == "" {
		return relayerrors.NewValidation("workspaceId", "required")
	}
	if update.EndpointURL == "" {
		return relayerrors.NewValidation("endpointUrl", "required")
	}
	if update.Status == "" {
		return relayerrors.NewValidation("status", "required")
	}

	if err := s.registry.Touch(ctx, update.WorkspaceID, update.EndpointURL); err != nil {
		return err
	}
	log.Info().
		Str("workspace_id", update.WorkspaceID).
		Str("endpoint", update.EndpointURL).
		Str("status", update.Status).
		Msg("Edge worker status update")
	return nil
}
