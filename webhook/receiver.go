// Package webhook verifies inbound upstream webhooks and fans the
// resulting events out to registered edge workers.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/edge-relay/domain"
	relayerrors "github.com/agentworkforce/edge-relay/errors"
)

// SignatureHeader carries the upstream's hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// Callback receives each verified webhook. It runs in a detached task so
// a slow downstream can never delay the acknowledgement to the upstream.
type Callback func(ctx context.Context, webhook *domain.Webhook)

// Receiver authenticates and decodes inbound upstream webhooks. The
// signature check is the sole authentication for upstream traffic.
type Receiver struct {
	secret   []byte
	callback Callback
}

// NewReceiver creates a new [Receiver]. The secret is shared with the
// upstream's webhook signer.
func NewReceiver(secret string, callback Callback) *Receiver {
	return &Receiver{secret: []byte(secret), callback: callback}
}

// Handle verifies the signature over the raw body, parses the envelope
// and hands it to the callback in a background task. It returns as soon
// as the webhook is accepted; fan-out never blocks the acknowledgement.
func (r *Receiver) Handle(ctx context.Context, body []byte, signature string) (*domain.Webhook, error) {
	if err := r.verify(body, signature); err != nil {
		return nil, err
	}

	var webhook domain.Webhook
	if err := json.Unmarshal(body, &webhook); err != nil {
		return nil, relayerrors.NewMalformedPayload("webhook body is not valid JSON")
	}
	if webhook.Type == "" {
		return nil, relayerrors.NewMalformedPayload("webhook envelope missing type")
	}
	if webhook.OrganizationID == "" {
		return nil, relayerrors.NewMalformedPayload("webhook envelope missing organizationId")
	}

	if r.callback != nil {
		// Detached from the request so cancellation of the inbound HTTP
		// request cannot cancel deliveries already dispatched.
		bg := context.WithoutCancel(ctx)
		go r.callback(bg, &webhook)
	}
	return &webhook, nil
}

func (r *Receiver) verify(body []byte, signature string) error {
	if signature == "" {
		return relayerrors.NewInvalidSignature()
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		log.Warn().Msg("Webhook signature mismatch")
		return relayerrors.NewInvalidSignature()
	}
	return nil
}

// Sign computes the signature the upstream would send for body. Used by
// tests and by local tooling that replays webhooks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
